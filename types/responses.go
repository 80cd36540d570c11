package types

import (
	"fmt"

	"github.com/pkg/errors"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// BlockResponse answers a BlockRequest. Precommits carry the certificate as
// raw signed frames so the receiver can verify each one independently, and
// TxHashes lists the block's transactions so the receiver can pull the ones
// it is missing before executing.
type BlockResponse struct {
	From       ValidatorID
	To         ValidatorID
	Block      *Block
	Precommits [][]byte
	TxHashes   []tmbytes.HexBytes
	Signature  []byte

	hash tmbytes.HexBytes
}

func NewBlockResponse(from, to ValidatorID, block *Block,
	precommits [][]byte, txHashes []tmbytes.HexBytes) *BlockResponse {
	return &BlockResponse{
		From: from, To: to, Block: block,
		Precommits: precommits, TxHashes: txHashes,
	}
}

func (m *BlockResponse) TypeID() uint16      { return BlockResponseType }
func (m *BlockResponse) Author() ValidatorID { return m.From }
func (m *BlockResponse) signature() []byte   { return m.Signature }

const blockResponseFixedSize = 4 + 4 + 8 + 8 + 8

func (m *BlockResponse) payload() []byte {
	w := newSegmentWriter(blockResponseFixedSize)
	w.PutUint32(uint32(m.From))
	w.PutUint32(uint32(m.To))
	w.PutSegment(m.Block.Bytes())
	w.PutByteSlices(m.Precommits)
	hs := make([][]byte, len(m.TxHashes))
	for i, h := range m.TxHashes {
		hs[i] = h
	}
	w.PutHashList(hs)
	return w.Finish()
}

func decodeBlockResponse(payload, sig []byte) (*BlockResponse, error) {
	r := newSegmentReader(payload, blockResponseFixedSize)
	m := &BlockResponse{
		From:      ValidatorID(r.Uint32()),
		To:        ValidatorID(r.Uint32()),
		Signature: sig,
	}
	blockBytes := r.Segment()
	m.Precommits = r.ByteSlices()
	hashes := r.HashList()
	if err := r.Err(); err != nil {
		return nil, err
	}
	block, err := BlockFromBytes(blockBytes)
	if err != nil {
		return nil, err
	}
	m.Block = block
	for _, h := range hashes {
		m.TxHashes = append(m.TxHashes, h)
	}
	return m, nil
}

func (m *BlockResponse) SignBytes(chainID string) []byte {
	return signBytes(chainID, BlockResponseType, m.payload())
}

func (m *BlockResponse) Hash() tmbytes.HexBytes {
	if m.hash == nil {
		m.hash = messageHash(BlockResponseType, m.payload())
	}
	return m.hash
}

func (m *BlockResponse) ValidateBasic() error {
	if m.From < 0 || m.To < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if m.Block == nil {
		return errors.Wrap(ErrMalformedMessage, "block response missing block")
	}
	if err := m.Block.ValidateBasic(); err != nil {
		return err
	}
	if len(m.Precommits) == 0 {
		return errors.Wrap(ErrMalformedMessage, "block response missing precommits")
	}
	if uint32(len(m.TxHashes)) != m.Block.NumTxs {
		return errors.Wrapf(ErrMalformedMessage,
			"block response carries %d tx hashes, block declares %d",
			len(m.TxHashes), m.Block.NumTxs)
	}
	for _, h := range m.TxHashes {
		if len(h) != HashSize {
			return errors.Wrap(ErrMalformedMessage, "block response tx hash size")
		}
	}
	return nil
}

func (m *BlockResponse) String() string {
	return fmt.Sprintf("BlockResponse{%d->%d %v precommits:%d}",
		m.From, m.To, m.Block, len(m.Precommits))
}

//----------------------------------------
// TransactionsResponse

// TransactionsResponse answers a TransactionsRequest with full transactions.
type TransactionsResponse struct {
	From      ValidatorID
	To        ValidatorID
	Txs       []Tx
	Signature []byte

	hash tmbytes.HexBytes
}

func NewTransactionsResponse(from, to ValidatorID, txs []Tx) *TransactionsResponse {
	return &TransactionsResponse{From: from, To: to, Txs: txs}
}

func (m *TransactionsResponse) TypeID() uint16      { return TransactionsResponseType }
func (m *TransactionsResponse) Author() ValidatorID { return m.From }
func (m *TransactionsResponse) signature() []byte   { return m.Signature }

const transactionsResponseFixedSize = 4 + 4 + 8

func (m *TransactionsResponse) payload() []byte {
	w := newSegmentWriter(transactionsResponseFixedSize)
	w.PutUint32(uint32(m.From))
	w.PutUint32(uint32(m.To))
	bs := make([][]byte, len(m.Txs))
	for i, tx := range m.Txs {
		bs[i] = tx
	}
	w.PutByteSlices(bs)
	return w.Finish()
}

func decodeTransactionsResponse(payload, sig []byte) (*TransactionsResponse, error) {
	r := newSegmentReader(payload, transactionsResponseFixedSize)
	m := &TransactionsResponse{
		From:      ValidatorID(r.Uint32()),
		To:        ValidatorID(r.Uint32()),
		Signature: sig,
	}
	for _, b := range r.ByteSlices() {
		m.Txs = append(m.Txs, Tx(b))
	}
	return m, r.Err()
}

func (m *TransactionsResponse) SignBytes(chainID string) []byte {
	return signBytes(chainID, TransactionsResponseType, m.payload())
}

func (m *TransactionsResponse) Hash() tmbytes.HexBytes {
	if m.hash == nil {
		m.hash = messageHash(TransactionsResponseType, m.payload())
	}
	return m.hash
}

func (m *TransactionsResponse) ValidateBasic() error {
	if m.From < 0 || m.To < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if len(m.Txs) == 0 {
		return errors.Wrap(ErrMalformedMessage, "empty transactions response")
	}
	for _, tx := range m.Txs {
		if len(tx) == 0 {
			return errors.Wrap(ErrMalformedMessage, "empty transaction in response")
		}
	}
	return nil
}

func (m *TransactionsResponse) String() string {
	return fmt.Sprintf("TransactionsResponse{%d->%d txs:%d}", m.From, m.To, len(m.Txs))
}
