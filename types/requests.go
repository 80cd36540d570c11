package types

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tendermint/tendermint/libs/bits"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Request messages. Each one names the peer it is addressed to so a relayed
// copy can be ignored, and is signed by its sender like any other message.

//----------------------------------------
// ProposeRequest

// ProposeRequest asks a peer for the full proposal behind a hash the sender
// has only seen referenced in votes.
type ProposeRequest struct {
	From        ValidatorID
	To          ValidatorID
	Height      Height
	ProposeHash tmbytes.HexBytes
	Signature   []byte

	hash tmbytes.HexBytes
}

func NewProposeRequest(from, to ValidatorID, height Height, proposeHash tmbytes.HexBytes) *ProposeRequest {
	return &ProposeRequest{From: from, To: to, Height: height, ProposeHash: proposeHash}
}

func (m *ProposeRequest) TypeID() uint16      { return ProposeRequestType }
func (m *ProposeRequest) Author() ValidatorID { return m.From }
func (m *ProposeRequest) signature() []byte   { return m.Signature }

const proposeRequestFixedSize = 4 + 4 + 8 + HashSize

func (m *ProposeRequest) payload() []byte {
	w := newSegmentWriter(proposeRequestFixedSize)
	w.PutUint32(uint32(m.From))
	w.PutUint32(uint32(m.To))
	w.PutUint64(uint64(m.Height))
	w.PutHash(m.ProposeHash)
	return w.Finish()
}

func decodeProposeRequest(payload, sig []byte) (*ProposeRequest, error) {
	r := newSegmentReader(payload, proposeRequestFixedSize)
	m := &ProposeRequest{
		From:        ValidatorID(r.Uint32()),
		To:          ValidatorID(r.Uint32()),
		Height:      Height(r.Uint64()),
		ProposeHash: r.Hash(),
		Signature:   sig,
	}
	return m, r.Err()
}

func (m *ProposeRequest) SignBytes(chainID string) []byte {
	return signBytes(chainID, ProposeRequestType, m.payload())
}

func (m *ProposeRequest) Hash() tmbytes.HexBytes {
	if m.hash == nil {
		m.hash = messageHash(ProposeRequestType, m.payload())
	}
	return m.hash
}

func (m *ProposeRequest) ValidateBasic() error {
	if m.From < 0 || m.To < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if len(m.ProposeHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "propose request hash size")
	}
	return nil
}

func (m *ProposeRequest) String() string {
	return fmt.Sprintf("ProposeRequest{%d->%d %v %v}", m.From, m.To, m.Height, m.ProposeHash)
}

//----------------------------------------
// TransactionsRequest

// TransactionsRequest asks a peer for full transactions by hash.
type TransactionsRequest struct {
	From      ValidatorID
	To        ValidatorID
	TxHashes  []tmbytes.HexBytes
	Signature []byte

	hash tmbytes.HexBytes
}

func NewTransactionsRequest(from, to ValidatorID, txHashes []tmbytes.HexBytes) *TransactionsRequest {
	return &TransactionsRequest{From: from, To: to, TxHashes: txHashes}
}

func (m *TransactionsRequest) TypeID() uint16      { return TransactionsRequestType }
func (m *TransactionsRequest) Author() ValidatorID { return m.From }
func (m *TransactionsRequest) signature() []byte   { return m.Signature }

const transactionsRequestFixedSize = 4 + 4 + 8

func (m *TransactionsRequest) payload() []byte {
	w := newSegmentWriter(transactionsRequestFixedSize)
	w.PutUint32(uint32(m.From))
	w.PutUint32(uint32(m.To))
	hs := make([][]byte, len(m.TxHashes))
	for i, h := range m.TxHashes {
		hs[i] = h
	}
	w.PutHashList(hs)
	return w.Finish()
}

func decodeTransactionsRequest(payload, sig []byte) (*TransactionsRequest, error) {
	r := newSegmentReader(payload, transactionsRequestFixedSize)
	m := &TransactionsRequest{
		From:      ValidatorID(r.Uint32()),
		To:        ValidatorID(r.Uint32()),
		Signature: sig,
	}
	for _, h := range r.HashList() {
		m.TxHashes = append(m.TxHashes, h)
	}
	return m, r.Err()
}

func (m *TransactionsRequest) SignBytes(chainID string) []byte {
	return signBytes(chainID, TransactionsRequestType, m.payload())
}

func (m *TransactionsRequest) Hash() tmbytes.HexBytes {
	if m.hash == nil {
		m.hash = messageHash(TransactionsRequestType, m.payload())
	}
	return m.hash
}

func (m *TransactionsRequest) ValidateBasic() error {
	if m.From < 0 || m.To < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if len(m.TxHashes) == 0 {
		return errors.Wrap(ErrMalformedMessage, "empty transactions request")
	}
	for _, h := range m.TxHashes {
		if len(h) != HashSize {
			return errors.Wrap(ErrMalformedMessage, "transactions request hash size")
		}
	}
	return nil
}

func (m *TransactionsRequest) String() string {
	return fmt.Sprintf("TransactionsRequest{%d->%d txs:%d}", m.From, m.To, len(m.TxHashes))
}

//----------------------------------------
// PrevotesRequest

// PrevotesRequest asks a peer for prevotes the sender is missing for
// (height, round, proposeHash). Known marks the validators whose prevotes the
// sender already holds, so the peer only sends the rest.
type PrevotesRequest struct {
	From        ValidatorID
	To          ValidatorID
	Height      Height
	Round       Round
	ProposeHash tmbytes.HexBytes
	Known       *bits.BitArray
	Signature   []byte

	hash tmbytes.HexBytes
}

func NewPrevotesRequest(from, to ValidatorID, height Height, round Round,
	proposeHash tmbytes.HexBytes, known *bits.BitArray) *PrevotesRequest {
	return &PrevotesRequest{
		From: from, To: to, Height: height, Round: round,
		ProposeHash: proposeHash, Known: known,
	}
}

func (m *PrevotesRequest) TypeID() uint16      { return PrevotesRequestType }
func (m *PrevotesRequest) Author() ValidatorID { return m.From }
func (m *PrevotesRequest) signature() []byte   { return m.Signature }

const prevotesRequestFixedSize = 4 + 4 + 8 + 4 + HashSize + 4 + 8

func (m *PrevotesRequest) payload() []byte {
	w := newSegmentWriter(prevotesRequestFixedSize)
	w.PutUint32(uint32(m.From))
	w.PutUint32(uint32(m.To))
	w.PutUint64(uint64(m.Height))
	w.PutUint32(uint32(m.Round))
	w.PutHash(m.ProposeHash)
	w.PutUint32(uint32(m.Known.Size()))
	w.PutSegment(packBits(m.Known))
	return w.Finish()
}

func decodePrevotesRequest(payload, sig []byte) (*PrevotesRequest, error) {
	r := newSegmentReader(payload, prevotesRequestFixedSize)
	m := &PrevotesRequest{
		From:        ValidatorID(r.Uint32()),
		To:          ValidatorID(r.Uint32()),
		Height:      Height(r.Uint64()),
		Round:       Round(r.Uint32()),
		ProposeHash: r.Hash(),
		Signature:   sig,
	}
	size := int(r.Uint32())
	packed := r.Segment()
	if err := r.Err(); err != nil {
		return nil, err
	}
	known, err := unpackBits(size, packed)
	if err != nil {
		return nil, err
	}
	m.Known = known
	return m, nil
}

func (m *PrevotesRequest) SignBytes(chainID string) []byte {
	return signBytes(chainID, PrevotesRequestType, m.payload())
}

func (m *PrevotesRequest) Hash() tmbytes.HexBytes {
	if m.hash == nil {
		m.hash = messageHash(PrevotesRequestType, m.payload())
	}
	return m.hash
}

func (m *PrevotesRequest) ValidateBasic() error {
	if m.From < 0 || m.To < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if m.Round < RoundFirst {
		return errors.Wrapf(ErrMalformedMessage, "prevotes request round %d", m.Round)
	}
	if len(m.ProposeHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "prevotes request hash size")
	}
	if m.Known == nil {
		return errors.Wrap(ErrMalformedMessage, "prevotes request missing known bits")
	}
	return nil
}

func (m *PrevotesRequest) String() string {
	return fmt.Sprintf("PrevotesRequest{%d->%d %v/%v %v}",
		m.From, m.To, m.Height, m.Round, m.ProposeHash)
}

// packBits serializes a bit array little endian, lowest index first.
func packBits(bA *bits.BitArray) []byte {
	if bA == nil {
		return nil
	}
	bz := make([]byte, (bA.Size()+7)/8)
	for i := 0; i < bA.Size(); i++ {
		if bA.GetIndex(i) {
			bz[i/8] |= 1 << uint(i%8)
		}
	}
	return bz
}

func unpackBits(size int, bz []byte) (*bits.BitArray, error) {
	if size < 0 || (size+7)/8 != len(bz) {
		return nil, errors.Wrapf(ErrMalformedMessage, "bit array of %d bits in %d bytes", size, len(bz))
	}
	bA := bits.NewBitArray(size)
	for i := 0; i < size; i++ {
		if bz[i/8]&(1<<uint(i%8)) != 0 {
			bA.SetIndex(i, true)
		}
	}
	return bA, nil
}

//----------------------------------------
// PeersRequest

// PeersRequest asks a peer for its known peer addresses.
type PeersRequest struct {
	From      ValidatorID
	To        ValidatorID
	Signature []byte

	hash tmbytes.HexBytes
}

func NewPeersRequest(from, to ValidatorID) *PeersRequest {
	return &PeersRequest{From: from, To: to}
}

func (m *PeersRequest) TypeID() uint16      { return PeersRequestType }
func (m *PeersRequest) Author() ValidatorID { return m.From }
func (m *PeersRequest) signature() []byte   { return m.Signature }

const peersRequestFixedSize = 4 + 4

func (m *PeersRequest) payload() []byte {
	w := newSegmentWriter(peersRequestFixedSize)
	w.PutUint32(uint32(m.From))
	w.PutUint32(uint32(m.To))
	return w.Finish()
}

func decodePeersRequest(payload, sig []byte) (*PeersRequest, error) {
	r := newSegmentReader(payload, peersRequestFixedSize)
	m := &PeersRequest{
		From:      ValidatorID(r.Uint32()),
		To:        ValidatorID(r.Uint32()),
		Signature: sig,
	}
	return m, r.Err()
}

func (m *PeersRequest) SignBytes(chainID string) []byte {
	return signBytes(chainID, PeersRequestType, m.payload())
}

func (m *PeersRequest) Hash() tmbytes.HexBytes {
	if m.hash == nil {
		m.hash = messageHash(PeersRequestType, m.payload())
	}
	return m.hash
}

func (m *PeersRequest) ValidateBasic() error {
	if m.From < 0 || m.To < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	return nil
}

func (m *PeersRequest) String() string {
	return fmt.Sprintf("PeersRequest{%d->%d}", m.From, m.To)
}

//----------------------------------------
// BlockRequest

// BlockRequest asks a peer for the committed block at a height, with its
// precommit certificate.
type BlockRequest struct {
	From      ValidatorID
	To        ValidatorID
	Height    Height
	Signature []byte

	hash tmbytes.HexBytes
}

func NewBlockRequest(from, to ValidatorID, height Height) *BlockRequest {
	return &BlockRequest{From: from, To: to, Height: height}
}

func (m *BlockRequest) TypeID() uint16      { return BlockRequestType }
func (m *BlockRequest) Author() ValidatorID { return m.From }
func (m *BlockRequest) signature() []byte   { return m.Signature }

const blockRequestFixedSize = 4 + 4 + 8

func (m *BlockRequest) payload() []byte {
	w := newSegmentWriter(blockRequestFixedSize)
	w.PutUint32(uint32(m.From))
	w.PutUint32(uint32(m.To))
	w.PutUint64(uint64(m.Height))
	return w.Finish()
}

func decodeBlockRequest(payload, sig []byte) (*BlockRequest, error) {
	r := newSegmentReader(payload, blockRequestFixedSize)
	m := &BlockRequest{
		From:      ValidatorID(r.Uint32()),
		To:        ValidatorID(r.Uint32()),
		Height:    Height(r.Uint64()),
		Signature: sig,
	}
	return m, r.Err()
}

func (m *BlockRequest) SignBytes(chainID string) []byte {
	return signBytes(chainID, BlockRequestType, m.payload())
}

func (m *BlockRequest) Hash() tmbytes.HexBytes {
	if m.hash == nil {
		m.hash = messageHash(BlockRequestType, m.payload())
	}
	return m.hash
}

func (m *BlockRequest) ValidateBasic() error {
	if m.From < 0 || m.To < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if m.Height < HeightZero {
		return errors.Wrap(ErrMalformedMessage, "negative height")
	}
	return nil
}

func (m *BlockRequest) String() string {
	return fmt.Sprintf("BlockRequest{%d->%d %v}", m.From, m.To, m.Height)
}
