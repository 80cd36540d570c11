package types

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Block is a committed header. It is content addressed: the store keys blocks
// by Hash, and precommits certify the hash, so two validators agreeing on a
// hash agree on every field, including the state hash after execution.
type Block struct {
	Height        Height
	ProposerID    ValidatorID
	NumTxs        uint32
	LastBlockHash tmbytes.HexBytes
	TxsHash       tmbytes.HexBytes
	StateHash     tmbytes.HexBytes

	hash tmbytes.HexBytes
}

func NewBlock(height Height, proposer ValidatorID, numTxs uint32,
	lastBlockHash, txsHash, stateHash tmbytes.HexBytes) *Block {
	return &Block{
		Height:        height,
		ProposerID:    proposer,
		NumTxs:        numTxs,
		LastBlockHash: lastBlockHash,
		TxsHash:       txsHash,
		StateHash:     stateHash,
	}
}

// MakeGenesisBlock builds the height zero block. It has no parent and no
// transactions; only the initial state hash varies between chains.
func MakeGenesisBlock(stateHash tmbytes.HexBytes) *Block {
	return &Block{
		Height:        HeightZero,
		ProposerID:    0,
		NumTxs:        0,
		LastBlockHash: make([]byte, HashSize),
		TxsHash:       make([]byte, HashSize),
		StateHash:     stateHash,
	}
}

const blockFixedSize = 8 + 4 + 4 + HashSize + HashSize + HashSize

// Bytes returns the canonical encoding, which is also what gets hashed.
func (b *Block) Bytes() []byte {
	w := newSegmentWriter(blockFixedSize)
	w.PutUint64(uint64(b.Height))
	w.PutUint32(uint32(b.ProposerID))
	w.PutUint32(b.NumTxs)
	w.PutHash(b.LastBlockHash)
	w.PutHash(b.TxsHash)
	w.PutHash(b.StateHash)
	return w.Finish()
}

func BlockFromBytes(bz []byte) (*Block, error) {
	if len(bz) != blockFixedSize {
		return nil, errors.Wrapf(ErrMalformedMessage, "block encoding is %d bytes", len(bz))
	}
	r := newSegmentReader(bz, blockFixedSize)
	b := &Block{
		Height:        Height(r.Uint64()),
		ProposerID:    ValidatorID(r.Uint32()),
		NumTxs:        r.Uint32(),
		LastBlockHash: r.Hash(),
		TxsHash:       r.Hash(),
		StateHash:     r.Hash(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return b, b.ValidateBasic()
}

func (b *Block) Hash() tmbytes.HexBytes {
	if b == nil {
		return nil
	}
	if b.hash == nil {
		b.hash = tmhash.Sum(b.Bytes())
	}
	return b.hash
}

func (b *Block) ValidateBasic() error {
	if b.Height < HeightZero {
		return errors.Wrap(ErrMalformedMessage, "negative block height")
	}
	if b.ProposerID < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative proposer id")
	}
	if len(b.LastBlockHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "block last hash size")
	}
	if len(b.TxsHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "block txs hash size")
	}
	if len(b.StateHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "block state hash size")
	}
	return nil
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{%v proposer:%d txs:%d %v}",
		b.Height, b.ProposerID, b.NumTxs, b.Hash())
}
