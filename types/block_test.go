package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tmrand "github.com/tendermint/tendermint/libs/rand"
)

func TestBlockRoundTrip(t *testing.T) {
	block := NewBlock(12, 2, 3,
		tmrand.Bytes(HashSize), tmrand.Bytes(HashSize), tmrand.Bytes(HashSize))

	got, err := BlockFromBytes(block.Bytes())
	require.NoError(t, err)

	assert.Equal(t, block.Height, got.Height)
	assert.Equal(t, block.ProposerID, got.ProposerID)
	assert.Equal(t, block.NumTxs, got.NumTxs)
	assert.Equal(t, block.LastBlockHash, got.LastBlockHash)
	assert.Equal(t, block.TxsHash, got.TxsHash)
	assert.Equal(t, block.StateHash, got.StateHash)
	assert.Equal(t, block.Hash(), got.Hash())
}

func TestBlockHashCoversEveryField(t *testing.T) {
	base := NewBlock(1, 0, 0,
		make([]byte, HashSize), make([]byte, HashSize), make([]byte, HashSize))

	variants := []*Block{
		NewBlock(2, 0, 0, make([]byte, HashSize), make([]byte, HashSize), make([]byte, HashSize)),
		NewBlock(1, 1, 0, make([]byte, HashSize), make([]byte, HashSize), make([]byte, HashSize)),
		NewBlock(1, 0, 1, make([]byte, HashSize), make([]byte, HashSize), make([]byte, HashSize)),
		NewBlock(1, 0, 0, tmrand.Bytes(HashSize), make([]byte, HashSize), make([]byte, HashSize)),
		NewBlock(1, 0, 0, make([]byte, HashSize), tmrand.Bytes(HashSize), make([]byte, HashSize)),
		NewBlock(1, 0, 0, make([]byte, HashSize), make([]byte, HashSize), tmrand.Bytes(HashSize)),
	}
	for i, v := range variants {
		assert.NotEqual(t, base.Hash(), v.Hash(), "variant %d", i)
	}
}

func TestBlockFromBytesRejectsBadSize(t *testing.T) {
	block := NewBlock(1, 0, 0,
		make([]byte, HashSize), make([]byte, HashSize), make([]byte, HashSize))

	bz := block.Bytes()
	_, err := BlockFromBytes(bz[:len(bz)-1])
	assert.Error(t, err)
	_, err = BlockFromBytes(append(bz, 0))
	assert.Error(t, err)
}

func TestGenesisBlock(t *testing.T) {
	stateHash := tmrand.Bytes(HashSize)
	gen := MakeGenesisBlock(stateHash)

	assert.Equal(t, HeightZero, gen.Height)
	assert.EqualValues(t, 0, gen.NumTxs)
	assert.Equal(t, make([]byte, HashSize), []byte(gen.LastBlockHash))
	assert.Equal(t, stateHash, []byte(gen.StateHash))

	// Two chains differing only in initial state have different genesis
	// hashes.
	other := MakeGenesisBlock(tmrand.Bytes(HashSize))
	assert.NotEqual(t, gen.Hash(), other.Hash())
}
