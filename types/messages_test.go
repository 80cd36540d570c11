package types

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/bits"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmrand "github.com/tendermint/tendermint/libs/rand"
)

const testChainID = "test-chain"

func makeTestPropose(t *testing.T, pv PrivValidator) *Propose {
	prop := NewPropose(0, 3, 1, tmrand.Bytes(HashSize), []tmbytes.HexBytes{
		tmrand.Bytes(HashSize),
		tmrand.Bytes(HashSize),
	})
	require.NoError(t, pv.SignPropose(testChainID, prop))
	return prop
}

func TestProposeRoundTrip(t *testing.T) {
	pv := NewMockPV()
	prop := makeTestPropose(t, pv)

	bz, err := EncodeMessage(prop)
	require.NoError(t, err)

	m, err := DecodeMessage(bz)
	require.NoError(t, err)
	got, ok := m.(*Propose)
	require.True(t, ok)

	assert.Equal(t, prop.Validator, got.Validator)
	assert.Equal(t, prop.Height, got.Height)
	assert.Equal(t, prop.Round, got.Round)
	assert.Equal(t, prop.PrevHash, got.PrevHash)
	assert.Equal(t, len(prop.TxHashes), len(got.TxHashes))
	assert.Equal(t, prop.Hash(), got.Hash())

	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	assert.NoError(t, VerifyMessage(testChainID, pub, got))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	pv := NewMockPV()
	prop := makeTestPropose(t, pv)

	otherPub, err := NewMockPV().GetPubKey()
	require.NoError(t, err)
	err = VerifyMessage(testChainID, otherPub, prop)
	assert.True(t, errors.Is(err, ErrBadSignature))
}

func TestVerifyRejectsWrongChainID(t *testing.T) {
	pv := NewMockPV()
	prop := makeTestPropose(t, pv)

	pub, err := pv.GetPubKey()
	require.NoError(t, err)
	err = VerifyMessage("other-chain", pub, prop)
	assert.True(t, errors.Is(err, ErrBadSignature))
}

func TestDecodeTruncatedFrame(t *testing.T) {
	pv := NewMockPV()
	bz, err := EncodeMessage(makeTestPropose(t, pv))
	require.NoError(t, err)

	_, err = DecodeMessage(bz[:len(bz)-1])
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	_, err = DecodeMessage(bz[:4])
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestDecodeUnknownType(t *testing.T) {
	pv := NewMockPV()
	bz, err := EncodeMessage(makeTestPropose(t, pv))
	require.NoError(t, err)

	binary.LittleEndian.PutUint16(bz[0:2], 0xffff)
	_, err = DecodeMessage(bz)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestDecodeSegmentIntoFixedRegion(t *testing.T) {
	pv := NewMockPV()
	bz, err := EncodeMessage(makeTestPropose(t, pv))
	require.NoError(t, err)

	// The tx hash list reference sits right after the propose's scalar
	// fields. Point it back into the fixed region.
	offPos := frameHeaderSize + 4 + 8 + 4 + HashSize
	binary.LittleEndian.PutUint32(bz[offPos:], 0)
	_, err = DecodeMessage(bz)
	assert.True(t, errors.Is(err, ErrIncorrectSegmentReference))
}

func TestDecodeSegmentPastPayload(t *testing.T) {
	pv := NewMockPV()
	bz, err := EncodeMessage(makeTestPropose(t, pv))
	require.NoError(t, err)

	countPos := frameHeaderSize + 4 + 8 + 4 + HashSize + 4
	binary.LittleEndian.PutUint32(bz[countPos:], 1<<20)
	_, err = DecodeMessage(bz)
	assert.True(t, errors.Is(err, ErrIncorrectSegmentSize))
}

func TestPrevoteRoundTrip(t *testing.T) {
	pv := NewMockPV()
	vote := NewPrevote(2, 7, 3, tmrand.Bytes(HashSize), 2)
	require.NoError(t, pv.SignPrevote(testChainID, vote))

	bz, err := EncodeMessage(vote)
	require.NoError(t, err)
	m, err := DecodeMessage(bz)
	require.NoError(t, err)
	got := m.(*Prevote)

	assert.Equal(t, vote.LockedRound, got.LockedRound)
	assert.Equal(t, vote.ProposeHash, got.ProposeHash)
	pub, _ := pv.GetPubKey()
	assert.NoError(t, VerifyMessage(testChainID, pub, got))
}

func TestPrevoteLockedRoundBounds(t *testing.T) {
	vote := NewPrevote(0, 1, 2, tmrand.Bytes(HashSize), 3)
	assert.Error(t, vote.ValidateBasic())

	vote = NewPrevote(0, 1, 2, tmrand.Bytes(HashSize), RoundNone)
	assert.NoError(t, vote.ValidateBasic())
}

func TestPrecommitRoundTrip(t *testing.T) {
	pv := NewMockPV()
	now := time.Now()
	vote := NewPrecommit(1, 4, 2, tmrand.Bytes(HashSize), tmrand.Bytes(HashSize), now)
	require.NoError(t, pv.SignPrecommit(testChainID, vote))

	bz, err := EncodeMessage(vote)
	require.NoError(t, err)
	m, err := DecodeMessage(bz)
	require.NoError(t, err)
	got := m.(*Precommit)

	assert.Equal(t, vote.BlockHash, got.BlockHash)
	assert.Equal(t, now.UnixNano(), got.Time.UnixNano())
	pub, _ := pv.GetPubKey()
	assert.NoError(t, VerifyMessage(testChainID, pub, got))
}

func TestStatusRoundTrip(t *testing.T) {
	pv := NewMockPV()
	status := NewStatus(3, 42, tmrand.Bytes(HashSize), 17)
	sig, err := pv.SignBytes(status.SignBytes(testChainID))
	require.NoError(t, err)
	status.Signature = sig

	bz, err := EncodeMessage(status)
	require.NoError(t, err)
	m, err := DecodeMessage(bz)
	require.NoError(t, err)
	got := m.(*Status)

	assert.Equal(t, status.Height, got.Height)
	assert.Equal(t, status.PoolSize, got.PoolSize)
	pub, _ := pv.GetPubKey()
	assert.NoError(t, VerifyMessage(testChainID, pub, got))
}

func TestPrevotesRequestRoundTrip(t *testing.T) {
	pv := NewMockPV()
	known := bits.NewBitArray(5)
	known.SetIndex(0, true)
	known.SetIndex(3, true)
	req := NewPrevotesRequest(1, 2, 9, 4, tmrand.Bytes(HashSize), known)
	sig, err := pv.SignBytes(req.SignBytes(testChainID))
	require.NoError(t, err)
	req.Signature = sig

	bz, err := EncodeMessage(req)
	require.NoError(t, err)
	m, err := DecodeMessage(bz)
	require.NoError(t, err)
	got := m.(*PrevotesRequest)

	assert.Equal(t, 5, got.Known.Size())
	assert.True(t, got.Known.GetIndex(0))
	assert.False(t, got.Known.GetIndex(1))
	assert.True(t, got.Known.GetIndex(3))
}

func TestTransactionsResponseRoundTrip(t *testing.T) {
	pv := NewMockPV()
	txs := []Tx{Tx("tx-one"), Tx("a much longer transaction payload"), Tx{0x00}}
	resp := NewTransactionsResponse(0, 1, txs)
	sig, err := pv.SignBytes(resp.SignBytes(testChainID))
	require.NoError(t, err)
	resp.Signature = sig

	bz, err := EncodeMessage(resp)
	require.NoError(t, err)
	m, err := DecodeMessage(bz)
	require.NoError(t, err)
	got := m.(*TransactionsResponse)

	require.Equal(t, len(txs), len(got.Txs))
	for i := range txs {
		assert.Equal(t, txs[i], got.Txs[i])
	}
}

func TestBlockResponseRoundTrip(t *testing.T) {
	pv := NewMockPV()
	txHash := Tx("some-tx").Hash()
	block := NewBlock(5, 1, 1, tmrand.Bytes(HashSize), tmhash.Sum(txHash), tmrand.Bytes(HashSize))

	pc := NewPrecommit(0, 5, 1, tmrand.Bytes(HashSize), block.Hash(), time.Now())
	require.NoError(t, pv.SignPrecommit(testChainID, pc))
	pcBytes, err := EncodeMessage(pc)
	require.NoError(t, err)

	resp := NewBlockResponse(0, 2, block, [][]byte{pcBytes}, []tmbytes.HexBytes{txHash})
	sig, err := pv.SignBytes(resp.SignBytes(testChainID))
	require.NoError(t, err)
	resp.Signature = sig

	bz, err := EncodeMessage(resp)
	require.NoError(t, err)
	m, err := DecodeMessage(bz)
	require.NoError(t, err)
	got := m.(*BlockResponse)

	assert.Equal(t, block.Hash(), got.Block.Hash())
	require.Len(t, got.Precommits, 1)

	inner, err := DecodeMessage(got.Precommits[0])
	require.NoError(t, err)
	assert.Equal(t, pc.Hash(), inner.Hash())
}

func TestProposeRejectsDuplicateTx(t *testing.T) {
	h := tmrand.Bytes(HashSize)
	prop := NewPropose(0, 1, 1, tmrand.Bytes(HashSize), []tmbytes.HexBytes{h, h})
	assert.Error(t, prop.ValidateBasic())
}
