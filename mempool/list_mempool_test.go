package mempool

import (
	"crypto/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"

	"bftchain/types"
)

type cleanupFunc func()

// ----- utility func -----

func newMempool() (*ListMempool, cleanupFunc) {
	return newMempoolWithConfig(cfg.ResetTestRoot("mempool_test"))
}

func newMempoolWithConfig(config *cfg.Config) (*ListMempool, cleanupFunc) {
	mempool := NewListMempool(config.Mempool, 0)
	mempool.SetLogger(log.TestingLogger())
	return mempool, func() { os.RemoveAll(config.RootDir) }
}

func checkTxs(t *testing.T, mempool Mempool, count int, peerID uint16) types.Txs {
	txs := make(types.Txs, count)
	txinfo := TxInfo{
		SenderID: peerID,
	}
	for i := 0; i < count; i++ {
		txByte := make([]byte, 20)
		_, err := rand.Read(txByte)
		if err != nil {
			t.Error(err)
		}
		txs[i] = types.Tx(txByte)
		if err := mempool.CheckTx(txs[i], txinfo); err != nil {
			t.Fatalf("checkTx failed: %v while checking #%d tx", err, i)
		}
	}

	return txs
}

// ----- tests -----

func TestFlush(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	checkTxs(t, mem, 1, UnknownPeerID)
	assert.Equal(t, 1, mem.Size())
	assert.Equal(t, int64(20), mem.TxsBytes())

	mem.Flush()
	assert.Equal(t, 0, mem.Size())
	assert.Equal(t, int64(0), mem.TxsBytes())
}

func TestCheckTxRejectsDuplicates(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	txs := checkTxs(t, mem, 1, UnknownPeerID)
	err := mem.CheckTx(txs[0], TxInfo{SenderID: UnknownPeerID})
	assert.Equal(t, ErrTxInCache, err)
	assert.Equal(t, 1, mem.Size())
}

func TestReapOrderAndLimits(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	txs := checkTxs(t, mem, 10, UnknownPeerID)

	// arrival order is the reap order
	reaped := mem.ReapMaxTxs(-1)
	require.Len(t, reaped, 10)
	for i := range txs {
		assert.Equal(t, txs[i], reaped[i])
	}

	assert.Len(t, mem.ReapMaxTxs(3), 3)

	// each tx is 20 bytes
	assert.Len(t, mem.ReapTxs(45), 2)
	assert.Len(t, mem.ReapTxs(-1), 10)
	assert.Len(t, mem.ReapTxs(0), 0)
}

func TestLookupByHash(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	txs := checkTxs(t, mem, 3, UnknownPeerID)
	for _, tx := range txs {
		assert.True(t, mem.HasTx(tx.Hash()))
		assert.Equal(t, tx, mem.GetTx(tx.Hash()))
	}

	unknown := types.Tx("never-added").Hash()
	assert.False(t, mem.HasTx(unknown))
	assert.Nil(t, mem.GetTx(unknown))

	missing := mem.MissingTxs([]tmbytes.HexBytes{txs[0].Hash(), unknown, txs[2].Hash()})
	require.Len(t, missing, 1)
	assert.Equal(t, unknown, missing[0])
}

func TestUpdateRemovesCommitted(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	txs := checkTxs(t, mem, 5, UnknownPeerID)

	mem.Lock()
	err := mem.Update(1, types.Txs{txs[0], txs[2]})
	mem.Unlock()
	require.NoError(t, err)

	assert.Equal(t, 3, mem.Size())
	assert.False(t, mem.HasTx(txs[0].Hash()))
	assert.True(t, mem.HasTx(txs[1].Hash()))

	// a committed tx stays rejected
	err = mem.CheckTx(txs[0], TxInfo{SenderID: UnknownPeerID})
	assert.Equal(t, ErrTxInCache, err)
}

func TestTxsAvailable(t *testing.T) {
	mem, cleanup := newMempool()
	defer cleanup()

	select {
	case <-mem.TxsAvailable():
		t.Fatal("fired with an empty pool")
	default:
	}

	txs := checkTxs(t, mem, 2, UnknownPeerID)
	select {
	case <-mem.TxsAvailable():
	default:
		t.Fatal("did not fire after adding txs")
	}

	// does not fire again within the same height
	checkTxs(t, mem, 1, UnknownPeerID)
	select {
	case <-mem.TxsAvailable():
		t.Fatal("fired twice within a height")
	default:
	}

	// fires again after an Update to the next height
	mem.Lock()
	require.NoError(t, mem.Update(1, types.Txs{txs[0]}))
	mem.Unlock()
	checkTxs(t, mem, 1, UnknownPeerID)
	select {
	case <-mem.TxsAvailable():
	default:
		t.Fatal("did not fire after height change")
	}
}
