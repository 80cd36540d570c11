package mempool

import (
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/p2p"

	"bftchain/types"
)

// Mempool holds transactions that have not been committed yet. Proposals
// reference transactions by hash, so besides the usual add and reap the pool
// answers point lookups and missing-set queries.
type Mempool interface {
	// CheckTx validates a new transaction and adds it to the pool.
	CheckTx(types.Tx, TxInfo) error

	// ReapTxs packages transactions in arrival order, up to maxBytes total.
	// A negative maxBytes means no limit.
	ReapTxs(maxBytes int64) types.Txs

	// ReapMaxTxs packages up to max transactions in arrival order. A
	// negative max means all of them.
	ReapMaxTxs(max int) types.Txs

	// GetTx returns the transaction with the given hash, or nil.
	GetTx(hash tmbytes.HexBytes) types.Tx

	// HasTx reports whether the pool holds the transaction.
	HasTx(hash tmbytes.HexBytes) bool

	// MissingTxs filters hashes down to the ones the pool does not hold.
	MissingTxs(hashes []tmbytes.HexBytes) []tmbytes.HexBytes

	// Lock locks the mempool. Callers of Update must hold it across the
	// commit so reaps cannot interleave with the removal.
	Lock()

	// Unlock the mempool.
	Unlock()

	// Update removes committed transactions. Only call after a block is
	// final; the caller is responsible for Lock/Unlock.
	Update(height types.Height, txs types.Txs) error

	// Flush drops every transaction and clears the seen cache.
	Flush()

	// TxsAvailable fires once per height when the pool turns non-empty.
	TxsAvailable() <-chan struct{}

	// Size returns the number of transactions in the pool.
	Size() int

	// TxsBytes returns the total byte size of pooled transactions.
	TxsBytes() int64
}

//--------------------------------------------------------------------------------

type PreCheckFunc func(types.Tx) error

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
