package rpc

import (
	ctypes "github.com/tendermint/tendermint/rpc/core/types"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	meml "bftchain/mempool"
	"bftchain/types"
)

// BroadcastTxAsync submits a transaction to the pool and returns without
// waiting for it to be committed. The pool's gossip takes it from there.
func BroadcastTxAsync(ctx *rpctypes.Context, tx types.Tx) (*ctypes.ResultBroadcastTx, error) {
	err := env.Mempool.CheckTx(tx, meml.TxInfo{})
	if err != nil {
		return nil, err
	}
	return &ctypes.ResultBroadcastTx{Hash: tx.Hash()}, nil
}

type ResultUnconfirmedTxs struct {
	Count    int   `json:"n_txs"`
	TxsBytes int64 `json:"total_bytes"`
}

func NumUnconfirmedTxs(ctx *rpctypes.Context) (*ResultUnconfirmedTxs, error) {
	return &ResultUnconfirmedTxs{
		Count:    env.Mempool.Size(),
		TxsBytes: env.Mempool.TxsBytes(),
	}, nil
}
