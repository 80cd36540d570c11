package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	"status":               rpc.NewRPCFunc(Status, ""),
	"block":                rpc.NewRPCFunc(Block, "height"),
	"block_and_precommits": rpc.NewRPCFunc(BlockAndPrecommits, "height"),
	"broadcast_tx":         rpc.NewRPCFunc(BroadcastTxAsync, "tx"),
	"num_unconfirmed_txs":  rpc.NewRPCFunc(NumUnconfirmedTxs, ""),
	"metrics":              rpc.NewRPCFunc(JSONMetrics, "label"),
}
