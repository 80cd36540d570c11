package rpc

import (
	"bftchain/consensus"
	"bftchain/libs/metric"
	"bftchain/mempool"
	"bftchain/store"
)

var env *Environment

func SetEnvironment(e *Environment) {
	env = e
}

// Environment holds the node internals the RPC handlers read from. It is set
// once during node startup.
type Environment struct {
	Mempool   mempool.Mempool
	Consensus *consensus.State
	Store     *store.KVStore

	MetricSet *metric.MetricSet
}
