package rpc

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"bftchain/types"
)

type ResultStatus struct {
	ChainID       string           `json:"chain_id"`
	Height        types.Height     `json:"height"`
	Round         types.Round      `json:"round"`
	LockedRound   types.Round      `json:"locked_round"`
	LockedPropose tmbytes.HexBytes `json:"locked_propose,omitempty"`
	LastBlockHash tmbytes.HexBytes `json:"last_block_hash"`
	StoreHeight   types.Height     `json:"store_height"`
	PoolSize      int              `json:"pool_size"`
}

// Status reports where the node stands in the consensus lifecycle.
func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	cons := env.Consensus
	chainState := cons.ChainState()
	lockedRound, lockedPropose := cons.Lock()

	return &ResultStatus{
		ChainID:       chainState.ChainID,
		Height:        cons.Height(),
		Round:         cons.Round(),
		LockedRound:   lockedRound,
		LockedPropose: lockedPropose,
		LastBlockHash: chainState.LastBlockHash,
		StoreHeight:   env.Store.Height(),
		PoolSize:      env.Mempool.Size(),
	}, nil
}

type ResultBlock struct {
	Block *types.Block     `json:"block"`
	Hash  tmbytes.HexBytes `json:"hash"`
	Txs   types.Txs        `json:"txs"`
}

// Block returns a committed block with its transactions. A negative height
// means the newest block.
func Block(ctx *rpctypes.Context, height int64) (*ResultBlock, error) {
	h := types.Height(height)
	if height < 0 {
		h = env.Store.Height()
	}
	block := env.Store.LoadBlockByHeight(h)
	if block == nil {
		return nil, fmt.Errorf("no block at height %d", h)
	}
	return &ResultBlock{
		Block: block,
		Hash:  block.Hash(),
		Txs:   env.Store.LoadBlockTxs(block.Hash()),
	}, nil
}

type ResultBlockAndPrecommits struct {
	ResultBlock
	Precommits []*types.Precommit `json:"precommits"`
}

// BlockAndPrecommits returns a block together with its decoded commit
// certificate.
func BlockAndPrecommits(ctx *rpctypes.Context, height int64) (*ResultBlockAndPrecommits, error) {
	block, err := Block(ctx, height)
	if err != nil {
		return nil, err
	}

	raw := env.Store.LoadPrecommits(block.Block.Height)
	precommits := make([]*types.Precommit, 0, len(raw))
	for _, bz := range raw {
		msg, err := types.DecodeMessage(bz)
		if err != nil {
			return nil, fmt.Errorf("stored precommit is unreadable: %w", err)
		}
		pc, ok := msg.(*types.Precommit)
		if !ok {
			return nil, fmt.Errorf("stored certificate holds a %T", msg)
		}
		precommits = append(precommits, pc)
	}

	return &ResultBlockAndPrecommits{
		ResultBlock: *block,
		Precommits:  precommits,
	}, nil
}
