package state

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	"bftchain/mempool"
	"bftchain/store"
	"bftchain/types"
)

const maxProposalBytes = 1 << 20

// Application executes one transaction against a store fork. Execution must
// be deterministic; consensus treats the transaction body as opaque.
type Application interface {
	Execute(tx types.Tx, fork *store.Fork) error
}

// BlockStore is what the executor needs from the persistence layer.
type BlockStore interface {
	Height() types.Height
	NewFork() *store.Fork
	SaveBlock(block *types.Block, txs types.Txs, precommits [][]byte, fork *store.Fork) error
}

// BlockExecutor builds, executes and commits blocks. The leader and the
// verifiers run the same ExecutePropose, so a quorum on the resulting block
// hash certifies the execution outcome, not just the proposal.
type BlockExecutor interface {
	// CreateProposal packages transactions from the pool into an unsigned
	// proposal for (height, round).
	CreateProposal(state State, height types.Height, round types.Round,
		validator types.ValidatorID) (*types.Propose, types.Txs)

	// ExecutePropose applies the proposal's transactions in order on a
	// fresh fork and returns the resulting block. txs must match the
	// proposal's hash list one to one.
	ExecutePropose(state State, propose *types.Propose, txs types.Txs) (*types.Block, *store.Fork, error)

	// ExecuteBlock replays a synced block's transactions and checks the
	// result against the block's own hashes. Used when catching up from a
	// BlockResponse, where no proposal is available.
	ExecuteBlock(state State, block *types.Block, txs types.Txs) (*store.Fork, error)

	// VerifyCommit checks the commit preconditions for a block and its
	// certificate without touching anything.
	VerifyCommit(state State, block *types.Block, precommits [][]byte) ([]*types.Precommit, error)

	// Commit persists the block, its transactions, its certificate and the
	// execution fork atomically, prunes the pool and returns the advanced
	// state.
	Commit(state State, block *types.Block, txs types.Txs, precommits [][]byte, fork *store.Fork) (State, error)

	SetLogger(logger log.Logger)
}

func NewBlockExec(bs BlockStore, app Application, mempool mempool.Mempool) BlockExecutor {
	return &blockExecutor{
		store:   bs,
		app:     app,
		mempool: mempool,
		logger:  log.NewNopLogger(),
	}
}

type blockExecutor struct {
	store   BlockStore
	app     Application
	mempool mempool.Mempool

	logger log.Logger
}

// SetLogger implements BlockExecutor
func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

// CreateProposal implements BlockExecutor
func (exec *blockExecutor) CreateProposal(state State, height types.Height, round types.Round,
	validator types.ValidatorID) (*types.Propose, types.Txs) {
	txs := exec.mempool.ReapTxs(maxProposalBytes)
	propose := types.NewPropose(validator, height, round, state.LastBlockHash, txs.Hashes())
	return propose, txs
}

// ExecutePropose implements BlockExecutor
func (exec *blockExecutor) ExecutePropose(state State, propose *types.Propose,
	txs types.Txs) (*types.Block, *store.Fork, error) {
	if propose.Height != state.LastBlockHeight.Next() {
		return nil, nil, ErrInvalidPropose{fmt.Sprintf(
			"propose at height %v, chain at %v", propose.Height, state.LastBlockHeight)}
	}
	if !bytes.Equal(propose.PrevHash, state.LastBlockHash) {
		return nil, nil, ErrInvalidPropose{fmt.Sprintf(
			"propose extends %v, chain head is %v", propose.PrevHash, state.LastBlockHash)}
	}
	if len(txs) != len(propose.TxHashes) {
		return nil, nil, ErrInvalidPropose{fmt.Sprintf(
			"propose lists %d txs, got %d", len(propose.TxHashes), len(txs))}
	}
	for i, tx := range txs {
		if !bytes.Equal(tx.Hash(), propose.TxHashes[i]) {
			return nil, nil, ErrInvalidPropose{fmt.Sprintf("tx %d does not match its hash", i)}
		}
	}

	fork := exec.store.NewFork()
	for _, tx := range txs {
		if err := exec.app.Execute(tx, fork); err != nil {
			// Failed execution is itself deterministic, so the tx is
			// simply skipped on every node.
			exec.logger.Debug("tx execution failed", "tx", tx.Hash(), "err", err)
		}
	}

	block := types.NewBlock(
		propose.Height,
		propose.Validator,
		uint32(len(txs)),
		state.LastBlockHash,
		txs.Hash(),
		fork.Hash(state.StateHash),
	)
	return block, fork, nil
}

// ExecuteBlock implements BlockExecutor
func (exec *blockExecutor) ExecuteBlock(state State, block *types.Block,
	txs types.Txs) (*store.Fork, error) {
	if block.Height != state.LastBlockHeight.Next() {
		return nil, ErrInvalidPropose{fmt.Sprintf(
			"block at height %v, chain at %v", block.Height, state.LastBlockHeight)}
	}
	if !bytes.Equal(block.LastBlockHash, state.LastBlockHash) {
		return nil, ErrInvalidPropose{fmt.Sprintf(
			"block extends %v, chain head is %v", block.LastBlockHash, state.LastBlockHash)}
	}
	if int(block.NumTxs) != len(txs) {
		return nil, ErrInvalidPropose{fmt.Sprintf(
			"block lists %d txs, got %d", block.NumTxs, len(txs))}
	}
	if !bytes.Equal(block.TxsHash, txs.Hash()) {
		return nil, ErrInvalidPropose{"tx root does not match the block"}
	}

	fork := exec.store.NewFork()
	for _, tx := range txs {
		if err := exec.app.Execute(tx, fork); err != nil {
			exec.logger.Debug("tx execution failed", "tx", tx.Hash(), "err", err)
		}
	}
	if stateHash := fork.Hash(state.StateHash); !bytes.Equal(stateHash, block.StateHash) {
		return nil, ErrInvalidPropose{fmt.Sprintf(
			"execution produced state %X, block claims %X", stateHash, block.StateHash)}
	}
	return fork, nil
}

// VerifyCommit implements BlockExecutor
func (exec *blockExecutor) VerifyCommit(state State, block *types.Block,
	precommits [][]byte) ([]*types.Precommit, error) {
	quorum := state.Validators.QuorumSize()
	if len(precommits) < quorum {
		return nil, ErrCommitPrecondition{fmt.Sprintf(
			"%d precommits, quorum is %d", len(precommits), quorum)}
	}

	votes := make([]*types.Precommit, 0, len(precommits))
	voted := make(map[types.ValidatorID]struct{}, len(precommits))
	var round types.Round
	for i, bz := range precommits {
		msg, err := types.DecodeMessage(bz)
		if err != nil {
			return nil, ErrCommitPrecondition{fmt.Sprintf("precommit %d: %v", i, err)}
		}
		vote, ok := msg.(*types.Precommit)
		if !ok {
			return nil, ErrCommitPrecondition{fmt.Sprintf("precommit %d is a %T", i, msg)}
		}
		if vote.Height != block.Height {
			return nil, ErrCommitPrecondition{fmt.Sprintf(
				"precommit %d is for height %v, block at %v", i, vote.Height, block.Height)}
		}
		if !bytes.Equal(vote.BlockHash, block.Hash()) {
			return nil, ErrCommitPrecondition{fmt.Sprintf(
				"precommit %d certifies block %v, not %v", i, vote.BlockHash, block.Hash())}
		}
		if i == 0 {
			round = vote.Round
		} else if vote.Round != round {
			return nil, ErrCommitPrecondition{fmt.Sprintf(
				"precommit %d is for round %v, certificate round is %v", i, vote.Round, round)}
		}
		if _, dup := voted[vote.Validator]; dup {
			return nil, ErrCommitPrecondition{fmt.Sprintf(
				"validator %d appears twice", vote.Validator)}
		}
		voted[vote.Validator] = struct{}{}

		_, val := state.Validators.GetByIndex(vote.Validator)
		if val == nil {
			return nil, ErrCommitPrecondition{fmt.Sprintf(
				"precommit %d from unknown validator %d", i, vote.Validator)}
		}
		if err := types.VerifyMessage(state.ChainID, val.PubKey, vote); err != nil {
			return nil, ErrCommitPrecondition{fmt.Sprintf("precommit %d: %v", i, err)}
		}
		votes = append(votes, vote)
	}
	return votes, nil
}

// Commit implements BlockExecutor
func (exec *blockExecutor) Commit(state State, block *types.Block, txs types.Txs,
	precommits [][]byte, fork *store.Fork) (State, error) {
	votes, err := exec.VerifyCommit(state, block, precommits)
	if err != nil {
		return state, err
	}

	if err := exec.store.SaveBlock(block, txs, precommits, fork); err != nil {
		return state, err
	}

	exec.mempool.Lock()
	err = exec.mempool.Update(block.Height, txs)
	exec.mempool.Unlock()
	if err != nil {
		exec.logger.Error("mempool update after commit failed", "height", block.Height, "err", err)
	}

	newState := state.Copy()
	newState.LastBlockHeight = block.Height
	newState.LastBlockHash = block.Hash()
	newState.LastBlockTime = medianTime(votes)
	newState.StateHash = block.StateHash

	exec.logger.Info("committed block",
		"height", block.Height, "hash", block.Hash(), "txs", len(txs))
	return newState, nil
}

// medianTime is the median of the certificate's vote times. A minority of
// skewed clocks cannot drag it far.
func medianTime(votes []*types.Precommit) time.Time {
	ts := make([]time.Time, len(votes))
	for i, v := range votes {
		ts[i] = v.Time
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	return ts[len(ts)/2]
}
