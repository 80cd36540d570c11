package state

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"bftchain/store"
	"bftchain/types"
)

// State is the chain position after the last committed block. It is a value:
// Commit returns a new one instead of mutating, so a failed commit leaves the
// caller's copy untouched.
type State struct {
	ChainID    string
	Validators *types.ValidatorSet

	LastBlockHeight types.Height
	LastBlockHash   tmbytes.HexBytes
	LastBlockTime   time.Time

	// StateHash is the application state hash after the last block.
	StateHash tmbytes.HexBytes
}

// MakeGenesisState seeds the chain at the genesis block. The first proposal
// happens at height 1, round 1.
func MakeGenesisState(genDoc *types.GenesisDoc) (State, *types.Block) {
	genBlock := genDoc.GenesisBlock()
	return State{
		ChainID:         genDoc.ChainID,
		Validators:      genDoc.ValidatorSet(),
		LastBlockHeight: types.HeightZero,
		LastBlockHash:   genBlock.Hash(),
		LastBlockTime:   genDoc.GenesisTime,
		StateHash:       genBlock.StateHash,
	}, genBlock
}

// Copy returns a deep copy.
func (state State) Copy() State {
	newState := State{
		ChainID:         state.ChainID,
		Validators:      state.Validators.Copy(),
		LastBlockHeight: state.LastBlockHeight,
		LastBlockHash:   make([]byte, len(state.LastBlockHash)),
		LastBlockTime:   state.LastBlockTime,
		StateHash:       make([]byte, len(state.StateHash)),
	}
	copy(newState.LastBlockHash, state.LastBlockHash)
	copy(newState.StateHash, state.StateHash)
	return newState
}

func (state State) IsEmpty() bool {
	return state.Validators == nil
}

// LoadState rebuilds the chain position from the block store. An empty store
// gets the genesis block written and the genesis state back; otherwise the
// position of the newest committed block is restored.
func LoadState(genDoc *types.GenesisDoc, kv *store.KVStore) (State, error) {
	genState, genBlock := MakeGenesisState(genDoc)

	height := kv.Height()
	if height < types.HeightZero {
		if err := kv.SaveBlock(genBlock, nil, nil, nil); err != nil {
			return State{}, errors.Wrap(err, "writing genesis block")
		}
		return genState, nil
	}

	head := kv.LoadBlockByHeight(height)
	if head == nil {
		return State{}, errors.Errorf("store claims height %v but has no block there", height)
	}
	if height == types.HeightZero {
		if !bytes.Equal(head.Hash(), genBlock.Hash()) {
			return State{}, errors.New("store genesis does not match the genesis file")
		}
		return genState, nil
	}

	st := State{
		ChainID:         genDoc.ChainID,
		Validators:      genDoc.ValidatorSet(),
		LastBlockHeight: height,
		LastBlockHash:   head.Hash(),
		LastBlockTime:   genDoc.GenesisTime,
		StateHash:       head.StateHash,
	}

	// the head's certificate carries the vote times the last commit used
	var votes []*types.Precommit
	for _, bz := range kv.LoadPrecommits(height) {
		msg, err := types.DecodeMessage(bz)
		if err != nil {
			return State{}, errors.Wrap(err, "stored precommit is unreadable")
		}
		pc, ok := msg.(*types.Precommit)
		if !ok {
			return State{}, errors.Errorf("stored certificate holds a %T", msg)
		}
		votes = append(votes, pc)
	}
	if len(votes) > 0 {
		st.LastBlockTime = medianTime(votes)
	}
	return st, nil
}
