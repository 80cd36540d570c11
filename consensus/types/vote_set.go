package types

import (
	"github.com/tendermint/tendermint/libs/bits"

	"bftchain/types"
)

// PrevoteSet collects prevotes for one (round, proposeHash) pair. Validators
// are tracked in a bit array, so a revote from the same validator never
// counts twice.
type PrevoteSet struct {
	quorum int
	seen   *bits.BitArray
	votes  []*types.Prevote
	count  int
}

func NewPrevoteSet(numValidators, quorum int) *PrevoteSet {
	return &PrevoteSet{
		quorum: quorum,
		seen:   bits.NewBitArray(numValidators),
	}
}

// Add records the vote. It reports whether the vote was new; duplicates and
// out of range validator ids are ignored.
func (s *PrevoteSet) Add(vote *types.Prevote) bool {
	id := int(vote.Validator)
	if id < 0 || id >= s.seen.Size() || s.seen.GetIndex(id) {
		return false
	}
	s.seen.SetIndex(id, true)
	s.votes = append(s.votes, vote)
	s.count++
	return true
}

func (s *PrevoteSet) Count() int      { return s.count }
func (s *PrevoteSet) HasQuorum() bool { return s.count >= s.quorum }

func (s *PrevoteSet) HasVoteFrom(id types.ValidatorID) bool {
	return int(id) >= 0 && int(id) < s.seen.Size() && s.seen.GetIndex(int(id))
}

// Seen returns a copy of the validator bit array.
func (s *PrevoteSet) Seen() *bits.BitArray { return s.seen.Copy() }

func (s *PrevoteSet) Votes() []*types.Prevote {
	out := make([]*types.Prevote, len(s.votes))
	copy(out, s.votes)
	return out
}

//----------------------------------------
// PrecommitSet

// PrecommitSet collects precommits for one (round, proposeHash, blockHash)
// triple, with the same idempotence rules as PrevoteSet.
type PrecommitSet struct {
	quorum int
	seen   *bits.BitArray
	votes  []*types.Precommit
	count  int
}

func NewPrecommitSet(numValidators, quorum int) *PrecommitSet {
	return &PrecommitSet{
		quorum: quorum,
		seen:   bits.NewBitArray(numValidators),
	}
}

func (s *PrecommitSet) Add(vote *types.Precommit) bool {
	id := int(vote.Validator)
	if id < 0 || id >= s.seen.Size() || s.seen.GetIndex(id) {
		return false
	}
	s.seen.SetIndex(id, true)
	s.votes = append(s.votes, vote)
	s.count++
	return true
}

func (s *PrecommitSet) Count() int      { return s.count }
func (s *PrecommitSet) HasQuorum() bool { return s.count >= s.quorum }

func (s *PrecommitSet) HasVoteFrom(id types.ValidatorID) bool {
	return int(id) >= 0 && int(id) < s.seen.Size() && s.seen.GetIndex(int(id))
}

func (s *PrecommitSet) Seen() *bits.BitArray { return s.seen.Copy() }

func (s *PrecommitSet) Votes() []*types.Precommit {
	out := make([]*types.Precommit, len(s.votes))
	copy(out, s.votes)
	return out
}
