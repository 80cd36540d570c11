package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/tendermint/tendermint/libs/bits"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"bftchain/types"
)

// ProposeState is a proposal plus what the node still needs before it can
// execute it.
type ProposeState struct {
	Propose *types.Propose

	// BlockHash is set once the proposal has been executed.
	BlockHash tmbytes.HexBytes

	unknownTxs map[string]struct{}
}

// HasUnknownTxs reports whether some of the proposal's transactions are still
// missing from the pool.
func (ps *ProposeState) HasUnknownTxs() bool { return len(ps.unknownTxs) > 0 }

// UnknownTxs lists the missing transaction hashes.
func (ps *ProposeState) UnknownTxs() []tmbytes.HexBytes {
	out := make([]tmbytes.HexBytes, 0, len(ps.unknownTxs))
	for h := range ps.unknownTxs {
		out = append(out, tmbytes.HexBytes(h))
	}
	return out
}

// BlockState is a block received from a peer during sync, waiting for its
// transactions before it can be executed and committed.
type BlockState struct {
	Block      *types.Block
	Precommits [][]byte
	TxHashes   []tmbytes.HexBytes

	unknownTxs map[string]struct{}
}

func (bs *BlockState) HasUnknownTxs() bool { return len(bs.unknownTxs) > 0 }

func (bs *BlockState) UnknownTxs() []tmbytes.HexBytes {
	out := make([]tmbytes.HexBytes, 0, len(bs.unknownTxs))
	for h := range bs.unknownTxs {
		out = append(out, tmbytes.HexBytes(h))
	}
	return out
}

// PeerState is what the last Status from a peer announced.
type PeerState struct {
	Height   types.Height
	PoolSize uint64
	Seen     time.Time
}

type prevoteKey struct {
	round types.Round
	hash  string
}

type precommitKey struct {
	round       types.Round
	proposeHash string
	blockHash   string
}

// NodeState is the whole consensus position of the node within the current
// height. It is owned by the consensus routine and must only be touched from
// there; nothing in here is locked.
type NodeState struct {
	id         types.ValidatorID
	validators *types.ValidatorSet

	height      types.Height
	heightStart time.Time
	round       types.Round
	lastHash    tmbytes.HexBytes

	lockedRound   types.Round
	lockedPropose tmbytes.HexBytes

	proposes map[string]*ProposeState
	blocks   map[string]*BlockState

	prevotes   map[prevoteKey]*PrevoteSet
	precommits map[precommitKey]*PrecommitSet

	// proposals and sync blocks waiting on a transaction, by tx hash
	proposeWaiters map[string][]string
	blockWaiters   map[string][]string

	// messages for a future round or height, replayed when it arrives
	queued []types.Message

	// highest round each validator has been seen in, this height
	validatorRounds []types.Round

	requests map[string]*requestEntry
	peers    map[types.ValidatorID]*PeerState
}

type requestEntry struct {
	data  RequestData
	state *RequestState
}

// NewNodeState starts bookkeeping at the given height. id is negative for a
// node that observes consensus without voting.
func NewNodeState(id types.ValidatorID, validators *types.ValidatorSet,
	height types.Height, lastHash tmbytes.HexBytes, now time.Time) *NodeState {
	s := &NodeState{
		id:         id,
		validators: validators,
		lastHash:   lastHash,
		peers:      make(map[types.ValidatorID]*PeerState),
	}
	s.resetHeight(height, now)
	return s
}

func (s *NodeState) resetHeight(height types.Height, now time.Time) {
	s.height = height
	s.heightStart = now
	s.round = types.RoundFirst
	s.lockedRound = types.RoundNone
	s.lockedPropose = nil
	s.proposes = make(map[string]*ProposeState)
	s.blocks = make(map[string]*BlockState)
	s.prevotes = make(map[prevoteKey]*PrevoteSet)
	s.precommits = make(map[precommitKey]*PrecommitSet)
	s.proposeWaiters = make(map[string][]string)
	s.blockWaiters = make(map[string][]string)
	s.validatorRounds = make([]types.Round, s.validators.Size())
	s.requests = make(map[string]*requestEntry)
}

//----------------------------------------
// accessors

func (s *NodeState) ID() types.ValidatorID          { return s.id }
func (s *NodeState) IsValidator() bool              { return s.validators.HasID(s.id) }
func (s *NodeState) Validators() *types.ValidatorSet { return s.validators }
func (s *NodeState) Height() types.Height           { return s.height }
func (s *NodeState) HeightStart() time.Time         { return s.heightStart }
func (s *NodeState) Round() types.Round             { return s.round }
func (s *NodeState) LastHash() tmbytes.HexBytes     { return s.lastHash }
func (s *NodeState) LockedRound() types.Round       { return s.lockedRound }
func (s *NodeState) LockedPropose() tmbytes.HexBytes { return s.lockedPropose }

func (s *NodeState) Quorum() int { return s.validators.QuorumSize() }

func (s *NodeState) Leader(round types.Round) types.ValidatorID {
	return s.validators.Leader(s.height, round)
}

func (s *NodeState) IsLeader(round types.Round) bool {
	return s.IsValidator() && s.Leader(round) == s.id
}

//----------------------------------------
// rounds

// SetRound moves to the given round. Rounds never move backwards within a
// height; a regression is a logic error, not bad input.
func (s *NodeState) SetRound(round types.Round) {
	if round < s.round {
		panic(fmt.Sprintf("round regression: %v -> %v at height %v", s.round, round, s.height))
	}
	s.round = round
}

// UpdateValidatorRound records that a validator was seen at the given round.
// It returns the highest round at least a quorum's worth of dissent cannot
// fake: the round such that more than f validators are at it or beyond, where
// f is the tolerated fault count. When that round is ahead of ours, the
// caller should jump to it.
func (s *NodeState) UpdateValidatorRound(id types.ValidatorID, round types.Round) (types.Round, bool) {
	if !s.validators.HasID(id) {
		return 0, false
	}
	if round <= s.validatorRounds[id] {
		return 0, false
	}
	s.validatorRounds[id] = round

	n := s.validators.Size()
	f := n - s.Quorum()
	sorted := make([]types.Round, n)
	copy(sorted, s.validatorRounds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	actual := sorted[f]
	if actual > s.round {
		return actual, true
	}
	return 0, false
}

//----------------------------------------
// proposes

// AddPropose records a proposal. unknownTxs are the transactions the pool
// does not hold yet. It reports whether the proposal was new.
func (s *NodeState) AddPropose(propose *types.Propose, unknownTxs []tmbytes.HexBytes) (*ProposeState, bool) {
	key := string(propose.Hash())
	if ps, ok := s.proposes[key]; ok {
		return ps, false
	}
	ps := &ProposeState{
		Propose:    propose,
		unknownTxs: make(map[string]struct{}, len(unknownTxs)),
	}
	for _, h := range unknownTxs {
		ps.unknownTxs[string(h)] = struct{}{}
		s.proposeWaiters[string(h)] = append(s.proposeWaiters[string(h)], key)
	}
	s.proposes[key] = ps
	return ps, true
}

func (s *NodeState) Propose(hash tmbytes.HexBytes) *ProposeState {
	return s.proposes[string(hash)]
}

// MarkTxKnown tells the state a transaction is now in the pool. It returns
// the proposals and sync blocks that became complete because of it.
func (s *NodeState) MarkTxKnown(txHash tmbytes.HexBytes) ([]*ProposeState, []*BlockState) {
	key := string(txHash)

	var fullProposes []*ProposeState
	for _, pkey := range s.proposeWaiters[key] {
		ps := s.proposes[pkey]
		if ps == nil {
			continue
		}
		delete(ps.unknownTxs, key)
		if !ps.HasUnknownTxs() {
			fullProposes = append(fullProposes, ps)
		}
	}
	delete(s.proposeWaiters, key)

	var fullBlocks []*BlockState
	for _, bkey := range s.blockWaiters[key] {
		bs := s.blocks[bkey]
		if bs == nil {
			continue
		}
		delete(bs.unknownTxs, key)
		if !bs.HasUnknownTxs() {
			fullBlocks = append(fullBlocks, bs)
		}
	}
	delete(s.blockWaiters, key)

	return fullProposes, fullBlocks
}

//----------------------------------------
// sync blocks

// AddIncompleteBlock records a block received during sync. It reports whether
// the block was new.
func (s *NodeState) AddIncompleteBlock(block *types.Block, precommits [][]byte,
	txHashes []tmbytes.HexBytes, unknownTxs []tmbytes.HexBytes) (*BlockState, bool) {
	key := string(block.Hash())
	if bs, ok := s.blocks[key]; ok {
		return bs, false
	}
	bs := &BlockState{
		Block:      block,
		Precommits: precommits,
		TxHashes:   txHashes,
		unknownTxs: make(map[string]struct{}, len(unknownTxs)),
	}
	for _, h := range unknownTxs {
		bs.unknownTxs[string(h)] = struct{}{}
		s.blockWaiters[string(h)] = append(s.blockWaiters[string(h)], key)
	}
	s.blocks[key] = bs
	return bs, true
}

func (s *NodeState) IncompleteBlock(hash tmbytes.HexBytes) *BlockState {
	return s.blocks[string(hash)]
}

//----------------------------------------
// votes

// AddPrevote records a prevote. It returns true exactly once: when this vote
// completes the quorum for its (round, proposeHash).
func (s *NodeState) AddPrevote(vote *types.Prevote) bool {
	key := prevoteKey{vote.Round, string(vote.ProposeHash)}
	set, ok := s.prevotes[key]
	if !ok {
		set = NewPrevoteSet(s.validators.Size(), s.Quorum())
		s.prevotes[key] = set
	}
	added := set.Add(vote)
	return added && set.Count() == s.Quorum()
}

func (s *NodeState) HasMajorityPrevotes(round types.Round, proposeHash tmbytes.HexBytes) bool {
	set := s.prevotes[prevoteKey{round, string(proposeHash)}]
	return set != nil && set.HasQuorum()
}

func (s *NodeState) Prevotes(round types.Round, proposeHash tmbytes.HexBytes) []*types.Prevote {
	set := s.prevotes[prevoteKey{round, string(proposeHash)}]
	if set == nil {
		return nil
	}
	return set.Votes()
}

// KnownPrevotes returns the bit array of validators whose prevotes for
// (round, proposeHash) the node holds. Never nil.
func (s *NodeState) KnownPrevotes(round types.Round, proposeHash tmbytes.HexBytes) *bits.BitArray {
	set := s.prevotes[prevoteKey{round, string(proposeHash)}]
	if set == nil {
		return bits.NewBitArray(s.validators.Size())
	}
	return set.Seen()
}

func (s *NodeState) HasPrevote(round types.Round, proposeHash tmbytes.HexBytes, id types.ValidatorID) bool {
	set := s.prevotes[prevoteKey{round, string(proposeHash)}]
	return set != nil && set.HasVoteFrom(id)
}

// AddPrecommit records a precommit. Same one shot quorum contract as
// AddPrevote, keyed by (round, proposeHash, blockHash) so conflicting block
// hashes never pool together.
func (s *NodeState) AddPrecommit(vote *types.Precommit) bool {
	key := precommitKey{vote.Round, string(vote.ProposeHash), string(vote.BlockHash)}
	set, ok := s.precommits[key]
	if !ok {
		set = NewPrecommitSet(s.validators.Size(), s.Quorum())
		s.precommits[key] = set
	}
	added := set.Add(vote)
	return added && set.Count() == s.Quorum()
}

func (s *NodeState) Precommits(round types.Round, proposeHash, blockHash tmbytes.HexBytes) []*types.Precommit {
	set := s.precommits[precommitKey{round, string(proposeHash), string(blockHash)}]
	if set == nil {
		return nil
	}
	return set.Votes()
}

func (s *NodeState) HasMajorityPrecommits(round types.Round, proposeHash, blockHash tmbytes.HexBytes) bool {
	set := s.precommits[precommitKey{round, string(proposeHash), string(blockHash)}]
	return set != nil && set.HasQuorum()
}

func (s *NodeState) HasPrecommit(round types.Round, proposeHash, blockHash tmbytes.HexBytes, id types.ValidatorID) bool {
	set := s.precommits[precommitKey{round, string(proposeHash), string(blockHash)}]
	return set != nil && set.HasVoteFrom(id)
}

// MajorityPrevoteRounds lists, in ascending order, the rounds at which the
// proposal already holds a prevote quorum. Used when a proposal completes
// after its votes arrived.
func (s *NodeState) MajorityPrevoteRounds(proposeHash tmbytes.HexBytes) []types.Round {
	var out []types.Round
	for key, set := range s.prevotes {
		if key.hash == string(proposeHash) && set.HasQuorum() {
			out = append(out, key.round)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MajorityPrecommitFor returns the (round, blockHash) of a precommit quorum
// already collected for the proposal, if any.
func (s *NodeState) MajorityPrecommitFor(proposeHash tmbytes.HexBytes) (types.Round, tmbytes.HexBytes, bool) {
	for key, set := range s.precommits {
		if key.proposeHash == string(proposeHash) && set.HasQuorum() {
			return key.round, tmbytes.HexBytes(key.blockHash), true
		}
	}
	return 0, nil, false
}

// HasConflictingPrecommits reports whether any validator precommitted a
// different block hash for the same (round, proposeHash). The minority may
// just be stale, so this is evidence to log, not to act on.
func (s *NodeState) HasConflictingPrecommits(round types.Round, proposeHash, blockHash tmbytes.HexBytes) bool {
	for key, set := range s.precommits {
		if key.round == round && key.proposeHash == string(proposeHash) &&
			key.blockHash != string(blockHash) && set.Count() > 0 {
			return true
		}
	}
	return false
}

//----------------------------------------
// lock

// Lock pins the node to a proposal. The locked round only moves forward; a
// regression means the caller broke the locking rules.
func (s *NodeState) Lock(round types.Round, proposeHash tmbytes.HexBytes) {
	if round < s.lockedRound {
		panic(fmt.Sprintf("lock regression: %v -> %v at height %v", s.lockedRound, round, s.height))
	}
	s.lockedRound = round
	s.lockedPropose = proposeHash
}

//----------------------------------------
// queued messages

// Queue stashes a message addressed to a future round or height.
func (s *NodeState) Queue(msg types.Message) {
	s.queued = append(s.queued, msg)
}

// TakeQueued drains the queue. The caller replays the messages through the
// normal handlers, which re-queue whatever is still early.
func (s *NodeState) TakeQueued() []types.Message {
	q := s.queued
	s.queued = nil
	return q
}

//----------------------------------------
// requests

// Request notes that peer should hold data. It returns true when this is the
// first peer for the request, meaning a request message should go out and a
// retry timeout should be scheduled.
func (s *NodeState) Request(data RequestData, peer types.ValidatorID) bool {
	entry, ok := s.requests[data.Key()]
	if !ok {
		entry = &requestEntry{data: data, state: NewRequestState()}
		s.requests[data.Key()] = entry
	}
	entry.state.AddPeer(peer)
	return !ok
}

// HasRequest reports whether the data is still outstanding.
func (s *NodeState) HasRequest(data RequestData) bool {
	_, ok := s.requests[data.Key()]
	return ok
}

// RetryRequest rotates the request to its next peer after a timeout. The
// failed peer leaves the rotation. When no peers remain the request is
// dropped and ok is false.
func (s *NodeState) RetryRequest(data RequestData, failed types.ValidatorID) (types.ValidatorID, bool) {
	entry, ok := s.requests[data.Key()]
	if !ok {
		return 0, false
	}
	entry.state.RemovePeer(failed)
	entry.state.Retries++
	next, ok := entry.state.Peek()
	if !ok {
		delete(s.requests, data.Key())
		return 0, false
	}
	return next, true
}

// RemoveRequest drops the request because the data arrived. It returns the
// peers that were in the rotation.
func (s *NodeState) RemoveRequest(data RequestData) bool {
	_, ok := s.requests[data.Key()]
	delete(s.requests, data.Key())
	return ok
}

//----------------------------------------
// peers

func (s *NodeState) UpdatePeer(id types.ValidatorID, height types.Height, poolSize uint64, now time.Time) {
	s.peers[id] = &PeerState{Height: height, PoolSize: poolSize, Seen: now}
}

func (s *NodeState) Peer(id types.ValidatorID) *PeerState {
	return s.peers[id]
}

// PeersAtHeight lists peers whose announced height is at or beyond h.
func (s *NodeState) PeersAtHeight(h types.Height) []types.ValidatorID {
	var out []types.ValidatorID
	for id, ps := range s.peers {
		if ps.Height >= h {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

//----------------------------------------
// height transitions

// NewHeight moves to the next height after a commit. All per height state is
// dropped and the queued messages come back for replay.
func (s *NodeState) NewHeight(blockHash tmbytes.HexBytes, now time.Time) []types.Message {
	queued := s.TakeQueued()
	s.lastHash = blockHash
	s.resetHeight(s.height.Next(), now)
	return queued
}
