package consensus

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cstypes "bftchain/consensus/types"
	"bftchain/mempool"
	"bftchain/state"
	"bftchain/store"
	"bftchain/types"
)

// Default deadlines. Round and propose timeouts are one-shot per round;
// status and peer exchange reschedule themselves on every firing.
const (
	roundTimeout        = 3 * time.Second
	proposeTimeout      = 100 * time.Millisecond
	statusTimeout       = 5 * time.Second
	peerExchangeTimeout = 10 * time.Second
)

// BlockStore is the read side of the block store the consensus routine uses
// to serve peer requests and to detect already committed transactions.
type BlockStore interface {
	Height() types.Height
	LoadBlockByHeight(height types.Height) *types.Block
	LoadPrecommits(height types.Height) [][]byte
	LoadBlockTxs(hash []byte) types.Txs
	LoadTx(hash []byte) types.Tx
}

// msgInfo carries a verified message plus the p2p connection it came in on.
// Internally generated messages have an empty PeerID.
type msgInfo struct {
	Msg    types.Message
	PeerID p2p.ID
}

// executedBlock caches the outcome of executing a proposal so the precommit
// and commit steps reuse the same fork.
type executedBlock struct {
	block *types.Block
	fork  *store.Fork
	txs   types.Txs
}

// State is the consensus state machine. A single receive goroutine applies
// messages and timeouts in arrival order; the serialization is what keeps
// the at-most-one-lock-per-round and one-commit-per-height invariants safe.
type State struct {
	service.BaseService

	privVal types.PrivValidator

	blockExec  state.BlockExecutor
	blockStore BlockStore
	mempool    mempool.Mempool

	ticker TimeoutTicker

	// mtx covers rs and chainState for the read-only accessors; the receive
	// routine is the only writer.
	mtx        sync.Mutex
	rs         *cstypes.NodeState
	chainState state.State

	// own votes this height, by round. The privval double-sign guard backs
	// these up on disk.
	ownPrevotes   map[types.Round]tmbytes.HexBytes
	ownPrecommits map[types.Round]tmbytes.HexBytes
	proposedRound types.Round

	executed map[string]*executedBlock

	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	txsAvailable     <-chan struct{}
	eventSwitch      events.EventSwitch

	metric *consensusMetric

	// overridable in tests
	decideProposal func()

	roundTimeout   time.Duration
	proposeTimeout time.Duration
}

type StateOption func(*State)

// RoundTimeoutOption shortens or stretches the round deadline. Tests run
// whole heights in tens of milliseconds with this.
func RoundTimeoutOption(d time.Duration) StateOption {
	return func(cs *State) { cs.roundTimeout = d }
}

func ProposeTimeoutOption(d time.Duration) StateOption {
	return func(cs *State) { cs.proposeTimeout = d }
}

func NewState(
	chainState state.State,
	privVal types.PrivValidator,
	blockExec state.BlockExecutor,
	blockStore BlockStore,
	mem mempool.Mempool,
	options ...StateOption,
) *State {
	id := types.ValidatorID(-1)
	if privVal != nil {
		if pub, err := privVal.GetPubKey(); err == nil {
			id, _ = chainState.Validators.GetByAddress(pub.Address())
		}
	}

	cs := &State{
		privVal:          privVal,
		blockExec:        blockExec,
		blockStore:       blockStore,
		mempool:          mem,
		ticker:           NewTimeoutTicker(),
		chainState:       chainState,
		ownPrevotes:      make(map[types.Round]tmbytes.HexBytes),
		ownPrecommits:    make(map[types.Round]tmbytes.HexBytes),
		executed:         make(map[string]*executedBlock),
		peerMsgQueue:     make(chan msgInfo),
		internalMsgQueue: make(chan msgInfo),
		eventSwitch:      events.NewEventSwitch(),
		metric:           newConsensusMetric(),
		roundTimeout:     roundTimeout,
		proposeTimeout:   proposeTimeout,
	}
	cs.rs = cstypes.NewNodeState(id, chainState.Validators,
		chainState.LastBlockHeight.Next(), chainState.LastBlockHash, tmtime.Now())
	cs.decideProposal = cs.defaultProposal
	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}
	return cs
}

func (cs *State) SetLogger(logger log.Logger) {
	cs.Logger = logger
	cs.ticker.SetLogger(logger.With("module", "ticker"))
	cs.blockExec.SetLogger(logger)
}

func (cs *State) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	if err := cs.ticker.Start(); err != nil {
		return err
	}
	cs.txsAvailable = cs.mempool.TxsAvailable()

	go cs.receiveRoutine()

	cs.scheduleRoundTimeout()
	if cs.rs.IsLeader(cs.rs.Round()) {
		cs.scheduleProposeTimeout()
	}
	cs.ticker.ScheduleTimeout(timeoutInfo{Duration: statusTimeout, Kind: timeoutStatus})
	cs.ticker.ScheduleTimeout(timeoutInfo{Duration: peerExchangeTimeout, Kind: timeoutPeerExchange})
	return nil
}

func (cs *State) OnStop() {
	if err := cs.ticker.Stop(); err != nil {
		cs.Logger.Error("failed to stop timeout ticker", "err", err)
	}
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed to stop event switch", "err", err)
	}
}

//----------------------------------------
// read-only surface, used by RPC and the reactor

func (cs *State) Height() types.Height {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.rs.Height()
}

func (cs *State) Round() types.Round {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.rs.Round()
}

// Lock returns the locked round and propose hash, or (0, nil) when unlocked.
func (cs *State) Lock() (types.Round, tmbytes.HexBytes) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.rs.LockedRound(), cs.rs.LockedPropose()
}

func (cs *State) Validators() *types.ValidatorSet {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.rs.Validators()
}

func (cs *State) ChainState() state.State {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.chainState.Copy()
}

func (cs *State) Metric() *consensusMetric { return cs.metric }

// StatusMessage builds a fresh signed Status, or nil for a non-validator.
func (cs *State) StatusMessage() types.Message {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.statusMessage()
}

//----------------------------------------
// event loop

func (cs *State) receiveRoutine() {
	for {
		select {
		case <-cs.Quit():
			return
		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)
		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)
		case ti := <-cs.ticker.Chan():
			cs.handleTimeout(ti)
		case <-cs.txsAvailable:
			cs.handleTxsAvailable()
		}
	}
}

func (cs *State) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	switch msg := mi.Msg.(type) {
	case *types.Propose:
		if cs.gateHeight(msg, msg.Height) {
			cs.handlePropose(msg)
		}
	case *types.Prevote:
		if cs.gateHeight(msg, msg.Height) {
			cs.handlePrevote(msg)
		}
	case *types.Precommit:
		if cs.gateHeight(msg, msg.Height) {
			cs.handlePrecommit(msg)
		}
	case *types.Status:
		cs.handleStatus(msg)
	case *types.BlockResponse:
		if cs.addressedToUs(msg.To) {
			cs.handleBlockResponse(msg)
		}
	case *types.TransactionsResponse:
		if cs.addressedToUs(msg.To) {
			cs.handleTransactionsResponse(msg)
		}
	case *types.ProposeRequest:
		if cs.addressedToUs(msg.To) {
			cs.handleProposeRequest(msg)
		}
	case *types.TransactionsRequest:
		if cs.addressedToUs(msg.To) {
			cs.handleTransactionsRequest(msg)
		}
	case *types.PrevotesRequest:
		if cs.addressedToUs(msg.To) {
			cs.handlePrevotesRequest(msg)
		}
	case *types.PeersRequest:
		if cs.addressedToUs(msg.To) {
			cs.handlePeersRequest(msg)
		}
	case *types.BlockRequest:
		if cs.addressedToUs(msg.To) {
			cs.handleBlockRequest(msg)
		}
	default:
		cs.Logger.Error("unknown message", "type", fmt.Sprintf("%T", msg))
	}
}

func (cs *State) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	switch ti.Kind {
	case timeoutRound:
		cs.handleRoundTimeout(ti)
	case timeoutPropose:
		cs.handleProposeTimeout(ti)
	case timeoutRequest:
		cs.handleRequestTimeout(ti)
	case timeoutStatus:
		cs.broadcastStatus()
		cs.ticker.ScheduleTimeout(timeoutInfo{Duration: statusTimeout, Kind: timeoutStatus})
	case timeoutPeerExchange:
		cs.handlePeerExchangeTimeout()
		cs.ticker.ScheduleTimeout(timeoutInfo{Duration: peerExchangeTimeout, Kind: timeoutPeerExchange})
	default:
		cs.Logger.Error("unknown timeout", "timeout", ti)
	}
}

func (cs *State) handleTxsAvailable() {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	// the pool just became non-empty; a leader sitting on an empty pool can
	// propose now instead of waiting out the full round
	if cs.rs.IsLeader(cs.rs.Round()) && cs.proposedRound != cs.rs.Round() {
		cs.scheduleProposeTimeout()
	}
}

// gateHeight drops stale-height messages and queues future-height ones.
func (cs *State) gateHeight(m types.Message, h types.Height) bool {
	switch {
	case h < cs.rs.Height():
		cs.Logger.Debug("dropping stale message", "msg", m, "height", h)
		return false
	case h > cs.rs.Height():
		cs.rs.Queue(m)
		return false
	}
	return true
}

func (cs *State) addressedToUs(to types.ValidatorID) bool {
	return cs.rs.IsValidator() && to == cs.rs.ID()
}

//----------------------------------------
// proposes

func (cs *State) handlePropose(propose *types.Propose) {
	if jump, ok := cs.rs.UpdateValidatorRound(propose.Validator, propose.Round); ok {
		cs.enterRound(jump)
	}
	if propose.Round > cs.rs.Round() {
		cs.rs.Queue(propose)
		return
	}
	if leader := cs.rs.Leader(propose.Round); propose.Validator != leader {
		cs.Logger.Debug("propose from wrong leader",
			"round", propose.Round, "from", propose.Validator, "leader", leader)
		return
	}
	if !bytes.Equal(propose.PrevHash, cs.rs.LastHash()) {
		cs.Logger.Debug("propose extends a different block",
			"prev", propose.PrevHash, "head", cs.rs.LastHash())
		return
	}

	// a tx the chain already holds cannot appear in a new block
	var unknown []tmbytes.HexBytes
	for _, h := range propose.TxHashes {
		if cs.mempool.HasTx(h) {
			continue
		}
		if cs.blockStore.LoadTx(h) != nil {
			cs.Logger.Debug("propose references a committed tx", "tx", h)
			return
		}
		unknown = append(unknown, h)
	}

	ps, isNew := cs.rs.AddPropose(propose, unknown)
	if !isNew {
		return
	}
	cs.rs.RemoveRequest(cstypes.ProposeRequestData(propose.Hash()))
	cs.eventSwitch.FireEvent(EventNewPropose, propose)

	if ps.HasUnknownTxs() {
		cs.newRequest(cstypes.ProposeTxsRequestData(propose.Hash()), propose.Validator)
		return
	}
	cs.proposeComplete(ps)
}

// proposeComplete runs once all of a proposal's transactions are in the pool.
// Votes may have arrived ahead of the proposal, so quorums are re-checked.
func (cs *State) proposeComplete(ps *cstypes.ProposeState) {
	hash := ps.Propose.Hash()

	if cs.rs.IsValidator() && ps.Propose.Round == cs.rs.Round() {
		if _, voted := cs.ownPrevotes[ps.Propose.Round]; !voted {
			locked := cs.rs.LockedPropose()
			if locked == nil || bytes.Equal(locked, hash) {
				cs.sendPrevote(ps.Propose.Round, hash)
			}
		}
	}

	height := cs.rs.Height()
	for _, r := range cs.rs.MajorityPrevoteRounds(hash) {
		cs.handleMajorityPrevotes(r, hash)
		if cs.rs.Height() != height {
			return
		}
	}
	if r, blockHash, ok := cs.rs.MajorityPrecommitFor(hash); ok {
		cs.handleMajorityPrecommits(r, hash, blockHash)
	}
}

//----------------------------------------
// prevotes and locking

func (cs *State) handlePrevote(v *types.Prevote) {
	height := cs.rs.Height()
	added := !cs.rs.HasPrevote(v.Round, v.ProposeHash, v.Validator)
	reached := cs.rs.AddPrevote(v)
	if added {
		cs.eventSwitch.FireEvent(EventNewVote, v)
	}
	if reached {
		cs.handleMajorityPrevotes(v.Round, v.ProposeHash)
	}
	if cs.rs.Height() != height {
		// the quorum committed; the rest of this vote is history
		return
	}

	if cs.rs.Propose(v.ProposeHash) == nil {
		cs.newRequest(cstypes.ProposeRequestData(v.ProposeHash), v.Validator)
		if v.LockedRound > types.RoundNone {
			cs.newRequest(cstypes.PrevotesRequestData(v.LockedRound, v.ProposeHash), v.Validator)
		}
	}

	if jump, ok := cs.rs.UpdateValidatorRound(v.Validator, v.Round); ok {
		cs.enterRound(jump)
	}
}

func (cs *State) handleMajorityPrevotes(round types.Round, proposeHash tmbytes.HexBytes) {
	if round < cs.rs.LockedRound() {
		return
	}
	if round == cs.rs.LockedRound() && cs.rs.LockedPropose() != nil &&
		!bytes.Equal(cs.rs.LockedPropose(), proposeHash) {
		cs.Logger.Error("prevote quorum conflicts with our lock",
			"round", round, "locked", cs.rs.LockedPropose(), "quorum", proposeHash)
		cs.metric.MarkConflict()
		return
	}
	ps := cs.rs.Propose(proposeHash)
	if ps == nil || ps.HasUnknownTxs() {
		// quorum on a proposal we cannot execute yet; proposeComplete will
		// come back here
		return
	}
	cs.lockTo(round, proposeHash)
}

// lockTo carries the lock forward from the quorum round to the current round,
// prevoting along the way, then precommits the executed block.
func (cs *State) lockTo(round types.Round, proposeHash tmbytes.HexBytes) {
	for r := round; r <= cs.rs.Round(); r++ {
		if cs.rs.IsValidator() {
			if _, voted := cs.ownPrevotes[r]; !voted {
				cs.sendPrevote(r, proposeHash)
			}
		}
		if cs.rs.HasMajorityPrevotes(r, proposeHash) {
			cs.rs.Lock(r, proposeHash)
			cs.metric.MarkRound(cs.rs.Height(), cs.rs.Round(), cs.rs.LockedRound())
		}
	}

	if !cs.rs.IsValidator() || cs.rs.LockedPropose() == nil {
		return
	}
	eb, err := cs.ensureExecuted(cs.rs.LockedPropose())
	if err != nil {
		cs.Logger.Error("cannot execute locked propose", "err", err)
		return
	}
	lockedRound := cs.rs.LockedRound()
	if _, done := cs.ownPrecommits[lockedRound]; !done {
		cs.sendPrecommit(lockedRound, cs.rs.LockedPropose(), eb.block.Hash())
	}
	if cs.rs.HasMajorityPrecommits(lockedRound, cs.rs.LockedPropose(), eb.block.Hash()) {
		cs.commitBlock(lockedRound, cs.rs.LockedPropose(), eb)
	}
}

//----------------------------------------
// precommits and commit

func (cs *State) handlePrecommit(v *types.Precommit) {
	height := cs.rs.Height()
	added := !cs.rs.HasPrecommit(v.Round, v.ProposeHash, v.BlockHash, v.Validator)
	reached := cs.rs.AddPrecommit(v)
	if added {
		cs.eventSwitch.FireEvent(EventNewVote, v)
		if cs.rs.HasConflictingPrecommits(v.Round, v.ProposeHash, v.BlockHash) {
			cs.Logger.Error("conflicting precommits at one round",
				"round", v.Round, "propose", v.ProposeHash, "from", v.Validator)
			cs.metric.MarkConflict()
		}
	}
	if reached {
		cs.handleMajorityPrecommits(v.Round, v.ProposeHash, v.BlockHash)
	}
	if cs.rs.Height() != height {
		return
	}

	if cs.rs.Propose(v.ProposeHash) == nil {
		cs.newRequest(cstypes.ProposeRequestData(v.ProposeHash), v.Validator)
	}

	if jump, ok := cs.rs.UpdateValidatorRound(v.Validator, v.Round); ok {
		cs.enterRound(jump)
	}
}

func (cs *State) handleMajorityPrecommits(round types.Round, proposeHash, blockHash tmbytes.HexBytes) {
	ps := cs.rs.Propose(proposeHash)
	if ps == nil || ps.HasUnknownTxs() {
		// the requests issued by the vote handlers will complete it
		return
	}
	eb, err := cs.ensureExecuted(proposeHash)
	if err != nil {
		cs.Logger.Error("cannot execute propose with precommit quorum", "err", err)
		return
	}
	if !bytes.Equal(eb.block.Hash(), blockHash) {
		panic(fmt.Sprintf(
			"execution diverged from a precommit quorum at height %v: ours %X, quorum %X",
			cs.rs.Height(), eb.block.Hash(), blockHash))
	}
	cs.commitBlock(round, proposeHash, eb)
}

func (cs *State) commitBlock(round types.Round, proposeHash tmbytes.HexBytes, eb *executedBlock) {
	votes := cs.rs.Precommits(round, proposeHash, eb.block.Hash())
	raw := make([][]byte, len(votes))
	for i, v := range votes {
		bz, err := types.EncodeMessage(v)
		if err != nil {
			panic(fmt.Sprintf("re-encoding a stored precommit failed: %v", err))
		}
		raw[i] = bz
	}

	newState, err := cs.blockExec.Commit(cs.chainState, eb.block, eb.txs, raw, eb.fork)
	if err != nil {
		// commit is all-or-nothing; a failure here is a broken store, not
		// something to limp past
		panic(fmt.Sprintf("commit at height %v failed: %v", cs.rs.Height(), err))
	}
	cs.afterCommit(newState, eb.block.Hash())
}

// afterCommit advances to the next height and replays whatever queued up.
func (cs *State) afterCommit(newState state.State, blockHash tmbytes.HexBytes) {
	cs.metric.MarkCommit(cs.rs.HeightStart())
	cs.chainState = newState
	queued := cs.rs.NewHeight(blockHash, tmtime.Now())
	cs.executed = make(map[string]*executedBlock)
	cs.ownPrevotes = make(map[types.Round]tmbytes.HexBytes)
	cs.ownPrecommits = make(map[types.Round]tmbytes.HexBytes)
	cs.proposedRound = 0
	cs.metric.MarkRound(cs.rs.Height(), cs.rs.Round(), cs.rs.LockedRound())

	cs.Logger.Info("entering new height", "height", cs.rs.Height(), "head", blockHash)

	cs.scheduleRoundTimeout()
	if cs.rs.IsLeader(cs.rs.Round()) {
		cs.scheduleProposeTimeout()
	}
	cs.broadcastStatus()

	// still behind? keep pulling blocks
	if peers := cs.rs.PeersAtHeight(cs.rs.Height().Next()); len(peers) > 0 {
		cs.newRequest(cstypes.BlockRequestData(cs.rs.Height()), peers[0])
	}

	for _, m := range queued {
		cs.sendInternalMessage(msgInfo{Msg: m})
	}
}

// ensureExecuted executes the proposal once and caches the result.
func (cs *State) ensureExecuted(proposeHash tmbytes.HexBytes) (*executedBlock, error) {
	if eb, ok := cs.executed[string(proposeHash)]; ok {
		return eb, nil
	}
	ps := cs.rs.Propose(proposeHash)
	if ps == nil || ps.HasUnknownTxs() {
		return nil, fmt.Errorf("propose %v is not complete", proposeHash)
	}
	txs := make(types.Txs, len(ps.Propose.TxHashes))
	for i, h := range ps.Propose.TxHashes {
		tx := cs.mempool.GetTx(h)
		if tx == nil {
			return nil, fmt.Errorf("tx %v vanished from the pool", h)
		}
		txs[i] = tx
	}
	block, fork, err := cs.blockExec.ExecutePropose(cs.chainState, ps.Propose, txs)
	if err != nil {
		return nil, err
	}
	ps.BlockHash = block.Hash()
	eb := &executedBlock{block: block, fork: fork, txs: txs}
	cs.executed[string(proposeHash)] = eb
	return eb, nil
}

//----------------------------------------
// rounds

// enterRound advances to the given round, re-asserting the lock or, for a
// leader with nothing locked, arming the propose timeout.
func (cs *State) enterRound(round types.Round) {
	if round <= cs.rs.Round() {
		return
	}
	cs.Logger.Info("entering round", "height", cs.rs.Height(), "round", round)
	cs.rs.SetRound(round)
	cs.metric.MarkRound(cs.rs.Height(), round, cs.rs.LockedRound())
	cs.scheduleRoundTimeout()

	if cs.rs.IsValidator() {
		if locked := cs.rs.LockedPropose(); locked != nil {
			cs.lockTo(cs.rs.LockedRound(), locked)
		} else if cs.rs.IsLeader(round) {
			cs.scheduleProposeTimeout()
		}
	}

	for _, m := range cs.rs.TakeQueued() {
		cs.sendInternalMessage(msgInfo{Msg: m})
	}
}

func (cs *State) handleRoundTimeout(ti timeoutInfo) {
	if ti.Height != cs.rs.Height() || ti.Round != cs.rs.Round() {
		cs.metric.MarkStaleRound()
		cs.Logger.Debug("stale round timeout", "timeout", ti)
		return
	}
	cs.enterRound(cs.rs.Round().Next())
}

func (cs *State) handleProposeTimeout(ti timeoutInfo) {
	if ti.Height != cs.rs.Height() || ti.Round != cs.rs.Round() {
		cs.Logger.Debug("stale propose timeout", "timeout", ti)
		return
	}
	if !cs.rs.IsLeader(cs.rs.Round()) || cs.proposedRound == cs.rs.Round() {
		return
	}
	if cs.rs.LockedPropose() != nil {
		// leading while locked: the lock's prevotes already went out, a
		// second propose would only split the round
		return
	}
	cs.decideProposal()
}

func (cs *State) defaultProposal() {
	height, round := cs.rs.Height(), cs.rs.Round()
	propose, _ := cs.blockExec.CreateProposal(cs.chainState, height, round, cs.rs.ID())
	if err := cs.privVal.SignPropose(cs.chainState.ChainID, propose); err != nil {
		cs.Logger.Error("signing own propose failed", "err", err)
		return
	}
	cs.proposedRound = round
	cs.Logger.Info("proposing", "height", height, "round", round,
		"txs", len(propose.TxHashes), "hash", propose.Hash())
	cs.sendInternalMessage(msgInfo{Msg: propose})
}

func (cs *State) scheduleRoundTimeout() {
	cs.ticker.ScheduleTimeout(timeoutInfo{
		Duration: cs.roundTimeout,
		Height:   cs.rs.Height(),
		Round:    cs.rs.Round(),
		Kind:     timeoutRound,
	})
}

func (cs *State) scheduleProposeTimeout() {
	cs.ticker.ScheduleTimeout(timeoutInfo{
		Duration: cs.proposeTimeout,
		Height:   cs.rs.Height(),
		Round:    cs.rs.Round(),
		Kind:     timeoutPropose,
	})
}

//----------------------------------------
// status and sync

func (cs *State) handleStatus(st *types.Status) {
	cs.rs.UpdatePeer(st.Validator, st.Height, st.PoolSize, tmtime.Now())
	if st.Height > cs.rs.Height() {
		cs.newRequest(cstypes.BlockRequestData(cs.rs.Height()), st.Validator)
	}
}

func (cs *State) handleBlockResponse(resp *types.BlockResponse) {
	block := resp.Block
	if block.Height != cs.rs.Height() {
		cs.Logger.Debug("block response for another height",
			"height", block.Height, "ours", cs.rs.Height())
		return
	}
	if !bytes.Equal(block.LastBlockHash, cs.rs.LastHash()) {
		cs.Logger.Debug("block response extends a different block",
			"prev", block.LastBlockHash, "head", cs.rs.LastHash())
		return
	}

	var unknown []tmbytes.HexBytes
	for _, h := range resp.TxHashes {
		if !cs.mempool.HasTx(h) {
			unknown = append(unknown, h)
		}
	}

	bs, isNew := cs.rs.AddIncompleteBlock(block, resp.Precommits, resp.TxHashes, unknown)
	cs.rs.RemoveRequest(cstypes.BlockRequestData(block.Height))
	if !isNew {
		return
	}
	if bs.HasUnknownTxs() {
		cs.newRequest(cstypes.BlockTxsRequestData(block.Hash()), resp.From)
		return
	}
	cs.commitSyncBlock(bs)
}

// commitSyncBlock commits a block received from a peer, re-executing its
// transactions so the state hash is checked, never trusted.
func (cs *State) commitSyncBlock(bs *cstypes.BlockState) {
	txs := make(types.Txs, len(bs.TxHashes))
	for i, h := range bs.TxHashes {
		tx := cs.mempool.GetTx(h)
		if tx == nil {
			cs.Logger.Error("sync block tx vanished from the pool", "tx", h)
			return
		}
		txs[i] = tx
	}
	if _, err := cs.blockExec.VerifyCommit(cs.chainState, bs.Block, bs.Precommits); err != nil {
		cs.Logger.Error("sync block certificate rejected", "height", bs.Block.Height, "err", err)
		return
	}
	fork, err := cs.blockExec.ExecuteBlock(cs.chainState, bs.Block, txs)
	if err != nil {
		cs.Logger.Error("sync block execution rejected", "height", bs.Block.Height, "err", err)
		return
	}
	newState, err := cs.blockExec.Commit(cs.chainState, bs.Block, txs, bs.Precommits, fork)
	if err != nil {
		panic(fmt.Sprintf("commit of synced block at height %v failed: %v", bs.Block.Height, err))
	}
	cs.afterCommit(newState, bs.Block.Hash())
}

func (cs *State) handleTransactionsResponse(resp *types.TransactionsResponse) {
	for _, tx := range resp.Txs {
		err := cs.mempool.CheckTx(tx, mempool.TxInfo{})
		switch err {
		case nil, mempool.ErrTxInCache, mempool.ErrTxInMap:
		default:
			cs.Logger.Debug("requested tx rejected by the pool", "tx", tx.Hash(), "err", err)
			continue
		}

		fullProposes, fullBlocks := cs.rs.MarkTxKnown(tx.Hash())
		for _, ps := range fullProposes {
			cs.rs.RemoveRequest(cstypes.ProposeTxsRequestData(ps.Propose.Hash()))
			cs.proposeComplete(ps)
		}
		for _, bs := range fullBlocks {
			cs.rs.RemoveRequest(cstypes.BlockTxsRequestData(bs.Block.Hash()))
			cs.commitSyncBlock(bs)
		}
	}
}

func (cs *State) broadcastStatus() {
	if st := cs.statusMessage(); st != nil {
		cs.eventSwitch.FireEvent(EventNewStatus, st)
	}
}

func (cs *State) statusMessage() types.Message {
	if !cs.rs.IsValidator() {
		return nil
	}
	st := types.NewStatus(cs.rs.ID(), cs.rs.Height(), cs.rs.LastHash(), uint64(cs.mempool.Size()))
	if err := cs.signMessage(st); err != nil {
		cs.Logger.Error("signing status failed", "err", err)
		return nil
	}
	return st
}

func (cs *State) handlePeerExchangeTimeout() {
	if !cs.rs.IsValidator() {
		return
	}
	peers := cs.rs.PeersAtHeight(0)
	if len(peers) == 0 {
		return
	}
	peer := peers[int(cs.rs.Height())%len(peers)]
	req := types.NewPeersRequest(cs.rs.ID(), peer)
	if err := cs.signMessage(req); err != nil {
		cs.Logger.Error("signing peers request failed", "err", err)
		return
	}
	cs.sendTo(peer, req)
}

//----------------------------------------
// serving peer requests

func (cs *State) handleProposeRequest(req *types.ProposeRequest) {
	if req.Height != cs.rs.Height() {
		return
	}
	ps := cs.rs.Propose(req.ProposeHash)
	if ps == nil {
		return
	}
	cs.sendTo(req.From, ps.Propose)
}

func (cs *State) handleTransactionsRequest(req *types.TransactionsRequest) {
	var txs []types.Tx
	for _, h := range req.TxHashes {
		tx := cs.mempool.GetTx(h)
		if tx == nil {
			tx = cs.blockStore.LoadTx(h)
		}
		if tx != nil {
			txs = append(txs, tx)
		}
	}
	if len(txs) == 0 {
		return
	}
	resp := types.NewTransactionsResponse(cs.rs.ID(), req.From, txs)
	if err := cs.signMessage(resp); err != nil {
		cs.Logger.Error("signing transactions response failed", "err", err)
		return
	}
	cs.sendTo(req.From, resp)
}

func (cs *State) handlePrevotesRequest(req *types.PrevotesRequest) {
	if req.Height != cs.rs.Height() {
		return
	}
	for _, v := range cs.rs.Prevotes(req.Round, req.ProposeHash) {
		idx := int(v.Validator)
		if req.Known != nil && idx < req.Known.Size() && req.Known.GetIndex(idx) {
			continue
		}
		cs.sendTo(req.From, v)
	}
}

func (cs *State) handlePeersRequest(req *types.PeersRequest) {
	// address book exchange belongs to the p2p layer; answer with our
	// status so the peer at least learns our height
	if st := cs.statusMessage(); st != nil {
		cs.sendTo(req.From, st)
	}
}

func (cs *State) handleBlockRequest(req *types.BlockRequest) {
	if req.Height > cs.blockStore.Height() {
		return
	}
	block := cs.blockStore.LoadBlockByHeight(req.Height)
	if block == nil {
		return
	}
	precommits := cs.blockStore.LoadPrecommits(req.Height)
	txs := cs.blockStore.LoadBlockTxs(block.Hash())
	resp := types.NewBlockResponse(cs.rs.ID(), req.From, block, precommits, txs.Hashes())
	if err := cs.signMessage(resp); err != nil {
		cs.Logger.Error("signing block response failed", "err", err)
		return
	}
	cs.sendTo(req.From, resp)
	if len(txs) > 0 {
		txResp := types.NewTransactionsResponse(cs.rs.ID(), req.From, txs)
		if err := cs.signMessage(txResp); err != nil {
			cs.Logger.Error("signing transactions response failed", "err", err)
			return
		}
		cs.sendTo(req.From, txResp)
	}
}

//----------------------------------------
// outgoing requests and their retries

// newRequest records that peer should hold data and, for a fresh request,
// sends it and arms the retry timeout.
func (cs *State) newRequest(data cstypes.RequestData, peer types.ValidatorID) {
	if !cs.rs.IsValidator() || peer == cs.rs.ID() || !cs.rs.Validators().HasID(peer) {
		return
	}
	if !cs.rs.Request(data, peer) {
		return
	}
	cs.sendRequest(data, peer)
}

func (cs *State) sendRequest(data cstypes.RequestData, peer types.ValidatorID) {
	msg := cs.requestMessage(data, peer)
	if msg == nil {
		cs.rs.RemoveRequest(data)
		return
	}
	if err := cs.signMessage(msg); err != nil {
		cs.Logger.Error("signing request failed", "request", data, "err", err)
		return
	}
	cs.sendTo(peer, msg)
	cs.ticker.ScheduleTimeout(timeoutInfo{
		Duration: data.Timeout(),
		Height:   cs.rs.Height(),
		Kind:     timeoutRequest,
		Request:  data,
		Peer:     peer,
	})
}

func (cs *State) requestMessage(data cstypes.RequestData, peer types.ValidatorID) types.Message {
	id := cs.rs.ID()
	switch data.Kind {
	case cstypes.RequestPropose:
		return types.NewProposeRequest(id, peer, cs.rs.Height(), data.ProposeHash)
	case cstypes.RequestProposeTxs:
		ps := cs.rs.Propose(data.ProposeHash)
		if ps == nil || !ps.HasUnknownTxs() {
			return nil
		}
		return types.NewTransactionsRequest(id, peer, ps.UnknownTxs())
	case cstypes.RequestBlockTxs:
		bs := cs.rs.IncompleteBlock(data.BlockHash)
		if bs == nil || !bs.HasUnknownTxs() {
			return nil
		}
		return types.NewTransactionsRequest(id, peer, bs.UnknownTxs())
	case cstypes.RequestPrevotes:
		return types.NewPrevotesRequest(id, peer, cs.rs.Height(), data.Round,
			data.ProposeHash, cs.rs.KnownPrevotes(data.Round, data.ProposeHash))
	case cstypes.RequestBlock:
		return types.NewBlockRequest(id, peer, data.Height)
	default:
		return nil
	}
}

func (cs *State) handleRequestTimeout(ti timeoutInfo) {
	data := ti.Request
	if ti.Height != cs.rs.Height() || !cs.rs.HasRequest(data) {
		return
	}

	// txs can trickle in through pool gossip without passing our handlers
	switch data.Kind {
	case cstypes.RequestProposeTxs, cstypes.RequestBlockTxs:
		if cs.resolvePoolTxs(data) {
			return
		}
	}

	next, ok := cs.rs.RetryRequest(data, ti.Peer)
	if !ok {
		cs.metric.MarkStall()
		cs.Logger.Error("request ran out of peers", "request", data, "retries exhausted", true)
		return
	}
	cs.Logger.Debug("retrying request", "request", data, "peer", next)
	cs.sendRequest(data, next)
}

// resolvePoolTxs marks any of the request's missing txs that the pool now
// holds, and reports whether the request completed.
func (cs *State) resolvePoolTxs(data cstypes.RequestData) bool {
	var missing []tmbytes.HexBytes
	switch data.Kind {
	case cstypes.RequestProposeTxs:
		if ps := cs.rs.Propose(data.ProposeHash); ps != nil {
			missing = ps.UnknownTxs()
		}
	case cstypes.RequestBlockTxs:
		if bs := cs.rs.IncompleteBlock(data.BlockHash); bs != nil {
			missing = bs.UnknownTxs()
		}
	}

	done := false
	for _, h := range missing {
		if !cs.mempool.HasTx(h) {
			continue
		}
		fullProposes, fullBlocks := cs.rs.MarkTxKnown(h)
		for _, ps := range fullProposes {
			cs.rs.RemoveRequest(cstypes.ProposeTxsRequestData(ps.Propose.Hash()))
			done = true
			cs.proposeComplete(ps)
		}
		for _, bs := range fullBlocks {
			cs.rs.RemoveRequest(cstypes.BlockTxsRequestData(bs.Block.Hash()))
			done = true
			cs.commitSyncBlock(bs)
		}
	}
	return done
}

//----------------------------------------
// signing and sending

func (cs *State) sendPrevote(round types.Round, proposeHash tmbytes.HexBytes) {
	v := types.NewPrevote(cs.rs.ID(), cs.rs.Height(), round, proposeHash, cs.rs.LockedRound())
	if err := cs.privVal.SignPrevote(cs.chainState.ChainID, v); err != nil {
		cs.Logger.Error("signing prevote failed", "round", round, "err", err)
		return
	}
	cs.ownPrevotes[round] = proposeHash
	cs.sendInternalMessage(msgInfo{Msg: v})
}

func (cs *State) sendPrecommit(round types.Round, proposeHash, blockHash tmbytes.HexBytes) {
	v := types.NewPrecommit(cs.rs.ID(), cs.rs.Height(), round, proposeHash, blockHash, tmtime.Now())
	if err := cs.privVal.SignPrecommit(cs.chainState.ChainID, v); err != nil {
		cs.Logger.Error("signing precommit failed", "round", round, "err", err)
		return
	}
	cs.ownPrecommits[round] = blockHash
	cs.sendInternalMessage(msgInfo{Msg: v})
}

// signMessage signs the non-vote messages, which carry no double-sign hazard.
func (cs *State) signMessage(m types.Message) error {
	sig, err := cs.privVal.SignBytes(m.SignBytes(cs.chainState.ChainID))
	if err != nil {
		return err
	}
	switch msg := m.(type) {
	case *types.Status:
		msg.Signature = sig
	case *types.ProposeRequest:
		msg.Signature = sig
	case *types.TransactionsRequest:
		msg.Signature = sig
	case *types.PrevotesRequest:
		msg.Signature = sig
	case *types.PeersRequest:
		msg.Signature = sig
	case *types.BlockRequest:
		msg.Signature = sig
	case *types.BlockResponse:
		msg.Signature = sig
	case *types.TransactionsResponse:
		msg.Signature = sig
	default:
		return fmt.Errorf("message %T is not signed here", m)
	}
	return nil
}

func (cs *State) sendTo(peer types.ValidatorID, msg types.Message) {
	cs.eventSwitch.FireEvent(EventSendTo, AddressedMessage{To: peer, Msg: msg})
}

// sendInternalMessage feeds our own messages back through the receive
// routine, so they follow the exact same path as peer messages. The fallback
// goroutine keeps the routine from deadlocking on its own output.
func (cs *State) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		go func() {
			select {
			case cs.internalMsgQueue <- mi:
			case <-cs.Quit():
			}
		}()
	}
}
