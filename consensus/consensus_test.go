package consensus

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tm-db/memdb"

	cstypes "bftchain/consensus/types"
	"bftchain/mempool"
	"bftchain/state"
	"bftchain/store"
	"bftchain/types"
)

const testChainID = "consensus-test-chain"

type consTestNode struct {
	cs      *State
	kv      *store.KVStore
	mem     *mempool.ListMempool
	cleanup func()
}

// newGenesis builds one genesis document for a fixed validator set, so every
// node in a test starts from the same block.
func newGenesis(t *testing.T, privs []types.PrivValidator) *types.GenesisDoc {
	genDoc := &types.GenesisDoc{
		ChainID:     testChainID,
		GenesisTime: time.Now(),
	}
	for _, priv := range privs {
		pub, err := priv.GetPubKey()
		require.NoError(t, err)
		genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{
			Address: pub.Address(), PubKey: pub,
		})
	}
	require.NoError(t, genDoc.ValidateAndComplete())
	return genDoc
}

func newConsNode(t *testing.T, genDoc *types.GenesisDoc, priv types.PrivValidator,
	name string, options ...StateOption) *consTestNode {
	st, genBlock := state.MakeGenesisState(genDoc)

	kv := store.NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	require.NoError(t, kv.SaveBlock(genBlock, nil, nil, nil))

	config := cfg.ResetTestRoot(name)
	mem := mempool.NewListMempool(config.Mempool, 0)
	mem.SetLogger(log.TestingLogger())

	exec := state.NewBlockExec(kv, store.NewKVApp(), mem)

	cs := NewState(st, priv, exec, kv, mem, options...)
	cs.SetLogger(log.TestingLogger())

	return &consTestNode{
		cs: cs, kv: kv, mem: mem,
		cleanup: func() { os.RemoveAll(config.RootDir) },
	}
}

// newSoloNode builds a started node for validator 0 of a 4 validator set,
// with rounds effectively frozen so tests drive every transition themselves.
func newSoloNode(t *testing.T) (*consTestNode, []types.PrivValidator, *msgCollector) {
	_, privs := types.RandValidatorSet(4)
	genDoc := newGenesis(t, privs)

	node := newConsNode(t, genDoc, privs[0], "consensus_solo_test",
		RoundTimeoutOption(time.Minute), ProposeTimeoutOption(time.Minute))
	collector := collectEvents(node.cs)
	require.NoError(t, node.cs.Start())

	t.Cleanup(func() {
		_ = node.cs.Stop()
		node.cleanup()
	})
	return node, privs, collector
}

// msgCollector records everything a node emits on its event switch.
type msgCollector struct {
	mtx  sync.Mutex
	msgs []interface{}
}

func collectEvents(cs *State) *msgCollector {
	c := &msgCollector{}
	record := func(data events.EventData) {
		c.mtx.Lock()
		c.msgs = append(c.msgs, data)
		c.mtx.Unlock()
	}
	for _, event := range []string{EventNewPropose, EventNewVote, EventNewStatus, EventSendTo} {
		cs.eventSwitch.AddListenerForEvent("collector", event, record)
	}
	return c
}

func (c *msgCollector) find(match func(interface{}) bool) interface{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, m := range c.msgs {
		if match(m) {
			return m
		}
	}
	return nil
}

func (c *msgCollector) ownPrecommit() *types.Precommit {
	m := c.find(func(m interface{}) bool {
		v, ok := m.(*types.Precommit)
		return ok && v.Validator == 0
	})
	if m == nil {
		return nil
	}
	return m.(*types.Precommit)
}

func (c *msgCollector) sentRequest(kind cstypes.RequestKind) *AddressedMessage {
	m := c.find(func(m interface{}) bool {
		am, ok := m.(AddressedMessage)
		if !ok {
			return false
		}
		switch kind {
		case cstypes.RequestBlock:
			_, ok = am.Msg.(*types.BlockRequest)
		case cstypes.RequestPropose:
			_, ok = am.Msg.(*types.ProposeRequest)
		default:
			_, ok = am.Msg.(*types.TransactionsRequest)
		}
		return ok
	})
	if m == nil {
		return nil
	}
	am := m.(AddressedMessage)
	return &am
}

func (node *consTestNode) inject(t *testing.T, msg types.Message) {
	select {
	case node.cs.peerMsgQueue <- msgInfo{Msg: msg, PeerID: p2p.ID("testpeer")}:
	case <-time.After(5 * time.Second):
		t.Fatalf("node did not accept %v", msg)
	}
}

func signedPropose(t *testing.T, privs []types.PrivValidator, leader types.ValidatorID,
	height types.Height, round types.Round, prevHash []byte, txs types.Txs) *types.Propose {
	propose := types.NewPropose(leader, height, round, prevHash, txs.Hashes())
	require.NoError(t, privs[leader].SignPropose(testChainID, propose))
	return propose
}

func signedPrevote(t *testing.T, privs []types.PrivValidator, id types.ValidatorID,
	height types.Height, round types.Round, proposeHash []byte) *types.Prevote {
	v := types.NewPrevote(id, height, round, proposeHash, types.RoundNone)
	require.NoError(t, privs[id].SignPrevote(testChainID, v))
	return v
}

func signedPrecommit(t *testing.T, privs []types.PrivValidator, id types.ValidatorID,
	height types.Height, round types.Round, proposeHash, blockHash []byte) *types.Precommit {
	v := types.NewPrecommit(id, height, round, proposeHash, blockHash, time.Now())
	require.NoError(t, privs[id].SignPrecommit(testChainID, v))
	return v
}

//----------------------------------------

// A full height on one node: the leader's proposal arrives, prevotes reach a
// quorum, the node locks and precommits, precommits reach a quorum, commit.
func TestQuorumDrivesCommit(t *testing.T) {
	node, privs, collector := newSoloNode(t)
	cs := node.cs

	// height 1, round 1: leader is (1+1)%4 = 2
	propose := signedPropose(t, privs, 2, 1, 1, cs.ChainState().LastBlockHash, nil)
	node.inject(t, propose)

	// the node prevotes for a valid proposal on its own
	require.Eventually(t, func() bool {
		return collector.find(func(m interface{}) bool {
			v, ok := m.(*types.Prevote)
			return ok && v.Validator == 0
		}) != nil
	}, 5*time.Second, 10*time.Millisecond)

	node.inject(t, signedPrevote(t, privs, 1, 1, 1, propose.Hash()))
	node.inject(t, signedPrevote(t, privs, 2, 1, 1, propose.Hash()))

	// quorum of 3 locks the node, which executes and precommits
	require.Eventually(t, func() bool {
		round, hash := cs.Lock()
		return round == 1 && hash != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return collector.ownPrecommit() != nil
	}, 5*time.Second, 10*time.Millisecond)

	blockHash := collector.ownPrecommit().BlockHash
	node.inject(t, signedPrecommit(t, privs, 1, 1, 1, propose.Hash(), blockHash))
	node.inject(t, signedPrecommit(t, privs, 2, 1, 1, propose.Hash(), blockHash))

	require.Eventually(t, func() bool {
		return cs.Height() == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, node.kv.Height())
	assert.Equal(t, []byte(blockHash), node.kv.LoadBlockHash(1))

	// the new height starts unlocked
	round, hash := cs.Lock()
	assert.Equal(t, types.RoundNone, round)
	assert.Nil(t, hash)
}

func TestProposeFromWrongLeaderIgnored(t *testing.T) {
	node, privs, collector := newSoloNode(t)

	// validator 1 is not the leader of (1, 1)
	propose := signedPropose(t, privs, 1, 1, 1, node.cs.ChainState().LastBlockHash, nil)
	node.inject(t, propose)

	time.Sleep(200 * time.Millisecond)
	assert.Nil(t, collector.find(func(m interface{}) bool {
		_, ok := m.(*types.Prevote)
		return ok
	}))
	assert.EqualValues(t, 1, node.cs.Height())
}

func TestDuplicatePrevotesCountOnce(t *testing.T) {
	node, privs, _ := newSoloNode(t)
	cs := node.cs

	propose := signedPropose(t, privs, 2, 1, 1, cs.ChainState().LastBlockHash, nil)
	node.inject(t, propose)

	// one peer repeating itself never makes a quorum
	for i := 0; i < 5; i++ {
		node.inject(t, signedPrevote(t, privs, 1, 1, 1, propose.Hash()))
	}

	time.Sleep(200 * time.Millisecond)
	round, _ := cs.Lock()
	assert.Equal(t, types.RoundNone, round)
}

func TestRoundJumpOnObservedRounds(t *testing.T) {
	node, privs, _ := newSoloNode(t)
	cs := node.cs

	// with n=4 and quorum=3 one straggler is tolerated, so two validators
	// seen at round 5 certify that round 5 is underway
	hash := types.Tx("whatever").Hash()
	node.inject(t, signedPrevote(t, privs, 1, 1, 5, hash))
	assert.EqualValues(t, 1, cs.Round())

	node.inject(t, signedPrevote(t, privs, 3, 1, 5, hash))
	require.Eventually(t, func() bool {
		return cs.Round() == 5
	}, 5*time.Second, 10*time.Millisecond)
}

// A prevote quorum at a higher round moves the lock off the old proposal.
// Until that quorum lands, the node keeps prevoting the proposal it is
// locked on, never the new one.
func TestLockMovesToQuorumAtHigherRound(t *testing.T) {
	node, privs, collector := newSoloNode(t)
	cs := node.cs

	// lock on the round 1 proposal
	pa := signedPropose(t, privs, 2, 1, 1, cs.ChainState().LastBlockHash, nil)
	node.inject(t, pa)
	node.inject(t, signedPrevote(t, privs, 1, 1, 1, pa.Hash()))
	node.inject(t, signedPrevote(t, privs, 2, 1, 1, pa.Hash()))
	require.Eventually(t, func() bool {
		round, hash := cs.Lock()
		return round == 1 && bytes.Equal(hash, pa.Hash())
	}, 5*time.Second, 10*time.Millisecond)

	// round 4 brings a different proposal from that round's leader,
	// (1+4)%4 = 1; two prevotes at round 4 pull the node into the round,
	// the third completes the quorum
	pb := signedPropose(t, privs, 1, 1, 4, cs.ChainState().LastBlockHash, nil)
	node.inject(t, pb)
	node.inject(t, signedPrevote(t, privs, 1, 1, 4, pb.Hash()))
	node.inject(t, signedPrevote(t, privs, 2, 1, 4, pb.Hash()))
	node.inject(t, signedPrevote(t, privs, 3, 1, 4, pb.Hash()))

	require.Eventually(t, func() bool {
		round, hash := cs.Lock()
		return round == 4 && bytes.Equal(hash, pb.Hash())
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 4, cs.Round())

	// the node never cast a prevote for the new proposal; its own round 4
	// prevote went to the old lock before the quorum arrived
	assert.Nil(t, collector.find(func(m interface{}) bool {
		v, ok := m.(*types.Prevote)
		return ok && v.Validator == 0 && bytes.Equal(v.ProposeHash, pb.Hash())
	}))
	ownRound4 := collector.find(func(m interface{}) bool {
		v, ok := m.(*types.Prevote)
		return ok && v.Validator == 0 && v.Round == 4
	})
	require.NotNil(t, ownRound4)
	assert.Equal(t, []byte(pa.Hash()), []byte(ownRound4.(*types.Prevote).ProposeHash))
}

func TestFutureHeightMessagesQueued(t *testing.T) {
	node, privs, _ := newSoloNode(t)

	node.inject(t, signedPrevote(t, privs, 1, 3, 1, types.Tx("x").Hash()))
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, node.cs.Height())
}

func TestStaleRoundTimeoutIsNoop(t *testing.T) {
	node, _, _ := newSoloNode(t)
	cs := node.cs

	before := cs.Round()
	cs.handleTimeout(timeoutInfo{Kind: timeoutRound, Height: 1, Round: before + 3})
	assert.Equal(t, before, cs.Round())
	assert.EqualValues(t, 1, cs.metric.staleRounds.Count())

	// a matching timeout does advance the round
	cs.handleTimeout(timeoutInfo{Kind: timeoutRound, Height: 1, Round: before})
	assert.Equal(t, before+1, cs.Round())
}

func TestStatusFromTallerPeerTriggersBlockRequest(t *testing.T) {
	node, privs, collector := newSoloNode(t)

	st := types.NewStatus(3, 5, types.Tx("head").Hash(), 0)
	sig, err := privs[3].SignBytes(st.SignBytes(testChainID))
	require.NoError(t, err)
	st.Signature = sig
	node.inject(t, st)

	require.Eventually(t, func() bool {
		return collector.sentRequest(cstypes.RequestBlock) != nil
	}, 5*time.Second, 10*time.Millisecond)

	am := collector.sentRequest(cstypes.RequestBlock)
	assert.EqualValues(t, 3, am.To)
	req := am.Msg.(*types.BlockRequest)
	assert.EqualValues(t, 1, req.Height)
	assert.Len(t, req.Signature, types.SignatureSize)
}

func TestPrevoteForUnknownProposeRequestsIt(t *testing.T) {
	node, privs, collector := newSoloNode(t)

	unknown := types.Tx("unseen propose").Hash()
	node.inject(t, signedPrevote(t, privs, 1, 1, 1, unknown))

	require.Eventually(t, func() bool {
		return collector.sentRequest(cstypes.RequestPropose) != nil
	}, 5*time.Second, 10*time.Millisecond)
	am := collector.sentRequest(cstypes.RequestPropose)
	assert.EqualValues(t, 1, am.To)
}

// A block built elsewhere arrives with its certificate and is committed
// without any voting.
func TestBlockResponseSyncCommit(t *testing.T) {
	_, privs := types.RandValidatorSet(4)
	genDoc := newGenesis(t, privs)

	builder := newConsNode(t, genDoc, privs[1], "consensus_sync_builder")
	defer builder.cleanup()
	node := newConsNode(t, genDoc, privs[0], "consensus_sync_node",
		RoundTimeoutOption(time.Minute), ProposeTimeoutOption(time.Minute))
	defer node.cleanup()
	require.NoError(t, node.cs.Start())
	t.Cleanup(func() { _ = node.cs.Stop() })

	// the builder executes an empty height-1 block and certifies it
	bState := builder.cs.ChainState()
	exec := state.NewBlockExec(builder.kv, store.NewKVApp(), builder.mem)
	propose, reaped := exec.CreateProposal(bState, 1, 1, 2)
	block, _, err := exec.ExecutePropose(bState, propose, reaped)
	require.NoError(t, err)

	var precommits [][]byte
	for _, id := range []types.ValidatorID{1, 2, 3} {
		pc := signedPrecommit(t, privs, id, 1, 1, propose.Hash(), block.Hash())
		bz, err := types.EncodeMessage(pc)
		require.NoError(t, err)
		precommits = append(precommits, bz)
	}

	resp := types.NewBlockResponse(1, 0, block, precommits, nil)
	sig, err := privs[1].SignBytes(resp.SignBytes(testChainID))
	require.NoError(t, err)
	resp.Signature = sig
	node.inject(t, resp)

	require.Eventually(t, func() bool {
		return node.cs.Height() == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte(block.Hash()), node.kv.LoadBlockHash(1))
}

//----------------------------------------
// in-process network

// testNet links consensus states through their event switches, replacing the
// p2p layer with buffered channels. Full buffers drop, like a lossy network.
type testNet struct {
	nodes []*consTestNode
	links []chan msgInfo
}

func newTestNet(t *testing.T, nVals int) *testNet {
	_, privs := types.RandValidatorSet(nVals)
	genDoc := newGenesis(t, privs)

	net := &testNet{}
	for i := 0; i < nVals; i++ {
		node := newConsNode(t, genDoc, privs[i],
			fmt.Sprintf("consensus_net_test_%d", i),
			RoundTimeoutOption(300*time.Millisecond),
			ProposeTimeoutOption(20*time.Millisecond))
		net.nodes = append(net.nodes, node)
		net.links = append(net.links, make(chan msgInfo, 4096))
	}

	for i, node := range net.nodes {
		i, cs := i, node.cs
		broadcast := func(data events.EventData) {
			msg := data.(types.Message)
			for j := range net.nodes {
				if j != i {
					net.deliver(j, msg, i)
				}
			}
		}
		for _, event := range []string{EventNewPropose, EventNewVote, EventNewStatus} {
			cs.eventSwitch.AddListenerForEvent("testnet", event, broadcast)
		}
		cs.eventSwitch.AddListenerForEvent("testnet", EventSendTo,
			func(data events.EventData) {
				am := data.(AddressedMessage)
				net.deliver(int(am.To), am.Msg, i)
			})
	}

	for i, node := range net.nodes {
		link, cs := net.links[i], node.cs
		go func() {
			for mi := range link {
				select {
				case cs.peerMsgQueue <- mi:
				case <-cs.Quit():
					return
				}
			}
		}()
	}

	t.Cleanup(func() {
		for _, node := range net.nodes {
			_ = node.cs.Stop()
			node.cleanup()
		}
	})
	return net
}

func (net *testNet) deliver(to int, msg types.Message, from int) {
	if to < 0 || to >= len(net.links) {
		return
	}
	select {
	case net.links[to] <- msgInfo{Msg: msg, PeerID: p2p.ID(fmt.Sprintf("node%d", from))}:
	default:
	}
}

func (net *testNet) start(t *testing.T) {
	for _, node := range net.nodes {
		require.NoError(t, node.cs.Start())
	}
}

func TestNetworkCommitsAndAgrees(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-node consensus test in short mode")
	}

	net := newTestNet(t, 4)
	for _, node := range net.nodes {
		require.NoError(t, node.mem.CheckTx(types.Tx("color=teal"), mempool.TxInfo{}))
	}
	net.start(t)

	require.Eventually(t, func() bool {
		for _, node := range net.nodes {
			if node.cs.Height() < 3 {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond, "network failed to reach height 3")

	// every node committed the same chain
	for h := types.Height(1); h <= 2; h++ {
		want := net.nodes[0].kv.LoadBlockHash(h)
		require.NotNil(t, want)
		for _, node := range net.nodes[1:] {
			assert.Equal(t, want, node.kv.LoadBlockHash(h), "height %d", h)
		}
	}

	// and the transaction took effect everywhere
	for _, node := range net.nodes {
		v, err := node.kv.Get([]byte("color"))
		require.NoError(t, err)
		assert.Equal(t, []byte("teal"), v)
	}
}

func TestNetworkSurvivesSilentNode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-node consensus test in short mode")
	}

	// node 3 never starts; 3 of 4 still clear the quorum of 3
	net := newTestNet(t, 4)
	for _, node := range net.nodes[:3] {
		require.NoError(t, node.mem.CheckTx(types.Tx("up=yes"), mempool.TxInfo{}))
		require.NoError(t, node.cs.Start())
	}

	require.Eventually(t, func() bool {
		for _, node := range net.nodes[:3] {
			if node.cs.Height() < 2 {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond, "degraded network failed to commit")

	want := net.nodes[0].kv.LoadBlockHash(1)
	for _, node := range net.nodes[1:3] {
		assert.Equal(t, want, node.kv.LoadBlockHash(1))
	}
}
