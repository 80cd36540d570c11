package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/p2p"

	"bftchain/types"
)

const (
	// ConsensusChannel carries every consensus wire frame. 0x20 belongs to
	// the mempool reactor.
	ConsensusChannel = byte(0x21)

	maxMsgSize = 1048576 // 1MB
)

// Events fired by the consensus state on its event switch. The reactor turns
// the first three into broadcasts and the last one into a directed send.
const (
	EventNewPropose = "NewPropose"
	EventNewVote    = "NewVote"
	EventNewStatus  = "NewStatus"
	EventSendTo     = "SendTo"
)

// AddressedMessage is the payload of EventSendTo.
type AddressedMessage struct {
	To  types.ValidatorID
	Msg types.Message
}

// Reactor moves consensus messages between the p2p switch and the state
// machine. Incoming frames are decoded and signature-checked here, on the
// peer's receive goroutine, so the state machine only ever sees authenticated
// messages.
type Reactor struct {
	p2p.BaseReactor

	consensus *State

	peers *cmap.CMap

	// validator ID -> p2p.ID, learned from verified message authors. A miss
	// degrades a directed send into a broadcast.
	valPeers *cmap.CMap
}

func NewReactor(consensus *State) *Reactor {
	conR := &Reactor{
		consensus: consensus,
		peers:     cmap.NewCMap(),
		valPeers:  cmap.NewCMap(),
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)
	return conR
}

func (conR *Reactor) OnStart() error {
	conR.subscribeToBroadcastEvents()
	if err := conR.consensus.Start(); err != nil {
		return err
	}
	return nil
}

func (conR *Reactor) OnStop() {
	if err := conR.consensus.Stop(); err != nil {
		conR.Logger.Error("failed to stop consensus state", "err", err)
	}
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                 ConsensusChannel,
			Priority:           10,
			SendQueueCapacity:  100,
			RecvBufferCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.peers.Set(string(peer.ID()), peer)

	// greet the peer with our status so a lagging node starts pulling
	// blocks right away
	if st := conR.consensus.StatusMessage(); st != nil {
		if bz, err := types.EncodeMessage(st); err == nil {
			peer.Send(ConsensusChannel, bz)
		}
	}
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.peers.Delete(string(peer.ID()))
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", msgBytes)
		return
	}
	if chID != ConsensusChannel {
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
		return
	}

	msg, err := types.DecodeMessage(msgBytes)
	if err != nil {
		conR.Logger.Error("malformed consensus frame", "src", src.ID(), "err", err)
		return
	}
	if err := msg.ValidateBasic(); err != nil {
		conR.Logger.Error("invalid consensus message", "src", src.ID(), "msg", msg, "err", err)
		return
	}

	_, val := conR.consensus.Validators().GetByIndex(msg.Author())
	if val == nil {
		conR.Logger.Error("message from unknown validator",
			"src", src.ID(), "author", msg.Author())
		return
	}
	chainID := conR.consensus.ChainState().ChainID
	if err := types.VerifyMessage(chainID, val.PubKey, msg); err != nil {
		conR.Logger.Error("message signature rejected",
			"src", src.ID(), "author", msg.Author(), "err", err)
		return
	}

	conR.valPeers.Set(fmt.Sprintf("%d", msg.Author()), src.ID())

	conR.Logger.Debug("received consensus message", "src", src.ID(), "msg", msg)
	select {
	case conR.consensus.peerMsgQueue <- msgInfo{Msg: msg, PeerID: src.ID()}:
	case <-conR.consensus.Quit():
	}
}

// subscribeToBroadcastEvents wires the state machine's outbound events to the
// switch. The state already verified or signed everything it emits.
func (conR *Reactor) subscribeToBroadcastEvents() {
	const subscriber = "consensus-reactor"

	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewPropose,
		func(data events.EventData) {
			conR.broadcast(data.(types.Message))
		})
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewVote,
		func(data events.EventData) {
			conR.broadcast(data.(types.Message))
		})
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventNewStatus,
		func(data events.EventData) {
			conR.broadcast(data.(types.Message))
		})
	conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventSendTo,
		func(data events.EventData) {
			am := data.(AddressedMessage)
			conR.sendTo(am.To, am.Msg)
		})
}

func (conR *Reactor) broadcast(msg types.Message) {
	bz, err := types.EncodeMessage(msg)
	if err != nil {
		conR.Logger.Error("encoding outbound message failed", "msg", msg, "err", err)
		return
	}
	conR.Switch.Broadcast(ConsensusChannel, bz)
}

// sendTo delivers a message to the peer last seen speaking for the validator,
// falling back to a broadcast when no such peer is connected. Every message
// carries its recipient, so extra receivers simply drop it.
func (conR *Reactor) sendTo(to types.ValidatorID, msg types.Message) {
	bz, err := types.EncodeMessage(msg)
	if err != nil {
		conR.Logger.Error("encoding outbound message failed", "msg", msg, "err", err)
		return
	}

	if pid, ok := conR.valPeers.Get(fmt.Sprintf("%d", to)).(p2p.ID); ok {
		if peer, ok := conR.peers.Get(string(pid)).(p2p.Peer); ok && peer.IsRunning() {
			if peer.TrySend(ConsensusChannel, bz) {
				return
			}
		}
	}
	conR.Switch.Broadcast(ConsensusChannel, bz)
}
