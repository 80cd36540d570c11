package types

import (
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"bftchain/types"
)

// RequestKind enumerates the data a node can be missing.
type RequestKind uint8

const (
	RequestPropose RequestKind = iota + 1
	RequestProposeTxs
	RequestBlockTxs
	RequestPrevotes
	RequestBlock
)

const (
	proposeRequestTimeout  = 100 * time.Millisecond
	txsRequestTimeout      = 100 * time.Millisecond
	prevotesRequestTimeout = 100 * time.Millisecond
	blockRequestTimeout    = 100 * time.Millisecond
)

// RequestData identifies one outstanding piece of missing data. It doubles as
// the key for the request table, so two handlers missing the same data share
// one retry schedule.
type RequestData struct {
	Kind        RequestKind
	ProposeHash tmbytes.HexBytes
	BlockHash   tmbytes.HexBytes
	Round       types.Round
	Height      types.Height
}

func ProposeRequestData(proposeHash tmbytes.HexBytes) RequestData {
	return RequestData{Kind: RequestPropose, ProposeHash: proposeHash}
}

func ProposeTxsRequestData(proposeHash tmbytes.HexBytes) RequestData {
	return RequestData{Kind: RequestProposeTxs, ProposeHash: proposeHash}
}

func BlockTxsRequestData(blockHash tmbytes.HexBytes) RequestData {
	return RequestData{Kind: RequestBlockTxs, BlockHash: blockHash}
}

func PrevotesRequestData(round types.Round, proposeHash tmbytes.HexBytes) RequestData {
	return RequestData{Kind: RequestPrevotes, Round: round, ProposeHash: proposeHash}
}

func BlockRequestData(height types.Height) RequestData {
	return RequestData{Kind: RequestBlock, Height: height}
}

// Key is the map key form. Fields that do not apply to the kind are zero and
// encode harmlessly.
func (d RequestData) Key() string {
	return fmt.Sprintf("%d/%d/%d/%s/%s", d.Kind, d.Height, d.Round,
		d.ProposeHash.String(), d.BlockHash.String())
}

// Timeout returns how long to wait before retrying with another peer.
func (d RequestData) Timeout() time.Duration {
	switch d.Kind {
	case RequestPropose:
		return proposeRequestTimeout
	case RequestProposeTxs, RequestBlockTxs:
		return txsRequestTimeout
	case RequestPrevotes:
		return prevotesRequestTimeout
	case RequestBlock:
		return blockRequestTimeout
	default:
		return proposeRequestTimeout
	}
}

func (d RequestData) String() string {
	switch d.Kind {
	case RequestPropose:
		return fmt.Sprintf("propose %v", d.ProposeHash)
	case RequestProposeTxs:
		return fmt.Sprintf("txs of propose %v", d.ProposeHash)
	case RequestBlockTxs:
		return fmt.Sprintf("txs of block %v", d.BlockHash)
	case RequestPrevotes:
		return fmt.Sprintf("prevotes %d/%v", d.Round, d.ProposeHash)
	case RequestBlock:
		return fmt.Sprintf("block at %v", d.Height)
	default:
		return fmt.Sprintf("unknown request kind %d", d.Kind)
	}
}

//----------------------------------------
// RequestState

// RequestState tracks retries for one RequestData. Peers known to hold the
// data rotate out as they fail to answer; when none are left the request is
// dropped rather than retried forever.
type RequestState struct {
	Retries int
	peers   map[types.ValidatorID]struct{}
}

func NewRequestState() *RequestState {
	return &RequestState{peers: make(map[types.ValidatorID]struct{})}
}

func (rs *RequestState) AddPeer(id types.ValidatorID) { rs.peers[id] = struct{}{} }

func (rs *RequestState) RemovePeer(id types.ValidatorID) { delete(rs.peers, id) }

func (rs *RequestState) HasPeers() bool { return len(rs.peers) > 0 }

// Peek returns an arbitrary peer believed to hold the data, or false when the
// rotation is exhausted.
func (rs *RequestState) Peek() (types.ValidatorID, bool) {
	for id := range rs.peers {
		return id, true
	}
	return 0, false
}
