package consensus

import (
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	cstypes "bftchain/consensus/types"
	"bftchain/types"
)

type timeoutKind uint8

const (
	timeoutRound timeoutKind = iota + 1
	timeoutPropose
	timeoutRequest
	timeoutStatus
	timeoutPeerExchange
)

func (k timeoutKind) String() string {
	switch k {
	case timeoutRound:
		return "round"
	case timeoutPropose:
		return "propose"
	case timeoutRequest:
		return "request"
	case timeoutStatus:
		return "status"
	case timeoutPeerExchange:
		return "peer-exchange"
	default:
		return fmt.Sprintf("kind-%d", k)
	}
}

// timeoutInfo is one scheduled wakeup. Height and Round pin round and propose
// timeouts to the state they were scheduled for; the handlers ignore a firing
// whose pin no longer matches. Request timeouts carry the request and the
// peer that was asked.
type timeoutInfo struct {
	Duration time.Duration
	Height   types.Height
	Round    types.Round
	Kind     timeoutKind

	Request cstypes.RequestData
	Peer    types.ValidatorID
}

// key picks the replacement bucket. Scheduling a timeout supersedes any
// pending one with the same key, so a round timeout rescheduled after a round
// jump silently cancels the stale one. Requests each get their own bucket.
func (ti timeoutInfo) key() string {
	if ti.Kind == timeoutRequest {
		return "request/" + ti.Request.Key()
	}
	return ti.Kind.String()
}

func (ti timeoutInfo) String() string {
	return fmt.Sprintf("%v (%v) %v/%v", ti.Kind, ti.Duration, ti.Height, ti.Round)
}

// TimeoutTicker schedules wakeups for the consensus routine. All pending
// timeouts funnel into one Chan; a newly scheduled timeout replaces the
// pending one with the same key.
type TimeoutTicker interface {
	Start() error
	Stop() error
	Chan() <-chan timeoutInfo
	ScheduleTimeout(ti timeoutInfo)
	SetLogger(log.Logger)
}

type firedTimeout struct {
	key string
	gen uint64
	ti  timeoutInfo
}

type timeoutTicker struct {
	service.BaseService

	scheduleCh chan timeoutInfo
	fireCh     chan firedTimeout
	tockCh     chan timeoutInfo
}

func NewTimeoutTicker() TimeoutTicker {
	tt := &timeoutTicker{
		scheduleCh: make(chan timeoutInfo, 10),
		fireCh:     make(chan firedTimeout, 10),
		tockCh:     make(chan timeoutInfo, 10),
	}
	tt.BaseService = *service.NewBaseService(nil, "TimeoutTicker", tt)
	return tt
}

func (tt *timeoutTicker) OnStart() error {
	go tt.timeoutRoutine()
	return nil
}

func (tt *timeoutTicker) OnStop() {}

func (tt *timeoutTicker) Chan() <-chan timeoutInfo { return tt.tockCh }

// ScheduleTimeout asks for a wakeup after ti.Duration. Non-blocking for the
// consensus routine as long as the schedule buffer has room.
func (tt *timeoutTicker) ScheduleTimeout(ti timeoutInfo) {
	select {
	case tt.scheduleCh <- ti:
	case <-tt.Quit():
	}
}

// timeoutRoutine owns the timer table. Every schedule bumps the generation of
// its key; a timer that fires with an old generation was superseded and is
// dropped here, before the consensus routine ever sees it.
func (tt *timeoutTicker) timeoutRoutine() {
	gens := make(map[string]uint64)
	for {
		select {
		case ti := <-tt.scheduleCh:
			key := ti.key()
			gens[key]++
			gen := gens[key]
			tt.Logger.Debug("scheduled timeout", "timeout", ti)
			time.AfterFunc(ti.Duration, func() {
				select {
				case tt.fireCh <- firedTimeout{key, gen, ti}:
				case <-tt.Quit():
				}
			})

		case fired := <-tt.fireCh:
			if gens[fired.key] != fired.gen {
				tt.Logger.Debug("dropping superseded timeout", "timeout", fired.ti)
				continue
			}
			delete(gens, fired.key)
			select {
			case tt.tockCh <- fired.ti:
			case <-tt.Quit():
				return
			}

		case <-tt.Quit():
			return
		}
	}
}
