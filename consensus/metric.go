package consensus

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	gometrics "github.com/rcrowley/go-metrics"

	"bftchain/types"
)

// consensusMetric is the consensus entry of the node's metric set. The
// counters are written from the consensus routine and read from RPC, so
// everything numeric sits in go-metrics containers.
type consensusMetric struct {
	height      gometrics.Gauge
	round       gometrics.Gauge
	lockedRound gometrics.Gauge

	commits     gometrics.Counter
	commitTime  gometrics.Timer
	stalls      gometrics.Counter
	conflicts   gometrics.Counter
	staleRounds gometrics.Counter
}

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		height:      gometrics.NewGauge(),
		round:       gometrics.NewGauge(),
		lockedRound: gometrics.NewGauge(),
		commits:     gometrics.NewCounter(),
		commitTime:  gometrics.NewTimer(),
		stalls:      gometrics.NewCounter(),
		conflicts:   gometrics.NewCounter(),
		staleRounds: gometrics.NewCounter(),
	}
}

func (cm *consensusMetric) MarkRound(height types.Height, round types.Round, lockedRound types.Round) {
	cm.height.Update(height.Int64())
	cm.round.Update(int64(round))
	cm.lockedRound.Update(int64(lockedRound))
}

// MarkCommit records a committed block and how long its height took.
func (cm *consensusMetric) MarkCommit(heightStart time.Time) {
	cm.commits.Inc(1)
	cm.commitTime.UpdateSince(heightStart)
}

// MarkStall counts a request whose peer rotation ran out.
func (cm *consensusMetric) MarkStall() { cm.stalls.Inc(1) }

// MarkConflict counts observed conflicting precommits. Byzantine evidence,
// recorded but not acted on.
func (cm *consensusMetric) MarkConflict() { cm.conflicts.Inc(1) }

func (cm *consensusMetric) MarkStaleRound() { cm.staleRounds.Inc(1) }

type consensusMetricSnapshot struct {
	Height      int64 `json:"height"`
	Round       int64 `json:"round"`
	LockedRound int64 `json:"locked_round"`

	Commits          int64   `json:"committed_blocks"`
	CommitMeanMs     float64 `json:"commit_mean_ms"`
	Commit95Ms       float64 `json:"commit_p95_ms"`
	StalledRequests  int64   `json:"stalled_requests"`
	ConflictingVotes int64   `json:"conflicting_precommits"`
	StaleRounds      int64   `json:"stale_round_timeouts"`
}

func (cm *consensusMetric) JSONString() string {
	t := cm.commitTime.Snapshot()
	snap := consensusMetricSnapshot{
		Height:           cm.height.Value(),
		Round:            cm.round.Value(),
		LockedRound:      cm.lockedRound.Value(),
		Commits:          cm.commits.Count(),
		CommitMeanMs:     t.Mean() / float64(time.Millisecond),
		Commit95Ms:       t.Percentile(0.95) / float64(time.Millisecond),
		StalledRequests:  cm.stalls.Count(),
		ConflictingVotes: cm.conflicts.Count(),
		StaleRounds:      cm.staleRounds.Count(),
	}
	s, _ := jsoniter.MarshalToString(snap)
	return s
}
