package discord

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/internal/utterance"
)

// ReplyStats collects reply latency samples and outcome counters for the
// /voicestatus embed. It keeps a bounded ring buffer of recent latencies
// per response path from which percentiles are computed on demand.
//
// Thread-safe for concurrent use.
type ReplyStats struct {
	mu sync.Mutex

	primary  latencyBuffer
	fallback latencyBuffer

	answered int64
	failed   int64
}

// NewReplyStats creates a ReplyStats with the given window size (maximum
// number of latency samples retained per path).
func NewReplyStats(windowSize int) *ReplyStats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &ReplyStats{
		primary:  newLatencyBuffer(windowSize),
		fallback: newLatencyBuffer(windowSize),
	}
}

// Record adds one orchestrator response. Cancelled replies and empty
// transcripts are not counted.
func (rs *ReplyStats) Record(resp orchestrator.Response) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch r := resp.(type) {
	case orchestrator.AudioResponse:
		rs.answered++
		if r.Path == orchestrator.PathPrimary {
			rs.primary.add(r.Latency)
		} else {
			rs.fallback.add(r.Latency)
		}
	case orchestrator.FailureResponse:
		if r.Reason == orchestrator.ReasonCancelled || r.Reason == orchestrator.ReasonEmptyTranscript {
			return
		}
		rs.failed++
	}
}

// Wrap returns a responder that records every response of next.
func (rs *ReplyStats) Wrap(next session.Responder) session.Responder {
	return session.ResponderFunc(func(ctx context.Context, u *utterance.Utterance) orchestrator.Response {
		resp := next.Handle(ctx, u)
		rs.Record(resp)
		return resp
	})
}

// LatencyPercentiles holds p50 and p95 values for a response path.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// ReplySnapshot is a point-in-time view of [ReplyStats].
type ReplySnapshot struct {
	Primary  LatencyPercentiles
	Fallback LatencyPercentiles
	Answered int64
	Failed   int64
}

// Snapshot returns a point-in-time view of all reply statistics.
func (rs *ReplyStats) Snapshot() ReplySnapshot {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return ReplySnapshot{
		Primary:  rs.primary.percentiles(),
		Fallback: rs.fallback.percentiles(),
		Answered: rs.answered,
		Failed:   rs.failed,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) of a sorted
// slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
