// Package reader implements the visualizer-facing, lock-free read side of
// the trace: time-indexed lookup, range queries, and a periodic CPU-load
// estimator derived from the trace's own idle-vs-busy tick counts.
package reader

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"schedtrace/pkg/bsearch"
	"schedtrace/pkg/trace"
	"schedtrace/pkg/xtime"
)

// Reader is a read-only view over a trace. It never takes the tick lock, so
// it can run at display frame rates without perturbing the producers.
type Reader struct {
	tr *trace.Trace
}

// New constructs a Reader over tr.
func New(tr *trace.Trace) *Reader {
	return &Reader{tr: tr}
}

// Preceding returns the largest committed event index whose time is at or
// before ts, or 0 if there is none, via the generic floor binary search.
func (r *Reader) Preceding(ts xtime.Timestamp) int {
	n := r.tr.Len()
	if n == 0 {
		return 0
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	return bsearch.Floor(indices, func(i int) int64 {
		ev, _ := r.tr.At(i)
		return nanosSinceEpoch(ev.Time)
	}, nanosSinceEpoch(ts))
}

// Range returns every committed event with time in [from, to], plus the
// pending event if it currently falls in that window.
func (r *Reader) Range(from, to xtime.Timestamp) []trace.Event {
	n := r.tr.Len()
	if n == 0 {
		return nil
	}

	start := r.Preceding(from)

	var out []trace.Event

	for i := start; i < n; i++ {
		ev, ok := r.tr.At(i)
		if !ok {
			continue
		}

		if ev.Time.After(to) {
			break
		}

		if ev.Time.Before(from) {
			continue
		}

		out = append(out, ev)
	}

	if pending, ok := r.tr.Pending(); ok && !pending.Time.Before(from) && !pending.Time.After(to) {
		out = append(out, pending)
	}

	return out
}

func nanosSinceEpoch(ts xtime.Timestamp) int64 {
	return ts.UnixSeconds()*1_000_000_000 + ts.Nanos()
}

// Observation is one load-estimator sample.
type Observation struct {
	Timestamp   time.Time
	Utilization float64
	IdleTicks   uint64
	TotalTicks  uint64
	Err         error
}

// Snapshot captures cumulative idle/total RUN-tick counts at a point in
// time.
type Snapshot struct {
	IdleTicks  uint64
	TotalTicks uint64
}

// Source describes an entity capable of reporting idle/total tick counts.
type Source interface {
	Snapshot() (Snapshot, error)
}

// TraceSource derives utilization from a trace's own committed events: the
// ratio of idle-task RUN ticks to all RUN ticks over the trailing Window
// committed events (0 means "the whole trace so far"). There is no
// separate host CPU to sample in this single-CPU-pinned system, so the
// trace itself is the only utilization signal available.
type TraceSource struct {
	Trace  *trace.Trace
	Window int
}

// Snapshot implements Source.
func (s TraceSource) Snapshot() (Snapshot, error) {
	n := s.Trace.Len()

	start := 0
	if s.Window > 0 && n > s.Window {
		start = n - s.Window
	}

	var snap Snapshot

	for i := start; i < n; i++ {
		ev, ok := s.Trace.At(i)
		if !ok || ev.Kind != trace.Run {
			continue
		}

		snap.TotalTicks += uint64(ev.Count)

		if ev.TaskID == trace.IdleTaskID {
			snap.IdleTicks += uint64(ev.Count)
		}
	}

	return snap, nil
}

// DefaultInterval is used when a zero or negative sampling interval is
// supplied to NewLoadEstimator.
const DefaultInterval = time.Second

// ErrEstimatorAlreadyStarted is returned (via the observation stream) if Run
// is called more than once on the same estimator.
var ErrEstimatorAlreadyStarted = errors.New("reader: load estimator already started")

// LoadEstimator periodically samples a Source and publishes utilization
// observations: a replaceable Source, a ticking goroutine, and a channel
// of Observations closed on context cancellation.
type LoadEstimator struct {
	source   Source
	interval time.Duration
	started  atomic.Bool
}

// NewLoadEstimator constructs a LoadEstimator sampling source every
// interval.
func NewLoadEstimator(source Source, interval time.Duration) *LoadEstimator {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &LoadEstimator{source: source, interval: interval}
}

// Run begins sampling until ctx is cancelled. The returned channel is
// closed on exit; calling Run a second time yields a single error
// observation on a channel that is immediately closed.
func (e *LoadEstimator) Run(ctx context.Context) <-chan Observation {
	observations := make(chan Observation, 1)

	if !e.started.CompareAndSwap(false, true) {
		e.publish(ctx, observations, Observation{Timestamp: time.Now(), Err: ErrEstimatorAlreadyStarted})
		close(observations)

		return observations
	}

	go e.loop(ctx, observations)

	return observations
}

func (e *LoadEstimator) loop(ctx context.Context, observations chan<- Observation) {
	defer close(observations)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := e.source.Snapshot()

			obs := Observation{Timestamp: time.Now(), Err: err}

			if err == nil && snap.TotalTicks > 0 {
				obs.IdleTicks = snap.IdleTicks
				obs.TotalTicks = snap.TotalTicks
				obs.Utilization = 1 - float64(snap.IdleTicks)/float64(snap.TotalTicks)
			}

			if !e.publish(ctx, observations, obs) {
				return
			}
		}
	}
}

func (e *LoadEstimator) publish(ctx context.Context, observations chan<- Observation, obs Observation) bool {
	select {
	case observations <- obs:
		return true
	case <-ctx.Done():
		return false
	}
}
