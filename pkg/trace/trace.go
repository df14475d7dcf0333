// Package trace implements the bounded, append-only event log at the center
// of the tracer: a fixed-capacity array of events with a "pending"
// (still-accumulating) slot, written exclusively by the producer under the
// taskset's tick lock and readable without that lock by a concurrent
// visualizer, which must tolerate a single torn in-progress event.
package trace

import (
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"schedtrace/pkg/xtime"
)

// Kind enumerates the kinds of observable step a task can take.
type Kind int

const (
	Activation Kind = iota
	Deadline
	Start
	Completion
	Acquire
	Release
	Run
)

// String renders the kind as the sink's uppercase kind name.
func (k Kind) String() string {
	switch k {
	case Activation:
		return "ACTIVATION"
	case Deadline:
		return "DEADLINE"
	case Start:
		return "START"
	case Completion:
		return "COMPLETION"
	case Acquire:
		return "ACQUIRE"
	case Release:
		return "RELEASE"
	case Run:
		return "RUN"
	default:
		return "ERROR-NO_SUCH_EVENT"
	}
}

// IdleTaskID is the sentinel task id used by the idle task.
const IdleTaskID = -1

// Event is an immutable snapshot of one trace slot, safe to copy and hand to
// a reader.
type Event struct {
	Valid  bool
	Kind   Kind
	TaskID int
	ResID  int
	Count  uint32
	Time   xtime.Timestamp
	Tick   uint64
}

// slot is the mutable backing storage for one event. Fields are accessed
// through the atomic package so a lock-free reader never observes a torn
// multi-word write; Valid is always published last by the producer and
// checked first by a reader.
type slot struct {
	valid   atomic.Bool
	kind    atomic.Int32
	taskID  atomic.Int32
	resID   atomic.Int32
	count   atomic.Uint32
	timeSec atomic.Int64
	timeNS  atomic.Int64
	tick    atomic.Uint64
}

func (s *slot) snapshot() Event {
	valid := s.valid.Load()
	if !valid {
		return Event{}
	}

	ev := Event{
		Valid:  true,
		Kind:   Kind(s.kind.Load()),
		TaskID: int(s.taskID.Load()),
		ResID:  int(s.resID.Load()),
		Count:  s.count.Load(),
		Tick:   s.tick.Load(),
		Time:   xtime.FromUnix(s.timeSec.Load(), s.timeNS.Load()),
	}

	// Re-check validity and tick: if the producer began overwriting this
	// slot for a new event while we were reading, Valid may have transiently
	// been false-then-true, but the new event's tick differs; a reader that
	// observes either inconsistency simply treats the event as not present
	// this round.
	if !s.valid.Load() || s.tick.Load() != ev.Tick {
		return Event{}
	}

	return ev
}

func (s *slot) begin(kind Kind, taskID, resID int, tick uint64, now xtime.Timestamp) {
	s.valid.Store(false)
	s.kind.Store(int32(kind))
	s.taskID.Store(int32(taskID))
	s.resID.Store(int32(resID))
	s.count.Store(0)
	s.tick.Store(tick)
	s.timeSec.Store(now.UnixSeconds())
	s.timeNS.Store(now.Nanos())
	s.valid.Store(true) // publish last
}

func (s *slot) matches(kind Kind, taskID, resID int) bool {
	return s.valid.Load() &&
		Kind(s.kind.Load()) == kind &&
		int(s.taskID.Load()) == taskID &&
		int(s.resID.Load()) == resID
}

// Trace is the bounded event log.
type Trace struct {
	events []slot
	length atomic.Int64 // number of committed events

	sink      io.Writer
	flushEach bool
	logger    *zap.Logger

	halted  atomic.Bool
	warned  atomic.Bool
	flusher func() error
}

// New constructs a Trace with the given capacity, emitting committed events
// to sink (may be nil to disable emission). flushEach requests a flush (via
// the optional flusher) after every emitted line.
func New(capacity int, sink io.Writer, flushEach bool, flusher func() error, logger *zap.Logger) *Trace {
	if capacity <= 0 {
		capacity = 10_000
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Trace{
		events:    make([]slot, capacity),
		sink:      sink,
		flushEach: flushEach,
		flusher:   flusher,
		logger:    logger,
	}
}

// Cap returns the trace's fixed capacity.
func (t *Trace) Cap() int {
	return len(t.events)
}

// Len returns the number of committed events (excludes the pending slot).
func (t *Trace) Len() int {
	return int(t.length.Load())
}

// Halted reports whether the trace has stopped accepting new events because
// it is full.
func (t *Trace) Halted() bool {
	return t.halted.Load()
}

// At returns a snapshot of the committed event at index i, or the zero
// Event and false if i is out of [0, Len()).
func (t *Trace) At(i int) (Event, bool) {
	if i < 0 || i >= t.Len() {
		return Event{}, false
	}

	ev := t.events[i].snapshot()

	return ev, ev.Valid
}

// Pending returns a snapshot of the slot currently being accumulated: if no
// event is pending, or the producer is mid-publish, ok is false.
func (t *Trace) Pending() (ev Event, ok bool) {
	idx := int(t.length.Load())
	if idx < 0 || idx >= len(t.events) {
		return Event{}, false
	}

	ev = t.events[idx].snapshot()

	return ev, ev.Valid
}

// pendingSlot returns the slot under accumulation; only the producer (tick
// lock holder) may call this.
func (t *Trace) pendingSlot() *slot {
	idx := int(t.length.Load())
	if idx < 0 || idx >= len(t.events) {
		return nil
	}

	return &t.events[idx]
}

// MatchesPending reports whether the pending event (if any) has the given
// kind/task/resource identity, used by the tick state machine's coalescing
// decision. Caller must hold the tick lock.
func (t *Trace) MatchesPending(kind Kind, taskID, resID int) bool {
	s := t.pendingSlot()
	if s == nil {
		return false
	}

	return s.matches(kind, taskID, resID)
}

// PendingValid reports whether a pending event currently exists. Caller
// must hold the tick lock.
func (t *Trace) PendingValid() bool {
	s := t.pendingSlot()

	return s != nil && s.valid.Load()
}

// ExtendPending increments the pending event's count and returns the new
// count. Caller must hold the tick lock and must have already verified
// coalescing applies.
func (t *Trace) ExtendPending() uint32 {
	s := t.pendingSlot()
	if s == nil {
		return 0
	}

	return s.count.Add(1)
}

// Begin starts a new pending event, first committing any event that was
// already pending. Caller must hold the tick lock. Returns false if the
// trace is halted (full) and no new event was started.
func (t *Trace) Begin(kind Kind, taskID, resID int, tick uint64, now xtime.Timestamp) bool {
	if t.halted.Load() {
		return false
	}

	if t.PendingValid() {
		t.commitLocked()

		if t.halted.Load() {
			return false
		}
	}

	s := t.pendingSlot()
	if s == nil {
		t.haltLocked()

		return false
	}

	s.begin(kind, taskID, resID, tick, now)
	s.count.Store(1)

	return true
}

// commitLocked advances Len past the current pending slot, emitting it to
// the sink first. Caller must hold the tick lock.
func (t *Trace) commitLocked() {
	idx := int(t.length.Load())
	if idx < 0 || idx >= len(t.events) {
		return
	}

	ev := t.events[idx].snapshot()
	t.emit(ev)
	t.length.Add(1)

	if int(t.length.Load()) >= len(t.events) {
		t.haltLocked()
	}
}

func (t *Trace) haltLocked() {
	if t.halted.CompareAndSwap(false, true) {
		t.logger.Warn("trace is full, will stop tracing",
			zap.Int("capacity", len(t.events)))
	}
}

// FlushPending force-commits the pending event, if any, without starting a
// new one. Used during taskset shutdown so the trace ends on a committed
// event.
func (t *Trace) FlushPending() {
	if t.PendingValid() {
		t.commitLocked()
	}
}

func (t *Trace) emit(ev Event) {
	if !ev.Valid {
		return
	}

	line := fmt.Sprintf(
		"TRACE: [%d.%09d][tick=%d] %s task=%d R%d (x%d)\n",
		ev.Time.UnixSeconds(), ev.Time.Nanos(), ev.Tick, ev.Kind, ev.TaskID, ev.ResID, ev.Count,
	)

	t.logger.Debug("trace event",
		zap.Uint64("tick", ev.Tick),
		zap.String("kind", ev.Kind.String()),
		zap.Int("task", ev.TaskID),
		zap.Int("resource", ev.ResID),
		zap.Uint32("count", ev.Count),
	)

	if t.sink == nil {
		return
	}

	_, err := io.WriteString(t.sink, line)
	if err != nil {
		t.logger.Warn("failed to write trace line", zap.Error(err))

		return
	}

	if t.flushEach && t.flusher != nil {
		if err := t.flusher(); err != nil {
			t.logger.Warn("failed to flush trace sink", zap.Error(err))
		}
	}
}
