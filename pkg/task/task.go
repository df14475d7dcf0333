// Package task implements one periodic task: its specification, the shared
// tick/trace/resource state every task touches, and the run loop over
// critical sections.
package task

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"schedtrace/internal/sched"
	"schedtrace/pkg/periodic"
	"schedtrace/pkg/resources"
	"schedtrace/pkg/trace"
	"schedtrace/pkg/xtime"
)

// Section is one critical section of a task: a resource to hold (0 = none)
// and a gaussian-distributed amount of work to do while holding it.
type Section struct {
	ResourceID int
	WorkAvg    uint64
	WorkDev    uint64
}

// Spec describes one periodic task, produced by parsing the task-definition
// grammar.
type Spec struct {
	ID         int
	PeriodMS   uint64
	DeadlineMS uint64
	Priority   int
	PhaseMS    uint64
	Sections   []Section
}

// Shared is the state every task in a set touches on every step: the tick
// counter, the tick lock, the trace, and the resource table. It lives here
// rather than in pkg/taskset so that pkg/taskset, which owns the Task
// records, can import this package without an import cycle. Every Task and
// the idle task hold the same *Shared, never a pointer to the taskset
// itself.
type Shared struct {
	mu        sync.Mutex
	tick      uint64
	t0        xtime.Timestamp
	trace     *trace.Trace
	resources *resources.Set
	logger    *zap.Logger
}

// NewShared constructs the shared state with the tick counter starting at 1.
func NewShared(tr *trace.Trace, res *resources.Set, logger *zap.Logger) *Shared {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Shared{tick: 1, trace: tr, resources: res, logger: logger}
}

// Trace returns the owned trace, for readers and the taskset controller.
func (s *Shared) Trace() *trace.Trace { return s.trace }

// Resources returns the owned resource table.
func (s *Shared) Resources() *resources.Set { return s.resources }

// Tick returns the current tick value.
func (s *Shared) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tick
}

// SetT0 records the taskset's activation instant. Called exactly once, by
// the taskset controller, before any task's activation gate is released.
func (s *Shared) SetT0(t0 xtime.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.t0 = t0
}

// T0 returns the taskset's activation instant.
func (s *Shared) T0() xtime.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.t0
}

// TickPP is the heart of the tracer: called by task code on every atomic
// step, it either extends the pending trace event (if the same task is doing
// the same thing immediately after its own last step) or closes it and
// starts a new one, then advances the tick unconditionally. Every call
// records the post-increment tick in lastTick, so on the next call the
// shared tick still equals lastTick exactly when no other task stepped in
// between; any intervening step advances the shared tick past it. Comparing
// the two therefore detects a context switch without consulting any other
// task's state. lastTick is the calling task's own last-observed tick,
// updated in place; it is never touched by any other goroutine, so no
// synchronization beyond Shared's own lock is required on it.
func (s *Shared) TickPP(taskID, resID int, kind trace.Kind, lastTick *uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coalesce := kind == trace.Run &&
		s.trace.MatchesPending(kind, taskID, resID) &&
		*lastTick == s.tick

	newTick := s.tick + 1

	if coalesce {
		s.trace.ExtendPending()
	} else {
		s.trace.Begin(kind, taskID, resID, newTick, xtime.Now())
	}

	s.tick = newTick
	*lastTick = s.tick
}

// SeedIdleEvent installs the synthetic first pending event (RUN, task=-1,
// res=0, count=1, tick=1, time=t0) at activation time, so the trace opens on
// an idle stretch even before the idle thread gets scheduled. It does not
// itself advance the tick: the seed absorbs the initial tick value 1, and
// the first real TickPP call (the idle task's included, since its private
// last-tick starts at zero) commits it and begins its own event at tick 2.
func (s *Shared) SeedIdleEvent(t0 xtime.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trace.Begin(trace.Run, trace.IdleTaskID, 0, s.tick, t0)
}

// Task is one periodic task's runtime state.
type Task struct {
	Spec Spec

	shared      *Shared
	affinityCPU int // -1 disables affinity

	logger *zap.Logger

	gate     chan struct{}
	gateOnce sync.Once

	activated atomic.Bool
	quit      atomic.Bool
	done      atomic.Bool

	deadlineMisses atomic.Int64
	jobs           atomic.Int64
	lastTick       uint64
}

// NewTask constructs a task bound to the given shared state. affinityCPU
// pins the task's real thread to that CPU when >= 0; pass -1 to disable.
func NewTask(spec Spec, shared *Shared, affinityCPU int, logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Task{
		Spec:        spec,
		shared:      shared,
		affinityCPU: affinityCPU,
		logger:      logger.With(zap.Int("task", spec.ID)),
		gate:        make(chan struct{}),
	}
}

// Activate releases the task's activation gate. Safe to call more than
// once; only the first call has any effect.
func (t *Task) Activate() {
	t.gateOnce.Do(func() { close(t.gate) })
}

// RequestQuit asks the task to stop gracefully; it is observed once per
// period, never mid-section.
func (t *Task) RequestQuit() {
	t.quit.Store(true)
}

// Activated reports whether the task has passed its activation gate.
func (t *Task) Activated() bool { return t.activated.Load() }

// Done reports whether the task's run loop has exited.
func (t *Task) Done() bool { return t.done.Load() }

// DeadlineMisses returns the number of periods completed past their
// deadline.
func (t *Task) DeadlineMisses() int64 { return t.deadlineMisses.Load() }

// Jobs returns the number of activations executed so far.
func (t *Task) Jobs() int64 { return t.jobs.Load() }

// Run is the task's thread body. It locks the calling goroutine to its OS
// thread, applies the configured scheduling policy and affinity, waits for
// activation, then loops running the task body and sleeping to the next
// period until RequestQuit is observed or ctx is cancelled. ctx cancellation
// unblocks an in-progress absolute sleep early; it never interrupts a
// running section.
func (t *Task) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := sched.Self()

	if err := sched.SetPolicy(tid, sched.PolicyRR, t.Spec.Priority); err != nil {
		t.logger.Warn("failed to apply scheduling policy", zap.Error(err))
	}

	if t.affinityCPU >= 0 {
		if err := sched.SetAffinity(tid, t.affinityCPU); err != nil {
			t.logger.Warn("failed to apply cpu affinity", zap.Error(err))
		}
	}

	select {
	case <-t.gate:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.activated.Store(true)
	t.logger.Info("activated")

	var clock periodic.Clock
	clock.SetPeriod(t.shared.T0(),
		xtime.MillisToDuration(t.Spec.PeriodMS),
		xtime.MillisToDuration(t.Spec.DeadlineMS),
		xtime.MillisToDuration(t.Spec.PhaseMS))

	for !t.quit.Load() {
		t.runBody(tid)
		t.jobs.Add(1)

		// Checked at job completion, before WaitForPeriod moves the clock's
		// deadline on to the next job's.
		if clock.DeadlineMiss(xtime.Now()) {
			n := t.deadlineMisses.Add(1)
			t.logger.Info("deadline miss", zap.Int64("total", n))
		}

		if err := clock.WaitForPeriod(ctx); err != nil {
			break
		}
	}

	t.done.Store(true)

	return nil
}

// runBody executes one activation's sequence of sections. Resources are
// acquired and released outside the tick lock, and the matching
// ACQUIRE/RELEASE events logged afterwards under it, so the lock order
// resource mutex -> tick lock holds everywhere.
func (t *Task) runBody(tid int) {
	t.logger.Debug("starting job", zap.Int64("job", t.jobs.Load()))

	for _, sec := range t.Spec.Sections {
		res, err := t.shared.Resources().Get(sec.ResourceID)
		if err != nil {
			t.logger.Warn("skipping section with unknown resource", zap.Int("resource", sec.ResourceID), zap.Error(err))
			continue
		}

		res.Acquire(tid, t.Spec.Priority, t.logger)
		t.shared.TickPP(t.Spec.ID, sec.ResourceID, trace.Acquire, &t.lastTick)

		for i := uint64(0); i < sampleWork(sec.WorkAvg, sec.WorkDev); i++ {
			t.shared.TickPP(t.Spec.ID, sec.ResourceID, trace.Run, &t.lastTick)
		}

		res.Release(tid, t.Spec.Priority, t.logger)
		t.shared.TickPP(t.Spec.ID, sec.ResourceID, trace.Release, &t.lastTick)
	}
}

// sampleWork draws a gaussian-distributed work count, clamped at zero. A
// zero deviation is treated as a deterministic work count, avoiding a wasted
// draw from the source in the (common) fixed-workload case.
func sampleWork(avg, dev uint64) uint64 {
	if dev == 0 {
		return avg
	}

	v := float64(avg) + rand.NormFloat64()*float64(dev)
	if v < 0 {
		return 0
	}

	return uint64(math.Round(v))
}

// ErrUnknownTask is returned by taskset lookups for an id outside the
// configured set.
var ErrUnknownTask = fmt.Errorf("task: unknown task id")
