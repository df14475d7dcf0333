// Package idle implements the lowest-priority "always runnable" task: its
// execution is what marks CPU idleness in the trace.
package idle

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"schedtrace/internal/sched"
	"schedtrace/pkg/task"
	"schedtrace/pkg/trace"
)

// Priority is the idle task's real-time priority when idle_rt_sched is
// enabled: the lowest valid real-time priority, below any normal task.
const Priority = 1

// Task is the idle task's runtime state. Unlike task.Task it has no period,
// no sections, and no activation gate: the taskset controller starts its
// goroutine directly from Activate, and it is the last thread asked to
// quit.
type Task struct {
	shared      *task.Shared
	affinityCPU int
	rtSched     bool
	yield       bool
	sleep       bool

	logger *zap.Logger

	quit atomic.Bool
	done atomic.Bool

	lastTick uint64
}

// New constructs the idle task. affinityCPU pins its thread when >= 0;
// rtSched gives it a real-time scheduling class; yield/sleep control the
// per-iteration idle_yield/idle_sleep hints.
func New(shared *task.Shared, affinityCPU int, rtSched, yield, sleep bool, logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Task{
		shared:      shared,
		affinityCPU: affinityCPU,
		rtSched:     rtSched,
		yield:       yield,
		sleep:       sleep,
		logger:      logger.With(zap.String("task", "idle")),
	}
}

// RequestQuit asks the idle task to stop gracefully.
func (t *Task) RequestQuit() { t.quit.Store(true) }

// Done reports whether the idle task's loop has exited.
func (t *Task) Done() bool { return t.done.Load() }

// Run is the idle body: a tight loop that logs one RUN step per iteration,
// then optionally yields and/or sleeps a nanosecond, according to the
// configured hints.
func (t *Task) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := sched.Self()

	if t.rtSched {
		if err := sched.SetPolicy(tid, sched.PolicyRR, Priority); err != nil {
			t.logger.Warn("failed to apply idle scheduling policy", zap.Error(err))
		}
	}

	if t.affinityCPU >= 0 {
		if err := sched.SetAffinity(tid, t.affinityCPU); err != nil {
			t.logger.Warn("failed to apply idle cpu affinity", zap.Error(err))
		}
	}

	t.logger.Info("idle task started")

	for !t.quit.Load() {
		select {
		case <-ctx.Done():
			t.done.Store(true)
			return ctx.Err()
		default:
		}

		t.shared.TickPP(trace.IdleTaskID, 0, trace.Run, &t.lastTick)

		if t.yield {
			runtime.Gosched()
		}

		if t.sleep {
			time.Sleep(time.Nanosecond)
		}
	}

	t.done.Store(true)

	return nil
}
