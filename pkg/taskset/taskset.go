// Package taskset owns the lifecycle of a whole task set: it builds the
// shared tick/trace/resource state, creates and activates every task plus
// the idle task, and coordinates graceful shutdown.
package taskset

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"schedtrace/pkg/httpstatus"
	"schedtrace/pkg/idle"
	"schedtrace/pkg/options"
	"schedtrace/pkg/resources"
	"schedtrace/pkg/task"
	"schedtrace/pkg/trace"
	"schedtrace/pkg/xtime"
)

// State is one of the taskset's lifecycle states.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateCreated
	StateActive
	StateStopping
	StateStopped
)

// String renders the state for logging and the status HTTP surface.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitialized:
		return "INITIALIZED"
	case StateCreated:
		return "CREATED"
	case StateActive:
		return "ACTIVE"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// TaskSet owns every task, the idle task, and the shared tick/trace/resource
// state. The taskset owns the Task records exclusively; each Task only ever
// sees the shared sub-object, never the TaskSet itself.
type TaskSet struct {
	mu    sync.Mutex
	state State

	shared   *task.Shared
	tasks    []*task.Task
	idleTask *idle.Task

	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a taskset's static structure from parsed specs: it sizes the
// resource table, raises each resource's priority ceiling to the highest
// priority of any task naming it, then constructs every Task and the idle
// task bound to one shared state.
func New(specs []task.Spec, opts options.Options, tr *trace.Trace, logger *zap.Logger) *TaskSet {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(specs) > opts.Limits.MaxTasksetSize {
		logger.Warn("taskset too large, truncating",
			zap.Int("configured", len(specs)), zap.Int("limit", opts.Limits.MaxTasksetSize))
		specs = specs[:opts.Limits.MaxTasksetSize]
	}

	maxResID := 0
	for _, spec := range specs {
		for _, sec := range spec.Sections {
			if sec.ResourceID > maxResID {
				maxResID = sec.ResourceID
			}
		}
	}

	if maxResID > opts.Limits.MaxResources {
		logger.Warn("resource id exceeds configured limit, clamping",
			zap.Int("requested", maxResID), zap.Int("limit", opts.Limits.MaxResources))
		maxResID = opts.Limits.MaxResources
	}

	resSet := resources.NewSet(opts.MutexProtocol, maxResID)

	for _, spec := range specs {
		for _, sec := range spec.Sections {
			if err := resSet.UpdateCeiling(sec.ResourceID, spec.Priority); err != nil {
				logger.Warn("section names an out-of-range resource, skipping ceiling update",
					zap.Int("task", spec.ID), zap.Int("resource", sec.ResourceID), zap.Error(err))
			}
		}
	}

	logger.Info("taskset required resource(s), including dummy R0", zap.Int("count", resSet.Len()))

	shared := task.NewShared(tr, resSet, logger)

	cpu := -1
	if opts.WithAffinity {
		cpu = 0
	}

	tasks := make([]*task.Task, 0, len(specs))
	for _, spec := range specs {
		tasks = append(tasks, task.NewTask(spec, shared, cpu, logger))
	}

	idleTask := idle.New(shared, cpu, opts.IdleRTSched, opts.IdleYield, opts.IdleSleep, logger)

	return &TaskSet{
		state:    StateInitialized,
		shared:   shared,
		tasks:    tasks,
		idleTask: idleTask,
		logger:   logger,
	}
}

// Create starts one goroutine per task (each locked to its own OS thread
// inside task.Task.Run), parked on its activation gate. ctx bounds the whole
// taskset's lifetime; Quit additionally cancels an internal child context to
// unblock any task's absolute sleep early.
func (ts *TaskSet) Create(ctx context.Context) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	ts.ctx = runCtx
	ts.cancel = cancel

	for _, t := range ts.tasks {
		t := t

		ts.wg.Add(1)

		go func() {
			defer ts.wg.Done()

			if err := t.Run(ts.ctx); err != nil {
				ts.logger.Debug("task run loop exited", zap.Int("task", t.Spec.ID), zap.Error(err))
			}
		}()
	}

	ts.state = StateCreated
}

// Activate snapshots t0, seeds the synthetic first idle event, starts the
// idle task's goroutine, then releases every task's activation gate so all
// tasks begin their first period against the same t0.
func (ts *TaskSet) Activate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t0 := xtime.Now()
	ts.shared.SetT0(t0)
	ts.shared.SeedIdleEvent(t0)

	ts.wg.Add(1)

	go func() {
		defer ts.wg.Done()

		if err := ts.idleTask.Run(ts.ctx); err != nil {
			ts.logger.Debug("idle run loop exited", zap.Error(err))
		}
	}()

	for _, t := range ts.tasks {
		t.Activate()
	}

	ts.state = StateActive

	ts.logger.Info("taskset activated", zap.Int("tasks", len(ts.tasks)))
}

// Quit requests every task to stop gracefully, allows a short window for
// idle's in-flight RUN event to keep coalescing while the last tasks wind
// down, then requests idle to stop and cancels the internal context so any
// task currently in its absolute sleep wakes immediately rather than
// waiting out the rest of its period. No section is ever interrupted
// mid-execution by this cancellation.
func (ts *TaskSet) Quit() {
	ts.mu.Lock()
	ts.state = StateStopping
	cancel := ts.cancel
	ts.mu.Unlock()

	for _, t := range ts.tasks {
		t.RequestQuit()
	}

	time.Sleep(time.Millisecond)

	ts.idleTask.RequestQuit()

	if cancel != nil {
		cancel()
	}
}

// Join waits for every task and the idle task to report done, then flushes
// any still-pending trace event so the trace ends on a committed event.
func (ts *TaskSet) Join() {
	ts.wg.Wait()
	ts.shared.Trace().FlushPending()

	ts.mu.Lock()
	ts.state = StateStopped
	ts.mu.Unlock()
}

// IsActive reports whether the taskset has been activated and not yet
// stopped.
func (ts *TaskSet) IsActive() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.state == StateActive
}

// State returns the taskset's current lifecycle state.
func (ts *TaskSet) State() State {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.state
}

// Tasks returns every non-idle task, in the order they were constructed.
func (ts *TaskSet) Tasks() []*task.Task { return ts.tasks }

// Task returns the task with the given id.
func (ts *TaskSet) Task(id int) (*task.Task, error) {
	for _, t := range ts.tasks {
		if t.Spec.ID == id {
			return t, nil
		}
	}

	return nil, task.ErrUnknownTask
}

// IdleTask returns the taskset's idle task.
func (ts *TaskSet) IdleTask() *idle.Task { return ts.idleTask }

// Shared returns the taskset's shared tick/trace/resource state.
func (ts *TaskSet) Shared() *task.Shared { return ts.shared }

// StateLabel implements httpstatus.Controller.
func (ts *TaskSet) StateLabel() string { return ts.State().String() }

// TaskSnapshots implements httpstatus.Controller.
func (ts *TaskSet) TaskSnapshots() []httpstatus.TaskSnapshot {
	snapshots := make([]httpstatus.TaskSnapshot, 0, len(ts.tasks))

	for _, t := range ts.tasks {
		snapshots = append(snapshots, httpstatus.TaskSnapshot{
			ID:             t.Spec.ID,
			Activated:      t.Activated(),
			Done:           t.Done(),
			Jobs:           t.Jobs(),
			DeadlineMisses: t.DeadlineMisses(),
		})
	}

	return snapshots
}

// TraceLen implements httpstatus.Controller.
func (ts *TaskSet) TraceLen() int { return ts.shared.Trace().Len() }

// TraceCap implements httpstatus.Controller.
func (ts *TaskSet) TraceCap() int { return ts.shared.Trace().Cap() }

// TraceHalted implements httpstatus.Controller.
func (ts *TaskSet) TraceHalted() bool { return ts.shared.Trace().Halted() }
