// Package httpmetrics renders taskset counters as OpenMetrics text over
// HTTP: tick rate, idle ratio, trace occupancy, and per-task/per-resource
// counters.
package httpmetrics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
)

const contentType = "application/openmetrics-text; version=1.0.0; charset=utf-8"

var errNilWriter = errors.New("httpmetrics: writer is nil")

// Exporter tracks taskset metrics and renders them as OpenMetrics text.
type Exporter struct {
	mu sync.RWMutex

	state       string
	active      bool
	tickRate    float64
	idleRatio   float64
	traceLen    float64
	traceCap    float64
	traceHalted bool

	jobs           map[int]int64
	deadlineMisses map[int]int64
	resourceHolds  map[int]int64
}

// NewExporter constructs an Exporter with zeroed metrics.
func NewExporter() *Exporter {
	return &Exporter{
		jobs:           make(map[int]int64),
		deadlineMisses: make(map[int]int64),
		resourceHolds:  make(map[int]int64),
	}
}

// SetState records the taskset lifecycle state label and activity flag.
func (e *Exporter) SetState(state string, active bool) {
	if state == "" {
		state = "unknown"
	}

	e.mu.Lock()
	e.state = state
	e.active = active
	e.mu.Unlock()
}

// SetTickRate records the most recently observed ticks-per-second figure.
func (e *Exporter) SetTickRate(rate float64) {
	e.mu.Lock()
	e.tickRate = nonNegative(rate)
	e.mu.Unlock()
}

// SetIdleRatio records the most recent load-estimator idle ratio, in [0,1].
func (e *Exporter) SetIdleRatio(ratio float64) {
	if ratio < 0 {
		ratio = 0
	}

	if ratio > 1 {
		ratio = 1
	}

	e.mu.Lock()
	e.idleRatio = ratio
	e.mu.Unlock()
}

// SetTraceOccupancy records the trace's committed-event count, capacity, and
// halted flag.
func (e *Exporter) SetTraceOccupancy(length, capacity int, halted bool) {
	e.mu.Lock()
	e.traceLen = float64(length)
	e.traceCap = float64(capacity)
	e.traceHalted = halted
	e.mu.Unlock()
}

// SetTaskCounters records a task's cumulative job count and deadline-miss
// count.
func (e *Exporter) SetTaskCounters(taskID int, jobs, deadlineMisses int64) {
	e.mu.Lock()
	e.jobs[taskID] = jobs
	e.deadlineMisses[taskID] = deadlineMisses
	e.mu.Unlock()
}

// IncResourceHold increments the acquisition counter for resourceID.
func (e *Exporter) IncResourceHold(resourceID int) {
	e.mu.Lock()
	e.resourceHolds[resourceID]++
	e.mu.Unlock()
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}

	return v
}

// ServeHTTP implements http.Handler.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	data, err := e.Render()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

// Render returns the current metrics snapshot encoded as OpenMetrics text.
func (e *Exporter) Render() ([]byte, error) {
	var buf bytes.Buffer

	if _, err := e.WriteTo(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// WriteTo writes the current metrics snapshot to dst.
func (e *Exporter) WriteTo(dst io.Writer) (int64, error) {
	if dst == nil {
		return 0, errNilWriter
	}

	snap := e.snapshot()

	activeGauge := 0.0
	if snap.active {
		activeGauge = 1
	}

	haltedGauge := 0.0
	if snap.traceHalted {
		haltedGauge = 1
	}

	lines := []string{
		"# HELP schedtrace_taskset_state Taskset lifecycle state (value 1 for the current state).\n",
		"# TYPE schedtrace_taskset_state gauge\n",
		fmt.Sprintf("schedtrace_taskset_state{state=%q} 1\n", snap.state),
		"# HELP schedtrace_taskset_active Whether the taskset is currently active.\n",
		"# TYPE schedtrace_taskset_active gauge\n",
		fmt.Sprintf("schedtrace_taskset_active %.0f\n", activeGauge),
		"# HELP schedtrace_tick_rate Observed ticks per second.\n",
		"# TYPE schedtrace_tick_rate gauge\n",
		fmt.Sprintf("schedtrace_tick_rate %.6f\n", snap.tickRate),
		"# HELP schedtrace_idle_ratio Fraction of recent ticks spent idle.\n",
		"# TYPE schedtrace_idle_ratio gauge\n",
		fmt.Sprintf("schedtrace_idle_ratio %.6f\n", snap.idleRatio),
		"# HELP schedtrace_trace_occupancy Committed events in the trace buffer.\n",
		"# TYPE schedtrace_trace_occupancy gauge\n",
		fmt.Sprintf("schedtrace_trace_occupancy %.0f\n", snap.traceLen),
		"# HELP schedtrace_trace_capacity Configured trace buffer capacity.\n",
		"# TYPE schedtrace_trace_capacity gauge\n",
		fmt.Sprintf("schedtrace_trace_capacity %.0f\n", snap.traceCap),
		"# HELP schedtrace_trace_halted Whether the trace buffer has halted on overflow.\n",
		"# TYPE schedtrace_trace_halted gauge\n",
		fmt.Sprintf("schedtrace_trace_halted %.0f\n", haltedGauge),
	}

	lines = append(lines, "# HELP schedtrace_task_jobs_total Completed jobs per task.\n", "# TYPE schedtrace_task_jobs_total counter\n")
	for _, id := range snap.taskIDs {
		lines = append(lines, fmt.Sprintf("schedtrace_task_jobs_total{task=\"%d\"} %d\n", id, snap.jobs[id]))
	}

	lines = append(lines, "# HELP schedtrace_task_deadline_misses_total Deadline misses per task.\n", "# TYPE schedtrace_task_deadline_misses_total counter\n")
	for _, id := range snap.taskIDs {
		lines = append(lines, fmt.Sprintf("schedtrace_task_deadline_misses_total{task=\"%d\"} %d\n", id, snap.deadlineMisses[id]))
	}

	lines = append(lines, "# HELP schedtrace_resource_holds_total Resource acquisitions per resource id.\n", "# TYPE schedtrace_resource_holds_total counter\n")
	for _, id := range snap.resourceIDs {
		lines = append(lines, fmt.Sprintf("schedtrace_resource_holds_total{resource=\"%d\"} %d\n", id, snap.resourceHolds[id]))
	}

	lines = append(lines, "# EOF\n")

	var total int64

	for _, line := range lines {
		n, err := io.WriteString(dst, line)

		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("write metrics: %w", err)
		}
	}

	return total, nil
}

type exporterSnapshot struct {
	state       string
	active      bool
	tickRate    float64
	idleRatio   float64
	traceLen    float64
	traceCap    float64
	traceHalted bool

	taskIDs        []int
	jobs           map[int]int64
	deadlineMisses map[int]int64

	resourceIDs   []int
	resourceHolds map[int]int64
}

func (e *Exporter) snapshot() exporterSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	taskIDs := make([]int, 0, len(e.jobs))
	jobs := make(map[int]int64, len(e.jobs))
	deadlineMisses := make(map[int]int64, len(e.deadlineMisses))

	for id := range e.jobs {
		taskIDs = append(taskIDs, id)
		jobs[id] = e.jobs[id]
		deadlineMisses[id] = e.deadlineMisses[id]
	}

	sort.Ints(taskIDs)

	resourceIDs := make([]int, 0, len(e.resourceHolds))
	resourceHolds := make(map[int]int64, len(e.resourceHolds))

	for id := range e.resourceHolds {
		resourceIDs = append(resourceIDs, id)
		resourceHolds[id] = e.resourceHolds[id]
	}

	sort.Ints(resourceIDs)

	return exporterSnapshot{
		state:          e.state,
		active:         e.active,
		tickRate:       e.tickRate,
		idleRatio:      e.idleRatio,
		traceLen:       e.traceLen,
		traceCap:       e.traceCap,
		traceHalted:    e.traceHalted,
		taskIDs:        taskIDs,
		jobs:           jobs,
		deadlineMisses: deadlineMisses,
		resourceIDs:    resourceIDs,
		resourceHolds:  resourceHolds,
	}
}
