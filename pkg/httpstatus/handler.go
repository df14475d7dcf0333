// Package httpstatus renders taskset lifecycle state as JSON over HTTP, for
// visualizer front ends that poll rather than stream.
package httpstatus

import (
	"encoding/json"
	"net/http"
)

// Controller exposes the taskset facts the status handler renders. It is
// satisfied by *schedtrace/pkg/taskset.TaskSet without that package
// importing this one.
type Controller interface {
	StateLabel() string
	IsActive() bool
	TaskSnapshots() []TaskSnapshot
	TraceLen() int
	TraceCap() int
	TraceHalted() bool
}

// TaskSnapshot is one task's status-relevant counters.
type TaskSnapshot struct {
	ID             int   `json:"id"`
	Activated      bool  `json:"activated"`
	Done           bool  `json:"done"`
	Jobs           int64 `json:"jobs"`
	DeadlineMisses int64 `json:"deadlineMisses"`
}

// Snapshot is the full JSON payload served by Handler.
type Snapshot struct {
	State       string         `json:"state"`
	Active      bool           `json:"active"`
	Tasks       []TaskSnapshot `json:"tasks"`
	TraceLen    int            `json:"traceLen"`
	TraceCap    int            `json:"traceCap"`
	TraceHalted bool           `json:"traceHalted"`
}

// Handler renders a Controller's status as JSON.
type Handler struct {
	controller Controller
}

// NewHandler constructs a Handler over controller.
func NewHandler(controller Controller) *Handler {
	return &Handler{controller: controller}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if h == nil || h.controller == nil {
		http.Error(w, "taskset unavailable", http.StatusServiceUnavailable)

		return
	}

	snapshot := Snapshot{
		State:       h.controller.StateLabel(),
		Active:      h.controller.IsActive(),
		Tasks:       h.controller.TaskSnapshots(),
		TraceLen:    h.controller.TraceLen(),
		TraceCap:    h.controller.TraceCap(),
		TraceHalted: h.controller.TraceHalted(),
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		http.Error(w, "marshal status", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}
