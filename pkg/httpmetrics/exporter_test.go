package httpmetrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"schedtrace/pkg/httpmetrics"
)

func TestRenderIncludesAllMetrics(t *testing.T) {
	t.Parallel()

	e := httpmetrics.NewExporter()
	e.SetState("ACTIVE", true)
	e.SetTickRate(100.5)
	e.SetIdleRatio(0.25)
	e.SetTraceOccupancy(42, 10_000, false)
	e.SetTaskCounters(0, 12, 1)
	e.SetTaskCounters(1, 7, 0)
	e.IncResourceHold(1)
	e.IncResourceHold(1)

	data, err := e.Render()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := string(data)

	for _, want := range []string{
		`schedtrace_taskset_state{state="ACTIVE"} 1`,
		"schedtrace_taskset_active 1",
		"schedtrace_tick_rate 100.500000",
		"schedtrace_idle_ratio 0.250000",
		"schedtrace_trace_occupancy 42",
		"schedtrace_trace_capacity 10000",
		`schedtrace_task_jobs_total{task="0"} 12`,
		`schedtrace_task_deadline_misses_total{task="0"} 1`,
		`schedtrace_resource_holds_total{resource="1"} 2`,
		"# EOF",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestIdleRatioClampedToUnitInterval(t *testing.T) {
	t.Parallel()

	e := httpmetrics.NewExporter()
	e.SetIdleRatio(-5)

	data, _ := e.Render()
	if !strings.Contains(string(data), "schedtrace_idle_ratio 0.000000") {
		t.Fatalf("expected idle ratio clamped to 0, got:\n%s", data)
	}

	e.SetIdleRatio(5)

	data, _ = e.Render()
	if !strings.Contains(string(data), "schedtrace_idle_ratio 1.000000") {
		t.Fatalf("expected idle ratio clamped to 1, got:\n%s", data)
	}
}

func TestServeHTTPSetsContentType(t *testing.T) {
	t.Parallel()

	e := httpmetrics.NewExporter()

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	e.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	if ct := recorder.Header().Get("Content-Type"); !strings.Contains(ct, "openmetrics-text") {
		t.Fatalf("unexpected content type: %q", ct)
	}
}
