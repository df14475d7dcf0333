package task

import (
	"bytes"
	"context"
	"testing"
	"time"

	"schedtrace/pkg/options"
	"schedtrace/pkg/resources"
	"schedtrace/pkg/trace"
	"schedtrace/pkg/xtime"
)

func newTestShared(t *testing.T, traceSize int) *Shared {
	t.Helper()

	tr := trace.New(traceSize, &bytes.Buffer{}, false, nil, nil)
	res := resources.NewSet(options.ProtocolNone, 2)

	return NewShared(tr, res, nil)
}

func TestTickPPCoalescesConsecutiveRun(t *testing.T) {
	t.Parallel()

	s := newTestShared(t, 100)

	var lastTick uint64

	s.TickPP(1, 0, trace.Run, &lastTick)
	s.TickPP(1, 0, trace.Run, &lastTick)
	s.TickPP(1, 0, trace.Run, &lastTick)

	ev, ok := s.Trace().Pending()
	if !ok {
		t.Fatalf("expected a pending event")
	}

	if ev.Count != 3 {
		t.Fatalf("expected coalesced count 3, got %d", ev.Count)
	}

	// The tick starts at 1 and advances once per call.
	if s.Tick() != 4 {
		t.Fatalf("expected tick 4 after three steps, got %d", s.Tick())
	}
}

func TestTickPPStartsNewEventOnKindChange(t *testing.T) {
	t.Parallel()

	s := newTestShared(t, 100)

	var lastTick uint64

	s.TickPP(1, 0, trace.Acquire, &lastTick)
	s.TickPP(1, 0, trace.Run, &lastTick)
	s.TickPP(1, 0, trace.Run, &lastTick)

	if s.Trace().Len() != 1 {
		t.Fatalf("expected the ACQUIRE event to have committed, len=%d", s.Trace().Len())
	}

	ev, ok := s.Trace().Pending()
	if !ok {
		t.Fatalf("expected a pending RUN event")
	}

	if ev.Kind != trace.Run || ev.Count != 2 {
		t.Fatalf("expected pending RUN x2, got %+v", ev)
	}
}

func TestTickPPStartsNewEventOnTaskChange(t *testing.T) {
	t.Parallel()

	s := newTestShared(t, 100)

	var lastA, lastB uint64

	s.TickPP(1, 0, trace.Run, &lastA)
	s.TickPP(2, 0, trace.Run, &lastB)

	if s.Trace().Len() != 1 {
		t.Fatalf("expected task switch to commit the first event, len=%d", s.Trace().Len())
	}

	ev, ok := s.Trace().Pending()
	if !ok || ev.TaskID != 2 {
		t.Fatalf("expected pending event for task 2, got %+v ok=%v", ev, ok)
	}
}

func TestTickAdvancesAfterTraceHalts(t *testing.T) {
	t.Parallel()

	s := newTestShared(t, 2)

	var lastA, lastB uint64

	s.TickPP(1, 0, trace.Run, &lastA)
	s.TickPP(2, 0, trace.Run, &lastB) // commits event 0
	s.TickPP(1, 0, trace.Run, &lastA) // commits event 1, fills capacity

	if !s.Trace().Halted() {
		t.Fatalf("expected trace to be halted at capacity")
	}

	if s.Trace().Len() != 2 {
		t.Fatalf("expected exactly 2 committed events, got %d", s.Trace().Len())
	}

	before := s.Tick()
	s.TickPP(2, 0, trace.Run, &lastB)

	if s.Tick() != before+1 {
		t.Fatalf("expected tick to keep advancing after halt, got %d -> %d", before, s.Tick())
	}

	if s.Trace().Len() != 2 {
		t.Fatalf("expected no further commits after halt, got %d", s.Trace().Len())
	}
}

func TestSampleWorkZeroDeviationIsDeterministic(t *testing.T) {
	t.Parallel()

	for i := 0; i < 10; i++ {
		if got := sampleWork(42, 0); got != 42 {
			t.Fatalf("expected deterministic work count 42, got %d", got)
		}
	}
}

func TestSampleWorkNeverNegative(t *testing.T) {
	t.Parallel()

	for i := 0; i < 1000; i++ {
		if got := sampleWork(1, 1000); got > 1_000_000 {
			t.Fatalf("sampleWork returned implausibly large value: %d", got)
		}
	}
}

func TestTaskRunExecutesSectionsAndStopsOnQuit(t *testing.T) {
	t.Parallel()

	s := newTestShared(t, 1000)
	s.SetT0(xtime.Now())

	spec := Spec{
		ID:         0,
		PeriodMS:   5,
		DeadlineMS: 5,
		Priority:   10,
		Sections: []Section{
			{ResourceID: 0, WorkAvg: 10, WorkDev: 0},
		},
	}

	tsk := NewTask(spec, s, -1, nil)
	tsk.Activate()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- tsk.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	tsk.RequestQuit()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not stop after RequestQuit")
	}

	if !tsk.Done() {
		t.Fatalf("expected task to report done")
	}

	if tsk.Jobs() == 0 {
		t.Fatalf("expected at least one job to have executed")
	}

	if s.Trace().Len() == 0 && !s.Trace().Halted() {
		if _, ok := s.Trace().Pending(); !ok {
			t.Fatalf("expected some trace activity from the task's run")
		}
	}
}
