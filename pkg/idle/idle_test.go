package idle

import (
	"bytes"
	"context"
	"testing"
	"time"

	"schedtrace/pkg/options"
	"schedtrace/pkg/resources"
	"schedtrace/pkg/task"
	"schedtrace/pkg/trace"
)

func TestIdleRunsUntilQuit(t *testing.T) {
	t.Parallel()

	tr := trace.New(1000, &bytes.Buffer{}, false, nil, nil)
	res := resources.NewSet(options.ProtocolNone, 1)
	shared := task.NewShared(tr, res, nil)

	it := New(shared, -1, false, true, false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- it.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	it.RequestQuit()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("idle task did not stop after RequestQuit")
	}

	if !it.Done() {
		t.Fatalf("expected idle task to report done")
	}

	if shared.Tick() <= 1 {
		t.Fatalf("expected idle loop to have advanced the tick, got %d", shared.Tick())
	}
}

func TestIdleRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	tr := trace.New(1000, &bytes.Buffer{}, false, nil, nil)
	res := resources.NewSet(options.ProtocolNone, 1)
	shared := task.NewShared(tr, res, nil)

	it := New(shared, -1, false, false, false, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- it.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected context cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("idle task did not stop after context cancel")
	}
}
