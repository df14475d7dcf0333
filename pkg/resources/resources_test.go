package resources

import (
	"sync"
	"testing"
	"time"

	"schedtrace/pkg/options"
)

func TestSentinelResourceIsNoOp(t *testing.T) {
	t.Parallel()

	s := NewSet(options.ProtocolNone, 2)

	r, err := s.Get(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Acquire/Release must not block or panic even called many times.
	for i := 0; i < 3; i++ {
		r.Acquire(0, 0, nil)
		r.Release(0, 0, nil)
	}
}

func TestUpdateCeilingTracksMaxPriority(t *testing.T) {
	t.Parallel()

	s := NewSet(options.ProtocolNone, 1)

	if err := s.UpdateCeiling(1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.UpdateCeiling(1, 30); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.UpdateCeiling(1, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, err := s.Get(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.CeilingPriority != 30 {
		t.Fatalf("expected ceiling 30, got %d", r.CeilingPriority)
	}
}

func TestUnknownResourceErrors(t *testing.T) {
	t.Parallel()

	s := NewSet(options.ProtocolNone, 1)

	if _, err := s.Get(5); err == nil {
		t.Fatalf("expected error for out-of-range resource id")
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	t.Parallel()

	s := NewSet(options.ProtocolNone, 1)
	r, err := s.Get(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			r.Acquire(0, 10, nil)

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()

			r.Release(0, 10, nil)
		}()
	}

	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected mutual exclusion (max concurrent = 1), got %d", maxSeen)
	}
}
