// Package resources implements the named mutual-exclusion objects tasks
// contend on: resource 0 is the "no resource" sentinel with no-op
// acquire/release, and resources 1..N carry a priority ceiling and an
// inversion-control protocol (NONE/INHERIT/PROTECT).
package resources

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"schedtrace/internal/sched"
	"schedtrace/pkg/options"
)

// Resource is one mutual-exclusion object. The zero value is not usable;
// construct via Set.
type Resource struct {
	ID              int
	CeilingPriority int

	protocol options.MutexProtocol
	mu       sync.Mutex

	// waitingMax tracks the highest priority currently blocked on Acquire,
	// used to approximate the INHERIT protocol: the holder is boosted to
	// the priority of the highest-priority task waiting on it.
	waitingMax atomic.Int32
}

// Acquire blocks until the resource is held by the caller. tid is the
// caller's OS thread id (sched.Self()) and priority its configured
// priority; both are used only when protocol != NONE, to apply the
// configured priority-ceiling or inheritance boost. A no-op for the
// sentinel resource 0.
func (r *Resource) Acquire(tid, priority int, logger *zap.Logger) {
	if r == nil || r.ID == 0 {
		return
	}

	if r.protocol == options.ProtocolInherit {
		bumpWaitingMax(&r.waitingMax, int32(priority))
	}

	r.mu.Lock()

	switch r.protocol {
	case options.ProtocolProtect:
		if err := sched.SetPolicy(tid, sched.PolicyRR, r.CeilingPriority); err != nil && logger != nil {
			logger.Warn("failed to apply priority ceiling", zap.Int("resource", r.ID), zap.Error(err))
		}
	case options.ProtocolInherit:
		if w := int(r.waitingMax.Load()); w > priority {
			if err := sched.SetPolicy(tid, sched.PolicyRR, w); err != nil && logger != nil {
				logger.Warn("failed to apply priority inheritance", zap.Int("resource", r.ID), zap.Error(err))
			}
		}
	case options.ProtocolNone:
	}
}

// Release releases the resource, restoring the caller's original priority
// when a protocol boosted it. A no-op for the sentinel resource 0.
func (r *Resource) Release(tid, priority int, logger *zap.Logger) {
	if r == nil || r.ID == 0 {
		return
	}

	if r.protocol != options.ProtocolNone {
		if err := sched.SetPolicy(tid, sched.PolicyRR, priority); err != nil && logger != nil {
			logger.Warn("failed to restore priority", zap.Int("resource", r.ID), zap.Error(err))
		}
	}

	if r.protocol == options.ProtocolInherit {
		r.waitingMax.Store(0)
	}

	r.mu.Unlock()
}

func bumpWaitingMax(counter *atomic.Int32, priority int32) {
	for {
		cur := counter.Load()
		if priority <= cur {
			return
		}

		if counter.CompareAndSwap(cur, priority) {
			return
		}
	}
}

// Set is a taskset's resource table, indexed by resource id. Index 0 is
// always the sentinel "no resource".
type Set struct {
	protocol  options.MutexProtocol
	resources []*Resource
}

// NewSet constructs an empty Set sized for maxResID resources (indices
// 0..maxResID, inclusive of the sentinel).
func NewSet(protocol options.MutexProtocol, maxResID int) *Set {
	if maxResID < 0 {
		maxResID = 0
	}

	s := &Set{
		protocol:  protocol,
		resources: make([]*Resource, maxResID+1),
	}

	s.resources[0] = &Resource{ID: 0, protocol: options.ProtocolNone}

	for i := 1; i <= maxResID; i++ {
		s.resources[i] = &Resource{ID: i, protocol: protocol}
	}

	return s
}

// Len returns the number of entries in the table, including the sentinel.
func (s *Set) Len() int {
	return len(s.resources)
}

// UpdateCeiling raises resource id's ceiling priority to priority if it is
// currently lower. After every task's sections have been folded in, the
// ceiling equals the maximum priority of any task naming this resource.
func (s *Set) UpdateCeiling(id, priority int) error {
	r, err := s.lookup(id)
	if err != nil {
		return err
	}

	if priority > r.CeilingPriority {
		r.CeilingPriority = priority
	}

	return nil
}

// Get returns the resource with the given id.
func (s *Set) Get(id int) (*Resource, error) {
	return s.lookup(id)
}

func (s *Set) lookup(id int) (*Resource, error) {
	if id < 0 || id >= len(s.resources) {
		return nil, fmt.Errorf("%w: resource id %d (table size %d)", ErrUnknownResource, id, len(s.resources))
	}

	return s.resources[id], nil
}

// ErrUnknownResource is returned when a resource id falls outside the
// configured table.
var ErrUnknownResource = fmt.Errorf("resources: unknown resource id")
