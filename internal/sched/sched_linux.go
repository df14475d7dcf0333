//go:build linux

package sched

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Self returns the kernel thread id of the calling thread. It does not lock
// the goroutine to that thread: callers call runtime.LockOSThread first so
// the id keeps naming the thread their goroutine runs on.
func Self() int {
	return unix.Gettid()
}

// SetPolicy applies a scheduling policy and real-time priority to the
// thread identified by tid (0 meaning the calling thread): SCHED_RR for
// task threads and (with idle_rt_sched) the idle task, and priority-ceiling
// or inheritance boosts for resource holders.
func SetPolicy(tid int, policy Policy, priority int) error {
	var unixPolicy int

	switch policy {
	case PolicyOther:
		unixPolicy = unix.SCHED_NORMAL
	case PolicyFIFO:
		unixPolicy = unix.SCHED_FIFO
	case PolicyRR:
		unixPolicy = unix.SCHED_RR
	case PolicyIdle:
		unixPolicy = unix.SCHED_IDLE
	default:
		return fmt.Errorf("sched: unknown policy %v", policy)
	}

	// struct sched_param holds a single int priority.
	param := struct{ priority int32 }{priority: int32(priority)}

	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER,
		uintptr(tid), uintptr(unixPolicy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return fmt.Errorf("sched_setscheduler(tid=%d, policy=%s, prio=%d): %w", tid, policy, priority, errno)
	}

	return nil
}

// SetAffinity pins the thread identified by tid to a single CPU. cpu is a
// zero-based CPU index.
func SetAffinity(tid, cpu int) error {
	var set unix.CPUSet

	set.Zero()
	set.Set(cpu)

	err := unix.SchedSetaffinity(tid, &set)
	if err != nil {
		return fmt.Errorf("sched_setaffinity(tid=%d, cpu=%d): %w", tid, cpu, err)
	}

	return nil
}
