// Package sched applies OS scheduling policy and CPU affinity to the
// calling thread, used by pkg/task and pkg/idle to put every observed
// thread in a real-time scheduling class on one CPU, and by pkg/resources
// to apply priority-ceiling boosts.
//
// The real implementation (Linux syscalls via golang.org/x/sys/unix) lives
// in sched_linux.go. A no-op fallback for other GOOS values lives in
// sched_other.go, so the module still builds and runs (under default
// scheduling) off Linux.
package sched

// Policy mirrors the POSIX scheduling classes.
type Policy int

const (
	PolicyOther Policy = iota
	PolicyFIFO
	PolicyRR
	PolicyIdle
)

// PriorityRange returns the valid priority range for policy: 1..99 for the
// real-time classes, 0 only for the others. SetPolicy does not clamp
// against it; a priority outside the range is rejected by the kernel.
func PriorityRange(policy Policy) (min, max int) {
	switch policy {
	case PolicyFIFO, PolicyRR:
		return 1, 99
	default:
		return 0, 0
	}
}

// String renders the policy for log messages.
func (p Policy) String() string {
	switch p {
	case PolicyOther:
		return "SCHED_OTHER"
	case PolicyFIFO:
		return "SCHED_FIFO"
	case PolicyRR:
		return "SCHED_RR"
	case PolicyIdle:
		return "SCHED_IDLE"
	default:
		return "UNKNOWN"
	}
}
