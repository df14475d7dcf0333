//go:build !linux

package sched

// Self is a best-effort stand-in on non-Linux platforms: there is no
// portable notion of a kernel thread id, so callers only ever use the
// returned value as an opaque token passed back into SetPolicy/SetAffinity.
func Self() int {
	return 0
}

// SetPolicy is a no-op off Linux; scheduling falls back to the host
// platform's default goroutine scheduling.
func SetPolicy(_ int, _ Policy, _ int) error {
	return nil
}

// SetAffinity is a no-op off Linux.
func SetAffinity(_, _ int) error {
	return nil
}
