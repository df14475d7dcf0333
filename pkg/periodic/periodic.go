// Package periodic implements the absolute-time periodic activation clock:
// each task thread sleeps until a fixed activation instant, then shifts both
// the activation instant and its deadline forward by one period, so that
// jitter in one period never drifts subsequent ones.
package periodic

import (
	"context"
	"time"

	"schedtrace/pkg/xtime"
)

// Clock tracks one task's next activation time and current deadline. The
// zero value is not usable; construct with SetPeriod.
type Clock struct {
	activation xtime.Timestamp
	deadline   xtime.Timestamp
	period     time.Duration
}

// SetPeriod initializes the clock's first activation and deadline. now is
// the reference instant (normally the taskset's t0); phase delays the first
// activation by the given duration so task sets can stagger their start.
func (c *Clock) SetPeriod(now xtime.Timestamp, period, deadline, phase time.Duration) {
	base := now.Add(phase)

	c.period = period
	c.activation = base.Add(period)
	c.deadline = base.Add(deadline)
}

// Activation returns the clock's next activation instant.
func (c *Clock) Activation() xtime.Timestamp { return c.activation }

// Deadline returns the clock's current deadline instant.
func (c *Clock) Deadline() xtime.Timestamp { return c.deadline }

// WaitForPeriod blocks until the clock's activation instant, then shifts
// both the activation instant and the deadline forward by one period. It
// returns ctx.Err() if ctx is cancelled before the activation instant
// arrives; the clock is not advanced in that case.
func (c *Clock) WaitForPeriod(ctx context.Context) error {
	d := c.activation.Sub(xtime.Now())
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	c.activation = c.activation.Add(c.period)
	c.deadline = c.deadline.Add(c.period)

	return nil
}

// DeadlineMiss reports whether now is past the clock's current deadline.
func (c *Clock) DeadlineMiss(now xtime.Timestamp) bool {
	return now.After(c.deadline)
}
