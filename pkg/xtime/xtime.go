// Package xtime provides the monotonic timestamp arithmetic shared by the
// periodic clock, the trace, and the visualizer-facing reader.
package xtime

import "time"

// Timestamp is a monotonic instant. It wraps time.Time rather than an
// integer nanosecond count so that Now benefits from the runtime's
// monotonic reading without any platform-specific clock call.
type Timestamp struct {
	t time.Time
}

// Now returns the current monotonic timestamp.
func Now() Timestamp {
	return Timestamp{t: time.Now()}
}

// Zero reports whether ts is the zero Timestamp.
func (ts Timestamp) Zero() bool {
	return ts.t.IsZero()
}

// Add returns ts advanced by d.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp{t: ts.t.Add(d)}
}

// Sub returns the duration ts-other.
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return ts.t.Sub(other.t)
}

// Before reports whether ts occurs before other.
func (ts Timestamp) Before(other Timestamp) bool {
	return ts.t.Before(other.t)
}

// After reports whether ts occurs after other.
func (ts Timestamp) After(other Timestamp) bool {
	return ts.t.After(other.t)
}

// Compare returns -1, 0, or 1 as ts is before, equal to, or after other.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.t.Before(other.t):
		return -1
	case ts.t.After(other.t):
		return 1
	default:
		return 0
	}
}

// UnixSeconds and Nanos report the wall-clock components used by the trace
// sink's "[sec.nanos9]" formatting.
func (ts Timestamp) UnixSeconds() int64 {
	return ts.t.Unix()
}

// Nanos returns the sub-second nanosecond component, in [0, 1e9).
func (ts Timestamp) Nanos() int64 {
	return int64(ts.t.Nanosecond())
}

// FromMillis builds a Timestamp base+millis, used when reconstructing
// activation/deadline instants from a configured phase or period in
// milliseconds.
func FromMillis(base Timestamp, millis int64) Timestamp {
	return base.Add(time.Duration(millis) * time.Millisecond)
}

// MillisToDuration converts a millisecond count from the task-definition
// grammar into a time.Duration.
func MillisToDuration(millis uint64) time.Duration {
	return time.Duration(millis) * time.Millisecond
}

// FromUnix reconstructs a Timestamp from the wall-clock seconds/nanoseconds
// pair used by the trace sink's "[sec.nanos9]" format. The
// result carries no monotonic reading, which is fine: it is only ever used
// for display and for comparisons against other FromUnix-built values.
func FromUnix(sec, nanos int64) Timestamp {
	return Timestamp{t: time.Unix(sec, nanos)}
}
