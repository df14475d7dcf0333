// Package bsearch implements the floor binary search used by the trace's
// time-indexed lookup: the greatest index whose key is less than or equal
// to the probe, saturating at 0.
package bsearch

// Floor returns the largest index i in [0, len(xs)-1] such that
// key(xs[i]) <= probe, or 0 if xs is empty or probe < key(xs[0]).
//
// xs must be sorted non-decreasingly by key; behavior is unspecified
// otherwise. Floor never panics on an empty slice.
func Floor[T any, K int64 | uint64 | float64](xs []T, key func(T) K, probe K) int {
	if len(xs) == 0 {
		return 0
	}

	if probe < key(xs[0]) {
		return 0
	}

	lo, hi := 0, len(xs)-1

	// Invariant: key(xs[lo]) <= probe, and every index above hi has a key
	// greater than probe (hi is the inclusive upper bound of the search
	// window); we shrink the window until lo == hi.
	for lo < hi {
		mid := lo + (hi-lo+1)/2

		if key(xs[mid]) <= probe {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	return lo
}
