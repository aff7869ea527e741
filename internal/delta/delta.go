// Package delta computes consumption between consecutive cumulative
// meter readings.
package delta

// Compute returns the energy consumed between the previous cumulative
// total and the current one.
//
// The first reading for a device establishes the baseline and yields
// zero. A current value below the previous one is treated as a counter
// rollover or reset and also yields zero; consumption during the
// rollover period is deliberately not estimated.
func Compute(previous *float64, current float64) float64 {
	if previous == nil {
		return 0
	}
	if current < *previous {
		return 0
	}
	return current - *previous
}

// ComputeSub returns the delta for an optional sub-meter counter
// (grid or generator). Both samples must carry the counter for a
// delta to exist; a decrease is clamped to zero as noise or rollover
// on that sub-meter.
func ComputeSub(previous, current *float64) (float64, bool) {
	if previous == nil || current == nil {
		return 0, false
	}
	if *current < *previous {
		return 0, true
	}
	return *current - *previous, true
}
