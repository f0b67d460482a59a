package challenge

import "math"

// ComputeValue applies the decay curve to a challenge's point value.
// solveCount is the total number of accepted solves by visible,
// unbanned accounts; the first solver is excluded from the decay so
// they earn the full initial value.
func ComputeValue(initial, minimum, decay, solveCount int) int {
	if solveCount != 0 {
		solveCount--
	}

	value := initial
	if decay != 0 {
		raw := (float64(minimum-initial)/float64(decay*decay))*float64(solveCount*solveCount) + float64(initial)
		value = int(math.Ceil(raw))
	}

	if value < minimum {
		value = minimum
	}
	return value
}
