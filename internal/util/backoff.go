package util

import (
	"math"
	"time"
)

// Backoff computes the delay before retry attempt 'attempt' (zero-based)
// using exponential growth capped at max. A non-positive factor falls back
// to plain initial delay so misconfiguration never shrinks the wait.
func Backoff(initial time.Duration, factor float64, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	if factor <= 1 {
		factor = 1
	}
	d := time.Duration(float64(initial) * math.Pow(factor, float64(attempt)))
	if d > max || d <= 0 {
		return max
	}
	return d
}
