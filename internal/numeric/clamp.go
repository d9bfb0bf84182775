// Package numeric holds small generic math helpers shared across packages.
package numeric

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Clamp bounds v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Round2 rounds to two decimal places, the resolution of published prices.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
