package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Logistic is the standard sigmoid 1/(1+e^-x).
func Logistic(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Sat clamps value to [min, max].
func Sat(value, max, min float64) float64 {
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}

// SaturationWithSpread clamps values to the symmetric range [-spread, spread].
func SaturationWithSpread(value, spread float64) float64 {
	if spread < 0 {
		spread = -spread
	}
	return Sat(value, spread, -spread)
}

// IsFinite reports whether value is neither NaN nor infinite.
func IsFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

// AllFinite reports whether every element of values is finite.
func AllFinite(values []float64) bool {
	for _, v := range values {
		if !IsFinite(v) {
			return false
		}
	}
	return true
}

// Argmax returns the index of the largest value. NaN entries never win; an
// all-NaN or empty slice yields -1.
func Argmax(values []float64) int {
	best := -1
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}

// Max returns the largest value of a non-empty slice.
func Max(values []float64) float64 {
	return floats.Max(values)
}
