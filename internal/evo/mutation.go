package evo

import "math/rand"

// Mutator produces a perturbed copy of a parameter vector.
type Mutator interface {
	Name() string
	Mutate(rng *rand.Rand, params []float64, sigma float64) []float64
}

// GaussianMutation adds independent N(0, sigma) noise. Rate is the chance
// that a given parameter is perturbed; zero or one perturbs every parameter.
type GaussianMutation struct {
	Rate float64
}

func (GaussianMutation) Name() string {
	return "gaussian"
}

func (m GaussianMutation) Mutate(rng *rand.Rand, params []float64, sigma float64) []float64 {
	out := append([]float64(nil), params...)
	if sigma <= 0 {
		return out
	}
	everyParam := m.Rate <= 0 || m.Rate >= 1
	for i := range out {
		if everyParam || rng.Float64() < m.Rate {
			out[i] += rng.NormFloat64() * sigma
		}
	}
	return out
}
