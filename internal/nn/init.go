package nn

import (
	"math"
	"math/rand"
)

// Xavier (Glorot) initialization for weights.
//
// Fills dst with values drawn from a uniform distribution:
// U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
//
// This initialization helps maintain variance of activations across layers.
// A nil rng uses the global source.
func Xavier(fanIn, fanOut int, dst []float64, rng *rand.Rand) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range dst {
		var u float64
		if rng != nil {
			u = rng.Float64()
		} else {
			//nolint:gosec // Using math/rand for weight initialization (not security-critical)
			u = rand.Float64()
		}
		dst[i] = (u*2.0 - 1.0) * bound
	}
}
