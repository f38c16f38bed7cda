// Package clockutil holds small timing helpers shared by strategies that
// compute delays from a clock.
package clockutil

import (
	"math/rand"
	"time"
)

// Jitter returns d scaled by a uniform random factor in [0.8, 1.2]. rnd may
// be nil, in which case the package-level default source is used; pass a
// seeded *rand.Rand in tests for determinism.
func Jitter(rnd *rand.Rand, d time.Duration) time.Duration {
	factor := 0.8 + 0.4*randFloat64(rnd)
	return time.Duration(float64(d) * factor)
}

func randFloat64(rnd *rand.Rand) float64 {
	if rnd == nil {
		return rand.Float64() //nolint:gosec
	}
	return rnd.Float64()
}
