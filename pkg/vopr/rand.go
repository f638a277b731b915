package vopr

import "math/rand"

// RNG wraps a seeded math/rand.Rand. Every source of non-determinism in
// the simulation -- fault selection, workload key choice, delay jitter --
// must draw from this one instance, never from math/rand's global
// functions, or --check-determinism would have nothing to guarantee (spec
// §4.4: "a seeded math/rand.Rand... this is what makes --check-determinism
// meaningful").
type RNG struct {
	r *rand.Rand
}

// NewRNG seeds a fresh generator. The same seed always produces the same
// sequence of draws, on any platform, for the lifetime of this Go release.
func NewRNG(seed int64) *RNG {
	return &RNG{r: rand.New(rand.NewSource(seed))}
}

// Intn returns a pseudo-random int in [0, n).
func (g *RNG) Intn(n int) int { return g.r.Intn(n) }

// Float64 returns a pseudo-random float in [0, 1).
func (g *RNG) Float64() float64 { return g.r.Float64() }

// Bool returns true with the given probability (clamped to [0,1]).
func (g *RNG) Bool(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	return g.r.Float64() < probability
}

// Int63 returns a non-negative pseudo-random int64, used to seed child
// generators (e.g. one per fault-injection subsystem) deterministically
// from a single top-level seed.
func (g *RNG) Int63() int64 { return g.r.Int63() }

// Bytes returns n pseudo-random bytes, used to derive a deterministic
// cluster HMAC key per seed.
func (g *RNG) Bytes(n int) []byte {
	var b = make([]byte, n)
	g.r.Read(b)
	return b
}

// Duration returns a pseudo-random value in [min, max) used for delay
// jitter; if max <= min, min is returned unchanged.
func (g *RNG) Duration(min, max VirtualTime) VirtualTime {
	if max <= min {
		return min
	}
	return min + VirtualTime(g.r.Int63n(int64(max-min)))
}
