// Package entropy provides deterministic randomness for the simulation.
// Every stochastic draw comes from a stream derived from the session seed, a
// stream name and the tick number, so no generator state has to be carried
// across ticks or saved in checkpoints.
package entropy

import (
	"hash/fnv"
	"math/rand/v2"
)

// Stream names used by the scheduler.
const (
	StreamOrder  = "order"
	StreamDecide = "decide"
	StreamEvents = "events"
	StreamGossip = "gossip"
	StreamSpawn  = "spawn"
)

// Source is anything that yields uniform floats in [0, 1).
type Source interface {
	Float64() float64
}

// Derive returns a generator for (seed, stream, tick, salt). Equal inputs
// always yield the same sequence.
func Derive(seed int64, stream string, tick uint64, salt ...uint64) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(stream))
	hi := mix(uint64(seed) ^ h.Sum64())
	lo := mix(tick + 0x9e3779b97f4a7c15)
	for _, s := range salt {
		lo = mix(lo ^ s)
	}
	return rand.New(rand.NewPCG(hi, lo))
}

// HashString maps a string into a salt value for Derive.
func HashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// mix is the splitmix64 finalizer.
func mix(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Shuffle returns a permutation of ids driven by r. The input is not modified.
func Shuffle(r *rand.Rand, ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Between returns a uniform draw in [lo, hi].
func Between(r Source, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + r.Float64()*(hi-lo)
}

// Fixed is a Source that always returns the same value. Tests use it to force
// probabilistic branches.
type Fixed float64

// Float64 implements Source.
func (f Fixed) Float64() float64 { return float64(f) }
