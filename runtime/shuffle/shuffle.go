// Package shuffle provides the deterministic randomization primitives
// used to order groups, questions and options. Sequences are derived
// purely from a seed string, so the same (session, page, group, question,
// bucket) inputs produce the same order across page refreshes, processes
// and servers.
package shuffle

import "hash/fnv"

// Source is a splittable linear congruential generator. It is not
// cryptographically secure and must never be; its only job is stable,
// cheap, process-independent sequences.
type Source struct {
	state uint32
}

// Seed hashes the given parts into a 32-bit seed. Empty parts are
// omitted so optional context segments (group, question, bucket) do not
// perturb the hash when absent. Parts join with '|'.
func Seed(parts ...string) uint32 {
	h := fnv.New32a()
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if !first {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
		first = false
	}
	return h.Sum32()
}

// New returns a Source producing the sequence for seed.
func New(seed uint32) *Source {
	return &Source{state: seed}
}

// FromParts is shorthand for New(Seed(parts...)).
func FromParts(parts ...string) *Source {
	return New(Seed(parts...))
}

// Next advances the generator and returns the next 32-bit value.
// Numerical Recipes LCG constants.
func (s *Source) Next() uint32 {
	s.state = s.state*1664525 + 1013904223
	return s.state
}

// Intn returns a value in [0, n). n must be positive.
func (s *Source) Intn(n int) int {
	if n <= 0 {
		panic("shuffle: Intn with non-positive n")
	}
	return int(s.Next() % uint32(n))
}

// Float64 returns a value in [0, 1).
func (s *Source) Float64() float64 {
	return float64(s.Next()) / (1 << 32)
}

// Split derives an independent child generator. The parent advances once
// so successive splits differ.
func (s *Source) Split() *Source {
	return &Source{state: s.Next() ^ 0x9e3779b9}
}

// Shuffle permutes items in place with a Fisher-Yates walk.
func Shuffle[T any](src *Source, items []T) {
	for i := len(items) - 1; i > 0; i-- {
		j := src.Intn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// WeightedPick returns the index of one element chosen with probability
// proportional to its weight. Non-positive weights are treated as zero;
// when all weights are zero the pick is uniform. Returns -1 for empty
// input.
func WeightedPick[T any](src *Source, items []T, weight func(T) float64) int {
	if len(items) == 0 {
		return -1
	}
	var total float64
	for _, it := range items {
		if w := weight(it); w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return src.Intn(len(items))
	}
	target := src.Float64() * total
	for i, it := range items {
		w := weight(it)
		if w <= 0 {
			continue
		}
		if target < w {
			return i
		}
		target -= w
	}
	return len(items) - 1
}

// Sample draws n distinct elements without replacement, preserving no
// particular order. When n exceeds the input length the whole input is
// returned shuffled. The input slice is not modified.
func Sample[T any](src *Source, items []T, n int) []T {
	cp := make([]T, len(items))
	copy(cp, items)
	Shuffle(src, cp)
	if n >= len(cp) {
		return cp
	}
	return cp[:n]
}
