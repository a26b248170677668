// Package entropy provides the randomness source behind negotiation jitter.
// Production wiring uses crypto/rand; tests inject a seeded source so
// counter-offers and scores are exactly reproducible.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
)

// Source yields uniform floats in [0, 1).
type Source interface {
	Float() float64
}

// Seeded is a deterministic Source backed by math/rand.
type Seeded struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeeded returns a deterministic source for the given seed.
func NewSeeded(seed int64) *Seeded {
	return &Seeded{rng: mrand.New(mrand.NewSource(seed))}
}

// Float returns the next float in the seeded sequence.
func (s *Seeded) Float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Crypto is a Source backed by crypto/rand.
type Crypto struct{}

// Float returns a random float64 in [0, 1).
func (Crypto) Float() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Should never happen; 0.5 keeps jitter neutral.
		return 0.5
	}
	// Use only 53 bits for a uniform float64 in [0, 1).
	n := binary.LittleEndian.Uint64(buf[:]) >> 11
	return float64(n) / float64(1<<53)
}

// Jitter returns a multiplier drawn uniformly from [lo, hi].
func Jitter(src Source, lo, hi float64) float64 {
	return lo + src.Float()*(hi-lo)
}

// Fixed is a Source that always returns the same value. Test helper: a
// Fixed(0.5) makes every Jitter call return the band midpoint.
type Fixed float64

// Float returns the fixed value.
func (f Fixed) Float() float64 { return float64(f) }
