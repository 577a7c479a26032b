// Package backoff computes jittered exponential retry delays in boot
// milliseconds.
package backoff

import (
	"math/rand/v2"
	"time"
)

// MaxFailures is where failure counters saturate.
const MaxFailures = 6

// Jitter returns a uniform value in [0, 1000) milliseconds.
type Jitter func() uint64

// RandomJitter is the production jitter source.
func RandomJitter() uint64 {
	return rand.Uint64N(1000)
}

// Policy doubles Base per prior failure up to Max, then adds jitter.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter Jitter
}

// Delay returns the wait in milliseconds before the next attempt, given the
// number of failures that preceded the one just observed.
func (p Policy) Delay(failures int) uint64 {
	base := uint64(p.Base / time.Millisecond)
	ceiling := uint64(p.Max / time.Millisecond)
	if failures > MaxFailures {
		failures = MaxFailures
	}
	for i := 0; i < failures; i++ {
		base = min(base*2, ceiling)
	}
	base = min(base, ceiling)
	jitter := p.Jitter
	if jitter == nil {
		jitter = RandomJitter
	}
	return base + jitter()%1000
}

// Bump returns failures+1 saturated at MaxFailures.
func Bump(failures int) int {
	return min(failures+1, MaxFailures)
}
