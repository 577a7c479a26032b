// Package clock provides the boot-monotonic millisecond counter every
// timestamp in the node is expressed in.
package clock

import (
	"sync"
	"time"
)

// Clock reports milliseconds elapsed since boot. Implementations must be
// monotonic and safe for concurrent use.
type Clock interface {
	NowMs() uint64
}

// Monotonic is a Clock backed by the runtime monotonic clock.
type Monotonic struct {
	boot time.Time
}

// NewMonotonic returns a clock whose zero is the moment of the call.
func NewMonotonic() *Monotonic {
	return &Monotonic{boot: time.Now()}
}

func (m *Monotonic) NowMs() uint64 {
	return uint64(time.Since(m.boot) / time.Millisecond)
}

// Manual is a Clock that only moves when told to. Used by tests and the
// simulated platform.
type Manual struct {
	mu  sync.Mutex
	now uint64
}

// NewManual returns a manual clock starting at start milliseconds.
func NewManual(start uint64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) NowMs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d, truncated to whole milliseconds.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += uint64(d / time.Millisecond)
	m.mu.Unlock()
}

// Set jumps the clock to ms. Moving backwards is ignored.
func (m *Manual) Set(ms uint64) {
	m.mu.Lock()
	if ms > m.now {
		m.now = ms
	}
	m.mu.Unlock()
}

// Since returns the milliseconds elapsed between then and now, or zero when
// then lies in the future.
func Since(c Clock, then uint64) uint64 {
	now := c.NowMs()
	if now < then {
		return 0
	}
	return now - then
}
