package wifi

import "time"

type apSlot struct {
	bssid    [6]byte
	lastEmit uint64
	valid    bool
}

// APCache rate-limits ap_seen emissions per BSSID. When every slot is taken
// the slot with the oldest emission is reclaimed.
type APCache struct {
	slots   []apSlot
	window  uint64
	dedupes uint64
}

// NewAPCache returns a cache with size slots (minimum 1).
func NewAPCache(size int, window time.Duration) *APCache {
	if size < 1 {
		size = 1
	}
	return &APCache{slots: make([]apSlot, size), window: uint64(window / time.Millisecond)}
}

// ShouldEmit reports whether bssid may be announced at now, recording the
// emission when it may.
func (c *APCache) ShouldEmit(bssid [6]byte, now uint64) bool {
	empty, oldest := -1, -1
	for i := range c.slots {
		s := &c.slots[i]
		if !s.valid {
			if empty < 0 {
				empty = i
			}
			continue
		}
		if s.bssid == bssid {
			if now-s.lastEmit < c.window {
				c.dedupes++
				return false
			}
			s.lastEmit = now
			return true
		}
		if oldest < 0 || s.lastEmit < c.slots[oldest].lastEmit {
			oldest = i
		}
	}

	idx := empty
	if idx < 0 {
		idx = oldest
	}
	c.slots[idx] = apSlot{bssid: bssid, lastEmit: now, valid: true}
	return true
}

// Dedupes counts suppressed emissions.
func (c *APCache) Dedupes() uint64 { return c.dedupes }

// Len counts occupied slots.
func (c *APCache) Len() int {
	n := 0
	for _, s := range c.slots {
		if s.valid {
			n++
		}
	}
	return n
}
