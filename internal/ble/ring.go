// Package ble turns passive BLE advertisement reports into deduplicated,
// rate-capped observations.
package ble

import "time"

// Address types reported by the radio.
const (
	AddrPublic  = "public"
	AddrRandom  = "random"
	AddrUnknown = "unknown"
)

// Advertisement is one advertisement report from the radio.
type Advertisement struct {
	MAC      string // lowercase colon form
	AddrType string
	Name     string
	RSSI     int
	MfgLen   uint8
	SvcCount uint8
	Flags    uint8
}

// Observation is the cached view of an advertiser.
type Observation struct {
	MAC        string `json:"mac"`
	RSSI       int    `json:"rssi"`
	Name       string `json:"name"`
	MfgLen     uint8  `json:"mfg_len"`
	SvcCount   uint8  `json:"svc_count"`
	Flags      uint8  `json:"flags"`
	LastSeenMs uint64 `json:"last_seen_ms"`
	SeenCount  uint32 `json:"seen_count"`
}

// Ring is a fixed-capacity circular cache of observations keyed by
// MAC and advertising flags. New advertisers overwrite the oldest slot.
type Ring struct {
	slots     []Observation
	head      int
	count     int
	window    uint64
	dedupes   uint64
	overwrite uint64
}

// NewRing returns a ring of the given capacity (minimum 1) collapsing repeat
// sightings closer together than window.
func NewRing(capacity int, window time.Duration) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		slots:  make([]Observation, capacity),
		window: uint64(window / time.Millisecond),
	}
}

// index maps i (0 = newest) to a slot position.
func (r *Ring) index(i int) int {
	n := len(r.slots)
	return (r.head + n - 1 - i) % n
}

// Record folds adv into the cache at time now and reports whether a
// ble.seen event should be emitted for it.
func (r *Ring) Record(adv Advertisement, now uint64) bool {
	for i := 0; i < r.count; i++ {
		obs := &r.slots[r.index(i)]
		if obs.MAC == "" || obs.MAC != adv.MAC || obs.Flags != adv.Flags {
			continue
		}
		if now-obs.LastSeenMs <= r.window {
			obs.RSSI = adv.RSSI
			obs.LastSeenMs = now
			obs.SeenCount++
			r.dedupes++
			return false
		}
		obs.RSSI = adv.RSSI
		obs.Name = adv.Name
		obs.MfgLen = adv.MfgLen
		obs.SvcCount = adv.SvcCount
		obs.LastSeenMs = now
		obs.SeenCount++
		return true
	}

	if r.count == len(r.slots) {
		r.overwrite++
	} else {
		r.count++
	}
	r.slots[r.head] = Observation{
		MAC:        adv.MAC,
		RSSI:       adv.RSSI,
		Name:       adv.Name,
		MfgLen:     adv.MfgLen,
		SvcCount:   adv.SvcCount,
		Flags:      adv.Flags,
		LastSeenMs: now,
		SeenCount:  1,
	}
	r.head = (r.head + 1) % len(r.slots)
	return true
}

// Latest returns up to n observations, newest first.
func (r *Ring) Latest(n int) []Observation {
	if n > r.count {
		n = r.count
	}
	out := make([]Observation, 0, max(n, 0))
	for i := 0; i < r.count && len(out) < n; i++ {
		obs := r.slots[r.index(i)]
		if obs.MAC == "" {
			continue
		}
		out = append(out, obs)
	}
	return out
}

func (r *Ring) Len() int           { return r.count }
func (r *Ring) Cap() int           { return len(r.slots) }
func (r *Ring) Dedupes() uint64    { return r.dedupes }
func (r *Ring) Overwrites() uint64 { return r.overwrite }

// RateCap admits at most Max reports per one-second window. The window
// restarts on the first report at or after its one-second boundary.
type RateCap struct {
	Max         int
	secondStart uint64
	count       int
}

// Allow reports whether a report arriving at now fits in the current window,
// consuming a slot when it does.
func (c *RateCap) Allow(now uint64) bool {
	if now-c.secondStart >= 1000 {
		c.secondStart = now
		c.count = 0
	}
	if c.count >= c.Max {
		return false
	}
	c.count++
	return true
}
