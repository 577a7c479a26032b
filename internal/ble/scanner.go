package ble

import (
	"time"

	"go.uber.org/zap"
)

// Radio is the scan control surface of a BLE controller.
type Radio interface {
	Scanning() bool
	StartScan(interval, window time.Duration) error
	StopScan() error
}

// Config tunes the scanner.
type Config struct {
	Capacity         int
	DedupeWindow     time.Duration
	MaxPerSecond     int
	ScanInterval     time.Duration
	ScanWindow       time.Duration
	RestartThreshold time.Duration
}

// SeenData is the data payload of a ble.seen event.
type SeenData struct {
	Addr     string `json:"addr"`
	RSSI     int    `json:"rssi"`
	AddrType string `json:"addr_type"`
	Flags    uint8  `json:"flags"`
}

// Stats is the /ble/stats document.
type Stats struct {
	Enabled        bool   `json:"enabled"`
	Scanning       bool   `json:"scanning"`
	ScanInterval   int64  `json:"scan_interval"`
	ScanWindow     int64  `json:"scan_window"`
	SeenCount      uint64 `json:"seen_count"`
	DedupeCount    uint64 `json:"dedupe_count"`
	RingOverwrite  uint64 `json:"ring_overwrite"`
	ScanRestarts   uint64 `json:"scan_restarts"`
	ScanStalls     uint64 `json:"scan_stalls"`
	LastResultMs   uint64 `json:"last_result_ms"`
	LastRestartMs  uint64 `json:"last_restart_ms"`
	RingCount      int    `json:"ring_count"`
	RingCapacity   int    `json:"ring_capacity"`
	MaxPerSecond   int    `json:"max_per_second"`
	DedupeWindowMs int64  `json:"dedupe_window_ms"`
}

// Scanner owns the observation ring, the per-second cap and the scan
// watchdog. All methods run on the main loop.
type Scanner struct {
	cfg    Config
	radio  Radio
	logger *zap.Logger

	ring *Ring
	rate RateCap

	seen        uint64
	restarts    uint64
	stalls      uint64
	lastResult  uint64
	lastRestart uint64
	lastErr     string
}

// NewScanner wires a scanner to radio.
func NewScanner(cfg Config, radio Radio, logger *zap.Logger) *Scanner {
	return &Scanner{
		cfg:    cfg,
		radio:  radio,
		logger: logger,
		ring:   NewRing(cfg.Capacity, cfg.DedupeWindow),
		rate:   RateCap{Max: cfg.MaxPerSecond},
	}
}

// Start begins continuous passive scanning.
func (s *Scanner) Start(now uint64) {
	if s.start(now) == nil {
		s.restarts++
	}
}

// Restart stops the running scan and starts a fresh one.
func (s *Scanner) Restart(now uint64) error {
	if s.radio.Scanning() {
		if err := s.radio.StopScan(); err != nil {
			s.logger.Warn("ble scan stop failed", zap.Error(err))
		}
	}
	if err := s.start(now); err != nil {
		return err
	}
	s.restarts++
	return nil
}

func (s *Scanner) start(now uint64) error {
	s.lastRestart = now
	if err := s.radio.StartScan(s.cfg.ScanInterval, s.cfg.ScanWindow); err != nil {
		if msg := err.Error(); msg != s.lastErr {
			s.logger.Warn("ble scan start failed", zap.Error(err))
			s.lastErr = msg
		}
		return err
	}
	s.lastErr = ""
	return nil
}

// HandleAdvertisement applies the rate cap and dedup ring to adv and reports
// whether a ble.seen event should be emitted.
func (s *Scanner) HandleAdvertisement(adv Advertisement, now uint64) bool {
	s.lastResult = now
	if !s.rate.Allow(now) {
		return false
	}
	s.seen++
	return s.ring.Record(adv, now)
}

// Watchdog restarts a scan that stopped, or one that has delivered nothing
// for longer than the restart threshold.
func (s *Scanner) Watchdog(now uint64) {
	if !s.radio.Scanning() {
		if s.start(now) == nil {
			s.restarts++
		}
		return
	}
	if s.lastResult == 0 {
		return
	}
	quiet := now - max(s.lastResult, s.lastRestart)
	if quiet <= uint64(s.cfg.RestartThreshold/time.Millisecond) {
		return
	}
	if err := s.radio.StopScan(); err != nil {
		s.logger.Warn("ble scan stop failed", zap.Error(err))
	}
	s.stalls++
	s.logger.Info("ble scan stalled, restarting", zap.Uint64("quiet_ms", quiet))
	_ = s.start(now)
}

// Latest returns up to limit observations, newest first.
func (s *Scanner) Latest(limit int) []Observation {
	return s.ring.Latest(limit)
}

// Capacity is the ring size.
func (s *Scanner) Capacity() int { return s.ring.Cap() }

// Seen is the number of reports admitted past the rate cap.
func (s *Scanner) Seen() uint64 { return s.seen }

// Stats snapshots the scanner counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Enabled:        true,
		Scanning:       s.radio.Scanning(),
		ScanInterval:   s.cfg.ScanInterval.Milliseconds(),
		ScanWindow:     s.cfg.ScanWindow.Milliseconds(),
		SeenCount:      s.seen,
		DedupeCount:    s.ring.Dedupes(),
		RingOverwrite:  s.ring.Overwrites(),
		ScanRestarts:   s.restarts,
		ScanStalls:     s.stalls,
		LastResultMs:   s.lastResult,
		LastRestartMs:  s.lastRestart,
		RingCount:      s.ring.Len(),
		RingCapacity:   s.ring.Cap(),
		MaxPerSecond:   s.cfg.MaxPerSecond,
		DedupeWindowMs: s.cfg.DedupeWindow.Milliseconds(),
	}
}

// SeenPayload builds the ble.seen data payload for adv.
func SeenPayload(adv Advertisement) SeenData {
	addrType := adv.AddrType
	if addrType == "" {
		addrType = AddrUnknown
	}
	return SeenData{Addr: adv.MAC, RSSI: adv.RSSI, AddrType: addrType, Flags: adv.Flags}
}
