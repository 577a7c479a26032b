package wifi

import (
	"errors"
	"time"

	"github.com/strangelab/nodeagent/internal/identity"
	"go.uber.org/zap"
)

// ErrScanBusy is returned by Force while a scan is already running.
var ErrScanBusy = errors.New("wifi scan already in progress")

// ScanConfig tunes the passive AP survey.
type ScanConfig struct {
	Enabled      bool
	Interval     time.Duration
	Dwell        time.Duration
	MaxResults   int
	DedupeWindow time.Duration
	EmitPerScan  int
	// Timeout abandons a scan whose completion never arrived; zero waits
	// forever.
	Timeout time.Duration
}

// APSeenData is the data payload of a wifi.ap_seen event.
type APSeenData struct {
	SSID    string `json:"ssid"`
	BSSID   string `json:"bssid"`
	Channel int    `json:"channel"`
	RSSI    int    `json:"rssi"`
	Auth    string `json:"auth"`
}

// ScanStats are the survey counters.
type ScanStats struct {
	Seen       uint64 `json:"seen"`
	Dedupe     uint64 `json:"dedupe"`
	Drops      uint64 `json:"drops"`
	Scans      uint64 `json:"scans"`
	Errors     uint64 `json:"errors"`
	Timeouts   uint64 `json:"timeouts"`
	InProgress bool   `json:"in_progress"`
	LastScanMs uint64 `json:"last_scan_ms"`
	LastDoneMs uint64 `json:"last_done_ms"`
}

// Scanner drives periodic passive scans while the station is connected and
// filters results through an APCache.
type Scanner struct {
	cfg    ScanConfig
	radio  Radio
	cache  *APCache
	logger *zap.Logger

	inProgress bool
	started    bool
	lastStart  uint64
	lastDone   uint64
	seen       uint64
	drops      uint64
	scans      uint64
	errors     uint64
	timeouts   uint64
}

// NewScanner returns an idle scanner.
func NewScanner(cfg ScanConfig, radio Radio, logger *zap.Logger) *Scanner {
	return &Scanner{
		cfg:    cfg,
		radio:  radio,
		cache:  NewAPCache(cfg.MaxResults, cfg.DedupeWindow),
		logger: logger,
	}
}

// MaybeStart kicks off a scan when enabled, connected, idle and the minimum
// interval since the previous start has passed. A scan running past the
// timeout is abandoned first.
func (s *Scanner) MaybeStart(now uint64, connected bool) {
	s.expire(now)
	if !s.cfg.Enabled || !connected || s.inProgress {
		return
	}
	if s.started && now-s.lastStart < uint64(s.cfg.Interval/time.Millisecond) {
		return
	}
	s.start(now)
}

// Force starts a scan now regardless of the enable flag and the interval.
// It fails with ErrScanBusy while a scan is in progress.
func (s *Scanner) Force(now uint64) error {
	s.expire(now)
	if s.inProgress {
		return ErrScanBusy
	}
	return s.start(now)
}

func (s *Scanner) expire(now uint64) {
	if !s.inProgress || s.cfg.Timeout <= 0 {
		return
	}
	if now-s.lastStart < uint64(s.cfg.Timeout/time.Millisecond) {
		return
	}
	s.inProgress = false
	s.timeouts++
	s.logger.Warn("wifi scan completion never arrived, abandoning scan",
		zap.Uint64("elapsed_ms", now-s.lastStart))
}

func (s *Scanner) start(now uint64) error {
	if err := s.radio.StartScan(s.cfg.Dwell); err != nil {
		s.errors++
		s.logger.Debug("wifi scan start failed", zap.Error(err))
		return err
	}
	s.inProgress = true
	s.started = true
	s.lastStart = now
	s.scans++
	return nil
}

// HandleScanDone fetches the finished scan's records and hands every AP the
// cache lets through to emit, up to the per-scan cap. emit reports whether
// the event was admitted.
func (s *Scanner) HandleScanDone(now uint64, emit func(APSeenData) bool) {
	s.inProgress = false
	s.lastDone = now

	records, err := s.radio.ScanResults(s.cfg.MaxResults)
	if err != nil {
		s.errors++
		s.logger.Debug("wifi scan records failed", zap.Error(err))
		return
	}

	emitted := 0
	for _, ap := range records {
		if emitted >= s.cfg.EmitPerScan {
			break
		}
		var key [6]byte
		copy(key[:], ap.BSSID)
		if !s.cache.ShouldEmit(key, now) {
			continue
		}
		emitted++
		if emit(APSeenPayload(ap)) {
			s.seen++
		} else {
			s.drops++
		}
	}
}

// Stats snapshots the counters.
func (s *Scanner) Stats() ScanStats {
	return ScanStats{
		Seen:       s.seen,
		Dedupe:     s.cache.Dedupes(),
		Drops:      s.drops,
		Scans:      s.scans,
		Errors:     s.errors,
		Timeouts:   s.timeouts,
		InProgress: s.inProgress,
		LastScanMs: s.lastStart,
		LastDoneMs: s.lastDone,
	}
}

// APSeenPayload converts a scan record into the wifi.ap_seen payload.
func APSeenPayload(ap AccessPoint) APSeenData {
	auth := ap.Auth
	if auth == "" {
		auth = AuthUnknown
	}
	return APSeenData{
		SSID:    ap.SSID,
		BSSID:   identity.FormatMAC(ap.BSSID),
		Channel: ap.Channel,
		RSSI:    ap.RSSI,
		Auth:    auth,
	}
}
