package wifi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/strangelab/nodeagent/internal/backoff"
	"github.com/strangelab/nodeagent/internal/identity"
	"go.uber.org/zap"
)

// State is the station lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
)

// Persisted credential location.
const (
	PrefsNamespace = "wifi"
	KeySSID        = "ssid"
	KeyPass        = "pass"
)

// ErrNoCredentials means neither configuration nor the prefs store hold an
// SSID; the node falls back to the provisioning portal.
var ErrNoCredentials = errors.New("no wifi credentials")

// Credentials for station association.
type Credentials struct {
	SSID string
	Pass string
}

// Prefs reads persisted preferences.
type Prefs interface {
	GetString(ctx context.Context, namespace, key, def string) (string, error)
}

// LoadCredentials reads the wifi namespace from prefs. A configured SSID
// overrides whatever is stored.
func LoadCredentials(ctx context.Context, prefs Prefs, configured Credentials) (Credentials, error) {
	if configured.SSID != "" {
		return configured, nil
	}
	ssid, err := prefs.GetString(ctx, PrefsNamespace, KeySSID, "")
	if err != nil {
		return Credentials{}, fmt.Errorf("load wifi ssid: %w", err)
	}
	pass, err := prefs.GetString(ctx, PrefsNamespace, KeyPass, "")
	if err != nil {
		return Credentials{}, fmt.Errorf("load wifi pass: %w", err)
	}
	if ssid == "" {
		return Credentials{}, ErrNoCredentials
	}
	return Credentials{SSID: ssid, Pass: pass}, nil
}

// StationConfig tunes retry and timeout behavior.
type StationConfig struct {
	RetryBase      time.Duration
	RetryMax       time.Duration
	ConnectTimeout time.Duration
	Jitter         backoff.Jitter
}

// StatusData is the data payload of a wifi.status event.
type StatusData struct {
	Connected bool      `json:"connected"`
	State     State     `json:"state"`
	SSID      string    `json:"ssid"`
	BSSID     *string   `json:"bssid"`
	Channel   int       `json:"channel"`
	IP        *string   `json:"ip"`
	MAC       string    `json:"mac"`
	Hostname  string    `json:"hostname"`
	RSSI      int       `json:"rssi"`
	Gateway   string    `json:"gw"`
	Mask      string    `json:"mask"`
	DNS       [2]string `json:"dns"`
	Auth      string    `json:"auth,omitempty"`
	Reason    *int      `json:"reason,omitempty"`
}

// Station is the association state machine. It never blocks: Connect only
// starts association and progress arrives through the On* methods. All
// methods run on the main loop.
type Station struct {
	radio   Radio
	policy  backoff.Policy
	timeout uint64
	logger  *zap.Logger
	creds   Credentials

	state        State
	failCount    int
	nextAttempt  uint64
	connectStart uint64
	lastReason   int
	authMode     string

	listener func()
}

// NewStation returns a disconnected station for creds.
func NewStation(cfg StationConfig, radio Radio, creds Credentials, logger *zap.Logger) *Station {
	return &Station{
		radio:      radio,
		policy:     backoff.Policy{Base: cfg.RetryBase, Max: cfg.RetryMax, Jitter: cfg.Jitter},
		timeout:    uint64(cfg.ConnectTimeout / time.Millisecond),
		logger:     logger,
		creds:      creds,
		state:      StateDisconnected,
		lastReason: -1,
	}
}

// OnStatus registers fn to run after every reported transition. Reaching
// connected is not reported here; the main loop detects it together with
// IP changes.
func (s *Station) OnStatus(fn func()) { s.listener = fn }

func (s *Station) notify() {
	if s.listener != nil {
		s.listener()
	}
}

// NeedsPortal reports whether there is nothing to associate with.
func (s *Station) NeedsPortal() bool { return s.creds.SSID == "" }

// Ensure starts an association attempt when idle and the retry time has come.
func (s *Station) Ensure(now uint64) {
	if s.state != StateDisconnected && s.state != StateBackoff {
		return
	}
	if s.NeedsPortal() || now < s.nextAttempt {
		return
	}
	if err := s.radio.Connect(s.creds.SSID, s.creds.Pass); err != nil {
		s.logger.Warn("wifi connect failed to start", zap.String("ssid", s.creds.SSID), zap.Error(err))
		s.fail(now)
		return
	}
	s.logger.Info("wifi connecting", zap.String("ssid", s.creds.SSID), zap.Int("fail_count", s.failCount))
	s.state = StateConnecting
	s.connectStart = now
	s.notify()
}

// OnAssociated handles link-layer association ahead of address assignment.
func (s *Station) OnAssociated(now uint64) {
	if s.state == StateConnecting || s.state == StateConnected {
		return
	}
	s.state = StateConnecting
	s.connectStart = now
	s.notify()
}

// OnGotIP completes association.
func (s *Station) OnGotIP(uint64) {
	s.state = StateConnected
	s.failCount = 0
	s.connectStart = 0
	if auth := s.radio.Link().Auth; auth != "" {
		s.authMode = auth
	}
	s.logger.Info("wifi connected", zap.String("ip", IPString(s.radio.Link().IP)))
}

// OnDisconnected moves to backoff when an association was up or in
// progress and records reason. Reports arriving in any other state echo the
// station's own disassociation and are ignored.
func (s *Station) OnDisconnected(now uint64, reason int) {
	if s.state != StateConnecting && s.state != StateConnected {
		return
	}
	s.lastReason = reason
	s.logger.Info("wifi disconnected", zap.Int("reason", reason), zap.String("from", string(s.state)))
	s.fail(now)
}

// CheckTimeout abandons an association attempt that has run longer than the
// connect timeout.
func (s *Station) CheckTimeout(now uint64) {
	if s.state != StateConnecting || s.connectStart == 0 {
		return
	}
	if now-s.connectStart <= s.timeout {
		return
	}
	s.logger.Warn("wifi connect timed out", zap.Uint64("elapsed_ms", now-s.connectStart))
	if err := s.radio.Disconnect(); err != nil {
		s.logger.Warn("wifi disconnect failed", zap.Error(err))
	}
	s.fail(now)
}

func (s *Station) fail(now uint64) {
	delay := s.policy.Delay(s.failCount)
	s.failCount = backoff.Bump(s.failCount)
	s.nextAttempt = now + delay
	s.state = StateBackoff
	s.connectStart = 0
	s.notify()
}

func (s *Station) State() State             { return s.state }
func (s *Station) Connected() bool          { return s.state == StateConnected }
func (s *Station) FailCount() int           { return s.failCount }
func (s *Station) NextAttemptMs() uint64    { return s.nextAttempt }
func (s *Station) LastReason() int          { return s.lastReason }
func (s *Station) AuthMode() string         { return s.authMode }
func (s *Station) Credentials() Credentials { return s.creds }

// IP returns the current address, or "" when not connected.
func (s *Station) IP() string {
	if !s.Connected() {
		return ""
	}
	return IPString(s.radio.Link().IP)
}

// Status snapshots the wifi.status payload.
func (s *Station) Status(hostname string) StatusData {
	link := s.radio.Link()
	d := StatusData{
		Connected: s.Connected(),
		State:     s.state,
		SSID:      link.SSID,
		Channel:   link.Channel,
		MAC:       identity.FormatMAC(s.radio.MAC()),
		Hostname:  hostname,
		RSSI:      link.RSSI,
		Gateway:   IPString(link.Gateway),
		Mask:      MaskString(link.Mask),
		DNS:       [2]string{IPString(link.DNS[0]), IPString(link.DNS[1])},
		Auth:      s.authMode,
	}
	if d.Connected {
		ip := IPString(link.IP)
		d.IP = &ip
		if bssid := identity.FormatMAC(link.BSSID); bssid != "" {
			d.BSSID = &bssid
		}
	}
	if s.lastReason >= 0 {
		reason := s.lastReason
		d.Reason = &reason
	}
	return d
}
