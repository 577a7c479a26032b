package wifi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStation(t *testing.T, radio *fakeRadio, creds Credentials) (*Station, *[]State) {
	t.Helper()
	s := NewStation(StationConfig{
		RetryBase:      time.Second,
		RetryMax:       30 * time.Second,
		ConnectTimeout: 15 * time.Second,
		Jitter:         func() uint64 { return 0 },
	}, radio, creds, zaptest.NewLogger(t))
	var seen []State
	s.OnStatus(func() { seen = append(seen, s.State()) })
	return s, &seen
}

func TestLoadCredentials(t *testing.T) {
	ctx := context.Background()

	creds, err := LoadCredentials(ctx, mapPrefs{"wifi/ssid": "lab", "wifi/pass": "pw"}, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, Credentials{SSID: "lab", Pass: "pw"}, creds)

	creds, err = LoadCredentials(ctx, mapPrefs{"wifi/ssid": "lab"}, Credentials{SSID: "cfg", Pass: "x"})
	require.NoError(t, err)
	assert.Equal(t, "cfg", creds.SSID)

	_, err = LoadCredentials(ctx, mapPrefs{}, Credentials{})
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestStation_HappyPath(t *testing.T) {
	radio := newFakeRadio()
	radio.link = LinkInfo{SSID: "lab", IP: net.IPv4(192, 168, 1, 50), Auth: AuthWPA2}
	s, seen := newTestStation(t, radio, Credentials{SSID: "lab"})

	s.Ensure(0)
	assert.Equal(t, StateConnecting, s.State())
	assert.Equal(t, 1, radio.connects)

	s.Ensure(10)
	assert.Equal(t, 1, radio.connects, "no new attempt while connecting")

	s.OnGotIP(500)
	assert.True(t, s.Connected())
	assert.Equal(t, AuthWPA2, s.AuthMode())
	assert.Equal(t, "192.168.1.50", s.IP())
	assert.Equal(t, []State{StateConnecting}, *seen)
}

func TestStation_DisconnectBackoff(t *testing.T) {
	radio := newFakeRadio()
	s, seen := newTestStation(t, radio, Credentials{SSID: "lab"})
	s.Ensure(0)
	s.OnGotIP(100)

	s.OnDisconnected(1000, 15)
	assert.Equal(t, StateBackoff, s.State())
	assert.Equal(t, 1, s.FailCount())
	assert.Equal(t, uint64(2000), s.NextAttemptMs())
	assert.Equal(t, 15, s.LastReason())

	s.Ensure(1999)
	assert.Equal(t, 1, radio.connects)
	s.Ensure(2000)
	assert.Equal(t, 2, radio.connects)

	s.OnDisconnected(2100, 201)
	assert.Equal(t, uint64(2100+2000), s.NextAttemptMs())

	assert.Equal(t, []State{StateConnecting, StateBackoff, StateConnecting, StateBackoff}, *seen)
}

func TestStation_DisconnectWhileBackoffIgnored(t *testing.T) {
	radio := newFakeRadio()
	s, _ := newTestStation(t, radio, Credentials{SSID: "lab"})
	s.Ensure(0)
	s.OnDisconnected(10, 2)
	s.OnDisconnected(20, 8)

	assert.Equal(t, 1, s.FailCount())
	assert.Equal(t, 2, s.LastReason(), "the echo does not replace the real cause")
}

func TestStation_FailCountSaturates(t *testing.T) {
	radio := newFakeRadio()
	s, _ := newTestStation(t, radio, Credentials{SSID: "lab"})

	now := uint64(0)
	for i := 0; i < 10; i++ {
		now = s.NextAttemptMs()
		s.Ensure(now)
		s.OnDisconnected(now, 1)
	}
	assert.Equal(t, 6, s.FailCount())
	assert.Equal(t, now+30000, s.NextAttemptMs())
}

func TestStation_ConnectTimeout(t *testing.T) {
	radio := newFakeRadio()
	s, _ := newTestStation(t, radio, Credentials{SSID: "lab"})
	s.Ensure(1000)

	s.CheckTimeout(16000)
	assert.Equal(t, StateConnecting, s.State())

	s.CheckTimeout(16001)
	assert.Equal(t, StateBackoff, s.State())
	assert.Equal(t, 1, radio.disconnects)
	assert.Equal(t, uint64(17001), s.NextAttemptMs())

	// The forced disassociation echoes back as a disconnect event.
	s.OnDisconnected(16002, 8)
	assert.Equal(t, 1, s.FailCount())
	assert.Equal(t, -1, s.LastReason(), "self-initiated disconnects carry no reason")
}

func TestStation_TimeoutKeepsEarlierReason(t *testing.T) {
	radio := newFakeRadio()
	s, _ := newTestStation(t, radio, Credentials{SSID: "lab"})
	s.Ensure(0)
	s.OnDisconnected(100, 201)
	require.Equal(t, StateBackoff, s.State())

	s.Ensure(s.NextAttemptMs())
	start := s.NextAttemptMs()
	s.CheckTimeout(start + 15001)
	s.OnDisconnected(start+15002, 8)

	assert.Equal(t, 201, s.LastReason())
	st := s.Status("node")
	require.NotNil(t, st.Reason)
	assert.Equal(t, 201, *st.Reason)
}

func TestStation_ConnectStartError(t *testing.T) {
	radio := newFakeRadio()
	radio.connectErr = errors.New("radio off")
	s, _ := newTestStation(t, radio, Credentials{SSID: "lab"})
	s.Ensure(0)
	assert.Equal(t, StateBackoff, s.State())
	assert.Equal(t, 1, s.FailCount())
}

func TestStation_NoCredentials(t *testing.T) {
	radio := newFakeRadio()
	s, _ := newTestStation(t, radio, Credentials{})
	assert.True(t, s.NeedsPortal())
	s.Ensure(0)
	assert.Equal(t, 0, radio.connects)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestStation_Status(t *testing.T) {
	radio := newFakeRadio()
	radio.link = LinkInfo{
		SSID:    "lab",
		BSSID:   net.HardwareAddr{0xAA, 0xBB, 0xCC, 0, 1, 2},
		Channel: 6,
		RSSI:    -48,
		IP:      net.IPv4(10, 0, 0, 7),
		Gateway: net.IPv4(10, 0, 0, 1),
		Mask:    net.CIDRMask(24, 32),
		DNS:     [2]net.IP{net.IPv4(10, 0, 0, 1)},
	}
	s, _ := newTestStation(t, radio, Credentials{SSID: "lab"})

	st := s.Status("node-a1b2c3")
	assert.False(t, st.Connected)
	assert.Nil(t, st.IP)
	assert.Nil(t, st.BSSID)
	assert.Nil(t, st.Reason)

	s.Ensure(0)
	s.OnGotIP(10)
	st = s.Status("node-a1b2c3")
	require.NotNil(t, st.IP)
	assert.Equal(t, "10.0.0.7", *st.IP)
	assert.Equal(t, "aa:bb:cc:00:01:02", *st.BSSID)
	assert.Equal(t, "255.255.255.0", st.Mask)
	assert.Equal(t, [2]string{"10.0.0.1", "0.0.0.0"}, st.DNS)
	assert.Equal(t, "24:6f:28:a1:b2:c3", st.MAC)
	assert.Equal(t, StateConnected, st.State)
}
