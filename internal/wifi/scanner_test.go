package wifi

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func scanConfig() ScanConfig {
	return ScanConfig{
		Enabled:     true,
		Interval:    0,
		Dwell:       200 * time.Millisecond,
		MaxResults:  100,
		EmitPerScan: 100,
	}
}

func records(n int) []AccessPoint {
	out := make([]AccessPoint, n)
	for i := range out {
		out[i] = AccessPoint{
			SSID:    fmt.Sprintf("ap-%d", i),
			BSSID:   net.HardwareAddr{0x02, 0, 0, 0, byte(i >> 8), byte(i)},
			Channel: 1 + i%11,
			RSSI:    -40 - i%50,
			Auth:    AuthWPA2,
		}
	}
	return out
}

func TestScanner_RequiresConnection(t *testing.T) {
	radio := newFakeRadio()
	s := NewScanner(scanConfig(), radio, zaptest.NewLogger(t))

	s.MaybeStart(0, false)
	assert.Equal(t, 0, radio.scanStarts)

	s.MaybeStart(0, true)
	s.MaybeStart(1, true)
	assert.Equal(t, 1, radio.scanStarts, "no second scan while one is in progress")
	assert.Equal(t, uint64(1), s.Stats().Scans)
}

func TestScanner_MinimumInterval(t *testing.T) {
	cfg := scanConfig()
	cfg.Interval = 30 * time.Second
	radio := newFakeRadio()
	s := NewScanner(cfg, radio, zaptest.NewLogger(t))

	s.MaybeStart(1000, true)
	s.HandleScanDone(1500, func(APSeenData) bool { return true })
	s.MaybeStart(2000, true)
	assert.Equal(t, 1, radio.scanStarts)
	s.MaybeStart(31000, true)
	assert.Equal(t, 2, radio.scanStarts)
}

func TestScanner_Disabled(t *testing.T) {
	cfg := scanConfig()
	cfg.Enabled = false
	radio := newFakeRadio()
	NewScanner(cfg, radio, zaptest.NewLogger(t)).MaybeStart(0, true)
	assert.Equal(t, 0, radio.scanStarts)
}

func TestScanner_HandleScanDone(t *testing.T) {
	cfg := scanConfig()
	cfg.DedupeWindow = time.Minute
	radio := newFakeRadio()
	radio.records = records(5)
	s := NewScanner(cfg, radio, zaptest.NewLogger(t))

	var got []APSeenData
	emit := func(d APSeenData) bool {
		got = append(got, d)
		return len(got) <= 4
	}

	s.MaybeStart(0, true)
	s.HandleScanDone(300, emit)

	assert.Len(t, got, 5)
	assert.Equal(t, "02:00:00:00:00:00", got[0].BSSID)
	assert.Equal(t, "ap-0", got[0].SSID)
	st := s.Stats()
	assert.Equal(t, uint64(4), st.Seen)
	assert.Equal(t, uint64(1), st.Drops)
	assert.False(t, st.InProgress)

	s.MaybeStart(400, true)
	s.HandleScanDone(700, emit)
	assert.Len(t, got, 5, "repeat scan inside dedupe window emits nothing")
	assert.Equal(t, uint64(5), s.Stats().Dedupe)
}

func TestScanner_PerScanCap(t *testing.T) {
	cfg := scanConfig()
	cfg.EmitPerScan = 3
	radio := newFakeRadio()
	radio.records = records(10)
	s := NewScanner(cfg, radio, zaptest.NewLogger(t))

	n := 0
	s.MaybeStart(0, true)
	s.HandleScanDone(10, func(APSeenData) bool { n++; return true })
	assert.Equal(t, 3, n)
}

func TestScanner_RecordsError(t *testing.T) {
	radio := newFakeRadio()
	radio.recordsErr = errors.New("no memory")
	s := NewScanner(scanConfig(), radio, zaptest.NewLogger(t))

	s.MaybeStart(0, true)
	s.HandleScanDone(10, func(APSeenData) bool { t.Fatal("unexpected emit"); return false })
	assert.Equal(t, uint64(1), s.Stats().Errors)
	assert.False(t, s.Stats().InProgress)
}

func TestScanner_StartError(t *testing.T) {
	radio := newFakeRadio()
	radio.scanErr = errors.New("busy")
	s := NewScanner(scanConfig(), radio, zaptest.NewLogger(t))
	s.MaybeStart(0, true)
	assert.Equal(t, uint64(0), s.Stats().Scans)
	assert.Equal(t, uint64(1), s.Stats().Errors)
	assert.False(t, s.Stats().InProgress)
}

func TestScanner_AbandonsLostCompletion(t *testing.T) {
	cfg := scanConfig()
	cfg.Timeout = 10 * time.Second
	radio := newFakeRadio()
	s := NewScanner(cfg, radio, zaptest.NewLogger(t))

	s.MaybeStart(1000, true)
	// The completion never arrives.
	s.MaybeStart(10999, true)
	assert.Equal(t, 1, radio.scanStarts, "still waiting before the deadline")
	assert.True(t, s.Stats().InProgress)

	s.MaybeStart(11000, true)
	assert.Equal(t, 2, radio.scanStarts, "a new scan replaces the abandoned one")
	st := s.Stats()
	assert.EqualValues(t, 1, st.Timeouts)
	assert.True(t, st.InProgress)
	assert.EqualValues(t, 11000, st.LastScanMs)
}

func TestScanner_NoTimeoutWaitsForever(t *testing.T) {
	radio := newFakeRadio()
	s := NewScanner(scanConfig(), radio, zaptest.NewLogger(t))

	s.MaybeStart(0, true)
	s.MaybeStart(24*60*60*1000, true)
	assert.Equal(t, 1, radio.scanStarts)
	assert.Zero(t, s.Stats().Timeouts)
}

func TestScanner_Force(t *testing.T) {
	cfg := scanConfig()
	cfg.Enabled = false
	cfg.Interval = time.Hour
	cfg.Timeout = 5 * time.Second
	radio := newFakeRadio()
	s := NewScanner(cfg, radio, zaptest.NewLogger(t))

	assert.NoError(t, s.Force(100))
	assert.Equal(t, 1, radio.scanStarts, "forced scans ignore the enable flag")
	assert.ErrorIs(t, s.Force(200), ErrScanBusy)

	s.HandleScanDone(300, func(APSeenData) bool { return true })
	assert.NoError(t, s.Force(400), "forced scans ignore the interval")
	assert.Equal(t, 2, radio.scanStarts)

	assert.NoError(t, s.Force(5400), "a stuck scan does not block a forced one")
	assert.EqualValues(t, 1, s.Stats().Timeouts)

	radio.scanErr = errors.New("radio busy")
	s.HandleScanDone(5500, func(APSeenData) bool { return true })
	assert.Error(t, s.Force(5600))
}
