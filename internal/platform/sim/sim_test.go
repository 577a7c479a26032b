package sim

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/strangelab/nodeagent/internal/ble"
	"github.com/strangelab/nodeagent/internal/platform"
	"github.com/strangelab/nodeagent/internal/wifi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(in *platform.Inbox) []platform.Kind {
	var out []platform.Kind
	in.Drain(func(m platform.Message) { out = append(out, m.Kind) })
	return out
}

func TestWiFi_ConnectKnownNetwork(t *testing.T) {
	in := platform.NewInbox(16)
	w := NewWiFi(in, nil)
	w.AddNetwork("lab", "secret", wifi.LinkInfo{IP: net.IPv4(10, 0, 0, 2)})

	require.NoError(t, w.Connect("lab", "secret"))
	assert.Equal(t, []platform.Kind{platform.WiFiAssociated, platform.WiFiGotIP}, kinds(in))
	assert.Equal(t, "lab", w.Link().SSID)
	assert.Equal(t, "10.0.0.2", w.Link().IP.String())
}

func TestWiFi_ConnectFailures(t *testing.T) {
	in := platform.NewInbox(16)
	w := NewWiFi(in, nil)
	w.AddNetwork("lab", "secret", wifi.LinkInfo{})

	w.Connect("lab", "wrong")
	w.Connect("nowhere", "")
	var reasons []int
	in.Drain(func(m platform.Message) { reasons = append(reasons, m.Reason) })
	assert.Equal(t, []int{platform.ReasonHandshakeTimeout, platform.ReasonNoAPFound}, reasons)
	assert.Equal(t, []string{"lab", "nowhere"}, w.Attempts())
}

func TestWiFi_HoldAndComplete(t *testing.T) {
	in := platform.NewInbox(16)
	w := NewWiFi(in, nil)
	w.AddNetwork("lab", "", wifi.LinkInfo{})
	w.Hold(true)

	w.Connect("lab", "")
	assert.Empty(t, kinds(in))

	w.Complete()
	assert.Equal(t, []platform.Kind{platform.WiFiAssociated, platform.WiFiGotIP}, kinds(in))
}

func TestWiFi_ScanAndSoftAP(t *testing.T) {
	in := platform.NewInbox(16)
	w := NewWiFi(in, nil)
	w.SetAccessPoints([]wifi.AccessPoint{{SSID: "a"}, {SSID: "b"}, {SSID: "c"}})

	require.NoError(t, w.StartScan(200*time.Millisecond))
	assert.Equal(t, []platform.Kind{platform.WiFiScanDone}, kinds(in))
	got, err := w.ScanResults(2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.Error(t, w.StartSoftAP(""))
	require.NoError(t, w.StartSoftAP("StrangeLab-Setup-A1286F24"))
	assert.Equal(t, "StrangeLab-Setup-A1286F24", w.SoftAP())
}

func TestBLE_AdvertiseOnlyWhileScanning(t *testing.T) {
	in := platform.NewInbox(16)
	b := NewBLE(in)
	adv := ble.Advertisement{MAC: "aa:bb:cc:dd:ee:ff"}

	assert.False(t, b.Advertise(adv))
	require.NoError(t, b.StartScan(45*time.Millisecond, 15*time.Millisecond))
	assert.True(t, b.Advertise(adv))

	var got []platform.Message
	in.Drain(func(m platform.Message) { got = append(got, m) })
	require.Len(t, got, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got[0].Adv.MAC)
}

func TestBoard_Demo(t *testing.T) {
	in := platform.NewInbox(256)
	b := NewBoard(in)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.StartDemo(ctx, DemoConfig{SSID: "demo", Pass: "pw", Devices: 5, APs: 7, AdvInterval: time.Millisecond, Seed: 1})
	b.BLE.StartScan(0, 0)

	aps, err := b.WiFi.ScanResults(100)
	require.NoError(t, err)
	assert.Len(t, aps, 7)

	require.Eventually(t, func() bool { return in.Len() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.WiFi.Connect("demo", "pw"))
}

func TestWiFi_ScanDuration(t *testing.T) {
	in := platform.NewInbox(8)
	w := NewWiFi(in, nil)
	w.SetScanDuration(20 * time.Millisecond)

	require.NoError(t, w.StartScan(0))
	assert.Equal(t, 0, in.Len(), "scan should still be running")
	require.Eventually(t, func() bool { return in.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []platform.Kind{platform.WiFiScanDone}, kinds(in))
}
