package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/strangelab/nodeagent/internal/ble"
	"github.com/strangelab/nodeagent/internal/wifi"
)

// DemoConfig shapes the synthetic RF environment.
type DemoConfig struct {
	SSID        string
	Pass        string
	Devices     int
	APs         int
	AdvInterval time.Duration
	// ScanTime is how long a simulated passive sweep takes.
	ScanTime time.Duration
	Seed     uint64
}

// StartDemo populates the board with a joinable network and a set of access
// points, then advertises from a pool of synthetic BLE devices until ctx is
// done.
func (b *Board) StartDemo(ctx context.Context, cfg DemoConfig) {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	if cfg.SSID != "" {
		b.WiFi.AddNetwork(cfg.SSID, cfg.Pass, wifi.LinkInfo{
			BSSID:   net.HardwareAddr{0x02, 0x5e, 0x00, 0x00, 0x00, 0x01},
			Channel: 6,
			RSSI:    -52,
			IP:      net.IPv4(192, 168, 4, 23),
			Gateway: net.IPv4(192, 168, 4, 1),
			Mask:    net.CIDRMask(24, 32),
			DNS:     [2]net.IP{net.IPv4(192, 168, 4, 1), net.IPv4(1, 1, 1, 1)},
			Auth:    wifi.AuthWPA2,
		})
	}

	aps := make([]wifi.AccessPoint, cfg.APs)
	auths := []string{wifi.AuthOpen, wifi.AuthWPA2, wifi.AuthWPA2WPA3, wifi.AuthWPA3}
	for i := range aps {
		aps[i] = wifi.AccessPoint{
			SSID:    fmt.Sprintf("demo-ap-%02d", i),
			BSSID:   net.HardwareAddr{0x02, 0x5e, 0x01, 0x00, byte(i >> 8), byte(i)},
			Channel: 1 + rng.IntN(11),
			RSSI:    -35 - rng.IntN(55),
			Auth:    auths[rng.IntN(len(auths))],
		}
	}
	b.WiFi.SetAccessPoints(aps)
	b.WiFi.SetScanDuration(cfg.ScanTime)

	devices := make([]ble.Advertisement, cfg.Devices)
	for i := range devices {
		addrType := ble.AddrRandom
		if i%3 == 0 {
			addrType = ble.AddrPublic
		}
		devices[i] = ble.Advertisement{
			MAC:      fmt.Sprintf("c0:ff:ee:%02x:%02x:%02x", rng.IntN(256), i>>8&0xff, i&0xff),
			AddrType: addrType,
			Name:     fmt.Sprintf("demo-tag-%d", i),
			MfgLen:   uint8(rng.IntN(24)),
			SvcCount: uint8(rng.IntN(3)),
			Flags:    0x06,
		}
	}
	if len(devices) == 0 || cfg.AdvInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(cfg.AdvInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				adv := devices[rng.IntN(len(devices))]
				adv.RSSI = -40 - rng.IntN(60)
				b.BLE.Advertise(adv)
			}
		}
	}()
}
