//go:build linux

// Package linux backs the node with a real nl80211 station interface.
// Association can be left to the OS supplicant; the backend then only
// observes link state and runs passive surveys.
package linux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mwifi "github.com/mdlayher/wifi"
	"github.com/strangelab/nodeagent/internal/platform"
	"github.com/strangelab/nodeagent/internal/wifi"
	"go.uber.org/zap"
)

// Config selects the interface and association mode.
type Config struct {
	Interface    string
	Associate    bool
	PollInterval time.Duration
	ScanTimeout  time.Duration
}

// WiFi is a station radio on a Linux wireless interface.
type WiFi struct {
	cfg    Config
	inbox  platform.Poster
	logger *zap.Logger
	ifi    *mwifi.Interface

	mu      sync.Mutex
	link    wifi.LinkInfo
	results []wifi.AccessPoint

	scanning atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBackend opens the configured interface (or the first station-mode
// interface) and starts the link monitor.
func NewBackend(ctx context.Context, cfg Config, inbox platform.Poster, logger *zap.Logger) (platform.Backend, error) {
	w, err := Open(ctx, cfg, inbox, logger)
	if err != nil {
		return platform.Backend{}, err
	}
	return platform.Backend{
		WiFi:   w,
		BLE:    platform.NoBLE{},
		System: platform.HostSystem{},
		Close:  w.Close,
	}, nil
}

// Open starts a radio posting link transitions to inbox.
func Open(ctx context.Context, cfg Config, inbox platform.Poster, logger *zap.Logger) (*WiFi, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 10 * time.Second
	}

	c, err := mwifi.New()
	if err != nil {
		return nil, fmt.Errorf("open wifi client: %w", err)
	}
	ifi, err := findInterface(c, cfg.Interface)
	if err != nil {
		c.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &WiFi{
		cfg:    cfg,
		inbox:  inbox,
		logger: logger,
		ifi:    ifi,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.monitor(ctx, c)
	logger.Info("wifi interface opened", zap.String("interface", ifi.Name), zap.Bool("associate", cfg.Associate))
	return w, nil
}

func findInterface(c *mwifi.Client, name string) (*mwifi.Interface, error) {
	ifaces, err := c.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate wifi interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		if name != "" && ifi.Name != name {
			continue
		}
		if ifi.Type == mwifi.InterfaceTypeStation {
			return ifi, nil
		}
	}
	if name != "" {
		return nil, fmt.Errorf("wifi interface %q not found or not in station mode", name)
	}
	return nil, errors.New("no station-mode wifi interface found")
}

// Close stops the link monitor.
func (w *WiFi) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (w *WiFi) MAC() net.HardwareAddr { return w.ifi.HardwareAddr }

// Connect asks the kernel to associate when the backend owns association;
// otherwise the supplicant does and the monitor reports the outcome.
func (w *WiFi) Connect(ssid, pass string) error {
	if !w.cfg.Associate {
		return nil
	}
	c, err := mwifi.New()
	if err != nil {
		return fmt.Errorf("open wifi client: %w", err)
	}
	defer c.Close()
	if pass == "" {
		err = c.Connect(w.ifi, ssid)
	} else {
		err = c.ConnectWPAPSK(w.ifi, ssid, pass)
	}
	if err != nil {
		return fmt.Errorf("connect %q: %w", ssid, err)
	}
	return nil
}

func (w *WiFi) Disconnect() error {
	if !w.cfg.Associate {
		return nil
	}
	c, err := mwifi.New()
	if err != nil {
		return fmt.Errorf("open wifi client: %w", err)
	}
	defer c.Close()
	if err := c.Disconnect(w.ifi); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (w *WiFi) Link() wifi.LinkInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.link
}

// StartScan triggers a scan in the background and posts WiFiScanDone when
// the BSS list has been collected. The kernel picks the dwell time.
func (w *WiFi) StartScan(time.Duration) error {
	if !w.scanning.CompareAndSwap(false, true) {
		return errors.New("scan already in progress")
	}
	go func() {
		defer w.scanning.Store(false)
		aps, err := w.scan()
		if err != nil {
			w.logger.Debug("wifi scan failed", zap.Error(err))
		}
		w.mu.Lock()
		w.results = aps
		w.mu.Unlock()
		w.inbox.Post(platform.Message{Kind: platform.WiFiScanDone})
	}()
	return nil
}

func (w *WiFi) scan() ([]wifi.AccessPoint, error) {
	c, err := mwifi.New()
	if err != nil {
		return nil, fmt.Errorf("open wifi client: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ScanTimeout)
	defer cancel()
	if err := c.Scan(ctx, w.ifi); err != nil && !errors.Is(err, mwifi.ErrScanAborted) {
		w.logger.Debug("wifi scan trigger failed, using cached results", zap.Error(err))
	}

	bssList, err := c.AccessPoints(w.ifi)
	if err != nil {
		return nil, fmt.Errorf("get access points: %w", err)
	}
	out := make([]wifi.AccessPoint, 0, len(bssList))
	for _, bss := range bssList {
		if bss.BSSID == nil {
			continue
		}
		out = append(out, wifi.AccessPoint{
			SSID:    bss.SSID,
			BSSID:   bss.BSSID,
			Channel: freqToChannel(bss.Frequency),
			RSSI:    int(bss.Signal / 100), // mBm to dBm
			Auth:    rsnToAuth(bss.RSN),
		})
	}
	return out, nil
}

func (w *WiFi) ScanResults(limit int) ([]wifi.AccessPoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := min(len(w.results), limit)
	return append([]wifi.AccessPoint(nil), w.results[:n]...), nil
}

// StartSoftAP is left to hostapd on Linux hosts.
func (w *WiFi) StartSoftAP(string) error {
	return platform.ErrUnsupported
}

func (w *WiFi) monitor(ctx context.Context, c *mwifi.Client) {
	defer close(w.done)
	defer c.Close()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var prev wifi.LinkInfo
	var prevUp bool
	for {
		link, up := w.sample(c)
		w.mu.Lock()
		w.link = link
		w.mu.Unlock()

		hasIP := up && link.IP != nil
		hadIP := prevUp && prev.IP != nil
		switch {
		case up && !prevUp:
			w.inbox.Post(platform.Message{Kind: platform.WiFiAssociated})
		case !up && prevUp:
			w.inbox.Post(platform.Message{Kind: platform.WiFiDisconnected, Reason: platform.ReasonUnspecified})
		}
		if hasIP && (!hadIP || !link.IP.Equal(prev.IP)) {
			w.inbox.Post(platform.Message{Kind: platform.WiFiGotIP})
		}
		prev, prevUp = link, up

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sample reads the current association. up is false when the interface is
// not associated.
func (w *WiFi) sample(c *mwifi.Client) (wifi.LinkInfo, bool) {
	bss, err := c.BSS(w.ifi)
	if err != nil {
		return wifi.LinkInfo{}, false
	}
	link := wifi.LinkInfo{
		SSID:    bss.SSID,
		BSSID:   bss.BSSID,
		Channel: freqToChannel(bss.Frequency),
		RSSI:    int(bss.Signal / 100), // mBm to dBm
		Auth:    rsnToAuth(bss.RSN),
	}
	link.IP, link.Mask = interfaceIPv4(w.ifi.Name)
	link.Gateway = defaultGateway(w.ifi.Name)
	link.DNS = nameservers()
	return link, true
}

// freqToChannel converts a center frequency in MHz to a channel number.
// Returns 0 for unrecognised frequencies.
func freqToChannel(freqMHz int) int {
	switch {
	case freqMHz == 2484:
		return 14
	case freqMHz >= 2412 && freqMHz < 2484:
		return (freqMHz-2412)/5 + 1
	case freqMHz >= 5180 && freqMHz <= 5885:
		return (freqMHz-5180)/5 + 36
	case freqMHz >= 5955 && freqMHz <= 7115:
		return (freqMHz-5955)/5 + 1
	}
	return 0
}

// rsnToAuth maps RSN information onto the auth names used in events.
func rsnToAuth(rsn mwifi.RSNInfo) string {
	if !rsn.IsInitialized() {
		return wifi.AuthOpen
	}

	var wpa3, wpa2, enterprise bool
	for _, akm := range rsn.AKMs {
		switch akm {
		case mwifi.RSNAkmSAE, mwifi.RSNAkmFTSAE:
			wpa3 = true
		case mwifi.RSNAkmPSK, mwifi.RSNAkmFTPSK:
			wpa2 = true
		case mwifi.RSNAkm8021X, mwifi.RSNAkmFT8021X:
			wpa2 = true
			enterprise = true
		}
	}
	switch {
	case wpa3 && wpa2:
		return wifi.AuthWPA2WPA3
	case wpa3:
		return wifi.AuthWPA3
	case wpa2 && enterprise:
		return wifi.AuthWPA2Ent
	case wpa2:
		return wifi.AuthWPA2
	}

	for _, cipher := range rsn.PairwiseCiphers {
		switch cipher {
		case mwifi.RSNCipherCCMP128, mwifi.RSNCipherGCMP128, mwifi.RSNCipherGCMP256, mwifi.RSNCipherCCMP256:
			return wifi.AuthWPA2
		case mwifi.RSNCipherTKIP:
			return wifi.AuthWPA
		case mwifi.RSNCipherWEP40, mwifi.RSNCipherWEP104:
			return wifi.AuthWEP
		}
	}
	return wifi.AuthUnknown
}
