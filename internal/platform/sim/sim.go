// Package sim is a deterministic in-memory board: a Wi-Fi radio with
// scripted networks and access points, and a BLE controller fed by tests or
// by the demo generator.
package sim

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/strangelab/nodeagent/internal/ble"
	"github.com/strangelab/nodeagent/internal/platform"
	"github.com/strangelab/nodeagent/internal/wifi"
)

// DefaultMAC is the factory address of a simulated board.
var DefaultMAC = net.HardwareAddr{0x24, 0x6f, 0x28, 0xa1, 0xb2, 0xc3}

// Network is a joinable simulated network.
type Network struct {
	Pass string
	Link wifi.LinkInfo
}

// WiFi simulates a station radio. Association completes synchronously
// unless Hold is set, in which case Connect only records the attempt.
type WiFi struct {
	mu       sync.Mutex
	inbox    platform.Poster
	mac      net.HardwareAddr
	networks map[string]Network
	aps      []wifi.AccessPoint
	link     wifi.LinkInfo
	up       bool
	hold     bool
	attempts []string
	softAP   string
	scanErr  error
	scanTime time.Duration
	loseDone bool
}

// NewWiFi returns a radio posting to inbox.
func NewWiFi(inbox platform.Poster, mac net.HardwareAddr) *WiFi {
	if mac == nil {
		mac = DefaultMAC
	}
	return &WiFi{inbox: inbox, mac: mac, networks: map[string]Network{}}
}

// AddNetwork makes ssid joinable with pass.
func (w *WiFi) AddNetwork(ssid, pass string, link wifi.LinkInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	link.SSID = ssid
	w.networks[ssid] = Network{Pass: pass, Link: link}
}

// SetAccessPoints replaces what the next scan reports.
func (w *WiFi) SetAccessPoints(aps []wifi.AccessPoint) {
	w.mu.Lock()
	w.aps = append([]wifi.AccessPoint(nil), aps...)
	w.mu.Unlock()
}

// Hold makes Connect leave association pending until Complete or Drop.
func (w *WiFi) Hold(hold bool) {
	w.mu.Lock()
	w.hold = hold
	w.mu.Unlock()
}

// FailScans makes StartScan return err (nil restores scanning).
func (w *WiFi) FailScans(err error) {
	w.mu.Lock()
	w.scanErr = err
	w.mu.Unlock()
}

// LoseScanCompletions makes scans start but never report completion, as a
// driver that swallowed the event would.
func (w *WiFi) LoseScanCompletions(lose bool) {
	w.mu.Lock()
	w.loseDone = lose
	w.mu.Unlock()
}

func (w *WiFi) MAC() net.HardwareAddr { return w.mac }

// Connect starts association with ssid.
func (w *WiFi) Connect(ssid, pass string) error {
	w.mu.Lock()
	w.attempts = append(w.attempts, ssid)
	w.link = wifi.LinkInfo{SSID: ssid}
	w.up = false
	if w.hold {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()
	w.settle(ssid, pass)
	return nil
}

// Complete finishes the pending association as if the radio had done so.
func (w *WiFi) Complete() {
	w.mu.Lock()
	var ssid, pass string
	if n := len(w.attempts); n > 0 {
		ssid = w.attempts[n-1]
		pass = w.networks[ssid].Pass
	}
	w.mu.Unlock()
	w.settle(ssid, pass)
}

func (w *WiFi) settle(ssid, pass string) {
	w.mu.Lock()
	n, ok := w.networks[ssid]
	switch {
	case !ok:
		w.mu.Unlock()
		w.inbox.Post(platform.Message{Kind: platform.WiFiDisconnected, Reason: platform.ReasonNoAPFound})
	case n.Pass != pass:
		w.mu.Unlock()
		w.inbox.Post(platform.Message{Kind: platform.WiFiDisconnected, Reason: platform.ReasonHandshakeTimeout})
	default:
		w.link = n.Link
		w.up = true
		w.mu.Unlock()
		w.inbox.Post(platform.Message{Kind: platform.WiFiAssociated})
		w.inbox.Post(platform.Message{Kind: platform.WiFiGotIP})
	}
}

// Drop tears the link down with reason, as an AP deauth would.
func (w *WiFi) Drop(reason int) {
	w.mu.Lock()
	w.up = false
	w.link.IP = nil
	w.link.BSSID = nil
	w.mu.Unlock()
	w.inbox.Post(platform.Message{Kind: platform.WiFiDisconnected, Reason: reason})
}

// Readdress changes the station IP while staying associated.
func (w *WiFi) Readdress(ip net.IP) {
	w.mu.Lock()
	w.link.IP = ip
	w.mu.Unlock()
	w.inbox.Post(platform.Message{Kind: platform.WiFiGotIP})
}

func (w *WiFi) Disconnect() error {
	w.mu.Lock()
	wasUp := w.up
	w.up = false
	w.link.IP = nil
	w.mu.Unlock()
	if wasUp || w.hold {
		w.inbox.Post(platform.Message{Kind: platform.WiFiDisconnected, Reason: platform.ReasonAssocLeave})
	}
	return nil
}

func (w *WiFi) Link() wifi.LinkInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.link
}

// SetScanDuration makes scans complete d after StartScan instead of
// immediately.
func (w *WiFi) SetScanDuration(d time.Duration) {
	w.mu.Lock()
	w.scanTime = d
	w.mu.Unlock()
}

// StartScan posts ScanDone once the scan duration has elapsed; the results
// are read then.
func (w *WiFi) StartScan(time.Duration) error {
	w.mu.Lock()
	err, d, lose := w.scanErr, w.scanTime, w.loseDone
	w.mu.Unlock()
	if err != nil {
		return err
	}
	if lose {
		return nil
	}
	done := platform.Message{Kind: platform.WiFiScanDone}
	if d <= 0 {
		w.inbox.Post(done)
		return nil
	}
	time.AfterFunc(d, func() { w.inbox.Post(done) })
	return nil
}

func (w *WiFi) ScanResults(limit int) ([]wifi.AccessPoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := min(len(w.aps), limit)
	return append([]wifi.AccessPoint(nil), w.aps[:n]...), nil
}

func (w *WiFi) StartSoftAP(ssid string) error {
	if ssid == "" {
		return errors.New("soft-ap ssid required")
	}
	w.mu.Lock()
	w.softAP = ssid
	w.mu.Unlock()
	return nil
}

// SoftAP returns the SSID of the running soft-AP, if any.
func (w *WiFi) SoftAP() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.softAP
}

// Attempts lists the SSIDs Connect was called with.
func (w *WiFi) Attempts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.attempts...)
}

// BLE simulates a BLE controller.
type BLE struct {
	mu       sync.Mutex
	inbox    platform.Poster
	scanning bool
	starts   int
	startErr error
}

// NewBLE returns a controller posting to inbox.
func NewBLE(inbox platform.Poster) *BLE {
	return &BLE{inbox: inbox}
}

func (b *BLE) Scanning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanning
}

func (b *BLE) StartScan(_, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.startErr != nil {
		return b.startErr
	}
	b.scanning = true
	return nil
}

func (b *BLE) StopScan() error {
	b.mu.Lock()
	b.scanning = false
	b.mu.Unlock()
	return nil
}

// FailStarts makes StartScan return err (nil restores it).
func (b *BLE) FailStarts(err error) {
	b.mu.Lock()
	b.startErr = err
	b.mu.Unlock()
}

// Advertise delivers adv if the controller is scanning.
func (b *BLE) Advertise(adv ble.Advertisement) bool {
	if !b.Scanning() {
		return false
	}
	return b.inbox.Post(platform.Message{Kind: platform.BLEAdvertisement, Adv: adv})
}

// Starts counts StartScan calls.
func (b *BLE) Starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// System is a fixed board description with an adjustable heap.
type System struct {
	mu   sync.Mutex
	heap uint64
}

// NewSystem returns a board reporting heap free bytes.
func NewSystem(heap uint64) *System { return &System{heap: heap} }

func (s *System) ChipModel() string    { return "sim" }
func (s *System) ChipRevision() string { return "1" }
func (s *System) SDKVersion() string   { return "sim-1" }

func (s *System) FreeHeap() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap
}

// SetFreeHeap changes what FreeHeap reports.
func (s *System) SetFreeHeap(v uint64) {
	s.mu.Lock()
	s.heap = v
	s.mu.Unlock()
}

// Board is a complete simulated backend.
type Board struct {
	WiFi   *WiFi
	BLE    *BLE
	System *System
}

// NewBoard wires a simulated board to inbox.
func NewBoard(inbox platform.Poster) *Board {
	return &Board{
		WiFi:   NewWiFi(inbox, nil),
		BLE:    NewBLE(inbox),
		System: NewSystem(200 * 1024),
	}
}

// Backend exposes the board through the platform interfaces.
func (b *Board) Backend() platform.Backend {
	return platform.Backend{
		WiFi:   b.WiFi,
		BLE:    b.BLE,
		System: b.System,
		Close:  func() error { return nil },
	}
}
