// Package platform abstracts the radios and system facts of the board the
// node runs on. Radio callbacks never touch node state directly: they post
// Messages into an Inbox that the main loop drains.
package platform

import (
	"errors"
	"runtime"
	"time"

	"github.com/strangelab/nodeagent/internal/ble"
	"github.com/strangelab/nodeagent/internal/wifi"
)

// ErrUnsupported is returned by radios the backend does not provide.
var ErrUnsupported = errors.New("not supported on this platform")

// Kind identifies a radio message.
type Kind int

const (
	WiFiAssociated Kind = iota + 1
	WiFiGotIP
	WiFiDisconnected
	WiFiScanDone
	BLEAdvertisement
)

func (k Kind) String() string {
	switch k {
	case WiFiAssociated:
		return "wifi.associated"
	case WiFiGotIP:
		return "wifi.got_ip"
	case WiFiDisconnected:
		return "wifi.disconnected"
	case WiFiScanDone:
		return "wifi.scan_done"
	case BLEAdvertisement:
		return "ble.advertisement"
	}
	return "unknown"
}

// Message is a radio event. Reason is set for WiFiDisconnected, Adv for
// BLEAdvertisement.
type Message struct {
	Kind   Kind
	Reason int
	Adv    ble.Advertisement
}

// Disconnect reason codes reported with WiFiDisconnected (802.11 / ESP-IDF
// numbering).
const (
	ReasonUnspecified      = 1
	ReasonAssocLeave       = 8
	ReasonHandshakeTimeout = 15
	ReasonBeaconTimeout    = 200
	ReasonNoAPFound        = 201
	ReasonAuthFail         = 202
	ReasonConnectionFail   = 205
)

// Poster accepts radio messages without blocking.
type Poster interface {
	Post(Message) bool
}

// System reports board facts.
type System interface {
	ChipModel() string
	ChipRevision() string
	SDKVersion() string
	FreeHeap() uint64
}

// Backend bundles what a board provides.
type Backend struct {
	WiFi   wifi.Radio
	BLE    ble.Radio
	System System
	Close  func() error
}

// HostSystem reports the Go runtime as the board.
type HostSystem struct{}

func (HostSystem) ChipModel() string    { return runtime.GOOS + "/" + runtime.GOARCH }
func (HostSystem) ChipRevision() string { return "0" }
func (HostSystem) SDKVersion() string   { return runtime.Version() }

// FreeHeap approximates free heap as reserved-but-unallocated heap bytes.
func (HostSystem) FreeHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapSys - ms.HeapAlloc
}

// NoBLE is the radio for boards without a BLE controller.
type NoBLE struct{}

func (NoBLE) Scanning() bool                     { return false }
func (NoBLE) StartScan(_, _ time.Duration) error { return ErrUnsupported }
func (NoBLE) StopScan() error                    { return nil }
