package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"
)

// Scan domains accepted by POST /scan/once.
const (
	DomainWiFi = "wifi"
	DomainBLE  = "ble"
)

var errBLEDisabled = errors.New("ble scanning disabled")

// ScanRequest selects which radios ScanOnce restarts.
type ScanRequest struct {
	WiFi bool
	BLE  bool
}

// ParseScanRequest reads {"domains":["wifi","ble"]}. A missing body, bad
// JSON or a missing domains array selects both radios; unknown domain names
// are ignored.
func ParseScanRequest(body []byte) ScanRequest {
	var in struct {
		Domains []any `json:"domains"`
	}
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &in) != nil || in.Domains == nil {
		return ScanRequest{WiFi: true, BLE: true}
	}
	var req ScanRequest
	for _, d := range in.Domains {
		switch d {
		case DomainWiFi:
			req.WiFi = true
		case DomainBLE:
			req.BLE = true
		}
	}
	return req
}

// DomainResult is the outcome of one radio in a scan.once.
type DomainResult struct {
	OK  bool   `json:"ok"`
	Err string `json:"err,omitempty"`
}

// ScanResult is the POST /scan/once document.
type ScanResult struct {
	OK     bool          `json:"ok"`
	Action string        `json:"action"`
	WiFi   *DomainResult `json:"wifi,omitempty"`
	BLE    *DomainResult `json:"ble,omitempty"`
}

// BufferCleared is the POST /buffer/clear document.
type BufferCleared struct {
	OK      bool   `json:"ok"`
	Action  string `json:"action"`
	Cleared int    `json:"cleared"`
}

// ScanOnce starts a passive Wi-Fi scan and restarts BLE scanning now,
// bypassing the scan interval. Results arrive through the usual wifi.ap_seen
// and ble.seen events.
func (n *Node) ScanOnce(ctx context.Context, req ScanRequest) (ScanResult, error) {
	res := ScanResult{OK: true, Action: "scan.once"}
	err := n.Do(ctx, func() {
		now := n.clk.NowMs()
		if req.WiFi {
			res.WiFi = domainResult(n.apScan.Force(now))
			res.OK = res.OK && res.WiFi.OK
		}
		if req.BLE {
			err := errBLEDisabled
			if n.bleScan != nil {
				err = n.bleScan.Restart(now)
			}
			res.BLE = domainResult(err)
			res.OK = res.OK && res.BLE.OK
		}
	})
	return res, err
}

func domainResult(err error) *DomainResult {
	if err != nil {
		return &DomainResult{OK: false, Err: err.Error()}
	}
	return &DomainResult{OK: true}
}

// ClearBuffer empties the local log ring.
func (n *Node) ClearBuffer(ctx context.Context) (BufferCleared, error) {
	out := BufferCleared{OK: true, Action: "buffer.clear"}
	err := n.Do(ctx, func() {
		out.Cleared = n.sink.Clear()
		n.logger.Info("local log cleared", zap.Int("lines", out.Cleared))
	})
	return out, err
}

// ExportBuffer writes the local log ring to w, oldest first, one event per
// line. The ring is copied on the loop and written to w after.
func (n *Node) ExportBuffer(ctx context.Context, w io.Writer) (int, error) {
	var buf bytes.Buffer
	var lines int
	err := n.Do(ctx, func() {
		lines, _ = n.sink.Export(&buf)
	})
	if err != nil {
		return 0, err
	}
	if _, err := buf.WriteTo(w); err != nil {
		return lines, err
	}
	return lines, nil
}
