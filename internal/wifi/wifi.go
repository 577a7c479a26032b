// Package wifi runs the station lifecycle, the passive AP survey and the
// per-BSSID emission cache.
package wifi

import (
	"net"
	"time"
)

// Auth mode names as reported in events.
const (
	AuthOpen       = "open"
	AuthWEP        = "wep"
	AuthWPA        = "wpa"
	AuthWPA2       = "wpa2"
	AuthWPAWPA2    = "wpa_wpa2"
	AuthWPA2Ent    = "wpa2_ent"
	AuthWPA3       = "wpa3"
	AuthWPA2WPA3   = "wpa2_wpa3"
	AuthWPA3Ent192 = "wpa3_ent_192"
	AuthUnknown    = "unknown"
)

// LinkInfo is the station's view of its current association.
type LinkInfo struct {
	SSID    string
	BSSID   net.HardwareAddr
	Channel int
	RSSI    int
	IP      net.IP
	Gateway net.IP
	Mask    net.IPMask
	DNS     [2]net.IP
	Auth    string
}

// AccessPoint is one scan record.
type AccessPoint struct {
	SSID    string
	BSSID   net.HardwareAddr
	Channel int
	RSSI    int
	Auth    string
}

// Radio is the 802.11 control surface the station and scanner drive.
// Association progress is reported asynchronously through the node inbox.
type Radio interface {
	MAC() net.HardwareAddr
	Connect(ssid, pass string) error
	Disconnect() error
	Link() LinkInfo
	StartScan(dwell time.Duration) error
	ScanResults(limit int) ([]AccessPoint, error)
	StartSoftAP(ssid string) error
}

// IPString renders ip, or "0.0.0.0" when unset.
func IPString(ip net.IP) string {
	if ip == nil || ip.IsUnspecified() {
		return "0.0.0.0"
	}
	return ip.String()
}

// MaskString renders m in dotted form, or "0.0.0.0" when unset.
func MaskString(m net.IPMask) string {
	if len(m) == 0 {
		return "0.0.0.0"
	}
	if len(m) == net.IPv6len {
		m = m[12:]
	}
	return net.IP(m).String()
}
