// Package identity derives the node identifier, hostname and provisioning
// SSID from configuration and hardware addresses.
package identity

import (
	"fmt"
	"net"
	"strings"
)

// DefaultNodeID is used when neither configuration nor a MAC address can
// name the node.
const DefaultNodeID = "node-unknown"

// PortalSSIDPrefix prefixes the soft-AP name of the provisioning portal.
const PortalSSIDPrefix = "StrangeLab-Setup-"

// NodeID returns configured when set, otherwise a name derived from the last
// three bytes of mac ("node-a1b2c3"), otherwise DefaultNodeID.
func NodeID(configured string, mac net.HardwareAddr) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	if len(mac) >= 3 {
		tail := mac[len(mac)-3:]
		return fmt.Sprintf("node-%02x%02x%02x", tail[0], tail[1], tail[2])
	}
	return DefaultNodeID
}

// SanitizeHostname lowercases raw and keeps only [a-z0-9-]. An empty result
// becomes "node".
func SanitizeHostname(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "node"
	}
	return b.String()
}

// PortalSSID names the captive provisioning AP after the low 32 bits of the
// factory MAC (efuse) value.
func PortalSSID(efuse uint64) string {
	return PortalSSIDPrefix + strings.ToUpper(fmt.Sprintf("%x", uint32(efuse)))
}

// EfuseFromMAC packs a hardware address into the integer form used by
// PortalSSID (little-endian, as the radio reports it).
func EfuseFromMAC(mac net.HardwareAddr) uint64 {
	var v uint64
	for i := len(mac) - 1; i >= 0; i-- {
		v = v<<8 | uint64(mac[i])
	}
	return v
}

// FormatMAC renders b in lowercase colon form. Returns "" for an empty slice.
func FormatMAC(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return strings.ToLower(net.HardwareAddr(b).String())
}
