package identity

import (
	"net"
	"testing"
)

func TestNodeID(t *testing.T) {
	mac := net.HardwareAddr{0x24, 0x6f, 0x28, 0xA1, 0xB2, 0xC3}

	tests := []struct {
		name       string
		configured string
		mac        net.HardwareAddr
		want       string
	}{
		{"configured wins", "lab-node-1", mac, "lab-node-1"},
		{"whitespace ignored", "   ", mac, "node-a1b2c3"},
		{"mac fallback", "", mac, "node-a1b2c3"},
		{"no mac", "", nil, DefaultNodeID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NodeID(tt.configured, tt.mac); got != tt.want {
				t.Errorf("NodeID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeHostname(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Node-Alpha_01", "node-alpha01"},
		{"lab.node 7", "labnode7"},
		{"___", "node"},
		{"", "node"},
		{"ÄBC", "bc"},
	}
	for _, tt := range tests {
		if got := SanitizeHostname(tt.in); got != tt.want {
			t.Errorf("SanitizeHostname(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPortalSSID_Deterministic(t *testing.T) {
	mac := net.HardwareAddr{0x24, 0x6f, 0x28, 0xa1, 0xb2, 0xc3}
	a := PortalSSID(EfuseFromMAC(mac))
	b := PortalSSID(EfuseFromMAC(mac))
	if a != b {
		t.Fatalf("PortalSSID not deterministic: %q vs %q", a, b)
	}
	if want := "StrangeLab-Setup-A1286F24"; a != want {
		t.Errorf("PortalSSID = %q, want %q", a, want)
	}
}

func TestFormatMAC(t *testing.T) {
	if got := FormatMAC([]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}); got != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("FormatMAC = %q", got)
	}
	if got := FormatMAC(nil); got != "" {
		t.Errorf("FormatMAC(nil) = %q, want empty", got)
	}
}
