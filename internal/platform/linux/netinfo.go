//go:build linux

package linux

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"net"
	"os"
	"strings"
)

// interfaceIPv4 returns the first IPv4 address on the named interface.
func interfaceIPv4(name string) (net.IP, net.IPMask) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4, ipn.Mask
		}
	}
	return nil, nil
}

// defaultGateway reads the default route for name from /proc/net/route.
func defaultGateway(name string) net.IP {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return nil
	}
	defer f.Close()
	return parseRoutes(bufio.NewScanner(f), name)
}

func parseRoutes(sc *bufio.Scanner, name string) net.IP {
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[0] != name || fields[1] != "00000000" {
			continue
		}
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) != 4 {
			continue
		}
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, binary.BigEndian.Uint32(raw))
		return ip
	}
	return nil
}

// nameservers returns up to two resolvers from /etc/resolv.conf.
func nameservers() [2]net.IP {
	var out [2]net.IP
	f, err := os.Open("/etc/resolv.conf")
	if err != nil {
		return out
	}
	defer f.Close()
	return parseResolvConf(bufio.NewScanner(f))
}

func parseResolvConf(sc *bufio.Scanner) [2]net.IP {
	var out [2]net.IP
	n := 0
	for sc.Scan() && n < len(out) {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		if ip := net.ParseIP(fields[1]); ip != nil {
			out[n] = ip
			n++
		}
	}
	return out
}
