package addrutil

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Host extracts the host part from "host", "host:port" or bracketed IPv6
// forms. Returns "" for empty input.
func Host(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Unbracketed IPv6 "host:port": peel off the trailing ":port".
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if _, err := strconv.Atoi(a[last+1:]); err == nil {
				return a[:last]
			}
		}
	}

	if strings.Contains(a, ":") {
		// Likely raw IPv6 without a port.
		return strings.Trim(a, "[]")
	}
	return a
}

// WithPort joins a host (or host:port, whose port is replaced) with port.
func WithPort(addr string, port int) string {
	return net.JoinHostPort(Host(addr), strconv.Itoa(port))
}

// LocalPrefixes lists the IPv4 prefixes of all up, non-loopback interfaces.
func LocalPrefixes() ([]netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var prefixes []netip.Prefix
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipn, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipn.IP.To4())
			if !ok {
				continue
			}
			ones, _ := ipn.Mask.Size()
			prefix, err := ip.Prefix(ones)
			if err != nil {
				continue
			}
			prefixes = append(prefixes, netip.PrefixFrom(ip, prefix.Bits()))
		}
	}
	return prefixes, nil
}

// BroadcastAddr computes the directed broadcast address for an IPv4 prefix.
func BroadcastAddr(prefix netip.Prefix) (netip.Addr, bool) {
	addr := prefix.Masked().Addr()
	if !addr.Is4() || prefix.Bits() >= 32 {
		return netip.Addr{}, false
	}
	v := addr.As4()
	val := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	val |= (1 << (32 - prefix.Bits())) - 1
	return netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)}), true
}

// CandidateHosts returns the addresses at the given host offsets within the
// prefix's subnet, excluding the local address itself. Offsets beyond the
// subnet are skipped.
func CandidateHosts(prefix netip.Prefix, offsets []int) []netip.Addr {
	base := prefix.Masked().Addr()
	if !base.Is4() {
		return nil
	}
	v := base.As4()
	baseVal := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	size := uint32(1) << (32 - prefix.Bits())

	var hosts []netip.Addr
	for _, off := range offsets {
		if off <= 0 || uint32(off) >= size-1 {
			continue
		}
		val := baseVal + uint32(off)
		addr := netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
		if addr == prefix.Addr() {
			continue
		}
		hosts = append(hosts, addr)
	}
	return hosts
}
