package util

import (
	"fmt"
	"net"
	"net/netip"
)

// NetInfo describes the interface a role binds to.
type NetInfo struct {
	Interface string
	LocalIP   netip.Addr
	Broadcast netip.Addr
}

// DefaultInterface picks the first up, non-loopback interface that carries an
// IPv4 address and derives its directed broadcast address from the netmask.
// This is what the discovery client probes through when no address is given.
func DefaultInterface() (NetInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return NetInfo{}, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			local, _ := netip.AddrFromSlice(ip4)
			return NetInfo{
				Interface: iface.Name,
				LocalIP:   local,
				Broadcast: broadcastOf(ip4, ipnet.Mask),
			}, nil
		}
	}
	return NetInfo{}, fmt.Errorf("no usable IPv4 interface found")
}

// broadcastOf computes the directed broadcast address for an IPv4 network.
func broadcastOf(ip net.IP, mask net.IPMask) netip.Addr {
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	var b [4]byte
	for i := 0; i < 4; i++ {
		b[i] = ip[i] | ^mask[i]
	}
	return netip.AddrFrom4(b)
}
