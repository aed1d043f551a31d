// Package broadcastsel resolves a client's unicast address to the
// broadcast address of the local subnet it belongs to, so that server
// chunk broadcasts land on the same wire the requesting client is on.
package broadcastsel

import (
	"fmt"
	"net"
)

// Route is one enumerated interface's subnet: the interface address,
// its netmask, and the broadcast address derived from them.
type Route struct {
	IfAddr    net.IP
	Netmask   net.IPMask
	Broadcast net.IP
}

// Selector holds the routes discovered at startup. It is built once
// and never mutated afterward, so Resolve is safe for concurrent use
// without locking.
type Selector struct {
	routes []Route
}

// Discover enumerates every IPv4 interface that is up and has the
// broadcast flag set and records its (address, netmask, broadcast)
// triple. It is
// meant to run once at server startup.
func Discover() (*Selector, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("broadcastsel: list interfaces: %w", err)
	}

	var routes []Route
	for _, iface := range ifaces {
		if iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("broadcastsel: addrs for %s: %w", iface.Name, err)
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			bcast := broadcastAddr(ip4, mask)
			routes = append(routes, Route{IfAddr: ip4, Netmask: mask, Broadcast: bcast})
		}
	}
	return &Selector{routes: routes}, nil
}

// NewForTest builds a Selector from an explicit route list, bypassing
// interface enumeration.
func NewForTest(routes []Route) *Selector {
	return &Selector{routes: routes}
}

func broadcastAddr(ip net.IP, mask net.IPMask) net.IP {
	out := make(net.IP, len(ip))
	for i := range ip {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

func sameSubnet(a, b net.IP, mask net.IPMask) bool {
	for i := range mask {
		if a[i]&mask[i] != b[i]&mask[i] {
			return false
		}
	}
	return true
}

// Resolve returns the broadcast address of the first discovered route
// whose subnet contains client. No match is a hard error: the server
// refuses to send to an off-link client.
func (s *Selector) Resolve(client net.IP) (net.IP, error) {
	ip4 := client.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("broadcastsel: %s is not an IPv4 address", client)
	}
	for _, r := range s.routes {
		if sameSubnet(ip4, r.IfAddr, r.Netmask) {
			return r.Broadcast, nil
		}
	}
	return nil, fmt.Errorf("broadcastsel: no local subnet contains %s", client)
}
