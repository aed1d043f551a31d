package broadcastsel

import (
	"net"
	"testing"
)

func route(ifAddr, mask, bcast string) Route {
	return Route{
		IfAddr:    net.ParseIP(ifAddr).To4(),
		Netmask:   net.IPMask(net.ParseIP(mask).To4()),
		Broadcast: net.ParseIP(bcast).To4(),
	}
}

func TestResolveMatchesContainingSubnet(t *testing.T) {
	s := NewForTest([]Route{
		route("192.168.1.1", "255.255.255.0", "192.168.1.255"),
		route("10.0.0.1", "255.255.0.0", "10.0.255.255"),
	})

	got, err := s.Resolve(net.ParseIP("192.168.1.42"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Equal(net.ParseIP("192.168.1.255")) {
		t.Fatalf("got %s want 192.168.1.255", got)
	}

	got, err = s.Resolve(net.ParseIP("10.0.9.9"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Equal(net.ParseIP("10.0.255.255")) {
		t.Fatalf("got %s want 10.0.255.255", got)
	}
}

func TestResolveReturnsErrorForOffLinkClient(t *testing.T) {
	s := NewForTest([]Route{
		route("192.168.1.1", "255.255.255.0", "192.168.1.255"),
	})
	if _, err := s.Resolve(net.ParseIP("172.16.0.5")); err == nil {
		t.Fatalf("expected error for off-link client")
	}
}

func TestResolveFirstMatchingRouteWins(t *testing.T) {
	// Two overlapping routes; the first one registered should win, per
	// the documented "first triple whose subnet contains the client"
	// rule.
	s := NewForTest([]Route{
		route("192.168.1.1", "255.255.255.0", "192.168.1.255"),
		route("192.168.1.2", "255.255.0.0", "192.168.255.255"),
	})
	got, err := s.Resolve(net.ParseIP("192.168.1.50"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Equal(net.ParseIP("192.168.1.255")) {
		t.Fatalf("expected first route to win, got %s", got)
	}
}

func TestBroadcastAddrComputation(t *testing.T) {
	ip := net.ParseIP("192.168.1.42").To4()
	mask := net.IPMask(net.ParseIP("255.255.255.0").To4())
	got := broadcastAddr(ip, mask)
	if !got.Equal(net.ParseIP("192.168.1.255")) {
		t.Fatalf("got %s want 192.168.1.255", got)
	}
}

func TestResolveRejectsNonIPv4(t *testing.T) {
	s := NewForTest([]Route{route("192.168.1.1", "255.255.255.0", "192.168.1.255")})
	if _, err := s.Resolve(net.ParseIP("::1")); err == nil {
		t.Fatalf("expected error for non-IPv4 address")
	}
}
