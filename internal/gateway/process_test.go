//go:build windows

package gateway

import (
	"context"
	"net"
	"net/netip"
	"os"
	"testing"
)

// TestPortResolver_ResolveTCPListener opens a real TCP listener and checks
// that the resolver finds this test process as its owner, the same way the
// engine resolves a redirected flow's owning PID.
func TestPortResolver_ResolveTCPListener(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	localIP := netip.AddrFrom4([4]byte(addr.IP.To4()))

	pr := NewPortResolver()
	pid, err := pr.Resolve(context.Background(), localIP, uint16(addr.Port), false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pid != uint32(os.Getpid()) {
		t.Errorf("Resolve() PID = %d, want %d (own process)", pid, os.Getpid())
	}
}

// TestPortResolver_ResolveUDPSocket mirrors the TCP case for a bound UDP
// socket, which GetExtendedUdpTable reports without any connection state.
func TestPortResolver_ResolveUDPSocket(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	addr := conn.LocalAddr().(*net.UDPAddr)
	localIP := netip.AddrFrom4([4]byte(addr.IP.To4()))

	pr := NewPortResolver()
	pid, err := pr.Resolve(context.Background(), localIP, uint16(addr.Port), true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pid != uint32(os.Getpid()) {
		t.Errorf("Resolve() PID = %d, want %d (own process)", pid, os.Getpid())
	}
}

// TestPortResolver_CacheHit checks that a second Resolve for the same
// endpoint, issued before resolverCacheTTL elapses, returns the identical
// cached result even though the listener has been closed in between, so a
// fresh OS query would no longer find it.
func TestPortResolver_CacheHit(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)
	localIP := netip.AddrFrom4([4]byte(addr.IP.To4()))

	pr := NewPortResolver()
	first, err := pr.Resolve(context.Background(), localIP, uint16(addr.Port), false)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	ln.Close()

	second, err := pr.Resolve(context.Background(), localIP, uint16(addr.Port), false)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if first != second {
		t.Errorf("cached Resolve() = %d, want %d", second, first)
	}
}

func TestPortResolver_EnumerateTCPv4FindsOwnListener(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	pr := NewPortResolver()
	rows, err := pr.EnumerateTCPv4()
	if err != nil {
		t.Fatalf("EnumerateTCPv4: %v", err)
	}

	var found bool
	for _, row := range rows {
		if row.LocalPort == uint16(addr.Port) && row.PID == uint32(os.Getpid()) {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected own listening socket to appear in EnumerateTCPv4 rows")
	}
}

func TestNtohs(t *testing.T) {
	// A DWORD-packed port as GetExtendedTcpTable actually returns it: the
	// 16-bit port occupies the low two bytes, network byte order.
	cases := []struct {
		packed uint32
		want   uint16
	}{
		{0x0000BB01, 443},  // port 443 = 0x01BB
		{0x00005000, 80},   // port 80 = 0x0050
		{0x0000901F, 8080}, // port 8080 = 0x1F90
	}
	for _, c := range cases {
		if got := ntohs(c.packed); got != c.want {
			t.Errorf("ntohs(0x%08X) = %d, want %d", c.packed, got, c.want)
		}
	}
}
