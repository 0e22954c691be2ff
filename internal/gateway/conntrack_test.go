//go:build windows

package gateway

import (
	"net"
	"net/netip"
	"testing"
)

func TestConnMaps_LookupExactEndpoint(t *testing.T) {
	cm := newConnMaps()
	ip := netip.MustParseAddr("10.0.0.5")
	cm.ByEndpoint[endpointKey{ProtoTCP, ip, 443}] = 1234

	pid, ok := cm.Lookup(ProtoTCP, ip, 443)
	if !ok || pid != 1234 {
		t.Fatalf("Lookup() = (%d, %v), want (1234, true)", pid, ok)
	}
}

func TestConnMaps_LookupFallsBackToWildcardPort(t *testing.T) {
	cm := newConnMaps()
	cm.ByPort[portKey{ProtoUDP, 53}] = 5678

	// No entry for this specific IP, but a wildcard (0.0.0.0-bound) process
	// owns the port.
	ip := netip.MustParseAddr("10.0.0.5")
	pid, ok := cm.Lookup(ProtoUDP, ip, 53)
	if !ok || pid != 5678 {
		t.Fatalf("Lookup() = (%d, %v), want (5678, true)", pid, ok)
	}
}

func TestConnMaps_LookupMiss(t *testing.T) {
	cm := newConnMaps()
	ip := netip.MustParseAddr("10.0.0.5")
	if _, ok := cm.Lookup(ProtoTCP, ip, 9999); ok {
		t.Error("expected no match against an empty ConnMaps")
	}
}

// TestConnTracker_PollOnceFindsOwnListener drives a real poll against the OS
// connection table and checks the published snapshot resolves this test
// process's own listening socket, exercising the same path the Connection
// Tracker (C3) runs on its ticker.
func TestConnTracker_PollOnceFindsOwnListener(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)
	localIP := netip.AddrFrom4([4]byte(addr.IP.To4()))

	ct := NewConnTracker(NewPortResolver())
	ct.pollOnce()

	snap := ct.Snapshot()
	if _, ok := snap.Lookup(ProtoTCP, localIP, uint16(addr.Port)); !ok {
		t.Error("expected freshly polled snapshot to resolve own listening socket")
	}
}

func TestConnTracker_SnapshotStartsEmpty(t *testing.T) {
	ct := NewConnTracker(NewPortResolver())
	snap := ct.Snapshot()
	if snap == nil {
		t.Fatal("expected an initial non-nil snapshot before the first poll")
	}
	if len(snap.ByEndpoint) != 0 || len(snap.ByPort) != 0 {
		t.Error("expected the initial snapshot to be empty")
	}
}
