//go:build windows

package gateway

import (
	"net/netip"
	"testing"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNatTable_InsertLookupRoundTrip(t *testing.T) {
	nt := NewNatTable()
	localIP := mustAddr(t, "10.0.0.5")
	remoteIP := mustAddr(t, "93.184.216.34")

	entry := &NatEntry{
		OriginalSrcIP:   localIP,
		OriginalSrcPort: 51000,
		OriginalDstIP:   remoteIP,
		OriginalDstPort: 443,
		SourceRole:      RolePhysical,
	}
	nt.Insert(ProtoTCP, localIP, 51000, remoteIP, 443, entry)

	got, ok := nt.Lookup(ProtoTCP, localIP, 51000, remoteIP, 443)
	if !ok {
		t.Fatal("expected lookup to find the inserted entry")
	}
	if got != entry {
		t.Error("lookup returned a different entry than was inserted")
	}

	// A different protocol on the same 4-tuple must not collide (flowKey
	// includes proto).
	if _, ok := nt.Lookup(ProtoUDP, localIP, 51000, remoteIP, 443); ok {
		t.Error("UDP lookup unexpectedly matched a TCP-keyed entry")
	}
}

func TestNatTable_LookupByRewrittenSource(t *testing.T) {
	nt := NewNatTable()
	remoteIP := mustAddr(t, "93.184.216.34")
	rewrittenIP := mustAddr(t, "192.168.1.50")
	originalIP := mustAddr(t, "10.0.0.5")

	entry := &NatEntry{OriginalSrcIP: originalIP, OriginalSrcPort: 51000, SourceRole: RolePhysical}

	// redirect() inserts keyed by the rewritten endpoint: that's the only
	// address reply traffic is ever addressed to, so it's the only key an
	// inbound lookup can use.
	nt.Insert(ProtoTCP, rewrittenIP, 51000, remoteIP, 443, entry)

	got, ok := nt.LookupByRewrittenSource(ProtoTCP, rewrittenIP, 51000, remoteIP, 443)
	if !ok || got != entry {
		t.Fatal("LookupByRewrittenSource did not find the entry by its rewritten endpoint")
	}

	// The pre-rewrite local endpoint was never used as a key, so it must
	// not match.
	if _, ok := nt.LookupByRewrittenSource(ProtoTCP, originalIP, 51000, remoteIP, 443); ok {
		t.Error("LookupByRewrittenSource matched the pre-rewrite endpoint, not the rewritten one")
	}
}

func TestNatTable_DeleteRemovesEntry(t *testing.T) {
	nt := NewNatTable()
	ip := mustAddr(t, "10.0.0.5")
	remote := mustAddr(t, "1.1.1.1")

	nt.Insert(ProtoUDP, ip, 12345, remote, 53, &NatEntry{})
	nt.Delete(ProtoUDP, ip, 12345, remote, 53)

	if _, ok := nt.Lookup(ProtoUDP, ip, 12345, remote, 53); ok {
		t.Error("expected entry to be gone after Delete")
	}
}

func TestNatTable_Count(t *testing.T) {
	nt := NewNatTable()
	remote := mustAddr(t, "8.8.8.8")
	for i := 0; i < 10; i++ {
		ip := mustAddr(t, "10.0.0.5")
		nt.Insert(ProtoTCP, ip, uint16(20000+i), remote, 443, &NatEntry{})
	}
	if n := nt.Count(); n != 10 {
		t.Errorf("Count() = %d, want 10", n)
	}
}

func TestNatTable_TouchUpdatesLastActivity(t *testing.T) {
	nt := NewNatTable()
	entry := &NatEntry{}
	nt.nowSec.Store(1000)
	nt.Touch(entry)
	if entry.LastActivity != 1000 {
		t.Errorf("LastActivity = %d, want 1000", entry.LastActivity)
	}
}

func TestFlowPolicyCache_SetGetClear(t *testing.T) {
	fc := NewFlowPolicyCache()
	local := mustAddr(t, "10.0.0.5")
	remote := mustAddr(t, "1.2.3.4")

	if _, ok := fc.Get(ProtoTCP, local, 4000, remote, 80); ok {
		t.Fatal("expected no cached decision before Set")
	}

	fc.Set(ProtoTCP, local, 4000, remote, 80, DecisionRedirectToPhysical)
	got, ok := fc.Get(ProtoTCP, local, 4000, remote, 80)
	if !ok || got != DecisionRedirectToPhysical {
		t.Fatalf("Get() = (%v, %v), want (RedirectToPhysical, true)", got, ok)
	}

	fc.Clear(ProtoTCP, local, 4000, remote, 80)
	if _, ok := fc.Get(ProtoTCP, local, 4000, remote, 80); ok {
		t.Error("expected decision to be gone after Clear")
	}
}

func TestFlowPolicyCache_Count(t *testing.T) {
	fc := NewFlowPolicyCache()
	remote := mustAddr(t, "1.2.3.4")
	for i := 0; i < 5; i++ {
		local := mustAddr(t, "10.0.0.5")
		fc.Set(ProtoTCP, local, uint16(5000+i), remote, 80, DecisionPassThrough)
	}
	if n := fc.Count(); n != 5 {
		t.Errorf("Count() = %d, want 5", n)
	}
}

func TestFlowShardIndex_WithinBounds(t *testing.T) {
	k := makeFlowKey(ProtoTCP, mustAddr(t, "10.0.0.1"), 1234, mustAddr(t, "10.0.0.2"), 443)
	idx := flowShardIndex(k)
	if idx >= numNATShards {
		t.Errorf("flowShardIndex() = %d, out of range [0, %d)", idx, numNATShards)
	}
}
