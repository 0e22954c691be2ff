//go:build windows

package gateway

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"splittun-engine/internal/core"
)

// Protocol identifies the transport protocol of a flow.
type Protocol uint8

const (
	ProtoTCP Protocol = iota
	ProtoUDP
)

// flowKey is the 5-tuple (protocol, ip1, port1, ip2, port2) identifying a
// flow. NatTable itself is agnostic to what ip1/port1 means; the caller
// decides — Insert and the lookup it pairs with must use the same endpoint
// for ip1/port1 or they key into different entries entirely.
type flowKey struct {
	proto Protocol
	ip1   netip.Addr
	port1 uint16
	ip2   netip.Addr
	port2 uint16
}

func makeFlowKey(proto Protocol, ip1 netip.Addr, port1 uint16, ip2 netip.Addr, port2 uint16) flowKey {
	return flowKey{proto: proto, ip1: ip1, port1: port1, ip2: ip2, port2: port2}
}

// flowShardIndex hashes a flowKey with FNV-1a over its fixed-width fields.
func flowShardIndex(k flowKey) uint32 {
	h := uint32(2166136261)
	mix := func(b byte) { h = (h ^ uint32(b)) * 16777619 }
	mix(byte(k.proto))
	for _, b := range k.ip1.AsSlice() {
		mix(b)
	}
	mix(byte(k.port1 >> 8))
	mix(byte(k.port1))
	for _, b := range k.ip2.AsSlice() {
		mix(b)
	}
	mix(byte(k.port2 >> 8))
	mix(byte(k.port2))
	return h & (numNATShards - 1)
}

const numNATShards = 64

// ---------------------------------------------------------------------------
// NatEntry — outbound/inbound rewrite bookkeeping for one redirected flow
// ---------------------------------------------------------------------------

// NatEntry records how a flow's addressing was rewritten so the return path
// (and the idle sweeper) can undo it and track activity. It is stored in the
// NatTable keyed by the rewritten source endpoint the engine put on the
// wire, since that is the only endpoint the reply traffic is addressed to.
type NatEntry struct {
	LastActivity int64 // atomic; Unix seconds

	// OriginalSrcIP/Port is the process's real source endpoint before the
	// outbound rewrite substituted the target adapter's IP. Inbound replies
	// have their destination rewritten back to this endpoint.
	OriginalSrcIP   netip.Addr
	OriginalSrcPort uint16

	OriginalDstIP   netip.Addr
	OriginalDstPort uint16

	// SourceRole is the adapter the flow originally appeared on, i.e. the
	// one an inbound reply must be reinjected towards after its destination
	// is rewritten back.
	SourceRole Role
}

type natShard struct {
	mu sync.RWMutex
	m  map[flowKey]*NatEntry
}

// NatTable is the sharded, concurrency-safe NAT state for C5.
type NatTable struct {
	shards [numNATShards]natShard
	nowSec atomic.Int64
}

// NewNatTable creates an initialized NAT table.
func NewNatTable() *NatTable {
	nt := &NatTable{}
	for i := range nt.shards {
		nt.shards[i].m = make(map[flowKey]*NatEntry)
	}
	nt.nowSec.Store(time.Now().Unix())
	return nt
}

func (nt *NatTable) shardFor(k flowKey) *natShard {
	return &nt.shards[flowShardIndex(k)]
}

// Insert records a NAT entry, keyed by whatever local/remote endpoint the
// caller passes. The redirect path keys it by the *rewritten* source
// endpoint (the one reply traffic is actually addressed to), since that is
// the only key an inbound packet can be matched against without first
// undoing the rewrite it exists to undo.
func (nt *NatTable) Insert(proto Protocol, localIP netip.Addr, localPort uint16, remoteIP netip.Addr, remotePort uint16, entry *NatEntry) {
	k := makeFlowKey(proto, localIP, localPort, remoteIP, remotePort)
	shard := nt.shardFor(k)
	shard.mu.Lock()
	shard.m[k] = entry
	shard.mu.Unlock()
}

// Lookup finds a NAT entry by the same (proto, localIP, localPort,
// remoteIP, remotePort) key it was Inserted under.
func (nt *NatTable) Lookup(proto Protocol, localIP netip.Addr, localPort uint16, remoteIP netip.Addr, remotePort uint16) (*NatEntry, bool) {
	k := makeFlowKey(proto, localIP, localPort, remoteIP, remotePort)
	shard := nt.shardFor(k)
	shard.mu.RLock()
	entry, ok := shard.m[k]
	shard.mu.RUnlock()
	return entry, ok
}

// LookupByRewrittenSource finds the NAT entry for an inbound reply packet:
// rewrittenIP/rewrittenPort is the packet's destination (the rewritten
// source endpoint this engine substituted on the outbound leg), and
// remoteIP/remotePort its source. This is the entry's Insert key, so the
// lookup is exact — no translation happens here, only at the call sites
// that redirect and later undo the redirect.
func (nt *NatTable) LookupByRewrittenSource(proto Protocol, rewrittenIP netip.Addr, rewrittenPort uint16, remoteIP netip.Addr, remotePort uint16) (*NatEntry, bool) {
	return nt.Lookup(proto, rewrittenIP, rewrittenPort, remoteIP, remotePort)
}

// Touch bumps an entry's last-activity timestamp; called on every packet
// that matches an existing flow so the sweeper doesn't reap live traffic.
func (nt *NatTable) Touch(e *NatEntry) {
	atomic.StoreInt64(&e.LastActivity, nt.nowSec.Load())
}

// Delete removes a NAT entry, e.g. on an observed TCP FIN/RST.
func (nt *NatTable) Delete(proto Protocol, localIP netip.Addr, localPort uint16, remoteIP netip.Addr, remotePort uint16) {
	k := makeFlowKey(proto, localIP, localPort, remoteIP, remotePort)
	shard := nt.shardFor(k)
	shard.mu.Lock()
	delete(shard.m, k)
	shard.mu.Unlock()
}

// Count returns the number of tracked NAT entries across all shards.
func (nt *NatTable) Count() int {
	n := 0
	for i := range nt.shards {
		shard := &nt.shards[i]
		shard.mu.RLock()
		n += len(shard.m)
		shard.mu.RUnlock()
	}
	return n
}

// StartTimestampUpdater refreshes the cached Unix-seconds clock used by
// Touch, avoiding a time.Now() syscall on every packet.
func (nt *NatTable) StartTimestampUpdater(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				nt.nowSec.Store(time.Now().Unix())
			}
		}
	}()
}

// StartSweeper periodically evicts NAT entries idle past natIdleTimeout. It
// runs on the caller's goroutine and returns once ctx is canceled.
func (nt *NatTable) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(natSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nt.sweepOnce()
		}
	}
}

func (nt *NatTable) sweepOnce() {
	now := nt.nowSec.Load()
	removed := 0
	for i := range nt.shards {
		shard := &nt.shards[i]
		var stale []flowKey
		shard.mu.RLock()
		for k, e := range shard.m {
			if now-atomic.LoadInt64(&e.LastActivity) > int64(natIdleTimeout.Seconds()) {
				stale = append(stale, k)
			}
		}
		shard.mu.RUnlock()

		if len(stale) > 0 {
			shard.mu.Lock()
			for _, k := range stale {
				delete(shard.m, k)
			}
			shard.mu.Unlock()
			removed += len(stale)
		}
	}
	if removed > 0 {
		core.Log.Debugf("NAT", "sweeper removed %d idle entries", removed)
	}
}

// ---------------------------------------------------------------------------
// FlowPolicyCache — committed per-flow routing decision
// ---------------------------------------------------------------------------

// Decision is the committed routing outcome for a flow, computed once and
// reused for every subsequent packet on that flow so the decision function
// (which consults PidCache/TargetSet/Mode) only runs on the first packet.
type Decision int

const (
	DecisionUnknown Decision = iota
	DecisionPassThrough
	DecisionRedirectToVPN
	DecisionRedirectToPhysical
)

type policyShard struct {
	mu sync.RWMutex
	m  map[flowKey]Decision
}

// FlowPolicyCache memoizes the routing decision for each in-flight flow.
type FlowPolicyCache struct {
	shards [numNATShards]policyShard
}

// NewFlowPolicyCache creates an initialized policy cache.
func NewFlowPolicyCache() *FlowPolicyCache {
	fc := &FlowPolicyCache{}
	for i := range fc.shards {
		fc.shards[i].m = make(map[flowKey]Decision)
	}
	return fc
}

func (fc *FlowPolicyCache) shardFor(k flowKey) *policyShard {
	return &fc.shards[flowShardIndex(k)]
}

// Get returns the committed decision for a flow, if any.
func (fc *FlowPolicyCache) Get(proto Protocol, ip1 netip.Addr, port1 uint16, ip2 netip.Addr, port2 uint16) (Decision, bool) {
	k := makeFlowKey(proto, ip1, port1, ip2, port2)
	shard := fc.shardFor(k)
	shard.mu.RLock()
	d, ok := shard.m[k]
	shard.mu.RUnlock()
	return d, ok
}

// Set commits a routing decision for a flow.
func (fc *FlowPolicyCache) Set(proto Protocol, ip1 netip.Addr, port1 uint16, ip2 netip.Addr, port2 uint16, d Decision) {
	k := makeFlowKey(proto, ip1, port1, ip2, port2)
	shard := fc.shardFor(k)
	shard.mu.Lock()
	shard.m[k] = d
	shard.mu.Unlock()
}

// Count returns the number of flows with a committed decision across all shards.
func (fc *FlowPolicyCache) Count() int {
	n := 0
	for i := range fc.shards {
		shard := &fc.shards[i]
		shard.mu.RLock()
		n += len(shard.m)
		shard.mu.RUnlock()
	}
	return n
}

// Clear removes a flow's cached decision, e.g. on connection teardown.
func (fc *FlowPolicyCache) Clear(proto Protocol, ip1 netip.Addr, port1 uint16, ip2 netip.Addr, port2 uint16) {
	k := makeFlowKey(proto, ip1, port1, ip2, port2)
	shard := fc.shardFor(k)
	shard.mu.Lock()
	delete(shard.m, k)
	shard.mu.Unlock()
}
