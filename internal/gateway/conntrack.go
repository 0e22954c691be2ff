//go:build windows

package gateway

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"splittun-engine/internal/core"
)

// endpointKey identifies a local socket by protocol, IP, and port.
type endpointKey struct {
	proto Protocol
	ip    netip.Addr
	port  uint16
}

// portKey identifies a local socket by protocol and port only, used as a
// fallback when a process bound to 0.0.0.0 rather than a specific address.
type portKey struct {
	proto Protocol
	port  uint16
}

// ConnMaps is a point-in-time snapshot of the OS connection tables, indexed
// two ways for the interception loop's lookups. Published by swap: the
// interception loop always reads a complete, consistent snapshot and never
// blocks on the tracker's next poll.
type ConnMaps struct {
	ByEndpoint map[endpointKey]uint32
	ByPort     map[portKey]uint32
}

func newConnMaps() *ConnMaps {
	return &ConnMaps{
		ByEndpoint: make(map[endpointKey]uint32),
		ByPort:     make(map[portKey]uint32),
	}
}

// Lookup resolves the PID owning (proto, ip, port), falling back to a
// port-only match for wildcard binds.
func (cm *ConnMaps) Lookup(proto Protocol, ip netip.Addr, port uint16) (uint32, bool) {
	if pid, ok := cm.ByEndpoint[endpointKey{proto, ip, port}]; ok {
		return pid, true
	}
	pid, ok := cm.ByPort[portKey{proto, port}]
	return pid, ok
}

// ConnTracker polls the OS TCP/UDP tables on a fixed interval (C3) and
// publishes an immutable ConnMaps snapshot via atomic pointer swap, so the
// interception loop's hot path never takes a lock to resolve a PID.
type ConnTracker struct {
	resolver *PortResolver
	current  atomic.Pointer[ConnMaps]
}

// NewConnTracker creates a connection tracker backed by the given resolver.
func NewConnTracker(resolver *PortResolver) *ConnTracker {
	ct := &ConnTracker{resolver: resolver}
	ct.current.Store(newConnMaps())
	return ct
}

// Snapshot returns the most recently published ConnMaps.
func (ct *ConnTracker) Snapshot() *ConnMaps {
	return ct.current.Load()
}

// Run polls on connTrackerInterval until ctx is canceled.
func (ct *ConnTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(connTrackerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ct.pollOnce()
		}
	}
}

func (ct *ConnTracker) pollOnce() {
	next := newConnMaps()

	tcpRows, err := ct.resolver.EnumerateTCPv4()
	if err != nil {
		core.Log.Warnf("ConnTrack", "enumerate TCP: %v", err)
		return // keep the previous snapshot
	}
	for _, row := range tcpRows {
		if row.PID == 0 {
			continue
		}
		next.ByEndpoint[endpointKey{ProtoTCP, row.LocalIP, row.LocalPort}] = row.PID
		if row.LocalIP.IsUnspecified() {
			next.ByPort[portKey{ProtoTCP, row.LocalPort}] = row.PID
		}
	}

	udpRows, err := ct.resolver.EnumerateUDPv4()
	if err != nil {
		core.Log.Warnf("ConnTrack", "enumerate UDP: %v", err)
		return // keep the previous snapshot
	}
	for _, row := range udpRows {
		if row.PID == 0 {
			continue
		}
		next.ByEndpoint[endpointKey{ProtoUDP, row.LocalIP, row.LocalPort}] = row.PID
		if row.LocalIP.IsUnspecified() {
			next.ByPort[portKey{ProtoUDP, row.LocalPort}] = row.PID
		}
	}

	ct.current.Store(next)
}
