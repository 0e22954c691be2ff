//go:build windows

package gateway

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	A "github.com/wiresock/ndisapi-go"
	D "github.com/wiresock/ndisapi-go/driver"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"splittun-engine/internal/core"
	"splittun-engine/internal/process"
)

// Policy exposes the live, mutable routing inputs the interception loop
// consults on every new flow: the session's Mode and its toggled TargetSet.
// Both are read-mostly and replaced by SetMode/SetTargets under a write lock
// held only for the assignment, so the interception loop waits at most for
// that assignment behind a control-plane call.
type Policy struct {
	mu      sync.RWMutex
	mode    core.Mode
	targets *process.TargetSet
}

// NewPolicy creates a policy view seeded with the given mode and targets.
func NewPolicy(mode core.Mode, targets *process.TargetSet) *Policy {
	return &Policy{mode: mode, targets: targets}
}

// SetMode updates the default-egress mode.
func (p *Policy) SetMode(m core.Mode) {
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
}

// SetTargets replaces the toggled executable set.
func (p *Policy) SetTargets(ts *process.TargetSet) {
	p.mu.Lock()
	p.targets = ts
	p.mu.Unlock()
}

// decide computes the routing decision for a process given the current
// mode and target membership: Mode picks the default adapter, TargetSet
// membership flips it for toggled executables.
func (p *Policy) decide(exePath string) Decision {
	p.mu.RLock()
	mode, targets := p.mode, p.targets
	p.mu.RUnlock()

	toggled := targets != nil && targets.Contains(exePath)
	switch mode {
	case core.ExcludeMode:
		if toggled {
			return DecisionRedirectToPhysical
		}
		return DecisionPassThrough // already headed to VPN by the host's own default route
	case core.IncludeMode:
		if toggled {
			return DecisionRedirectToVPN
		}
		return DecisionPassThrough // already headed to physical
	default:
		return DecisionPassThrough
	}
}

// Interceptor is the C6 packet interception loop: it binds an NDISAPI
// filter to both the VPN and physical adapters and, for flows the policy
// redirects, rewrites addressing and reinjects the packet on the other
// adapter.
type Interceptor struct {
	api    *A.NdisApi
	filter *D.SimplePacketFilter

	vpn  AdapterInfo
	phys AdapterInfo

	policy   *Policy
	conn     *ConnTracker
	resolver *PortResolver
	pids     *process.PidCache

	nat     *NatTable
	flowPol *FlowPolicyCache

	codecs sync.Pool

	vpnHandle  A.Handle
	physHandle A.Handle

	// sink hands a rewritten frame back to NDISAPI: toAdapter for a frame
	// leaving on the wire, toMstcp for one being delivered up the local
	// stack. Overridable in tests so the decode/decide/rewrite core in
	// processOutbound/processInbound runs without a driver.
	sink packetSink

	// gwResolve resolves a gateway IP's MAC via ARP. A field rather than a
	// direct call to resolveGatewayMAC for the same reason: tests drive the
	// rewrite core without a live network stack to resolve against.
	gwResolve func(netip.Addr) ([6]byte, error)

	stats Stats
}

// packetSink is the two NDISAPI directions a rewritten frame can be handed
// back to: onto the wire of the adapter it was redirected to, or up the
// local stack through the adapter the flow originally belonged to.
type packetSink interface {
	toAdapter(handle A.Handle, b *A.IntermediateBuffer) error
	toMstcp(handle A.Handle, b *A.IntermediateBuffer) error
}

type ndisapiSink struct{ api *A.NdisApi }

func (s ndisapiSink) toAdapter(handle A.Handle, b *A.IntermediateBuffer) error {
	return s.api.SendPacketToAdapter(handle, b)
}

func (s ndisapiSink) toMstcp(handle A.Handle, b *A.IntermediateBuffer) error {
	return s.api.SendPacketToMstcp(handle, b)
}

// Stats counts engine-level events surfaced through Session.Stats.
type Stats struct {
	PacketsRedirected atomic.Int64
	PacketsDropped    atomic.Int64
	PacketsPassed     atomic.Int64
	DiscardedNoRoute  atomic.Int64
	BytesOut          atomic.Int64
	BytesIn           atomic.Int64
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() (redirected, dropped, passed, discarded, bytesOut, bytesIn int64) {
	return s.PacketsRedirected.Load(), s.PacketsDropped.Load(), s.PacketsPassed.Load(),
		s.DiscardedNoRoute.Load(), s.BytesOut.Load(), s.BytesIn.Load()
}

// NewInterceptor builds an interceptor over the given discovered adapters.
func NewInterceptor(vpn, phys AdapterInfo, policy *Policy, conn *ConnTracker, resolver *PortResolver, pids *process.PidCache, nat *NatTable, flowPol *FlowPolicyCache) (*Interceptor, error) {
	api, err := A.NewNdisApi()
	if err != nil {
		return nil, fmt.Errorf("[Intercept] ndisapi init: %w", err)
	}

	ic := &Interceptor{
		api:       api,
		vpn:       vpn,
		phys:      phys,
		policy:    policy,
		conn:      conn,
		resolver:  resolver,
		pids:      pids,
		nat:       nat,
		flowPol:   flowPol,
		sink:      ndisapiSink{api},
		gwResolve: resolveGatewayMAC,
	}
	ic.codecs.New = func() any { return newPacketCodec() }
	return ic, nil
}

// Start binds the filter to the TCP/IP bound adapters and activates
// filtering on both the VPN and physical adapter's positions in NDISAPI's
// bound-adapter list (which is independent of the Windows interface index
// AdapterInfo.Index carries, hence the MAC-based lookup below).
func (ic *Interceptor) Start(ctx context.Context) error {
	adapters, err := ic.api.GetTcpipBoundAdaptersInfo()
	if err != nil {
		return fmt.Errorf("[Intercept] enumerate bound adapters: %w", err)
	}

	vpnPos, vpnHandle, err := findBoundAdapter(adapters, ic.vpn.MAC)
	if err != nil {
		return fmt.Errorf("[Intercept] locate vpn adapter in NDISAPI list: %w", err)
	}
	physPos, physHandle, err := findBoundAdapter(adapters, ic.phys.MAC)
	if err != nil {
		return fmt.Errorf("[Intercept] locate physical adapter in NDISAPI list: %w", err)
	}
	ic.vpnHandle, ic.physHandle = vpnHandle, physHandle

	ic.filter, err = D.NewSimplePacketFilter(ctx, ic.api, adapters, ic.incomingCallback, ic.outgoingCallback)
	if err != nil {
		return fmt.Errorf("[Intercept] create filter: %w", err)
	}

	if err := ic.filter.StartFilter(vpnPos); err != nil {
		return fmt.Errorf("[Intercept] start filter on vpn adapter: %w", err)
	}
	if err := ic.filter.StartFilter(physPos); err != nil {
		return fmt.Errorf("[Intercept] start filter on physical adapter: %w", err)
	}

	core.Log.Infof("Intercept", "filtering vpn=%s(pos=%d) physical=%s(pos=%d)", ic.vpn.Name, vpnPos, ic.phys.Name, physPos)
	return nil
}

// findBoundAdapter matches a Windows adapter's MAC address against
// NDISAPI's bound-adapter list, which is indexed positionally and carries
// each adapter's own handle and current link-layer address.
func findBoundAdapter(adapters *A.TcpAdapterList, mac [6]byte) (pos int, handle A.Handle, err error) {
	for i := 0; i < int(adapters.AdapterCount); i++ {
		if adapters.CurrentAddress[i] == mac {
			return i, adapters.AdapterHandle[i], nil
		}
	}
	return 0, 0, fmt.Errorf("no NDISAPI-bound adapter with MAC %x", mac)
}

// Stats returns the interceptor's live counters.
func (ic *Interceptor) Stats() *Stats {
	return &ic.stats
}

// Stop tears down the filter and releases the NDISAPI handle.
func (ic *Interceptor) Stop() {
	if ic.filter != nil {
		ic.filter.Close()
	}
	if ic.api != nil {
		ic.api.Close()
	}
	core.Log.Infof("Intercept", "stopped")
}

// packetCodec holds the zero-alloc gopacket decode/encode scratch state for
// one in-flight callback invocation. Pooled rather than shared because the
// filter can invoke callbacks for the two bound adapters concurrently.
type packetCodec struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newPacketCodec() *packetCodec {
	c := &packetCodec{decoded: make([]gopacket.LayerType, 0, 4)}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &c.eth, &c.ip4, &c.tcp, &c.udp, &c.payload)
	c.parser.IgnoreUnsupported = true
	return c
}

// decodeL4 decodes an Ethernet/IPv4/TCP-or-UDP frame into its transport
// 4-tuple. ok is false for anything that isn't an IPv4 TCP or UDP packet.
func decodeL4(c *packetCodec, frame []byte) (proto Protocol, srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16, isFinRst bool, ok bool) {
	if err := c.parser.DecodeLayers(frame, &c.decoded); err != nil {
		return
	}

	var hasIPv4, hasTCP, hasUDP bool
	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			hasIPv4 = true
		case layers.LayerTypeTCP:
			hasTCP = true
		case layers.LayerTypeUDP:
			hasUDP = true
		}
	}
	if !hasIPv4 || (!hasTCP && !hasUDP) {
		return
	}

	srcIP, _ = netip.AddrFromSlice(c.ip4.SrcIP.To4())
	dstIP, _ = netip.AddrFromSlice(c.ip4.DstIP.To4())
	if hasTCP {
		proto = ProtoTCP
		srcPort, dstPort = uint16(c.tcp.SrcPort), uint16(c.tcp.DstPort)
		isFinRst = c.tcp.FIN || c.tcp.RST
	} else {
		proto = ProtoUDP
		srcPort, dstPort = uint16(c.udp.SrcPort), uint16(c.udp.DstPort)
	}
	ok = true
	return
}

// serializeFrame recomputes checksums and returns the encoded bytes for c's
// current layer state.
func serializeFrame(c *packetCodec) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}

	isUDP := false
	for _, lt := range c.decoded {
		if lt == layers.LayerTypeUDP {
			isUDP = true
		}
	}

	var err error
	if isUDP {
		c.udp.SetNetworkLayerForChecksum(&c.ip4)
		err = gopacket.SerializeLayers(buf, opts, &c.eth, &c.ip4, &c.udp, gopacket.Payload(c.udp.Payload))
	} else {
		c.tcp.SetNetworkLayerForChecksum(&c.ip4)
		err = gopacket.SerializeLayers(buf, opts, &c.eth, &c.ip4, &c.tcp, gopacket.Payload(c.tcp.Payload))
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// outgoingCallback handles packets leaving the host through either bound
// adapter (MSTCP → adapter direction). A flow's first packet may wait up to
// resolverBudget on the synchronous port resolver, and a redirected packet
// is re-encoded into a freshly allocated serialize buffer.
func (ic *Interceptor) outgoingCallback(handle A.Handle, b *A.IntermediateBuffer) A.FilterAction {
	ic.stats.BytesOut.Add(int64(b.Length))

	c := ic.codecs.Get().(*packetCodec)
	defer ic.codecs.Put(c)

	out, target, redirected := ic.processOutbound(c, b.Buffer[:b.Length])
	if !redirected {
		return A.FilterActionPass
	}

	copy(b.Buffer[:len(out)], out)
	b.Length = uint32(len(out))

	targetHandle := ic.physHandle
	if target.Role == RoleVPN {
		targetHandle = ic.vpnHandle
	}
	if err := ic.sink.toAdapter(targetHandle, b); err != nil {
		ic.stats.DiscardedNoRoute.Add(1)
		return A.FilterActionDrop
	}

	ic.stats.PacketsRedirected.Add(1)
	return A.FilterActionDrop
}

// processOutbound decodes one outbound frame, resolves its routing
// decision, and — for a flow the policy redirects — rewrites the source
// address and reserializes the frame. It touches no NDISAPI types, so it is
// directly testable with synthetic frames.
//
// The decision is re-consulted from flowPol (not nat) on every packet, and
// every packet of a redirected flow is rewritten again: nat only tracks the
// reverse mapping for the inbound leg, it is never used to short-circuit
// the outbound one.
func (ic *Interceptor) processOutbound(c *packetCodec, frame []byte) (rewritten []byte, target AdapterInfo, redirect bool) {
	proto, srcIP, srcPort, dstIP, dstPort, _, ok := decodeL4(c, frame)
	if !ok {
		return nil, AdapterInfo{}, false
	}

	sourceAdapter := ic.roleForLocalIP(srcIP)

	decision, cached := ic.flowPol.Get(proto, srcIP, srcPort, dstIP, dstPort)
	if !cached {
		pid, ok := ic.conn.Snapshot().Lookup(proto, srcIP, srcPort)
		if !ok {
			var err error
			pid, err = ic.resolver.Resolve(context.Background(), srcIP, srcPort, proto == ProtoUDP)
			if err != nil {
				ic.stats.DiscardedNoRoute.Add(1)
				return nil, AdapterInfo{}, false
			}
		}
		exePath, _ := ic.pids.GetExePath(pid)
		decision = ic.policy.decide(exePath)
		ic.flowPol.Set(proto, srcIP, srcPort, dstIP, dstPort, decision)
	}

	switch decision {
	case DecisionRedirectToPhysical:
		target = ic.phys
	case DecisionRedirectToVPN:
		target = ic.vpn
	default:
		ic.stats.PacketsPassed.Add(1)
		return nil, AdapterInfo{}, false
	}

	if sourceAdapter == target.Role {
		ic.stats.PacketsPassed.Add(1)
		return nil, AdapterInfo{}, false // already on the right adapter
	}

	gwMAC, err := ic.gwResolve(target.Gateway)
	if err != nil {
		ic.stats.DiscardedNoRoute.Add(1)
		return nil, AdapterInfo{}, false
	}

	entry := &NatEntry{
		OriginalSrcIP:   srcIP,
		OriginalSrcPort: srcPort,
		OriginalDstIP:   dstIP,
		OriginalDstPort: dstPort,
		SourceRole:      sourceAdapter,
	}
	ic.nat.Insert(proto, target.IP, srcPort, dstIP, dstPort, entry)
	ic.nat.Touch(entry)

	c.eth.DstMAC = gwMAC[:]
	c.ip4.SrcIP = target.IP.AsSlice()

	out, err := serializeFrame(c)
	if err != nil {
		ic.stats.DiscardedNoRoute.Add(1)
		return nil, AdapterInfo{}, false
	}
	return out, target, true
}

// incomingCallback handles packets arriving at the host (adapter → MSTCP
// direction). For a redirected flow's reply traffic it undoes the source
// rewrite on the destination side and reinjects the frame through the
// adapter the flow originally belonged to.
func (ic *Interceptor) incomingCallback(handle A.Handle, b *A.IntermediateBuffer) A.FilterAction {
	ic.stats.BytesIn.Add(int64(b.Length))

	c := ic.codecs.Get().(*packetCodec)
	defer ic.codecs.Put(c)

	out, origRole, matched := ic.processInbound(c, b.Buffer[:b.Length])
	if !matched {
		return A.FilterActionPass
	}

	copy(b.Buffer[:len(out)], out)
	b.Length = uint32(len(out))

	origHandle := ic.physHandle
	if origRole == RoleVPN {
		origHandle = ic.vpnHandle
	}
	if err := ic.sink.toMstcp(origHandle, b); err != nil {
		ic.stats.DiscardedNoRoute.Add(1)
		return A.FilterActionDrop
	}

	ic.stats.PacketsRedirected.Add(1)
	return A.FilterActionDrop
}

// processInbound decodes one inbound frame and, if it matches a tracked
// redirected flow's rewritten endpoint, rewrites the destination back to
// the process's real address and reserializes the frame. Touches no
// NDISAPI types, so it is directly testable with synthetic frames.
func (ic *Interceptor) processInbound(c *packetCodec, frame []byte) (rewritten []byte, origRole Role, match bool) {
	proto, remoteIP, remotePort, rewrittenIP, rewrittenPort, isFinRst, ok := decodeL4(c, frame)
	if !ok {
		return nil, 0, false
	}

	entry, found := ic.nat.LookupByRewrittenSource(proto, rewrittenIP, rewrittenPort, remoteIP, remotePort)
	if !found {
		return nil, 0, false
	}
	ic.nat.Touch(entry)
	if isFinRst {
		ic.nat.Delete(proto, rewrittenIP, rewrittenPort, remoteIP, remotePort)
	}

	c.ip4.DstIP = entry.OriginalSrcIP.AsSlice()

	out, err := serializeFrame(c)
	if err != nil {
		ic.stats.DiscardedNoRoute.Add(1)
		return nil, 0, false
	}
	return out, entry.SourceRole, true
}

func (ic *Interceptor) roleForLocalIP(ip netip.Addr) Role {
	if ip == ic.vpn.IP {
		return RoleVPN
	}
	return RolePhysical
}
