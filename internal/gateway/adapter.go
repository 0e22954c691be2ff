//go:build windows

package gateway

import (
	"fmt"
	"net/netip"
	"strings"
	"unsafe"

	"splittun-engine/internal/core"

	"golang.org/x/sys/windows"
)

// Role identifies which side of a split-tunnel session an adapter plays.
type Role int

const (
	RoleVPN Role = iota
	RolePhysical
)

func (r Role) String() string {
	if r == RoleVPN {
		return "vpn"
	}
	return "physical"
}

// AdapterInfo describes one of the two adapters a session routes across.
type AdapterInfo struct {
	Name    string
	LUID    uint64
	Index   uint32
	IP      netip.Addr
	Gateway netip.Addr
	MAC     [6]byte
	Role    Role
}

// vpnNamePatterns are substrings of an adapter's friendly name that mark it
// as tunnel-class (matched case-insensitively; the adapter description is
// not consulted).
var vpnNamePatterns = []string{"tap", "tun", "wintun", "wireguard", "openvpn", "vpn"}

// Inventory discovers the VPN and physical adapters a session will route
// across, plus the physical adapter's default gateway.
type Inventory struct{}

// NewInventory creates an adapter inventory (C1).
func NewInventory() *Inventory { return &Inventory{} }

// Discover finds the physical default-gateway adapter and a tunnel-class
// adapter with a live IPv4 address, refusing to proceed if either is
// ambiguous or missing.
func (inv *Inventory) Discover() (vpn AdapterInfo, phys AdapterInfo, gateway netip.Addr, err error) {
	rows, err := listForwardTableV4()
	if err != nil {
		return AdapterInfo{}, AdapterInfo{}, netip.Addr{}, fmt.Errorf("[Adapter] list routes: %w", err)
	}

	physLUID, physIdx, gw, err := bestDefaultRoute(rows, 0)
	if err != nil {
		return AdapterInfo{}, AdapterInfo{}, netip.Addr{}, fmt.Errorf("[Adapter] discover physical adapter: %w", err)
	}

	adapters, err := listIPv4Adapters()
	if err != nil {
		return AdapterInfo{}, AdapterInfo{}, netip.Addr{}, fmt.Errorf("[Adapter] enumerate adapters: %w", err)
	}

	var physInfo, vpnInfo *AdapterInfo
	var vpnCandidates int
	for i := range adapters {
		a := &adapters[i]
		if a.LUID == physLUID {
			a.Role = RolePhysical
			a.Index = physIdx
			physInfo = a
			continue
		}
		if isTunnelClass(a.Name) && a.IP.IsValid() {
			vpnCandidates++
			a.Role = RoleVPN
			vpnInfo = a
		}
	}

	if physInfo == nil {
		return AdapterInfo{}, AdapterInfo{}, netip.Addr{}, fmt.Errorf("[Adapter] physical adapter LUID 0x%x not found among IPv4 adapters", physLUID)
	}
	if vpnCandidates == 0 {
		return AdapterInfo{}, AdapterInfo{}, netip.Addr{}, fmt.Errorf("[Adapter] no tunnel-class adapter with an IPv4 address found")
	}
	if vpnCandidates > 1 {
		return AdapterInfo{}, AdapterInfo{}, netip.Addr{}, fmt.Errorf("[Adapter] ambiguous: %d tunnel-class adapters with IPv4 addresses", vpnCandidates)
	}

	physInfo.Gateway = gw
	vpnInfo.Gateway = gatewayForLUID(rows, vpnInfo.LUID)

	core.Log.Infof("Adapter", "physical=%s (idx=%d ip=%s gw=%s) vpn=%s (idx=%d ip=%s gw=%s)",
		physInfo.Name, physInfo.Index, physInfo.IP, physInfo.Gateway,
		vpnInfo.Name, vpnInfo.Index, vpnInfo.IP, vpnInfo.Gateway)

	return *vpnInfo, *physInfo, gw, nil
}

// gatewayForLUID returns the non-zero next hop of any route owned by luid,
// or the zero address if the adapter has no gateway of its own (common for
// point-to-point VPN tunnel interfaces).
func gatewayForLUID(rows []fwdRow, luid uint64) netip.Addr {
	for _, row := range rows {
		if row.luid != luid {
			continue
		}
		if row.gateway != [4]byte{0, 0, 0, 0} {
			return netip.AddrFrom4(row.gateway)
		}
	}
	return netip.Addr{}
}

func isTunnelClass(name string) bool {
	lower := strings.ToLower(name)
	for _, pat := range vpnNamePatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// iphlpapi adapter + route enumeration
// ---------------------------------------------------------------------------

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procGetIpForwardTable2  = modIPHlpAPI.NewProc("GetIpForwardTable2")
	procFreeMibTable        = modIPHlpAPI.NewProc("FreeMibTable")
	procGetIpInterfaceEntry = modIPHlpAPI.NewProc("GetIpInterfaceEntry")
)

// MIB_IPFORWARD_ROW2 (simplified, 104 bytes on x64).
type mibIPForwardRow2 struct {
	data [104]byte
}

// MIB_IPFORWARD_ROW2 field offsets (x64). See route.go for the full layout
// comment; duplicated here only as the set this file reads.
const (
	fwdInterfaceLUID  = 0
	fwdInterfaceIndex = 8
	fwdDestFamily     = 12
	fwdDestAddr       = 16
	fwdDestPrefixLen  = 40
	fwdNextHopAddr    = 48
	fwdMetric         = 84
)

func fwdRowUint16(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) uint16 {
	return *(*uint16)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}
func fwdRowUint32(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}
func fwdRowUint64(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}
func fwdRowBytes4(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) [4]byte {
	return *(*[4]byte)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}
func fwdRowByte(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) byte {
	return *(*byte)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}

type fwdRow struct {
	luid    uint64
	ifIndex uint32
	dst     [4]byte
	plen    byte
	gateway [4]byte
	metric  uint32
}

// listForwardTableV4 snapshots the IPv4 forwarding table into plain structs
// so callers never hold the raw table pointer past this call.
func listForwardTableV4() ([]fwdRow, error) {
	var table unsafe.Pointer
	r, _, _ := procGetIpForwardTable2.Call(
		uintptr(windows.AF_INET),
		uintptr(unsafe.Pointer(&table)),
	)
	if r != 0 {
		return nil, fmt.Errorf("GetIpForwardTable2 failed: 0x%x", r)
	}
	defer procFreeMibTable.Call(uintptr(table))

	numEntries := *(*uint32)(table)
	const rowSize = uintptr(104)
	headerSize := unsafe.Sizeof(uint64(0))

	rows := make([]fwdRow, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		if fwdRowUint16(table, headerSize, rowSize, i, fwdDestFamily) != windows.AF_INET {
			continue
		}
		rows = append(rows, fwdRow{
			luid:    fwdRowUint64(table, headerSize, rowSize, i, fwdInterfaceLUID),
			ifIndex: fwdRowUint32(table, headerSize, rowSize, i, fwdInterfaceIndex),
			dst:     fwdRowBytes4(table, headerSize, rowSize, i, fwdDestAddr),
			plen:    fwdRowByte(table, headerSize, rowSize, i, fwdDestPrefixLen),
			gateway: fwdRowBytes4(table, headerSize, rowSize, i, fwdNextHopAddr),
			metric:  fwdRowUint32(table, headerSize, rowSize, i, fwdMetric),
		})
	}
	return rows, nil
}

// bestDefaultRoute finds the lowest-metric 0.0.0.0/0 row, excluding excludeLUID.
func bestDefaultRoute(rows []fwdRow, excludeLUID uint64) (luid uint64, ifIndex uint32, gw netip.Addr, err error) {
	bestMetric := uint32(0xFFFFFFFF)
	found := false
	for _, row := range rows {
		if row.dst != [4]byte{0, 0, 0, 0} || row.plen != 0 {
			continue
		}
		if row.luid == excludeLUID {
			continue
		}
		if !found || row.metric < bestMetric {
			luid, ifIndex, gw = row.luid, row.ifIndex, netip.AddrFrom4(row.gateway)
			bestMetric = row.metric
			found = true
		}
	}
	if !found {
		return 0, 0, netip.Addr{}, fmt.Errorf("no default gateway route found")
	}
	return luid, ifIndex, gw, nil
}

// gaaFlags restricts GetAdaptersAddresses to what listIPv4Adapters reads.
const gaaFlags = 0x0002 | 0x0004 | 0x0008 // GAA_FLAG_SKIP_{ANYCAST,MULTICAST,DNS_SERVER}

// listIPv4Adapters enumerates adapters via golang.org/x/sys/windows's
// GetAdaptersAddresses binding and returns each one's friendly name, LUID,
// and first IPv4 unicast address. net.Interface doesn't expose the LUID we
// need to cross-reference against the forwarding table, so we walk the raw
// structure ourselves instead.
func listIPv4Adapters() ([]AdapterInfo, error) {
	size := uint32(16 * 1024)
	var buf []byte
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		buf = make([]byte, size)
		aa := (*windows.IpAdapterAddresses)(unsafe.Pointer(&buf[0]))
		err = windows.GetAdaptersAddresses(windows.AF_INET, gaaFlags, 0, aa, &size)
		if err != windows.ERROR_BUFFER_OVERFLOW {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("GetAdaptersAddresses: %w", err)
	}

	var out []AdapterInfo
	for aa := (*windows.IpAdapterAddresses)(unsafe.Pointer(&buf[0])); aa != nil; aa = aa.Next {
		info := AdapterInfo{
			Name: windows.UTF16PtrToString(aa.FriendlyName),
			LUID: aa.Luid,
		}
		n := int(aa.PhysicalAddressLength)
		if n > 6 {
			n = 6
		}
		copy(info.MAC[:n], aa.PhysicalAddress[:n])
		for ua := aa.FirstUnicastAddress; ua != nil; ua = ua.Next {
			if ip := ua.Address.IP(); ip != nil && ip.To4() != nil {
				info.IP, _ = netip.AddrFromSlice(ip.To4())
				break
			}
		}
		out = append(out, info)
	}
	return out, nil
}

var procSendARP = modIPHlpAPI.NewProc("SendARP")

// resolveGatewayMAC resolves the link-layer address of destIP via the ARP
// cache, querying the driver (and triggering an ARP request on a cache
// miss) through iphlpapi's SendARP. Used to address reinjected frames when
// a flow is redirected onto the adapter it wasn't captured from.
func resolveGatewayMAC(destIP netip.Addr) ([6]byte, error) {
	var mac [6]byte
	macLen := uint32(6)
	dst4 := destIP.As4()
	dstAddr := *(*uint32)(unsafe.Pointer(&dst4[0]))

	r, _, _ := procSendARP.Call(
		uintptr(dstAddr),
		0,
		uintptr(unsafe.Pointer(&mac[0])),
		uintptr(unsafe.Pointer(&macLen)),
	)
	if r != 0 {
		return mac, fmt.Errorf("SendARP(%s) failed: 0x%x", destIP, r)
	}
	return mac, nil
}

// resolveIfIndexFromLUID reads an interface's current index given its LUID
// (the index may change across reboots; the LUID does not).
func resolveIfIndexFromLUID(luid uint64) (uint32, error) {
	var row mibIPInterfaceRow
	*(*uint16)(unsafe.Pointer(&row.data[ipIfFamily])) = windows.AF_INET
	*(*uint64)(unsafe.Pointer(&row.data[ipIfLUID])) = luid

	r, _, _ := procGetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 {
		return 0, fmt.Errorf("GetIpInterfaceEntry failed: 0x%x", r)
	}
	return *(*uint32)(unsafe.Pointer(&row.data[ipIfIndex])), nil
}

// MIB_IPINTERFACE_ROW (x64): Family (ADDRESS_FAMILY, padded) at 0,
// InterfaceLuid at 8, InterfaceIndex at 16. This layout differs from
// MIB_IPFORWARD_ROW2's (documented in route.go).
type mibIPInterfaceRow struct {
	data [256]byte
}

const (
	ipIfFamily = 0
	ipIfLUID   = 8
	ipIfIndex  = 16
)
