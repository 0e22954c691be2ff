//go:build windows

package gateway

import (
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"splittun-engine/internal/core"

	"golang.org/x/sys/windows"
)

// RouteHandle identifies one installed route for later removal.
type RouteHandle struct {
	row mibIPForwardRow2
}

// RouteManager installs and tears down the host's /1+/1 override routes
// that steer physical-bound traffic around the VPN adapter's default route.
type RouteManager struct {
	mu     sync.Mutex
	routes []RouteHandle
}

// NewRouteManager creates an empty route manager.
func NewRouteManager() *RouteManager {
	return &RouteManager{}
}

// Install adds the 0.0.0.0/1 and 128.0.0.0/1 routes via the physical
// adapter's gateway at a metric high enough to only apply to traffic this
// engine explicitly marks, without touching the VPN-installed 0.0.0.0/0.
func (rm *RouteManager) Install(physIfLUID uint64, physGateway netip.Addr) ([]RouteHandle, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var installed []RouteHandle
	for _, prefix := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
		p := netip.MustParsePrefix(prefix)
		row, err := createRoute(p, physIfLUID, physGateway, routeMetric)
		if err != nil {
			// best-effort rollback of whatever we already installed
			for _, h := range installed {
				deleteRoute(h.row)
			}
			return nil, fmt.Errorf("[Route] add %s: %w", prefix, err)
		}
		h := RouteHandle{row: row}
		installed = append(installed, h)
		rm.routes = append(rm.routes, h)
	}

	core.Log.Infof("Route", "installed /1 overrides via gateway %s", physGateway)
	return installed, nil
}

// Remove deletes a single previously installed route.
func (rm *RouteManager) Remove(h RouteHandle) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := deleteRoute(h.row); err != nil {
		return fmt.Errorf("[Route] remove: %w", err)
	}
	for i, r := range rm.routes {
		if r == h {
			rm.routes = append(rm.routes[:i], rm.routes[i+1:]...)
			break
		}
	}
	return nil
}

// Cleanup removes every route this manager has installed. Best-effort: it
// keeps going past individual failures so a stuck route can't block the
// rest of session teardown.
func (rm *RouteManager) Cleanup() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var lastErr error
	for _, h := range rm.routes {
		if err := deleteRoute(h.row); err != nil {
			lastErr = err
		}
	}
	rm.routes = nil

	if lastErr != nil {
		core.Log.Warnf("Route", "cleanup completed with errors: %v", lastErr)
		return lastErr
	}
	core.Log.Infof("Route", "cleanup completed")
	return nil
}

// ---------------------------------------------------------------------------
// iphlpapi route manipulation
// ---------------------------------------------------------------------------

var (
	procInitializeIpForwardEntry = modIPHlpAPI.NewProc("InitializeIpForwardEntry")
	procCreateIpForwardEntry2    = modIPHlpAPI.NewProc("CreateIpForwardEntry2")
	procDeleteIpForwardEntry2    = modIPHlpAPI.NewProc("DeleteIpForwardEntry2")
)

// MIB_IPFORWARD_ROW2 field offsets (x64) beyond those adapter.go already
// declares for route discovery.
//
// Layout (104 bytes total):
//   0:  NET_LUID          InterfaceLuid      (8)
//   8:  NET_IFINDEX       InterfaceIndex     (4)
//  12:  IP_ADDRESS_PREFIX DestinationPrefix  (32 = SOCKADDR_INET(28) + PrefixLen(1) + pad(3))
//       12: si_family (2)
//       16: sin_addr  (4)
//       40: PrefixLength (1)
//  44:  SOCKADDR_INET     NextHop            (28)
//       44: si_family (2)
//       48: sin_addr  (4)
//  72:  UCHAR             SitePrefixLength   (1 + 3 pad)
//  76:  ULONG             ValidLifetime      (4)
//  80:  ULONG             PreferredLifetime  (4)
//  84:  ULONG             Metric             (4)
//  88:  NL_ROUTE_PROTOCOL Protocol           (4)
//  92:  BOOLEAN[4]        Loopback..Immortal (4)
//  96:  ULONG             Age                (4)
// 100:  NL_ROUTE_ORIGIN   Origin             (4)
const (
	fwdNextHopFamily = 44 // si_family of next hop (offset 12 + 32)
	fwdProtocol      = 88 // MIB_IPFORWARD_PROTOCOL
	fwdOrigin        = 100 // NL_ROUTE_ORIGIN
)

// createRoute creates a route entry in the system routing table and returns
// the row for later deletion.
func createRoute(dst netip.Prefix, luid uint64, nextHop netip.Addr, metric uint32) (mibIPForwardRow2, error) {
	var row mibIPForwardRow2
	initIpForwardEntry(&row)

	*(*uint64)(unsafe.Pointer(&row.data[fwdInterfaceLUID])) = luid

	*(*uint16)(unsafe.Pointer(&row.data[fwdDestFamily])) = windows.AF_INET
	ip4 := dst.Addr().As4()
	copy(row.data[fwdDestAddr:fwdDestAddr+4], ip4[:])
	row.data[fwdDestPrefixLen] = uint8(dst.Bits())

	*(*uint16)(unsafe.Pointer(&row.data[fwdNextHopFamily])) = windows.AF_INET
	if nextHop.IsValid() {
		gw4 := nextHop.As4()
		copy(row.data[fwdNextHopAddr:fwdNextHopAddr+4], gw4[:])
	}

	*(*uint32)(unsafe.Pointer(&row.data[fwdMetric])) = metric
	*(*int32)(unsafe.Pointer(&row.data[fwdProtocol])) = 3 // MIB_IPPROTO_NETMGMT
	*(*int32)(unsafe.Pointer(&row.data[fwdOrigin])) = 0   // NlroManual

	r, _, _ := procCreateIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
	// ERROR_OBJECT_ALREADY_EXISTS can come as HRESULT 0x80071392 or Win32 0x1392.
	if r != 0 && r != 0x80071392 && r != 0x1392 {
		return row, fmt.Errorf("CreateIpForwardEntry2 failed: 0x%x", r)
	}
	return row, nil
}

func deleteRoute(row mibIPForwardRow2) error {
	r, _, _ := procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 {
		return fmt.Errorf("DeleteIpForwardEntry2: 0x%x", r)
	}
	return nil
}

func initIpForwardEntry(row *mibIPForwardRow2) {
	// MSDN: InitializeIpForwardEntry must be called before CreateIpForwardEntry2;
	// it sets ValidLifetime/PreferredLifetime to INFINITE and other defaults.
	procInitializeIpForwardEntry.Call(uintptr(unsafe.Pointer(row)))
}
