//go:build windows

package gateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// TCPRow is one entry from the TCP connection table.
type TCPRow struct {
	LocalIP    netip.Addr
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	PID        uint32
}

// UDPRow is one entry from the UDP connection table.
type UDPRow struct {
	LocalIP   netip.Addr
	LocalPort uint16
	PID       uint32
}

// PortResolver answers "which process owns (protocol, local_ip, local_port)"
// queries against the OS connection tables (C4). Each query is bounded by a
// hard time budget and short-lived results are cached so a burst of packets
// on the same flow doesn't re-walk the whole table per packet.
type PortResolver struct {
	tcpBufPool sync.Pool
	udpBufPool sync.Pool

	mu    sync.Mutex
	cache map[resolverKey]cacheEntry
}

type resolverKey struct {
	udp  bool
	ip   netip.Addr
	port uint16
}

type cacheEntry struct {
	pid      uint32
	err      error
	deadline time.Time
}

// NewPortResolver creates a synchronous port resolver.
func NewPortResolver() *PortResolver {
	return &PortResolver{
		tcpBufPool: sync.Pool{New: func() any { b := make([]byte, 64*1024); return &b }},
		udpBufPool: sync.Pool{New: func() any { b := make([]byte, 64*1024); return &b }},
		cache:      make(map[resolverKey]cacheEntry),
	}
}

var (
	modIPHlpAPIProc = windows.NewLazySystemDLL("iphlpapi.dll")

	procGetExtendedTcpTable = modIPHlpAPIProc.NewProc("GetExtendedTcpTable")
	procGetExtendedUdpTable = modIPHlpAPIProc.NewProc("GetExtendedUdpTable")
)

const (
	tcpTableOwnerPIDAll = 5 // TCP_TABLE_OWNER_PID_ALL; also reports listening sockets
	udpTableOwnerPID    = 1 // UDP_TABLE_OWNER_PID
	errInsufficientBuf  = 122
)

// Resolve finds the PID that owns the given local (protocol, ip, port),
// bounded by resolverBudget. A cache hit within resolverCacheTTL skips the
// OS query entirely.
func (pr *PortResolver) Resolve(ctx context.Context, localIP netip.Addr, localPort uint16, udp bool) (uint32, error) {
	key := resolverKey{udp: udp, ip: localIP, port: localPort}

	pr.mu.Lock()
	if e, ok := pr.cache[key]; ok && time.Now().Before(e.deadline) {
		pr.mu.Unlock()
		return e.pid, e.err
	}
	pr.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, resolverBudget)
	defer cancel()

	type result struct {
		pid uint32
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		if udp {
			pid, err := pr.lookupUDP(localIP, localPort)
			resCh <- result{pid, err}
			return
		}
		pid, err := pr.lookupTCP(localIP, localPort)
		resCh <- result{pid, err}
	}()

	var pid uint32
	var err error
	select {
	case r := <-resCh:
		pid, err = r.pid, r.err
	case <-ctx.Done():
		pid, err = 0, fmt.Errorf("[Process] resolve %s:%d exceeded %s budget", localIP, localPort, resolverBudget)
	}

	pr.mu.Lock()
	pr.cache[key] = cacheEntry{pid: pid, err: err, deadline: time.Now().Add(resolverCacheTTL)}
	pr.mu.Unlock()

	return pid, err
}

func (pr *PortResolver) lookupTCP(localIP netip.Addr, localPort uint16) (uint32, error) {
	rows, err := pr.EnumerateTCPv4()
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if row.LocalPort == localPort && (localIP == row.LocalIP || !localIP.IsValid() || localIP.IsUnspecified()) {
			if row.PID != 0 {
				return row.PID, nil
			}
		}
	}
	return 0, fmt.Errorf("no TCP owner for %s:%d", localIP, localPort)
}

func (pr *PortResolver) lookupUDP(localIP netip.Addr, localPort uint16) (uint32, error) {
	rows, err := pr.EnumerateUDPv4()
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if row.LocalPort == localPort && (localIP == row.LocalIP || !localIP.IsValid() || localIP.IsUnspecified()) {
			if row.PID != 0 {
				return row.PID, nil
			}
		}
	}
	return 0, fmt.Errorf("no UDP owner for %s:%d", localIP, localPort)
}

// EnumerateTCPv4 snapshots the full IPv4 TCP connection table, owner PIDs
// included. Exposed for the Connection Tracker (C3), which walks the whole
// table on each poll rather than resolving one flow at a time.
func (pr *PortResolver) EnumerateTCPv4() ([]TCPRow, error) {
	bp := pr.tcpBufPool.Get().(*[]byte)
	defer pr.tcpBufPool.Put(bp)
	buf := *bp

	size := uint32(len(buf))
	r, _, _ := procGetExtendedTcpTable.Call(
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&size)),
		0,
		uintptr(windows.AF_INET),
		uintptr(tcpTableOwnerPIDAll),
		0,
	)
	if r == errInsufficientBuf {
		bigger := make([]byte, size)
		*bp = bigger
		buf = bigger
		r, _, _ = procGetExtendedTcpTable.Call(
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&size)),
			0,
			uintptr(windows.AF_INET),
			uintptr(tcpTableOwnerPIDAll),
			0,
		)
	}
	if r != 0 {
		return nil, fmt.Errorf("GetExtendedTcpTable: 0x%x", r)
	}

	// MIB_TCPTABLE_OWNER_PID: DWORD dwNumEntries + MIB_TCPROW_OWNER_PID[N].
	// Each row (24 bytes): dwState(4), dwLocalAddr(4), dwLocalPort(4),
	//                      dwRemoteAddr(4), dwRemotePort(4), dwOwningPid(4).
	numEntries := binary.LittleEndian.Uint32(buf[0:4])
	const rowSize = 24
	const offset = 4

	rows := make([]TCPRow, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		rowOff := offset + int(i)*rowSize
		if rowOff+rowSize > int(size) {
			break
		}
		localIP := netip.AddrFrom4(*(*[4]byte)(unsafe.Pointer(&buf[rowOff+4])))
		localPort := ntohs(*(*uint32)(unsafe.Pointer(&buf[rowOff+8])))
		remoteIP := netip.AddrFrom4(*(*[4]byte)(unsafe.Pointer(&buf[rowOff+12])))
		remotePort := ntohs(*(*uint32)(unsafe.Pointer(&buf[rowOff+16])))
		pid := binary.LittleEndian.Uint32(buf[rowOff+20 : rowOff+24])
		rows = append(rows, TCPRow{
			LocalIP: localIP, LocalPort: localPort,
			RemoteIP: remoteIP, RemotePort: remotePort,
			PID: pid,
		})
	}
	return rows, nil
}

// EnumerateUDPv4 snapshots the full IPv4 UDP table with owner PIDs.
func (pr *PortResolver) EnumerateUDPv4() ([]UDPRow, error) {
	bp := pr.udpBufPool.Get().(*[]byte)
	defer pr.udpBufPool.Put(bp)
	buf := *bp

	size := uint32(len(buf))
	r, _, _ := procGetExtendedUdpTable.Call(
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&size)),
		0,
		uintptr(windows.AF_INET),
		uintptr(udpTableOwnerPID),
		0,
	)
	if r == errInsufficientBuf {
		bigger := make([]byte, size)
		*bp = bigger
		buf = bigger
		r, _, _ = procGetExtendedUdpTable.Call(
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&size)),
			0,
			uintptr(windows.AF_INET),
			uintptr(udpTableOwnerPID),
			0,
		)
	}
	if r != 0 {
		return nil, fmt.Errorf("GetExtendedUdpTable: 0x%x", r)
	}

	// MIB_UDPTABLE_OWNER_PID: DWORD dwNumEntries + MIB_UDPROW_OWNER_PID[N].
	// Each row (12 bytes): dwLocalAddr(4), dwLocalPort(4), dwOwningPid(4).
	numEntries := binary.LittleEndian.Uint32(buf[0:4])
	const rowSize = 12
	const offset = 4

	rows := make([]UDPRow, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		rowOff := offset + int(i)*rowSize
		if rowOff+rowSize > int(size) {
			break
		}
		localIP := netip.AddrFrom4(*(*[4]byte)(unsafe.Pointer(&buf[rowOff])))
		localPort := ntohs(*(*uint32)(unsafe.Pointer(&buf[rowOff+4])))
		pid := binary.LittleEndian.Uint32(buf[rowOff+8 : rowOff+12])
		rows = append(rows, UDPRow{LocalIP: localIP, LocalPort: localPort, PID: pid})
	}
	return rows, nil
}

// ntohs converts a DWORD-packed port in network byte order to a host uint16.
func ntohs(v uint32) uint16 {
	return uint16(v&0xFF)<<8 | uint16((v>>8)&0xFF)
}
