//go:build windows

package gateway

import "time"

const (
	// connTrackerInterval is the Connection Tracker poll period (C3).
	connTrackerInterval = 200 * time.Millisecond

	// natSweepInterval is how often the NAT sweeper scans for idle entries.
	natSweepInterval = 30 * time.Second
	// natIdleTimeout is how long a NAT entry survives without activity.
	natIdleTimeout = 120 * time.Second

	// resolverBudget bounds a single synchronous port-resolver OS query.
	resolverBudget = 50 * time.Millisecond
	// resolverCacheTTL is how long a synchronous-resolver result is trusted
	// before the next miss re-queries the OS table.
	resolverCacheTTL = 500 * time.Millisecond

	// routeMetric is the metric used for the two /1 override routes; higher
	// than any VPN-installed default so it only applies to traffic that
	// explicitly targets the physical adapter.
	routeMetric = 9999

	// maxPacketSize is the largest IPv4 packet (the total-length field's
	// maximum). The connection-table buffers in process.go are sized
	// separately.
	maxPacketSize = 65535
)
