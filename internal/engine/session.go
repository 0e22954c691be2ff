//go:build windows

// Package engine wires the six collaborating components (C1-C6) into the
// public Session lifecycle: Start, SetMode, SetTargets, Stop, Stats.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"splittun-engine/internal/core"
	"splittun-engine/internal/gateway"
	"splittun-engine/internal/process"
)

// Stats is a snapshot of session activity. The packet and byte counters are
// atomic loads; FlowsActive and NATEntries are summed shard by shard, each
// shard under its read lock.
type Stats struct {
	BytesOut    int64
	BytesIn     int64
	FlowsActive int64
	NATEntries  int64

	PacketsRedirected int64
	PacketsDropped    int64
	PacketsPassed     int64
	DiscardedNoRoute  int64
}

// Session owns every resource a running split-tunnel engine holds: the
// discovered adapters, the installed routes, and the four long-lived
// workers (Connection Tracker, NAT sweeper, and the two interceptor
// directions riding inside gateway.Interceptor). Start installs routes and
// launches workers; Stop tears them down in the reverse order, guaranteed
// even if a worker faults.
type Session struct {
	vpn, phys gateway.AdapterInfo

	routeMgr     *gateway.RouteManager
	routeHandles []gateway.RouteHandle

	policy      *gateway.Policy
	conn        *gateway.ConnTracker
	resolver    *gateway.PortResolver
	pids        *process.PidCache
	nat         *gateway.NatTable
	flowPol     *gateway.FlowPolicyCache
	interceptor *gateway.Interceptor

	bus *core.EventBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// Start discovers the adapters (C1), installs the /1 override routes (C2),
// builds C3-C6, starts the interceptor (C6), and then launches the
// Connection Tracker (C3) and NAT sweeper (C5) workers. On any failure it
// rolls back whatever it already set up and returns a non-nil error; the
// caller must not call Stop on a failed Start.
func Start(mode core.Mode, targets *process.TargetSet, bus *core.EventBus) (*Session, error) {
	inv := gateway.NewInventory()
	vpn, phys, _, err := inv.Discover()
	if err != nil {
		return nil, fmt.Errorf("[Session] %w", err)
	}

	routeMgr := gateway.NewRouteManager()
	handles, err := routeMgr.Install(phys.LUID, phys.Gateway)
	if err != nil {
		return nil, fmt.Errorf("[Session] %w", err)
	}

	pids := process.NewPidCache()
	resolver := gateway.NewPortResolver()
	conn := gateway.NewConnTracker(resolver)
	nat := gateway.NewNatTable()
	flowPol := gateway.NewFlowPolicyCache()
	policy := gateway.NewPolicy(mode, targets)

	interceptor, err := gateway.NewInterceptor(vpn, phys, policy, conn, resolver, pids, nat, flowPol)
	if err != nil {
		routeMgr.Cleanup()
		return nil, fmt.Errorf("[Session] %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		vpn:          vpn,
		phys:         phys,
		routeMgr:     routeMgr,
		routeHandles: handles,
		policy:       policy,
		conn:         conn,
		resolver:     resolver,
		pids:         pids,
		nat:          nat,
		flowPol:      flowPol,
		interceptor:  interceptor,
		bus:          bus,
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
	}

	if err := interceptor.Start(ctx); err != nil {
		interceptor.Stop()
		cancel()
		routeMgr.Cleanup()
		return nil, fmt.Errorf("[Session] %w", err)
	}

	pids.StartRevalidation(ctx)
	nat.StartTimestampUpdater(ctx)
	s.launch("ConnTracker", conn.Run)
	s.launch("NATSweeper", nat.StartSweeper)

	if bus != nil {
		bus.Publish(core.Event{Type: core.EventSessionStarted})
	}
	core.Log.Infof("Session", "started: mode=%s vpn=%s physical=%s", mode, vpn.Name, phys.Name)
	return s, nil
}

// launch runs fn as a supervised worker: a recovered panic is converted
// into a SessionFault event and triggers Stop, so a bug
// in one worker never leaks a session stuck holding routes or NAT state.
func (s *Session) launch(component string, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.fault(component, fmt.Errorf("panic: %v", r))
			}
		}()
		fn(s.ctx)
	}()
}

func (s *Session) fault(component string, err error) {
	core.Log.Errorf("Session", "%s faulted: %v", component, err)
	if s.bus != nil {
		s.bus.Publish(core.Event{Type: core.EventSessionFault, Payload: core.FaultPayload{Component: component, Err: err}})
	}
	go s.Stop()
}

// SetMode swaps the default-egress mode for flows whose decision has not
// yet been committed.
func (s *Session) SetMode(mode core.Mode) {
	s.policy.SetMode(mode)
	if s.bus != nil {
		s.bus.Publish(core.Event{Type: core.EventModeChanged, Payload: core.ModePayload{Mode: mode}})
	}
}

// SetTargets swaps the toggled executable set. Already-committed flows are
// unaffected; only new flows see the updated set.
func (s *Session) SetTargets(targets *process.TargetSet) {
	s.policy.SetTargets(targets)
}

// Stats returns a snapshot of session activity (see Stats for which fields
// take shard read locks).
func (s *Session) Stats() Stats {
	redirected, dropped, passed, discarded, bytesOut, bytesIn := s.interceptor.Stats().Snapshot()
	return Stats{
		BytesOut:          bytesOut,
		BytesIn:           bytesIn,
		FlowsActive:       int64(s.flowPol.Count()),
		NATEntries:        int64(s.nat.Count()),
		PacketsRedirected: redirected,
		PacketsDropped:    dropped,
		PacketsPassed:     passed,
		DiscardedNoRoute:  discarded,
	}
}

// Stop performs an ordered shutdown: stop flag, close packet handles, join
// workers with a 2s budget, remove routes. Route removal runs regardless of
// whether the workers joined in time — it must never block on them.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		core.Log.Infof("Session", "stopping")
		s.cancel()
		s.interceptor.Stop()

		joined := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(2 * time.Second):
			core.Log.Warnf("Session", "worker join timed out, proceeding to route cleanup")
		}

		if err := s.routeMgr.Cleanup(); err != nil {
			core.Log.Warnf("Session", "route cleanup: %v", err)
		}

		if s.bus != nil {
			s.bus.Publish(core.Event{Type: core.EventSessionStopped})
		}
		close(s.stopped)
	})
}

// Done returns a channel closed once Stop has completed teardown.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}
