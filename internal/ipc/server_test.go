//go:build windows

package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"splittun-engine/internal/core"
	"splittun-engine/internal/engine"
)

// fakeHandler is an in-memory ipc.Handler stand-in so dispatch/serveConn can
// be exercised without a real engine.Session or a Windows Named Pipe.
type fakeHandler struct {
	startMode    core.Mode
	startTargets []string
	startErr     error

	setModeCalls []core.Mode
	setModeErr   error

	setTargetsCalls [][]string
	setTargetsErr   error

	stopErr error

	stats    engine.Stats
	statsErr error
}

func (f *fakeHandler) Start(mode core.Mode, targets []string) error {
	f.startMode, f.startTargets = mode, targets
	return f.startErr
}
func (f *fakeHandler) SetMode(mode core.Mode) error {
	f.setModeCalls = append(f.setModeCalls, mode)
	return f.setModeErr
}
func (f *fakeHandler) SetTargets(targets []string) error {
	f.setTargetsCalls = append(f.setTargetsCalls, targets)
	return f.setTargetsErr
}
func (f *fakeHandler) Stop() error           { return f.stopErr }
func (f *fakeHandler) Stats() (engine.Stats, error) { return f.stats, f.statsErr }

func TestServer_DispatchStart(t *testing.T) {
	h := &fakeHandler{}
	s := NewServer(h)

	resp := s.dispatch(Request{Op: OpStart, Mode: "exclude", Targets: []string{`C:\a.exe`}})
	if !resp.OK {
		t.Fatalf("dispatch(start) = %+v, want OK", resp)
	}
	if h.startMode != core.ExcludeMode || len(h.startTargets) != 1 {
		t.Errorf("handler.Start not invoked with expected args: mode=%v targets=%v", h.startMode, h.startTargets)
	}
}

func TestServer_DispatchStartInvalidMode(t *testing.T) {
	s := NewServer(&fakeHandler{})
	resp := s.dispatch(Request{Op: OpStart, Mode: "not_a_mode"})
	if resp.OK {
		t.Error("dispatch(start) with an invalid mode should not report OK")
	}
	if resp.Error == "" {
		t.Error("expected an error message for an invalid mode")
	}
}

func TestServer_DispatchStartHandlerError(t *testing.T) {
	h := &fakeHandler{startErr: errors.New("adapter discovery failed")}
	s := NewServer(h)
	resp := s.dispatch(Request{Op: OpStart, Mode: "include"})
	if resp.OK {
		t.Error("dispatch(start) should surface the handler's error as !OK")
	}
}

func TestServer_DispatchStats(t *testing.T) {
	h := &fakeHandler{stats: engine.Stats{BytesOut: 100, FlowsActive: 3, NATEntries: 2}}
	s := NewServer(h)
	resp := s.dispatch(Request{Op: OpStats})
	if !resp.OK || resp.BytesOut != 100 || resp.FlowsActive != 3 || resp.NATEntries != 2 {
		t.Errorf("dispatch(stats) = %+v, want the handler's stats echoed back", resp)
	}
}

func TestServer_DispatchUnknownOp(t *testing.T) {
	s := NewServer(&fakeHandler{})
	resp := s.dispatch(Request{Op: "bogus"})
	if resp.OK {
		t.Error("dispatch() of an unknown op should not report OK")
	}
}

func TestServer_DispatchStop(t *testing.T) {
	h := &fakeHandler{}
	s := NewServer(h)
	resp := s.dispatch(Request{Op: OpStop})
	if !resp.OK {
		t.Errorf("dispatch(stop) = %+v, want OK", resp)
	}
}

// TestServer_ServeConnRoundTrip drives serveConn over an in-memory net.Pipe,
// the same framing a real Named Pipe connection uses, without opening a
// real Named Pipe.
func TestServer_ServeConnRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	h := &fakeHandler{stats: engine.Stats{BytesIn: 42}}
	s := NewServer(h)
	go s.serveConn(serverConn)

	enc := json.NewEncoder(clientConn)
	scanner := bufio.NewScanner(clientConn)

	if err := enc.Encode(Request{Op: OpStats}); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if !scanner.Scan() {
		t.Fatalf("no response received: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK || resp.BytesIn != 42 {
		t.Errorf("round-tripped response = %+v, want OK with BytesIn=42", resp)
	}
}
