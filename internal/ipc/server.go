//go:build windows

package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"

	"splittun-engine/internal/core"
	"splittun-engine/internal/engine"
)

// Handler is the control-plane surface the server dispatches requests to.
// cmd/splittun-engine implements it on top of a single engine.Session,
// serializing Start/Stop against concurrent control connections.
type Handler interface {
	Start(mode core.Mode, targets []string) error
	SetMode(mode core.Mode) error
	SetTargets(targets []string) error
	Stop() error
	Stats() (engine.Stats, error)
}

// Server accepts Named Pipe connections and dispatches newline-delimited
// JSON requests to a Handler. Any authenticated local user may connect; the
// pipe's security descriptor is the service's only access control.
type Server struct {
	handler  Handler
	listener net.Listener
}

// NewServer creates an IPC server dispatching to handler.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// Start opens the Named Pipe and serves connections until the listener is
// closed by Stop. Blocks.
func (s *Server) Start() error {
	ln, err := PipeListener()
	if err != nil {
		return fmt.Errorf("[IPC] listen pipe: %w", err)
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

// Stop closes the pipe listener, unblocking Start and any in-flight Accept.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{OK: false, Error: err.Error()})
			continue
		}
		enc.Encode(s.dispatch(req))
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case OpStart:
		mode, err := core.ParseMode(req.Mode)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		if err := s.handler.Start(mode, req.Targets); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case OpSetMode:
		mode, err := core.ParseMode(req.Mode)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		if err := s.handler.SetMode(mode); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case OpSetTargets:
		if err := s.handler.SetTargets(req.Targets); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case OpStop:
		if err := s.handler.Stop(); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case OpStats:
		st, err := s.handler.Stats()
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{
			OK: true, BytesOut: st.BytesOut, BytesIn: st.BytesIn,
			FlowsActive: st.FlowsActive, NATEntries: st.NATEntries,
			PacketsRedirected: st.PacketsRedirected, PacketsDropped: st.PacketsDropped,
			PacketsPassed: st.PacketsPassed, DiscardedNoRoute: st.DiscardedNoRoute,
		}

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// PipeListener opens a Named Pipe listener for the control-plane server.
// The pipe allows any authenticated user to connect (SDDL grant), matching
// the access the original per-process UI process needs without running
// elevated itself.
func PipeListener() (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;AU)",
		MessageMode:        false,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}
	return winio.ListenPipe(PipeName, cfg)
}
