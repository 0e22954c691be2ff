//go:build windows

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"splittun-engine/internal/core"
	"splittun-engine/internal/ipc"
)

// Build info — injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// runEngine loads the configuration, auto-starts a session with its
// Mode/Targets, and serves the named-pipe control surface until stopCh is
// closed (by a Ctrl+C signal or the Windows SCM).
func runEngine(configPath string, stopCh <-chan struct{}) error {
	core.Log.Infof("Core", "splittun-engine %s starting", version)

	bus := core.NewEventBus()
	bus.Subscribe(core.EventSessionFault, func(e core.Event) {
		if p, ok := e.Payload.(core.FaultPayload); ok {
			core.Log.Errorf("Core", "session fault in %s: %v", p.Component, p.Err)
		}
	})

	cfgManager := core.NewConfigManager(configPath, bus)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("[Core] load config: %w", err)
	}
	cfg := cfgManager.Get()
	core.Log = core.NewLogger(cfg.Logging)

	ctrl := newController(bus)
	if err := ctrl.Start(cfg.Mode, cfg.Targets); err != nil {
		return fmt.Errorf("[Core] start session: %w", err)
	}
	core.Log.Infof("Core", "session active: mode=%s targets=%d", cfg.Mode, len(cfg.Targets))

	srv := ipc.NewServer(ctrl)
	srvErrCh := make(chan error, 1)
	go func() { srvErrCh <- srv.Start() }()

	select {
	case <-stopCh:
		core.Log.Infof("Core", "shutdown requested")
	case err := <-srvErrCh:
		if err != nil {
			core.Log.Errorf("Core", "control pipe server: %v", err)
		}
	}

	srv.Stop()
	if err := ctrl.Stop(); err != nil {
		core.Log.Warnf("Core", "session stop: %v", err)
	}
	core.Log.Infof("Core", "shutdown complete")
	return nil
}

// resolveRelativeToExe resolves a relative path against the directory
// containing the running executable. Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		log.Printf("[Core] cannot determine executable path, using %q as-is: %v", path, err)
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
