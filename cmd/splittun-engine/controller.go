//go:build windows

package main

import (
	"fmt"
	"sync"

	"splittun-engine/internal/core"
	"splittun-engine/internal/engine"
	"splittun-engine/internal/process"
)

// controller owns the single engine.Session this process runs and
// implements ipc.Handler so the named-pipe control surface and the
// console/service bootstrap drive the same session through one lock.
type controller struct {
	mu      sync.Mutex
	session *engine.Session
	bus     *core.EventBus
}

func newController(bus *core.EventBus) *controller {
	return &controller{bus: bus}
}

func (c *controller) Start(mode core.Mode, targets []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return fmt.Errorf("session already running")
	}

	s, err := engine.Start(mode, process.NewTargetSet(targets), c.bus)
	if err != nil {
		return err
	}
	c.session = s

	go func() {
		<-s.Done()
		c.mu.Lock()
		if c.session == s {
			c.session = nil
		}
		c.mu.Unlock()
	}()
	return nil
}

func (c *controller) SetMode(mode core.Mode) error {
	s := c.current()
	if s == nil {
		return fmt.Errorf("no active session")
	}
	s.SetMode(mode)
	return nil
}

func (c *controller) SetTargets(targets []string) error {
	s := c.current()
	if s == nil {
		return fmt.Errorf("no active session")
	}
	s.SetTargets(process.NewTargetSet(targets))
	return nil
}

func (c *controller) Stop() error {
	s := c.current()
	if s == nil {
		return nil
	}
	s.Stop()
	return nil
}

func (c *controller) Stats() (engine.Stats, error) {
	s := c.current()
	if s == nil {
		return engine.Stats{}, fmt.Errorf("no active session")
	}
	return s.Stats(), nil
}

func (c *controller) current() *engine.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
