//go:build windows

package core

import (
	"sync"
	"testing"
	"time"
)

func TestEventBus_PublishDeliversSynchronously(t *testing.T) {
	eb := NewEventBus()
	var got Event
	eb.Subscribe(EventModeChanged, func(e Event) { got = e })

	eb.Publish(Event{Type: EventModeChanged, Payload: ModePayload{Mode: IncludeMode}})

	payload, ok := got.Payload.(ModePayload)
	if !ok || payload.Mode != IncludeMode {
		t.Fatalf("handler did not observe the published payload, got %+v", got)
	}
}

func TestEventBus_PublishOnlyReachesSubscribedType(t *testing.T) {
	eb := NewEventBus()
	called := false
	eb.Subscribe(EventSessionStarted, func(Event) { called = true })

	eb.Publish(Event{Type: EventSessionStopped})

	if called {
		t.Error("handler for EventSessionStarted was invoked by an EventSessionStopped publish")
	}
}

func TestEventBus_MultipleHandlersAllFire(t *testing.T) {
	eb := NewEventBus()
	var n int
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		eb.Subscribe(EventConfigReloaded, func(Event) {
			mu.Lock()
			n++
			mu.Unlock()
		})
	}

	eb.Publish(Event{Type: EventConfigReloaded})

	if n != 3 {
		t.Errorf("fired handlers = %d, want 3", n)
	}
}

func TestEventBus_PublishAsyncDeliversEventually(t *testing.T) {
	eb := NewEventBus()
	done := make(chan struct{})
	eb.Subscribe(EventSessionFault, func(e Event) { close(done) })

	eb.PublishAsync(Event{Type: EventSessionFault, Payload: FaultPayload{Component: "NAT"}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked by PublishAsync within 1s")
	}
}
