package client

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/inercia/neetbox/protocol"
)

func namedHandler(protocol.EventEnvelope) error { return nil }

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := NewRegistry(nil)

	var first, second int
	r.Register("metric", "plot", func(protocol.EventEnvelope) error { first++; return nil })
	r.Register("metric", "plot", func(protocol.EventEnvelope) error { second++; return nil })

	if got := r.Count("metric"); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
	if n := r.Dispatch(protocol.EventEnvelope{EventType: "metric"}); n != 1 {
		t.Errorf("Dispatch invoked %d handlers, want 1", n)
	}
	if first != 0 || second != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestRegistry_DispatchUnknownType(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("metric", "plot", namedHandler)

	if n := r.Dispatch(protocol.EventEnvelope{EventType: "action"}); n != 0 {
		t.Errorf("Dispatch invoked %d handlers, want 0", n)
	}
}

func TestRegistry_DispatchIsolatesFailures(t *testing.T) {
	r := NewRegistry(nil)

	var mu sync.Mutex
	var got []string
	record := func(name string) Handler {
		return func(env protocol.EventEnvelope) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+env.EventType)
			return nil
		}
	}

	r.Register("action", "ok-1", record("ok-1"))
	r.Register("action", "failing", func(protocol.EventEnvelope) error {
		return errors.New("boom")
	})
	r.Register("action", "panicking", func(protocol.EventEnvelope) error {
		panic("kaboom")
	})
	r.Register("action", "ok-2", record("ok-2"))

	if n := r.Dispatch(protocol.EventEnvelope{EventType: "action"}); n != 4 {
		t.Errorf("Dispatch invoked %d handlers, want 4", n)
	}
	if len(got) != 2 {
		t.Fatalf("healthy handlers ran %d times, want 2: %v", len(got), got)
	}
	for _, g := range got {
		if !strings.HasSuffix(g, ":action") {
			t.Errorf("handler received %q", g)
		}
	}
}

func TestInvoke_ReturnsDispatchError(t *testing.T) {
	sentinel := errors.New("boom")
	err := invoke("sub", func(protocol.EventEnvelope) error { return sentinel },
		protocol.EventEnvelope{EventType: "metric"})
	if err == nil {
		t.Fatal("expected a DispatchError")
	}
	if err.Subscriber != "sub" || err.EventType != "metric" {
		t.Errorf("unexpected error fields: %+v", err)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("DispatchError does not wrap the handler error")
	}

	err = invoke("sub", func(protocol.EventEnvelope) error { panic("kaboom") },
		protocol.EventEnvelope{EventType: "metric"})
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("panic not converted: %v", err)
	}

	if err := invoke("sub", namedHandler, protocol.EventEnvelope{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	sub := r.Register("metric", "plot", namedHandler)

	if !r.Unregister(sub) {
		t.Error("first Unregister should report true")
	}
	if r.Unregister(sub) {
		t.Error("second Unregister should report false")
	}
	if r.Count("metric") != 0 {
		t.Error("handler still registered")
	}
	if r.Unregister(Subscription{EventType: "never", Name: "x"}) {
		t.Error("Unregister of unknown type should report false")
	}
}

func TestRegistry_DefaultName(t *testing.T) {
	r := NewRegistry(nil)
	sub := r.Register("metric", "", namedHandler)

	if !strings.HasSuffix(sub.Name, ".namedHandler") {
		t.Errorf("default name = %q, want function name", sub.Name)
	}
	// Registering the same function again replaces the first subscription.
	r.Register("metric", "", namedHandler)
	if r.Count("metric") != 1 {
		t.Errorf("Count = %d, want 1", r.Count("metric"))
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := r.Register("metric", "", namedHandler)
			r.Unregister(sub)
		}()
		go func() {
			defer wg.Done()
			r.Dispatch(protocol.EventEnvelope{EventType: "metric"})
		}()
	}
	wg.Wait()
}
