package client

import (
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/inercia/neetbox/internal/logging"
	"github.com/inercia/neetbox/protocol"
)

// Handler processes an inbound envelope.
// A returned error is logged; it never affects other handlers.
type Handler func(env protocol.EventEnvelope) error

// Subscription identifies a registered handler.
type Subscription struct {
	EventType string
	Name      string
}

// Registry maps event types to named handlers.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
// If logger is nil the client component logger is used.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]map[string]Handler),
		logger:   logger,
	}
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return logging.Client()
}

// HandlerName returns the name a handler is registered under when no name
// is given: the fully qualified name of its function.
func HandlerName(h Handler) string {
	if h == nil {
		return "<nil>"
	}
	if fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer()); fn != nil {
		return fn.Name()
	}
	return fmt.Sprintf("%p", h)
}

// Register adds handler for eventType under name, replacing any handler
// already registered with the same event type and name.
func (r *Registry) Register(eventType, name string, handler Handler) Subscription {
	if name == "" {
		name = HandlerName(handler)
	}

	r.mu.Lock()
	byName, ok := r.handlers[eventType]
	if !ok {
		byName = make(map[string]Handler)
		r.handlers[eventType] = byName
	}
	_, replaced := byName[name]
	byName[name] = handler
	r.mu.Unlock()

	r.log().Debug("Subscribed to event type",
		"event_type", eventType,
		"subscriber", name,
		"replaced", replaced,
	)
	return Subscription{EventType: eventType, Name: name}
}

// Unregister removes a subscription. It reports whether it was registered.
func (r *Registry) Unregister(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.handlers[sub.EventType]
	if !ok {
		return false
	}
	if _, ok := byName[sub.Name]; !ok {
		return false
	}
	delete(byName, sub.Name)
	if len(byName) == 0 {
		delete(r.handlers, sub.EventType)
	}
	return true
}

// Count returns the number of handlers registered for eventType.
func (r *Registry) Count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType])
}

// Dispatch delivers env to every handler registered for its event type and
// returns how many handlers were invoked. Handlers run on the calling
// goroutine; one failing handler does not prevent the others from running.
func (r *Registry) Dispatch(env protocol.EventEnvelope) int {
	r.mu.RLock()
	byName := r.handlers[env.EventType]
	snapshot := make(map[string]Handler, len(byName))
	for name, h := range byName {
		snapshot[name] = h
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		r.log().Warn("Received event nobody subscribes to, ignoring",
			"event_type", env.EventType,
			"event_id", env.EventID,
		)
		return 0
	}

	for name, h := range snapshot {
		if err := invoke(name, h, env); err != nil {
			r.log().Error("Subscriber failed, ignoring",
				"subscriber", err.Subscriber,
				"event_type", err.EventType,
				"error", err.Err,
			)
		}
	}
	return len(snapshot)
}

// invoke runs one handler, converting both errors and panics to a DispatchError.
func invoke(name string, h Handler, env protocol.EventEnvelope) (dispatchErr *DispatchError) {
	defer func() {
		if rec := recover(); rec != nil {
			dispatchErr = &DispatchError{
				Subscriber: name,
				EventType:  env.EventType,
				Err:        fmt.Errorf("panic: %v\n%s", rec, debug.Stack()),
			}
		}
	}()
	if err := h(env); err != nil {
		return &DispatchError{Subscriber: name, EventType: env.EventType, Err: err}
	}
	return nil
}
