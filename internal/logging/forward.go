package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"github.com/inercia/neetbox/protocol"
)

// SocketComponent is the component name used by the WebSocket session.
// Its records are never forwarded, since forwarding itself goes through the socket.
const SocketComponent = "socket"

// EventSink receives log records converted to event payloads.
// Implementations must not block.
type EventSink func(eventType string, payload map[string]any)

// ForwardConfig controls which records are forwarded and how fast.
type ForwardConfig struct {
	// Level is the minimum level of forwarded records (debug, info, warn, error).
	Level string
	// RecordsPerSecond is the sustained forwarding rate; excess records are dropped.
	RecordsPerSecond float64
	// Burst is the number of records that may be forwarded at once.
	Burst int
}

// DefaultForwardConfig returns the default forwarding configuration.
func DefaultForwardConfig() ForwardConfig {
	return ForwardConfig{
		Level:            "info",
		RecordsPerSecond: 50,
		Burst:            200,
	}
}

// EventHandler is a slog.Handler that turns records into "log" events.
type EventHandler struct {
	sink      EventSink
	level     slog.Level
	limiter   *rate.Limiter
	attrs     []slog.Attr
	group     string
	component string
}

// NewEventHandler creates a handler forwarding records to sink.
func NewEventHandler(sink EventSink, cfg ForwardConfig) *EventHandler {
	limit := rate.Inf
	if cfg.RecordsPerSecond > 0 {
		limit = rate.Limit(cfg.RecordsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &EventHandler{
		sink:    sink,
		level:   parseLevel(cfg.Level),
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (h *EventHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.component != SocketComponent && level >= h.level
}

func (h *EventHandler) Handle(_ context.Context, r slog.Record) error {
	if h.component == SocketComponent || !h.limiter.Allow() {
		return nil
	}

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = attrValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = attrValue(a.Value)
		return true
	})

	whom := h.component
	if whom == "" {
		whom = "default"
	}
	payload := map[string]any{
		"message": r.Message,
		"level":   r.Level.String(),
		"series":  strings.ToLower(r.Level.String()),
		"whom":    whom,
	}
	if len(attrs) > 0 {
		payload["attrs"] = attrs
	}
	h.sink(protocol.EventTypeLog, payload)
	return nil
}

func (h *EventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && h.group == "" {
			clone.component = a.Value.String()
			continue
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *EventHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

// ForwardTo adds sink as a target of the global logger, next to the console
// and file outputs configured by Initialize.
// Loggers obtained before the call keep their previous targets.
func ForwardTo(sink EventSink, cfg ForwardConfig) {
	globalMu.Lock()
	defer globalMu.Unlock()

	base := baseHandler
	if base == nil {
		base = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
		baseHandler = base
	}
	logger := slog.New(&multiHandler{handlers: []slog.Handler{base, NewEventHandler(sink, cfg)}})
	globalLogger = logger
	slog.SetDefault(logger)
}

// StopForwarding restores the handler configured by Initialize.
func StopForwarding() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if baseHandler == nil {
		return
	}
	logger := slog.New(baseHandler)
	globalLogger = logger
	slog.SetDefault(logger)
}
