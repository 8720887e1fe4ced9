// Package protocol defines the event envelope exchanged with the neetbox
// daemon over the WebSocket channel, together with its JSON codec.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved event types.
const (
	// EventTypeHandshake is the identity exchange run once per socket session.
	EventTypeHandshake = "handshake"
	// EventTypeLog carries forwarded log records.
	EventTypeLog = "log"
)

const (
	// HandshakeEventID is the event id reserved for the handshake request.
	HandshakeEventID int64 = 0
	// DefaultEventID is used for events that do not expect a correlated reply.
	DefaultEventID int64 = -1
)

// TimestampLayout is the layout used for envelope timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Identity tags the originator of a message.
type Identity string

const (
	IdentityCLI    Identity = "cli"
	IdentityDaemon Identity = "daemon"
	IdentityWeb    Identity = "web"
)

// Valid reports whether i is one of the known identities.
func (i Identity) Valid() bool {
	switch i {
	case IdentityCLI, IdentityDaemon, IdentityWeb:
		return true
	}
	return false
}

// EventEnvelope is the message unit exchanged over the socket.
type EventEnvelope struct {
	ProjectID string         `json:"project_id"`
	RunID     string         `json:"run_id"`
	EventType string         `json:"event_type"`
	EventID   int64          `json:"event_id"`
	Who       Identity       `json:"who"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// Now returns the current time formatted with TimestampLayout.
func Now() string {
	return time.Now().Format(TimestampLayout)
}

// DecodeError is returned when an inbound frame is not a valid envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes the envelope. A nil payload is written as an empty object.
func Encode(env EventEnvelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %q: %w", env.EventType, err)
	}
	return data, nil
}

// Decode parses a frame into an envelope.
// The returned payload is never nil.
func Decode(data []byte) (EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return EventEnvelope{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if env.EventType == "" {
		return EventEnvelope{}, &DecodeError{Reason: "missing event_type"}
	}
	if env.Who != "" && !env.Who.Valid() {
		return EventEnvelope{}, &DecodeError{Reason: fmt.Sprintf("unknown identity %q", env.Who)}
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return env, nil
}

// IntField returns payload[key] as an int when it holds an integral number.
// JSON numbers decode as float64; integer types are accepted as well.
func (e EventEnvelope) IntField(key string) (int, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
