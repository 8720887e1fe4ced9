package client

import (
	"errors"
	"fmt"
)

// ErrNotReady is reported when an event is dropped because the socket has
// not completed its handshake.
var ErrNotReady = errors.New("connection not ready")

// ErrEmptyEventType is reported when an event without a type is dropped.
var ErrEmptyEventType = errors.New("empty event type")

// TransportError reports a failed HTTP request to the daemon.
// StatusCode is zero when the request never got a response.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s %s: status %d: %v", e.Method, e.URL, e.StatusCode, e.Err)
		}
		if e.Body != "" {
			return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConnectionError reports a failure to open or keep the socket.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("websocket %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// HandshakeError reports a handshake the daemon did not accept.
// Result is the status returned by the daemon, or zero if none was received.
type HandshakeError struct {
	Result int
	Reason string
}

func (e *HandshakeError) Error() string {
	if e.Result != 0 {
		return fmt.Sprintf("handshake rejected with result %d", e.Result)
	}
	return "handshake failed: " + e.Reason
}

// DispatchError reports a subscriber that failed while handling an event.
type DispatchError struct {
	Subscriber string
	EventType  string
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("subscriber %s failed on %q: %v", e.Subscriber, e.EventType, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
