package client

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/neetbox/protocol"
)

// handshakeSubscriber prefixes the registry name of the per-session handshake
// handler. The session generation is appended so a stale session can never
// remove the handler of a newer one.
const handshakeSubscriber = "client.handshake"

// handshake tracks the identity exchange of one socket session.
// It resolves exactly once: on the daemon reply, on timeout, or when the
// socket closes. handleReply and stop run on the session goroutine.
type handshake struct {
	m          *Manager
	conn       *websocket.Conn
	generation uint64
	resolved   atomic.Bool
	succeeded  atomic.Bool
	timer      *time.Timer
	sub        Subscription
}

func (m *Manager) handshakeRequest() protocol.EventEnvelope {
	return protocol.EventEnvelope{
		ProjectID: m.identity.ProjectID,
		RunID:     m.identity.RunID,
		EventType: protocol.EventTypeHandshake,
		EventID:   protocol.HandshakeEventID,
		Who:       protocol.IdentityCLI,
		Payload:   map[string]any{},
		Timestamp: protocol.Now(),
	}
}

// startHandshake subscribes the one-shot reply handler and sends the request.
func (m *Manager) startHandshake(conn *websocket.Conn, generation uint64) (*handshake, error) {
	hs := &handshake{m: m, conn: conn, generation: generation}
	name := fmt.Sprintf("%s#%d", handshakeSubscriber, generation)
	hs.sub = m.registry.Register(protocol.EventTypeHandshake, name, hs.handleReply)

	data, err := protocol.Encode(m.handshakeRequest())
	if err != nil {
		m.registry.Unregister(hs.sub)
		return nil, err
	}
	if err := m.writeFrame(conn, data); err != nil {
		m.registry.Unregister(hs.sub)
		return nil, err
	}

	hs.timer = time.AfterFunc(m.handshakeTimeout, func() {
		hs.fail(&HandshakeError{Reason: fmt.Sprintf("no reply within %s", m.handshakeTimeout)})
	})
	return hs, nil
}

// handleReply checks the daemon answer. A result other than 200 keeps the
// session out of the ready state and closes the socket so that the next
// reconnect retries the handshake.
func (hs *handshake) handleReply(env protocol.EventEnvelope) error {
	hs.timer.Stop()
	result, ok := env.IntField("result")
	if !ok {
		hs.fail(&HandshakeError{Reason: "reply without a numeric result"})
		return nil
	}
	if result != http.StatusOK {
		hs.fail(&HandshakeError{Result: result})
		return nil
	}
	if !hs.resolve() {
		return nil
	}
	if hs.m.markReady(hs.generation, hs.conn) {
		hs.succeeded.Store(true)
	}
	return nil
}

func (hs *handshake) fail(err *HandshakeError) {
	if !hs.resolve() {
		return
	}
	hs.m.handshakeFailed(hs.generation, err)
	_ = hs.conn.Close()
}

// resolve marks the handshake as finished and reports whether this call did it.
// It may run on the timer goroutine, so it never touches hs.timer.
func (hs *handshake) resolve() bool {
	if !hs.resolved.CompareAndSwap(false, true) {
		return false
	}
	hs.m.registry.Unregister(hs.sub)
	return true
}

// stop releases the handshake when its socket goes away.
// It must be called from the goroutine that started the handshake.
func (hs *handshake) stop() {
	hs.timer.Stop()
	hs.resolve()
}
