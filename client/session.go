package client

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/neetbox/protocol"
)

// run owns the socket for the lifetime of the manager: it dials, serves one
// session at a time and reconnects with exponential backoff until Close.
func (m *Manager) run() {
	defer close(m.done)

	backoff := m.reconnectBase
	for {
		if !m.setConnecting() {
			return
		}

		conn, _, err := m.dialer.DialContext(m.ctx, m.socketURL, nil)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("Websocket connection failed",
				"error", &ConnectionError{URL: m.socketURL, Err: err},
				"retry_in", backoff)
			m.setDisconnected()
		} else {
			m.logger.Info("Websocket connected, sending handshake", "url", m.socketURL)
			if m.serve(conn) {
				backoff = m.reconnectBase
			}
		}

		delay := backoff
		backoff = min(backoff*2, m.reconnectMax)
		if !m.sleep(delay) {
			return
		}
	}
}

func (m *Manager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) setDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosed {
		m.setStateLocked(StateDisconnected)
	}
}

// serve runs one socket session until the connection drops.
// It reports whether the handshake succeeded during the session.
func (m *Manager) serve(conn *websocket.Conn) bool {
	generation, ok := m.beginSession(conn)
	if !ok {
		_ = conn.Close()
		return false
	}
	defer m.endSession(generation)
	defer conn.Close()

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(m.pongWait))
	}
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	hs, err := m.startHandshake(conn, generation)
	if err != nil {
		m.logger.Error("Failed to send handshake", "error", &ConnectionError{URL: m.socketURL, Err: err})
		return false
	}
	defer hs.stop()

	pingCtx, cancelPing := context.WithCancel(m.ctx)
	defer cancelPing()
	go m.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.logClosed(err)
			break
		}
		_ = extend()
		m.handleFrame(data)
	}
	return hs.succeeded.Load()
}

// pingLoop keeps the connection alive. WriteControl may run concurrently
// with the other write methods.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeWait)); err != nil {
				m.logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

// handleFrame decodes one inbound frame and dispatches it.
// Undecodable frames are logged and dropped; the session survives.
func (m *Manager) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
		return
	}
	m.registry.Dispatch(env)
}

func (m *Manager) logClosed(err error) {
	if m.ctx.Err() != nil {
		m.logger.Debug("Websocket closed on shutdown")
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		m.logger.Warn("Websocket closed", "code", ce.Code, "reason", ce.Text)
		return
	}
	m.logger.Warn("Websocket closed", "error", err)
}
