package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/neetbox/config"
	"github.com/inercia/neetbox/protocol"
)

var testIdentity = Identity{ProjectID: "proj-1", RunID: "run-1"}

// daemonStub is a minimal socket server speaking the daemon side of the protocol.
type daemonStub struct {
	t   *testing.T
	srv *httptest.Server

	// result is the handshake reply; zero means never reply.
	result int
	// closeOnAccept closes every connection right after the upgrade.
	closeOnAccept atomic.Bool

	handshakes atomic.Int32
	frames     chan protocol.EventEnvelope

	mu    sync.Mutex
	conns []*stubConn
	ready chan *stubConn
}

type stubConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *stubConn) writeRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *stubConn) sendEnvelope(env protocol.EventEnvelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *stubConn) write(t *testing.T, data []byte) {
	t.Helper()
	if err := c.writeRaw(data); err != nil {
		t.Fatalf("stub write failed: %v", err)
	}
}

func (c *stubConn) send(t *testing.T, env protocol.EventEnvelope) {
	t.Helper()
	if err := c.sendEnvelope(env); err != nil {
		t.Fatalf("stub send failed: %v", err)
	}
}

func newDaemonStub(t *testing.T, result int) *daemonStub {
	t.Helper()
	s := &daemonStub{
		t:      t,
		result: result,
		frames: make(chan protocol.EventEnvelope, 64),
		ready:  make(chan *stubConn, 16),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if s.closeOnAccept.Load() {
			_ = conn.Close()
			return
		}
		sc := &stubConn{conn: conn}
		s.mu.Lock()
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		s.serve(sc)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *daemonStub) serve(sc *stubConn) {
	defer sc.conn.Close()
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			return
		}
		if env.EventType != protocol.EventTypeHandshake {
			select {
			case s.frames <- env:
			default:
			}
			continue
		}
		s.handshakes.Add(1)
		if s.result == 0 {
			continue
		}
		err = sc.sendEnvelope(protocol.EventEnvelope{
			ProjectID: env.ProjectID,
			RunID:     env.RunID,
			EventType: protocol.EventTypeHandshake,
			EventID:   env.EventID,
			Who:       protocol.IdentityDaemon,
			Payload:   map[string]any{"result": s.result},
			Timestamp: protocol.Now(),
		})
		if err != nil {
			return
		}
		if s.result == http.StatusOK {
			select {
			case s.ready <- sc:
			default:
			}
		}
	}
}

// daemon returns a daemon address whose socket port is the stub port.
func (s *daemonStub) daemon() config.Daemon {
	host, portStr, err := net.SplitHostPort(s.srv.Listener.Addr().String())
	if err != nil {
		s.t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return config.Daemon{Host: host, Port: port - 1}
}

func (s *daemonStub) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.conns {
		_ = sc.conn.Close()
	}
	s.conns = nil
}

func newTestManager(t *testing.T, d config.Daemon, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{
		WithReconnectBackoff(10*time.Millisecond, 50*time.Millisecond),
		WithHandshakeTimeout(2 * time.Second),
	}, opts...)
	m, err := New(testIdentity, d, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitReady(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	d := config.Daemon{Host: "127.0.0.1", Port: 20202}

	tests := []struct {
		name     string
		identity Identity
		daemon   config.Daemon
	}{
		{"missing project", Identity{RunID: "r"}, d},
		{"missing run", Identity{ProjectID: "p"}, d},
		{"bad port", testIdentity, config.Daemon{Host: "127.0.0.1", Port: 65535}},
		{"empty host", testIdentity, config.Daemon{Port: 20202}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.identity, tt.daemon)
			var ce *config.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error is %T (%v), want *config.ConfigError", err, err)
			}
		})
	}

	m, err := New(testIdentity, d)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if m.SocketURL() != "ws://127.0.0.1:20203" {
		t.Errorf("SocketURL = %q", m.SocketURL())
	}
	if m.HTTP().BaseURL() != "http://127.0.0.1:20202" {
		t.Errorf("BaseURL = %q", m.HTTP().BaseURL())
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", m.State())
	}
}

func TestManager_HandshakeThenSend(t *testing.T) {
	stub := newDaemonStub(t, http.StatusOK)
	m := newTestManager(t, stub.daemon())

	if m.Send("metric", map[string]any{"loss": 1}) {
		t.Error("Send before Connect should report false")
	}

	m.Connect()
	waitReady(t, m)

	if !m.Send("metric", map[string]any{"loss": 0.25}, WithTimestamp("2024-01-01T00:00:00.000000")) {
		t.Fatal("Send on a ready session should report true")
	}

	select {
	case env := <-stub.frames:
		if env.EventType != "metric" {
			t.Errorf("EventType = %q", env.EventType)
		}
		if env.ProjectID != testIdentity.ProjectID || env.RunID != testIdentity.RunID {
			t.Errorf("identity = %s/%s", env.ProjectID, env.RunID)
		}
		if env.Who != protocol.IdentityCLI {
			t.Errorf("Who = %q", env.Who)
		}
		if env.EventID != protocol.DefaultEventID {
			t.Errorf("EventID = %d, want %d", env.EventID, protocol.DefaultEventID)
		}
		if env.Timestamp != "2024-01-01T00:00:00.000000" {
			t.Errorf("Timestamp = %q", env.Timestamp)
		}
		if env.Payload["loss"] != 0.25 {
			t.Errorf("Payload = %v", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not receive the metric frame")
	}

	select {
	case env := <-stub.frames:
		t.Errorf("unexpected extra frame: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}

	if got := stub.handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d, want 1", got)
	}
	if m.HandshakeErr() != nil {
		t.Errorf("HandshakeErr = %v, want nil", m.HandshakeErr())
	}
}

func TestManager_SendWithEventID(t *testing.T) {
	stub := newDaemonStub(t, http.StatusOK)
	m := newTestManager(t, stub.daemon())
	m.Connect()
	waitReady(t, m)

	m.Send("action", nil, WithEventID(7))
	select {
	case env := <-stub.frames:
		if env.EventID != 7 {
			t.Errorf("EventID = %d, want 7", env.EventID)
		}
		if env.Payload == nil || len(env.Payload) != 0 {
			t.Errorf("Payload = %v, want empty object", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not receive the frame")
	}
}

func TestManager_SendRejectsEmptyEventType(t *testing.T) {
	stub := newDaemonStub(t, http.StatusOK)
	m := newTestManager(t, stub.daemon())
	m.Connect()
	waitReady(t, m)

	if m.Send("", map[string]any{"x": 1}) {
		t.Error("Send with an empty event type should report false")
	}
	if !m.Send("metric", map[string]any{"x": 2}) {
		t.Fatal("Send on a ready session should report true")
	}

	select {
	case env := <-stub.frames:
		if env.EventType != "metric" {
			t.Errorf("EventType = %q, want metric", env.EventType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not receive the metric frame")
	}
	if !m.Ready() {
		t.Error("session should stay ready")
	}
	if got := stub.handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d, want 1", got)
	}
}

func TestManager_ServerClosesImmediately(t *testing.T) {
	stub := newDaemonStub(t, http.StatusOK)
	stub.closeOnAccept.Store(true)
	m := newTestManager(t, stub.daemon())
	m.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := m.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady = %v, want deadline exceeded", err)
	}
	if m.Ready() {
		t.Error("manager should not be ready")
	}
	if m.Send("metric", map[string]any{"x": 1}) {
		t.Error("Send should be a no-op")
	}
}

func TestManager_HandshakeRejected(t *testing.T) {
	stub := newDaemonStub(t, http.StatusUnauthorized)
	m := newTestManager(t, stub.daemon())
	m.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := m.WaitReady(ctx)
	if err == nil {
		t.Fatal("WaitReady should fail on a rejected handshake")
	}

	var hsErr *HandshakeError
	if !errors.As(m.HandshakeErr(), &hsErr) {
		t.Fatalf("HandshakeErr = %v, want *HandshakeError", m.HandshakeErr())
	}
	if hsErr.Result != http.StatusUnauthorized {
		t.Errorf("Result = %d, want 401", hsErr.Result)
	}
	if !errors.As(err, &hsErr) {
		t.Errorf("WaitReady error %v does not carry the handshake error", err)
	}
	if m.Ready() || m.Send("metric", nil) {
		t.Error("rejected session must stay not ready")
	}
	// The socket is closed and the handshake retried on reconnect.
	deadline := time.Now().Add(2 * time.Second)
	for stub.handshakes.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if stub.handshakes.Load() < 2 {
		t.Errorf("handshake not retried, attempts = %d", stub.handshakes.Load())
	}
}

func TestManager_HandshakeTimeout(t *testing.T) {
	stub := newDaemonStub(t, 0)
	m := newTestManager(t, stub.daemon(), WithHandshakeTimeout(50*time.Millisecond))
	m.Connect()

	deadline := time.Now().Add(2 * time.Second)
	for m.HandshakeErr() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	var hsErr *HandshakeError
	if !errors.As(m.HandshakeErr(), &hsErr) {
		t.Fatalf("HandshakeErr = %v, want *HandshakeError", m.HandshakeErr())
	}
	if hsErr.Result != 0 {
		t.Errorf("Result = %d, want 0", hsErr.Result)
	}
	if m.Ready() {
		t.Error("manager should not be ready")
	}
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	stub := newDaemonStub(t, http.StatusOK)
	m := newTestManager(t, stub.daemon())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Connect()
		}()
	}
	wg.Wait()
	waitReady(t, m)

	if got := m.sessions.Load(); got != 1 {
		t.Errorf("sessions started = %d, want 1", got)
	}
	if got := stub.handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d, want 1", got)
	}
}

func TestManager_SendWithoutDaemonDoesNotBlock(t *testing.T) {
	// Nothing listens on the socket port.
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	m := newTestManager(t, config.Daemon{Host: host, Port: port - 1})
	m.Connect()

	start := time.Now()
	for i := 0; i < 100; i++ {
		if m.Send("metric", map[string]any{"i": i}) {
			t.Fatal("Send should report false without a daemon")
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send blocked for %v", elapsed)
	}
}

func TestManager_ReconnectRepeatsHandshake(t *testing.T) {
	stub := newDaemonStub(t, http.StatusOK)
	m := newTestManager(t, stub.daemon())
	m.Connect()
	waitReady(t, m)
	<-stub.ready

	stub.dropConnections()

	select {
	case <-stub.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	waitReady(t, m)

	if got := stub.handshakes.Load(); got != 2 {
		t.Errorf("handshakes = %d, want 2", got)
	}
	if !m.Send("metric", map[string]any{"after": "reconnect"}) {
		t.Fatal("Send after reconnect should succeed")
	}
	select {
	case env := <-stub.frames:
		if env.Payload["after"] != "reconnect" {
			t.Errorf("Payload = %v", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not receive the frame after reconnect")
	}
}

func TestManager_DispatchesInboundEvents(t *testing.T) {
	stub := newDaemonStub(t, http.StatusOK)
	m := newTestManager(t, stub.daemon())

	received := make(chan protocol.EventEnvelope, 4)
	sub := m.Subscribe("action", "test", func(env protocol.EventEnvelope) error {
		received <- env
		return nil
	})

	m.Connect()
	waitReady(t, m)
	sc := <-stub.ready

	// A malformed frame is dropped without ending the session.
	sc.write(t, []byte("not json"))
	sc.send(t, protocol.EventEnvelope{
		ProjectID: testIdentity.ProjectID,
		EventType: "action",
		EventID:   3,
		Who:       protocol.IdentityWeb,
		Payload:   map[string]any{"name": "stop"},
		Timestamp: protocol.Now(),
	})

	select {
	case env := <-received:
		if env.EventID != 3 || env.Payload["name"] != "stop" {
			t.Errorf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not invoked")
	}
	if !m.Ready() {
		t.Error("malformed frame ended the session")
	}

	if !m.Unsubscribe(sub) {
		t.Error("Unsubscribe should report true")
	}
	if got := m.Registry().Count(protocol.EventTypeHandshake); got != 0 {
		t.Errorf("handshake handler still registered: %d", got)
	}
}

func TestManager_Close(t *testing.T) {
	stub := newDaemonStub(t, http.StatusOK)
	m := newTestManager(t, stub.daemon())
	m.Connect()
	waitReady(t, m)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if m.State() != StateClosed {
		t.Errorf("State = %v, want closed", m.State())
	}
	if m.Send("metric", nil) {
		t.Error("Send after Close should report false")
	}
	if err := m.WaitReady(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("WaitReady = %v, want ErrClosed", err)
	}

	// Connect after Close does nothing.
	m.Connect()
	if m.State() != StateClosed {
		t.Errorf("State = %v after Connect, want closed", m.State())
	}
}

func TestManager_CloseWithoutConnect(t *testing.T) {
	m, err := New(testIdentity, config.Daemon{Host: "127.0.0.1", Port: 20202})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a manager that never connected")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateHandshaking:  "handshaking",
		StateReady:        "ready",
		StateClosed:       "closed",
		State(42):         "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
