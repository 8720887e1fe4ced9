package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/neetbox/config"
	"github.com/inercia/neetbox/internal/logging"
	"github.com/inercia/neetbox/protocol"
)

// ErrClosed is returned by WaitReady once the manager has been closed.
var ErrClosed = errors.New("connection manager closed")

// Default session settings.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReconnectBase    = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultPingPeriod       = 54 * time.Second
)

// Identity binds a manager to one run of one project.
type Identity struct {
	ProjectID string
	RunID     string
}

// Manager combines the stateless HTTP client and the single socket session
// of a monitored process. Build one per process and share it.
// All methods are safe for concurrent use.
type Manager struct {
	identity  Identity
	daemon    config.Daemon
	socketURL string
	http      *HTTPClient
	httpOpts  []HTTPOption
	registry  *Registry
	dialer    *websocket.Dialer
	logger    *slog.Logger

	handshakeTimeout time.Duration
	reconnectBase    time.Duration
	reconnectMax     time.Duration
	writeWait        time.Duration
	pongWait         time.Duration
	pingPeriod       time.Duration

	mu           sync.Mutex
	initialized  bool
	state        State
	generation   uint64
	conn         *websocket.Conn // set only while Ready
	active       *websocket.Conn // current socket, ready or not
	handshakeErr error
	changed      chan struct{}

	// writeMu serializes socket writes; gorilla allows a single writer.
	writeMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	sessions atomic.Int32
}

// Option configures a Manager.
type Option func(*Manager)

// WithHandshakeTimeout sets how long to wait for the daemon handshake reply.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.handshakeTimeout = d
	}
}

// WithReconnectBackoff sets the initial and maximum delay between reconnects.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.reconnectBase = base
		m.reconnectMax = max
	}
}

// WithKeepalive sets the ping period and how long to wait for a pong.
func WithKeepalive(pingPeriod, pongWait time.Duration) Option {
	return func(m *Manager) {
		m.pingPeriod = pingPeriod
		m.pongWait = pongWait
	}
}

// WithWriteWait bounds the time a single socket write may take.
func WithWriteWait(d time.Duration) Option {
	return func(m *Manager) {
		m.writeWait = d
	}
}

// WithHTTPOptions configures the HTTP sub-client.
func WithHTTPOptions(opts ...HTTPOption) Option {
	return func(m *Manager) {
		m.httpOpts = append(m.httpOpts, opts...)
	}
}

// New creates a manager for the daemon at daemon. The socket is not opened
// until Connect is called.
func New(identity Identity, daemon config.Daemon, opts ...Option) (*Manager, error) {
	if identity.ProjectID == "" {
		return nil, &config.ConfigError{Reason: "project_id is not set"}
	}
	if identity.RunID == "" {
		return nil, &config.ConfigError{Reason: "run_id is not set"}
	}
	if err := daemon.Validate(); err != nil {
		return nil, &config.ConfigError{Reason: "invalid daemon address", Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		identity:         identity,
		daemon:           daemon,
		socketURL:        daemon.SocketURL(),
		registry:         NewRegistry(nil),
		logger:           logging.WithRun(logging.Socket(), identity.ProjectID, identity.RunID),
		handshakeTimeout: DefaultHandshakeTimeout,
		reconnectBase:    DefaultReconnectBase,
		reconnectMax:     DefaultReconnectMax,
		writeWait:        DefaultWriteWait,
		pongWait:         DefaultPongWait,
		pingPeriod:       DefaultPingPeriod,
		state:            StateDisconnected,
		changed:          make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.http = NewHTTPClient(daemon.BaseURL(), m.httpOpts...)
	// A zero Dialer has no proxy: the daemon is always local.
	m.dialer = &websocket.Dialer{HandshakeTimeout: m.handshakeTimeout}
	return m, nil
}

// Identity returns the identity bound to this manager.
func (m *Manager) Identity() Identity {
	return m.identity
}

// SocketURL returns the WebSocket URL of the daemon.
func (m *Manager) SocketURL() string {
	return m.socketURL
}

// HTTP returns the HTTP sub-client.
func (m *Manager) HTTP() *HTTPClient {
	return m.http
}

// Registry returns the subscription registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Connect starts the background session. Calls after the first are no-ops.
// Connection failures are logged and retried in the background.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return
	}
	if m.state == StateClosed {
		m.mu.Unlock()
		m.logger.Warn("Connect called on a closed connection manager")
		return
	}
	m.initialized = true
	m.mu.Unlock()

	m.logger.Info("Creating websocket connection", "url", m.socketURL)
	m.sessions.Add(1)
	go m.run()
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether events can currently be sent.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// HandshakeErr returns the last handshake failure, or nil once a handshake succeeds.
func (m *Manager) HandshakeErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handshakeErr
}

// WaitReady blocks until the session is ready, the manager is closed, or ctx is done.
// When ctx expires after a rejected handshake, the handshake error is included.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed, hsErr := m.state, m.changed, m.handshakeErr
		m.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateClosed:
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			if hsErr != nil {
				return errors.Join(ctx.Err(), hsErr)
			}
			return ctx.Err()
		}
	}
}

type sendOptions struct {
	timestamp string
	eventID   int64
}

// SendOption customizes an outbound event.
type SendOption func(*sendOptions)

// WithTimestamp overrides the event timestamp (default: send time).
func WithTimestamp(ts string) SendOption {
	return func(o *sendOptions) {
		o.timestamp = ts
	}
}

// WithEventID sets the correlation id of the event (default: -1).
func WithEventID(id int64) SendOption {
	return func(o *sendOptions) {
		o.eventID = id
	}
}

// Send writes one event if the session is ready. Otherwise, if eventType is
// empty, or if the write fails, the event is dropped and logged. Send never
// queues or retries; it reports whether a frame was written.
func (m *Manager) Send(eventType string, payload map[string]any, opts ...SendOption) bool {
	if eventType == "" {
		m.logger.Warn("Event dropped", "error", ErrEmptyEventType)
		return false
	}

	so := sendOptions{eventID: protocol.DefaultEventID}
	for _, opt := range opts {
		opt(&so)
	}

	m.mu.Lock()
	conn := m.conn
	ready := m.state == StateReady && conn != nil
	m.mu.Unlock()

	if !ready {
		m.logger.Debug("Event dropped", "event_type", eventType, "error", ErrNotReady)
		return false
	}

	if so.timestamp == "" {
		so.timestamp = protocol.Now()
	}
	data, err := protocol.Encode(protocol.EventEnvelope{
		ProjectID: m.identity.ProjectID,
		RunID:     m.identity.RunID,
		EventType: eventType,
		EventID:   so.eventID,
		Who:       protocol.IdentityCLI,
		Payload:   payload,
		Timestamp: so.timestamp,
	})
	if err != nil {
		m.logger.Warn("Event dropped", "event_type", eventType, "error", err)
		return false
	}

	if err := m.writeFrame(conn, data); err != nil {
		m.logger.Warn("Websocket send failed, message dropped", "event_type", eventType, "error", err)
		return false
	}
	return true
}

// Subscribe registers handler for inbound events of eventType.
// An empty name defaults to the handler's function name.
func (m *Manager) Subscribe(eventType, name string, handler Handler) Subscription {
	return m.registry.Register(eventType, name, handler)
}

// Unsubscribe removes a subscription. It reports whether it was registered.
func (m *Manager) Unsubscribe(sub Subscription) bool {
	return m.registry.Unregister(sub)
}

// Request issues one stateless HTTP request to the daemon (or to WithRoot).
func (m *Manager) Request(ctx context.Context, method, api string, opts ...RequestOption) (*http.Response, error) {
	return m.http.Request(ctx, method, api, opts...)
}

// Get issues a GET request to the daemon.
func (m *Manager) Get(ctx context.Context, api string, opts ...RequestOption) (*http.Response, error) {
	return m.http.Get(ctx, api, opts...)
}

// Post issues a POST request to the daemon.
func (m *Manager) Post(ctx context.Context, api string, opts ...RequestOption) (*http.Response, error) {
	return m.http.Post(ctx, api, opts...)
}

// Put issues a PUT request to the daemon.
func (m *Manager) Put(ctx context.Context, api string, opts ...RequestOption) (*http.Response, error) {
	return m.http.Put(ctx, api, opts...)
}

// Delete issues a DELETE request to the daemon.
func (m *Manager) Delete(ctx context.Context, api string, opts ...RequestOption) (*http.Response, error) {
	return m.http.Delete(ctx, api, opts...)
}

// DoJSON issues a request to the daemon and decodes the JSON response into out.
func (m *Manager) DoJSON(ctx context.Context, method, api string, out any, opts ...RequestOption) error {
	return m.http.DoJSON(ctx, method, api, out, opts...)
}

// Close stops the background session and closes the socket.
// Process exit does not require it; it exists for orderly shutdown.
// It waits for the session goroutine, so it must not be called from a Handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	started := m.initialized
	active := m.active
	m.conn = nil
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	m.cancel()
	if active != nil {
		m.writeMu.Lock()
		_ = active.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = active.Close()
	}
	if started {
		<-m.done
	}
	m.logger.Debug("Connection manager closed")
	return nil
}

// setStateLocked changes the state and wakes WaitReady callers. m.mu must be held.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
}

// beginSession records a freshly opened socket and returns its generation.
// It returns false if the manager was closed meanwhile.
func (m *Manager) beginSession(conn *websocket.Conn) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return 0, false
	}
	m.generation++
	m.active = conn
	m.setStateLocked(StateHandshaking)
	return m.generation, true
}

func (m *Manager) setConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return false
	}
	m.setStateLocked(StateConnecting)
	return true
}

// markReady publishes conn for Send once its handshake succeeded.
func (m *Manager) markReady(generation uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	if m.generation != generation || m.state != StateHandshaking {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.handshakeErr = nil
	m.setStateLocked(StateReady)
	m.mu.Unlock()

	m.logger.Info("Handshake succeeded")
	return true
}

func (m *Manager) handshakeFailed(generation uint64, err *HandshakeError) {
	m.mu.Lock()
	if m.generation == generation {
		m.handshakeErr = err
	}
	m.mu.Unlock()

	m.logger.Error("Handshake failed, will retry after reconnect", "error", err)
}

// endSession clears the connection reference after a socket closed.
func (m *Manager) endSession(generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != generation {
		return
	}
	m.conn = nil
	m.active = nil
	if m.state != StateClosed {
		m.setStateLocked(StateDisconnected)
	}
}

// writeFrame writes one text frame, bounded by the write deadline.
func (m *Manager) writeFrame(conn *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
