package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/claraverse/tabrelay/internal/envelope"
	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send when no live socket exists.
var ErrNotConnected = errors.New("not connected")

// State is the reconnect state machine position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Timer is the part of *time.Timer the manager needs.
type Timer interface {
	Stop() bool
}

// Observer receives connection lifecycle signals. Used for metrics.
type Observer interface {
	StateChanged(State)
	ReconnectScheduled(attempt int, delay time.Duration)
	EnvelopeSent(kind envelope.Kind)
	EnvelopeReceived(kind envelope.Kind)
}

// Options configures a Manager.
type Options struct {
	// ServerURL is the hub base, e.g. ws://localhost:8765.
	ServerURL  string
	InstanceID string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Heartbeat   time.Duration
	DialTimeout time.Duration

	// OnEnvelope receives every non-control inbound envelope. It is called
	// from the read loop and must not block.
	OnEnvelope func(envelope.Envelope)

	Observer Observer
	Logger   *slog.Logger

	// AfterFunc schedules reconnects. Defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) Timer
	Dialer    *websocket.Dialer
}

// Status is a diagnostics snapshot. The last error survives disconnection.
type Status struct {
	State       State     `json:"state"`
	InstanceID  string    `json:"instanceId"`
	Server      string    `json:"server"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
}

// Manager owns one reconnecting WebSocket to the hub for one instance. The
// socket is private to the manager; everything else goes through Send.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu             sync.Mutex
	serverURL      string
	state          State
	conn           *websocket.Conn
	connDone       chan struct{}
	attempts       int
	manualClose    bool
	reconnectTimer Timer
	lastError      string
	lastErrorAt    time.Time
	connectedAt    time.Time

	writeMu sync.Mutex
}

// New creates a disconnected manager.
func New(opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 3 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		logger:    logger.With("component", "connection", "instance_id", opts.InstanceID),
		serverURL: strings.TrimRight(opts.ServerURL, "/"),
		state:     StateDisconnected,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base * 2^(n-1), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Connect dials the hub unless a connection is live or in flight. On failure
// the error is recorded, a reconnect is scheduled and the error returned.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectLocked()
	m.setStateLocked(StateConnecting)
	target := m.dialURLLocked()
	m.mu.Unlock()

	m.logger.Info("connecting", "url", target)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	conn, _, err := m.opts.Dialer.DialContext(ctx, target, nil)
	cancel()

	m.mu.Lock()
	if err != nil {
		m.setStateLocked(StateDisconnected)
		if m.manualClose {
			m.manualClose = false
		} else {
			m.recordCloseLocked(websocket.CloseAbnormalClosure, "")
			m.scheduleReconnectLocked()
		}
		m.mu.Unlock()
		return fmt.Errorf("connect %s: %w", target, err)
	}
	if m.manualClose {
		// Close was called while dialing.
		m.manualClose = false
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	done := make(chan struct{})
	m.conn = conn
	m.connDone = done
	m.attempts = 0
	m.lastError = ""
	m.lastErrorAt = time.Time{}
	m.connectedAt = time.Now()
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("connected", "url", target)

	go m.readLoop(conn)

	if err := m.Send(envelope.Envelope{Type: envelope.KindHello, Wants: "instanceId"}); err != nil {
		m.logger.Warn("hello not sent", "error", err)
	}
	go m.heartbeatLoop(conn, done)
	return nil
}

// Send stamps the instance id and writes env. It does not block on
// reconnects: when no socket is open it logs and returns ErrNotConnected.
func (m *Manager) Send(env envelope.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Warn("dropping outbound envelope, not connected", "type", env.Type, "name", env.Name, "wire_id", env.WireID)
		return ErrNotConnected
	}
	if env.InstanceID == "" {
		env.InstanceID = m.opts.InstanceID
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s envelope: %w", env.Type, err)
	}
	if m.opts.Observer != nil {
		m.opts.Observer.EnvelopeSent(env.Type)
	}
	return nil
}

// Close shuts the socket down without triggering a reconnect. Any pending
// reconnect is cancelled.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.stopReconnectLocked()
	conn := m.conn
	if conn == nil {
		// Nothing to consume the flag unless a dial is in flight.
		m.manualClose = m.state == StateConnecting
		m.mu.Unlock()
		return nil
	}
	m.manualClose = true
	m.mu.Unlock()

	m.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()

	m.teardown(conn, nil)
	return nil
}

// Retarget closes the current socket and connects to a new hub URL.
func (m *Manager) Retarget(serverURL string) error {
	m.Close()
	m.mu.Lock()
	m.serverURL = strings.TrimRight(serverURL, "/")
	m.mu.Unlock()
	m.logger.Info("retargeting", "server", serverURL)
	return m.Connect()
}

// Status returns the current diagnostics snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:       m.state,
		InstanceID:  m.opts.InstanceID,
		Server:      m.hostPortLocked(),
		Attempts:    m.attempts,
		LastError:   m.lastError,
		LastErrorAt: m.lastErrorAt,
		ConnectedAt: m.connectedAt,
	}
}

// Connected reports whether a live socket exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	var cause error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("ignoring malformed envelope", "error", err)
			continue
		}
		m.handleInbound(env)
	}
	m.teardown(conn, cause)
}

func (m *Manager) handleInbound(env envelope.Envelope) {
	if m.opts.Observer != nil {
		m.opts.Observer.EnvelopeReceived(env.Type)
	}
	switch env.Type {
	case envelope.KindPing:
		if err := m.Send(envelope.Envelope{Type: envelope.KindPong}); err != nil {
			m.logger.Debug("pong not sent", "error", err)
		}
	case envelope.KindPong:
	case envelope.KindHelloAck:
		m.logger.Debug("hello acknowledged", "hub_instance_id", env.InstanceID)
	case envelope.KindConnected:
		m.logger.Debug("hub accepted connection")
	case envelope.KindHello:
		m.logger.Debug("ignoring hello from hub")
	default:
		if m.opts.OnEnvelope != nil {
			m.opts.OnEnvelope(env)
		}
	}
}

// heartbeatLoop pings until the socket it was armed for goes away.
func (m *Manager) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			live := m.conn == conn && m.state == StateConnected
			m.mu.Unlock()
			if !live {
				return
			}
			if err := m.Send(envelope.Heartbeat(now)); err != nil {
				m.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// teardown runs once per socket. The manual close flag is consumed here.
func (m *Manager) teardown(conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	close(m.connDone)
	m.conn = nil
	m.connDone = nil
	m.setStateLocked(StateDisconnected)

	manual := m.manualClose
	m.manualClose = false
	code, reason := closeDetails(cause)
	if !manual {
		m.recordCloseLocked(code, reason)
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	conn.Close()
	if manual {
		m.logger.Info("disconnected", "reason", "manual close")
	} else {
		m.logger.Warn("disconnected", "code", code, "error", cause)
	}
}

func (m *Manager) scheduleReconnectLocked() {
	m.attempts++
	attempt := m.attempts
	delay := Backoff(attempt, m.opts.BaseDelay, m.opts.MaxDelay)
	m.stopReconnectLocked()
	m.reconnectTimer = m.opts.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()
		if err := m.Connect(); err != nil {
			m.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
		}
	})
	if m.opts.Observer != nil {
		m.opts.Observer.ReconnectScheduled(attempt, delay)
	}
	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) recordCloseLocked(code int, reason string) {
	msg := describeClose(code, reason, m.hostPortLocked())
	if msg == "" {
		return
	}
	m.lastError = msg
	m.lastErrorAt = time.Now()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.opts.Observer != nil {
		m.opts.Observer.StateChanged(s)
	}
}

func (m *Manager) dialURLLocked() string {
	return m.serverURL + "/session/" + url.PathEscape(m.opts.InstanceID)
}

func (m *Manager) hostPortLocked() string {
	u, err := url.Parse(m.serverURL)
	if err != nil || u.Host == "" {
		return m.serverURL
	}
	return u.Host
}

// closeDetails maps a read error onto a close code. Anything that is not a
// close frame is an abnormal closure.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

// describeClose turns a close code into the text kept as last error. Clean
// closes record nothing.
func describeClose(code int, reason, hostPort string) string {
	switch code {
	case websocket.CloseNormalClosure:
		return ""
	case websocket.CloseAbnormalClosure:
		return fmt.Sprintf("Cannot connect to server at %s - Connection refused or server not running", hostPort)
	case websocket.CloseProtocolError:
		return fmt.Sprintf("Protocol error when connecting to %s", hostPort)
	}
	if reason == "" {
		reason = "No reason provided"
	}
	return fmt.Sprintf("Connection closed: %s (code: %d)", reason, code)
}
