package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/claraverse/tabrelay/internal/envelope"
	"github.com/claraverse/tabrelay/internal/logging"
	"github.com/claraverse/tabrelay/internal/metrics"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

var (
	// ErrNoEndpoint means no automation endpoint has a live socket.
	ErrNoEndpoint = errors.New("no browser endpoint connected")
	// ErrCommandTimeout means the endpoint did not answer within the bound.
	ErrCommandTimeout = errors.New("command timed out")
)

// Options configures a Hub.
type Options struct {
	// Timeout bounds each Call. Defaults to 5s.
	Timeout time.Duration
	// ReadTimeout is refreshed by every frame and pong. Defaults to 90s.
	ReadTimeout time.Duration
	// PingInterval defaults to 30s.
	PingInterval time.Duration
	// OnEvent receives endpoint events and any other uncorrelated envelope.
	// Called from the socket read loop; must not block.
	OnEvent func(envelope.Envelope)
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type link struct {
	instanceID  string
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
}

func (l *link) write(env envelope.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.conn.WriteJSON(env)
}

func (l *link) ping() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Hub is the server end of the endpoint sockets. It owns wireId correlation:
// every Call gets at most one response, and answers that arrive after the
// caller gave up are dropped.
type Hub struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	links   map[string]*link
	pending map[string]chan envelope.Envelope
	// expired remembers timed out wireIds so late answers can be told
	// apart from unknown ones.
	expired *cache.Cache
}

// New creates a hub with no endpoints.
func New(opts Options) *Hub {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 90 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		opts:    opts,
		logger:  logger.With("component", "hub"),
		links:   make(map[string]*link),
		pending: make(map[string]chan envelope.Envelope),
		expired: cache.New(time.Minute, 2*time.Minute),
	}
}

// SetEventHandler replaces the event callback. Used when the router is
// built after the hub.
func (h *Hub) SetEventHandler(fn func(envelope.Envelope)) {
	h.mu.Lock()
	h.opts.OnEvent = fn
	h.mu.Unlock()
}

// Register mounts the endpoint socket route on app.
func (h *Hub) Register(app *fiber.App) {
	app.Use("/session", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	// Endpoints run in extension runtimes and send no useful Origin.
	app.Get("/session/:instanceId", websocket.New(h.HandleConnection))
}

// NewApp returns a fiber app serving only the endpoint route.
func (h *Hub) NewApp() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h.Register(app)
	return app
}

// HandleConnection runs one endpoint socket until it closes.
func (h *Hub) HandleConnection(c *websocket.Conn) {
	instanceID := c.Params("instanceId")
	if instanceID == "" {
		c.Close()
		return
	}
	logger := logging.WithInstance(h.logger, instanceID)

	l := &link{instanceID: instanceID, conn: c, connectedAt: time.Now(), done: make(chan struct{})}
	h.attach(l)
	defer h.detach(l)
	logger.Info("endpoint connected", "remote", c.RemoteAddr().String())

	readTimeout := h.opts.ReadTimeout
	c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	if err := h.send(l, envelope.Envelope{Type: envelope.KindConnected, InstanceID: instanceID}); err != nil {
		logger.Warn("failed to greet endpoint", "error", err)
		return
	}
	go h.pingLoop(l)

	for {
		var env envelope.Envelope
		if err := c.ReadJSON(&env); err != nil {
			select {
			case <-l.done:
				logger.Info("endpoint replaced")
			default:
				logger.Info("endpoint disconnected", "error", err)
			}
			return
		}
		c.SetReadDeadline(time.Now().Add(readTimeout))
		if h.opts.Metrics != nil {
			h.opts.Metrics.RecordEnvelope(env.Type, "inbound")
		}
		if env.InstanceID == "" {
			env.InstanceID = instanceID
		}

		switch env.Type {
		case envelope.KindHello:
			h.send(l, envelope.Envelope{Type: envelope.KindHelloAck, InstanceID: instanceID})
		case envelope.KindPing:
			h.send(l, envelope.Envelope{Type: envelope.KindPong, InstanceID: instanceID})
		case envelope.KindPong, envelope.KindHelloAck, envelope.KindConnected:
		case envelope.KindResponse:
			h.deliver(env, logger)
		default:
			h.mu.Lock()
			onEvent := h.opts.OnEvent
			h.mu.Unlock()
			if onEvent != nil {
				onEvent(env)
			}
		}
	}
}

func (h *Hub) pingLoop(l *link) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Hub) send(l *link, env envelope.Envelope) error {
	if err := l.write(env); err != nil {
		return err
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordEnvelope(env.Type, "outbound")
	}
	return nil
}

// attach registers l. A previous link for the same instance is closed.
func (h *Hub) attach(l *link) {
	h.mu.Lock()
	old := h.links[l.instanceID]
	h.links[l.instanceID] = l
	n := len(h.links)
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.EndpointsConnected.Set(float64(n))
	}
}

func (h *Hub) detach(l *link) {
	l.close()
	h.mu.Lock()
	if h.links[l.instanceID] == l {
		delete(h.links, l.instanceID)
	}
	n := len(h.links)
	h.mu.Unlock()
	if h.opts.Metrics != nil {
		h.opts.Metrics.EndpointsConnected.Set(float64(n))
	}
}

func (h *Hub) deliver(env envelope.Envelope, logger *slog.Logger) {
	id := env.CommandID()
	h.mu.Lock()
	ch, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()

	if ok {
		ch <- env
		return
	}
	if _, late := h.expired.Get(id); late {
		logger.Warn("dropping late response", "wire_id", id)
		if h.opts.Metrics != nil {
			h.opts.Metrics.LateResponses.Inc()
		}
		return
	}
	logger.Debug("response for unknown wire id", "wire_id", id)
}

// Call sends a request to an endpoint and waits for its response. hint picks
// the instance when it is connected; otherwise the most recently connected
// endpoint is used. A missing wireId is generated.
func (h *Hub) Call(ctx context.Context, hint string, env envelope.Envelope) (envelope.Envelope, error) {
	start := time.Now()
	if env.Type == "" {
		env.Type = envelope.KindRequest
	}
	if env.WireID == "" {
		env.WireID = uuid.New().String()
	}
	name := env.CommandName()

	l := h.pick(hint)
	if l == nil {
		h.record(name, start, "no_endpoint")
		return envelope.Envelope{}, ErrNoEndpoint
	}
	env.InstanceID = l.instanceID

	ch := make(chan envelope.Envelope, 1)
	h.mu.Lock()
	h.pending[env.WireID] = ch
	h.mu.Unlock()

	if err := h.send(l, env); err != nil {
		h.forget(env.WireID, false)
		h.record(name, start, "send")
		return envelope.Envelope{}, fmt.Errorf("failed to send %s to %s: %w", name, l.instanceID, err)
	}

	timer := time.NewTimer(h.opts.Timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		kind := ""
		if resp.Failed() {
			kind = "remote"
		}
		h.record(name, start, kind)
		return resp, nil
	case <-timer.C:
		h.forget(env.WireID, true)
		h.record(name, start, "timeout")
		return envelope.Envelope{}, fmt.Errorf("%s after %v: %w", name, h.opts.Timeout, ErrCommandTimeout)
	case <-ctx.Done():
		h.forget(env.WireID, true)
		h.record(name, start, "canceled")
		return envelope.Envelope{}, ctx.Err()
	}
}

func (h *Hub) forget(wireID string, remember bool) {
	h.mu.Lock()
	delete(h.pending, wireID)
	h.mu.Unlock()
	if remember {
		h.expired.SetDefault(wireID, struct{}{})
	}
}

func (h *Hub) record(name string, start time.Time, errKind string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordCommand(name, time.Since(start), errKind)
	}
}

func (h *Hub) pick(hint string) *link {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.links[hint]; ok && hint != "" {
		return l
	}
	var best *link
	for _, l := range h.links {
		if best == nil || l.connectedAt.After(best.connectedAt) {
			best = l
		}
	}
	return best
}

// SessionClosed tells endpoints that a caller session was released. The
// hinted instance gets the notice when it is connected, otherwise every
// endpoint does. Delivery is best effort.
func (h *Hub) SessionClosed(sessionID, instanceHint string) {
	h.mu.Lock()
	var targets []*link
	if l, ok := h.links[instanceHint]; ok && instanceHint != "" {
		targets = append(targets, l)
	} else {
		for _, l := range h.links {
			targets = append(targets, l)
		}
	}
	h.mu.Unlock()

	for _, l := range targets {
		env := envelope.Envelope{Type: envelope.KindSessionClosed, SessionID: sessionID, InstanceID: l.instanceID}
		if err := h.send(l, env); err != nil {
			h.logger.Debug("session close notice not sent", "session_id", sessionID, "instance_id", l.instanceID, "error", err)
		}
	}
}

// Connected reports whether instanceID has a live socket.
func (h *Hub) Connected(instanceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.links[instanceID]
	return ok
}

// Instances lists connected endpoint ids.
func (h *Hub) Instances() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.links))
	for id := range h.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pending returns the number of calls awaiting a response.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close drops every endpoint socket.
func (h *Hub) Close() {
	h.mu.Lock()
	links := make([]*link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()
	for _, l := range links {
		l.close()
	}
}
