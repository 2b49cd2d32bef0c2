// Package bridge serves caller sessions over HTTP: MCP JSON-RPC on /mcp and
// the fire-and-forget event ingress on /ws-message.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/claraverse/tabrelay/internal/history"
	"github.com/claraverse/tabrelay/internal/mcp"
	"github.com/claraverse/tabrelay/internal/metrics"
	"github.com/claraverse/tabrelay/internal/session"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	// HeaderSession is the MCP streamable HTTP session header.
	HeaderSession = "Mcp-Session-Id"
	// HeaderInstance is the session header used by the event ingress.
	HeaderInstance = "X-Instance-ID"
	// HeaderTab names the tab an ingress event belongs to.
	HeaderTab = "X-Tab-ID"

	notificationLogger = "tabrelay-daemon"
	outboxSize         = 256
)

// Endpoints reports connected automation endpoints. *hub.Hub implements it.
type Endpoints interface {
	Instances() []string
	Connected(instanceID string) bool
	Pending() int
}

// Options configures a Server.
type Options struct {
	Registry  *session.Registry
	Catalog   *mcp.Catalog
	Endpoints Endpoints
	History   history.Sink
	Metrics   *metrics.Metrics
	// Registerer enables fiberprometheus request metrics and /metrics.
	Registerer prometheus.Registerer
	Debug      bool
	// IngressRate is events per second per session on /ws-message. Zero
	// disables limiting.
	IngressRate  float64
	IngressBurst int
	// KeepAlive is the SSE comment interval on GET /mcp. Defaults to 15s.
	KeepAlive time.Duration
	Version   string
	Logger    *slog.Logger
}

type sessionState struct {
	outbox  chan mcp.Notification
	limiter *rate.Limiter
	done    chan struct{}
	// failed counts tool calls that ended in an error.
	failed atomic.Int64
}

// Server is the transport bridge.
type Server struct {
	opts   Options
	logger *slog.Logger
	app    *fiber.App
	seen   *cache.Cache

	mu     sync.Mutex
	states map[string]*sessionState
}

// New builds the fiber app and hooks session lifecycle into history and
// metrics.
func New(opts Options) *Server {
	if opts.Catalog == nil {
		opts.Catalog = mcp.NewCatalog()
	}
	if opts.History == nil {
		opts.History = history.Nop{}
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.IngressBurst <= 0 {
		opts.IngressBurst = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "bridge"),
		seen:   cache.New(time.Minute, 2*time.Minute),
		states: make(map[string]*sessionState),
	}
	opts.Registry.OnCreate(s.attach)

	app := fiber.New(fiber.Config{
		AppName:               "tabrelay",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	app.Use(recover.New())
	if opts.Registerer != nil {
		prom := fiberprometheus.NewWithRegistry(opts.Registerer, "tabrelay", "tabrelay", "http", nil)
		prom.RegisterAt(app, "/metrics")
		app.Use(prom.Middleware)
	}

	app.Get("/health", s.handleHealth)
	app.Post("/mcp", s.handlePost)
	app.Get("/mcp", s.handleStream)
	app.Delete("/mcp", s.handleDelete)
	app.All("/ws-message", s.handleIngress)
	if opts.Debug {
		app.Get("/debug/session/:id", s.handleDebug)
	}
	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("bridge listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown releases every session, which ends open GET /mcp streams, then
// stops accepting requests. Sessions created while draining are released too.
func (s *Server) Shutdown(ctx context.Context) error {
	s.opts.Registry.Clear(ctx)
	err := s.app.ShutdownWithContext(ctx)
	s.opts.Registry.Clear(ctx)
	return err
}

// attach runs for every new execution context.
func (s *Server) attach(ec *session.ExecutionContext) {
	limit := rate.Inf
	if s.opts.IngressRate > 0 {
		limit = rate.Limit(s.opts.IngressRate)
	}
	st := &sessionState{
		outbox:  make(chan mcp.Notification, outboxSize),
		limiter: rate.NewLimiter(limit, s.opts.IngressBurst),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.states[ec.ID()] = st
	s.mu.Unlock()
	if s.opts.Metrics != nil {
		s.opts.Metrics.SessionsActive.Inc()
	}

	s.opts.History.StartRun(context.Background(), history.Run{
		ID:            ec.RunID(),
		SessionID:     ec.ID(),
		ServerVersion: s.opts.Version,
		ProtoVersion:  mcp.ProtocolVersion,
		StartedAt:     ec.CreatedAt(),
	})

	ec.OnClose(func(ctx context.Context) {
		s.mu.Lock()
		delete(s.states, ec.ID())
		s.mu.Unlock()
		close(st.done)
		if s.opts.Metrics != nil {
			s.opts.Metrics.SessionsActive.Dec()
		}
		status := history.StatusCompleted
		if st.failed.Load() > 0 {
			status = history.StatusFailed
		}
		if err := s.opts.History.FinishRun(ctx, ec.RunID(), status, time.Now()); err != nil {
			s.logger.Warn("failed to finish history run", "session_id", ec.ID(), "error", err)
		}
	})
}

func (s *Server) state(id string) (*sessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

// sessionID reads the caller session header.
func sessionID(c *fiber.Ctx) string {
	for _, h := range []string{HeaderSession, HeaderInstance, "session-id", "instance-id"} {
		if v := strings.TrimSpace(c.Get(h)); v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	instances := []string{}
	pending := 0
	if s.opts.Endpoints != nil {
		instances = append(instances, s.opts.Endpoints.Instances()...)
		pending = s.opts.Endpoints.Pending()
	}
	queued := 0
	s.opts.Registry.Each(func(ec *session.ExecutionContext) {
		queued += ec.QueueLen()
	})
	return c.JSON(fiber.Map{
		"status":          "healthy",
		"sessions":        s.opts.Registry.Len(),
		"endpoints":       instances,
		"pendingCommands": pending,
		"queuedEvents":    queued,
		"version":         s.opts.Version,
	})
}

func (s *Server) handleDebug(c *fiber.Ctx) error {
	ec, err := s.opts.Registry.Get(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	}
	hint := ec.InstanceHint()
	connected := false
	if s.opts.Endpoints != nil && hint != "" {
		connected = s.opts.Endpoints.Connected(hint)
	}
	return c.JSON(fiber.Map{
		"sessionId":         ec.ID(),
		"currentTabId":      ec.CurrentTab(),
		"daemonQueueLength": ec.QueueLen(),
		"instanceId":        hint,
		"endpointConnected": connected,
	})
}

func (s *Server) handleDelete(c *fiber.Ctx) error {
	id := sessionID(c)
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing session header"})
	}
	if err := s.opts.Registry.Release(c.UserContext(), id); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Unknown MCP session"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// drain turns every queued event of ec into a log notification.
func (s *Server) drain(ec *session.ExecutionContext) []mcp.Notification {
	events := ec.Drain()
	if len(events) == 0 {
		return nil
	}
	notes := make([]mcp.Notification, 0, len(events))
	for _, ev := range events {
		tab := ev.TabID
		if tab == "" {
			tab = ev.ArrivalTab
		}
		var payload any = json.RawMessage("null")
		if len(ev.Message) > 0 {
			payload = ev.Message
		}
		notes = append(notes, mcp.LogMessage("info", notificationLogger, map[string]any{
			"type":       ev.Type,
			"tabId":      tab,
			"payload":    payload,
			"receivedAt": ev.ReceivedAt.UnixMilli(),
		}))
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.NotificationsDelivered.Add(float64(len(notes)))
	}
	return notes
}

// publish queues notifications for the session's GET /mcp stream. A full
// outbox drops the newest notification.
func (s *Server) publish(id string, notes []mcp.Notification) {
	st, ok := s.state(id)
	if !ok {
		return
	}
	for _, n := range notes {
		select {
		case st.outbox <- n:
		default:
			s.logger.Warn("session outbox full, dropping notification", "session_id", id)
		}
	}
}
