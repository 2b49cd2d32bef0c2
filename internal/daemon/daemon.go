package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/claraverse/tabrelay/internal/affinity"
	"github.com/claraverse/tabrelay/internal/browser"
	"github.com/claraverse/tabrelay/internal/config"
	"github.com/claraverse/tabrelay/internal/connection"
	"github.com/claraverse/tabrelay/internal/dispatch"
	"github.com/claraverse/tabrelay/internal/envelope"
	"github.com/claraverse/tabrelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Daemon is the endpoint runtime. It keeps one reconnecting link to the hub,
// runs inbound commands against the browser and serves a local IPC socket
// for status and shutdown.
type Daemon struct {
	cfg        *config.Config
	instanceID string
	driver     browser.Driver
	ops        *browser.Operations
	tracker    *affinity.Tracker
	dispatcher *dispatch.Dispatcher
	manager    *connection.Manager
	bus        *envelope.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger

	socketPath    string
	pidPath       string
	listener      net.Listener
	metricsServer *http.Server
	clients       map[net.Conn]bool
	clientMu      sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	shutdownOnce  sync.Once

	watch    bool
	cfgMu    sync.Mutex
	handled  atomic.Int64
	startAt  time.Time
	unsafeOn atomic.Bool

	activities  []Activity
	activityMu  sync.RWMutex
	maxActivity int
}

// Activity represents one handled command
type Activity struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	SessionID string    `json:"session_id,omitempty"`
	TabID     string    `json:"tab_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Latency   int64     `json:"latency_ms"`
}

// Message types for IPC
type IPCMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types
const (
	MsgTypeStatus   = "status"
	MsgTypeActivity = "activity"
	MsgTypeShutdown = "shutdown"
	MsgTypePing     = "ping"
	MsgTypePong     = "pong"
	MsgTypeError    = "error"
	MsgTypeOK       = "ok"
)

// StatusPayload contains current daemon status
type StatusPayload struct {
	Connection      connection.Status `json:"connection"`
	Browser         string            `json:"browser"`
	UnsafeMode      bool              `json:"unsafe_mode"`
	Sessions        int               `json:"sessions"`
	CommandsHandled int64             `json:"commands_handled"`
	Uptime          string            `json:"uptime"`
	Activity        []Activity        `json:"activity"`
}

// Options configures New.
type Options struct {
	Config     *config.Config
	InstanceID string
	// Driver defaults to a chromedp driver built from Config.Agent, or the
	// in-memory driver when Config.Agent.FakeBrowser is set.
	Driver  browser.Driver
	Metrics *metrics.Metrics
	// SocketPath defaults to GetSocketPath().
	SocketPath string
	// WatchConfig enables hot reload of the config file.
	WatchConfig bool
	Logger      *slog.Logger
}

// GetSocketPath returns the IPC socket path
func GetSocketPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.TempDir(), "tabrelay_agent.port")
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	return filepath.Join(runtimeDir, "tabrelay_agent.sock")
}

// GetPIDPath returns the PID file path
func GetPIDPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	return filepath.Join(runtimeDir, "tabrelay_agent.pid")
}

// IsRunning checks if an agent is already listening on the default socket
func IsRunning() bool {
	return isRunningAt(GetSocketPath())
}

func isRunningAt(socketPath string) bool {
	conn, err := dialIPC(socketPath, time.Second)
	if err != nil {
		if runtime.GOOS != "windows" {
			os.Remove(socketPath) // stale socket from a crashed agent
		}
		return false
	}
	conn.Close()
	return true
}

// New wires the runtime. Nothing is started until Start.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "daemon", "instance_id", opts.InstanceID)

	driver := opts.Driver
	if driver == nil {
		var err error
		driver, err = newDriver(cfg.Agent, logger)
		if err != nil {
			return nil, err
		}
	}

	socketPath := opts.SocketPath
	if socketPath == "" {
		socketPath = GetSocketPath()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:         cfg,
		instanceID:  opts.InstanceID,
		driver:      driver,
		metrics:     opts.Metrics,
		logger:      logger,
		socketPath:  socketPath,
		pidPath:     GetPIDPath(),
		clients:     make(map[net.Conn]bool),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		maxActivity: 100,
		watch:       opts.WatchConfig,
	}
	if opts.SocketPath != "" {
		d.pidPath = socketPath + ".pid"
	}

	d.ops = browser.NewOperations(driver, cfg.Agent.UnsafeMode)
	d.unsafeOn.Store(cfg.Agent.UnsafeMode)
	d.tracker = affinity.NewTracker(d.ops, logger)

	table, err := dispatch.NewTable(d.ops.Handlers())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build command table: %w", err)
	}

	d.bus = envelope.NewBus(logger)
	d.manager = connection.New(connection.Options{
		ServerURL:  cfg.Agent.ServerURL,
		InstanceID: opts.InstanceID,
		OnEnvelope: func(env envelope.Envelope) { d.bus.Publish(env) },
		Observer:   d,
		Logger:     logger,
	})
	d.dispatcher = dispatch.New(dispatch.Options{
		Table:    table,
		Tracker:  d.tracker,
		Sender:   d.manager,
		Timeout:  cfg.Agent.CommandTimeout,
		Observer: d,
		Context:  ctx,
		Logger:   logger,
	})
	logger.Debug("command table ready", "commands", table.Names())

	d.bus.Subscribe(envelope.KindRequest, d.dispatcher.HandleEnvelope)
	d.bus.Subscribe(envelope.KindSessionClosed, d.dispatcher.HandleSessionClosed)
	// Older extension builds put the command name in the type field.
	d.bus.SubscribeAll(func(env envelope.Envelope) error {
		if env.Type.Known() {
			return nil
		}
		return d.dispatcher.HandleEnvelope(env)
	})
	d.bus.Subscribe(envelope.KindEvent, func(env envelope.Envelope) error {
		d.logger.Debug("hub event", "name", env.Name, "session_id", env.SessionID)
		return nil
	})

	return d, nil
}

func newDriver(cfg config.AgentConfig, logger *slog.Logger) (browser.Driver, error) {
	if cfg.FakeBrowser {
		logger.Info("using in-memory browser")
		return browser.NewMemoryDriver(), nil
	}
	drv, err := browser.NewChromeDriver(browser.ChromeOptions{
		DevToolsURL: cfg.DevToolsURL,
		Headless:    cfg.Headless,
		ExecPath:    cfg.ChromePath,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return drv, nil
}

// Start opens the IPC socket, connects to the hub and returns. A failed
// first connect is not fatal; the manager keeps retrying.
func (d *Daemon) Start() error {
	d.startAt = time.Now()
	if err := d.setupListener(); err != nil {
		return fmt.Errorf("failed to set up IPC listener: %w", err)
	}

	if err := os.WriteFile(d.pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		d.logger.Warn("failed to write PID file", "error", err)
	}

	if addr := d.cfg.Agent.MetricsListen; addr != "" {
		d.startMetrics(addr)
	}

	if d.watch {
		if err := d.WatchConfig(); err != nil {
			d.logger.Warn("config hot reload disabled", "error", err)
		}
	}

	if err := d.manager.Connect(); err != nil {
		d.logger.Warn("initial connection failed, retrying with backoff", "error", err)
	}

	go d.acceptConnections()
	return nil
}

// Run starts the daemon and blocks until ctx ends, a signal arrives or an
// IPC client asks for shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
	case <-sigChan:
	case <-d.done:
	}
	d.Shutdown()
	return nil
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

func (d *Daemon) setupListener() error {
	if runtime.GOOS == "windows" {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		d.listener = listener

		addr := listener.Addr().String()
		if err := os.WriteFile(d.socketPath, []byte(addr), 0644); err != nil {
			listener.Close()
			return err
		}
		return nil
	}

	if isRunningAt(d.socketPath) {
		return fmt.Errorf("agent already running on %s", d.socketPath)
	}
	os.Remove(d.socketPath)
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return err
	}
	d.listener = listener
	os.Chmod(d.socketPath, 0600)
	return nil
}

func (d *Daemon) startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	d.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := d.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	d.logger.Info("metrics endpoint enabled", "addr", addr)
}

// WatchConfig applies config file edits while running.
func (d *Daemon) WatchConfig() error {
	return config.Watch(d.ApplyConfig)
}

// ApplyConfig picks up a reloaded config: a new server url retargets the
// connection and the unsafe flag is toggled in place.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.cfgMu.Lock()
	old := d.cfg.Agent
	d.cfg = cfg
	d.cfgMu.Unlock()

	if cfg.Agent.UnsafeMode != old.UnsafeMode {
		d.ops.SetUnsafe(cfg.Agent.UnsafeMode)
		d.unsafeOn.Store(cfg.Agent.UnsafeMode)
		d.logger.Info("unsafe mode changed", "enabled", cfg.Agent.UnsafeMode)
	}
	if cfg.Agent.ServerURL != old.ServerURL && cfg.Agent.ServerURL != "" {
		d.logger.Info("server url changed, reconnecting", "server", cfg.Agent.ServerURL)
		if err := d.manager.Retarget(cfg.Agent.ServerURL); err != nil {
			d.logger.Warn("reconnect to new server failed", "error", err)
		}
	}
	d.broadcastStatus()
}

func (d *Daemon) acceptConnections() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				d.logger.Warn("accept error", "error", err)
				continue
			}
		}

		d.clientMu.Lock()
		d.clients[conn] = true
		d.clientMu.Unlock()

		go d.handleClient(conn)
	}
}

func (d *Daemon) handleClient(conn net.Conn) {
	defer func() {
		d.clientMu.Lock()
		delete(d.clients, conn)
		d.clientMu.Unlock()
		conn.Close()
	}()

	// Send initial status
	d.send(conn, MsgTypeStatus, d.Status())

	decoder := json.NewDecoder(conn)
	for {
		var msg IPCMessage
		if err := decoder.Decode(&msg); err != nil {
			return
		}

		switch msg.Type {
		case MsgTypePing:
			d.send(conn, MsgTypePong, nil)
		case MsgTypeStatus:
			d.send(conn, MsgTypeStatus, d.Status())
		case MsgTypeShutdown:
			d.send(conn, MsgTypeOK, nil)
			go d.Shutdown()
			return
		default:
			d.send(conn, MsgTypeError, map[string]string{"error": "unknown message type: " + msg.Type})
		}
	}
}

func (d *Daemon) send(conn net.Conn, msgType string, payload any) {
	data, err := encodeIPC(msgType, payload)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write(data)
}

// Status reports connection and command state.
func (d *Daemon) Status() StatusPayload {
	d.activityMu.RLock()
	recent := make([]Activity, len(d.activities))
	copy(recent, d.activities)
	d.activityMu.RUnlock()

	kind := "chrome"
	if _, ok := d.driver.(*browser.MemoryDriver); ok {
		kind = "memory"
	}
	var uptime string
	if !d.startAt.IsZero() {
		uptime = time.Since(d.startAt).Round(time.Second).String()
	}
	return StatusPayload{
		Connection:      d.manager.Status(),
		Browser:         kind,
		UnsafeMode:      d.unsafeOn.Load(),
		Sessions:        d.tracker.Sessions(),
		CommandsHandled: d.handled.Load(),
		Uptime:          uptime,
		Activity:        recent,
	}
}

func (d *Daemon) broadcast(msgType string, payload any) {
	data, err := encodeIPC(msgType, payload)
	if err != nil {
		return
	}

	d.clientMu.RLock()
	defer d.clientMu.RUnlock()
	for conn := range d.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.Write(data)
	}
}

func (d *Daemon) broadcastStatus() {
	d.broadcast(MsgTypeStatus, d.Status())
}

func (d *Daemon) addActivity(activity Activity) {
	d.activityMu.Lock()
	defer d.activityMu.Unlock()

	d.activities = append(d.activities, activity)
	if len(d.activities) > d.maxActivity {
		d.activities = d.activities[1:]
	}
}

// CommandHandled records dispatcher results for status and metrics.
func (d *Daemon) CommandHandled(r dispatch.Record) {
	d.handled.Add(1)
	activity := Activity{
		Timestamp: r.At,
		Command:   r.Command,
		SessionID: r.SessionID,
		TabID:     string(r.TabID),
		Source:    string(r.Source),
		Success:   r.Err == nil,
		Latency:   r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		activity.Error = r.Err.Error()
	}
	d.addActivity(activity)
	d.broadcast(MsgTypeActivity, activity)
	if d.metrics != nil {
		d.metrics.Agent().CommandHandled(r)
	}
}

func (d *Daemon) StateChanged(s connection.State) {
	d.logger.Info("connection state", "state", s)
	if d.metrics != nil {
		d.metrics.Agent().StateChanged(s)
	}
	// Status reads the manager, which may hold its lock right now.
	go d.broadcastStatus()
}

func (d *Daemon) ReconnectScheduled(attempt int, delay time.Duration) {
	if d.metrics != nil {
		d.metrics.Agent().ReconnectScheduled(attempt, delay)
	}
}

func (d *Daemon) EnvelopeSent(kind envelope.Kind) {
	if d.metrics != nil {
		d.metrics.Agent().EnvelopeSent(kind)
	}
}

func (d *Daemon) EnvelopeReceived(kind envelope.Kind) {
	if d.metrics != nil {
		d.metrics.Agent().EnvelopeReceived(kind)
	}
}

// Shutdown gracefully shuts down the daemon. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("shutting down agent")

		d.cancel()

		d.clientMu.Lock()
		for conn := range d.clients {
			conn.Close()
		}
		d.clientMu.Unlock()

		if d.listener != nil {
			d.listener.Close()
		}
		if d.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			d.metricsServer.Shutdown(ctx)
			cancel()
		}

		d.manager.Close()
		d.dispatcher.Wait()
		if err := d.driver.Close(); err != nil {
			d.logger.Warn("browser close failed", "error", err)
		}

		if runtime.GOOS == "windows" || d.listener != nil {
			os.Remove(d.socketPath)
		}
		os.Remove(d.pidPath)
		close(d.done)
	})
}

func encodeIPC(msgType string, payload any) ([]byte, error) {
	msg := IPCMessage{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
