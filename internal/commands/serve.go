package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/claraverse/tabrelay/internal/bridge"
	"github.com/claraverse/tabrelay/internal/config"
	"github.com/claraverse/tabrelay/internal/history"
	"github.com/claraverse/tabrelay/internal/hub"
	"github.com/claraverse/tabrelay/internal/logging"
	"github.com/claraverse/tabrelay/internal/metrics"
	"github.com/claraverse/tabrelay/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the endpoint hub and the MCP bridge",
	Long: `Run the server side of tabrelay.

The hub accepts browser endpoint sockets on /session/:instanceId. The bridge
serves MCP on /mcp, endpoint events on /ws-message, and /health and /metrics.`,
	RunE: runServe,
}

func init() {
	addServeFlags(ServeCmd.Flags())
}

func addServeFlags(f *pflag.FlagSet) {
	f.String("hub-listen", "", "Endpoint socket listen address")
	f.String("http-listen", "", "MCP bridge listen address")
	f.Bool("debug", false, "Expose /debug/session/:id")
	f.String("history", "", "History driver (none, sqlite, mysql, redis, mongo)")
	f.String("history-dsn", "", "History DSN, path or URL")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("hub-listen") {
		cfg.Server.HubListen, _ = flags.GetString("hub-listen")
	}
	if flags.Changed("http-listen") {
		cfg.Server.HTTPListen, _ = flags.GetString("http-listen")
	}
	if flags.Changed("debug") {
		cfg.Server.Debug, _ = flags.GetBool("debug")
	}
	if flags.Changed("history") {
		cfg.History.Driver, _ = flags.GetString("history")
	}
	if flags.Changed("history-dsn") {
		cfg.History.DSN, _ = flags.GetString("history-dsn")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	logger := logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	h := hub.New(hub.Options{
		Timeout: cfg.Server.CommandTimeout,
		Metrics: m,
		Logger:  logger,
	})
	registry := session.NewRegistry(h, logger)
	h.SetEventHandler(registry.RouteEvent)

	sink, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}

	srv := bridge.New(bridge.Options{
		Registry:     registry,
		Endpoints:    h,
		History:      sink,
		Metrics:      m,
		Registerer:   prometheus.DefaultRegisterer,
		Debug:        cfg.Server.Debug,
		IngressRate:  cfg.Server.IngressRate,
		IngressBurst: cfg.Server.IngressBurst,
		Version:      AppVersion,
		Logger:       logger,
	})
	hubApp := h.NewApp()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("hub listening", "addr", cfg.Server.HubListen)
		errCh <- hubApp.Listen(cfg.Server.HubListen)
	}()
	go func() {
		errCh <- srv.Listen(cfg.Server.HTTPListen)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("listener failed", "error", err)
	}

	bridgeCtx, cancelBridge := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelBridge()
	if serr := srv.Shutdown(bridgeCtx); serr != nil {
		logger.Warn("bridge shutdown", "error", serr)
	}
	h.Close()
	hubCtx, cancelHub := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHub()
	if serr := hubApp.ShutdownWithContext(hubCtx); serr != nil {
		logger.Warn("hub shutdown", "error", serr)
	}
	if serr := sink.Close(); serr != nil {
		logger.Warn("history close", "error", serr)
	}
	return err
}
