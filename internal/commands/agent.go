package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/claraverse/tabrelay/internal/config"
	"github.com/claraverse/tabrelay/internal/daemon"
	"github.com/claraverse/tabrelay/internal/logging"
	"github.com/claraverse/tabrelay/internal/metrics"
	"github.com/claraverse/tabrelay/internal/tui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// AgentCmd runs the browser endpoint runtime
var AgentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the browser endpoint agent",
	Long: `Run the browser endpoint agent.

The agent keeps one reconnecting socket to the hub, runs inbound commands
against a Chrome instance over the DevTools protocol and serves a local
socket for 'tabrelay status', 'agent watch' and 'agent stop'.`,
	RunE: runAgent,
}

// AgentStopCmd stops the running agent
var AgentStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running agent",
	RunE:  stopAgent,
}

// AgentWatchCmd opens the live dashboard
var AgentWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the running agent in a live dashboard",
	RunE:  watchAgent,
}

func init() {
	addAgentFlags(AgentCmd.Flags())
	AgentCmd.AddCommand(AgentStopCmd)
	AgentCmd.AddCommand(AgentWatchCmd)
}

func addAgentFlags(f *pflag.FlagSet) {
	f.String("server", "", "Hub URL, e.g. ws://localhost:8765")
	f.Bool("fake-browser", false, "Use the in-memory browser instead of Chrome")
	f.Bool("unsafe", false, "Allow unsafe script execution")
	f.String("devtools-url", "", "Attach to a running Chrome at this DevTools URL")
	f.Bool("detach", false, "Start the agent in the background and return")
}

func applyAgentFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Agent.ServerURL, _ = flags.GetString("server")
	}
	if flags.Changed("fake-browser") {
		cfg.Agent.FakeBrowser, _ = flags.GetBool("fake-browser")
	}
	if flags.Changed("unsafe") {
		cfg.Agent.UnsafeMode, _ = flags.GetBool("unsafe")
	}
	if flags.Changed("devtools-url") {
		cfg.Agent.DevToolsURL, _ = flags.GetString("devtools-url")
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyAgentFlags(cmd, cfg)

	if detach, _ := cmd.Flags().GetBool("detach"); detach {
		if err := StartAgentBackground(backgroundArgs(cmd)); err != nil {
			return err
		}
		fmt.Println("Agent started in the background")
		fmt.Println("   Status: tabrelay status")
		fmt.Println("   Stop:   tabrelay agent stop")
		return nil
	}

	if daemon.IsRunning() {
		return fmt.Errorf("agent is already running")
	}

	logger := logging.Init(cfg.Log)
	instanceID, err := config.LoadInstanceID()
	if err != nil {
		return err
	}

	// Flag overrides would be undone by a reload of the file.
	watch := !cmd.Flags().Changed("server") && !cmd.Flags().Changed("unsafe")
	d, err := daemon.New(daemon.Options{
		Config:      cfg,
		InstanceID:  instanceID,
		Metrics:     metrics.New(prometheus.DefaultRegisterer),
		WatchConfig: watch,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info("agent starting", "instance_id", instanceID, "server", cfg.Agent.ServerURL, "version", AppVersion)
	return d.Run(cmd.Context())
}

// backgroundArgs rebuilds the agent command line without --detach. Set
// persistent flags from the root command are carried over too.
func backgroundArgs(cmd *cobra.Command) []string {
	args := []string{"agent"}
	// The derived flag sets share *pflag.Flag with the parsed set but not
	// its record of which flags were set, so check Changed directly.
	add := func(f *pflag.Flag) {
		if !f.Changed || f.Name == "detach" {
			return
		}
		args = append(args, "--"+f.Name+"="+f.Value.String())
	}
	cmd.InheritedFlags().VisitAll(add)
	cmd.LocalFlags().VisitAll(add)
	return args
}

// StartAgentBackground starts the agent as a detached process
func StartAgentBackground(args []string) error {
	if daemon.IsRunning() {
		return nil // Already running
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	logDir := filepath.Join(config.GetConfigDir(), "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "agent.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open agent log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil

	// Detach from parent process group
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	// Release the process so it continues after parent exits
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release agent process: %w", err)
	}

	// Wait briefly for the IPC socket so status works right away.
	for i := 0; i < 20; i++ {
		if daemon.IsRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("agent did not come up, see %s", logFile.Name())
}

func stopAgent(cmd *cobra.Command, args []string) error {
	if !daemon.IsRunning() {
		fmt.Println("Agent is not running")
		return nil
	}

	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to agent: %w", err)
	}
	defer client.Close()

	if err := client.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown agent: %w", err)
	}

	fmt.Println("Agent stopped")
	return nil
}

func watchAgent(cmd *cobra.Command, args []string) error {
	if !daemon.IsRunning() {
		return fmt.Errorf("agent is not running. Start it with 'tabrelay agent --detach'")
	}
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to agent: %w", err)
	}
	defer client.Close()
	return tui.Run(client)
}
