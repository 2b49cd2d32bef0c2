package main

import (
	"fmt"
	"os"

	"github.com/claraverse/tabrelay/internal/commands"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
	Version = "0.0.0-dev"
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tabrelay",
	Short: "tabrelay - drive browser tabs from MCP clients",
	Long: `tabrelay routes MCP tool calls to browser tabs.

Quick Start:
  tabrelay serve                  Run the hub and the MCP bridge
  tabrelay agent --detach         Run the browser agent in the background
  tabrelay status                 Show agent connection status

Commands:
  serve                      Run the endpoint hub and the MCP bridge
  agent                      Run the browser endpoint agent
  agent watch                Live agent dashboard
  agent stop                 Stop the running agent
  status                     Show agent status and recent commands
  service install/uninstall  Manage the background service
  version --check            Check for a newer release

Examples:
  tabrelay serve --history sqlite --history-dsn ~/.tabrelay/history.db
  tabrelay agent --server ws://hub.internal:8765
  tabrelay agent --fake-browser                  # no Chrome needed
  tabrelay service install --role agent          # Auto-start on login

Config: ~/.tabrelay/config.yaml`,
	Version: Version,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().String("config-dir", "", "Config directory (default ~/.tabrelay)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AgentCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.ServiceCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	commands.AppVersion = Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
