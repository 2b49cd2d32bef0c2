// Package commands holds the tabrelay cobra commands.
package commands

import (
	"fmt"

	"github.com/claraverse/tabrelay/internal/config"
	"github.com/spf13/cobra"
)

// AppVersion is set by main.go before command execution.
var AppVersion = "0.0.0-dev"

// loadConfig applies the persistent --config-dir and --verbose flags and
// loads the config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
		config.SetDir(dir)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}
