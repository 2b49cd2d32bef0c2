package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/claraverse/tabrelay/internal/config"
	"github.com/claraverse/tabrelay/internal/daemon"
	"github.com/claraverse/tabrelay/internal/tui"
	"github.com/spf13/cobra"
)

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent connection status and recent commands",
	Long:  `Ask the running agent over its local socket for connection state, tracked sessions and the most recent commands.`,
	RunE:  runStatus,
}

func init() {
	StatusCmd.Flags().Bool("json", false, "Print the raw status payload")
	StatusCmd.Flags().Int("recent", 10, "Number of recent commands to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
		config.SetDir(dir)
	}
	out := cmd.OutOrStdout()
	if !daemon.IsRunning() {
		fmt.Fprintln(out, "Agent is not running")
		fmt.Fprintln(out, "   Start with: tabrelay agent --detach")
		fmt.Fprintf(out, "   Config:     %s\n", config.GetConfigPath())
		return nil
	}

	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to agent: %w", err)
	}
	defer client.Close()

	status, err := client.ReadStatus(3 * time.Second)
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	recent, _ := cmd.Flags().GetInt("recent")
	return printStatus(out, status, asJSON, recent)
}

func printStatus(w io.Writer, status daemon.StatusPayload, asJSON bool, recent int) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	fmt.Fprintln(w, tui.RenderStatus(status))
	if recent > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, tui.RenderActivity(status.Activity, recent))
	}
	return nil
}
