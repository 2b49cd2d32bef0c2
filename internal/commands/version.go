package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/claraverse/tabrelay/internal/updater"
	"github.com/spf13/cobra"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and optionally check for a newer release",
	RunE:  runVersion,
}

func init() {
	VersionCmd.Flags().Bool("check", false, "Check GitHub for a newer release")
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tabrelay %s\n", AppVersion)
	if check, _ := cmd.Flags().GetBool("check"); !check {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	rel, err := updater.NewChecker().Latest(ctx)
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}
	if updater.IsNewer(AppVersion, rel.Version) {
		fmt.Fprintf(out, "A newer release is available: %s\n   %s\n", rel.Version, rel.URL)
	} else {
		fmt.Fprintln(out, "You are on the latest release")
	}
	return nil
}
