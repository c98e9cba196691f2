package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/workmesh/exo/cmd/exo/commands"
	"github.com/workmesh/exo/logger"
)

var rootCmd = &cobra.Command{
	Use:   "exo",
	Short: "exo - annotation job exchange",
	Long: `exo coordinates exclusive job assignments for an annotation marketplace.

Workers compete for jobs in escrow-funded annotation projects; exo hands
each available job to exactly one worker at a time and resets the
annotation engine workspace for the new assignee.

Available commands:
  serve   - Start the exchange HTTP server
  db      - Manage the work registry database
  config  - Inspect effective configuration
  version - Show version information

Examples:
  exo serve                # Start the exchange server
  exo db migrate           # Apply pending schema migrations
  exo db stats             # Show registry statistics
  exo config show          # Show effective configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
