package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Recurrence timezones must resolve on hosts without a zoneinfo database
	_ "time/tzdata"

	"github.com/teranos/episodic/cmd/episodic/commands"
	"github.com/teranos/episodic/logger"
)

var rootCmd = &cobra.Command{
	Use:   "episodic",
	Short: "episodic - episode generation scheduler",
	Long: `episodic - scheduled generation of recurring episodes.

episodic turns each project's recurrence into generation jobs, runs them on
the external generation workflow ahead of their delivery time, retries
failures within the delivery window and stops spending for a tenant once
its daily cost cap is reached.

Available commands:
  pulse    - Run the scheduler, dispatcher, sweeper and callback server
  jobs     - Inspect and cancel generation jobs
  project  - Register projects and apply project events
  ledger   - Show tenant spend
  db       - Manage the job store
  am       - Show and validate configuration ("I am")

Examples:
  episodic pulse start               # Run the daemon in the foreground
  episodic jobs ls --status pending  # Upcoming generations
  episodic project pause my-podcast  # Cancel outstanding jobs
  episodic ledger show acme          # Today's spend for tenant acme`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config rendering writes to stdout and stays free of log lines
		if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ProjectCmd)
	rootCmd.AddCommand(commands.LedgerCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
