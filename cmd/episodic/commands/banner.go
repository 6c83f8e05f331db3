package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/sym"
	"github.com/teranos/episodic/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(cmd *cobra.Command, cfg *am.Config, d *daemon) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	verbosity, _ := cmd.Flags().GetCount("verbose")
	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║      %s  e p i s o d i c  %s                         ║\n", sym.Pulse, sym.Pulse)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ Pulse ─────────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:    %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Verbosity:  %s\n", green, reset, logger.LevelName(verbosity))
	if cfg.Database.Driver == "postgres" {
		fmt.Printf("%s│%s Database:   postgres\n", green, reset)
	} else {
		fmt.Printf("%s│%s Database:   %s\n", green, reset, cfg.Database.Path)
	}
	fmt.Printf("%s│%s Port:       %d\n", green, reset, d.port)
	fmt.Printf("%s│%s Workers:    %d\n", green, reset, d.workers)
	fmt.Printf("%s│%s Window:     %s (margin %s)\n", green, reset,
		cfg.Generation.GenerationWindow(), cfg.Generation.SafetyMargin())
	fmt.Printf("%s│%s Attempts:   %d, backoff %v\n", green, reset,
		cfg.Generation.MaxAttempts, cfg.Generation.BackoffSchedule())
	if cfg.Budget.DailyCostCap > 0 {
		fmt.Printf("%s│%s Daily cap:  %.2f per tenant (%s)\n", green, reset, cfg.Budget.DailyCostCap, ledgerZone(cfg))
	} else {
		fmt.Printf("%s│%s Daily cap:  disabled\n", green, reset)
	}
	fmt.Printf("%s│%s Delivery:   %s\n", green, reset, deliveryMode(cfg))
	if cfg.Redis.Enabled {
		fmt.Printf("%s│%s Redis:      %s\n", green, reset, cfg.Redis.Addr)
	}
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	if cfg.Server.CallbackToken == "" {
		fmt.Printf("\n%s%s⚠ server.callback_token is empty - callbacks are unauthenticated%s\n", yellow, bold, reset)
	}
	fmt.Printf("\n%s💡 Press Ctrl+C for graceful shutdown%s\n\n", blue, reset)
}

func ledgerZone(cfg *am.Config) string {
	if cfg.Budget.LedgerTimezone == "" {
		return "UTC days"
	}
	return cfg.Budget.LedgerTimezone + " days"
}

func deliveryMode(cfg *am.Config) string {
	if cfg.Delivery.Mode == "" {
		return "log"
	}
	return cfg.Delivery.Mode
}
