package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/budget"
	"github.com/teranos/episodic/sym"
)

// LedgerCmd shows the per-tenant daily cost ledger
var LedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: sym.Pulse + " Show tenant spend against the daily cost cap",
	Long: sym.Pulse + ` ledger — Show the cost ledger

Each tenant has one ledger row per day (in budget.ledger_timezone). Once a
day's spend reaches the tenant's cap, new generations are blocked until the
next ledger day.

Examples:
  episodic ledger show acme            # Today's spend and the last 14 days
  episodic ledger ls                   # Recent rows for every tenant`,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <tenant-id>",
	Short: "Show one tenant's spend",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent ledger rows for every tenant",
	RunE:  runLedgerLs,
}

var (
	ledgerDays  int
	ledgerLimit int
)

func init() {
	ledgerShowCmd.Flags().IntVar(&ledgerDays, "days", 14, "Number of ledger days to show")
	ledgerLsCmd.Flags().IntVar(&ledgerLimit, "limit", 50, "Maximum number of rows")
	LedgerCmd.AddCommand(ledgerShowCmd)
	LedgerCmd.AddCommand(ledgerLsCmd)
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	tracker := budget.NewTracker(st.ledger, st.cfg.Budget, logger.Logger)
	status, err := tracker.Status(cmd.Context(), args[0], time.Now())
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printf("%s on %s", status.TenantID, status.Date)
	if status.Cap <= 0 {
		pterm.Info.Printf("Spend %.4f over %d job(s), no cap\n", status.Spend, status.JobCount)
	} else if status.Capped {
		pterm.Warning.Printf("Spend %.4f of %.4f over %d job(s): capped until the next ledger day\n",
			status.Spend, status.Cap, status.JobCount)
	} else {
		pterm.Success.Printf("Spend %.4f of %.4f over %d job(s), %.4f remaining\n",
			status.Spend, status.Cap, status.JobCount, status.Remaining)
	}

	entries, err := st.ledger.ListEntries(cmd.Context(), args[0], ledgerDays)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(ledgerTable(entries, status.Cap)).Render()
}

func runLedgerLs(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ledger.ListEntries(cmd.Context(), "", ledgerLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		pterm.Info.Println("The ledger is empty")
		return nil
	}

	data := pterm.TableData{{"Tenant", "Date", "Spend", "Jobs", "Cap"}}
	for _, e := range entries {
		data = append(data, []string{e.TenantID, e.Date, fmt.Sprintf("%.4f", e.TotalCost),
			fmt.Sprintf("%d", e.JobCount), formatCap(st.cfg.Budget.CapFor(e.TenantID))})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func ledgerTable(entries []budget.Entry, dailyCap float64) pterm.TableData {
	data := pterm.TableData{{"Date", "Spend", "Jobs", "Used"}}
	for _, e := range entries {
		used := "-"
		if dailyCap > 0 {
			used = fmt.Sprintf("%.0f%%", e.TotalCost/dailyCap*100)
		}
		data = append(data, []string{e.Date, fmt.Sprintf("%.4f", e.TotalCost), fmt.Sprintf("%d", e.JobCount), used})
	}
	return data
}

func formatCap(dailyCap float64) string {
	if dailyCap <= 0 {
		return "none"
	}
	return fmt.Sprintf("%.2f", dailyCap)
}
