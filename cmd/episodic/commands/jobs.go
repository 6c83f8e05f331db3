package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/sym"
)

// JobsCmd inspects and cancels generation jobs in the store
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect and cancel generation jobs",
	Long: sym.Pulse + ` jobs — Inspect generation jobs in the job store

Reads the store directly, so it works whether or not a daemon is running.

Examples:
  episodic jobs ls                            # Most recent jobs
  episodic jobs ls --status pending,blocked   # Outstanding work
  episodic jobs ls --project weekly-digest    # One project's history
  episodic jobs show <job-id>                 # Full job as JSON
  episodic jobs cancel <job-id>               # Cancel an outstanding job
  episodic jobs stats                         # Count per status`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending, claimed or blocked job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per status",
	RunE:  runJobsStats,
}

var (
	jobsStatus   string
	jobsTenant   string
	jobsProject  string
	jobsLimit    int
	jobsUpcoming bool
	cancelReason string
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsStatus, "status", "", "Comma-separated statuses to include")
	jobsLsCmd.Flags().StringVar(&jobsTenant, "tenant", "", "Only jobs of this tenant")
	jobsLsCmd.Flags().StringVar(&jobsProject, "project", "", "Only jobs of this project")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs")
	jobsLsCmd.Flags().BoolVar(&jobsUpcoming, "upcoming", false, "Earliest delivery first")
	jobsCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Reason recorded on the job")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsStatsCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	statuses, err := async.ParseStatuses(jobsStatus)
	if err != nil {
		return err
	}

	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.jobs.ListJobs(cmd.Context(), async.JobFilter{
		Statuses:  statuses,
		TenantID:  jobsTenant,
		ProjectID: jobsProject,
		Limit:     jobsLimit,
		Ascending: jobsUpcoming,
	})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(jobsTable(jobs, time.Now())).Render()
}

// jobsTable renders one row per job; delivery times are relative to now
func jobsTable(jobs []*async.GenerationJob, now time.Time) pterm.TableData {
	data := pterm.TableData{{"ID", "Project", "Tenant", "Delivery", "Status", "Attempts", "Cost", "Last error"}}
	for _, j := range jobs {
		data = append(data, []string{
			shortJobID(j.ID),
			j.ProjectID,
			j.TenantID,
			formatDelivery(j.ScheduledDeliveryAt, now),
			string(j.Status),
			fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts),
			fmt.Sprintf("%.4f", j.CostActual),
			truncate(j.LastError, 40),
		})
	}
	return data
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.jobs.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := st.jobs.Cancel(cmd.Context(), args[0], cancelReason, time.Now())
	if err != nil {
		return err
	}
	pterm.Success.Printf("Cancelled %s (%s, delivery %s)\n", job.ID, job.ProjectID, job.ScheduledDeliveryAt.Format(time.RFC3339))
	pterm.Info.Println("A running daemon materializes the next slot on its next scheduler tick")
	return nil
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.jobs.Stats(cmd.Context())
	if err != nil {
		return err
	}
	data := pterm.TableData{{"Status", "Jobs"}}
	for _, s := range async.AllStatuses {
		data = append(data, []string{string(s), fmt.Sprintf("%d", stats[s])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func shortJobID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// formatDelivery shows the UTC instant and how far away it is
func formatDelivery(at, now time.Time) string {
	d := at.Sub(now).Round(time.Minute)
	switch {
	case d > 0:
		return fmt.Sprintf("%s (in %s)", at.UTC().Format("2006-01-02 15:04Z"), d)
	case d < 0:
		return fmt.Sprintf("%s (%s ago)", at.UTC().Format("2006-01-02 15:04Z"), -d)
	default:
		return at.UTC().Format("2006-01-02 15:04Z") + " (now)"
	}
}
