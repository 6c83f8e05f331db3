package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/recurrence"
	"github.com/teranos/episodic/pulse/schedule"
	"github.com/teranos/episodic/sym"
)

// ProjectCmd applies project lifecycle events to the local project mirror
var ProjectCmd = &cobra.Command{
	Use:   "project",
	Short: sym.Pulse + " Register projects and apply project events",
	Long: sym.Pulse + ` project — Manage the project mirror

Projects carry a recurrence; the scheduler keeps the next delivery slot of
every active project materialized as a pending generation job. Pausing,
deleting or changing the recurrence cancels outstanding jobs; a job already
processing is left to finish.

Examples:
  episodic project register weekly-digest --tenant acme --mode weekly --days 1 --hour 9 --tz Europe/Amsterdam
  episodic project ls --state active
  episodic project pause weekly-digest
  episodic project resume weekly-digest
  episodic project recurrence weekly-digest --mode daily --hour 7 --tz UTC
  episodic project delete weekly-digest`,
}

var projectRegisterCmd = &cobra.Command{
	Use:   "register <project-id>",
	Short: "Register or replace a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectRegister,
}

var projectLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List projects",
	RunE:  runProjectLs,
}

var projectPauseCmd = &cobra.Command{
	Use:   "pause <project-id>",
	Short: "Pause a project and cancel its outstanding jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProjectEvents(cmd.Context(), func(ctx context.Context, pe *schedule.ProjectEvents) error {
			n, err := pe.OnProjectPaused(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printf("Paused %s, cancelled %d outstanding job(s)\n", args[0], n)
			return nil
		})
	},
}

var projectResumeCmd = &cobra.Command{
	Use:   "resume <project-id>",
	Short: "Resume a paused project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProjectEvents(cmd.Context(), func(ctx context.Context, pe *schedule.ProjectEvents) error {
			if err := pe.OnProjectResumed(ctx, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("Resumed %s\n", args[0])
			return nil
		})
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Mark a project deleted and cancel its outstanding jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProjectEvents(cmd.Context(), func(ctx context.Context, pe *schedule.ProjectEvents) error {
			n, err := pe.OnProjectDeleted(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printf("Deleted %s, cancelled %d outstanding job(s)\n", args[0], n)
			return nil
		})
	},
}

var projectRecurrenceCmd = &cobra.Command{
	Use:   "recurrence <project-id>",
	Short: "Replace a project's recurrence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := recurrenceFromFlags(recMode, recDays, recHour, recTimezone)
		if err != nil {
			return err
		}
		return withProjectEvents(cmd.Context(), func(ctx context.Context, pe *schedule.ProjectEvents) error {
			n, err := pe.OnRecurrenceChanged(ctx, args[0], cfg)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Recurrence of %s is now %s, cancelled %d outstanding job(s)\n", args[0], describeRecurrence(cfg), n)
			return nil
		})
	},
}

var (
	projectTenant string
	projectState  string
	recMode       string
	recDays       string
	recHour       int
	recTimezone   string
)

func init() {
	for _, c := range []*cobra.Command{projectRegisterCmd, projectRecurrenceCmd} {
		c.Flags().StringVar(&recMode, "mode", "daily", "Recurrence mode: daily, weekly or custom")
		c.Flags().StringVar(&recDays, "days", "", "Comma-separated days of week, 0 = Sunday (weekly and custom)")
		c.Flags().IntVar(&recHour, "hour", 9, "Local delivery hour 0..23")
		c.Flags().StringVar(&recTimezone, "tz", "UTC", "IANA timezone of the delivery hour")
	}
	projectRegisterCmd.Flags().StringVar(&projectTenant, "tenant", "", "Owning tenant (required)")
	_ = projectRegisterCmd.MarkFlagRequired("tenant")
	projectLsCmd.Flags().StringVar(&projectState, "state", "", "Only projects in this state")

	ProjectCmd.AddCommand(projectRegisterCmd)
	ProjectCmd.AddCommand(projectLsCmd)
	ProjectCmd.AddCommand(projectPauseCmd)
	ProjectCmd.AddCommand(projectResumeCmd)
	ProjectCmd.AddCommand(projectDeleteCmd)
	ProjectCmd.AddCommand(projectRecurrenceCmd)
}

// withProjectEvents runs fn against the configured store. The scheduler is
// built but not started: it only materializes slots for fn.
func withProjectEvents(ctx context.Context, fn func(context.Context, *schedule.ProjectEvents) error) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	log := logger.Logger
	scheduler := schedule.NewScheduler(ctx, st.projects, st.jobs, nil, nil, schedule.SchedulerConfigFromAM(st.cfg), log)
	return fn(ctx, schedule.NewProjectEvents(st.projects, st.jobs, scheduler, nil, log))
}

func runProjectRegister(cmd *cobra.Command, args []string) error {
	cfg, err := recurrenceFromFlags(recMode, recDays, recHour, recTimezone)
	if err != nil {
		return err
	}
	p := &schedule.Project{ID: args[0], TenantID: projectTenant, Recurrence: cfg}

	return withProjectEvents(cmd.Context(), func(ctx context.Context, pe *schedule.ProjectEvents) error {
		if err := pe.RegisterProject(ctx, p); err != nil {
			return err
		}
		next, err := recurrence.NextDeliveryInstant(cfg, time.Now())
		if err != nil {
			return err
		}
		pterm.Success.Printf("Registered %s for tenant %s: %s\n", p.ID, p.TenantID, describeRecurrence(cfg))
		pterm.Info.Printf("First delivery slot: %s\n", next.Format(time.RFC3339))
		return nil
	})
}

func runProjectLs(cmd *cobra.Command, args []string) error {
	if projectState != "" && !schedule.IsValidProjectState(projectState) {
		return fmt.Errorf("unknown project state %q", projectState)
	}

	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	projects, err := st.projects.List(cmd.Context(), schedule.ProjectState(projectState))
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		pterm.Info.Println("No projects registered")
		return nil
	}

	data := pterm.TableData{{"Project", "Tenant", "State", "Recurrence", "Next job"}}
	for _, p := range projects {
		next := "-"
		pending, err := st.jobs.ListJobs(cmd.Context(), async.JobFilter{
			ProjectID: p.ID,
			Statuses:  []async.Status{async.StatusPending, async.StatusBlocked},
			Limit:     1,
			Ascending: true,
		})
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			next = fmt.Sprintf("%s (%s)", pending[0].ScheduledDeliveryAt.Format(time.RFC3339), pending[0].Status)
		}
		data = append(data, []string{p.ID, p.TenantID, string(p.State), describeRecurrence(p.Recurrence), next})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// recurrenceFromFlags builds and validates a recurrence from CLI flags
func recurrenceFromFlags(mode, days string, hour int, tz string) (recurrence.Config, error) {
	parsed, err := recurrence.ParseDays(days)
	if err != nil {
		return recurrence.Config{}, err
	}
	cfg := recurrence.Config{
		Mode:         recurrence.Mode(strings.ToLower(strings.TrimSpace(mode))),
		DaysOfWeek:   parsed,
		DeliveryHour: hour,
		Timezone:     tz,
	}
	if cfg.Mode == recurrence.Daily {
		cfg.DaysOfWeek = nil
	}
	return cfg, cfg.Validate()
}

// describeRecurrence renders e.g. "weekly on Mon,Thu at 09:00 Europe/Amsterdam"
func describeRecurrence(cfg recurrence.Config) string {
	if cfg.Mode == recurrence.Daily {
		return fmt.Sprintf("daily at %02d:00 %s", cfg.DeliveryHour, cfg.Timezone)
	}
	names := make([]string, len(cfg.DaysOfWeek))
	for i, d := range cfg.DaysOfWeek {
		names[i] = d.String()[:3]
	}
	return fmt.Sprintf("%s on %s at %02d:00 %s", cfg.Mode, strings.Join(names, ","), cfg.DeliveryHour, cfg.Timezone)
}
