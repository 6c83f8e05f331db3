package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/db"
	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/internal/httpclient"
	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/budget"
	"github.com/teranos/episodic/pulse/schedule"
	"github.com/teranos/episodic/pulse/workflow"
	"github.com/teranos/episodic/server"
	"github.com/teranos/episodic/sym"
)

// PulseCmd represents the pulse command - the scheduling daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the Pulse daemon (scheduler, dispatcher, sweeper)",
	Long: sym.Pulse + ` Pulse daemon - episode generation scheduling.

The Pulse daemon provides:
- A scheduler that keeps the next delivery slot of every active project materialized
- A dispatcher whose workers start generations on the workflow and await the outcome
- A sweeper that recovers expired leases, releases capped jobs on a new ledger day
  and fails jobs whose deadline passed
- The HTTP server for workflow callbacks, project events and the job stream
- GRACE shutdown (in-flight generations are left for the callback or the sweeper)

Example:
  episodic pulse start              # Start daemon in foreground
  episodic pulse start --workers 4  # Start with 4 concurrent workers
  episodic pulse start --workers 0  # Scheduler, sweeper and callbacks only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Open and migrate the configured job store
- Start the sweeper, scheduler and dispatcher workers
- Serve workflow callbacks and the control API
- Reload budget caps and rate limits when the config file changes
- Run until interrupted (Ctrl+C) with GRACE shutdown`,
	RunE: runPulseStart,
}

func init() {
	PulseStartCmd.Flags().Int("workers", -1, "Number of concurrent workers (default: pulse.workers)")
	PulseStartCmd.Flags().Int("port", 0, "HTTP port (default: server.port)")
	PulseCmd.AddCommand(PulseStartCmd)
}

// daemon is one fully wired node
type daemon struct {
	srv     *server.Server
	port    int
	workers int
	closers []func() error
}

func (d *daemon) close() error {
	var errs error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			if errs == nil {
				errs = err
			} else {
				errs = errors.WithSecondaryError(errs, err)
			}
		}
	}
	return errs
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers >= 0 {
		cfg.Pulse.Workers = workers
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDaemon(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.close(); err != nil {
			logger.Warnw("Failed to release daemon resources", logger.FieldError, err)
		}
	}()

	printStartupBanner(cmd, cfg, d)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.srv.Start(d.port)
	}()

	// GRACE: Wait for shutdown signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		_ = d.srv.Stop()
		return errors.Wrap(err, "server stopped unexpectedly")
	case <-sigChan:
		pterm.Info.Printf("\n%s Initiating GRACE shutdown (press Ctrl+C again to force)...\n", sym.Pulse)

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- d.srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			pterm.Success.Printf("%s Pulse daemon stopped\n", sym.PulseClose)
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// buildDaemon wires every component of a node from cfg
func buildDaemon(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*daemon, error) {
	st, err := openStoresWith(cfg)
	if err != nil {
		return nil, err
	}
	d := &daemon{port: cfg.Server.Port, workers: cfg.Pulse.Workers, closers: []func() error{st.Close}}
	fail := func(err error) (*daemon, error) {
		d.close()
		return nil, err
	}

	tracker := budget.NewTracker(st.ledger, cfg.Budget, log)
	limiter := budget.NewLimiter(cfg.Budget.WorkflowStartsPerMinute)

	generator, err := workflow.NewHTTPGenerator(cfg.Workflow, log)
	if err != nil {
		return fail(err)
	}

	var rdb *redis.Client
	var bus async.CompletionBus
	if cfg.Redis.Enabled {
		rdb, err = db.OpenRedis(ctx, cfg.Redis, log)
		if err != nil {
			return fail(err)
		}
		d.closers = append(d.closers, rdb.Close)

		redisBus, err := async.NewRedisBus(ctx, rdb, cfg.Redis.CompletionChannel, log)
		if err != nil {
			return fail(err)
		}
		d.closers = append(d.closers, redisBus.Close)
		bus = redisBus
	}

	notifier, err := buildNotifier(cfg.Delivery, rdb, log)
	if err != nil {
		return fail(err)
	}

	events := async.NewEmitter(log)
	scheduler := schedule.NewScheduler(ctx, st.projects, st.jobs, events, nil, schedule.SchedulerConfigFromAM(cfg), log)
	interval, policy := schedule.SweeperConfigFromAM(cfg)
	sweeper := schedule.NewSweeper(ctx, st.jobs, st.ledger, scheduler, events, policy, interval, log)
	projectEvents := schedule.NewProjectEvents(st.projects, st.jobs, scheduler, events, log)

	deps := async.Dependencies{
		Store:     st.jobs,
		Generator: generator,
		Notifier:  notifier,
		Admitter:  tracker,
		Limiter:   limiter,
		Cycles:    scheduler,
		Projects:  st.projects,
		Bus:       bus,
		Events:    events,
	}
	if cfg.Workflow.PollStatus {
		deps.Poller = generator
	}
	dispatcher := async.NewDispatcher(ctx, deps, async.DispatcherConfigFromAM(cfg), log)
	scheduler.SetMetrics(dispatcher)

	var watcher *am.ConfigWatcher
	if path := am.ActiveConfigPath(); path != "" {
		watcher, err = am.NewConfigWatcher(path, log)
		if err != nil {
			log.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		} else {
			watcher.OnReload(func(next *am.Config) error {
				limiter.SetLimit(next.Budget.WorkflowStartsPerMinute)
				return tracker.ApplyConfig(next)
			})
		}
	}

	d.srv = server.NewServer(server.Services{
		Dispatcher:    dispatcher,
		Jobs:          st.jobs,
		Events:        events,
		Projects:      st.projects,
		ProjectEvents: projectEvents,
		Scheduler:     scheduler,
		Sweeper:       sweeper,
		Tracker:       tracker,
		Limiter:       limiter,
		Breaker:       generator,
		Watcher:       watcher,
	}, cfg.Server, log)
	return d, nil
}

// buildNotifier selects the delivery channel. Every channel also logs.
func buildNotifier(cfg am.DeliveryConfig, rdb *redis.Client, log *zap.SugaredLogger) (workflow.Notifier, error) {
	logNotifier := workflow.NewLogNotifier(logger.AddPulseSymbol(log.Named("delivery")))

	switch cfg.Mode {
	case "", "log":
		return logNotifier, nil
	case "webhook":
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		webhook, err := workflow.NewWebhookNotifier(cfg.WebhookURL, httpclient.New(timeout, httpclient.Options{}))
		if err != nil {
			return nil, err
		}
		return workflow.MultiNotifier{logNotifier, webhook}, nil
	case "redis":
		if rdb == nil {
			return nil, errors.NewInvalidRequestError("delivery.mode = \"redis\" requires redis.enabled")
		}
		return workflow.MultiNotifier{logNotifier, workflow.NewRedisNotifier(rdb, cfg.RedisChannel)}, nil
	default:
		return nil, errors.NewInvalidRequestError("unknown delivery.mode %q", cfg.Mode)
	}
}
