// Package schedule materializes delivery slots into generation jobs and keeps
// them moving: the Scheduler creates the next job of every active project, the
// Sweeper recovers expired leases and blocked or overdue jobs, and
// ProjectEvents applies inbound project lifecycle changes.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/recurrence"
	"github.com/teranos/episodic/sym"
)

// MetricsSource supplies the worker and memory figures for the status line
type MetricsSource interface {
	SystemMetrics(ctx context.Context) async.SystemMetrics
}

// SchedulerConfig contains configuration for the scheduler
type SchedulerConfig struct {
	Interval    time.Duration // how often every active project is materialized
	Window      async.Window
	MaxAttempts int
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:    60 * time.Second,
		Window:      async.Window{Generation: 4 * time.Hour, SafetyMargin: 15 * time.Minute},
		MaxAttempts: 3,
	}
}

// SchedulerConfigFromAM derives the scheduler configuration from am settings
func SchedulerConfigFromAM(cfg *am.Config) SchedulerConfig {
	return SchedulerConfig{
		Interval: cfg.Pulse.SchedulerInterval(),
		Window: async.Window{
			Generation:   cfg.Generation.GenerationWindow(),
			SafetyMargin: cfg.Generation.SafetyMargin(),
		},
		MaxAttempts: cfg.Generation.MaxAttempts,
	}
}

// Scheduler creates the pending job for each active project's next delivery slot.
// Every tick is idempotent: the store absorbs duplicate slots.
type Scheduler struct {
	projects *ProjectStore
	jobs     *async.Store
	events   *async.Emitter
	metrics  MetricsSource
	cfg      SchedulerConfig
	clock    func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
}

// NewScheduler creates a scheduler whose loop stops when ctx is cancelled.
// events and metrics may be nil.
func NewScheduler(ctx context.Context, projects *ProjectStore, jobs *async.Store, events *async.Emitter, metrics MetricsSource, cfg SchedulerConfig, log *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	schedCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		projects: projects,
		jobs:     jobs,
		events:   events,
		metrics:  metrics,
		cfg:      cfg,
		clock:    time.Now,
		ctx:      schedCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log.Named("scheduler")),
		// -1 forces the first status line
		lastActiveWork: -1,
	}
}

// SetClock replaces the time source used by the loop
func (s *Scheduler) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SetMetrics attaches the dispatcher once it exists; the dispatcher itself
// needs the scheduler to continue subscriptions.
func (s *Scheduler) SetMetrics(m MetricsSource) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Start runs one tick immediately and then begins the ticker loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.pulseLog.Infow("Scheduler started", "interval", s.cfg.Interval)
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.pulseLog.Infow("Scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.tick(s.clock())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.clock())
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	s.lastTickAt = now
	s.ticksSinceStart++
	ticks := s.ticksSinceStart
	s.mu.Unlock()

	if _, err := s.Tick(s.ctx, now); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		// Don't spam logs - log errors at warn level
		s.pulseLog.Warnw("Scheduler tick error", "error", err, "tick", ticks)
	}
	s.logStatus(now)
}

// Tick materializes the next delivery slot of every active project.
// Per-project errors are logged and do not stop the tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (created int, err error) {
	projects, err := s.projects.ListActive(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list active projects")
	}

	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		inserted, err := s.materialize(ctx, p, now, now)
		if err != nil {
			s.pulseLog.Errorw("Failed to materialize delivery slot",
				logger.FieldProjectID, p.ID,
				logger.FieldTenantID, p.TenantID,
				logger.FieldError, err)
			continue
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// MaterializeNext creates the job for the project's first slot after `after`.
// Paused, deleted and unknown projects get no job.
func (s *Scheduler) MaterializeNext(ctx context.Context, projectID string, after time.Time) error {
	p, err := s.projects.Get(ctx, projectID)
	if errors.IsNotFoundError(err) {
		s.pulseLog.Debugw("Project not registered - nothing to materialize", logger.FieldProjectID, projectID)
		return nil
	}
	if err != nil {
		return err
	}
	if p.State != ProjectActive {
		s.pulseLog.Debugw("Project not active - nothing to materialize",
			logger.FieldProjectID, projectID, logger.FieldState, p.State)
		return nil
	}

	now := s.clock()
	if after.Before(now) {
		after = now
	}
	_, err = s.materialize(ctx, p, after, now)
	return err
}

// materialize inserts the pending job for the first slot after `after` whose
// deadline is still ahead of now. A slot already inside its safety margin is
// skipped in favour of the following one.
func (s *Scheduler) materialize(ctx context.Context, p *Project, after, now time.Time) (bool, error) {
	delivery, err := recurrence.NextDeliveryInstant(p.Recurrence, after)
	if err != nil {
		return false, errors.Wrapf(err, "next delivery for project %s", p.ID)
	}
	if !delivery.Add(-s.cfg.Window.SafetyMargin).After(now) {
		s.pulseLog.Infow("Delivery slot inside safety margin - skipping to the next one",
			logger.FieldProjectID, p.ID, logger.FieldDeliveryAt, delivery)
		if delivery, err = recurrence.NextDeliveryInstant(p.Recurrence, delivery); err != nil {
			return false, errors.Wrapf(err, "next delivery for project %s", p.ID)
		}
	}

	job, err := async.NewGenerationJob(p.TenantID, p.ID, delivery, s.cfg.Window, s.cfg.MaxAttempts, now)
	if err != nil {
		return false, errors.Wrapf(err, "build job for project %s", p.ID)
	}

	inserted, err := s.jobs.InsertIfAbsent(ctx, job)
	if err != nil {
		return false, errors.Wrapf(err, "insert job for project %s", p.ID)
	}
	if !inserted {
		return false, nil
	}

	s.pulseLog.Infow("Delivery slot scheduled",
		logger.FieldJobID, job.ID,
		logger.FieldProjectID, p.ID,
		logger.FieldTenantID, p.TenantID,
		logger.FieldIdempotencyKey, job.IdempotencyKey,
		logger.FieldDeliveryAt, job.ScheduledDeliveryAt.Format(time.RFC3339),
		"earliest_start_at", job.EarliestStartAt.Format(time.RFC3339),
		logger.FieldDeadline, job.DeadlineAt.Format(time.RFC3339))
	s.events.EmitJob(async.EventCreated, job, now)
	return true, nil
}

// logStatus logs the next delivery and the active work whenever the active work count changes
func (s *Scheduler) logStatus(now time.Time) {
	stats, err := s.jobs.Stats(s.ctx)
	if err != nil {
		s.pulseLog.Warnw("Failed to get job stats", "error", err)
		return
	}
	activeWork := stats[async.StatusPending] + stats[async.StatusClaimed] + stats[async.StatusProcessing]

	s.mu.Lock()
	hasChanged := activeWork != s.lastActiveWork
	s.lastActiveWork = activeWork
	s.mu.Unlock()
	if !hasChanged {
		return
	}

	pulseIndicator := ""
	if activeWork > 0 {
		// 1 symbol per 5 jobs, max 60
		numSymbols := (activeWork / 5) + 1
		if numSymbols > 60 {
			numSymbols = 60
		}
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	next, err := s.jobs.ListJobs(s.ctx, async.JobFilter{Statuses: []async.Status{async.StatusPending}, Limit: 1, Ascending: true})
	if err != nil {
		s.pulseLog.Warnw("Failed to get next pending job", "error", err)
		return
	}

	var msg string
	if len(next) == 0 {
		msg = fmt.Sprintf("%sPulse - no pending deliveries", pulseIndicator)
	} else {
		until := next[0].ScheduledDeliveryAt.Sub(now)
		if until < 0 {
			until = 0
		}
		msg = fmt.Sprintf("%sPulse - next delivery '%s' in %s", pulseIndicator, next[0].ProjectID, until.Round(time.Second))
	}
	if activeWork > 0 {
		msg += fmt.Sprintf(", %d jobs active", activeWork)
	}
	if stats[async.StatusBlocked] > 0 {
		msg += fmt.Sprintf(", %d blocked", stats[async.StatusBlocked])
	}

	s.mu.Lock()
	metrics := s.metrics
	s.mu.Unlock()
	if metrics != nil {
		m := metrics.SystemMetrics(s.ctx)
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			m.WorkersActive, m.WorkersTotal, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}

	s.pulseLog.Infow(msg)
}

// Stats returns scheduler statistics
func (s *Scheduler) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      s.lastTickAt,
		"ticks_since_start": s.ticksSinceStart,
		"interval":          s.cfg.Interval,
	}
}
