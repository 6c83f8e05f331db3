package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/async"
)

// LedgerDays is the part of the cost ledger the sweeper needs to roll blocked
// tenants into a new day
type LedgerDays interface {
	Date(now time.Time) string
	Open(ctx context.Context, tenantID, date string, now time.Time) error
}

// SweepResult counts what one sweep changed
type SweepResult struct {
	Requeued int `json:"requeued"` // expired leases back to pending
	Resumed  int `json:"resumed"`  // blocked jobs re-admitted on a new ledger day
	Failed   int `json:"failed"`   // jobs that became terminally failed
}

// Sweeper recovers jobs nobody is going to move otherwise: expired leases,
// jobs blocked on a previous ledger day and pending jobs past their deadline
type Sweeper struct {
	jobs     *async.Store
	ledger   LedgerDays
	cycles   async.CycleScheduler
	events   *async.Emitter
	policy   async.RetryPolicy
	interval time.Duration
	clock    func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger
}

// SweeperConfigFromAM returns the sweep interval and retry policy from am settings
func SweeperConfigFromAM(cfg *am.Config) (time.Duration, async.RetryPolicy) {
	return cfg.Pulse.SweepInterval(), async.RetryPolicy{
		MaxAttempts: cfg.Generation.MaxAttempts,
		Backoff:     cfg.Generation.BackoffSchedule(),
	}
}

// NewSweeper creates a sweeper. cycles and events may be nil.
func NewSweeper(ctx context.Context, jobs *async.Store, ledger LedgerDays, cycles async.CycleScheduler, events *async.Emitter, policy async.RetryPolicy, interval time.Duration, log *zap.SugaredLogger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		jobs:     jobs,
		ledger:   ledger,
		cycles:   cycles,
		events:   events,
		policy:   policy,
		interval: interval,
		clock:    time.Now,
		ctx:      sweepCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log.Named("sweeper")),
	}
}

// SetClock replaces the time source used by the loop
func (s *Sweeper) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.pulseLog.Infow("Sweeper started", "interval", s.interval)
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.pulseLog.Infow("Sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(s.ctx, s.clock())
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.pulseLog.Warnw("Sweep error", "error", err)
			}
			if res.Requeued+res.Resumed+res.Failed > 0 {
				s.pulseLog.Infow("Sweep complete", "requeued", res.Requeued, "resumed", res.Resumed, "failed", res.Failed)
			}
		}
	}
}

// Sweep runs the three recovery passes once. A failing pass is reported but
// does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	var errs error

	requeued, failed, err := s.jobs.ReleaseExpiredClaims(ctx, now, s.policy)
	for _, job := range requeued {
		t := async.EventReleased
		if job.NextAttemptNotBefore.After(now) {
			t = async.EventRetryScheduled
		}
		s.pulseLog.Infow("Lease expired - job back to pending",
			logger.FieldJobID, job.ID,
			logger.FieldProjectID, job.ProjectID,
			logger.FieldAttempt, job.AttemptCount,
			logger.FieldNextAttemptAt, job.NextAttemptNotBefore)
		s.events.EmitJob(t, job, now)
	}
	s.terminal(ctx, failed, now)
	res.Requeued = len(requeued)
	res.Failed += len(failed)
	errs = combine(errs, errors.Wrap(err, "release expired claims"))

	resumed, failed, err := s.releaseBlocked(ctx, now)
	for _, job := range resumed {
		s.pulseLog.Infow("Ledger day rolled over - blocked job re-admitted",
			logger.FieldJobID, job.ID,
			logger.FieldTenantID, job.TenantID,
			logger.FieldProjectID, job.ProjectID)
		s.events.EmitJob(async.EventResumed, job, now)
	}
	s.terminal(ctx, failed, now)
	res.Resumed = len(resumed)
	res.Failed += len(failed)
	errs = combine(errs, err)

	expired, err := s.jobs.ExpireOverdue(ctx, now)
	s.terminal(ctx, expired, now)
	res.Failed += len(expired)
	errs = combine(errs, errors.Wrap(err, "expire overdue jobs"))

	return res, errs
}

// releaseBlocked opens the new ledger day for every tenant with jobs blocked on
// an earlier day, then re-admits those jobs
func (s *Sweeper) releaseBlocked(ctx context.Context, now time.Time) (resumed, failed []*async.GenerationJob, err error) {
	today := s.ledger.Date(now)
	tenants, err := s.jobs.BlockedTenants(ctx, today)
	if err != nil {
		return nil, nil, err
	}
	if len(tenants) == 0 {
		return nil, nil, nil
	}
	for _, tenant := range tenants {
		if err := s.ledger.Open(ctx, tenant, today, now); err != nil {
			return nil, nil, errors.Wrapf(err, "open ledger day %s for tenant %s", today, tenant)
		}
	}
	resumed, failed, err = s.jobs.ReleaseBlocked(ctx, now, today)
	return resumed, failed, errors.Wrap(err, "release blocked jobs")
}

// terminal reports jobs that will never run and moves their project on to the next slot
func (s *Sweeper) terminal(ctx context.Context, jobs []*async.GenerationJob, now time.Time) {
	for _, job := range jobs {
		s.pulseLog.Errorw("Generation failed - delivery slot skipped",
			logger.FieldJobID, job.ID,
			logger.FieldTenantID, job.TenantID,
			logger.FieldProjectID, job.ProjectID,
			logger.FieldDeliveryAt, job.ScheduledDeliveryAt.Format(time.RFC3339),
			logger.FieldAttempt, job.AttemptCount,
			logger.FieldErrorCode, job.LastErrorCode,
			logger.FieldError, job.LastError)
		s.events.EmitJob(async.EventFailed, job, now)

		if s.cycles == nil {
			continue
		}
		if err := s.cycles.MaterializeNext(ctx, job.ProjectID, job.ScheduledDeliveryAt); err != nil {
			s.pulseLog.Errorw("Failed to materialize next delivery",
				logger.FieldProjectID, job.ProjectID, logger.FieldError, err)
		}
	}
}

func combine(errs, err error) error {
	if err == nil {
		return errs
	}
	if errs == nil {
		return err
	}
	return errors.WithSecondaryError(errs, err)
}
