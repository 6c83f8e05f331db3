package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/db"
	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/budget"
	"github.com/teranos/episodic/pulse/workflow"
	"github.com/teranos/episodic/sym"
)

// Admitter is the admission controller consulted before every workflow start
type Admitter interface {
	Admit(ctx context.Context, tenantID string, now time.Time) (budget.Decision, error)
}

// RateLimiter throttles workflow starts
type RateLimiter interface {
	Allow() error
}

// CycleScheduler materializes the next delivery slot of a project
type CycleScheduler interface {
	MaterializeNext(ctx context.Context, projectID string, after time.Time) error
}

// ProjectGate reports whether deliveries for a project should still go out
type ProjectGate interface {
	IsActive(ctx context.Context, projectID string) (bool, error)
}

// pulseLogger wraps zap.SugaredLogger with Pulse-flavoured levels:
// DEBUG for Opening (✿), WARN for Closing (❀), INFO for everything else.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general dispatcher operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// DispatcherConfig contains configuration for the dispatcher
type DispatcherConfig struct {
	Workers                int           `json:"workers"`
	PollInterval           time.Duration `json:"poll_interval"`
	Lease                  time.Duration `json:"lease"`
	StatusPoll             time.Duration `json:"status_poll"`
	UnavailableBackoff     time.Duration `json:"unavailable_backoff"`
	NotifyTimeout          time.Duration `json:"notify_timeout"`
	ShutdownTimeout        time.Duration `json:"shutdown_timeout"`
	Policy                 RetryPolicy   `json:"policy"`
	BlockedCountsAsAttempt bool          `json:"blocked_counts_as_attempt"`
	WorkerPrefix           string        `json:"worker_prefix"`
	CallbackURL            string        `json:"callback_url"`
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:            2,
		PollInterval:       5 * time.Second,
		Lease:              15 * time.Minute,
		StatusPoll:         15 * time.Second,
		UnavailableBackoff: time.Minute,
		NotifyTimeout:      10 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		Policy:             DefaultRetryPolicy(),
		WorkerPrefix:       "worker",
	}
}

// DispatcherConfigFromAM maps the pulse, generation and delivery config sections
func DispatcherConfigFromAM(cfg *am.Config) DispatcherConfig {
	c := DefaultDispatcherConfig()
	c.Workers = cfg.Pulse.Workers
	c.PollInterval = cfg.Pulse.PollInterval()
	c.Lease = cfg.Pulse.Lease()
	c.StatusPoll = cfg.Pulse.StatusPoll()
	c.UnavailableBackoff = cfg.Pulse.UnavailableBackoff()
	c.ShutdownTimeout = cfg.Pulse.ShutdownTimeout()
	if cfg.Delivery.TimeoutSeconds > 0 {
		c.NotifyTimeout = time.Duration(cfg.Delivery.TimeoutSeconds) * time.Second
	}
	c.Policy = RetryPolicy{
		MaxAttempts: cfg.Generation.MaxAttempts,
		Backoff:     cfg.Generation.BackoffSchedule(),
	}
	c.BlockedCountsAsAttempt = cfg.Generation.BlockedCountsAsAttempt
	c.CallbackURL = cfg.Workflow.CallbackURL
	return c
}

// Dependencies are the dispatcher's collaborators. Store and Generator are
// required; the rest may be nil.
type Dependencies struct {
	Store     *Store
	Generator workflow.Generator
	Poller    workflow.StatusPoller
	Notifier  workflow.Notifier
	Admitter  Admitter
	Limiter   RateLimiter
	Cycles    CycleScheduler
	Projects  ProjectGate
	Bus       CompletionBus
	Events    *Emitter
	Clock     func() time.Time
}

// Dispatcher runs a fixed pool of workers that claim generation jobs, start
// them on the workflow and await their outcome.
type Dispatcher struct {
	deps   Dependencies
	cfg    DispatcherConfig
	logger pulseLogger

	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	activeWorkers int
	startTime     time.Time
}

// NewDispatcher creates a dispatcher whose workers stop when ctx is cancelled
func NewDispatcher(ctx context.Context, deps Dependencies, cfg DispatcherConfig, log *zap.SugaredLogger) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Bus == nil {
		deps.Bus = NewMemoryBus()
	}
	// Zero workers: the node only applies callbacks
	if cfg.Workers < 0 {
		cfg.Workers = 0
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "worker"
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		deps:      deps,
		cfg:       cfg,
		logger:    pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
	}
}

// Workers returns the number of configured workers
func (d *Dispatcher) Workers() int {
	return d.cfg.Workers
}

// Policy returns the retry policy applied to failed attempts
func (d *Dispatcher) Policy() RetryPolicy {
	return d.cfg.Policy
}

// Store returns the job store
func (d *Dispatcher) Store() *Store {
	return d.deps.Store
}

// WorkerID returns the stable identity of worker i
func (d *Dispatcher) WorkerID(i int) string {
	return fmt.Sprintf("%s-%d", d.cfg.WorkerPrefix, i)
}

// Start launches the workers
// ✿ Opening: report jobs left in flight by a previous process
func (d *Dispatcher) Start() {
	d.mu.Lock()
	select {
	case <-d.ctx.Done():
		d.ctx, d.cancel = context.WithCancel(d.parentCtx)
		d.logger.Starting("Recreated dispatcher context after previous shutdown")
	default:
	}
	d.startTime = d.deps.Clock()
	d.mu.Unlock()

	d.reportInFlight()

	if warning := d.checkMemoryPressure(); warning != "" {
		d.logger.Warnw("Memory pressure warning", "warning", warning, "workers", d.cfg.Workers)
	}

	d.logger.Starting("Dispatcher starting", "workers", d.cfg.Workers, "poll_interval", d.cfg.PollInterval, "lease", d.cfg.Lease)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(d.WorkerID(i))
	}
}

// reportInFlight logs claimed and processing jobs found at startup. The lease
// sweeper recovers them once their lease runs out.
func (d *Dispatcher) reportInFlight() {
	jobs, err := d.deps.Store.ListJobs(d.ctx, JobFilter{
		Statuses: []Status{StatusClaimed, StatusProcessing},
		Limit:    1000,
	})
	if err != nil {
		d.logger.Warnw("Failed to list in-flight jobs", logger.FieldError, err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	d.logger.Starting("Found in-flight jobs from a previous run, the sweeper will recover them on lease expiry",
		logger.FieldCount, len(jobs))
	for _, job := range jobs {
		d.logger.Debugw("In-flight job", logger.FieldJobID, job.ID, logger.FieldStatus, job.Status, "claimed_by", job.ClaimedBy,
			"claim_expires_at", job.ClaimExpiresAt)
	}
}

// Stop cancels the workers and waits for them with a timeout
// ❀ Closing: a worker awaiting an outcome leaves its job processing; the
// callback or the sweeper settles it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
		d.logger.Pulse(sym.PulseClose + " Dispatcher stopped - all workers exited cleanly")
	case <-time.After(timeout):
		d.logger.Closing("Dispatcher stop timed out - workers may still be exiting", "timeout", timeout)
	}
}

// worker polls for jobs until the dispatcher stops
func (d *Dispatcher) worker(workerID string) {
	defer d.wg.Done()

	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain eligible jobs before sleeping again
			for {
				processed, err := d.ProcessNext(ctx, workerID)
				if err != nil {
					select {
					case <-ctx.Done():
						return
					default:
					}
					if errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
						d.logger.Debugw("Database closed - worker exiting", logger.FieldWorkerID, workerID)
						return
					}
					errorCount++
					d.logger.Errorw("Worker error processing job",
						logger.FieldWorkerID, workerID,
						logger.FieldError, err,
						"consecutive_errors", errorCount)
					if errorCount >= maxConsecutiveErrors {
						d.logger.Warnw("Worker backing off due to consecutive errors",
							logger.FieldWorkerID, workerID,
							"backoff", backoffDuration,
							"consecutive_errors", errorCount)
						select {
						case <-ctx.Done():
							return
						case <-time.After(backoffDuration):
						}
						backoffDuration = min(backoffDuration*2, maxBackoff)
					}
					break
				}
				if errorCount > 0 {
					d.logger.Infow("Worker recovered from errors",
						logger.FieldWorkerID, workerID,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
				if !processed {
					break
				}
			}
		}
	}
}

// ProcessNext claims one eligible job and runs it to an outcome or until the
// lease runs out. It reports whether a job was claimed.
func (d *Dispatcher) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, nil
	default:
	}

	now := d.deps.Clock()
	job, err := d.deps.Store.ClaimNext(ctx, workerID, now, d.cfg.Lease)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return false, nil
	}
	d.deps.Events.EmitJob(EventClaimed, job, now)

	d.mu.Lock()
	d.activeWorkers++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.activeWorkers--
		d.mu.Unlock()
	}()

	return true, d.run(ctx, workerID, job)
}

func (d *Dispatcher) run(ctx context.Context, workerID string, job *GenerationJob) error {
	log := d.logger.With(logger.FieldJobID, job.ID, logger.FieldProjectID, job.ProjectID, logger.FieldTenantID, job.TenantID,
		logger.FieldWorkerID, workerID, logger.FieldAttempt, job.AttemptCount, logger.FieldMaxAttempts, job.MaxAttempts)
	now := d.deps.Clock()

	// Gate 1: daily cost cap
	if d.deps.Admitter != nil {
		decision, err := d.deps.Admitter.Admit(ctx, job.TenantID, now)
		if err != nil {
			d.release(ctx, log, job, workerID, now.Add(d.cfg.UnavailableBackoff), "admission check failed: "+err.Error())
			return errors.Wrapf(err, "admission check for job %s", job.ID)
		}
		if !decision.Allowed {
			blocked, err := d.deps.Store.MarkBlocked(ctx, job.ID, workerID, decision.LedgerDate, decision.Reason(), now, d.cfg.BlockedCountsAsAttempt)
			if errors.Is(err, ErrLeaseLost) {
				log.Infow("Job moved on before it could be blocked", logger.FieldError, err)
				return nil
			}
			if err != nil {
				return errors.Wrapf(err, "failed to block job %s", job.ID)
			}
			log.Infow(sym.Pulse+" Daily cost cap reached - job blocked until ledger rollover",
				logger.FieldLedgerDate, decision.LedgerDate,
				"total_cost", decision.TotalCost,
				"cap", decision.Cap)
			d.deps.Events.EmitJob(EventBlocked, blocked, now)
			return nil
		}
	}

	// Gate 2: workflow start rate
	if d.deps.Limiter != nil {
		if err := d.deps.Limiter.Allow(); err != nil {
			log.Debugw("Workflow start rate limited - releasing claim", logger.FieldError, err)
			d.release(ctx, log, job, workerID, now.Add(d.cfg.PollInterval), "")
			return nil
		}
	}

	// Subscribe before starting so a fast callback cannot be missed
	sub := d.deps.Bus.Subscribe(job.ID)
	defer sub.Close()

	handle, err := d.deps.Generator.StartGeneration(ctx, workflow.Request{
		JobID:               job.ID,
		TenantID:            job.TenantID,
		ProjectID:           job.ProjectID,
		ScheduledDeliveryAt: job.ScheduledDeliveryAt,
		DeadlineAt:          job.DeadlineAt,
		Attempt:             job.AttemptCount,
		CallbackURL:         d.cfg.CallbackURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrUnavailable):
			log.Warnw("Workflow unavailable - releasing claim", logger.FieldNextAttemptAt, now.Add(d.cfg.UnavailableBackoff), logger.FieldError, err)
			d.release(context.WithoutCancel(ctx), log, job, workerID, now.Add(d.cfg.UnavailableBackoff), err.Error())
			return nil
		case ctx.Err() != nil:
			log.Infow(sym.PulseClose + " Shutdown during workflow start - releasing claim")
			d.release(context.WithoutCancel(ctx), log, job, workerID, now, "")
			return nil
		}
		return d.applyOutcome(ctx, job.ID, workflow.Outcome{Attempt: job.AttemptCount, Error: "start generation: " + err.Error()})
	}

	processing, err := d.deps.Store.MarkProcessing(ctx, job.ID, workerID, handle.ID, d.deps.Clock())
	if errors.Is(err, ErrLeaseLost) {
		// Cancelled, swept, or already completed by a fast callback
		log.Infow("Job no longer held after workflow start", "handle", handle.ID, logger.FieldError, err)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %s processing", job.ID)
	}
	log.Infow(sym.Pulse+" Generation started", "handle", handle.ID, logger.FieldDeliveryAt, job.ScheduledDeliveryAt)
	d.deps.Events.EmitJob(EventProcessing, processing, d.deps.Clock())

	d.await(ctx, log, processing, sub)
	return nil
}

// await waits for the job's outcome without holding any database lock. It
// returns when the job leaves processing, the lease runs out or ctx ends.
func (d *Dispatcher) await(ctx context.Context, log *zap.SugaredLogger, job *GenerationJob, sub Subscription) {
	var leaseTimer <-chan time.Time
	if job.ClaimExpiresAt != nil {
		t := time.NewTimer(job.ClaimExpiresAt.Sub(d.deps.Clock()))
		defer t.Stop()
		leaseTimer = t.C
	}
	poll := time.NewTicker(d.cfg.StatusPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-leaseTimer:
			log.Warnw("Lease expired while awaiting workflow outcome", "handle", job.WorkflowHandle)
			return
		case <-sub.C():
			if d.settled(ctx, job.ID) {
				return
			}
		case <-poll.C:
			if d.deps.Poller != nil {
				out, done, err := d.deps.Poller.PollStatus(ctx, job.WorkflowHandle)
				if err != nil {
					log.Debugw("Workflow status poll failed", logger.FieldError, err)
				} else if done {
					out.Handle = job.WorkflowHandle
					out.Attempt = job.AttemptCount
					if err := d.Complete(ctx, job.ID, out); err != nil && !errors.Is(err, ErrInvalidTransition) {
						log.Errorw("Failed to apply polled outcome", logger.FieldError, err)
					}
					return
				}
			}
			if d.settled(ctx, job.ID) {
				return
			}
		}
	}
}

// settled reports whether the job is no longer awaiting an outcome
func (d *Dispatcher) settled(ctx context.Context, jobID string) bool {
	job, err := d.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return errors.IsNotFoundError(err)
	}
	return job.Status != StatusProcessing
}

// Complete applies a workflow outcome to a job. It is safe to call more than
// once: a repeated or stale outcome returns ErrInvalidTransition and changes nothing.
func (d *Dispatcher) Complete(ctx context.Context, jobID string, out workflow.Outcome) error {
	if err := out.Validate(); err != nil {
		return err
	}
	return d.applyOutcome(ctx, jobID, out)
}

func (d *Dispatcher) applyOutcome(ctx context.Context, jobID string, out workflow.Outcome) error {
	now := d.deps.Clock()
	log := logger.LoggerFromContext(ctx, d.logger.SugaredLogger)
	ref := AttemptRef{Handle: out.Handle, Attempt: out.Attempt}

	if out.Success {
		job, err := d.deps.Store.MarkSucceeded(ctx, jobID, ref, out.ResultRef, out.Cost, now)
		if err != nil {
			return err
		}
		log.Infow(sym.Pulse+" Episode generated",
			logger.FieldJobID, job.ID, logger.FieldProjectID, job.ProjectID, logger.FieldAttempt, job.AttemptCount,
			"cost", out.Cost, "result_ref", job.ResultRef)
		d.settle(ctx, EventSucceeded, job, now)
		d.notify(ctx, job)
		d.materializeNext(ctx, job)
		return nil
	}

	job, retried, err := d.deps.Store.MarkFailed(ctx, jobID, ref, out.Error, out.Cost, now, d.cfg.Policy)
	if err != nil {
		return err
	}
	if retried {
		log.Warnw("Generation attempt failed - retry scheduled",
			logger.FieldJobID, job.ID, logger.FieldProjectID, job.ProjectID,
			logger.FieldAttempt, job.AttemptCount, logger.FieldMaxAttempts, job.MaxAttempts,
			logger.FieldNextAttemptAt, job.NextAttemptNotBefore, logger.FieldError, out.Error)
		d.settle(ctx, EventRetryScheduled, job, now)
		return nil
	}
	log.Errorw("Generation failed - delivery slot skipped",
		logger.FieldJobID, job.ID, logger.FieldProjectID, job.ProjectID, logger.FieldTenantID, job.TenantID,
		logger.FieldDeliveryAt, job.ScheduledDeliveryAt, logger.FieldAttempt, job.AttemptCount,
		logger.FieldError, out.Error, logger.FieldErrorCode, job.LastErrorCode)
	d.settle(ctx, EventFailed, job, now)
	d.materializeNext(ctx, job)
	return nil
}

func (d *Dispatcher) settle(ctx context.Context, t EventType, job *GenerationJob, now time.Time) {
	d.deps.Events.EmitJob(t, job, now)
	if err := d.deps.Bus.Publish(ctx, job.ID); err != nil {
		d.logger.Debugw("Completion signal not published", logger.FieldJobID, job.ID, logger.FieldError, err)
	}
}

// notify hands the episode to delivery. Failures are logged, never retried
// here, and never change the job.
func (d *Dispatcher) notify(ctx context.Context, job *GenerationJob) {
	if d.deps.Notifier == nil {
		return
	}
	if d.deps.Projects != nil {
		active, err := d.deps.Projects.IsActive(ctx, job.ProjectID)
		if err != nil {
			d.logger.Warnw("Could not check project state before delivery", logger.FieldJobID, job.ID, logger.FieldError, err)
		} else if !active {
			d.logger.Infow("Project no longer active - delivery skipped", logger.FieldJobID, job.ID, logger.FieldProjectID, job.ProjectID)
			return
		}
	}

	timeout := d.cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	err := d.deps.Notifier.NotifyReady(nctx, workflow.Delivery{
		JobID:               job.ID,
		TenantID:            job.TenantID,
		ProjectID:           job.ProjectID,
		ScheduledDeliveryAt: job.ScheduledDeliveryAt,
		ResultRef:           job.ResultRef,
	})
	if err != nil {
		d.logger.Errorw("Delivery notification failed", logger.FieldJobID, job.ID, logger.FieldProjectID, job.ProjectID, logger.FieldError, err)
	}
}

func (d *Dispatcher) materializeNext(ctx context.Context, job *GenerationJob) {
	if d.deps.Cycles == nil {
		return
	}
	if err := d.deps.Cycles.MaterializeNext(context.WithoutCancel(ctx), job.ProjectID, job.ScheduledDeliveryAt); err != nil {
		d.logger.Errorw("Failed to materialize next delivery", logger.FieldProjectID, job.ProjectID, "after", job.ScheduledDeliveryAt, logger.FieldError, err)
	}
}

func (d *Dispatcher) release(ctx context.Context, log *zap.SugaredLogger, job *GenerationJob, workerID string, notBefore time.Time, reason string) {
	released, err := d.deps.Store.Release(ctx, job.ID, workerID, notBefore, reason, d.deps.Clock(), true)
	if err != nil {
		if !errors.Is(err, ErrLeaseLost) {
			log.Errorw("Failed to release claim", logger.FieldError, err)
		}
		return
	}
	d.deps.Events.EmitJob(EventReleased, released, d.deps.Clock())
}
