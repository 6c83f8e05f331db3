package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/recurrence"
)

// ProjectEvents applies inbound project lifecycle events to the project
// mirror and the jobs that belong to it.
//
// Pause, delete and recurrence changes cancel every outstanding job that has
// not reached the workflow yet. A job already processing is left to finish;
// delivery is skipped for projects that are no longer active.
type ProjectEvents struct {
	projects *ProjectStore
	jobs     *async.Store
	cycles   async.CycleScheduler
	events   *async.Emitter
	clock    func() time.Time
	log      *zap.SugaredLogger
}

// NewProjectEvents creates the project event handler. events may be nil.
func NewProjectEvents(projects *ProjectStore, jobs *async.Store, cycles async.CycleScheduler, events *async.Emitter, log *zap.SugaredLogger) *ProjectEvents {
	return &ProjectEvents{
		projects: projects,
		jobs:     jobs,
		cycles:   cycles,
		events:   events,
		clock:    time.Now,
		log:      logger.AddPulseSymbol(log.Named("projects")),
	}
}

// SetClock replaces the time source
func (e *ProjectEvents) SetClock(clock func() time.Time) {
	e.clock = clock
}

// RegisterProject creates or replaces the mirror of a project and, when it is
// active, schedules its next delivery right away
func (e *ProjectEvents) RegisterProject(ctx context.Context, p *Project) error {
	now := e.clock()
	if err := e.projects.Upsert(ctx, p, now); err != nil {
		return err
	}
	e.log.Infow("Project registered",
		logger.FieldProjectID, p.ID,
		logger.FieldTenantID, p.TenantID,
		logger.FieldState, p.State,
		"mode", p.Recurrence.Mode)

	if p.State != ProjectActive {
		return nil
	}
	return e.materialize(ctx, p.ID, now)
}

// OnProjectPaused stops deliveries and cancels outstanding jobs
func (e *ProjectEvents) OnProjectPaused(ctx context.Context, projectID string) (int, error) {
	return e.deactivate(ctx, projectID, ProjectPaused, "project paused")
}

// OnProjectDeleted stops deliveries for good and cancels outstanding jobs
func (e *ProjectEvents) OnProjectDeleted(ctx context.Context, projectID string) (int, error) {
	return e.deactivate(ctx, projectID, ProjectDeleted, "project deleted")
}

// OnProjectResumed reactivates a paused project and schedules its next delivery
func (e *ProjectEvents) OnProjectResumed(ctx context.Context, projectID string) error {
	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if p.State == ProjectDeleted {
		return errors.Wrapf(errors.ErrConflict, "project %s is deleted", projectID)
	}

	now := e.clock()
	if err := e.projects.SetState(ctx, projectID, ProjectActive, now); err != nil {
		return err
	}
	e.log.Infow("Project resumed", logger.FieldProjectID, projectID)
	return e.materialize(ctx, projectID, now)
}

// OnRecurrenceChanged replaces a project's recurrence. Jobs for slots of the
// old recurrence are cancelled and the next slot of the new one is scheduled.
func (e *ProjectEvents) OnRecurrenceChanged(ctx context.Context, projectID string, cfg recurrence.Config) (int, error) {
	now := e.clock()
	if err := e.projects.UpdateRecurrence(ctx, projectID, cfg, now); err != nil {
		return 0, err
	}

	n, err := e.cancelOutstanding(ctx, projectID, "recurrence changed", now)
	if err != nil {
		return n, err
	}
	e.log.Infow("Project recurrence changed",
		logger.FieldProjectID, projectID,
		"mode", cfg.Mode,
		"delivery_hour", cfg.DeliveryHour,
		"timezone", cfg.Timezone,
		"cancelled", n)

	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return n, err
	}
	if p.State != ProjectActive {
		return n, nil
	}
	return n, e.materialize(ctx, projectID, now)
}

func (e *ProjectEvents) deactivate(ctx context.Context, projectID string, state ProjectState, reason string) (int, error) {
	now := e.clock()
	if err := e.projects.SetState(ctx, projectID, state, now); err != nil {
		return 0, err
	}
	n, err := e.cancelOutstanding(ctx, projectID, reason, now)
	if err != nil {
		return n, err
	}
	e.log.Infow("Project deactivated",
		logger.FieldProjectID, projectID,
		logger.FieldState, state,
		"cancelled", n)
	return n, nil
}

func (e *ProjectEvents) cancelOutstanding(ctx context.Context, projectID, reason string, now time.Time) (int, error) {
	cancelled, err := e.jobs.CancelProject(ctx, projectID, reason, now)
	for _, job := range cancelled {
		e.events.EmitJob(async.EventCancelled, job, now)
	}
	if err != nil {
		return len(cancelled), errors.Wrapf(err, "cancel jobs of project %s", projectID)
	}
	return len(cancelled), nil
}

func (e *ProjectEvents) materialize(ctx context.Context, projectID string, now time.Time) error {
	if e.cycles == nil {
		return nil
	}
	return errors.Wrapf(e.cycles.MaterializeNext(ctx, projectID, now), "schedule next delivery of project %s", projectID)
}
