package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/pulse/async"
)

func TestRegisterProject_SchedulesImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.events.RegisterProject(ctx, &Project{
		ID:         "digest-sports",
		TenantID:   "tenant-digest",
		Recurrence: dailyAt(9),
	}))
	job := env.slot(t, "digest-sports", mondayAt9)
	assert.Equal(t, async.StatusPending, job.Status)

	require.NoError(t, env.events.RegisterProject(ctx, &Project{
		ID:         "digest-weather",
		TenantID:   "tenant-digest",
		Recurrence: dailyAt(9),
		State:      ProjectPaused,
	}))
	assert.Empty(t, env.projectJobs(t, "digest-weather"))
}

func TestOnProjectPaused_CancelsOutstandingJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "digest-sports", ProjectActive, dailyAt(9))
	env.register(t, "digest-markets", ProjectActive, dailyAt(17))

	_, err := env.scheduler.Tick(ctx, monday)
	require.NoError(t, err)
	require.NoError(t, env.scheduler.MaterializeNext(ctx, "digest-sports", mondayAt9))

	// Monday's sports job is claimed by a worker that has not started the workflow yet
	claimed, err := env.jobs.ClaimNext(ctx, "worker-0", monday, lease)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "digest-sports", claimed.ProjectID)

	events, unsubscribe := env.emitter.Subscribe(16)
	defer unsubscribe()

	n, err := env.events.OnProjectPaused(ctx, "digest-sports")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, countEvents(drain(events), async.EventCancelled))

	for _, job := range env.projectJobs(t, "digest-sports") {
		assert.Equal(t, async.StatusCancelled, job.Status, job.String())
	}
	assert.Len(t, env.projectJobs(t, "digest-markets", async.StatusPending), 1, "other projects are untouched")

	// The worker finds out through the guarded transition
	_, err = env.jobs.MarkProcessing(ctx, claimed.ID, "worker-0", "wf-1", monday)
	assert.True(t, errors.Is(err, async.ErrLeaseLost))

	// And the scheduler does not bring the project back
	_, err = env.scheduler.Tick(ctx, monday.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, env.projectJobs(t, "digest-sports", async.StatusPending))
}

func TestOnProjectPaused_LeavesProcessingJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "digest-sports", ProjectActive, dailyAt(9))
	_, err := env.scheduler.Tick(ctx, monday)
	require.NoError(t, err)

	claimed, err := env.jobs.ClaimNext(ctx, "worker-0", monday, lease)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = env.jobs.MarkProcessing(ctx, claimed.ID, "worker-0", "wf-1", monday)
	require.NoError(t, err)

	n, err := env.events.OnProjectDeleted(ctx, "digest-sports")
	require.NoError(t, err)
	assert.Zero(t, n)

	job, err := env.jobs.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, async.StatusProcessing, job.Status)

	p, err := env.projects.Get(ctx, "digest-sports")
	require.NoError(t, err)
	assert.Equal(t, ProjectDeleted, p.State)
}

func TestOnProjectResumed_SchedulesAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "digest-sports", ProjectActive, dailyAt(9))
	_, err := env.scheduler.Tick(ctx, monday)
	require.NoError(t, err)
	original := env.slot(t, "digest-sports", mondayAt9)

	_, err = env.events.OnProjectPaused(ctx, "digest-sports")
	require.NoError(t, err)

	env.clock.Set(monday.Add(30 * time.Minute))
	require.NoError(t, env.events.OnProjectResumed(ctx, "digest-sports"))

	// The cancelled job frees the slot for a new one
	resumed := env.slot(t, "digest-sports", mondayAt9)
	assert.NotEqual(t, original.ID, resumed.ID)
	assert.Equal(t, async.StatusPending, resumed.Status)
}

func TestOnProjectResumed_DeletedProject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "digest-gone", ProjectActive, dailyAt(9))
	_, err := env.events.OnProjectDeleted(ctx, "digest-gone")
	require.NoError(t, err)

	err = env.events.OnProjectResumed(ctx, "digest-gone")
	assert.True(t, errors.Is(err, errors.ErrConflict))

	err = env.events.OnProjectResumed(ctx, "digest-unknown")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = env.events.OnProjectPaused(ctx, "digest-unknown")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestOnRecurrenceChanged_ReplacesOutstandingSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "digest-sports", ProjectActive, dailyAt(9))
	_, err := env.scheduler.Tick(ctx, monday)
	require.NoError(t, err)

	n, err := env.events.OnRecurrenceChanged(ctx, "digest-sports", dailyAt(18))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending := env.projectJobs(t, "digest-sports", async.StatusPending)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].ScheduledDeliveryAt.Equal(time.Date(2025, 3, 31, 18, 0, 0, 0, time.UTC)))

	// Invalid recurrences are rejected before anything is cancelled
	_, err = env.events.OnRecurrenceChanged(ctx, "digest-sports", dailyAt(-1))
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Len(t, env.projectJobs(t, "digest-sports", async.StatusPending), 1)
}

func TestOnRecurrenceChanged_PausedProjectStaysQuiet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "digest-weather", ProjectPaused, dailyAt(9))

	n, err := env.events.OnRecurrenceChanged(ctx, "digest-weather", dailyAt(6))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, env.projectJobs(t, "digest-weather"))
}
