package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/pulse/recurrence"
)

func TestProjectStore_UpsertAndGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	weekly := recurrence.Config{
		Mode:         recurrence.Weekly,
		DaysOfWeek:   []time.Weekday{time.Thursday, time.Monday},
		DeliveryHour: 7,
		Timezone:     "Europe/Amsterdam",
	}
	require.NoError(t, env.projects.Upsert(ctx, &Project{ID: "digest-news", TenantID: "tenant-digest", Recurrence: weekly}, monday))

	p, err := env.projects.Get(ctx, "digest-news")
	require.NoError(t, err)
	assert.Equal(t, "tenant-digest", p.TenantID)
	assert.Equal(t, ProjectActive, p.State, "state defaults to active")
	assert.Equal(t, recurrence.Weekly, p.Recurrence.Mode)
	assert.Equal(t, []time.Weekday{time.Monday, time.Thursday}, p.Recurrence.DaysOfWeek)
	assert.Equal(t, 7, p.Recurrence.DeliveryHour)
	assert.Equal(t, "Europe/Amsterdam", p.Recurrence.Timezone)
	assert.True(t, p.CreatedAt.Equal(monday))

	// Re-registration replaces the recurrence but keeps created_at
	later := monday.Add(time.Hour)
	require.NoError(t, env.projects.Upsert(ctx, &Project{ID: "digest-news", TenantID: "tenant-digest", Recurrence: dailyAt(9)}, later))
	p, err = env.projects.Get(ctx, "digest-news")
	require.NoError(t, err)
	assert.Equal(t, recurrence.Daily, p.Recurrence.Mode)
	assert.Empty(t, p.Recurrence.DaysOfWeek)
	assert.True(t, p.CreatedAt.Equal(monday))
	assert.True(t, p.UpdatedAt.Equal(later))
}

func TestProjectStore_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.projects.Upsert(ctx, &Project{TenantID: "tenant-digest", Recurrence: dailyAt(9)}, monday)
	assert.True(t, errors.IsInvalidRequestError(err))

	err = env.projects.Upsert(ctx, &Project{ID: "digest-x", Recurrence: dailyAt(9)}, monday)
	assert.True(t, errors.IsInvalidRequestError(err))

	err = env.projects.Upsert(ctx, &Project{ID: "digest-x", TenantID: "tenant-digest", Recurrence: dailyAt(24)}, monday)
	assert.True(t, errors.IsInvalidRequestError(err))

	err = env.projects.Upsert(ctx, &Project{ID: "digest-x", TenantID: "tenant-digest", Recurrence: dailyAt(9), State: "archived"}, monday)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestProjectStore_StateAndActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "digest-sports", ProjectActive, dailyAt(9))
	env.register(t, "digest-weather", ProjectPaused, dailyAt(6))

	active, err := env.projects.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "digest-sports", active[0].ID)

	all, err := env.projects.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ok, err := env.projects.IsActive(ctx, "digest-sports")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.projects.IsActive(ctx, "digest-weather")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.projects.IsActive(ctx, "digest-unknown")
	require.NoError(t, err)
	assert.False(t, ok, "unknown projects are inactive")

	require.NoError(t, env.projects.SetState(ctx, "digest-weather", ProjectActive, monday))
	active, err = env.projects.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	err = env.projects.SetState(ctx, "digest-unknown", ProjectPaused, monday)
	assert.True(t, errors.IsNotFoundError(err))

	err = env.projects.UpdateRecurrence(ctx, "digest-unknown", dailyAt(9), monday)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = env.projects.Get(ctx, "digest-unknown")
	assert.True(t, errors.IsNotFoundError(err))
}
