package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/episodic/db"
	episodictest "github.com/teranos/episodic/internal/testing"
	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/budget"
	"github.com/teranos/episodic/pulse/recurrence"
)

// The "Morning Digest" network: shows deliver at 09:00 UTC, the clock starts at
// 06:00 on Monday 2025-03-31. Window 4h, margin 15m.
var (
	monday    = time.Date(2025, 3, 31, 6, 0, 0, 0, time.UTC)
	mondayAt9 = time.Date(2025, 3, 31, 9, 0, 0, 0, time.UTC)
	tuesAt9   = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	window    = async.Window{Generation: 4 * time.Hour, SafetyMargin: 15 * time.Minute}
	lease     = 15 * time.Minute
)

func dailyAt(hour int) recurrence.Config {
	return recurrence.Config{Mode: recurrence.Daily, DeliveryHour: hour, Timezone: "UTC"}
}

// testClock is a settable clock shared by every component of a testEnv
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type testEnv struct {
	clock     *testClock
	jobs      *async.Store
	ledger    *budget.Ledger
	projects  *ProjectStore
	emitter   *async.Emitter
	scheduler *Scheduler
	sweeper   *Sweeper
	events    *ProjectEvents
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := episodictest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	clock := &testClock{now: monday}
	ledger := budget.NewLedger(conn, db.SQLite, time.UTC)
	jobs := async.NewStore(conn, db.SQLite, ledger)
	projects := NewProjectStore(conn, db.SQLite)
	emitter := async.NewEmitter(log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sched := NewScheduler(ctx, projects, jobs, emitter, nil, SchedulerConfig{
		Interval:    time.Hour,
		Window:      window,
		MaxAttempts: 3,
	}, log)
	sched.SetClock(clock.Now)

	sweeper := NewSweeper(ctx, jobs, ledger, sched, emitter, async.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{30 * time.Minute, 60 * time.Minute},
	}, time.Hour, log)
	sweeper.SetClock(clock.Now)

	pe := NewProjectEvents(projects, jobs, sched, emitter, log)
	pe.SetClock(clock.Now)

	return &testEnv{
		clock:     clock,
		jobs:      jobs,
		ledger:    ledger,
		projects:  projects,
		emitter:   emitter,
		scheduler: sched,
		sweeper:   sweeper,
		events:    pe,
	}
}

func (e *testEnv) register(t *testing.T, id string, state ProjectState, cfg recurrence.Config) {
	t.Helper()
	require.NoError(t, e.projects.Upsert(context.Background(), &Project{
		ID:         id,
		TenantID:   "tenant-digest",
		Recurrence: cfg,
		State:      state,
	}, e.clock.Now()))
}

func (e *testEnv) projectJobs(t *testing.T, projectID string, statuses ...async.Status) []*async.GenerationJob {
	t.Helper()
	jobs, err := e.jobs.ListJobs(context.Background(), async.JobFilter{
		ProjectID: projectID,
		Statuses:  statuses,
		Ascending: true,
	})
	require.NoError(t, err)
	return jobs
}

func (e *testEnv) slot(t *testing.T, projectID string, delivery time.Time) *async.GenerationJob {
	t.Helper()
	job, err := e.jobs.FindByIdempotencyKey(context.Background(), async.IdempotencyKey(projectID, delivery))
	require.NoError(t, err)
	return job
}

// drain collects the events already buffered on ch
func drain(ch <-chan async.JobEvent) []async.JobEvent {
	var out []async.JobEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countEvents(events []async.JobEvent, t async.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
