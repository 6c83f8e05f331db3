package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/pulse/budget"
	"github.com/teranos/episodic/pulse/workflow"
)

// ============================================================================
// Radio Station Dispatcher Test Universe
// ============================================================================
//
// Characters:
//   - Producer: the dispatcher, who books each show with the studio
//   - Studio: the generation workflow, sometimes slow, sometimes off air
//   - Accountant: the admission controller with the daily budget
//   - Listener: the delivery channel waiting for the episode
// ============================================================================

type fakeStudio struct {
	mu       sync.Mutex
	requests []workflow.Request
	err      error
	onStart  func(req workflow.Request)
	outcomes map[string]workflow.Outcome
}

func (f *fakeStudio) StartGeneration(_ context.Context, req workflow.Request) (workflow.Handle, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	hook, err := f.onStart, f.err
	f.mu.Unlock()
	if err != nil {
		return workflow.Handle{}, err
	}
	if hook != nil {
		hook(req)
	}
	return workflow.Handle{ID: "run-" + req.JobID}, nil
}

func (f *fakeStudio) PollStatus(_ context.Context, handle string) (workflow.Outcome, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outcomes[handle]
	return out, ok, nil
}

func (f *fakeStudio) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeListener struct {
	mu         sync.Mutex
	deliveries []workflow.Delivery
	err        error
}

func (f *fakeListener) NotifyReady(_ context.Context, d workflow.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	return f.err
}

func (f *fakeListener) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

type fakeAccountant struct {
	decision budget.Decision
}

func (f *fakeAccountant) Admit(_ context.Context, tenantID string, _ time.Time) (budget.Decision, error) {
	d := f.decision
	d.TenantID = tenantID
	return d, nil
}

type nextCall struct {
	projectID string
	after     time.Time
}

type fakeCycles struct {
	mu    sync.Mutex
	calls []nextCall
}

func (f *fakeCycles) MaterializeNext(_ context.Context, projectID string, after time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, nextCall{projectID, after})
	return nil
}

type fakeProjects map[string]bool

func (f fakeProjects) IsActive(_ context.Context, projectID string) (bool, error) {
	return f[projectID], nil
}

type dispatcherFixture struct {
	d        *Dispatcher
	store    *Store
	ledger   *budget.Ledger
	studio   *fakeStudio
	listener *fakeListener
	cycles   *fakeCycles
	events   <-chan JobEvent
}

func newDispatcherFixture(t *testing.T, tweak func(*Dependencies, *DispatcherConfig)) *dispatcherFixture {
	t.Helper()
	store, ledger, _ := newTestStore(t)
	f := &dispatcherFixture{
		store:    store,
		ledger:   ledger,
		studio:   &fakeStudio{outcomes: map[string]workflow.Outcome{}},
		listener: &fakeListener{},
		cycles:   &fakeCycles{},
	}
	emitter := NewEmitter(nil)
	events, stop := emitter.Subscribe(64)
	t.Cleanup(stop)
	f.events = events

	deps := Dependencies{
		Store:     store,
		Generator: f.studio,
		Poller:    f.studio,
		Notifier:  f.listener,
		Cycles:    f.cycles,
		Projects:  fakeProjects{"proj-1": true},
		Events:    emitter,
		Clock:     func() time.Time { return testNow },
	}
	cfg := DefaultDispatcherConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StatusPoll = 10 * time.Millisecond
	cfg.Lease = 5 * time.Second
	if tweak != nil {
		tweak(&deps, &cfg)
	}
	f.d = NewDispatcher(context.Background(), deps, cfg, zaptest.NewLogger(t).Sugar())
	return f
}

func (f *dispatcherFixture) eventTypes() []EventType {
	var types []EventType
	for {
		select {
		case ev := <-f.events:
			types = append(types, ev.Type)
		default:
			return types
		}
	}
}

func TestProducerRunsJobToSuccessByPolling(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, nil)
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)
	f.studio.outcomes["run-"+job.ID] = workflow.Outcome{Success: true, ResultRef: "s3://episodes/1.mp3", Cost: 0.8}

	processed, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)
	assert.True(t, processed)

	got := mustGet(t, f.store, job.ID)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, "s3://episodes/1.mp3", got.ResultRef)
	assert.Equal(t, "run-"+job.ID, got.WorkflowHandle)

	require.Equal(t, 1, f.listener.count())
	assert.Equal(t, job.ID, f.listener.deliveries[0].JobID)
	assert.Equal(t, []nextCall{{"proj-1", testDelivery}}, f.cycles.calls)

	entry, err := f.ledger.Entry(ctx, "tenant-a", "2025-03-31")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, entry.TotalCost, 1e-9)

	assert.Equal(t, []EventType{EventClaimed, EventProcessing, EventSucceeded}, f.eventTypes())

	req := f.studio.requests[0]
	assert.Equal(t, 1, req.Attempt)
	assert.Equal(t, job.DeadlineAt, req.DeadlineAt)
}

func TestProducerWakesOnCompletionCallback(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, func(deps *Dependencies, cfg *DispatcherConfig) {
		deps.Poller = nil
		cfg.StatusPoll = time.Hour // only the bus can wake the worker
	})
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)

	done := make(chan error, 1)
	go func() {
		_, err := f.d.ProcessNext(ctx, "worker-0")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return mustGet(t, f.store, job.ID).Status == StatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	out := workflow.Outcome{Handle: "run-" + job.ID, Success: true, ResultRef: "s3://episodes/1.mp3", Cost: 0.5}
	require.NoError(t, f.d.Complete(ctx, job.ID, out))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not wake on completion")
	}

	err := f.d.Complete(ctx, job.ID, out)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "duplicate callback")
	assert.Equal(t, 1, f.listener.count(), "delivery happens once")

	entry, err := f.ledger.Entry(ctx, "tenant-a", "2025-03-31")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.JobCount)
}

func TestCallbackBeforeProcessingIsAccepted(t *testing.T) {
	ctx := context.Background()
	var f *dispatcherFixture
	f = newDispatcherFixture(t, func(deps *Dependencies, _ *DispatcherConfig) {
		deps.Poller = nil
	})
	f.studio.onStart = func(req workflow.Request) {
		require.NoError(t, f.d.Complete(ctx, req.JobID, workflow.Outcome{Attempt: req.Attempt, Success: true, ResultRef: "fast"}))
	}
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)

	processed, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, StatusSucceeded, mustGet(t, f.store, job.ID).Status)
}

func TestAccountantBlocksOverCap(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, func(deps *Dependencies, _ *DispatcherConfig) {
		deps.Admitter = &fakeAccountant{decision: budget.Decision{Allowed: false, LedgerDate: "2025-03-31", TotalCost: 50.1, Cap: 50}}
	})
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)

	processed, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)
	assert.True(t, processed)

	got := mustGet(t, f.store, job.ID)
	assert.Equal(t, StatusBlocked, got.Status)
	assert.Equal(t, "2025-03-31", got.BlockedLedgerDate)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 0, f.studio.starts(), "no workflow start over the cap")
	assert.Equal(t, []EventType{EventClaimed, EventBlocked}, f.eventTypes())
}

func TestStudioOffAirReleasesWithoutAttempt(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, func(_ *Dependencies, cfg *DispatcherConfig) {
		cfg.UnavailableBackoff = 2 * time.Minute
	})
	f.studio.err = errors.Wrap(workflow.ErrUnavailable, "circuit breaker is open")
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)

	_, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)

	got := mustGet(t, f.store, job.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, testNow.Add(2*time.Minute), got.NextAttemptNotBefore)
}

func TestStartErrorCountsAsFailedAttempt(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, nil)
	f.studio.err = errors.New("workflow returned status 500: boom")
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)

	_, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)

	got := mustGet(t, f.store, job.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, testNow.Add(30*time.Minute), got.NextAttemptNotBefore)
	assert.Equal(t, ErrorCodeUpstream, got.LastErrorCode)
	assert.Empty(t, f.cycles.calls, "retrying job keeps its slot")
}

func TestTerminalFailureSkipsSlotAndMaterializesNext(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.ErrorLevel)
	f := newDispatcherFixture(t, nil)
	f.d.logger.SugaredLogger = zap.New(core).Sugar()

	job := insertTestJob(t, f.store, "proj-1", testDelivery, 1)
	f.studio.outcomes["run-"+job.ID] = workflow.Outcome{Error: "voice model crashed"}

	_, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)

	got := mustGet(t, f.store, job.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "voice model crashed", got.LastError)
	assert.Equal(t, 0, f.listener.count())
	assert.Equal(t, []nextCall{{"proj-1", testDelivery}}, f.cycles.calls)
	assert.Equal(t, 1, logs.FilterMessage("Generation failed - delivery slot skipped").Len())
}

func TestDeliverySkippedForPausedProject(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, func(deps *Dependencies, _ *DispatcherConfig) {
		deps.Projects = fakeProjects{"proj-1": false}
	})
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)
	f.studio.outcomes["run-"+job.ID] = workflow.Outcome{Success: true, ResultRef: "r"}

	_, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, mustGet(t, f.store, job.ID).Status)
	assert.Equal(t, 0, f.listener.count())
}

func TestDeliveryFailureDoesNotTouchJob(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, nil)
	f.listener.err = errors.New("webhook down")
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)
	f.studio.outcomes["run-"+job.ID] = workflow.Outcome{Success: true, ResultRef: "r"}

	_, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, mustGet(t, f.store, job.ID).Status)
	assert.Equal(t, 1, f.listener.count())
}

func TestCancellationReachesWorker(t *testing.T) {
	ctx := context.Background()
	var f *dispatcherFixture
	f = newDispatcherFixture(t, nil)
	f.studio.onStart = func(req workflow.Request) {
		_, err := f.store.CancelProject(ctx, req.ProjectID, "project paused", testNow)
		require.NoError(t, err)
	}
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)

	processed, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, StatusCancelled, mustGet(t, f.store, job.ID).Status)
}

func TestLeaseExpiryEndsTheWait(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture(t, func(deps *Dependencies, cfg *DispatcherConfig) {
		deps.Poller = nil
		cfg.Lease = 50 * time.Millisecond
	})
	job := insertTestJob(t, f.store, "proj-1", testDelivery, 3)

	start := time.Now()
	_, err := f.d.ProcessNext(ctx, "worker-0")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusProcessing, mustGet(t, f.store, job.ID).Status, "sweeper settles it")

	requeued, _, err := f.store.ReleaseExpiredClaims(ctx, testNow.Add(time.Second), f.d.Policy())
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, 1, requeued[0].AttemptCount)
}

func TestProcessNextWithNothingToDo(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	processed, err := f.d.ProcessNext(context.Background(), "worker-0")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestCompleteRejectsMalformedOutcome(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	err := f.d.Complete(context.Background(), "job-1", workflow.Outcome{Success: true})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestDispatcherStartStop(t *testing.T) {
	ctx := context.Background()
	var f *dispatcherFixture
	f = newDispatcherFixture(t, func(deps *Dependencies, cfg *DispatcherConfig) {
		deps.Poller = nil
		cfg.Workers = 2
		cfg.ShutdownTimeout = 2 * time.Second
	})
	f.studio.onStart = func(req workflow.Request) {
		_ = f.d.Complete(ctx, req.JobID, workflow.Outcome{Success: true, ResultRef: "r"})
	}
	first := insertTestJob(t, f.store, "proj-1", testDelivery, 3)
	second := insertTestJob(t, f.store, "proj-1", testDelivery.Add(time.Hour), 3)

	f.d.Start()
	require.Eventually(t, func() bool {
		return mustGet(t, f.store, first.ID).Status == StatusSucceeded &&
			mustGet(t, f.store, second.ID).Status == StatusSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	m := f.d.SystemMetrics(ctx)
	assert.Equal(t, 2, m.WorkersTotal)
	assert.Equal(t, 2, m.Jobs[StatusSucceeded])

	stopped := make(chan struct{})
	go func() {
		f.d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestWorkerExitsWhenDatabaseCloses(t *testing.T) {
	store, _, conn := newTestStore(t)
	core, logs := observer.New(zap.DebugLevel)
	cfg := DefaultDispatcherConfig()
	cfg.Workers = 1
	cfg.PollInterval = 10 * time.Millisecond
	d := NewDispatcher(context.Background(), Dependencies{
		Store:     store,
		Generator: &fakeStudio{},
		Clock:     func() time.Time { return testNow },
	}, cfg, zap.New(core).Sugar())

	d.Start()
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Database closed - worker exiting").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, logs.FilterMessage("Worker error processing job").Len())
	d.Stop()
}

func TestDispatcherConfigFromAM(t *testing.T) {
	cfg := DispatcherConfigFromAM(testAMConfig())
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Lease)
	assert.Equal(t, 3, cfg.Policy.MaxAttempts)
	assert.Equal(t, []time.Duration{30 * time.Minute, 60 * time.Minute}, cfg.Policy.Backoff)
	assert.True(t, cfg.BlockedCountsAsAttempt)
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(0.1))
	assert.Equal(t, 2, calculateSafeWorkerCount(1.0))
	assert.Equal(t, 32, calculateSafeWorkerCount(64))
}
