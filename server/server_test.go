package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/db"
	episodictest "github.com/teranos/episodic/internal/testing"
	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/budget"
	"github.com/teranos/episodic/pulse/recurrence"
	"github.com/teranos/episodic/pulse/schedule"
)

// The "Night Shift" newsroom: the clock is fixed at 06:00 UTC on 2025-03-31
// and the morning bulletin airs daily at 09:00 UTC.
var (
	shiftStart = time.Date(2025, 3, 31, 6, 0, 0, 0, time.UTC)
	bulletinAt = time.Date(2025, 3, 31, 9, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return shiftStart }

type testServer struct {
	*Server
	jobs     *async.Store
	ledger   *budget.Ledger
	projects *schedule.ProjectStore
	events   *async.Emitter
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	conn := episodictest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	ledger := budget.NewLedger(conn, db.SQLite, time.UTC)
	jobs := async.NewStore(conn, db.SQLite, ledger)
	projects := schedule.NewProjectStore(conn, db.SQLite)
	emitter := async.NewEmitter(log)
	tracker := budget.NewTracker(ledger, am.BudgetConfig{DailyCostCap: 10}, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sched := schedule.NewScheduler(ctx, projects, jobs, emitter, nil, schedule.SchedulerConfig{
		Interval:    time.Hour,
		Window:      async.Window{Generation: 4 * time.Hour, SafetyMargin: 15 * time.Minute},
		MaxAttempts: 3,
	}, log)
	sched.SetClock(fixedClock)

	pe := schedule.NewProjectEvents(projects, jobs, sched, emitter, log)
	pe.SetClock(fixedClock)

	cfg := async.DefaultDispatcherConfig()
	cfg.Workers = 1
	dispatcher := async.NewDispatcher(ctx, async.Dependencies{
		Store:    jobs,
		Cycles:   sched,
		Projects: projects,
		Events:   emitter,
		Clock:    fixedClock,
	}, cfg, log)

	srv := NewServer(Services{
		Dispatcher:    dispatcher,
		Jobs:          jobs,
		Events:        emitter,
		Projects:      projects,
		ProjectEvents: pe,
		Scheduler:     sched,
		Tracker:       tracker,
		Limiter:       budget.NewLimiter(30),
	}, am.ServerConfig{CallbackToken: token, AllowedOrigins: []string{"https://newsroom.example"}}, log)
	srv.clock = fixedClock

	return &testServer{Server: srv, jobs: jobs, ledger: ledger, projects: projects, events: emitter}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) registerBulletin(t *testing.T, token string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/projects", token, schedule.Project{
		ID:         "morning-bulletin",
		TenantID:   "tenant-news",
		Recurrence: recurrence.Config{Mode: recurrence.Daily, DeliveryHour: 9, Timezone: "UTC"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// processingBulletin returns the bulletin job after a worker started it on the workflow as run "wf-1"
func (ts *testServer) processingBulletin(t *testing.T) *async.GenerationJob {
	t.Helper()
	ctx := context.Background()
	claimed, err := ts.jobs.ClaimNext(ctx, "worker-0", shiftStart, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	job, err := ts.jobs.MarkProcessing(ctx, claimed.ID, "worker-0", "wf-1", shiftStart)
	require.NoError(t, err)
	return job
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestWorkflowComplete_AppliesOutcomeOnce(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerBulletin(t, "")
	job := ts.processingBulletin(t)

	outcome := map[string]interface{}{
		"job_id":     job.ID,
		"handle":     "wf-1",
		"success":    true,
		"result_ref": "s3://episodes/morning-bulletin/2025-03-31.mp3",
		"cost":       1.25,
	}
	rec := ts.do(t, http.MethodPost, "/api/workflow/complete", "", outcome)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decode[CompletionResponse](t, rec).Status)

	// The workflow retries its callback: acknowledged, nothing changes
	rec = ts.do(t, http.MethodPost, "/api/workflow/complete", "", outcome)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode[CompletionResponse](t, rec).Status)

	got, err := ts.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.StatusSucceeded, got.Status)

	entry, err := ts.ledger.Entry(context.Background(), "tenant-news", "2025-03-31")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, entry.TotalCost, 1e-9)
	assert.Equal(t, 1, entry.JobCount, "the ledger is charged exactly once")

	// The next bulletin is already scheduled
	next, err := ts.jobs.FindByIdempotencyKey(context.Background(), async.IdempotencyKey("morning-bulletin", bulletinAt.Add(24*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, async.StatusPending, next.Status)
}

func TestWorkflowComplete_StaleHandleIsDuplicate(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerBulletin(t, "")
	job := ts.processingBulletin(t)

	rec := ts.do(t, http.MethodPost, "/api/workflow/complete", "", map[string]interface{}{
		"job_id":  job.ID,
		"handle":  "wf-from-an-earlier-attempt",
		"success": false,
		"error":   "model timeout",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode[CompletionResponse](t, rec).Status)

	got, err := ts.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.StatusProcessing, got.Status)
}

func TestWorkflowComplete_Rejections(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodGet, "/api/workflow/complete", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/workflow/complete", "", map[string]interface{}{"success": true, "result_ref": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing job_id")

	rec = ts.do(t, http.MethodPost, "/api/workflow/complete", "", map[string]interface{}{"job_id": "j", "success": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "success without result_ref")

	rec = ts.do(t, http.MethodPost, "/api/workflow/complete", "", map[string]interface{}{"job_id": "j", "attempt": -1, "success": true, "result_ref": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "negative attempt")

	rec = ts.do(t, http.MethodPost, "/api/workflow/complete", "", map[string]interface{}{"job_id": "no-such-job", "success": false, "error": "boom"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/workflow/complete", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTokenAuth(t *testing.T) {
	ts := newTestServer(t, "night-shift-secret")

	body := map[string]interface{}{"job_id": "no-such-job", "success": false, "error": "boom"}
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/api/workflow/complete", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/api/workflow/complete", "wrong", body).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/workflow/complete", "night-shift-secret", body).Code)

	// Reads stay open
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/projects", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, "/api/projects/p/pause", "", nil).Code)
}

func TestJobsAPI(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerBulletin(t, "")

	rec := ts.do(t, http.MethodGet, "/api/jobs?status=pending&project=morning-bulletin", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[JobsResponse](t, rec)
	require.Equal(t, 1, list.Count)
	jobID := list.Jobs[0].ID

	rec = ts.do(t, http.MethodGet, "/api/jobs?status=sleeping", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/jobs/"+jobID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "morning-bulletin", decode[async.GenerationJob](t, rec).ProjectID)

	rec = ts.do(t, http.MethodGet, "/api/jobs/no-such-job", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sub, unsubscribe := ts.events.Subscribe(4)
	defer unsubscribe()

	rec = ts.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "", map[string]string{"reason": "anchor is sick"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[async.GenerationJob](t, rec)
	assert.Equal(t, async.StatusCancelled, cancelled.Status)
	assert.Equal(t, "anchor is sick", cancelled.LastError)
	assert.Equal(t, async.EventCancelled, (<-sub).Type)

	rec = ts.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal jobs cannot be cancelled")

	rec = ts.do(t, http.MethodGet, "/api/jobs/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[async.Status]int](t, rec)
	assert.Equal(t, 1, stats[async.StatusCancelled])
	assert.Equal(t, 0, stats[async.StatusPending])
}

func TestProjectsAPI(t *testing.T) {
	ts := newTestServer(t, "")
	ts.registerBulletin(t, "")

	rec := ts.do(t, http.MethodGet, "/api/projects/morning-bulletin", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schedule.ProjectActive, decode[schedule.Project](t, rec).State)

	rec = ts.do(t, http.MethodPost, "/api/projects/morning-bulletin/pause", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	change := decode[ProjectChangeResponse](t, rec)
	assert.Equal(t, schedule.ProjectPaused, change.State)
	assert.Equal(t, 1, change.Cancelled)

	rec = ts.do(t, http.MethodGet, "/api/projects?state=paused", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*schedule.Project](t, rec), 1)

	rec = ts.do(t, http.MethodPost, "/api/projects/morning-bulletin/resume", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/projects/morning-bulletin/recurrence", "",
		recurrence.Config{Mode: recurrence.Daily, DeliveryHour: 18, Timezone: "UTC"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[ProjectChangeResponse](t, rec).Cancelled)

	rec = ts.do(t, http.MethodPut, "/api/projects/morning-bulletin/recurrence", "",
		recurrence.Config{Mode: "hourly", DeliveryHour: 18, Timezone: "UTC"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/projects/morning-bulletin/archive", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/projects/morning-bulletin", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schedule.ProjectDeleted, decode[ProjectChangeResponse](t, rec).State)

	rec = ts.do(t, http.MethodPost, "/api/projects/morning-bulletin/resume", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "deleted projects stay deleted")

	rec = ts.do(t, http.MethodGet, "/api/projects?state=archived", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusHealthAndBudget(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "running", status.State)
	assert.NotEmpty(t, status.Version.GoVersion)
	assert.Equal(t, 1, status.Metrics.WorkersTotal)
	require.NotNil(t, status.Limiter)
	assert.Equal(t, 30, status.Limiter.PerMinute)

	require.NoError(t, ts.ledger.Add(context.Background(), "tenant-news", shiftStart, 4))
	rec = ts.do(t, http.MethodGet, "/api/budget/tenant-news", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	b := decode[BudgetResponse](t, rec)
	assert.InDelta(t, 4.0, b.Today.Spend, 1e-9)
	assert.InDelta(t, 10.0, b.Today.Cap, 1e-9)
	assert.False(t, b.Today.Capped)
	assert.Len(t, b.History, 1)
}

func TestJobStream(t *testing.T) {
	ts := newTestServer(t, "")
	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/jobs?project=morning-bulletin"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Another project's event is filtered out, ours comes through
	other := &async.GenerationJob{ID: "j-weather", ProjectID: "weather", Status: async.StatusPending}
	ts.events.EmitJob(async.EventCreated, other, shiftStart)
	ts.registerBulletin(t, "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev async.JobEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, async.EventCreated, ev.Type)
	assert.Equal(t, "morning-bulletin", ev.ProjectID)
	assert.True(t, ev.ScheduledDeliveryAt.Equal(bulletinAt))

	require.NoError(t, ts.Stop())
	assert.Zero(t, ts.ClientCount())
}

func TestCheckOrigin(t *testing.T) {
	ts := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/ws/jobs", nil)
	assert.True(t, ts.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://newsroom.example:8443")
	assert.True(t, ts.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, ts.checkOrigin(req))

	rec := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	req.Header.Set("Origin", "https://newsroom.example")
	ts.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://newsroom.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStopDrainsHealth(t *testing.T) {
	ts := newTestServer(t, "")
	require.NoError(t, ts.Stop())

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopped")
}
