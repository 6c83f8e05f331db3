package async

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/db"
	episodictest "github.com/teranos/episodic/internal/testing"
	"github.com/teranos/episodic/pulse/budget"
)

// Every fixture delivers at 09:00 UTC on Monday 2025-03-31 unless stated.
// Window 4h, margin 15m: earliest start 05:00, deadline 08:45.
var (
	testDelivery = time.Date(2025, 3, 31, 9, 0, 0, 0, time.UTC)
	testWindow   = Window{Generation: 4 * time.Hour, SafetyMargin: 15 * time.Minute}
	testNow      = time.Date(2025, 3, 31, 6, 0, 0, 0, time.UTC)
	testLease    = 15 * time.Minute
)

func newTestStore(t *testing.T) (*Store, *budget.Ledger, *sql.DB) {
	t.Helper()
	conn := episodictest.CreateTestDB(t)
	ledger := budget.NewLedger(conn, db.SQLite, time.UTC)
	return NewStore(conn, db.SQLite, ledger), ledger, conn
}

func newTestJob(t *testing.T, projectID string, delivery time.Time, maxAttempts int) *GenerationJob {
	t.Helper()
	job, err := NewGenerationJob("tenant-a", projectID, delivery, testWindow, maxAttempts, testNow.Add(-time.Hour))
	require.NoError(t, err)
	return job
}

func insertTestJob(t *testing.T, s *Store, projectID string, delivery time.Time, maxAttempts int) *GenerationJob {
	t.Helper()
	job := newTestJob(t, projectID, delivery, maxAttempts)
	inserted, err := s.InsertIfAbsent(context.Background(), job)
	require.NoError(t, err)
	require.True(t, inserted)
	return job
}

func mustGet(t *testing.T, s *Store, id string) *GenerationJob {
	t.Helper()
	job, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func testAMConfig() *am.Config {
	return &am.Config{
		Pulse: am.PulseConfig{
			Workers:                   4,
			PollIntervalSeconds:       5,
			LeaseSeconds:              600,
			UnavailableBackoffSeconds: 60,
			StatusPollSeconds:         15,
			ShutdownTimeoutSeconds:    10,
		},
		Generation: am.GenerationConfig{
			WindowMinutes:          240,
			SafetyMarginMinutes:    15,
			MaxAttempts:            3,
			BackoffMinutes:         []int{30, 60},
			BlockedCountsAsAttempt: true,
		},
	}
}
