package async

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/episodic/db"
	episodictest "github.com/teranos/episodic/internal/testing"
)

// Given: 40 eligible jobs and 8 workers on separate connections
// When: every worker claims until nothing is left
// Then: each job is claimed exactly once
func TestConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	conn := episodictest.CreateFileTestDB(t, 8)
	s := NewStore(conn, db.SQLite, nil)

	const jobs = 40
	for i := 0; i < jobs; i++ {
		insertTestJob(t, s, fmt.Sprintf("proj-%02d", i), testDelivery.Add(time.Duration(i)*time.Minute), 3)
	}

	var (
		mu      sync.Mutex
		claims  = make(map[string]string)
		dupes   []string
		wg      sync.WaitGroup
		errs    = make(chan error, 8)
		claimAt = testDelivery.Add(-time.Hour)
	)
	for w := 0; w < 8; w++ {
		workerID := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, workerID, claimAt, testLease)
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, ok := claims[job.ID]; ok {
					dupes = append(dupes, job.ID+" by "+prev+" and "+workerID)
				}
				claims[job.ID] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Empty(t, dupes)
	assert.Len(t, claims, jobs)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs, stats[StatusClaimed])
	assert.Equal(t, 0, stats[StatusPending])
}

func claimRow(id string, now time.Time) []driver.Value {
	ms := now.UnixMilli()
	return []driver.Value{
		id, "tenant-a", "proj-1", "proj-1@2025-03-31T09:00:00Z",
		testDelivery.UnixMilli(), testDelivery.Add(-4 * time.Hour).UnixMilli(), testDelivery.Add(-15 * time.Minute).UnixMilli(),
		"claimed", int64(1), int64(3), int64(0),
		"pg-worker", ms, now.Add(testLease).UnixMilli(), nil,
		nil, nil, nil, nil, nil,
		nil, 0.0, ms, ms, nil,
	}
}

func jobColumnNames() []string {
	cols := strings.Split(jobColumns, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}

func TestPostgresClaimUsesSkipLocked(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	s := NewStore(conn, db.Postgres, nil)
	now := testNow
	ms := now.UnixMilli()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM generation_jobs WHERE status = 'pending'.*ORDER BY scheduled_delivery_at, created_at\s+LIMIT 1 FOR UPDATE SKIP LOCKED`).
		WithArgs(ms, ms, ms).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectQuery(`UPDATE generation_jobs SET status = 'claimed'.*WHERE id = \$5 AND status = 'pending'\s+RETURNING`).
		WithArgs("pg-worker", ms, now.Add(testLease).UnixMilli(), ms, "job-1").
		WillReturnRows(sqlmock.NewRows(jobColumnNames()).AddRow(claimRow("job-1", now)...))
	mock.ExpectCommit()

	job, err := s.ClaimNext(context.Background(), "pg-worker", now, testLease)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, StatusClaimed, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, testDelivery, job.ScheduledDeliveryAt)
	require.NotNil(t, job.ClaimExpiresAt)
	assert.Equal(t, now.Add(testLease), *job.ClaimExpiresAt)
	assert.Nil(t, job.ProcessingStartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimWithNothingEligible(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	s := NewStore(conn, db.Postgres, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	job, err := s.ClaimNext(context.Background(), "pg-worker", testNow, testLease)
	require.NoError(t, err)
	assert.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMutationsLockTheRow(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	s := NewStore(conn, db.Postgres, nil)
	row := claimRow("job-1", testNow)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM generation_jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobColumnNames()).AddRow(row...))
	mock.ExpectExec(`UPDATE generation_jobs SET\s+status = \$1.*WHERE id = \$17 AND status = \$18`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := s.MarkProcessing(context.Background(), "job-1", "pg-worker", "run-1", testNow.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
