package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/episodic/db"
	"github.com/teranos/episodic/errors"
)

// claimableWhere selects jobs a worker may start now. Parameters: now three times.
const claimableWhere = `status = 'pending'
	AND earliest_start_at <= ?
	AND next_attempt_not_before <= ?
	AND deadline_at > ?
	AND attempt_count < max_attempts`

const claimOrder = `ORDER BY scheduled_delivery_at, created_at`

// claimSet assigns the lease and consumes an attempt.
// Parameters: workerID, claimedAt, claimExpiresAt, updatedAt.
const claimSet = `status = 'claimed',
	claimed_by = ?,
	claimed_at = ?,
	claim_expires_at = ?,
	processing_started_at = NULL,
	attempt_count = attempt_count + 1,
	updated_at = ?`

func (s *Store) prepareClaimQueries() {
	// SQLite serialises writers, so one statement that re-checks the status
	// is enough for an exclusive claim.
	s.qClaimSQLite = s.dialect.Rebind(`UPDATE generation_jobs SET ` + claimSet + `
		WHERE id = (SELECT id FROM generation_jobs WHERE ` + claimableWhere + ` ` + claimOrder + ` LIMIT 1)
		AND status = 'pending'
		RETURNING ` + jobColumns)

	// PostgreSQL: lock one row, skipping rows other workers are claiming.
	s.qClaimPick = s.dialect.Rebind(`SELECT id FROM generation_jobs WHERE ` + claimableWhere + ` ` + claimOrder + `
		LIMIT 1 FOR UPDATE SKIP LOCKED`)
	s.qClaimTake = s.dialect.Rebind(`UPDATE generation_jobs SET ` + claimSet + `
		WHERE id = ? AND status = 'pending'
		RETURNING ` + jobColumns)
}

// ClaimNext atomically claims the most urgent eligible job for workerID.
// Returns nil, nil when nothing is eligible. No two callers ever receive the same job.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*GenerationJob, error) {
	nowMS := toMillis(now)
	expires := toMillis(now.Add(lease))

	var (
		job *GenerationJob
		err error
	)
	if s.dialect == db.Postgres {
		job, err = s.claimLocked(ctx, workerID, nowMS, expires)
	} else {
		job, err = scanJob(s.db.QueryRowContext(ctx, s.qClaimSQLite,
			workerID, nowMS, expires, nowMS,
			nowMS, nowMS, nowMS))
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to claim job for %s", workerID)
	}
	return job, nil
}

func (s *Store) claimLocked(ctx context.Context, workerID string, nowMS, expires int64) (*GenerationJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	var id string
	if err := tx.QueryRowContext(ctx, s.qClaimPick, nowMS, nowMS, nowMS).Scan(&id); err != nil {
		return nil, err
	}
	job, err := scanJob(tx.QueryRowContext(ctx, s.qClaimTake, workerID, nowMS, expires, nowMS, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}
	return job, nil
}
