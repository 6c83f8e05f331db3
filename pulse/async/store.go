package async

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/teranos/episodic/db"
	"github.com/teranos/episodic/errors"
)

// CostRecorder increments the tenant's cost ledger inside the caller's transaction.
// budget.Ledger implements it.
type CostRecorder interface {
	AddTx(ctx context.Context, tx *sql.Tx, tenantID string, now time.Time, cost float64) error
}

// Store persists generation jobs and enforces the status state machine.
// Every mutation reads the row and writes it back in one transaction, guarded
// on the status it read, so concurrent writers cannot skip a transition.
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	ledger  CostRecorder

	qInsert      string
	qGet         string
	qGetForWrite string
	qByKey       string
	qSave        string
	qStats       string
	qClaimSQLite string
	qClaimPick   string
	qClaimTake   string
}

// NewStore creates a job store. ledger may be nil, in which case reported costs
// are kept on the job only.
func NewStore(conn *sql.DB, dialect db.Dialect, ledger CostRecorder) *Store {
	forUpdate := ""
	if dialect == db.Postgres {
		forUpdate = " FOR UPDATE"
	}
	s := &Store{
		db:      conn,
		dialect: dialect,
		ledger:  ledger,
		qInsert: dialect.Rebind(`INSERT INTO generation_jobs (
				id, tenant_id, project_id, idempotency_key,
				scheduled_delivery_at, earliest_start_at, deadline_at,
				status, attempt_count, max_attempts, next_attempt_not_before,
				cost_actual, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`),
		qGet:         dialect.Rebind(`SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = ?`),
		qGetForWrite: dialect.Rebind(`SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = ?` + forUpdate),
		qByKey: dialect.Rebind(`SELECT ` + jobColumns + ` FROM generation_jobs
			WHERE idempotency_key = ? AND status <> 'cancelled'`),
		qSave: dialect.Rebind(`UPDATE generation_jobs SET
				status = ?, attempt_count = ?, next_attempt_not_before = ?,
				claimed_by = ?, claimed_at = ?, claim_expires_at = ?, processing_started_at = ?,
				workflow_handle = ?, retired_handles = ?, blocked_ledger_date = ?, last_error = ?, last_error_code = ?,
				result_ref = ?, cost_actual = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND status = ?`),
		qStats: `SELECT status, COUNT(*) FROM generation_jobs GROUP BY status`,
	}
	s.prepareClaimQueries()
	return s
}

// Dialect returns the SQL dialect the store was built for
func (s *Store) Dialect() db.Dialect {
	return s.dialect
}

// InsertIfAbsent inserts a pending job unless a live job with the same
// idempotency key exists. Duplicates are absorbed, not errors.
func (s *Store) InsertIfAbsent(ctx context.Context, job *GenerationJob) (bool, error) {
	if job.Status == "" {
		job.Status = StatusPending
	}
	res, err := s.db.ExecContext(ctx, s.qInsert,
		job.ID,
		job.TenantID,
		job.ProjectID,
		job.IdempotencyKey,
		toMillis(job.ScheduledDeliveryAt),
		toMillis(job.EarliestStartAt),
		toMillis(job.DeadlineAt),
		string(job.Status),
		job.AttemptCount,
		job.MaxAttempts,
		toMillis(job.NextAttemptNotBefore),
		job.CostActual,
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to insert job %s", job.IdempotencyKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n == 1, nil
}

// GetJob returns a job by id
func (s *Store) GetJob(ctx context.Context, jobID string) (*GenerationJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, s.qGet, jobID))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", jobID)
	}
	return job, nil
}

// FindByIdempotencyKey returns the live (non-cancelled) job for a delivery slot
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*GenerationJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, s.qByKey, key))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job for slot %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find job %s", key)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Statuses  []Status
	TenantID  string
	ProjectID string
	Limit     int
	Ascending bool // earliest delivery first
}

// ListJobs returns jobs matching the filter, most recent delivery first unless Ascending
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*GenerationJob, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}

	query := `SELECT ` + jobColumns + ` FROM generation_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY scheduled_delivery_at ASC, created_at ASC"
	} else {
		query += " ORDER BY scheduled_delivery_at DESC, created_at DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Wrap(rows.Err(), "failed to iterate jobs")
}

// Stats returns the number of jobs per status. Every status is present.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, s.qStats)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	stats := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		stats[st] = 0
	}
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		stats[st] = n
	}
	return stats, errors.Wrap(rows.Err(), "failed to iterate job counts")
}

// MarkProcessing records that the workflow accepted the job. Only the worker
// holding an unexpired claim may do this; anyone else gets ErrLeaseLost.
func (s *Store) MarkProcessing(ctx context.Context, jobID, workerID, handle string, now time.Time) (*GenerationJob, error) {
	job, err := s.mutate(ctx, jobID, now, []Status{StatusClaimed}, func(_ *sql.Tx, job *GenerationJob) error {
		if err := checkOwner(job, workerID, now); err != nil {
			return err
		}
		t := now.UTC()
		job.Status = StatusProcessing
		job.WorkflowHandle = handle
		job.ProcessingStartedAt = &t
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil, errors.Wrapf(ErrLeaseLost, "job %s is no longer claimed", jobID)
	}
	return job, err
}

// AttemptRef names the generation run an outcome belongs to. Zero fields are
// not checked.
type AttemptRef struct {
	Handle  string
	Attempt int
}

// MarkSucceeded records a successful outcome and charges its cost to the
// tenant's ledger in the same transaction. An outcome from another attempt
// is rejected as stale.
func (s *Store) MarkSucceeded(ctx context.Context, jobID string, ref AttemptRef, resultRef string, cost float64, now time.Time) (*GenerationJob, error) {
	return s.mutate(ctx, jobID, now, []Status{StatusClaimed, StatusProcessing}, func(tx *sql.Tx, job *GenerationJob) error {
		if err := checkAttempt(job, ref); err != nil {
			return err
		}
		t := now.UTC()
		job.Status = StatusSucceeded
		job.ResultRef = resultRef
		job.CostActual += cost
		job.LastError = ""
		job.LastErrorCode = ""
		job.ClaimExpiresAt = nil
		job.CompletedAt = &t
		return s.charge(ctx, tx, job, now, cost)
	})
}

// MarkFailed records a failed attempt. The retry policy decides inside the
// transaction whether the job returns to pending or becomes failed.
func (s *Store) MarkFailed(ctx context.Context, jobID string, ref AttemptRef, reason string, cost float64, now time.Time, policy RetryPolicy) (*GenerationJob, bool, error) {
	var retried bool
	job, err := s.mutate(ctx, jobID, now, []Status{StatusClaimed, StatusProcessing}, func(tx *sql.Tx, job *GenerationJob) error {
		if err := checkAttempt(job, ref); err != nil {
			return err
		}
		retried = failAttempt(job, reason, ClassifyMessage(reason), cost, now, policy)
		return s.charge(ctx, tx, job, now, cost)
	})
	return job, retried, err
}

// MarkBlocked parks a claimed job that the admission controller rejected.
// The attempt is refunded unless chargeAttempt is set.
func (s *Store) MarkBlocked(ctx context.Context, jobID, workerID, ledgerDate, reason string, now time.Time, chargeAttempt bool) (*GenerationJob, error) {
	job, err := s.mutate(ctx, jobID, now, []Status{StatusClaimed}, func(_ *sql.Tx, job *GenerationJob) error {
		if err := checkOwner(job, workerID, now); err != nil {
			return err
		}
		job.Status = StatusBlocked
		job.BlockedLedgerDate = ledgerDate
		job.LastError = reason
		job.LastErrorCode = ErrorCodeCostCapped
		if !chargeAttempt {
			refundAttempt(job)
		}
		clearClaim(job)
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil, errors.Wrapf(ErrLeaseLost, "job %s is no longer claimed", jobID)
	}
	return job, err
}

// Release hands a claim back without a verdict. The job is claimable again at
// notBefore; refund gives back the attempt the claim consumed.
func (s *Store) Release(ctx context.Context, jobID, workerID string, notBefore time.Time, reason string, now time.Time, refund bool) (*GenerationJob, error) {
	job, err := s.mutate(ctx, jobID, now, []Status{StatusClaimed}, func(_ *sql.Tx, job *GenerationJob) error {
		if job.ClaimedBy != workerID {
			return errors.Wrapf(ErrLeaseLost, "job %s is claimed by %s", job.ID, job.ClaimedBy)
		}
		job.Status = StatusPending
		job.NextAttemptNotBefore = notBefore.UTC()
		if reason != "" {
			job.LastError = reason
			job.LastErrorCode = ClassifyMessage(reason)
		}
		if refund {
			refundAttempt(job)
		}
		clearClaim(job)
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil, errors.Wrapf(ErrLeaseLost, "job %s is no longer claimed", jobID)
	}
	return job, err
}

// Cancel moves a pending, claimed or blocked job to cancelled
func (s *Store) Cancel(ctx context.Context, jobID, reason string, now time.Time) (*GenerationJob, error) {
	return s.mutate(ctx, jobID, now, sourcesOf(StatusCancelled), func(_ *sql.Tx, job *GenerationJob) error {
		t := now.UTC()
		job.Status = StatusCancelled
		job.LastError = reason
		job.LastErrorCode = ""
		job.CompletedAt = &t
		clearClaim(job)
		return nil
	})
}

// CancelProject cancels every outstanding job of a project and returns them.
// Jobs already processing are left to finish.
func (s *Store) CancelProject(ctx context.Context, projectID, reason string, now time.Time) ([]*GenerationJob, error) {
	ids, err := s.selectIDs(ctx, `SELECT id FROM generation_jobs
		WHERE project_id = ? AND status IN ('pending', 'claimed', 'blocked')`, projectID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find jobs of project %s", projectID)
	}
	var cancelled []*GenerationJob
	for _, id := range ids {
		job, err := s.Cancel(ctx, id, reason, now)
		if errors.Is(err, ErrInvalidTransition) {
			continue // moved on concurrently
		}
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, job)
	}
	return cancelled, nil
}

// ReleaseExpiredClaims recovers jobs whose lease ran out. An expired claim
// returns to pending with its attempt refunded; an expired processing job
// counts as a failed attempt and goes through the retry policy.
func (s *Store) ReleaseExpiredClaims(ctx context.Context, now time.Time, policy RetryPolicy) (requeued, failed []*GenerationJob, err error) {
	ids, err := s.selectIDs(ctx, `SELECT id FROM generation_jobs
		WHERE status IN ('claimed', 'processing') AND claim_expires_at <= ?`, toMillis(now))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to find expired claims")
	}
	for _, id := range ids {
		job, err := s.mutate(ctx, id, now, []Status{StatusClaimed, StatusProcessing}, func(_ *sql.Tx, job *GenerationJob) error {
			if job.ClaimExpiresAt == nil || job.ClaimExpiresAt.After(now) {
				return errors.Wrapf(ErrInvalidTransition, "lease of job %s was renewed", job.ID)
			}
			if job.Status == StatusClaimed {
				job.Status = StatusPending
				job.LastError = "lease expired before workflow start"
				job.LastErrorCode = ErrorCodeLeaseExpired
				refundAttempt(job)
				clearClaim(job)
				return nil
			}
			failAttempt(job, "lease expired while awaiting workflow outcome", ErrorCodeLeaseExpired, 0, now, policy)
			return nil
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return requeued, failed, err
		}
		if job.Status == StatusFailed {
			failed = append(failed, job)
		} else {
			requeued = append(requeued, job)
		}
	}
	return requeued, failed, nil
}

// BlockedTenants returns tenants with jobs blocked on a ledger date before today
func (s *Store) BlockedTenants(ctx context.Context, today string) ([]string, error) {
	tenants, err := s.selectIDs(ctx, `SELECT DISTINCT tenant_id FROM generation_jobs
		WHERE status = 'blocked' AND blocked_ledger_date < ?`, today)
	return tenants, errors.Wrap(err, "failed to find blocked tenants")
}

// ReleaseBlocked re-admits jobs blocked on an earlier ledger date. Jobs whose
// window has closed, or with no attempts left, fail instead.
func (s *Store) ReleaseBlocked(ctx context.Context, now time.Time, today string) (resumed, failed []*GenerationJob, err error) {
	ids, err := s.selectIDs(ctx, `SELECT id FROM generation_jobs
		WHERE status = 'blocked' AND blocked_ledger_date < ?`, today)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to find blocked jobs")
	}
	for _, id := range ids {
		job, err := s.mutate(ctx, id, now, []Status{StatusBlocked}, func(_ *sql.Tx, job *GenerationJob) error {
			if !now.Before(job.DeadlineAt) || job.AttemptCount >= job.MaxAttempts {
				finalize(job, "generation window expired while blocked by the daily cost cap", ErrorCodeWindowExpired, now)
				return nil
			}
			job.Status = StatusPending
			job.BlockedLedgerDate = ""
			job.NextAttemptNotBefore = time.Time{}
			return nil
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return resumed, failed, err
		}
		if job.Status == StatusFailed {
			failed = append(failed, job)
		} else {
			resumed = append(resumed, job)
		}
	}
	return resumed, failed, nil
}

// ExpireOverdue fails pending and blocked jobs whose deadline has passed.
// ClaimNext never hands these out, so without this they would linger.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) ([]*GenerationJob, error) {
	ids, err := s.selectIDs(ctx, `SELECT id FROM generation_jobs
		WHERE status IN ('pending', 'blocked') AND deadline_at <= ?`, toMillis(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to find overdue jobs")
	}
	var expired []*GenerationJob
	for _, id := range ids {
		job, err := s.mutate(ctx, id, now, []Status{StatusPending, StatusBlocked}, func(_ *sql.Tx, job *GenerationJob) error {
			if now.Before(job.DeadlineAt) {
				return errors.Wrapf(ErrInvalidTransition, "job %s is not overdue", job.ID)
			}
			finalize(job, "generation window expired", ErrorCodeWindowExpired, now)
			return nil
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, job)
	}
	return expired, nil
}

// mutate loads the job inside a transaction, checks its status against from,
// applies fn and writes the row back guarded on the status it read.
func (s *Store) mutate(ctx context.Context, jobID string, now time.Time, from []Status, fn func(tx *sql.Tx, job *GenerationJob) error) (*GenerationJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, s.qGetForWrite, jobID))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", jobID)
	}

	prev := job.Status
	if !statusIn(prev, from) {
		return nil, errors.WithDetailf(
			errors.Wrapf(ErrInvalidTransition, "job %s is %s", jobID, prev),
			"Allowed source states: %v", from)
	}
	if err := fn(tx, job); err != nil {
		return nil, err
	}
	if job.Status != prev && !prev.CanTransitionTo(job.Status) {
		return nil, errors.AssertionFailedf("illegal transition %s -> %s for job %s", prev, job.Status, jobID)
	}
	job.UpdatedAt = now.UTC().Truncate(time.Millisecond)

	res, err := tx.ExecContext(ctx, s.qSave,
		string(job.Status),
		job.AttemptCount,
		toMillis(job.NextAttemptNotBefore),
		nullString(job.ClaimedBy),
		nullTime(job.ClaimedAt),
		nullTime(job.ClaimExpiresAt),
		nullTime(job.ProcessingStartedAt),
		nullString(job.WorkflowHandle),
		encodeHandles(job.RetiredHandles),
		nullString(job.BlockedLedgerDate),
		nullString(job.LastError),
		nullString(string(job.LastErrorCode)),
		nullString(job.ResultRef),
		job.CostActual,
		toMillis(job.UpdatedAt),
		nullTime(job.CompletedAt),
		job.ID,
		string(prev),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update job %s", jobID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, errors.Wrap(err, "failed to read rows affected")
	} else if n != 1 {
		return nil, errors.Wrapf(ErrInvalidTransition, "job %s changed concurrently", jobID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit job %s", jobID)
	}
	return job, nil
}

func (s *Store) charge(ctx context.Context, tx *sql.Tx, job *GenerationJob, now time.Time, cost float64) error {
	if s.ledger == nil {
		return nil
	}
	if err := s.ledger.AddTx(ctx, tx, job.TenantID, now, cost); err != nil {
		return errors.Wrapf(err, "failed to charge cost of job %s", job.ID)
	}
	return nil
}

func (s *Store) selectIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// failAttempt applies the retry policy to a failed attempt. Returns true if retried.
func failAttempt(job *GenerationJob, reason string, code ErrorCode, cost float64, now time.Time, policy RetryPolicy) bool {
	job.CostActual += cost
	if next, ok := policy.NextAttempt(job, now); ok {
		job.Status = StatusPending
		job.NextAttemptNotBefore = next.UTC()
		job.LastError = reason
		job.LastErrorCode = code
		retireHandle(job)
		clearClaim(job)
		return true
	}
	finalize(job, reason, code, now)
	return false
}

func finalize(job *GenerationJob, reason string, code ErrorCode, now time.Time) {
	t := now.UTC()
	job.Status = StatusFailed
	job.LastError = reason
	job.LastErrorCode = code
	job.ClaimExpiresAt = nil
	job.CompletedAt = &t
}

func checkOwner(job *GenerationJob, workerID string, now time.Time) error {
	if job.ClaimedBy != workerID {
		return errors.Wrapf(ErrLeaseLost, "job %s is claimed by %s", job.ID, job.ClaimedBy)
	}
	if job.ClaimExpiresAt != nil && !now.Before(*job.ClaimExpiresAt) {
		return errors.Wrapf(ErrLeaseLost, "lease on job %s expired at %s", job.ID, job.ClaimExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// checkAttempt rejects an outcome that belongs to an earlier attempt. The
// current attempt may still be claimed with no handle recorded, so retired
// handles are checked as well as the current one.
func checkAttempt(job *GenerationJob, ref AttemptRef) error {
	stale := func(detail string) error {
		return errors.WithDetail(
			errors.Wrapf(ErrInvalidTransition, "stale outcome for job %s", job.ID), detail)
	}
	if ref.Attempt > 0 && ref.Attempt != job.AttemptCount {
		return stale(fmt.Sprintf("Outcome attempt %d, current attempt %d", ref.Attempt, job.AttemptCount))
	}
	if ref.Handle == "" {
		return nil
	}
	if slices.Contains(job.RetiredHandles, ref.Handle) {
		return stale(fmt.Sprintf("Outcome handle %s belongs to an earlier attempt", ref.Handle))
	}
	if job.WorkflowHandle != "" && ref.Handle != job.WorkflowHandle {
		return stale(fmt.Sprintf("Outcome handle %s, current handle %s", ref.Handle, job.WorkflowHandle))
	}
	return nil
}

// retireHandle moves the current workflow handle to the retired list
func retireHandle(job *GenerationJob) {
	if job.WorkflowHandle != "" {
		job.RetiredHandles = append(job.RetiredHandles, job.WorkflowHandle)
	}
	job.WorkflowHandle = ""
}

func refundAttempt(job *GenerationJob) {
	if job.AttemptCount > 0 {
		job.AttemptCount--
	}
}

func clearClaim(job *GenerationJob) {
	job.ClaimedBy = ""
	job.ClaimedAt = nil
	job.ClaimExpiresAt = nil
	job.ProcessingStartedAt = nil
}

func statusIn(s Status, set []Status) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
