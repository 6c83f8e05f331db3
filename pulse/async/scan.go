package async

import (
	"database/sql"
	"encoding/json"
	"time"
)

// jobColumns is the standard column list for generation_jobs SELECT and RETURNING clauses.
// GetJobScanTargets must stay in the same order.
const jobColumns = `id, tenant_id, project_id, idempotency_key,
	scheduled_delivery_at, earliest_start_at, deadline_at,
	status, attempt_count, max_attempts, next_attempt_not_before,
	claimed_by, claimed_at, claim_expires_at, processing_started_at,
	workflow_handle, retired_handles, blocked_ledger_date, last_error, last_error_code,
	result_ref, cost_actual, created_at, updated_at, completed_at`

// JobScanArgs holds the intermediate values for one scanned row.
// Instants are stored as unix milliseconds.
type JobScanArgs struct {
	ScheduledDeliveryAt  int64
	EarliestStartAt      int64
	DeadlineAt           int64
	NextAttemptNotBefore int64
	CreatedAt            int64
	UpdatedAt            int64
	ClaimedBy            sql.NullString
	ClaimedAt            sql.NullInt64
	ClaimExpiresAt       sql.NullInt64
	ProcessingStartedAt  sql.NullInt64
	WorkflowHandle       sql.NullString
	RetiredHandles       sql.NullString
	BlockedLedgerDate    sql.NullString
	LastError            sql.NullString
	LastErrorCode        sql.NullString
	ResultRef            sql.NullString
	CompletedAt          sql.NullInt64
}

// GetJobScanTargets returns scan destinations in jobColumns order
func GetJobScanTargets(job *GenerationJob, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.TenantID,
		&job.ProjectID,
		&job.IdempotencyKey,
		&args.ScheduledDeliveryAt,
		&args.EarliestStartAt,
		&args.DeadlineAt,
		&job.Status,
		&job.AttemptCount,
		&job.MaxAttempts,
		&args.NextAttemptNotBefore,
		&args.ClaimedBy,
		&args.ClaimedAt,
		&args.ClaimExpiresAt,
		&args.ProcessingStartedAt,
		&args.WorkflowHandle,
		&args.RetiredHandles,
		&args.BlockedLedgerDate,
		&args.LastError,
		&args.LastErrorCode,
		&args.ResultRef,
		&job.CostActual,
		&args.CreatedAt,
		&args.UpdatedAt,
		&args.CompletedAt,
	}
}

// ProcessJobScanArgs copies the scanned intermediates onto the job
func ProcessJobScanArgs(job *GenerationJob, args *JobScanArgs) {
	job.ScheduledDeliveryAt = fromMillis(args.ScheduledDeliveryAt)
	job.EarliestStartAt = fromMillis(args.EarliestStartAt)
	job.DeadlineAt = fromMillis(args.DeadlineAt)
	job.CreatedAt = fromMillis(args.CreatedAt)
	job.UpdatedAt = fromMillis(args.UpdatedAt)
	job.NextAttemptNotBefore = time.Time{}
	if args.NextAttemptNotBefore > 0 {
		job.NextAttemptNotBefore = fromMillis(args.NextAttemptNotBefore)
	}

	job.ClaimedBy = args.ClaimedBy.String
	job.ClaimedAt = nullMillis(args.ClaimedAt)
	job.ClaimExpiresAt = nullMillis(args.ClaimExpiresAt)
	job.ProcessingStartedAt = nullMillis(args.ProcessingStartedAt)
	job.WorkflowHandle = args.WorkflowHandle.String
	job.RetiredHandles = decodeHandles(args.RetiredHandles)
	job.BlockedLedgerDate = args.BlockedLedgerDate.String
	job.LastError = args.LastError.String
	job.LastErrorCode = ErrorCode(args.LastErrorCode.String)
	job.ResultRef = args.ResultRef.String
	job.CompletedAt = nullMillis(args.CompletedAt)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*GenerationJob, error) {
	job := &GenerationJob{}
	args := &JobScanArgs{}
	if err := row.Scan(GetJobScanTargets(job, args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(job, args)
	return job, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// decodeHandles reads the retired handle list. A malformed value yields no
// handles; the current handle check still applies.
func decodeHandles(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var handles []string
	if err := json.Unmarshal([]byte(v.String), &handles); err != nil {
		return nil
	}
	return handles
}

func encodeHandles(handles []string) sql.NullString {
	if len(handles) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(handles)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
