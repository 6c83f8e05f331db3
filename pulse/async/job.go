// Package async holds generation jobs: their state machine, the durable store
// that enforces it, and the dispatcher that claims and runs them.
package async

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/episodic/errors"
)

// Status is a generation job's lifecycle state
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusPending, StatusClaimed, StatusProcessing, StatusBlocked,
	StatusSucceeded, StatusFailed, StatusCancelled,
}

// transitions is the legal state machine. Store mutations guard on these.
var transitions = map[Status][]Status{
	StatusPending:    {StatusClaimed, StatusCancelled, StatusFailed},
	StatusClaimed:    {StatusProcessing, StatusPending, StatusBlocked, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusSucceeded, StatusFailed, StatusPending},
	StatusBlocked:    {StatusPending, StatusFailed, StatusCancelled},
}

// IsValidStatus returns true if the string names a Status
func IsValidStatus(s string) bool {
	for _, st := range AllStatuses {
		if string(st) == s {
			return true
		}
	}
	return false
}

// ParseStatuses parses a comma-separated status list such as "pending,blocked"
func ParseStatuses(raw string) ([]Status, error) {
	var out []Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !IsValidStatus(part) {
			return nil, errors.NewInvalidRequestError("unknown status %q", part)
		}
		out = append(out, Status(part))
	}
	return out, nil
}

// CanTransitionTo reports whether s -> next is legal
func (s Status) CanTransitionTo(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// IsTerminal reports succeeded, failed and cancelled
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// sourcesOf returns every status that may move to target
func sourcesOf(target Status) []Status {
	var out []Status
	for _, from := range AllStatuses {
		if from.CanTransitionTo(target) {
			out = append(out, from)
		}
	}
	return out
}

// GenerationJob is one attempt-bounded unit of work producing the episode for
// one delivery slot of one project
type GenerationJob struct {
	ID                   string     `json:"id"`
	TenantID             string     `json:"tenant_id"`
	ProjectID            string     `json:"project_id"`
	IdempotencyKey       string     `json:"idempotency_key"`
	ScheduledDeliveryAt  time.Time  `json:"scheduled_delivery_at"`
	EarliestStartAt      time.Time  `json:"earliest_start_at"`
	DeadlineAt           time.Time  `json:"deadline_at"` // scheduled delivery minus safety margin
	Status               Status     `json:"status"`
	AttemptCount         int        `json:"attempt_count"`
	MaxAttempts          int        `json:"max_attempts"`
	NextAttemptNotBefore time.Time  `json:"next_attempt_not_before,omitempty"`
	ClaimedBy            string     `json:"claimed_by,omitempty"`
	ClaimedAt            *time.Time `json:"claimed_at,omitempty"`
	ClaimExpiresAt       *time.Time `json:"claim_expires_at,omitempty"`
	ProcessingStartedAt  *time.Time `json:"processing_started_at,omitempty"`
	WorkflowHandle       string     `json:"workflow_handle,omitempty"`
	RetiredHandles       []string   `json:"retired_handles,omitempty"` // handles of earlier attempts
	BlockedLedgerDate    string     `json:"blocked_ledger_date,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	LastErrorCode        ErrorCode  `json:"last_error_code,omitempty"`
	ResultRef            string     `json:"result_ref,omitempty"`
	CostActual           float64    `json:"cost_actual"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// IdempotencyKey derives the per-slot key: project id plus the UTC delivery instant
func IdempotencyKey(projectID string, delivery time.Time) string {
	return projectID + "@" + delivery.UTC().Format(time.RFC3339)
}

// Window fixes the generation window of a job at creation time
type Window struct {
	Generation   time.Duration // earliest start = delivery - Generation
	SafetyMargin time.Duration // deadline = delivery - SafetyMargin
}

// NewGenerationJob creates a pending job for the delivery slot
func NewGenerationJob(tenantID, projectID string, delivery time.Time, w Window, maxAttempts int, now time.Time) (*GenerationJob, error) {
	if tenantID == "" || projectID == "" {
		return nil, errors.NewInvalidRequestError("tenant and project are required")
	}
	if maxAttempts < 1 {
		return nil, errors.NewInvalidRequestError("max attempts must be >= 1, got %d", maxAttempts)
	}
	if w.SafetyMargin >= w.Generation {
		return nil, errors.NewInvalidRequestError("safety margin %s must be smaller than generation window %s",
			w.SafetyMargin, w.Generation)
	}

	delivery = delivery.UTC().Truncate(time.Millisecond)
	now = now.UTC().Truncate(time.Millisecond)
	return &GenerationJob{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		ProjectID:           projectID,
		IdempotencyKey:      IdempotencyKey(projectID, delivery),
		ScheduledDeliveryAt: delivery,
		EarliestStartAt:     delivery.Add(-w.Generation),
		DeadlineAt:          delivery.Add(-w.SafetyMargin),
		Status:              StatusPending,
		MaxAttempts:         maxAttempts,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// AttemptsRemaining returns how many attempts the job may still start
func (j *GenerationJob) AttemptsRemaining() int {
	if n := j.MaxAttempts - j.AttemptCount; n > 0 {
		return n
	}
	return 0
}

// String is used in log lines
func (j *GenerationJob) String() string {
	return fmt.Sprintf("%s[%s %s attempt %d/%d]", j.ID, j.ProjectID,
		j.ScheduledDeliveryAt.Format(time.RFC3339), j.AttemptCount, j.MaxAttempts)
}
