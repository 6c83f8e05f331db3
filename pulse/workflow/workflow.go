// Package workflow defines the contracts with the external generation
// workflow and the delivery channel, and their HTTP and Redis implementations.
package workflow

import (
	"context"
	"time"

	"github.com/teranos/episodic/errors"
)

// ErrUnavailable means the workflow endpoint is not accepting work (circuit
// breaker open). Callers release the job instead of charging an attempt.
var ErrUnavailable = errors.Wrap(errors.ErrServiceUnavailable, "generation workflow unavailable")

// Request asks the workflow to generate one episode
type Request struct {
	JobID               string    `json:"job_id"`
	TenantID            string    `json:"tenant_id"`
	ProjectID           string    `json:"project_id"`
	ScheduledDeliveryAt time.Time `json:"scheduled_delivery_at"`
	DeadlineAt          time.Time `json:"deadline_at"`
	Attempt             int       `json:"attempt"`
	CallbackURL         string    `json:"callback_url,omitempty"`
}

// Handle identifies an accepted generation run
type Handle struct {
	ID         string    `json:"handle"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Outcome is the verdict of one generation run, delivered by callback or poll.
// Handle and Attempt echo the run's handle and the request's attempt; when set,
// an outcome from an earlier attempt is rejected.
type Outcome struct {
	Handle    string  `json:"handle,omitempty"`
	Attempt   int     `json:"attempt,omitempty"`
	Success   bool    `json:"success"`
	ResultRef string  `json:"result_ref,omitempty"`
	Cost      float64 `json:"cost"`
	Error     string  `json:"error,omitempty"`
}

// Validate rejects outcomes that cannot be applied
func (o Outcome) Validate() error {
	if o.Attempt < 0 {
		return errors.NewInvalidRequestError("attempt must not be negative, got %d", o.Attempt)
	}
	if o.Cost < 0 {
		return errors.NewInvalidRequestError("cost must not be negative, got %v", o.Cost)
	}
	if o.Success && o.ResultRef == "" {
		return errors.NewInvalidRequestError("successful outcome requires result_ref")
	}
	if !o.Success && o.Error == "" {
		return errors.NewInvalidRequestError("failed outcome requires error")
	}
	return nil
}

// Generator starts generation runs. StartGeneration returns once the
// workflow accepted the run; the outcome arrives later.
type Generator interface {
	StartGeneration(ctx context.Context, req Request) (Handle, error)
}

// StatusPoller is implemented by generators that can report a run's outcome.
// done is false while the run is still in progress.
type StatusPoller interface {
	PollStatus(ctx context.Context, handle string) (out Outcome, done bool, err error)
}

// Delivery announces that a project's episode is ready
type Delivery struct {
	JobID               string    `json:"job_id"`
	TenantID            string    `json:"tenant_id"`
	ProjectID           string    `json:"project_id"`
	ScheduledDeliveryAt time.Time `json:"scheduled_delivery_at"`
	ResultRef           string    `json:"result_ref"`
}

// Notifier hands a finished episode to the delivery channel
type Notifier interface {
	NotifyReady(ctx context.Context, d Delivery) error
}
