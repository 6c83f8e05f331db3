package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/workflow"
)

// CompletionRequest is the body of a workflow completion callback
type CompletionRequest struct {
	JobID string `json:"job_id"`
	workflow.Outcome
}

// CompletionResponse tells the workflow whether its outcome was applied
type CompletionResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"` // "applied" or "duplicate"
}

// HandleWorkflowComplete handles POST /api/workflow/complete.
// A repeated or stale callback is acknowledged as a duplicate and changes nothing,
// so workflows can retry delivery of a callback safely.
func (s *Server) HandleWorkflowComplete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req CompletionRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "Missing job_id")
		return
	}

	ctx := logger.WithRequestID(logger.WithJobID(r.Context(), req.JobID), requestID(r))
	log := logger.LoggerFromContext(ctx, logger.AddPulseSymbol(s.logger)).With("handle", req.Handle, logger.FieldAttempt, req.Attempt)
	err := s.svc.Dispatcher.Complete(ctx, req.JobID, req.Outcome)
	switch {
	case err == nil:
		log.Infow("Workflow outcome applied", "success", req.Success, "cost", req.Cost)
		writeJSON(w, http.StatusOK, CompletionResponse{JobID: req.JobID, Status: "applied"})
	case errors.Is(err, async.ErrInvalidTransition):
		log.Infow("Duplicate or stale workflow outcome ignored", logger.FieldError, err)
		writeJSON(w, http.StatusOK, CompletionResponse{JobID: req.JobID, Status: "duplicate"})
	default:
		log.Warnw("Workflow outcome rejected", logger.FieldError, err)
		writeErr(w, err)
	}
}

// requestID returns the caller's X-Request-ID or a fresh one
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}
