package server

import (
	"net/http"

	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/async"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// JobsResponse is the body of GET /api/jobs
type JobsResponse struct {
	Jobs  []*async.GenerationJob `json:"jobs"`
	Count int                    `json:"count"`
}

// HandleJobs handles GET /api/jobs?status=pending,failed&tenant=&project=&limit=
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	filter := async.JobFilter{
		TenantID:  q.Get("tenant"),
		ProjectID: q.Get("project"),
		Limit:     queryLimit(r, defaultJobLimit, maxJobLimit),
	}
	statuses, err := async.ParseStatuses(q.Get("status"))
	if err != nil {
		writeErr(w, err)
		return
	}
	filter.Statuses = statuses

	jobs, err := s.svc.Jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Errorw("Failed to list jobs", "error", err)
		writeErr(w, err)
		return
	}
	if jobs == nil {
		jobs = []*async.GenerationJob{}
	}
	writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleJob handles GET /api/jobs/{id}
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := s.svc.Jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleJobCancel handles POST /api/jobs/{id}/cancel
func (s *Server) HandleJobCancel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	jobID := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &body); err != nil {
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}

	now := s.clock()
	job, err := s.svc.Jobs.Cancel(r.Context(), jobID, body.Reason, now)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.svc.Events.EmitJob(async.EventCancelled, job, now)
	logger.AddPulseSymbol(s.logger).Infow("Job cancelled",
		logger.FieldJobID, job.ID,
		"job_short", shortID(job.ID),
		logger.FieldProjectID, job.ProjectID,
		"reason", body.Reason)
	writeJSON(w, http.StatusOK, job)
}

// HandleJobStats handles GET /api/jobs/stats
func (s *Server) HandleJobStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := s.svc.Jobs.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
