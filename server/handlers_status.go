package server

import (
	"net/http"

	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/budget"
	"github.com/teranos/episodic/version"
)

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	State     string                 `json:"state"`
	Version   version.Info           `json:"version"`
	Metrics   async.SystemMetrics    `json:"metrics"`
	Scheduler map[string]interface{} `json:"scheduler,omitempty"`
	Breaker   string                 `json:"breaker,omitempty"`
	Limiter   *LimiterStatus         `json:"limiter,omitempty"`
	Streams   StreamStatus           `json:"streams"`
}

// LimiterStatus reports the workflow start limiter
type LimiterStatus struct {
	PerMinute int `json:"per_minute"`
	Remaining int `json:"remaining"`
}

// StreamStatus reports job event stream health
type StreamStatus struct {
	Clients       int   `json:"clients"`
	EventsDropped int64 `json:"events_dropped"`
}

// BudgetResponse is the body of GET /api/budget/{tenant}
type BudgetResponse struct {
	Today   *budget.Status `json:"today"`
	History []budget.Entry `json:"history"`
}

// HandleHealth handles GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	status := http.StatusOK
	if s.getState() != ServerStateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": stateString(s.getState())})
}

// HandleStatus handles GET /api/status
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	resp := StatusResponse{
		State:   stateString(s.getState()),
		Version: version.Get(),
		Metrics: s.svc.Dispatcher.SystemMetrics(r.Context()),
		Streams: StreamStatus{
			Clients:       s.ClientCount(),
			EventsDropped: s.svc.Events.Dropped(),
		},
	}
	if s.svc.Scheduler != nil {
		resp.Scheduler = s.svc.Scheduler.Stats()
	}
	if s.svc.Breaker != nil {
		resp.Breaker = s.svc.Breaker.BreakerState()
	}
	if s.svc.Limiter != nil {
		remaining, perMinute := s.svc.Limiter.Stats()
		resp.Limiter = &LimiterStatus{PerMinute: perMinute, Remaining: remaining}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleBudget handles GET /api/budget/{tenant}?limit=
func (s *Server) HandleBudget(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	tenant := r.PathValue("tenant")
	today, err := s.svc.Tracker.Status(r.Context(), tenant, s.clock())
	if err != nil {
		writeErr(w, err)
		return
	}
	history, err := s.svc.Tracker.Ledger().ListEntries(r.Context(), tenant, queryLimit(r, 30, 366))
	if err != nil {
		writeErr(w, err)
		return
	}
	if history == nil {
		history = []budget.Entry{}
	}
	writeJSON(w, http.StatusOK, BudgetResponse{Today: today, History: history})
}
