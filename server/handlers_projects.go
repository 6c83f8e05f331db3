package server

import (
	"fmt"
	"net/http"

	"github.com/teranos/episodic/pulse/recurrence"
	"github.com/teranos/episodic/pulse/schedule"
)

// ProjectChangeResponse reports how many outstanding jobs an event cancelled
type ProjectChangeResponse struct {
	ProjectID string                `json:"project_id"`
	State     schedule.ProjectState `json:"state"`
	Cancelled int                   `json:"cancelled"`
}

// HandleProjects handles /api/projects
// GET: list projects (?state=active|paused|deleted)
// POST: register or replace a project
func (s *Server) HandleProjects(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		state := r.URL.Query().Get("state")
		if state != "" && !schedule.IsValidProjectState(state) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown state %q", state))
			return
		}
		projects, err := s.svc.Projects.List(r.Context(), schedule.ProjectState(state))
		if err != nil {
			writeErr(w, err)
			return
		}
		if projects == nil {
			projects = []*schedule.Project{}
		}
		writeJSON(w, http.StatusOK, projects)
		return
	}

	var p schedule.Project
	if err := readJSON(w, r, &p); err != nil {
		return
	}
	if err := s.svc.ProjectEvents.RegisterProject(r.Context(), &p); err != nil {
		writeErr(w, err)
		return
	}
	stored, err := s.svc.Projects.Get(r.Context(), p.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// HandleProject handles /api/projects/{id}
// GET: project details
// DELETE: the project was deleted upstream
func (s *Server) HandleProject(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	id := r.PathValue("id")

	if r.Method == http.MethodDelete {
		n, err := s.svc.ProjectEvents.OnProjectDeleted(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ProjectChangeResponse{ProjectID: id, State: schedule.ProjectDeleted, Cancelled: n})
		return
	}

	p, err := s.svc.Projects.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleProjectAction handles /api/projects/{id}/{action}
// POST pause, POST resume, PUT recurrence
func (s *Server) HandleProjectAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	switch r.PathValue("action") {
	case "pause":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		n, err := s.svc.ProjectEvents.OnProjectPaused(ctx, id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ProjectChangeResponse{ProjectID: id, State: schedule.ProjectPaused, Cancelled: n})

	case "resume":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if err := s.svc.ProjectEvents.OnProjectResumed(ctx, id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ProjectChangeResponse{ProjectID: id, State: schedule.ProjectActive})

	case "recurrence":
		if !requireMethod(w, r, http.MethodPut) {
			return
		}
		var cfg recurrence.Config
		if err := readJSON(w, r, &cfg); err != nil {
			return
		}
		n, err := s.svc.ProjectEvents.OnRecurrenceChanged(ctx, id, cfg)
		if err != nil {
			writeErr(w, err)
			return
		}
		p, err := s.svc.Projects.Get(ctx, id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ProjectChangeResponse{ProjectID: id, State: p.State, Cancelled: n})

	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown project action %q", r.PathValue("action")))
	}
}
