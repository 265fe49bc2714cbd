package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/basket/acp-bridge/internal/task"
)

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Tasks.List())
	case http.MethodPost:
		var req task.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		status, err := s.cfg.Tasks.Create(req)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TasksCreated.Add(r.Context(), 1)
		}
		writeJSON(w, http.StatusCreated, status)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

// handleTaskByID routes /tasks/{id}, /tasks/{id}/subtasks/{subtaskId}, and
// /tasks/{id}/events.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id required", "")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		status, err := s.cfg.Tasks.Get(id)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		cancelled, err := s.cfg.Tasks.Cancel(r.Context(), id)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
	case len(parts) == 3 && parts[1] == "subtasks" && r.Method == http.MethodGet:
		status, err := s.cfg.Tasks.GetSubtask(id, parts[2])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleTaskEvents(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found", "")
	}
}

type scheduleRequest struct {
	Name string             `json:"name"`
	Cron string             `json:"cron"`
	Task task.CreateRequest `json:"task"`
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "schedules not available", "")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Schedules.List())
	case http.MethodPost:
		var req scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		view, err := s.cfg.Schedules.Add(req.Name, req.Cron, req.Task)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		writeJSON(w, http.StatusCreated, view)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "schedules not available", "")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/schedules/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "schedule id required", "")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if !s.cfg.Schedules.Remove(id) {
		writeError(w, http.StatusNotFound, "schedule not found", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
