// Package gateway exposes the bridge's HTTP surface: agent lifecycle, asks
// with optional SSE streaming, permission resolution, the task graph API,
// schedules, and diagnostics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/acp-bridge/internal/agent"
	"github.com/basket/acp-bridge/internal/bus"
	"github.com/basket/acp-bridge/internal/cron"
	"github.com/basket/acp-bridge/internal/doctor"
	"github.com/basket/acp-bridge/internal/otel"
	"github.com/basket/acp-bridge/internal/shared"
	"github.com/basket/acp-bridge/internal/task"
)

// Config wires the gateway's collaborators.
type Config struct {
	Registry  *agent.Registry
	Tasks     *task.Store
	Schedules *cron.Scheduler
	Bus       *bus.Bus
	Metrics   *otel.Metrics
}

// Server is the HTTP handler set.
type Server struct {
	cfg Config
}

// New creates the gateway server.
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/doctor", s.handleDoctor)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/agents/", s.handleAgentByName)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/schedules", s.handleSchedules)
	mux.HandleFunc("/schedules/", s.handleScheduleByID)
	return s.instrument(mux)
}

// instrument tags every request with a trace_id and records durations when
// metrics are wired.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		r = r.WithContext(ctx)

		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String(), "trace_id", traceID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"agents": s.cfg.Registry.Count(),
		"tasks":  s.cfg.Tasks.Count(),
	})
}

func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": doctor.Run(r.Context())})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Registry.List())
	case http.MethodPost:
		var req agent.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		status, err := s.cfg.Registry.StartAgent(r.Context(), req)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, status)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

// handleAgentByName routes /agents/{name} and /agents/{name}/{action}.
func (s *Server) handleAgentByName(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.SplitN(rest, "/", 2)
	name := parts[0]
	if name == "" {
		writeError(w, http.StatusBadRequest, "agent name required", "")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.cfg.Registry.Get(name)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec.Snapshot())
	case action == "" && r.Method == http.MethodDelete:
		if err := s.cfg.Registry.StopAgent(name); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stopped": name})
	case action == "ask" && r.Method == http.MethodPost:
		s.handleAsk(w, r, name)
	case action == "approve" && r.Method == http.MethodPost:
		s.handlePermission(w, r, name, s.cfg.Registry.Approve)
	case action == "deny" && r.Method == http.MethodPost:
		s.handlePermission(w, r, name, s.cfg.Registry.Deny)
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.cfg.Registry.CancelAgent(r.Context(), name); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": name})
	case action == "diagnose" && r.Method == http.MethodGet:
		s.handleDiagnose(w, r, name)
	default:
		writeError(w, http.StatusNotFound, "not found", "")
	}
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request, name string) {
	rec, err := s.cfg.Registry.Get(name)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	snap := rec.Snapshot()
	report := doctor.Diagnose(r.Context(), doctor.AgentInfo{
		Name:            snap.Name,
		Type:            snap.Type,
		State:           string(snap.State),
		LastError:       snap.LastError,
		ProtocolVersion: snap.ProtocolVersion,
		ProcessAlive:    rec.ProcessAlive(),
		RecentStderr:    rec.RecentStderr(),
	})
	writeJSON(w, http.StatusOK, report)
}

type permissionRequest struct {
	OptionID string `json:"optionId,omitempty"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request, name string, resolve func(string, string) (agent.Resolution, error)) {
	var req permissionRequest
	if r.Body != nil {
		// An empty body is fine; optionId is optional.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	res, err := resolve(name, req.OptionID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type askRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, name string) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required", "")
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		s.handleAskStream(w, r, name, req.Prompt)
		return
	}

	res, err := s.cfg.Registry.Ask(r.Context(), name, req.Prompt, nil, nil)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeMappedError translates the error taxonomy into HTTP statuses.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeError(w, status, err.Error(), "")
}

func statusFor(err error) int {
	var startErr *agent.StartError
	var validationErr *task.ValidationError
	var upstream *agent.UpstreamError
	switch {
	case errors.As(err, &startErr), errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrNotFound), errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrBusy), errors.Is(err, agent.ErrNoPendingPermissions):
		return http.StatusConflict
	case errors.Is(err, agent.ErrAskTimeout):
		return http.StatusRequestTimeout
	case errors.As(err, &upstream):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("gateway: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	body := map[string]any{"error": message}
	if details != "" {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ShutdownContext bounds graceful HTTP shutdown.
func ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
