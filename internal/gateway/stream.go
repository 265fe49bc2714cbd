package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/basket/acp-bridge/internal/bus"
	"github.com/basket/acp-bridge/internal/task"
)

// sseWriter serializes SSE frames onto one response. The chunk publisher and
// the ask goroutine both write; the mutex keeps frames whole.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("sse: marshal event", "event", name, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.flusher.Flush()
}

// handleAskStream runs an ask with the response streamed as SSE: chunk events
// while the agent replies, then a final done or error event.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request, name, prompt string) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	onChunk := func(chunk string) {
		sse.event("chunk", map[string]string{"chunk": chunk})
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.StreamChunks.Add(r.Context(), 1)
		}
	}

	res, err := s.cfg.Registry.Ask(r.Context(), name, prompt, onChunk, nil)
	if err != nil {
		sse.event("error", map[string]any{
			"error":      err.Error(),
			"statusCode": statusFor(err),
		})
		return
	}
	sse.event("done", res)
}

// handleTaskEvents streams subtask lifecycle transitions for one task as SSE.
// The stream closes once the task reaches a terminal state.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming not available", "")
		return
	}
	status, err := s.cfg.Tasks.Get(taskID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	sub := s.cfg.Bus.Subscribe("task." + taskID)
	defer s.cfg.Bus.Unsubscribe(sub)

	// Replay current state so late subscribers see where the graph stands.
	for _, st := range status.Subtasks {
		sse.event("subtask", map[string]any{
			"subtaskId": st.ID,
			"state":     st.State,
			"error":     st.Error,
		})
	}
	if status.State != task.TaskRunning {
		sse.event("task", map[string]any{"state": status.State})
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Ch():
			if !open {
				return
			}
			switch payload := ev.Payload.(type) {
			case bus.SubtaskEvent:
				sse.event("subtask", map[string]any{
					"subtaskId": payload.SubtaskID,
					"state":     payload.State,
					"error":     payload.Error,
				})
			case bus.TaskEvent:
				sse.event("task", map[string]any{"state": payload.State})
				return
			}
		}
	}
}
