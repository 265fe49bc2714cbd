package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/acp-bridge/internal/classify"
	"github.com/basket/acp-bridge/internal/shared"
)

// AskResult is the response shape for a completed ask.
type AskResult struct {
	Name       string `json:"name"`
	State      State  `json:"state"`
	StopReason string `json:"stopReason,omitempty"`
	Response   string `json:"response"`
}

// Ask sends one prompt to the named agent and blocks until the reply, a
// timeout, or an error. At most one ask runs per agent; a second caller
// observes ErrBusy. onChunk, when set, receives each streamed chunk for the
// duration of the call. activeTask marks task-driven asks so cancellation can
// find the owning agent.
func (reg *Registry) Ask(ctx context.Context, name, prompt string, onChunk func(string), activeTask *TaskRef) (AskResult, error) {
	rec, err := reg.Get(name)
	if err != nil {
		return AskResult{}, err
	}

	rec.mu.Lock()
	if rec.state == StateWorking {
		rec.mu.Unlock()
		return AskResult{}, ErrBusy
	}
	if rec.conn == nil || rec.state == StateStopped {
		rec.mu.Unlock()
		return AskResult{}, fmt.Errorf("agent %q is not running", name)
	}
	rec.state = StateWorking
	rec.currentText = ""
	rec.stopReason = ""
	rec.activeTask = activeTask
	rec.touchLocked()
	conn := rec.conn
	sessionID := rec.sessionID
	rec.mu.Unlock()

	var subID int
	if onChunk != nil {
		subID = rec.subscribe(onChunk)
	}
	defer func() {
		if onChunk != nil {
			rec.unsubscribe(subID)
		}
		// Clear the marker only if it is still ours; a newer claim must not
		// be clobbered.
		rec.mu.Lock()
		if rec.activeTask == activeTask {
			rec.activeTask = nil
		}
		rec.mu.Unlock()
	}()

	ctx, span := reg.tracer.Start(ctx, "bridge.ask",
		trace.WithAttributes(attribute.String("bridge.agent", name)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	promptCtx, cancel := context.WithTimeout(ctx, reg.askTimeout)
	defer cancel()

	start := time.Now()
	resp, err := conn.Prompt(promptCtx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
	})
	if reg.metrics != nil {
		reg.metrics.AskDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err != nil {
		if errors.Is(promptCtx.Err(), context.DeadlineExceeded) {
			msg := fmt.Sprintf("ask timeout after %dms", reg.askTimeout.Milliseconds())
			rec.mu.Lock()
			rec.state = StateIdle
			rec.stopReason = "timeout"
			rec.lastError = msg
			rec.touchLocked()
			rec.mu.Unlock()
			slog.Warn("ask timed out", "agent", name, "timeout_ms", reg.askTimeout.Milliseconds(), "trace_id", shared.TraceID(ctx), "task_id", shared.TaskID(ctx))
			return AskResult{}, fmt.Errorf("%w: %s", ErrAskTimeout, msg)
		}
		classified := classify.Classify(err.Error())
		rec.mu.Lock()
		rec.state = StateError
		rec.lastError = classified
		rec.touchLocked()
		rec.mu.Unlock()
		slog.Error("ask failed", "agent", name, "error", classified, "duration", time.Since(start).String(), "trace_id", shared.TraceID(ctx), "task_id", shared.TaskID(ctx))
		return AskResult{}, &UpstreamError{Classified: classified}
	}

	stopReason := string(resp.StopReason)
	rec.mu.Lock()
	rec.state = StateIdle
	rec.stopReason = stopReason
	rec.lastText = rec.currentText
	response := rec.lastText
	rec.touchLocked()
	rec.mu.Unlock()

	span.SetAttributes(attribute.String("bridge.stop_reason", stopReason))
	slog.Info("ask completed", "agent", name, "stop_reason", stopReason, "duration", time.Since(start).String(), "trace_id", shared.TraceID(ctx), "task_id", shared.TaskID(ctx))

	return AskResult{
		Name:       name,
		State:      StateIdle,
		StopReason: stopReason,
		Response:   response,
	}, nil
}
