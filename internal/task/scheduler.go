package task

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/acp-bridge/internal/agent"
	"github.com/basket/acp-bridge/internal/shared"
)

// runSubtask is one execution unit. It waits for its dependencies' terminal
// signals (or task cancellation), renders the prompt template, runs the ask,
// and records the outcome. Sibling failures never abort it; only task-level
// cancellation does.
func (s *Store) runSubtask(t *Task, st *Subtask) {
	if s.waitForDeps(t, st) {
		// Woken by cancellation. The cancel path already terminated every
		// non-terminal subtask, including this one.
		s.finishTransition(t)
		return
	}

	t.mu.Lock()
	if t.cancelRequested || st.terminal() {
		t.mu.Unlock()
		s.finishTransition(t)
		return
	}
	prompt := renderPrompt(t, st)
	now := time.Now().UTC()
	st.State = SubtaskRunning
	st.StartedAt = &now
	st.UpdatedAt = now
	taskID := t.ID
	t.mu.Unlock()

	s.publishSubtask(taskID, st.ID, SubtaskRunning, "")
	traceID := shared.NewTraceID()
	slog.Info("subtask started", "task_id", taskID, "subtask_id", st.ID, "agent", st.Agent, "trace_id", traceID)

	baseCtx := shared.WithTaskID(shared.WithTraceID(context.Background(), traceID), taskID)
	ctx, span := s.tracer.Start(baseCtx, "bridge.subtask",
		trace.WithAttributes(
			attribute.String("bridge.task_id", taskID),
			attribute.String("bridge.subtask_id", st.ID),
			attribute.String("bridge.agent", st.Agent),
		),
	)
	defer span.End()

	askStart := time.Now()
	res, err := s.asker.Ask(ctx, st.Agent, prompt, nil, &agent.TaskRef{TaskID: taskID, SubtaskID: st.ID})
	if s.metrics != nil {
		s.metrics.SubtaskDuration.Record(ctx, time.Since(askStart).Seconds())
	}

	t.mu.Lock()
	if st.terminal() {
		// Cancelled while the ask was in flight; keep the cancel outcome.
		t.mu.Unlock()
		s.finishTransition(t)
		return
	}
	if err != nil {
		s.terminateLocked(t, st, SubtaskError, "", err.Error())
		slog.Warn("subtask failed", "task_id", taskID, "subtask_id", st.ID, "agent", st.Agent, "error", err, "trace_id", traceID)
	} else {
		s.terminateLocked(t, st, SubtaskDone, res.Response, "")
		slog.Info("subtask done", "task_id", taskID, "subtask_id", st.ID, "agent", st.Agent, "stop_reason", res.StopReason, "trace_id", traceID)
	}
	t.mu.Unlock()

	s.finishTransition(t)
}

// waitForDeps blocks until every dependency is terminal. Returns true when
// the wait ended because the task was cancelled. Waiting is event-driven:
// each round parks on the task cancel signal and one pending dependency's
// terminal signal, then re-examines.
func (s *Store) waitForDeps(t *Task, st *Subtask) bool {
	for {
		t.mu.Lock()
		if t.cancelRequested {
			t.mu.Unlock()
			return true
		}
		var next *Subtask
		for _, dep := range st.DependsOn {
			if d := t.byID[dep]; d != nil && !d.terminal() {
				next = d
				break
			}
		}
		t.mu.Unlock()

		if next == nil {
			return false
		}
		select {
		case <-t.cancelCh:
			return true
		case <-next.done:
		}
	}
}

// finishTransition recomputes the task state after a subtask transition and
// triggers eviction when the task went terminal.
func (s *Store) finishTransition(t *Task) {
	t.mu.Lock()
	before := t.State
	t.recomputeLocked()
	after := t.State
	t.mu.Unlock()

	if after != before && after != TaskRunning {
		s.publishTask(t.ID, after)
		slog.Info("task finished", "task_id", t.ID, "state", string(after))
	}
	if after != TaskRunning {
		s.Evict()
	}
}
