package task

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/acp-bridge/internal/agent"
	"github.com/basket/acp-bridge/internal/bus"
	"github.com/basket/acp-bridge/internal/config"
	"github.com/basket/acp-bridge/internal/otel"
)

// Asker is the slice of the agent registry the scheduler needs.
type Asker interface {
	Ask(ctx context.Context, name, prompt string, onChunk func(string), activeTask *agent.TaskRef) (agent.AskResult, error)
	CancelTaskWork(ctx context.Context, name, taskID string) bool
}

// Store owns all task graphs and their execution.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	asker        Asker
	bus          *bus.Bus
	maxCompleted int
	ttl          time.Duration
	tracer       trace.Tracer
	metrics      *otel.Metrics
}

// Options tunes the store's eviction policy.
type Options struct {
	MaxCompleted int
	TTL          time.Duration
	Bus          *bus.Bus
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
}

// NewStore builds the task store. eventBus and tracer may be nil.
func NewStore(asker Asker, opts Options) *Store {
	if opts.MaxCompleted <= 0 {
		opts.MaxCompleted = config.DefaultMaxTasks
	}
	if opts.TTL <= 0 {
		opts.TTL = config.DefaultTaskTTL
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("acp-bridge")
	}
	return &Store{
		tasks:        make(map[string]*Task),
		asker:        asker,
		bus:          opts.Bus,
		maxCompleted: opts.MaxCompleted,
		ttl:          opts.TTL,
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
	}
}

// Create validates the request, stores the task, and launches one execution
// unit per subtask.
func (s *Store) Create(req CreateRequest) (Status, error) {
	t, err := buildTask(req)
	if err != nil {
		return Status{}, err
	}
	t.ID = uuid.NewString()

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	slog.Info("task created", "task_id", t.ID, "name", t.Name, "subtasks", len(t.Subtasks))

	for _, st := range t.Subtasks {
		go s.runSubtask(t, st)
	}
	return t.Snapshot(), nil
}

// Get returns a task snapshot.
func (s *Store) Get(id string) (Status, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return Status{}, ErrNotFound
	}
	return t.Snapshot(), nil
}

// GetSubtask returns one subtask snapshot.
func (s *Store) GetSubtask(taskID, subtaskID string) (SubtaskStatus, error) {
	s.mu.RLock()
	t, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return SubtaskStatus{}, ErrNotFound
	}
	snap := t.Snapshot()
	for _, st := range snap.Subtasks {
		if st.ID == subtaskID {
			return st, nil
		}
	}
	return SubtaskStatus{}, ErrNotFound
}

// List returns snapshots of all tasks, newest first.
func (s *Store) List() []Status {
	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	out := make([]Status, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Count returns the number of stored tasks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Cancel cancels a running task: waiting subtasks wake and terminate, running
// subtasks are ACP-cancelled on their agents, terminal subtasks are left
// untouched. Returns the number of subtasks transitioned to cancelled.
func (s *Store) Cancel(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}

	t.mu.Lock()
	if t.terminal() {
		t.mu.Unlock()
		return 0, nil
	}
	t.cancelRequested = true
	t.fireCancel()
	t.State = TaskCancelled
	t.UpdatedAt = time.Now().UTC()

	var cancelled int
	var runningAgents []string
	for _, st := range t.Subtasks {
		if st.terminal() {
			continue
		}
		if st.State == SubtaskRunning {
			runningAgents = append(runningAgents, st.Agent)
		}
		s.terminateLocked(t, st, SubtaskCancelled, "", "")
		cancelled++
	}
	t.mu.Unlock()

	for _, name := range runningAgents {
		s.asker.CancelTaskWork(ctx, name, t.ID)
	}

	s.publishTask(t.ID, TaskCancelled)
	slog.Info("task cancelled", "task_id", t.ID, "cancelled_subtasks", cancelled)
	s.Evict()
	return cancelled, nil
}

// terminateLocked moves a subtask into a terminal state and fires its signal.
// Caller holds t.mu.
func (s *Store) terminateLocked(t *Task, st *Subtask, state SubtaskState, result, errMsg string) {
	now := time.Now().UTC()
	st.State = state
	st.Result = result
	st.Error = errMsg
	st.UpdatedAt = now
	st.CompletedAt = &now
	st.fireTerminal()
	s.publishSubtask(t.ID, st.ID, state, errMsg)
}

// recomputeLocked derives the task state after a subtask transition. Caller holds
// t.mu.
func (t *Task) recomputeLocked() {
	if t.State == TaskCancelled {
		return
	}
	var pendingOrRunning, done, cancelled, errored int
	for _, st := range t.Subtasks {
		switch st.State {
		case SubtaskPending, SubtaskRunning:
			pendingOrRunning++
		case SubtaskDone:
			done++
		case SubtaskCancelled:
			cancelled++
		case SubtaskError:
			errored++
		}
	}
	total := len(t.Subtasks)
	switch {
	case pendingOrRunning > 0:
		t.State = TaskRunning
	case done == total:
		t.State = TaskDone
	case cancelled == total:
		t.State = TaskCancelled
	case errored > 0:
		t.State = TaskError
	default:
		t.State = TaskRunning
	}
	t.UpdatedAt = time.Now().UTC()
}

// Evict drops terminal tasks older than the TTL, then the oldest terminal
// tasks beyond the completed-task cap. Running tasks are never evicted.
func (s *Store) Evict() {
	type terminalTask struct {
		id        string
		updatedAt time.Time
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-s.ttl)
	var terminals []terminalTask
	for id, t := range s.tasks {
		t.mu.Lock()
		isTerminal := t.terminal()
		updated := t.UpdatedAt
		t.mu.Unlock()
		if !isTerminal {
			continue
		}
		if updated.Before(cutoff) {
			delete(s.tasks, id)
			slog.Debug("task evicted (ttl)", "task_id", id)
			continue
		}
		terminals = append(terminals, terminalTask{id: id, updatedAt: updated})
	}

	if len(terminals) <= s.maxCompleted {
		return
	}
	sort.Slice(terminals, func(i, j int) bool {
		return terminals[i].updatedAt.Before(terminals[j].updatedAt)
	})
	for _, tt := range terminals[:len(terminals)-s.maxCompleted] {
		delete(s.tasks, tt.id)
		slog.Debug("task evicted (capacity)", "task_id", tt.id)
	}
}

func (s *Store) publishSubtask(taskID, subtaskID string, state SubtaskState, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish("task."+taskID, bus.SubtaskEvent{
		TaskID:    taskID,
		SubtaskID: subtaskID,
		State:     string(state),
		Error:     errMsg,
	})
}

func (s *Store) publishTask(taskID string, state TaskState) {
	if s.bus == nil {
		return
	}
	s.bus.Publish("task."+taskID, bus.TaskEvent{TaskID: taskID, State: string(state)})
}
