// Package task implements the multi-agent task graph: validation, the task
// store, the per-subtask execution units, and terminal-task eviction.
package task

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// SubtaskState is a subtask's lifecycle state. It only moves forward:
// pending → running → {done, error, cancelled}.
type SubtaskState string

const (
	SubtaskPending   SubtaskState = "pending"
	SubtaskRunning   SubtaskState = "running"
	SubtaskDone      SubtaskState = "done"
	SubtaskError     SubtaskState = "error"
	SubtaskCancelled SubtaskState = "cancelled"
)

// TaskState is the aggregate state over a task's subtasks.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskError     TaskState = "error"
	TaskCancelled TaskState = "cancelled"
)

// ErrNotFound is returned for unknown task or subtask ids.
var ErrNotFound = errors.New("task_not_found")

// ValidationError is a task-creation failure surfaced as HTTP 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// SubtaskSpec is the creation payload for one subtask.
type SubtaskSpec struct {
	ID        string   `json:"id,omitempty"`
	Agent     string   `json:"agent"`
	Prompt    string   `json:"prompt"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// CreateRequest is the POST /tasks payload.
type CreateRequest struct {
	Name     string        `json:"name"`
	Subtasks []SubtaskSpec `json:"subtasks"`
}

// Subtask is one unit of the graph. Fields are guarded by the owning Task's
// mutex; done is a one-shot broadcast closed on any terminal transition.
type Subtask struct {
	ID        string
	Agent     string
	Prompt    string
	DependsOn []string

	State  SubtaskState
	Result string
	Error  string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	done     chan struct{}
	doneOnce sync.Once
}

func (s *Subtask) terminal() bool {
	switch s.State {
	case SubtaskDone, SubtaskError, SubtaskCancelled:
		return true
	}
	return false
}

// fireTerminal closes the terminal signal exactly once.
func (s *Subtask) fireTerminal() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Task is one task graph and its aggregate state.
type Task struct {
	mu sync.Mutex

	ID       string
	Name     string
	State    TaskState
	Subtasks []*Subtask
	byID     map[string]*Subtask

	CreatedAt time.Time
	UpdatedAt time.Time

	cancelRequested bool
	cancelCh        chan struct{}
	cancelOnce      sync.Once
}

func (t *Task) fireCancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

func (t *Task) terminal() bool {
	return t.State != TaskRunning
}

// buildTask validates a creation request and constructs the task graph.
func buildTask(req CreateRequest) (*Task, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, &ValidationError{Message: "task name is required"}
	}
	if len(req.Subtasks) == 0 {
		return nil, &ValidationError{Message: "at least one subtask is required"}
	}

	now := time.Now().UTC()
	t := &Task{
		Name:      strings.TrimSpace(req.Name),
		State:     TaskRunning,
		byID:      make(map[string]*Subtask, len(req.Subtasks)),
		CreatedAt: now,
		UpdatedAt: now,
		cancelCh:  make(chan struct{}),
	}

	for i, spec := range req.Subtasks {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			id = fmt.Sprintf("subtask-%d", i+1)
		}
		if strings.TrimSpace(spec.Agent) == "" {
			return nil, &ValidationError{Message: fmt.Sprintf("subtask %q: agent is required", id)}
		}
		if strings.TrimSpace(spec.Prompt) == "" {
			return nil, &ValidationError{Message: fmt.Sprintf("subtask %q: prompt is required", id)}
		}
		if _, dup := t.byID[id]; dup {
			return nil, &ValidationError{Message: fmt.Sprintf("duplicate subtask id %q", id)}
		}
		st := &Subtask{
			ID:        id,
			Agent:     strings.TrimSpace(spec.Agent),
			Prompt:    spec.Prompt,
			State:     SubtaskPending,
			CreatedAt: now,
			UpdatedAt: now,
			done:      make(chan struct{}),
		}
		t.Subtasks = append(t.Subtasks, st)
		t.byID[id] = st
	}

	// dependsOn sanitation happens after all ids exist.
	for _, st := range t.Subtasks {
		var deps []string
		for _, raw := range specFor(req.Subtasks, st.ID).DependsOn {
			dep := strings.TrimSpace(raw)
			if dep == "" {
				continue
			}
			if dep == st.ID {
				return nil, &ValidationError{Message: fmt.Sprintf("subtask %q depends on itself", st.ID)}
			}
			if _, ok := t.byID[dep]; !ok {
				return nil, &ValidationError{Message: fmt.Sprintf("subtask %q depends on unknown subtask %q", st.ID, dep)}
			}
			deps = append(deps, dep)
		}
		st.DependsOn = deps
	}

	if hasCycle(t) {
		return nil, &ValidationError{Message: "subtask dependency cycle detected"}
	}
	return t, nil
}

// specFor finds the original spec for an assigned id (positional ids follow
// the input order, so index math lines up).
func specFor(specs []SubtaskSpec, id string) SubtaskSpec {
	for i, spec := range specs {
		assigned := strings.TrimSpace(spec.ID)
		if assigned == "" {
			assigned = fmt.Sprintf("subtask-%d", i+1)
		}
		if assigned == id {
			return spec
		}
	}
	return SubtaskSpec{}
}

// hasCycle runs a DFS three-colour cycle detection over the graph.
func hasCycle(t *Task) bool {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(t.Subtasks))

	var visit func(id string) bool
	visit = func(id string) bool {
		colour[id] = grey
		for _, dep := range t.byID[id].DependsOn {
			switch colour[dep] {
			case grey:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colour[id] = black
		return false
	}

	for _, st := range t.Subtasks {
		if colour[st.ID] == white {
			if visit(st.ID) {
				return true
			}
		}
	}
	return false
}

// templatePattern matches {{ <id>.result }} with tolerated whitespace.
var templatePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+)\s*\.result\s*\}\}`)

// renderPrompt substitutes dependency results into a subtask prompt. A
// reference to anything other than a dependency that finished with a result
// renders as the empty string. Caller holds t.mu.
func renderPrompt(t *Task, st *Subtask) string {
	declared := make(map[string]bool, len(st.DependsOn))
	for _, dep := range st.DependsOn {
		declared[dep] = true
	}
	return templatePattern.ReplaceAllStringFunc(st.Prompt, func(match string) string {
		id := templatePattern.FindStringSubmatch(match)[1]
		if !declared[id] {
			return ""
		}
		dep := t.byID[id]
		if dep == nil || dep.State != SubtaskDone {
			return ""
		}
		return dep.Result
	})
}

// SubtaskStatus is the external snapshot of a subtask.
type SubtaskStatus struct {
	ID          string       `json:"id"`
	Agent       string       `json:"agent"`
	Prompt      string       `json:"prompt"`
	DependsOn   []string     `json:"dependsOn,omitempty"`
	State       SubtaskState `json:"state"`
	Result      string       `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Status is the external snapshot of a task.
type Status struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	State     TaskState       `json:"state"`
	Subtasks  []SubtaskStatus `json:"subtasks"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (t *Task) snapshotLocked() Status {
	subs := make([]SubtaskStatus, 0, len(t.Subtasks))
	for _, st := range t.Subtasks {
		subs = append(subs, SubtaskStatus{
			ID:          st.ID,
			Agent:       st.Agent,
			Prompt:      st.Prompt,
			DependsOn:   st.DependsOn,
			State:       st.State,
			Result:      st.Result,
			Error:       st.Error,
			CreatedAt:   st.CreatedAt,
			UpdatedAt:   st.UpdatedAt,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
		})
	}
	return Status{
		ID:        t.ID,
		Name:      t.Name,
		State:     t.State,
		Subtasks:  subs,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// Snapshot captures the task under its lock.
func (t *Task) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}
