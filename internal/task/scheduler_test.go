package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/acp-bridge/internal/agent"
)

// fakeAsker scripts per-agent replies and records calls.
type fakeAsker struct {
	mu      sync.Mutex
	replies map[string]string // agent -> reply text
	errs    map[string]error  // agent -> error
	calls   []askCall
	block   map[string]chan struct{} // agent -> gate released by test
	cancels []string                 // agents whose task work got cancelled
}

type askCall struct {
	agent  string
	prompt string
	ref    *agent.TaskRef
}

func newFakeAsker() *fakeAsker {
	return &fakeAsker{
		replies: map[string]string{},
		errs:    map[string]error{},
		block:   map[string]chan struct{}{},
	}
}

func (f *fakeAsker) Ask(ctx context.Context, name, prompt string, onChunk func(string), ref *agent.TaskRef) (agent.AskResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, askCall{agent: name, prompt: prompt, ref: ref})
	gate := f.block[name]
	reply, err := f.replies[name], f.errs[name]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return agent.AskResult{}, ctx.Err()
		}
	}
	if err != nil {
		return agent.AskResult{}, err
	}
	return agent.AskResult{Name: name, State: agent.StateIdle, StopReason: "end_turn", Response: reply}, nil
}

func (f *fakeAsker) CancelTaskWork(_ context.Context, name, taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, name)
	if gate, ok := f.block[name]; ok {
		select {
		case <-gate:
		default:
			close(gate)
		}
	}
	return true
}

func (f *fakeAsker) callsFor(name string) []askCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []askCall
	for _, c := range f.calls {
		if c.agent == name {
			out = append(out, c)
		}
	}
	return out
}

// waitState polls a snapshot until the task reaches the wanted state.
func waitState(t *testing.T, s *Store, id string, want TaskState) Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		st, err := s.Get(id)
		if err == nil && st.State == want {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached %q (last: %+v, err: %v)", id, want, st, err)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStore_ParallelTaskCompletes(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "alpha out"
	fa.replies["B"] = "beta out"
	s := NewStore(fa, Options{})

	st, err := s.Create(CreateRequest{Name: "p", Subtasks: []SubtaskSpec{
		{ID: "a", Agent: "A", Prompt: "X"},
		{ID: "b", Agent: "B", Prompt: "Y"},
	}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	final := waitState(t, s, st.ID, TaskDone)
	for _, sub := range final.Subtasks {
		if sub.State != SubtaskDone {
			t.Fatalf("subtask %s state = %q", sub.ID, sub.State)
		}
		if sub.Result == "" {
			t.Fatalf("subtask %s has empty result", sub.ID)
		}
		if sub.StartedAt == nil || sub.CompletedAt == nil {
			t.Fatalf("subtask %s missing timestamps", sub.ID)
		}
	}
}

func TestStore_DependencyChainTemplates(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "scan found issues"
	s := NewStore(fa, Options{})

	st, err := s.Create(CreateRequest{Name: "chain", Subtasks: []SubtaskSpec{
		{ID: "scan", Agent: "A", Prompt: "scan"},
		{ID: "fix", Agent: "A", Prompt: "fix: {{scan.result}}", DependsOn: []string{"scan"}},
	}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitState(t, s, st.ID, TaskDone)

	calls := fa.callsFor("A")
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].prompt != "scan" {
		t.Fatalf("first prompt = %q", calls[0].prompt)
	}
	if calls[1].prompt != "fix: scan found issues" {
		t.Fatalf("templated prompt = %q", calls[1].prompt)
	}
	if calls[1].ref == nil || calls[1].ref.TaskID != st.ID || calls[1].ref.SubtaskID != "fix" {
		t.Fatalf("activeTask ref = %+v", calls[1].ref)
	}
}

func TestStore_SubtaskErrorDoesNotAbortSiblings(t *testing.T) {
	fa := newFakeAsker()
	fa.errs["bad"] = errors.New("Rate limited. Check proxy quota.")
	fa.replies["good"] = "ok"
	s := NewStore(fa, Options{})

	st, err := s.Create(CreateRequest{Name: "mixed", Subtasks: []SubtaskSpec{
		{ID: "x", Agent: "bad", Prompt: "p"},
		{ID: "y", Agent: "good", Prompt: "p"},
	}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	final := waitState(t, s, st.ID, TaskError)
	var xState, yState SubtaskState
	var xErr string
	for _, sub := range final.Subtasks {
		if sub.ID == "x" {
			xState, xErr = sub.State, sub.Error
		} else {
			yState = sub.State
		}
	}
	if xState != SubtaskError || xErr != "Rate limited. Check proxy quota." {
		t.Fatalf("x = %q (%q)", xState, xErr)
	}
	if yState != SubtaskDone {
		t.Fatalf("y = %q, sibling must finish", yState)
	}
}

func TestStore_DependentOfFailureRendersEmpty(t *testing.T) {
	fa := newFakeAsker()
	fa.errs["bad"] = errors.New("boom")
	fa.replies["good"] = "ok"
	s := NewStore(fa, Options{})

	st, err := s.Create(CreateRequest{Name: "after-failure", Subtasks: []SubtaskSpec{
		{ID: "a", Agent: "bad", Prompt: "p"},
		{ID: "b", Agent: "good", Prompt: "got: {{a.result}}", DependsOn: []string{"a"}},
	}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitState(t, s, st.ID, TaskError)
	calls := fa.callsFor("good")
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want dependent to run", len(calls))
	}
	if calls[0].prompt != "got: " {
		t.Fatalf("prompt = %q, want empty substitution", calls[0].prompt)
	}
}

func TestStore_DependentWaitsForDependency(t *testing.T) {
	fa := newFakeAsker()
	gate := make(chan struct{})
	fa.block["A"] = gate
	fa.replies["A"] = "first"
	fa.replies["B"] = "second"
	s := NewStore(fa, Options{})

	st, err := s.Create(CreateRequest{Name: "ordered", Subtasks: []SubtaskSpec{
		{ID: "a", Agent: "A", Prompt: "p"},
		{ID: "b", Agent: "B", Prompt: "p", DependsOn: []string{"a"}},
	}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if calls := fa.callsFor("B"); len(calls) != 0 {
		t.Fatal("dependent started before dependency finished")
	}
	sub, err := s.GetSubtask(st.ID, "b")
	if err != nil || sub.State != SubtaskPending {
		t.Fatalf("b state = %q (%v), want pending", sub.State, err)
	}

	close(gate)
	waitState(t, s, st.ID, TaskDone)
}

func TestStore_CancellationCascade(t *testing.T) {
	fa := newFakeAsker()
	gate := make(chan struct{})
	fa.block["A"] = gate
	fa.replies["A"] = "never seen"
	s := NewStore(fa, Options{})

	st, err := s.Create(CreateRequest{Name: "cascade", Subtasks: []SubtaskSpec{
		{ID: "a", Agent: "A", Prompt: "p"},
		{ID: "b", Agent: "A", Prompt: "p", DependsOn: []string{"a"}},
	}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Wait until "a" is actually running.
	deadline := time.After(2 * time.Second)
	for len(fa.callsFor("A")) == 0 {
		select {
		case <-deadline:
			t.Fatal("subtask a never started")
		case <-time.After(2 * time.Millisecond):
		}
	}

	n, err := s.Cancel(context.Background(), st.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled = %d, want 2", n)
	}

	final := waitState(t, s, st.ID, TaskCancelled)
	for _, sub := range final.Subtasks {
		if sub.State != SubtaskCancelled {
			t.Fatalf("subtask %s = %q, want cancelled", sub.ID, sub.State)
		}
	}

	fa.mu.Lock()
	cancels := append([]string(nil), fa.cancels...)
	fa.mu.Unlock()
	if len(cancels) != 1 || cancels[0] != "A" {
		t.Fatalf("agent cancels = %v, want [A]", cancels)
	}

	// b never ran.
	if calls := fa.callsFor("A"); len(calls) != 1 {
		t.Fatalf("A calls = %d, want only the running subtask", len(calls))
	}
}

func TestStore_CancelUnknownTask(t *testing.T) {
	s := NewStore(newFakeAsker(), Options{})
	if _, err := s.Cancel(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_CancelTerminalTaskIsNoop(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "ok"
	s := NewStore(fa, Options{})
	st, _ := s.Create(CreateRequest{Name: "t", Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})
	waitState(t, s, st.ID, TaskDone)

	n, err := s.Cancel(context.Background(), st.ID)
	if err != nil || n != 0 {
		t.Fatalf("cancel terminal = (%d, %v), want (0, nil)", n, err)
	}
	if got, _ := s.Get(st.ID); got.State != TaskDone {
		t.Fatalf("state = %q, terminal state must not change", got.State)
	}
}

func TestStore_SubtaskStatesNeverRegress(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "ok"
	s := NewStore(fa, Options{})
	st, _ := s.Create(CreateRequest{Name: "t", Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})
	waitState(t, s, st.ID, TaskDone)

	// Late cancel after done: subtask stays done.
	_, _ = s.Cancel(context.Background(), st.ID)
	sub, err := s.GetSubtask(st.ID, "a")
	if err != nil {
		t.Fatalf("GetSubtask: %v", err)
	}
	if sub.State != SubtaskDone {
		t.Fatalf("state = %q, want done to stick", sub.State)
	}
}

func TestStore_EvictionByCapacity(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "ok"
	s := NewStore(fa, Options{MaxCompleted: 2, TTL: time.Hour})

	var ids []string
	for i := 0; i < 4; i++ {
		st, err := s.Create(CreateRequest{Name: fmt.Sprintf("t%d", i), Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		waitState(t, s, st.ID, TaskDone)
		ids = append(ids, st.ID)
	}

	s.Evict()
	if n := s.Count(); n != 2 {
		t.Fatalf("count = %d, want capacity cap of 2", n)
	}
	// The newest two survive.
	for _, id := range ids[2:] {
		if _, err := s.Get(id); err != nil {
			t.Fatalf("recent task %s evicted", id)
		}
	}
	for _, id := range ids[:2] {
		if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old task %s survived", id)
		}
	}
}

func TestStore_EvictionByTTL(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "ok"
	s := NewStore(fa, Options{MaxCompleted: 100, TTL: 10 * time.Millisecond})

	st, _ := s.Create(CreateRequest{Name: "t", Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})
	waitState(t, s, st.ID, TaskDone)

	time.Sleep(20 * time.Millisecond)
	s.Evict()
	if _, err := s.Get(st.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("expired task survived eviction")
	}
}

func TestStore_RunningTasksNeverEvicted(t *testing.T) {
	fa := newFakeAsker()
	gate := make(chan struct{})
	fa.block["A"] = gate
	defer close(gate)
	fa.replies["A"] = "ok"
	s := NewStore(fa, Options{MaxCompleted: 0, TTL: time.Nanosecond})

	st, _ := s.Create(CreateRequest{Name: "t", Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})
	time.Sleep(10 * time.Millisecond)
	s.Evict()
	if _, err := s.Get(st.ID); err != nil {
		t.Fatal("running task was evicted")
	}
}

func TestStore_GetSubtask(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "ok"
	s := NewStore(fa, Options{})
	st, _ := s.Create(CreateRequest{Name: "t", Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})
	waitState(t, s, st.ID, TaskDone)

	sub, err := s.GetSubtask(st.ID, "a")
	if err != nil {
		t.Fatalf("GetSubtask: %v", err)
	}
	if sub.Result != "ok" {
		t.Fatalf("result = %q", sub.Result)
	}
	if _, err := s.GetSubtask(st.ID, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatal("unknown subtask must 404")
	}
	if _, err := s.GetSubtask("nope", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatal("unknown task must 404")
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "ok"
	s := NewStore(fa, Options{})
	first, _ := s.Create(CreateRequest{Name: "one", Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})
	time.Sleep(2 * time.Millisecond)
	second, _ := s.Create(CreateRequest{Name: "two", Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})

	waitState(t, s, first.ID, TaskDone)
	waitState(t, s, second.ID, TaskDone)

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("list = %d", len(list))
	}
	if list[0].ID != second.ID {
		t.Fatalf("order = [%s %s], want newest first", list[0].Name, list[1].Name)
	}
}

func TestStore_TaskIDsAreUUIDs(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "ok"
	s := NewStore(fa, Options{})
	st, _ := s.Create(CreateRequest{Name: "t", Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})
	if strings.Count(st.ID, "-") != 4 {
		t.Fatalf("task id %q does not look like a uuid", st.ID)
	}
}
