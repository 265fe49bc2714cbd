package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSweeper_EvictsOnTick(t *testing.T) {
	fa := newFakeAsker()
	fa.replies["A"] = "ok"
	s := NewStore(fa, Options{MaxCompleted: 100, TTL: 5 * time.Millisecond})

	st, err := s.Create(CreateRequest{Name: "t", Subtasks: []SubtaskSpec{{ID: "a", Agent: "A", Prompt: "p"}}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitState(t, s, st.ID, TaskDone)

	sw := NewSweeper(s, 10*time.Millisecond)
	sw.Start(context.Background())
	defer sw.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := s.Get(st.ID); errors.Is(err, ErrNotFound) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("sweeper never evicted the expired task")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSweeper_StopTerminatesLoop(t *testing.T) {
	s := NewStore(newFakeAsker(), Options{})
	sw := NewSweeper(s, 5*time.Millisecond)
	sw.Start(context.Background())

	done := make(chan struct{})
	go func() {
		sw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
