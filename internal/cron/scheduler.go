// Package cron submits recurring task graphs on 5-field cron expressions.
// Schedules live in memory; they come from the config file or the HTTP API.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/acp-bridge/internal/task"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Schedule is one recurring task submission.
type Schedule struct {
	ID      string
	Name    string
	Expr    string
	Task    task.CreateRequest
	NextRun time.Time

	sched cronlib.Schedule
}

// View is the external snapshot of a schedule.
type View struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	NextRun time.Time `json:"nextRun"`
}

// Submitter creates tasks; implemented by *task.Store.
type Submitter interface {
	Create(req task.CreateRequest) (task.Status, error)
}

// Scheduler fires due schedules once a minute.
type Scheduler struct {
	mu        sync.Mutex
	schedules map[string]*Schedule

	store    Submitter
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler submitting to store. interval <= 0 means
// one minute.
func NewScheduler(store Submitter, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		schedules: make(map[string]*Schedule),
		store:     store,
		interval:  interval,
	}
}

// Add registers a schedule after validating the name, the cron expression, and
// that the task has at least one subtask. The rest of the task graph is not
// checked here; it is validated by the store when a tick submits it.
func (s *Scheduler) Add(name, expr string, req task.CreateRequest) (View, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return View{}, fmt.Errorf("schedule name is required")
	}
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return View{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = name
	}
	if len(req.Subtasks) == 0 {
		return View{}, fmt.Errorf("schedule task needs at least one subtask")
	}

	sched := &Schedule{
		ID:      uuid.NewString(),
		Name:    name,
		Expr:    expr,
		Task:    req,
		NextRun: parsed.Next(time.Now()),
		sched:   parsed,
	}
	s.mu.Lock()
	s.schedules[sched.ID] = sched
	s.mu.Unlock()

	slog.Info("schedule added", "schedule_id", sched.ID, "name", name, "cron", expr, "next_run", sched.NextRun)
	return sched.view(), nil
}

// Remove deletes a schedule. Unknown ids report false.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return false
	}
	delete(s.schedules, id)
	slog.Info("schedule removed", "schedule_id", id)
	return true
}

// List returns schedule snapshots sorted by name.
func (s *Scheduler) List() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]View, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (sched *Schedule) view() View {
	return View{ID: sched.ID, Name: sched.Name, Cron: sched.Expr, NextRun: sched.NextRun}
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("cron scheduler started", "interval", s.interval.String())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// tick fires every schedule whose next run is due.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if !sched.NextRun.After(now) {
			due = append(due, sched)
			sched.NextRun = sched.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		status, err := s.store.Create(sched.Task)
		if err != nil {
			slog.Error("scheduled task submission failed", "schedule_id", sched.ID, "name", sched.Name, "error", err)
			continue
		}
		slog.Info("scheduled task submitted", "schedule_id", sched.ID, "task_id", status.ID)
	}
}
