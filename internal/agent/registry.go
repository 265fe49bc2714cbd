// Package agent owns the live agent fleet: the keyed record store, the child
// process supervisor, the ask executor, and the permission queue.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/acp-bridge/internal/config"
	"github.com/basket/acp-bridge/internal/otel"
	"github.com/basket/acp-bridge/internal/preflight"
)

// StartRequest is the payload for creating an agent.
type StartRequest struct {
	Name    string            `json:"name"`
	Type    string            `json:"type,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Registry is the process-wide store of live agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Record

	overrides  map[string]config.AgentOverride
	askTimeout time.Duration
	tracer     trace.Tracer
	metrics    *otel.Metrics
}

// NewRegistry builds the agent store. overrides may be nil; tracer may be nil
// for a no-op tracer; metrics may be nil to skip instrument recording.
func NewRegistry(overrides map[string]config.AgentOverride, askTimeout time.Duration, tracer trace.Tracer, metrics *otel.Metrics) *Registry {
	if askTimeout <= 0 {
		askTimeout = config.DefaultAskTimeout
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("acp-bridge")
	}
	return &Registry{
		agents:     make(map[string]*Record),
		overrides:  overrides,
		askTimeout: askTimeout,
		tracer:     tracer,
		metrics:    metrics,
	}
}

// AskTimeout reports the configured per-ask deadline.
func (reg *Registry) AskTimeout() time.Duration { return reg.askTimeout }

// StartAgent runs preflight, spawns the child, completes the ACP handshake,
// and registers the record. Preflight and spawn failures surface as
// *StartError for the gateway's 400 mapping.
func (reg *Registry) StartAgent(ctx context.Context, req StartRequest) (Status, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Status{}, &StartError{Message: "name is required"}
	}
	agentType := strings.TrimSpace(req.Type)
	if agentType == "" {
		agentType = name
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd, _ = osGetwd()
	}

	command := req.Command
	args := req.Args
	env := map[string]string{}
	if ov, ok := reg.overrides[agentType]; ok {
		if command == "" {
			command = ov.Command
			if len(args) == 0 {
				args = ov.Args
			}
		}
		for k, v := range ov.Env {
			env[k] = v
		}
	}
	for k, v := range req.Env {
		env[k] = v
	}

	if err := preflight.Check(ctx, agentType, preflight.Env(env)); err != nil {
		return Status{}, &StartError{Message: err.Error()}
	}

	rec := newRecord(name, agentType, cwd)

	// Reserve the name before the (slow) spawn so concurrent creates with the
	// same name fail fast.
	reg.mu.Lock()
	if _, exists := reg.agents[name]; exists {
		reg.mu.Unlock()
		return Status{}, &StartError{Message: fmt.Sprintf("agent %q already exists", name)}
	}
	reg.agents[name] = rec
	reg.mu.Unlock()

	var lastErr error
	for _, cand := range candidatesFor(agentType, command, args) {
		if err := reg.spawn(ctx, rec, cand, env); err != nil {
			slog.Warn("agent spawn candidate failed", "agent", name, "command", cand.command, "error", err)
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		reg.mu.Lock()
		delete(reg.agents, name)
		reg.mu.Unlock()
		return Status{}, &StartError{Message: lastErr.Error()}
	}

	slog.Info("agent started", "agent", name, "type", agentType, "cwd", cwd)
	return rec.Snapshot(), nil
}

// StartError is a preflight/spawn failure surfaced verbatim as HTTP 400.
type StartError struct {
	Message string
}

func (e *StartError) Error() string { return e.Message }

// Get returns a live record by name.
func (reg *Registry) Get(name string) (*Record, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.agents[name]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Count returns the number of live agents.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.agents)
}

// List returns snapshots of all agents, sorted by name.
func (reg *Registry) List() []Status {
	reg.mu.RLock()
	records := make([]*Record, 0, len(reg.agents))
	for _, rec := range reg.agents {
		records = append(records, rec)
	}
	reg.mu.RUnlock()

	out := make([]Status, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopAgent cancels pending permissions, signals the child, and deregisters
// the record.
func (reg *Registry) StopAgent(name string) error {
	reg.mu.Lock()
	rec, ok := reg.agents[name]
	if !ok {
		reg.mu.Unlock()
		return ErrNotFound
	}
	delete(reg.agents, name)
	reg.mu.Unlock()

	rec.mu.Lock()
	rec.cancelPendingLocked()
	rec.state = StateStopped
	rec.touchLocked()
	cmd := rec.cmd
	rec.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	slog.Info("agent stopped", "agent", name)
	return nil
}

// StopAll tears down every agent; used at daemon shutdown.
func (reg *Registry) StopAll() {
	for _, st := range reg.List() {
		_ = reg.StopAgent(st.Name)
	}
}

// CancelAgent sends an ACP cancel for the in-flight prompt and drains the
// permission queue. Used by POST /agents/:name/cancel and task cancellation.
func (reg *Registry) CancelAgent(ctx context.Context, name string) error {
	rec, err := reg.Get(name)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	conn := rec.conn
	sessionID := rec.sessionID
	rec.cancelPendingLocked()
	rec.mu.Unlock()

	if conn != nil && sessionID != "" {
		if err := conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)}); err != nil {
			slog.Warn("acp cancel failed", "agent", name, "error", err)
		}
	}
	return nil
}

// CancelTaskWork cancels an agent's in-flight work only if its activeTask
// still belongs to taskID. Returns true when an ACP cancel was issued.
func (reg *Registry) CancelTaskWork(ctx context.Context, name, taskID string) bool {
	rec, err := reg.Get(name)
	if err != nil {
		return false
	}

	rec.mu.Lock()
	owns := rec.activeTask != nil && rec.activeTask.TaskID == taskID
	if !owns {
		rec.mu.Unlock()
		return false
	}
	conn := rec.conn
	sessionID := rec.sessionID
	rec.cancelPendingLocked()
	if rec.state == StateWorking {
		rec.state = StateIdle
	}
	rec.touchLocked()
	rec.mu.Unlock()

	if conn != nil && sessionID != "" {
		if err := conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)}); err != nil {
			slog.Warn("acp cancel failed", "agent", name, "task", taskID, "error", err)
		}
	}
	return true
}

// osGetwd is indirected for tests.
var osGetwd = defaultGetwd
