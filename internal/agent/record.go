package agent

import (
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/basket/acp-bridge/internal/shared"
)

// State is an agent's lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateWorking  State = "working"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// stderrCap bounds the per-agent stderr ring; oldest lines drop first.
const stderrCap = 50

// permissionCounter issues process-wide monotonic permission request ids.
var permissionCounter atomic.Uint64

// TaskRef marks which task/subtask currently owns an agent's in-flight ask.
type TaskRef struct {
	TaskID    string `json:"taskId"`
	SubtaskID string `json:"subtaskId"`
}

// PendingPermission is a parked ACP permission request. The resolve channel
// is the one-shot continuation completing the blocked ACP call; the dequeue
// discipline in resolveHead/cancelPendingLocked guarantees exactly one send.
type PendingPermission struct {
	RequestID   uint64
	Params      acp.RequestPermissionRequest
	RequestedAt time.Time
	resolve     chan acp.RequestPermissionResponse
}

type chunkSub struct {
	id int
	fn func(string)
}

// Record is one live agent: the child process, its ACP connection, and the
// state the rest of the bridge reads. All mutation goes through mu.
type Record struct {
	mu sync.Mutex

	name      string
	agentType string
	cwd       string

	cmd  *exec.Cmd
	conn Conn
	// exitCh closes when the child exits; the handshake races against it.
	exitCh chan struct{}

	sessionID       string
	protocolVersion string

	state       State
	lastError   string
	stderrLines []string
	lastText    string
	currentText string
	stopReason  string

	pending    []*PendingPermission
	activeTask *TaskRef

	subs      []chunkSub
	nextSubID int

	createdAt time.Time
	updatedAt time.Time
}

func newRecord(name, agentType, cwd string) *Record {
	now := time.Now().UTC()
	return &Record{
		name:      name,
		agentType: agentType,
		cwd:       cwd,
		state:     StateStarting,
		exitCh:    make(chan struct{}),
		createdAt: now,
		updatedAt: now,
	}
}

func (r *Record) touchLocked() {
	r.updatedAt = time.Now().UTC()
}

// appendStderr records a trimmed non-empty stderr line in the bounded ring
// and mirrors it into lastError.
func (r *Record) appendStderr(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	line = shared.Redact(line)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stderrLines = append(r.stderrLines, line)
	if len(r.stderrLines) > stderrCap {
		r.stderrLines = r.stderrLines[len(r.stderrLines)-stderrCap:]
	}
	r.lastError = line
	r.touchLocked()
}

// appendChunk accumulates streamed reply text and fans it out to subscribers
// in registration order, inline on the caller's goroutine.
func (r *Record) appendChunk(text string) {
	r.mu.Lock()
	r.currentText += text
	r.lastText = r.currentText
	r.touchLocked()
	subs := make([]chunkSub, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		s.fn(text)
	}
}

// markWorking forces the working state (tool-call notifications).
func (r *Record) markWorking() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopped && r.state != StateError {
		r.state = StateWorking
		r.touchLocked()
	}
}

func (r *Record) subscribe(fn func(string)) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSubID++
	r.subs = append(r.subs, chunkSub{id: r.nextSubID, fn: fn})
	return r.nextSubID
}

func (r *Record) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// cancelPendingLocked resolves every queued permission with a cancelled
// outcome. Caller holds r.mu.
func (r *Record) cancelPendingLocked() int {
	n := len(r.pending)
	for _, p := range r.pending {
		p.resolve <- acp.RequestPermissionResponse{
			Outcome: acp.NewRequestPermissionOutcomeCancelled(),
		}
	}
	r.pending = nil
	if n > 0 {
		r.touchLocked()
	}
	return n
}

// ProcessAlive reports whether the child has neither been killed nor exited.
func (r *Record) ProcessAlive() bool {
	select {
	case <-r.exitCh:
		return false
	default:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil && r.cmd.Process != nil
}

// PermissionOption is the advertised option view in status payloads.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
}

// PermissionView is a pending permission as seen by HTTP callers.
type PermissionView struct {
	RequestID   uint64             `json:"requestId"`
	Options     []PermissionOption `json:"options"`
	RequestedAt time.Time          `json:"requestedAt"`
}

// Status is the externally visible snapshot of an agent record.
type Status struct {
	Name               string           `json:"name"`
	Type               string           `json:"type"`
	Cwd                string           `json:"cwd,omitempty"`
	State              State            `json:"state"`
	SessionID          string           `json:"sessionId,omitempty"`
	ProtocolVersion    string           `json:"protocolVersion,omitempty"`
	LastError          string           `json:"lastError,omitempty"`
	StopReason         string           `json:"stopReason,omitempty"`
	LastText           string           `json:"lastText,omitempty"`
	PendingPermissions []PermissionView `json:"pendingPermissions"`
	ActiveTask         *TaskRef         `json:"activeTask,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// Snapshot captures the record under its lock.
func (r *Record) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]PermissionView, 0, len(r.pending))
	for _, p := range r.pending {
		view := PermissionView{
			RequestID:   p.RequestID,
			RequestedAt: p.RequestedAt,
			Options:     make([]PermissionOption, 0, len(p.Params.Options)),
		}
		for _, opt := range p.Params.Options {
			view.Options = append(view.Options, PermissionOption{
				OptionID: string(opt.OptionId),
				Kind:     string(opt.Kind),
			})
		}
		views = append(views, view)
	}

	var active *TaskRef
	if r.activeTask != nil {
		cp := *r.activeTask
		active = &cp
	}

	return Status{
		Name:               r.name,
		Type:               r.agentType,
		Cwd:                r.cwd,
		State:              r.state,
		SessionID:          r.sessionID,
		ProtocolVersion:    r.protocolVersion,
		LastError:          r.lastError,
		StopReason:         r.stopReason,
		LastText:           r.lastText,
		PendingPermissions: views,
		ActiveTask:         active,
		CreatedAt:          r.createdAt,
		UpdatedAt:          r.updatedAt,
	}
}

// RecentStderr returns a copy of the stderr ring.
func (r *Record) RecentStderr() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.stderrLines))
	copy(out, r.stderrLines)
	return out
}
