package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"golang.org/x/sync/errgroup"

	"github.com/basket/acp-bridge/internal/otel"
)

// handshakeTimeout bounds initialize + newSession after spawn.
const handshakeTimeout = 30 * time.Second

// candidate is one spawn attempt: a command plus its default args.
type candidate struct {
	command string
	args    []string
}

// candidatesFor returns the spawn attempts for an agent type, honouring an
// explicit override. Overrides are tried alone; defaults are tried in order
// until one starts and completes the handshake.
func candidatesFor(agentType, command string, args []string) []candidate {
	if strings.TrimSpace(command) != "" {
		return []candidate{{command: command, args: args}}
	}
	switch agentType {
	case "codex":
		return []candidate{
			{command: "codex-acp"},
			{command: "codex", args: []string{"mcp-server"}},
		}
	case "claude":
		return []candidate{{command: "claude-agent-acp"}}
	case "gemini":
		return []candidate{{command: "gemini", args: []string{"--experimental-acp"}}}
	case "opencode":
		return []candidate{{command: "opencode", args: []string{"acp"}}}
	default:
		return []candidate{{command: agentType}}
	}
}

// opencodeBinDir locates the directory holding the opencode binary so child
// PATHs resolve the default commands even under a restricted shell.
func opencodeBinDir() string {
	if p, err := exec.LookPath("opencode"); err == nil {
		return filepath.Dir(p)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".opencode", "bin")
}

// buildEnv merges the process environment with per-agent overrides and
// prefixes PATH with the opencode bin directory.
func buildEnv(extra map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.Index(kv, "="); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	if dir := opencodeBinDir(); dir != "" {
		merged["PATH"] = dir + string(os.PathListSeparator) + merged["PATH"]
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// spawn starts one candidate, wires the ACP connection, performs the
// handshake, and leaves the record idle on success. The caller retries the
// next candidate on error.
func (reg *Registry) spawn(ctx context.Context, rec *Record, cand candidate, env map[string]string) error {
	path, err := exec.LookPath(cand.command)
	if err != nil {
		// Absolute and home-relative commands bypass PATH lookup.
		if strings.ContainsRune(cand.command, os.PathSeparator) {
			path = cand.command
		} else {
			return fmt.Errorf("resolve %s: %w", cand.command, err)
		}
	}

	cmd := exec.Command(path, cand.args...)
	cmd.Dir = rec.cwd
	cmd.Env = buildEnv(env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", cand.command, err)
	}

	rec.mu.Lock()
	rec.cmd = cmd
	rec.state = StateStarting
	rec.exitCh = make(chan struct{})
	exitCh := rec.exitCh
	rec.mu.Unlock()

	client := &acpClient{rec: rec, metrics: reg.metrics}
	conn := acp.NewClientSideConnection(client, stdin, stdout)

	go reg.monitorStderr(rec, stderr)
	go reg.monitorExit(rec, cmd)

	if err := reg.handshake(ctx, rec, conn); err != nil {
		_ = cmd.Process.Kill()
		// Let the exit monitor finish before any retry touches the record.
		<-exitCh
		return err
	}

	rec.mu.Lock()
	rec.conn = conn
	rec.state = StateIdle
	rec.touchLocked()
	rec.mu.Unlock()
	return nil
}

// handshake runs initialize and newSession concurrently, racing both against
// an early child exit.
func (reg *Registry) handshake(ctx context.Context, rec *Record, conn *acp.ClientSideConnection) error {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var initResp acp.InitializeResponse
	var sessResp acp.NewSessionResponse

	g, gctx := errgroup.WithContext(hsCtx)
	g.Go(func() error {
		resp, err := conn.Initialize(gctx, acp.InitializeRequest{
			ProtocolVersion:    acp.ProtocolVersionNumber,
			ClientCapabilities: acp.ClientCapabilities{},
		})
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		initResp = resp
		return nil
	})
	g.Go(func() error {
		resp, err := conn.NewSession(gctx, acp.NewSessionRequest{
			Cwd:        rec.cwd,
			McpServers: []acp.McpServer{},
		})
		if err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		sessResp = resp
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-rec.exitCh:
		rec.mu.Lock()
		detail := rec.lastError
		rec.mu.Unlock()
		if detail == "" {
			detail = "process exited"
		}
		return fmt.Errorf("agent exited during startup: %s", detail)
	}

	version := fmt.Sprint(initResp.ProtocolVersion)
	rec.mu.Lock()
	rec.sessionID = string(sessResp.SessionId)
	rec.protocolVersion = version
	// A failed earlier candidate leaves its exit error behind; the agent is
	// healthy now, so only a protocol mismatch survives the handshake.
	rec.lastError = ""
	if version != fmt.Sprint(acp.ProtocolVersionNumber) && version != "1" {
		// Non-fatal; some adapters speak numeric versions, some date strings.
		rec.lastError = "protocol mismatch: " + version
	}
	rec.touchLocked()
	rec.mu.Unlock()
	return nil
}

// monitorStderr feeds trimmed stderr lines into the record's ring.
func (reg *Registry) monitorStderr(rec *Record, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		rec.appendStderr(scanner.Text())
	}
}

// monitorExit observes child termination, cancels pending permissions, and
// records the exit reason.
func (reg *Registry) monitorExit(rec *Record, cmd *exec.Cmd) {
	waitErr := cmd.Wait()

	rec.mu.Lock()
	close(rec.exitCh)
	rec.cancelPendingLocked()
	if rec.state != StateError {
		rec.state = StateStopped
	}
	if rec.lastError == "" {
		code := -1
		signal := ""
		if ps := cmd.ProcessState; ps != nil {
			code = ps.ExitCode()
			if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		}
		rec.lastError = fmt.Sprintf("exit code=%d signal=%s", code, signal)
	}
	rec.touchLocked()
	name := rec.name
	detail := rec.lastError
	rec.mu.Unlock()

	slog.Info("agent process exited", "agent", name, "detail", detail, "wait_error", waitErr)
}

// acpClient receives the agent's inbound calls and notifications.
type acpClient struct {
	rec     *Record
	metrics *otel.Metrics
}

func (c *acpClient) SessionUpdate(_ context.Context, params acp.SessionNotification) error {
	u := params.Update
	if u.AgentMessageChunk != nil {
		if u.AgentMessageChunk.Content.Text != nil {
			c.rec.appendChunk(u.AgentMessageChunk.Content.Text.Text)
		}
		return nil
	}
	if u.ToolCall != nil || u.ToolCallUpdate != nil {
		c.rec.markWorking()
	}
	return nil
}

// RequestPermission parks the inbound permission on the record's queue and
// blocks until an HTTP caller resolves it or the call context dies.
func (c *acpClient) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	p := &PendingPermission{
		RequestID:   permissionCounter.Add(1),
		Params:      params,
		RequestedAt: time.Now().UTC(),
		resolve:     make(chan acp.RequestPermissionResponse, 1),
	}

	c.rec.mu.Lock()
	c.rec.pending = append(c.rec.pending, p)
	c.rec.state = StateWorking
	c.rec.touchLocked()
	c.rec.mu.Unlock()

	if c.metrics != nil {
		c.metrics.PermissionsAsked.Add(ctx, 1)
	}
	slog.Info("permission parked", "agent", c.rec.name, "request_id", p.RequestID, "options", len(params.Options))

	select {
	case resp := <-p.resolve:
		return resp, nil
	case <-ctx.Done():
		// The agent abandoned the call (cancel or exit); drop the entry so a
		// later resolution cannot touch a dead continuation.
		c.rec.mu.Lock()
		for i, q := range c.rec.pending {
			if q == p {
				c.rec.pending = append(c.rec.pending[:i], c.rec.pending[i+1:]...)
				break
			}
		}
		c.rec.mu.Unlock()
		return acp.RequestPermissionResponse{
			Outcome: acp.NewRequestPermissionOutcomeCancelled(),
		}, nil
	}
}

func (c *acpClient) ReadTextFile(_ context.Context, _ acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, fmt.Errorf("fs access not supported")
}

func (c *acpClient) WriteTextFile(_ context.Context, _ acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("fs access not supported")
}

func (c *acpClient) CreateTerminal(_ context.Context, _ acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *acpClient) KillTerminalCommand(_ context.Context, _ acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal not supported")
}

func (c *acpClient) TerminalOutput(_ context.Context, _ acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal not supported")
}

func (c *acpClient) ReleaseTerminal(_ context.Context, _ acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *acpClient) WaitForTerminalExit(_ context.Context, _ acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal not supported")
}
