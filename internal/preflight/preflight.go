// Package preflight validates that an agent type can be spawned: the binary
// exists, required credentials are present, and the upstream endpoint answers.
package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/basket/acp-bridge/internal/probe"
)

// Env resolves environment variables. The zero value falls back to the
// process environment; StartAgent passes a merged request+process view.
type Env map[string]string

// Get returns the value for key from the map, falling back to the process env.
func (e Env) Get(key string) string {
	if e != nil {
		if v, ok := e[key]; ok {
			return v
		}
	}
	return os.Getenv(key)
}

// installHints names how to get each agent binary; surfaced verbatim in the
// preflight failure message.
var installHints = map[string]string{
	"codex":    "Install with: npm install -g @openai/codex",
	"claude":   "Install with: npm install -g @zed-industries/claude-agent-acp",
	"gemini":   "Install with: npm install -g @google/gemini-cli",
	"opencode": "Install with: curl -fsSL https://opencode.ai/install | bash",
}

// BinaryCandidates lists the executables accepted for an agent type, in
// preference order. Any one present satisfies the binary check.
func BinaryCandidates(agentType string) []string {
	switch agentType {
	case "codex":
		return []string{"codex-acp", "codex"}
	case "claude":
		return []string{"claude-agent-acp"}
	case "gemini":
		return []string{"gemini"}
	case "opencode":
		return []string{"opencode"}
	default:
		return []string{agentType}
	}
}

// requiredCredentials maps an agent type to the env vars that satisfy its
// credential check. Any one non-empty value passes.
func requiredCredentials(agentType string) []string {
	switch agentType {
	case "codex":
		return []string{"OPENAI_API_KEY"}
	case "claude":
		return []string{"ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN"}
	case "gemini":
		return []string{"GEMINI_API_KEY"}
	default:
		return nil
	}
}

// BaseURL returns the probe target for an agent type, honouring env
// overrides. Empty means the type has no upstream endpoint to probe.
func BaseURL(agentType string, env Env) string {
	switch agentType {
	case "codex":
		if v := env.Get("OPENAI_BASE_URL"); v != "" {
			return v
		}
		return "https://api.openai.com/v1"
	case "claude":
		if v := env.Get("ANTHROPIC_BASE_URL"); v != "" {
			return v
		}
		return "https://api.anthropic.com"
	case "gemini":
		if v := env.Get("GOOGLE_GEMINI_BASE_URL"); v != "" {
			return v
		}
		return "https://generativelanguage.googleapis.com"
	default:
		return ""
	}
}

// ResolveBinary locates an executable. Paths containing a separator are
// checked for filesystem existence (after tilde expansion); bare names go
// through PATH lookup.
func ResolveBinary(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty binary name")
	}
	if strings.HasPrefix(name, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			name = filepath.Join(home, strings.TrimPrefix(name, "~"))
		}
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		info, err := os.Stat(name)
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s is a directory", name)
		}
		return name, nil
	}
	return exec.LookPath(name)
}

// CheckBinary verifies that one of the type's binaries (or the explicit
// ACP_BRIDGE_AGENT_COMMAND override) resolves.
func CheckBinary(agentType string, env Env) error {
	if override := strings.TrimSpace(env.Get("ACP_BRIDGE_AGENT_COMMAND")); override != "" {
		if _, err := ResolveBinary(override); err != nil {
			return fmt.Errorf("%s binary not found on PATH. %s", override, hintFor(agentType))
		}
		return nil
	}
	candidates := BinaryCandidates(agentType)
	for _, c := range candidates {
		if _, err := ResolveBinary(c); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%s binary not found on PATH. %s", candidates[0], hintFor(agentType))
}

// CheckCredentials verifies the type's required credential env vars.
func CheckCredentials(agentType string, env Env) error {
	vars := requiredCredentials(agentType)
	if len(vars) == 0 {
		return nil
	}
	for _, v := range vars {
		if strings.TrimSpace(env.Get(v)) != "" {
			return nil
		}
	}
	return fmt.Errorf("%s is not set. Set it in environment or config.", vars[0])
}

// Check is the pre-spawn gate: binary, credentials, endpoint, in that order.
// The returned error message is surfaced verbatim to the HTTP caller.
func Check(ctx context.Context, agentType string, env Env) error {
	if err := CheckBinary(agentType, env); err != nil {
		return err
	}
	if err := CheckCredentials(agentType, env); err != nil {
		return err
	}
	if url := BaseURL(agentType, env); url != "" {
		res := probe.Head(ctx, url)
		if !res.Reachable {
			return fmt.Errorf("Proxy %s is unreachable (%s). Check the URL.", url, res.Error)
		}
	}
	return nil
}

func hintFor(agentType string) string {
	if hint, ok := installHints[agentType]; ok {
		return hint
	}
	return fmt.Sprintf("Install the %s agent and ensure it is on PATH.", agentType)
}
