// Package doctor produces structured diagnostics: the fleet-wide preflight
// report and the per-agent deep health report.
package doctor

import (
	"context"
	"os"
	"strings"

	"github.com/basket/acp-bridge/internal/preflight"
	"github.com/basket/acp-bridge/internal/probe"
)

// knownTypes is the fixed set the fleet report covers.
var knownTypes = []string{"codex", "claude", "gemini", "opencode"}

// TypeResult is one row of the /doctor report.
type TypeResult struct {
	Type     string `json:"type"`
	Status   string `json:"status"` // "ok", "warning", "error"
	Binary   bool   `json:"binary"`
	APIKey   bool   `json:"apiKey"`
	Endpoint bool   `json:"endpoint"`
	Message  string `json:"message,omitempty"`
}

// Run checks binary, credentials, and endpoint for every known agent type
// without spawning anything. An HTTP status under 500 counts as reachable;
// 500+ is reachable but unhealthy.
func Run(ctx context.Context) []TypeResult {
	results := make([]TypeResult, 0, len(knownTypes))
	for _, agentType := range knownTypes {
		results = append(results, checkType(ctx, agentType))
	}
	return results
}

func checkType(ctx context.Context, agentType string) TypeResult {
	res := TypeResult{Type: agentType, Status: "ok", Binary: true, APIKey: true, Endpoint: true}

	if err := preflight.CheckBinary(agentType, nil); err != nil {
		res.Binary = false
		res.Status = "error"
		res.Message = err.Error()
	}
	if err := preflight.CheckCredentials(agentType, nil); err != nil {
		res.APIKey = false
		res.Status = "error"
		if res.Message == "" {
			res.Message = err.Error()
		}
	}

	if url := preflight.BaseURL(agentType, nil); url != "" {
		pr := probe.Head(ctx, url)
		healthy := pr.Reachable && pr.StatusCode < 500
		res.Endpoint = healthy
		if !healthy && res.Status == "ok" {
			res.Status = "warning"
			if pr.Error != "" {
				res.Message = "endpoint unreachable: " + pr.Error
			} else {
				res.Message = "endpoint unhealthy"
			}
		}
	}
	return res
}

// AgentInfo is the live-agent state fed into Diagnose.
type AgentInfo struct {
	Name            string
	Type            string
	State           string
	LastError       string
	ProtocolVersion string
	ProcessAlive    bool
	RecentStderr    []string
}

// Checks is the structured check block of a diagnose report.
type Checks struct {
	APIKeySet         bool   `json:"apiKeySet"`
	APIKeyFormat      string `json:"apiKeyFormat"` // valid|invalid|missing|not_required|unknown
	EndpointReachable bool   `json:"endpointReachable"`
	EndpointLatencyMs int64  `json:"endpointLatencyMs"`
	ProtocolVersion   string `json:"protocolVersion,omitempty"`
}

// Report is the per-agent deep health report.
type Report struct {
	Agent        string   `json:"agent"`
	ProcessAlive bool     `json:"processAlive"`
	State        string   `json:"state"`
	RecentStderr []string `json:"recentStderr"`
	LastError    string   `json:"lastError,omitempty"`
	Checks       Checks   `json:"checks"`
}

// Diagnose combines live agent state with fresh credential and endpoint
// checks.
func Diagnose(ctx context.Context, info AgentInfo) Report {
	report := Report{
		Agent:        info.Name,
		ProcessAlive: info.ProcessAlive,
		State:        info.State,
		RecentStderr: info.RecentStderr,
		LastError:    info.LastError,
	}
	if report.RecentStderr == nil {
		report.RecentStderr = []string{}
	}

	set, format := apiKeyFormat(info.Type)
	report.Checks.APIKeySet = set
	report.Checks.APIKeyFormat = format
	report.Checks.ProtocolVersion = info.ProtocolVersion

	if url := preflight.BaseURL(info.Type, nil); url != "" {
		pr := probe.Head(ctx, url)
		report.Checks.EndpointReachable = pr.Reachable && pr.StatusCode < 500
		report.Checks.EndpointLatencyMs = pr.LatencyMs
	}
	return report
}

// apiKeyFormat inspects the type's credential by prefix: OpenAI "sk-",
// Anthropic "cr_"/"sk-ant-", Gemini "AIza".
func apiKeyFormat(agentType string) (set bool, format string) {
	switch agentType {
	case "codex":
		key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		if key == "" {
			return false, "missing"
		}
		if strings.HasPrefix(key, "sk-") {
			return true, "valid"
		}
		return true, "invalid"
	case "claude":
		key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		if key != "" {
			if strings.HasPrefix(key, "cr_") || strings.HasPrefix(key, "sk-ant-") {
				return true, "valid"
			}
			return true, "invalid"
		}
		// Auth tokens have no fixed prefix to check.
		if strings.TrimSpace(os.Getenv("ANTHROPIC_AUTH_TOKEN")) != "" {
			return true, "unknown"
		}
		return false, "missing"
	case "gemini":
		key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
		if key == "" {
			return false, "missing"
		}
		if strings.HasPrefix(key, "AIza") {
			return true, "valid"
		}
		return true, "invalid"
	default:
		return false, "not_required"
	}
}
