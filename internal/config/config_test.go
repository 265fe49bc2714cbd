package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"ACP_BRIDGE_PORT", "ACP_BRIDGE_HOST", "ACP_BRIDGE_ASK_TIMEOUT_MS", "ACP_BRIDGE_MAX_TASKS", "ACP_BRIDGE_TASK_TTL_MS", "ACP_BRIDGE_CONFIG"} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg := Load(filepath.Join(t.TempDir(), "missing.json"))
	if cfg.Port != DefaultPort {
		t.Fatalf("port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Host != DefaultHost {
		t.Fatalf("host = %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.AskTimeout != DefaultAskTimeout {
		t.Fatalf("ask timeout = %v", cfg.AskTimeout)
	}
	if cfg.MaxTasks != DefaultMaxTasks || cfg.TaskTTL != DefaultTaskTTL {
		t.Fatalf("task limits = %d/%v", cfg.MaxTasks, cfg.TaskTTL)
	}
}

func TestLoad_FileValues(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{
		"port": 9123,
		"host": "0.0.0.0",
		"log_level": "debug",
		"agents": {
			"codex": {"command": "codex-acp", "args": ["--verbose"], "env": {"OPENAI_BASE_URL": "http://localhost:8080"}}
		}
	}`)
	cfg := Load(path)
	if cfg.Port != 9123 || cfg.Host != "0.0.0.0" {
		t.Fatalf("addr = %s", cfg.Addr())
	}
	ov, ok := cfg.Agents["codex"]
	if !ok {
		t.Fatal("codex override missing")
	}
	if ov.Command != "codex-acp" || len(ov.Args) != 1 || ov.Env["OPENAI_BASE_URL"] == "" {
		t.Fatalf("override = %+v", ov)
	}
}

func TestLoad_MalformedFileFallsBackToDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{not json`)
	cfg := Load(path)
	if cfg.Port != DefaultPort {
		t.Fatalf("port = %d, want default after malformed file", cfg.Port)
	}
}

func TestLoad_SchemaInvalidFallsBackToDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{"port": "not-a-number"}`)
	cfg := Load(path)
	if cfg.Port != DefaultPort {
		t.Fatalf("port = %d, want default after schema violation", cfg.Port)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{"port": 9123}`)
	t.Setenv("ACP_BRIDGE_PORT", "7911")
	t.Setenv("ACP_BRIDGE_HOST", "10.0.0.1")
	t.Setenv("ACP_BRIDGE_ASK_TIMEOUT_MS", "1500")
	t.Setenv("ACP_BRIDGE_MAX_TASKS", "7")
	t.Setenv("ACP_BRIDGE_TASK_TTL_MS", "60000")

	cfg := Load(path)
	if cfg.Port != 7911 {
		t.Fatalf("port = %d, want env override", cfg.Port)
	}
	if cfg.Host != "10.0.0.1" {
		t.Fatalf("host = %q", cfg.Host)
	}
	if cfg.AskTimeout != 1500*time.Millisecond {
		t.Fatalf("ask timeout = %v", cfg.AskTimeout)
	}
	if cfg.MaxTasks != 7 {
		t.Fatalf("max tasks = %d", cfg.MaxTasks)
	}
	if cfg.TaskTTL != time.Minute {
		t.Fatalf("ttl = %v", cfg.TaskTTL)
	}
}

func TestLoad_TildeExpansion(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{"agents": {"claude": {"command": "~/bin/claude-agent-acp"}}}`)
	cfg := Load(path)
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	want := filepath.Join(home, "bin", "claude-agent-acp")
	if got := cfg.Agents["claude"].Command; got != want {
		t.Fatalf("command = %q, want %q", got, want)
	}
}

func TestLoad_Schedules(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{
		"schedules": [
			{"name": "nightly", "cron": "0 2 * * *", "task": {"name": "sweep", "subtasks": [{"agent": "a", "prompt": "p"}]}}
		]
	}`)
	cfg := Load(path)
	if len(cfg.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(cfg.Schedules))
	}
	if cfg.Schedules[0].Name != "nightly" || cfg.Schedules[0].Cron != "0 2 * * *" {
		t.Fatalf("schedule = %+v", cfg.Schedules[0])
	}
}

func TestAddr(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: 7800}
	if cfg.Addr() != "127.0.0.1:7800" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
}
