// Package config loads the bridge's JSON configuration file and environment
// overrides. The file is read once at startup and treated as immutable.
package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Defaults for the HTTP listener and the task store.
const (
	DefaultPort       = 7800
	DefaultHost       = "127.0.0.1"
	DefaultAskTimeout = 300_000 * time.Millisecond
	DefaultMaxTasks   = 100
	DefaultTaskTTL    = 3_600_000 * time.Millisecond
)

// AgentOverride is a per-type command override from the config file.
type AgentOverride struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ScheduleEntry declares a recurring task submission in the config file.
// Task is decoded by the caller against the task-creation request shape.
type ScheduleEntry struct {
	Name string          `json:"name"`
	Cron string          `json:"cron"`
	Task json.RawMessage `json:"task"`
}

// TelemetryConfig controls the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled,omitempty"`
	Exporter    string  `json:"exporter,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
}

// Config is the merged file + environment configuration.
type Config struct {
	HomeDir string `json:"-"`

	Port     int    `json:"port,omitempty"`
	Host     string `json:"host,omitempty"`
	LogLevel string `json:"log_level,omitempty"`

	Agents    map[string]AgentOverride `json:"agents,omitempty"`
	Schedules []ScheduleEntry          `json:"schedules,omitempty"`
	Telemetry TelemetryConfig          `json:"telemetry,omitempty"`

	AskTimeout time.Duration `json:"-"`
	MaxTasks   int           `json:"-"`
	TaskTTL    time.Duration `json:"-"`
}

// configSchema validates the file shape before decoding. Unknown fields are
// allowed; wrong types are not.
const configSchema = `{
  "type": "object",
  "properties": {
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "host": {"type": "string"},
    "log_level": {"type": "string"},
    "agents": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "command": {"type": "string"},
          "args": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    },
    "schedules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "cron", "task"],
        "properties": {
          "name": {"type": "string"},
          "cron": {"type": "string"}
        }
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string"},
        "endpoint": {"type": "string"},
        "service_name": {"type": "string"},
        "sample_rate": {"type": "number"}
      }
    }
  }
}`

// HomeDir resolves the bridge's data directory: ACP_BRIDGE_HOME or
// ~/.acp-bridge.
func HomeDir() string {
	if v := strings.TrimSpace(os.Getenv("ACP_BRIDGE_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".acp-bridge"
	}
	return filepath.Join(home, ".acp-bridge")
}

// Load reads the config file at path (or the default location when empty),
// validates it, and applies environment overrides. A missing, malformed, or
// schema-invalid file logs a warning and yields the defaults.
func Load(path string) Config {
	cfg := Config{
		HomeDir:    HomeDir(),
		Port:       DefaultPort,
		Host:       DefaultHost,
		AskTimeout: DefaultAskTimeout,
		MaxTasks:   DefaultMaxTasks,
		TaskTTL:    DefaultTaskTTL,
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv("ACP_BRIDGE_CONFIG"))
	}
	if path == "" {
		path = filepath.Join(cfg.HomeDir, "config.json")
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		if err := validate(raw); err != nil {
			slog.Warn("config file invalid, using defaults", "path", path, "error", err)
		} else if err := json.Unmarshal(raw, &cfg); err != nil {
			slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
		} else {
			expandAgentPaths(&cfg)
		}
	} else if !os.IsNotExist(err) {
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
	}

	applyEnv(&cfg)
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = DefaultHost
	}
	return cfg
}

func validate(raw []byte) error {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return err
	}
	if err := compiler.AddResource("config.schema.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

// expandAgentPaths expands tilde-prefixed command paths to the user's home.
func expandAgentPaths(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for agentType, override := range cfg.Agents {
		if strings.HasPrefix(override.Command, "~") {
			override.Command = filepath.Join(home, strings.TrimPrefix(override.Command, "~"))
			cfg.Agents[agentType] = override
		}
	}
}

func applyEnv(cfg *Config) {
	if v, ok := envInt("ACP_BRIDGE_PORT"); ok {
		cfg.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("ACP_BRIDGE_HOST")); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt("ACP_BRIDGE_ASK_TIMEOUT_MS"); ok && v > 0 {
		cfg.AskTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("ACP_BRIDGE_MAX_TASKS"); ok && v > 0 {
		cfg.MaxTasks = v
	}
	if v, ok := envInt("ACP_BRIDGE_TASK_TTL_MS"); ok && v > 0 {
		cfg.TaskTTL = time.Duration(v) * time.Millisecond
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Addr returns the host:port the HTTP listener binds.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
