// Package config handles loading and validating PyRunner configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Execution timeout bounds in milliseconds. Requests outside this range are
// rejected before any process is spawned.
const (
	MinTimeoutMs     = 1000
	MaxTimeoutMs     = 300000
	DefaultTimeoutMs = 60000
)

// Config is the root configuration for PyRunner.
type Config struct {
	Workspace string          `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.pyrunner. Override: PYRUNNER_HOME env var.
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty" yaml:"metrics,omitempty"` // nil = metrics disabled
	History   *HistoryConfig  `json:"history,omitempty" yaml:"history,omitempty"` // nil = run history disabled
}

// RuntimeConfig configures the Python runtime used to provision environments.
type RuntimeConfig struct {
	Command string `json:"command,omitempty" yaml:"command,omitempty"` // Python executable used for `-m venv`. Default: python3 (python on Windows). Override: PYRUNNER_PYTHON env var.
}

// ResolvedCommand returns the configured runtime command, defaulting per platform.
func (r RuntimeConfig) ResolvedCommand() string {
	if r.Command != "" {
		return r.Command
	}
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// ExecutionConfig bounds code execution requests.
type ExecutionConfig struct {
	DefaultTimeoutMs int `json:"default_timeout_ms" yaml:"default_timeout_ms"` // Default: 60000.
}

// ResolvedDefaultTimeoutMs returns the default execution timeout, clamped to
// the valid request range.
func (e ExecutionConfig) ResolvedDefaultTimeoutMs() int {
	t := e.DefaultTimeoutMs
	if t == 0 {
		return DefaultTimeoutMs
	}
	if t < MinTimeoutMs {
		return MinTimeoutMs
	}
	if t > MaxTimeoutMs {
		return MaxTimeoutMs
	}
	return t
}

// LoggingConfig seeds the audit log configuration on first startup and
// controls retention of rotated files. The live log configuration is owned
// by the auditlog package and persisted separately; these values apply only
// when no persisted configuration exists yet.
type LoggingConfig struct {
	MaxFileSizeBytes int64  `json:"max_file_size_bytes" yaml:"max_file_size_bytes"` // Default: 1 MiB.
	RetentionDays    int    `json:"retention_days" yaml:"retention_days"`           // Rotated files older than this are pruned. 0 = keep forever.
	PruneSchedule    string `json:"prune_schedule" yaml:"prune_schedule"`           // Cron expression. Default: "0 3 * * *" (daily at 03:00).
}

// ResolvedPruneSchedule returns the cron schedule for log pruning.
func (l LoggingConfig) ResolvedPruneSchedule() string {
	if l.PruneSchedule != "" {
		return l.PruneSchedule
	}
	return "0 3 * * *"
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddr     string `json:"listen_addr" yaml:"listen_addr"`           // Default: "127.0.0.1:5001". Override: PYRUNNER_LISTEN_ADDR env var.
	APIKey         string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Empty = no authentication (local single-operator default). Override: PYRUNNER_API_KEY env var.
	EnableDocs     bool   `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSize int64  `json:"max_request_size" yaml:"max_request_size"` // Maximum request body in bytes. 0 = 1 MB default.
}

// ResolvedListenAddr returns the listen address, defaulting to loopback.
func (s ServerConfig) ResolvedListenAddr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return "127.0.0.1:5001"
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// HistoryConfig configures the SQLite run-history store.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
}

// ResolvedWorkspace returns the workspace root, defaulting to ~/.pyrunner.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace != "" {
		return c.Workspace
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pyrunner"
	}
	return filepath.Join(home, ".pyrunner")
}

// DefaultConfigPath returns the default config file path (~/.pyrunner/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/pyrunner.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".pyrunner", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. A missing file is not an error — the service runs entirely
// on defaults. Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	var cfg Config

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	default:
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envWS := os.Getenv("PYRUNNER_HOME"); envWS != "" {
		cfg.Workspace = envWS
	}
	if envPy := os.Getenv("PYRUNNER_PYTHON"); envPy != "" {
		cfg.Runtime.Command = envPy
	}
	if envAddr := os.Getenv("PYRUNNER_LISTEN_ADDR"); envAddr != "" {
		cfg.Server.ListenAddr = envAddr
	}
	if envKey := os.Getenv("PYRUNNER_API_KEY"); envKey != "" {
		cfg.Server.APIKey = envKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Execution.DefaultTimeoutMs < 0 {
		return fmt.Errorf("execution.default_timeout_ms must not be negative")
	}
	if c.Logging.MaxFileSizeBytes < 0 {
		return fmt.Errorf("logging.max_file_size_bytes must not be negative")
	}
	if c.Logging.RetentionDays < 0 {
		return fmt.Errorf("logging.retention_days must not be negative")
	}
	return nil
}

// resolvePath expands ~ to the user home directory.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return path, nil
}
