// Package auditlog implements the append-only audit log for PyRunner.
//
// Records are structured JSONL, one per line, written to per-day files that
// rotate by size. Writes are fire-and-forget: a single owning goroutine
// serializes appends and rotation, and any internal failure is diverted to a
// fallback slog channel — a logging defect never fails the caller's primary
// operation.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Level is the severity of a log record.
type Level string

const (
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
	LevelDebug Level = "DEBUG"
)

// Levels lists all known levels, most severe first.
var Levels = []Level{LevelError, LevelWarn, LevelInfo, LevelDebug}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelError, LevelWarn, LevelInfo, LevelDebug:
		return true
	}
	return false
}

// Category identifies the subsystem a record originates from.
type Category string

const (
	CategoryScript  Category = "SCRIPT"
	CategorySystem  Category = "SYSTEM"
	CategoryVenv    Category = "VENV"
	CategoryPackage Category = "PACKAGE"
)

// Record is one audit log entry.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Config is the process-wide, persisted log configuration.
type Config struct {
	Enabled          bool           `json:"enabled"`
	Directory        string         `json:"directory"`
	MaxFileSizeBytes int64          `json:"max_file_size_bytes"`
	Levels           map[Level]bool `json:"levels"`
}

// Patch is a partial configuration update. Nil fields are left unchanged;
// the Levels map merges key by key rather than replacing the whole map.
type Patch struct {
	Enabled          *bool          `json:"enabled,omitempty"`
	Directory        *string        `json:"directory,omitempty"`
	MaxFileSizeBytes *int64         `json:"max_file_size_bytes,omitempty"`
	Levels           map[Level]bool `json:"levels,omitempty"`
}

// DefaultMaxFileSize is the rotation threshold when none is configured.
const DefaultMaxFileSize int64 = 1 << 20 // 1 MB

// DefaultConfig returns the configuration used when no persisted
// configuration exists: everything enabled, rotating at 1 MB.
func DefaultConfig(directory string) Config {
	levels := make(map[Level]bool, len(Levels))
	for _, l := range Levels {
		levels[l] = true
	}
	return Config{
		Enabled:          true,
		Directory:        directory,
		MaxFileSizeBytes: DefaultMaxFileSize,
		Levels:           levels,
	}
}

// merge applies a patch and returns the resulting configuration.
func (c Config) merge(p Patch) Config {
	out := c
	out.Levels = make(map[Level]bool, len(c.Levels))
	for k, v := range c.Levels {
		out.Levels[k] = v
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.Directory != nil {
		out.Directory = *p.Directory
	}
	if p.MaxFileSizeBytes != nil {
		out.MaxFileSizeBytes = *p.MaxFileSizeBytes
	}
	for k, v := range p.Levels {
		out.Levels[k] = v
	}
	return out
}

// levelEnabled reports whether records at the given level should be written.
// Levels absent from the map default to enabled.
func (c Config) levelEnabled(l Level) bool {
	v, ok := c.Levels[l]
	if !ok {
		return true
	}
	return v
}

// maxFileSize returns the rotation threshold, applying the default when unset.
func (c Config) maxFileSize() int64 {
	if c.MaxFileSizeBytes <= 0 {
		return DefaultMaxFileSize
	}
	return c.MaxFileSizeBytes
}

// loadConfig reads a persisted configuration file.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing log config %s: %w", path, err)
	}
	if cfg.Levels == nil {
		cfg.Levels = make(map[Level]bool)
	}
	return cfg, nil
}

// saveConfig persists the configuration as indented JSON.
func saveConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling log config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing log config %s: %w", path, err)
	}
	return nil
}
