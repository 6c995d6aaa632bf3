package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Server.ResolvedListenAddr(); got != "127.0.0.1:5001" {
		t.Errorf("ResolvedListenAddr() = %q, want default", got)
	}
	if got := cfg.Execution.ResolvedDefaultTimeoutMs(); got != DefaultTimeoutMs {
		t.Errorf("ResolvedDefaultTimeoutMs() = %d, want %d", got, DefaultTimeoutMs)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"workspace": "/tmp/pyr",
		"runtime": {"command": "python3.12"},
		"execution": {"default_timeout_ms": 5000},
		"server": {"listen_addr": ":9999"}
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/pyr" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
	if got := cfg.Runtime.ResolvedCommand(); got != "python3.12" {
		t.Errorf("ResolvedCommand() = %q", got)
	}
	if got := cfg.Execution.ResolvedDefaultTimeoutMs(); got != 5000 {
		t.Errorf("ResolvedDefaultTimeoutMs() = %d, want 5000", got)
	}
	if got := cfg.Server.ResolvedListenAddr(); got != ":9999" {
		t.Errorf("ResolvedListenAddr() = %q", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "logging:\n  max_file_size_bytes: 2048\n  retention_days: 7\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.MaxFileSizeBytes != 2048 {
		t.Errorf("MaxFileSizeBytes = %d, want 2048", cfg.Logging.MaxFileSizeBytes)
	}
	if cfg.Logging.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.Logging.RetentionDays)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PYRUNNER_HOME", "/tmp/elsewhere")
	t.Setenv("PYRUNNER_PYTHON", "python3.13")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/elsewhere" {
		t.Errorf("Workspace = %q, want env override", cfg.Workspace)
	}
	if got := cfg.Runtime.ResolvedCommand(); got != "python3.13" {
		t.Errorf("ResolvedCommand() = %q, want env override", got)
	}
}

func TestValidateRejectsNegatives(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"timeout", Config{Execution: ExecutionConfig{DefaultTimeoutMs: -1}}},
		{"file size", Config{Logging: LoggingConfig{MaxFileSizeBytes: -1}}},
		{"retention", Config{Logging: LoggingConfig{RetentionDays: -1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestResolvedDefaultTimeoutClamped(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, DefaultTimeoutMs},
		{500, MinTimeoutMs},
		{400000, MaxTimeoutMs},
		{30000, 30000},
	}
	for _, tc := range tests {
		if got := (ExecutionConfig{DefaultTimeoutMs: tc.in}).ResolvedDefaultTimeoutMs(); got != tc.want {
			t.Errorf("ResolvedDefaultTimeoutMs(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
