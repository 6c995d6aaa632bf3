// Package venv manages named, isolated Python virtual environments on disk.
// Each environment is one self-contained directory under the store root,
// created with the runtime's own venv module. An environment "exists" when
// its interpreter binary is present.
package venv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/auditlog"
)

// DefaultName is the environment auto-provisioned at startup. It can never
// be deleted.
const DefaultName = "default"

// createTimeout bounds the venv-creation subprocess.
const createTimeout = 120 * time.Second

// nameRe restricts environment names to a single safe path component.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

var (
	// ErrInvalidName is returned for names outside ^[A-Za-z0-9]+$.
	ErrInvalidName = errors.New("invalid environment name")
	// ErrProtected is returned when deleting the default environment.
	ErrProtected = errors.New("the default environment cannot be deleted")
	// ErrExists is returned when creating an environment that already exists.
	ErrExists = errors.New("environment already exists")
	// ErrNotFound is returned when the named environment does not exist.
	ErrNotFound = errors.New("environment not found")
)

// Store creates, deletes, lists, and resolves named environments.
//
// Lifecycle operations on the same name are not serialized against each
// other or against executions: concurrent create/delete/execute on one
// environment can race, surfacing as a spawn error rather than a graceful
// rejection. Accepted for a single-operator, single-machine deployment.
type Store struct {
	root    string // directory holding one subdirectory per environment
	runtime string // Python executable used for `-m venv`
	audit   *auditlog.Logger
	logger  *slog.Logger
}

// New creates a Store rooted at the given directory.
func New(root, runtimeCmd string, audit *auditlog.Logger, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Store{
		root:    root,
		runtime: runtimeCmd,
		audit:   audit,
		logger:  logger,
	}
}

// RuntimeCommand returns the Python executable the store provisions with.
func (s *Store) RuntimeCommand() string { return s.runtime }

// ValidateName checks an environment name against the allowed pattern.
// Every filesystem and process action validates the name first.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// Dir returns the environment's root directory.
func (s *Store) Dir(name string) string {
	return filepath.Join(s.root, name)
}

// InterpreterPath returns the environment's Python binary path,
// platform-specific (bin/python vs Scripts\python.exe).
func (s *Store) InterpreterPath(name string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(s.Dir(name), "Scripts", "python.exe")
	}
	return filepath.Join(s.Dir(name), "bin", "python")
}

// PipPath returns the environment's pip binary path.
func (s *Store) PipPath(name string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(s.Dir(name), "Scripts", "pip.exe")
	}
	return filepath.Join(s.Dir(name), "bin", "pip")
}

// Exists reports whether the environment's interpreter binary is present.
func (s *Store) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	info, err := os.Stat(s.InterpreterPath(name))
	return err == nil && !info.IsDir()
}

// List returns the sorted names of every environment whose interpreter
// binary exists.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading environments directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if s.Exists(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Create provisions a new environment by running the platform's
// venv-creation tool as a bounded subprocess. Success is exit status zero;
// any failure surfaces the tool's captured error output, or a generic
// message when there is none.
//
// Create is not idempotent against concurrent duplicate creates — callers
// must pre-check Exists.
func (s *Store) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if s.Exists(name) {
		return ErrExists
	}

	ctx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	dir := s.Dir(name)
	cmd := exec.CommandContext(ctx, s.runtime, "-m", "venv", dir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.logger.Info("creating environment",
		slog.String("name", name),
		slog.String("runtime", s.runtime),
	)
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		// Spawn-level failures (missing runtime binary) and tool-reported
		// failures (nonzero exit) collapse to the same error shape; they
		// differ only in the audit detail.
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "environment creation failed"
		}
		s.audit.Record(auditlog.LevelError, auditlog.CategoryVenv, "environment creation failed", map[string]any{
			"name":        name,
			"error":       runErr.Error(),
			"tool_output": msg,
		})
		return errors.New(msg)
	}

	s.audit.Record(auditlog.LevelInfo, auditlog.CategoryVenv, "environment created", map[string]any{
		"name":        name,
		"duration_ms": duration.Milliseconds(),
	})
	return nil
}

// Delete recursively removes the environment's directory tree. A missing
// directory is a no-op success. The default environment is protected.
func (s *Store) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if name == DefaultName {
		return ErrProtected
	}

	if err := os.RemoveAll(s.Dir(name)); err != nil {
		s.audit.Record(auditlog.LevelError, auditlog.CategoryVenv, "environment deletion failed", map[string]any{
			"name":  name,
			"error": err.Error(),
		})
		return fmt.Errorf("removing environment %s: %w", name, err)
	}

	s.audit.Record(auditlog.LevelInfo, auditlog.CategoryVenv, "environment deleted", map[string]any{
		"name": name,
	})
	return nil
}

// EnsureDefault provisions the default environment if it is absent.
// Called once at startup; afterwards the default environment always exists.
func (s *Store) EnsureDefault(ctx context.Context) error {
	if s.Exists(DefaultName) {
		return nil
	}
	s.logger.Info("provisioning default environment")
	if err := s.Create(ctx, DefaultName); err != nil && !errors.Is(err, ErrExists) {
		return fmt.Errorf("provisioning default environment: %w", err)
	}
	return nil
}
