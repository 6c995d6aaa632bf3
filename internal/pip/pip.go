// Package pip drives a virtual environment's package tool for install,
// uninstall, and list operations. Package specifiers get no local
// validation: malformed specifiers are rejected by pip itself and surfaced
// as a failure result, not an error.
package pip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/auditlog"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/venv"
)

// defaultTimeout bounds install/uninstall subprocesses when the caller
// passes none. Listing uses a shorter fixed bound.
const (
	defaultTimeout = 180 * time.Second
	listTimeout    = 30 * time.Second
)

// ErrUnavailable is returned when the environment has no usable pip binary.
// Checked before any process is spawned.
var ErrUnavailable = errors.New("pip is not available in this environment")

// ErrNoPackages is returned when the package string contains no tokens.
var ErrNoPackages = errors.New("no packages specified")

// Package is one installed package from the environment's listing.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Result is the outcome of an install or uninstall. A nonempty Error means
// the tool reported failure; Stdout carries whatever output was produced
// either way.
type Result struct {
	Stdout string
	Error  string
}

// Failed reports whether the tool reported failure.
func (r *Result) Failed() bool { return r.Error != "" }

// Manager invokes pip inside named environments.
type Manager struct {
	envs   *venv.Store
	audit  *auditlog.Logger
	logger *slog.Logger
}

// New creates a Manager resolving pip binaries through the given store.
func New(envs *venv.Store, audit *auditlog.Logger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Manager{
		envs:   envs,
		audit:  audit,
		logger: logger,
	}
}

// Available reports whether the environment has a pip binary.
func (m *Manager) Available(env string) bool {
	info, err := os.Stat(m.envs.PipPath(env))
	return err == nil && !info.IsDir()
}

// SplitPackages tokenizes a package string on whitespace, dropping empty
// tokens. No further validation happens locally.
func SplitPackages(packages string) []string {
	return strings.Fields(packages)
}

// Install installs the whitespace-separated packages into the environment.
func (m *Manager) Install(ctx context.Context, packages string, timeout time.Duration, env string) (*Result, error) {
	return m.modify(ctx, "install", packages, timeout, env)
}

// Uninstall removes the whitespace-separated packages from the environment.
func (m *Manager) Uninstall(ctx context.Context, packages string, timeout time.Duration, env string) (*Result, error) {
	return m.modify(ctx, "uninstall", packages, timeout, env)
}

func (m *Manager) modify(ctx context.Context, action, packages string, timeout time.Duration, env string) (*Result, error) {
	names := SplitPackages(packages)
	if len(names) == 0 {
		return nil, ErrNoPackages
	}
	if !m.Available(env) {
		m.audit.Record(auditlog.LevelWarn, auditlog.CategoryPackage, "package operation refused", map[string]any{
			"action": action,
			"env":    env,
			"reason": "pip unavailable",
		})
		return nil, ErrUnavailable
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	args := []string{action}
	if action == "uninstall" {
		args = append(args, "-y")
	}
	args = append(args, names...)

	stdout, stderr, exitCode, err := m.run(ctx, env, timeout, args...)
	if err != nil {
		m.audit.Record(auditlog.LevelError, auditlog.CategoryPackage, "package tool spawn failed", map[string]any{
			"action": action,
			"env":    env,
			"error":  err.Error(),
		})
		return nil, err
	}

	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("pip %s failed with exit code %d", action, exitCode)
		}
		m.audit.Record(auditlog.LevelError, auditlog.CategoryPackage, "package operation failed", map[string]any{
			"action":    action,
			"env":       env,
			"packages":  names,
			"exit_code": exitCode,
		})
		return &Result{Stdout: stdout, Error: msg}, nil
	}

	m.audit.Record(auditlog.LevelInfo, auditlog.CategoryPackage, "package operation completed", map[string]any{
		"action":   action,
		"env":      env,
		"packages": names,
	})
	return &Result{Stdout: strings.TrimSpace(stdout)}, nil
}

// List returns the environment's installed packages, sorted by name.
// Uses pip's machine-readable freeze format: one name==version per line; a
// line without the separator yields {name: line, version: ""}.
func (m *Manager) List(ctx context.Context, env string) ([]Package, error) {
	if !m.Available(env) {
		return nil, ErrUnavailable
	}

	stdout, stderr, exitCode, err := m.run(ctx, env, listTimeout, "list", "--format=freeze")
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("pip list failed with exit code %d", exitCode)
		}
		return nil, errors.New(msg)
	}

	var packages []Package
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, version, found := strings.Cut(line, "==")
		if !found {
			packages = append(packages, Package{Name: line})
			continue
		}
		packages = append(packages, Package{Name: name, Version: version})
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })
	return packages, nil
}

// run spawns one bounded pip subprocess and reports its outcome. A nonzero
// exit is returned as a code, not an error; only spawn-level failures and
// timeouts error.
func (m *Manager) run(ctx context.Context, env string, timeout time.Duration, args ...string) (stdout, stderr string, exitCode int, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.envs.PipPath(env), args...)
	cmd.Dir = m.envs.Dir(env)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	m.logger.Debug("running pip",
		slog.String("env", env),
		slog.Any("args", args),
	)

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return "", "", 0, fmt.Errorf("pip %s timed out after %s", args[0], timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", "", 0, fmt.Errorf("spawning pip for environment %s: %w", env, runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
