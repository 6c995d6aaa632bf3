// Package runner executes submitted code as bounded OS subprocesses.
// One execution request maps to exactly one subprocess: the code is passed
// inline to the environment's interpreter, output is capped, and a
// wall-clock timeout races natural process exit.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/auditlog"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/venv"
)

// maxOutputBytes caps stdout/stderr to prevent OOM from chatty scripts.
// Output beyond the cap is discarded, not buffered.
const maxOutputBytes = 1 << 20 // 1 MB

const defaultTimeout = 60 * time.Second

// TimeoutError reports a subprocess that exceeded its wall-clock budget and
// was forcibly terminated.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

// SpawnError reports that the subprocess could not be started or awaited at
// all (missing interpreter, permission denied). Distinct from the user's
// code failing, which is a result rather than an error.
type SpawnError struct {
	Env string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning interpreter for environment %s: %v", e.Env, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Result captures one finished execution. Stderr is empty on success;
// a nonzero exit paired with nonempty stderr is a soft failure carried in
// the result, never an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Failed reports whether the execution is a soft failure.
func (r *Result) Failed() bool { return r.Stderr != "" }

// Runner spawns one bounded subprocess per execution request. Independent
// executions share no mutable state beyond audit logging; there is no queue
// or worker pool.
type Runner struct {
	envs           *venv.Store
	defaultTimeout time.Duration
	audit          *auditlog.Logger
	logger         *slog.Logger
}

// New creates a Runner resolving interpreters through the given store.
func New(envs *venv.Store, timeout time.Duration, audit *auditlog.Logger, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Runner{
		envs:           envs,
		defaultTimeout: timeout,
		audit:          audit,
		logger:         logger,
	}
}

// Execute runs code against the named environment's interpreter.
//
// The timeout races natural process exit; whichever resolves first settles
// the outcome and the loser's effect is discarded. On timeout the whole
// process group receives one kill signal — no escalation — and the call
// fails with *TimeoutError. Spawn-time errors fail with *SpawnError.
//
// Exit interpretation: nonzero exit with nonempty stderr is a soft failure
// result; nonzero exit with empty stderr is a success, since some
// interpreters exit nonzero without writing diagnostics. Stdout is trimmed
// on success, untrimmed on failure.
func (r *Runner) Execute(ctx context.Context, code string, timeout time.Duration, envName string) (*Result, error) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interpreter := r.envs.InterpreterPath(envName)

	// The code is passed as a direct inline program argument — no temp
	// file, no piped input.
	cmd := exec.CommandContext(ctx, interpreter, "-c", code)
	cmd.Dir = r.envs.Dir(envName)
	cmd.Env = buildEnv(r.envs, envName)
	setPlatformAttrs(cmd)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.Info("executing code",
		slog.String("env", envName),
		slog.Int("code_size", len(code)),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		// Timeout wins over any exit status the kill produced.
		if ctx.Err() != nil {
			r.audit.Record(auditlog.LevelError, auditlog.CategoryScript, "execution timed out", map[string]any{
				"env":        envName,
				"timeout_ms": timeout.Milliseconds(),
			})
			return nil, &TimeoutError{Timeout: timeout}
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			r.audit.Record(auditlog.LevelError, auditlog.CategoryScript, "execution spawn failed", map[string]any{
				"env":   envName,
				"error": runErr.Error(),
			})
			return nil, &SpawnError{Env: envName, Err: runErr}
		}

		// Nonzero exit: a result, not an error.
		stderr := stderrBuf.String()
		if stderr != "" {
			r.audit.Record(auditlog.LevelWarn, auditlog.CategoryScript, "script failed", map[string]any{
				"env":         envName,
				"exit_code":   exitErr.ExitCode(),
				"duration_ms": duration.Milliseconds(),
			})
			return &Result{
				Stdout:   stdoutBuf.String(),
				Stderr:   stderr,
				ExitCode: exitErr.ExitCode(),
				Duration: duration,
			}, nil
		}
		// Nonzero exit without diagnostics: treated as success. Some
		// interpreters exit nonzero without writing anything.
		r.audit.Record(auditlog.LevelInfo, auditlog.CategoryScript, "script finished", map[string]any{
			"env":         envName,
			"exit_code":   exitErr.ExitCode(),
			"duration_ms": duration.Milliseconds(),
		})
		return &Result{
			Stdout:   strings.TrimSpace(stdoutBuf.String()),
			ExitCode: exitErr.ExitCode(),
			Duration: duration,
		}, nil
	}

	r.audit.Record(auditlog.LevelInfo, auditlog.CategoryScript, "script finished", map[string]any{
		"env":         envName,
		"exit_code":   0,
		"duration_ms": duration.Milliseconds(),
	})
	return &Result{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Duration: duration,
	}, nil
}

// buildEnv activates the environment the way `source bin/activate` would:
// the venv's binary directory leads PATH and VIRTUAL_ENV points at its root.
func buildEnv(envs *venv.Store, name string) []string {
	binDir := filepath.Dir(envs.InterpreterPath(name))
	env := os.Environ()
	out := make([]string, 0, len(env)+2)
	out = append(out, "VIRTUAL_ENV="+envs.Dir(name))
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			out = append(out, "PATH="+binDir+string(os.PathListSeparator)+strings.TrimPrefix(kv, "PATH="))
			continue
		}
		if strings.HasPrefix(kv, "VIRTUAL_ENV=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		n = lw.remaining
	}
	if _, err := lw.w.Write(p[:n]); err != nil {
		return 0, err
	}
	lw.remaining -= n
	// Report full consumption so the copier never sees a short write.
	return len(p), nil
}
