package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/config"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/history"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/pip"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/runner"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/venv"
)

// --- Status ---

// StatusResponse is the JSON response for GET /v1/status.
type StatusResponse struct {
	State        string   `json:"state"`
	Runtime      string   `json:"runtime"`
	Environments []string `json:"environments"`
	DefaultReady bool     `json:"default_ready"`
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	names, err := g.envs.List()
	if err != nil {
		g.logger.Error("listing environments", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing environments failed")
	}
	return c.OK(StatusResponse{
		State:        "running",
		Runtime:      g.envs.RuntimeCommand(),
		Environments: names,
		DefaultReady: g.envs.Exists(venv.DefaultName),
	})
}

// --- Environments ---

// EnvListResponse is the JSON response for GET /v1/environments.
type EnvListResponse struct {
	Environments []string `json:"environments"`
}

// EnvCreateRequest is the JSON body for POST /v1/environments.
type EnvCreateRequest struct {
	Name string `json:"name"`
}

// EnvResponse acknowledges an environment lifecycle operation.
type EnvResponse struct {
	Name string `json:"name"`
}

func (g *Gateway) handleEnvList(c *okapi.Context) error {
	names, err := g.envs.List()
	if err != nil {
		g.logger.Error("listing environments", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing environments failed")
	}
	return c.OK(EnvListResponse{Environments: names})
}

func (g *Gateway) handleEnvCreate(c *okapi.Context) error {
	var req EnvCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("name is required")
	}
	if err := venv.ValidateName(req.Name); err != nil {
		return c.AbortBadRequest("environment names must match ^[A-Za-z0-9]+$")
	}
	if g.envs.Exists(req.Name) {
		return c.AbortBadRequest(fmt.Sprintf("environment %q already exists", req.Name))
	}

	if err := g.envs.Create(c.Context(), req.Name); err != nil {
		g.metrics.ObserveEnvOp("create", "error")
		if errors.Is(err, venv.ErrExists) {
			return c.AbortBadRequest(fmt.Sprintf("environment %q already exists", req.Name))
		}
		g.logger.Error("environment creation failed",
			slog.String("name", req.Name),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
	}

	g.metrics.ObserveEnvOp("create", "ok")
	return c.JSON(http.StatusCreated, EnvResponse{Name: req.Name})
}

func (g *Gateway) handleEnvDelete(c *okapi.Context) error {
	name := c.Param("name")
	if err := venv.ValidateName(name); err != nil {
		return c.AbortBadRequest("environment names must match ^[A-Za-z0-9]+$")
	}
	if name == venv.DefaultName {
		return c.AbortBadRequest("the default environment cannot be deleted")
	}
	if !g.envs.Exists(name) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: fmt.Sprintf("environment %q not found", name)})
	}

	if err := g.envs.Delete(name); err != nil {
		g.metrics.ObserveEnvOp("delete", "error")
		g.logger.Error("environment deletion failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: err.Error()})
	}

	g.metrics.ObserveEnvOp("delete", "ok")
	return c.OK(EnvResponse{Name: name})
}

// --- Execution ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeout_ms,omitempty"` // 0 = service default; otherwise [1000, 300000].
	Env       string `json:"env,omitempty"`        // Empty = default environment.
}

// ExecuteResponse is the JSON response for POST /v1/execute.
// Stderr is present only for a soft failure.
type ExecuteResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr,omitempty"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("code is required")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}
	env, errMsg := g.resolveEnv(req.Env)
	if errMsg != "" {
		return c.AbortBadRequest(errMsg)
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = g.config.DefaultTimeoutMs
	}
	if timeoutMs < config.MinTimeoutMs || timeoutMs > config.MaxTimeoutMs {
		return c.AbortBadRequest(fmt.Sprintf("timeout_ms must be between %d and %d", config.MinTimeoutMs, config.MaxTimeoutMs))
	}

	start := time.Now()
	result, err := g.runner.Execute(c.Context(), req.Code, time.Duration(timeoutMs)*time.Millisecond, env)
	if err != nil {
		g.recordRun(c, history.Run{
			Env:        env,
			DurationMs: time.Since(start).Milliseconds(),
			TimedOut:   isTimeout(err),
			Failed:     true,
		})

		var timeoutErr *runner.TimeoutError
		if errors.As(err, &timeoutErr) {
			g.metrics.ObserveExecution(env, "timeout", time.Since(start))
			return c.JSON(http.StatusInternalServerError, ErrorBody{Error: timeoutErr.Error()})
		}
		g.metrics.ObserveExecution(env, "spawn_error", time.Since(start))
		g.logger.Error("execution failed",
			slog.String("env", env),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "execution failed: could not start interpreter"})
	}

	status := "ok"
	if result.Failed() {
		status = "script_error"
	}
	g.metrics.ObserveExecution(env, status, result.Duration)
	g.recordRun(c, history.Run{
		Env:        env,
		ExitCode:   result.ExitCode,
		DurationMs: result.Duration.Milliseconds(),
		Failed:     result.Failed(),
	})

	return c.OK(ExecuteResponse{
		Stdout: result.Stdout,
		Stderr: result.Stderr,
	})
}

func isTimeout(err error) bool {
	var timeoutErr *runner.TimeoutError
	return errors.As(err, &timeoutErr)
}

// recordRun persists one run when history is enabled. Best-effort: a
// history defect never fails the execution response.
func (g *Gateway) recordRun(c *okapi.Context, run history.Run) {
	if g.runs == nil {
		return
	}
	if err := g.runs.Record(c.Context(), run); err != nil {
		g.logger.Warn("recording run history failed", slog.String("error", err.Error()))
	}
}

// --- Packages ---

// PackageRequest is the JSON body for package install/uninstall.
type PackageRequest struct {
	Packages string `json:"packages"`      // Whitespace-separated specifiers.
	Env      string `json:"env,omitempty"` // Empty = default environment.
}

// PackageOpResponse is the JSON response for install/uninstall.
// Error is present only when the package tool reported failure.
type PackageOpResponse struct {
	Stdout string `json:"stdout"`
	Error  string `json:"error,omitempty"`
}

// PackageListResponse is the JSON response for GET /v1/packages.
type PackageListResponse struct {
	Packages []pip.Package `json:"packages"`
}

func (g *Gateway) handlePackageInstall(c *okapi.Context) error {
	return g.handlePackageOp(c, "install", g.pip.Install)
}

func (g *Gateway) handlePackageUninstall(c *okapi.Context) error {
	return g.handlePackageOp(c, "uninstall", g.pip.Uninstall)
}

func (g *Gateway) handlePackageOp(
	c *okapi.Context,
	action string,
	op func(ctx context.Context, packages string, timeout time.Duration, env string) (*pip.Result, error),
) error {
	var req PackageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("packages is required")
	}
	env, errMsg := g.resolveEnv(req.Env)
	if errMsg != "" {
		return c.AbortBadRequest(errMsg)
	}

	result, err := op(c.Context(), req.Packages, 0, env)
	if err != nil {
		switch {
		case errors.Is(err, pip.ErrNoPackages):
			return c.AbortBadRequest("packages is required")
		case errors.Is(err, pip.ErrUnavailable):
			return c.AbortBadRequest(fmt.Sprintf("pip is not available in environment %q", env))
		}
		g.metrics.ObservePackageOp(action, "error")
		g.logger.Error("package operation failed",
			slog.String("action", action),
			slog.String("env", env),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "package operation failed"})
	}

	if result.Failed() {
		g.metrics.ObservePackageOp(action, "tool_error")
	} else {
		g.metrics.ObservePackageOp(action, "ok")
	}
	return c.OK(PackageOpResponse{
		Stdout: result.Stdout,
		Error:  result.Error,
	})
}

func (g *Gateway) handlePackageList(c *okapi.Context) error {
	env, errMsg := g.resolveEnv(c.Query("env"))
	if errMsg != "" {
		return c.AbortBadRequest(errMsg)
	}

	packages, err := g.pip.List(c.Context(), env)
	if err != nil {
		if errors.Is(err, pip.ErrUnavailable) {
			return c.AbortBadRequest(fmt.Sprintf("pip is not available in environment %q", env))
		}
		g.logger.Error("listing packages failed",
			slog.String("env", env),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "listing packages failed"})
	}
	if packages == nil {
		packages = []pip.Package{}
	}
	return c.OK(PackageListResponse{Packages: packages})
}

// --- History ---

// HistoryResponse is the JSON response for GET /v1/history.
type HistoryResponse struct {
	Runs []history.Run `json:"runs"`
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := g.runs.Recent(c.Context(), limit)
	if err != nil {
		g.logger.Error("querying run history", slog.String("error", err.Error()))
		return c.AbortInternalServerError("querying run history failed")
	}
	if runs == nil {
		runs = []history.Run{}
	}
	return c.OK(HistoryResponse{Runs: runs})
}

// --- Helpers ---

// resolveEnv applies the default environment name, validates it, and checks
// existence. Returns the resolved name, or a nonempty message for a 400.
func (g *Gateway) resolveEnv(name string) (string, string) {
	if name == "" {
		name = venv.DefaultName
	}
	if err := venv.ValidateName(name); err != nil {
		return "", "environment names must match ^[A-Za-z0-9]+$"
	}
	if !g.envs.Exists(name) {
		return "", fmt.Sprintf("environment %q not found", name)
	}
	return name, ""
}
