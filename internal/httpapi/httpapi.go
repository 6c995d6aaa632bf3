// Package httpapi implements the HTTP API for PyRunner.
//
// Each external operation is handled independently; execution and package
// operations spawn exactly one OS process each and are bounded only by OS
// process limits — there is no global queue or worker pool. Handlers
// translate component errors into response shapes and never retry.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Strict input validation before any filesystem or process action
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/okapi"

	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/auditlog"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/history"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/observability"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/pip"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/runner"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/venv"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr       string // e.g., "127.0.0.1:5001"
	APIKey           string // Empty = no authentication (local single-operator default).
	EnableDocs       bool
	MaxRequestSize   int64 // Maximum request body in bytes. 0 = 1 MB default.
	DefaultTimeoutMs int   // Execution timeout applied when a request passes none.

	MetricsPath string // Path for the metrics endpoint. Default: "/metrics".
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	envs    *venv.Store
	runner  *runner.Runner
	pip     *pip.Manager
	audit   *auditlog.Logger
	logger  *slog.Logger
	metrics *observability.MetricsCollector // nil = metrics disabled.
	runs    *history.Store                  // nil = run history disabled.

	server *http.Server
	okapi  *okapi.Okapi
	group  *okapi.Group
}

// NewGateway creates an HTTP API gateway over the service components.
func NewGateway(cfg Config, envs *venv.Store, run *runner.Runner, pm *pip.Manager, audit *auditlog.Logger, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize == 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config: cfg,
		envs:   envs,
		runner: run,
		pip:    pm,
		audit:  audit,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithMetrics attaches a metrics collector and enables the /metrics endpoint.
func (g *Gateway) WithMetrics(m *observability.MetricsCollector) *Gateway {
	g.metrics = m
	return g
}

// WithHistory attaches the run-history store and enables /v1/history.
func (g *Gateway) WithHistory(runs *history.Store) *Gateway {
	g.runs = runs
	return g
}

// WithOpenAPIDocs enables the interactive API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "PyRunner",
			Version: "v1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics middleware (applied globally).
	if g.metrics != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.metrics, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Get("/status", g.handleStatus,
		okapi.DocSummary("Service status"),
		okapi.DocTags("Status"),
		okapi.DocResponse(StatusResponse{}),
	)

	// Environment lifecycle.
	g.group.Get("/environments", g.handleEnvList,
		okapi.DocSummary("List environments"),
		okapi.DocTags("Environments"),
		okapi.DocResponse(EnvListResponse{}),
	)
	g.group.Post("/environments", g.handleEnvCreate,
		okapi.DocSummary("Create a new environment"),
		okapi.DocTags("Environments"),
		okapi.DocRequestBody(EnvCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, EnvResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Delete("/environments/{name}", g.handleEnvDelete,
		okapi.DocSummary("Delete an environment"),
		okapi.DocTags("Environments"),
		okapi.DocPathParam("name", "string", "Environment name"),
		okapi.DocResponse(EnvResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Code execution.
	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute code in an environment"),
		okapi.DocTags("Execution"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)

	// Package management.
	g.group.Post("/packages/install", g.handlePackageInstall,
		okapi.DocSummary("Install packages into an environment"),
		okapi.DocTags("Packages"),
		okapi.DocRequestBody(PackageRequest{}),
		okapi.DocResponse(PackageOpResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/packages/uninstall", g.handlePackageUninstall,
		okapi.DocSummary("Uninstall packages from an environment"),
		okapi.DocTags("Packages"),
		okapi.DocRequestBody(PackageRequest{}),
		okapi.DocResponse(PackageOpResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/packages", g.handlePackageList,
		okapi.DocSummary("List installed packages"),
		okapi.DocTags("Packages"),
		okapi.DocResponse(PackageListResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Audit log management.
	g.group.Get("/logs/config", g.handleLogConfigGet,
		okapi.DocSummary("Get the audit log configuration"),
		okapi.DocTags("Logs"),
		okapi.DocResponse(auditlog.Config{}),
	)
	g.group.Put("/logs/config", g.handleLogConfigSet,
		okapi.DocSummary("Merge a partial audit log configuration and persist it"),
		okapi.DocTags("Logs"),
		okapi.DocRequestBody(auditlog.Patch{}),
		okapi.DocResponse(auditlog.Config{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/logs/files", g.handleLogFiles,
		okapi.DocSummary("List audit log files"),
		okapi.DocTags("Logs"),
		okapi.DocResponse(LogFilesResponse{}),
	)
	g.group.Get("/logs", g.handleLogRead,
		okapi.DocSummary("Read audit log lines, most recent first"),
		okapi.DocTags("Logs"),
		okapi.DocResponse(LogReadResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/logs/files/{name}", g.handleLogDelete,
		okapi.DocSummary("Delete an audit log file"),
		okapi.DocTags("Logs"),
		okapi.DocPathParam("name", "string", "Log file name"),
		okapi.DocResponse(LogDeleteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Run history (only when the store is configured).
	if g.runs != nil {
		g.group.Get("/history", g.handleHistory,
			okapi.DocSummary("List recent code executions"),
			okapi.DocTags("History"),
			okapi.DocResponse(HistoryResponse{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleHealth)
	if g.metrics != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      6 * time.Minute, // Executions can hold a response open for up to 5 minutes.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// authenticate validates the API key when one is configured.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.APIKey == "" {
			return next(c)
		}
		key := c.Header("X-Api-Key")
		if key == "" {
			authHeader := c.Header("Authorization")
			key = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(g.config.APIKey)) != 1 {
			return c.AbortUnauthorized("invalid API key")
		}
		return next(c)
	}
}

// handleHealth is the unauthenticated liveness probe.
func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(okapi.M{"status": "ok"})
}
