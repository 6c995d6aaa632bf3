package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/auditlog"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/config"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/history"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/httpapi"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/observability"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/pip"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/runner"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/venv"
	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/workspace"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `pyrunner --config path` and `pyrunner serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "listen", "", "override the HTTP listen address (e.g. 127.0.0.1:5001)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("PYRUNNER_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting pyrunner", slog.String("config", serveConfigPath))

	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return err
	}
	if err := ws.EnsureAll(); err != nil {
		return err
	}

	// The config file's logging section seeds the audit configuration only on
	// first startup; after that the persisted file is authoritative.
	_, seedErr := os.Stat(ws.LogConfigPath())
	firstStart := os.IsNotExist(seedErr)

	audit, err := auditlog.New(ws.LogConfigPath(), ws.LogsDir(), logger)
	if err != nil {
		return err
	}
	defer audit.Close()

	if firstStart && cfg.Logging.MaxFileSizeBytes > 0 {
		size := cfg.Logging.MaxFileSizeBytes
		if _, err := audit.Update(auditlog.Patch{MaxFileSizeBytes: &size}); err != nil {
			return fmt.Errorf("seeding log configuration: %w", err)
		}
	}

	envs := venv.New(ws.EnvsDir(), cfg.Runtime.ResolvedCommand(), audit, logger)
	run := runner.New(envs, time.Duration(cfg.Execution.ResolvedDefaultTimeoutMs())*time.Millisecond, audit, logger)
	packages := pip.New(envs, audit, logger)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Provision the default environment before accepting requests.
	if err := envs.EnsureDefault(ctx); err != nil {
		return fmt.Errorf("provisioning default environment: %w", err)
	}
	audit.Record(auditlog.LevelInfo, auditlog.CategorySystem, "service started", map[string]any{
		"listen_addr": cfg.Server.ResolvedListenAddr(),
		"runtime":     cfg.Runtime.ResolvedCommand(),
	})

	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:       cfg.Server.ResolvedListenAddr(),
		APIKey:           cfg.Server.APIKey,
		EnableDocs:       cfg.Server.EnableDocs,
		MaxRequestSize:   cfg.Server.MaxRequestSize,
		DefaultTimeoutMs: cfg.Execution.ResolvedDefaultTimeoutMs(),
	}, envs, run, packages, audit, logger)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		gw.WithMetrics(observability.NewMetricsCollector())
		logger.Debug("metrics enabled", slog.String("path", cfg.Metrics.Path))
	}
	if cfg.History != nil && cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			path = ws.HistoryDBPath()
		}
		runs, err := history.Open(path, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := runs.Close(); err != nil {
				logger.Error("closing history store", slog.String("error", err.Error()))
			}
		}()
		gw.WithHistory(runs)
		logger.Debug("run history enabled", slog.String("path", path))
	}
	// Prune rotated log files on a schedule.
	var pruner *cron.Cron
	if cfg.Logging.RetentionDays > 0 {
		maxAge := time.Duration(cfg.Logging.RetentionDays) * 24 * time.Hour
		pruner = cron.New()
		_, err := pruner.AddFunc(cfg.Logging.ResolvedPruneSchedule(), func() {
			removed, err := audit.Prune(maxAge)
			if err != nil {
				logger.Error("pruning rotated log files", slog.String("error", err.Error()))
				return
			}
			if removed > 0 {
				logger.Info("pruned rotated log files", slog.Int("removed", removed))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid prune schedule %q: %w", cfg.Logging.ResolvedPruneSchedule(), err)
		}
		pruner.Start()
		defer pruner.Stop()
	}

	// Run the gateway until a signal arrives or the server fails.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http server exited with error", slog.String("error", err.Error()))
		}
	}

	audit.Record(auditlog.LevelInfo, auditlog.CategorySystem, "service stopping", nil)
	audit.Flush()

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http server", slog.String("error", err.Error()))
	}

	return nil
}
