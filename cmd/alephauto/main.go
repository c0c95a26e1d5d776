// AlephAuto is a pipeline job orchestration and monitoring service.
// Copyright (C) 2026 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"alephauto/internal/api"
	"alephauto/internal/broadcast"
	"alephauto/internal/cache"
	"alephauto/internal/config"
	"alephauto/internal/cron"
	"alephauto/internal/health"
	"alephauto/internal/logging"
	"alephauto/internal/metrics"
	"alephauto/internal/pipelines"
	"alephauto/internal/registry"
	"alephauto/internal/reports"
	"alephauto/internal/runner"
	"alephauto/internal/scheduler"
	"alephauto/internal/status"
	"alephauto/internal/store"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const (
	exitOK        = 0
	exitFailure   = 1
	exitMisconfig = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitMisconfig
	}

	logger := logging.New(cfg.LogLevel, cfg.Env)
	slog.SetDefault(logger)

	switch cmd {
	case "serve":
		return runServe(cfg, logger)
	case "migrate":
		return runMigrate(cfg, logger)
	case "cron":
		return runCron(cfg, logger, args)
	case "health":
		return runHealth(cfg)
	case "hash-token":
		return runHashToken(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, migrate, cron, health, or hash-token)\n", cmd)
		return exitMisconfig
	}
}

// app is the assembled control plane shared by serve and cron.
type app struct {
	store   *store.Store
	reg     *registry.Registry
	bus     *busHandle
	sched   *scheduler.Scheduler
	cronSvc *cron.Service
	logger  *slog.Logger
}

func runServe(cfg config.Config, logger *slog.Logger) int {
	ctx := context.Background()

	a, err := assemble(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitFailure
	}
	defer a.store.Close()

	sentryDown, err := setupSentry(cfg, a.bus.bus, logger)
	if err != nil {
		logger.Error("sentry init failed", "error", err)
		return exitFailure
	}
	defer sentryDown()

	agg := status.New(a.store, a.reg, a.sched, a.cronSvc, cfg.MaxAttempts, cfg.MaxConcurrent)

	broadcaster := broadcast.New(broadcast.Config{
		BatchWindow:    cfg.BatchWindow,
		QueueCap:       cfg.SubscriberQueueCap,
		IdleDisconnect: cfg.IdleDisconnect,
	}, func(ctx context.Context) (any, error) {
		return agg.Snapshot(ctx)
	}, logger)
	broadcaster.Attach(a.bus.bus)
	defer broadcaster.Close()

	reportSvc, err := reports.New(cfg.ReportsDir)
	if err != nil {
		logger.Error("reports directory init failed", "error", err)
		return exitFailure
	}

	resultCache := cache.New(ctx, cfg.RedisAddr(), cache.DefaultTTL, logger)
	defer resultCache.Close()

	checker := health.New(a.store, broadcaster, version, cfg.SecretCachePath, cfg.SecretCacheMaxAge)

	server := api.New(a.store, a.sched, a.reg, agg, checker, reportSvc, resultCache,
		broadcaster, metrics.Handler(),
		api.Config{
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			MutationToken:      cfg.MutationToken,
		}, logger)
	defer server.Close()

	if err := a.sched.Start(ctx); err != nil {
		logger.Error("scheduler start failed", "error", err)
		return exitFailure
	}
	defer a.sched.Stop()

	a.cronSvc.Start()
	defer a.cronSvc.Stop()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port, "version", version, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return exitFailure
	case <-quit:
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	return exitOK
}

func runMigrate(cfg config.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("migrate failed", "error", err)
		return exitFailure
	}
	defer st.Close()
	logger.Info("migrations applied", "db", cfg.DBPath)
	return exitOK
}

// runCron starts the control plane without the HTTP surface: cron triggers
// feed the scheduler directly. --pipeline/--schedule adds one ad-hoc
// schedule on top of the environment-configured ones.
func runCron(cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("cron", flag.ContinueOnError)
	pipeline := fs.String("pipeline", "", "pipeline id for an ad-hoc schedule")
	schedule := fs.String("schedule", "", "cron expression for the ad-hoc schedule")
	if err := fs.Parse(args); err != nil {
		return exitMisconfig
	}
	if (*pipeline == "") != (*schedule == "") {
		fmt.Fprintln(os.Stderr, "--pipeline and --schedule must be used together")
		return exitMisconfig
	}
	if *pipeline != "" && *schedule != "" {
		// The cron service reads schedules from the environment; route the
		// ad-hoc flag pair through the pipeline's own variable.
		envName := cronEnvFor(*pipeline)
		if envName == "" {
			fmt.Fprintf(os.Stderr, "unknown pipeline %q\n", *pipeline)
			return exitMisconfig
		}
		os.Setenv(envName, *schedule)
	}

	ctx := context.Background()
	a, err := assemble(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitFailure
	}
	defer a.store.Close()

	sentryDown, err := setupSentry(cfg, a.bus.bus, logger)
	if err != nil {
		logger.Error("sentry init failed", "error", err)
		return exitFailure
	}
	defer sentryDown()

	if err := a.sched.Start(ctx); err != nil {
		logger.Error("scheduler start failed", "error", err)
		return exitFailure
	}
	defer a.sched.Stop()

	a.cronSvc.Start()
	defer a.cronSvc.Stop()
	logger.Info("cron runner started", "schedules", len(a.cronSvc.Schedules()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("cron runner stopping")
	return exitOK
}

func runHealth(cfg config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "health check failed:", err)
		return exitFailure
	}
	defer st.Close()

	checker := health.New(st, nil, version, cfg.SecretCachePath, cfg.SecretCacheMaxAge)
	report := checker.Check(ctx)

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if report.Status != health.StatusHealthy {
		return exitFailure
	}
	return exitOK
}

// runHashToken prints the bcrypt hash of a mutation token for use as
// MUTATION_TOKEN.
func runHashToken(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: alephauto hash-token <token>")
		return exitMisconfig
	}
	hash, err := hashToken(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash failed:", err)
		return exitFailure
	}
	fmt.Println(hash)
	return exitOK
}

func assemble(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if err := pipelines.RegisterAll(reg, pipelines.Options{
		ScriptsDir: cfg.ScriptsDir,
		Resolver: &runner.InterpreterResolver{
			Override: cfg.PythonPath,
			VenvDir:  ".venv",
		},
		CancelGrace:           cfg.CancelGrace,
		DefaultRepositoryPath: cfg.DefaultRepositoryPath,
	}); err != nil {
		st.Close()
		return nil, err
	}
	reg.Seal()

	b := newBusHandle(logger)

	sched := scheduler.New(st, reg, b.bus, scheduler.Config{
		MaxConcurrent:  cfg.MaxConcurrent,
		PerPipelineMax: cfg.PerPipelineMax,
		MaxAttempts:    cfg.MaxAttempts,
		BaseTimeout:    cfg.BaseTimeout,
		CancelGrace:    cfg.CancelGrace,
	}, logger)

	cronSvc, err := cron.New(reg, sched, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{store: st, reg: reg, bus: b, sched: sched, cronSvc: cronSvc, logger: logger}, nil
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// cronEnvFor maps a pipeline id to its schedule variable.
func cronEnvFor(pipelineID string) string {
	reg := registry.New()
	if err := pipelines.RegisterAll(reg, pipelines.Options{
		ScriptsDir: ".",
		Resolver:   &runner.InterpreterResolver{},
	}); err != nil {
		return ""
	}
	desc, err := reg.Resolve(pipelineID)
	if err != nil {
		return ""
	}
	return desc.CronEnv
}
