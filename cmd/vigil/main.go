// Vigil - Fraud investigation workflow for insurance documents.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/vigil/internal/alerting"
	"github.com/opensource-finance/vigil/internal/api"
	"github.com/opensource-finance/vigil/internal/bus"
	"github.com/opensource-finance/vigil/internal/cache"
	"github.com/opensource-finance/vigil/internal/cases"
	"github.com/opensource-finance/vigil/internal/config"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/historique"
	"github.com/opensource-finance/vigil/internal/notify"
	"github.com/opensource-finance/vigil/internal/qualification"
	"github.com/opensource-finance/vigil/internal/repository"
	"github.com/opensource-finance/vigil/internal/risk"
	"github.com/opensource-finance/vigil/internal/rules"
	"github.com/opensource-finance/vigil/internal/scoring"
	"github.com/opensource-finance/vigil/internal/worker"
	"github.com/opensource-finance/vigil/internal/workflow"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configFile := flag.String("config", "", "path to a vigil.yaml configuration file")
	flag.Parse()

	setupLogger(domain.LoggingConfig{Level: "info", Format: "json"})

	slog.Info("starting vigil",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Logging)

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"fraud_threshold", cfg.Thresholds.FraudThreshold,
		"suspicion_min", cfg.Thresholds.SuspicionMin,
	)
	if cfg.Tracing.Enabled {
		slog.Info("tracing enabled, spans go to the registered OpenTelemetry provider",
			"service_name", cfg.Tracing.ServiceName,
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("vigil stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("vigil shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	notifier := notify.NewPublisher(busImpl)

	engine, err := rules.NewEngine(0)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	escalation := cfg.Escalation
	if len(escalation) == 0 {
		escalation = rules.BuiltinRules()
	}
	if err := engine.ReloadRules(escalation); err != nil {
		return fmt.Errorf("load escalation rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	thresholds := cfg.Thresholds
	projector := historique.NewProjector(repo, notifier, &thresholds)
	synthesizer := alerting.NewSynthesizer(repo, projector, notifier, &thresholds, cfg.SLA, engine)
	ledger := risk.NewLedger(repo, cacheImpl, notifier, cfg.Cache.RisqueTTL)
	gate := qualification.NewGate(repo, ledger, notifier)
	caseSvc := cases.NewService(repo, projector, notifier)
	gateway := scoring.New(cfg.Scoring, nil)

	orch := workflow.New(workflow.Deps{
		Repo:        repo,
		Documents:   cacheImpl,
		Analyzer:    gateway,
		Projector:   projector,
		Synthesizer: synthesizer,
		Gate:        gate,
		Notifier:    notifier,
		Thresholds:  &thresholds,
	}, workflow.Options{
		ProjectionTimeout: cfg.Scoring.ProjectionTimeout,
		DocumentTTL:       cfg.Cache.DocumentTTL,
	})

	var retryWorker *worker.Worker
	if cfg.Worker.Enabled {
		retryWorker, err = worker.NewWorker(busImpl, orch, cfg.Worker)
		if err != nil {
			return fmt.Errorf("initialize retry worker: %w", err)
		}
		if err := retryWorker.Start(); err != nil {
			return fmt.Errorf("start retry worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Workflow:   orch,
		Gate:       gate,
		Cases:      caseSvc,
		Risk:       ledger,
		Engine:     engine,
		Thresholds: &thresholds,
	}, Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("vigil is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"classifier_url", cfg.Scoring.ClassifierURL,
		"tampering_enabled", cfg.Scoring.TamperingURL != "",
	)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	// Stop the worker first so no retry starts against a closing store.
	if retryWorker != nil {
		if err := retryWorker.Stop(); err != nil {
			slog.Error("failed to stop retry worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return runErr
}

// setupLogger installs the default slog logger. VIGIL_DEBUG=true forces the
// debug level.
func setupLogger(cfg domain.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if os.Getenv("VIGIL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
