// Kestrel - Real-time fraud scoring with rules that learn from outcomes.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feedback"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scheduler"
	"github.com/opensource-finance/kestrel/internal/stats"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $KESTREL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"stats", cfg.Stats.Backend,
		"async_feedback", cfg.Feedback.Async,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Rule statistics
	recorder, err := stats.New(cfg.Stats, repo, redisClient(cacheImpl))
	if err != nil {
		slog.Error("failed to initialize rule statistics", "error", err)
		os.Exit(1)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	// Initialize Rule Engine and catalog
	engine, err := rules.NewEngine(cfg.Policy, recorder, cfg.Engine.MaxWorkers)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	catalog := rules.NewCatalog(repo, engine, recorder)
	if err := seedRules(ctx, catalog, cfg.Engine); err != nil {
		slog.Error("failed to seed rules", "error", err)
		os.Exit(1)
	}
	count, err := catalog.Reload(ctx)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	m.SetActiveRules(count)
	slog.Info("rule engine initialized", "rules_count", count)

	// Occurrence counters
	counter, err := velocity.NewService(cacheImpl, cfg.Engine.VelocityWindows)
	if err != nil {
		slog.Error("failed to initialize velocity service", "error", err)
		os.Exit(1)
	}

	// Decision pipeline
	processor := tadp.NewProcessor(cfg.Policy)
	manager := cases.NewManager(repo, busImpl, m)
	loop := feedback.NewLoop(recorder, repo, cfg.Feedback.Concurrency)

	svc, err := decision.NewService(decision.Options{
		Engine:        engine,
		Processor:     processor,
		Scores:        repo,
		Cases:         manager,
		Enricher:      counter,
		Feedback:      loop,
		Cache:         cacheImpl,
		Bus:           busImpl,
		Metrics:       m,
		AsyncFeedback: cfg.Feedback.Async,
	})
	if err != nil {
		slog.Error("failed to initialize decision service", "error", err)
		os.Exit(1)
	}
	manager.SetOutcomeConfirmer(svc)
	slog.Info("decision service initialized",
		"block_threshold", cfg.Policy.DecisionThresholds.Block,
		"ml_blend_weight", cfg.Policy.MLBlendWeight,
	)

	// Async worker: queued evaluations always, outcomes only when not applied inline
	asyncWorker := worker.NewWorker(busImpl, svc, loop)
	if err := asyncWorker.Start(worker.Config{
		Evaluations: true,
		Feedback:    cfg.Feedback.Async,
	}); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	// Audit trail of case transitions
	auditSub, err := busImpl.Subscribe(ctx, domain.TopicAllCases, logCaseEvent)
	if err != nil {
		slog.Error("failed to subscribe case audit log", "error", err)
		os.Exit(1)
	}
	defer auditSub.Unsubscribe()

	// Background jobs
	sched, err := scheduler.New(cfg.Scheduler, cfg.Feedback, catalog, loop, m)
	if err != nil {
		slog.Error("failed to initialize scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()

	// Initialize Server
	deps := api.Deps{
		Decision: svc,
		Catalog:  catalog,
		Cases:    manager,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Metrics:  m,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = promhttp.Handler()
		deps.MetricsPath = cfg.Metrics.Path
	}
	srv := api.NewServer(cfg.Server, deps, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop background consumers after the server stops accepting work
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		slog.Warn("scheduler jobs still running at shutdown")
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func logCaseEvent(_ context.Context, msg *domain.Message) error {
	var ev domain.CaseEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return err
	}
	slog.Info("case audit",
		"topic", msg.Topic,
		"case_number", ev.CaseNumber,
		"operation", ev.Operation,
		"status", ev.Status,
		"actor", ev.By,
	)
	return nil
}

// redisClient returns the client behind a Redis-backed cache, or nil.
func redisClient(c domain.Cache) redis.UniversalClient {
	switch impl := c.(type) {
	case *cache.TwoPhaseCache:
		return impl.Remote().Client()
	case *cache.RedisCache:
		return impl.Client()
	}
	return nil
}

// seedRules fills an empty rule store from the configured pack file, or from
// the built-in templates. A store that already holds rules is left alone.
func seedRules(ctx context.Context, catalog *rules.Catalog, cfg domain.EngineConfig) error {
	var pack []*domain.Rule
	switch {
	case cfg.RulesFile != "":
		loaded, err := rules.LoadPackFile(cfg.RulesFile)
		if err != nil {
			return err
		}
		pack = loaded
	case cfg.SeedDefaults:
		pack = rules.DefaultRules()
	default:
		slog.Info("rule seeding disabled - configure rules via POST /rules")
		return nil
	}

	result, err := catalog.Seed(ctx, pack)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		slog.Warn("rule rejected during seeding", "error", msg)
	}
	slog.Info("rule store seeded", "imported", result.Imported, "skipped", result.Skipped)
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║        Fraud Decision Engine              ║")
	fmt.Println("  ║   Score, decide, learn from outcomes.     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                  - Score an entity")
	fmt.Println("    GET  /scores/{id}               - Get a score")
	fmt.Println("    POST /scores/{id}/override      - Override a decision")
	fmt.Println("    POST /scores/{id}/outcome       - Confirm fraud or legitimate")
	fmt.Println("    GET  /entities/{kind}/{id}/scores - Score history of an entity")
	fmt.Println("    GET  /rules                     - List rules")
	fmt.Println("    POST /rules                     - Create a rule")
	fmt.Println("    POST /rules/reload              - Hot-reload rules from database")
	fmt.Println("    GET  /rules/export              - Export rules as YAML")
	fmt.Println("    GET  /cases                     - List fraud cases")
	fmt.Println("    POST /cases                     - Open a case")
	fmt.Println("    POST /cases/{id}/resolve        - Resolve a case")
	fmt.Println("    GET  /health                    - Health check")
	if cfg.Metrics.Enabled {
		fmt.Printf("    GET  %-26s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Println()
}
