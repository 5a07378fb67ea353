// Kestrel - Credit risk scoring that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/modelstore"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Pick up a local .env if present; real environments set vars directly
	godotenv.Load()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnv(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"sync_train", cfg.Models.SyncTrain,
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

	// Initialize Model Store
	store := modelstore.New(repo, cfg.Models.ArtifactDir, logger)
	if report, err := store.CheckInvariant(ctx, cfg.Models.GoverningTenant); err != nil {
		slog.Warn("model store check failed", "error", err)
	} else if !report.OK {
		slog.Warn("model store inconsistent for governing tenant", "detail", report.Detail)
	} else {
		slog.Info("model store initialized",
			"governing_tenant", cfg.Models.GoverningTenant,
			"versions", report.VersionCount,
		)
	}

	// Initialize Rule Engine with builtins plus persisted tenant rules
	ruleEngine, err := rules.NewEngine(100, logger)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadRules(ctx, repo, ruleEngine, cfg.Models.GoverningTenant); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", len(ruleEngine.GetLoadedRules()))

	// Initialize Scoring Engine
	engine := scoring.NewEngine(store)

	// Initialize Lifecycle Orchestrator
	orchestrator := lifecycle.New(lifecycle.Config{
		Repo:            repo,
		Extractor:       features.NewExtractor(repo),
		Engine:          engine,
		Rules:           ruleEngine,
		Notifier:        notify.NewBusNotifier(busImpl, logger),
		Bus:             busImpl,
		Cache:           cacheImpl,
		Logger:          logger,
		GoverningTenant: cfg.Models.GoverningTenant,
	})
	slog.Info("lifecycle orchestrator initialized", "governing_tenant", cfg.Models.GoverningTenant)

	// Initialize training worker
	trainer := worker.NewTrainer(busImpl, store, 16, logger)
	if !cfg.Models.SyncTrain {
		tenantIDs := trainTenants(cfg)
		if err := trainer.Start(tenantIDs); err != nil {
			slog.Error("failed to start training worker", "error", err)
			os.Exit(1)
		}
		slog.Info("training worker started", "tenants", tenantIDs)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, orchestrator, engine, store, ruleEngine, trainer, cfg.Models, Version)

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

	// Stop the training worker first so in-flight jobs finish
	if !cfg.Models.SyncTrain {
		if err := trainer.Stop(); err != nil {
			slog.Error("failed to stop training worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnv overrides config fields from KESTREL_* environment variables.
func applyEnv(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Repository.PostgresPort = port
		}
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_ARTIFACT_DIR"); v != "" {
		cfg.Models.ArtifactDir = v
	}
	if v := os.Getenv("KESTREL_UPLOAD_DIR"); v != "" {
		cfg.Models.UploadDir = v
	}
	if v := os.Getenv("KESTREL_GOVERNING_TENANT"); v != "" {
		cfg.Models.GoverningTenant = v
	}
	if v := os.Getenv("KESTREL_SYNC_TRAIN"); v != "" {
		cfg.Models.SyncTrain = v == "true"
	}
}

// trainTenants lists the tenants the async worker consumes training jobs
// for: the governing tenant plus any extras from the environment.
func trainTenants(cfg *domain.Config) []string {
	tenants := []string{cfg.Models.GoverningTenant}
	if extra := os.Getenv("KESTREL_TENANTS"); extra != "" {
		for _, t := range strings.Split(extra, ",") {
			t = strings.TrimSpace(t)
			if t != "" && t != cfg.Models.GoverningTenant {
				tenants = append(tenants, t)
			}
		}
	}
	return tenants
}

// loadRules seeds the engine with the builtin outreach rules plus whatever
// the governing tenant has persisted via POST /rules.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine, governingTenant string) error {
	configs := rules.BuiltinRules()

	stored, err := repo.ListRuleConfigs(ctx, governingTenant)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
	} else {
		configs = append(configs, stored...)
	}

	return engine.LoadRules(configs)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║       Credit Risk Scoring Engine          ║")
	fmt.Println("  ║       Every swipe, scored.                ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /transactions                    - Record and score a spend event")
	fmt.Println("    GET   /transactions                    - Recent transactions for a customer")
	fmt.Println("    GET   /risk/summary                    - Live risk summary (score-on-read)")
	fmt.Println("    POST  /models/train                    - Upload a labeled dataset and train")
	fmt.Println("    GET   /models                          - Version history")
	fmt.Println("    GET   /models/active                   - Active model version")
	fmt.Println("    GET   /models/invariant                - Model store health check")
	fmt.Println("    POST  /score                           - Ad-hoc single-row scoring")
	fmt.Println("    POST  /score/batch                     - Ad-hoc batch scoring")
	fmt.Println("    GET   /customers                       - Customer dashboard summaries")
	fmt.Println("    GET   /customers/top                   - Top customers by kind")
	fmt.Println("    PATCH /customers/{id}/credit-limit     - Change a credit limit")
	fmt.Println("    PATCH /customers/{id}/controls         - Spend caps, blocks, alert opt-out")
	fmt.Println("    PATCH /customers/{id}/features         - Direct feature overrides")
	fmt.Println("    GET   /rules                           - List outreach rules")
	fmt.Println("    POST  /rules                           - Create an outreach rule")
	fmt.Println("    POST  /rules/reload                    - Hot-reload rules from database")
	fmt.Println("    GET   /health                          - Health check")
	fmt.Println()
}
