// Kestrel - COREP capital reporting validation in 60 seconds.
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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/extract"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/schema"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load .env if present (API keys, tier overrides)
	_ = godotenv.Load()

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

	if v := os.Getenv("KESTREL_SCHEMA_PATH"); v != "" {
		cfg.Reporting.SchemaPath = v
	}
	if v := os.Getenv("KESTREL_RULES_PATH"); v != "" {
		cfg.Reporting.RulesPath = v
	}
	cfg.Extractor.APIKey = os.Getenv("GROQ_API_KEY")
	if v := os.Getenv("KESTREL_EXTRACTOR_MODEL"); v != "" {
		cfg.Extractor.Model = v
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
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

	// Initialize template Schema
	templateSchema, err := loadSchema(cfg.Reporting.SchemaPath)
	if err != nil {
		slog.Error("failed to load template schema", "error", err)
		os.Exit(1)
	}
	slog.Info("template schema initialized", "template", templateSchema.TemplateID())

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

	// Initialize Reconciliation Engine
	reconciler, err := reconcile.NewEngine(templateSchema)
	if err != nil {
		slog.Error("failed to initialize reconciliation engine", "error", err)
		os.Exit(1)
	}
	slog.Info("reconciliation engine initialized")

	// Initialize supplementary Rule Engine
	rulesEngine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, rulesEngine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", rulesEngine.RulesCount())

	// Initialize Extractor (optional: /validate works without it)
	var extractor domain.Extractor
	rulesText := loadRulesText(cfg.Reporting.RulesPath)
	if cfg.Extractor.APIKey != "" {
		client, err := extract.NewClient(cfg.Extractor, templateSchema, rulesText)
		if err != nil {
			slog.Error("failed to initialize extractor", "error", err)
			os.Exit(1)
		}
		extractor = client
		slog.Info("extractor initialized", "model", cfg.Extractor.Model)
	} else {
		slog.Warn("GROQ_API_KEY not set - scenario extraction disabled, POST /validate still available")
	}

	// Initialize Report Assembler and History
	assembler := report.NewAssembler(repo)
	historySvc := history.NewService(repo, cacheImpl)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if extractor != nil && (cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true") {
		asyncWorker = worker.NewWorker(busImpl, cacheImpl, extractor, reconciler, rulesEngine, assembler)

		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, t := range strings.Split(envTenants, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tenantIDs = append(tenantIDs, t)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs:  tenantIDs,
			TemplateID: templateSchema.TemplateID(),
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, extractor, reconciler, rulesEngine, assembler, historySvc, templateSchema, Version)

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

	printBanner(cfg, Version, templateSchema.TemplateID())

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadSchema reads an external schema document or falls back to the
// embedded C 01.00 CET1 definition.
func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.Default(), nil
	}
	s, err := schema.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", path, err)
	}
	slog.Info("loaded external schema", "path", path)
	return s, nil
}

// loadRulesText reads the narrative regulatory rules used to ground
// extraction prompts. Missing rules are not fatal.
func loadRulesText(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read rules text", "path", path, "error", err)
		return ""
	}
	return string(data)
}

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// loadRulesFromDatabase loads rules from the database into the engine.
// All rules must be configured via POST /rules API - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string, templateID string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                   ║")
	fmt.Println("  ║      COREP Reporting Validation           ║")
	fmt.Println("  ║     Every figure reconciled twice.        ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Template: %s\n", templateID)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /reports       - Extract and validate a scenario")
	fmt.Println("    POST /validate      - Validate a populated template")
	fmt.Println("    GET  /reports       - List recent reports")
	fmt.Println("    GET  /reports/{id}  - Get report by ID")
	fmt.Println("    GET  /schema        - Template schema in effect")
	fmt.Println("    GET  /rules         - List supplementary rules")
	fmt.Println("    POST /rules         - Create a supplementary rule")
	fmt.Println("    POST /rules/reload  - Hot-reload rules from database")
	fmt.Println("    GET  /health        - Health check")
	fmt.Println()
}
