package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmalik/finsights/internal/analysis"
	"github.com/jmalik/finsights/internal/background"
	"github.com/jmalik/finsights/internal/cache"
	"github.com/jmalik/finsights/internal/config"
	"github.com/jmalik/finsights/internal/db"
	"github.com/jmalik/finsights/internal/document"
	"github.com/jmalik/finsights/internal/jobs"
	"github.com/jmalik/finsights/internal/llm"
	"github.com/jmalik/finsights/internal/metrics"
	"github.com/jmalik/finsights/internal/pipeline"
	"github.com/jmalik/finsights/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that accepts financial PDFs and runs the analysis pipeline in the background.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()

	// Without a database the server runs against the in-memory store; jobs
	// do not survive a restart.
	var store jobs.Store
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		store = database
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory job store")
		store = jobs.NewMemStore()
	}
	defer store.Close()

	// Cache unavailability is never fatal: a broken cache directory only
	// costs hits.
	var resultCache cache.Cache
	if cfg.CacheDir != "" {
		resultCache = cache.OpenBadgerOrDisabled(cfg.CacheDir, logger)
	} else {
		resultCache = cache.NewMemory()
	}
	defer resultCache.Close() //nolint:errcheck

	client, err := llm.NewGeminiClient(ctx, llm.DefaultConfig(), cfg.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	defer client.Close() //nolint:errcheck

	stages, err := analysis.NewLLMRunner(client)
	if err != nil {
		return fmt.Errorf("failed to create stage runner: %w", err)
	}

	docs, err := document.NewManager(filepath.Join(cfg.DataDir, "uploads"), cfg.StorageDir, logger)
	if err != nil {
		return fmt.Errorf("failed to create document manager: %w", err)
	}

	registry := metrics.NewRegistry()
	executor := pipeline.NewExecutor(stages, resultCache, registry, logger, cfg.ExecutorConfig())
	runner := background.New(store, cfg.OverallDeadline(), logger)

	srv, err := server.New(cfg, server.Options{
		Store:     store,
		Runner:    runner,
		Executor:  executor,
		Documents: docs,
		Metrics:   registry,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start()
}
