// dbagent - natural-language SQL answering service
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orbitalops/dbagent/internal/agent"
	"github.com/orbitalops/dbagent/internal/api"
	"github.com/orbitalops/dbagent/internal/capability"
	"github.com/orbitalops/dbagent/internal/config"
	"github.com/orbitalops/dbagent/internal/database"
	"github.com/orbitalops/dbagent/internal/guard"
	"github.com/orbitalops/dbagent/internal/identity"
	"github.com/orbitalops/dbagent/internal/llm"
	"github.com/orbitalops/dbagent/internal/metrics"
	"github.com/orbitalops/dbagent/internal/middleware"
	"github.com/orbitalops/dbagent/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "decider", cfg.Decider, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.StoreDBPath)
	if err != nil {
		slog.Error("Failed to initialize conversation store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	inspector, err := database.Open(cfg.TargetDBPath, cfg.QueryTimeout)
	if err != nil {
		slog.Error("Failed to open target database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := inspector.Close(); closeErr != nil {
			slog.Error("Failed to close target database", "error", closeErr)
		}
	}()

	if err := inspector.Ping(context.Background()); err != nil {
		slog.Error("Target database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Target database connected", "path", cfg.TargetDBPath)

	m := metrics.New()
	validator := guard.New(cfg.DefaultRowLimit, cfg.MaxRowLimit)
	executor := agent.NewExecutor(inspector, validator, cfg.ReadOnly, cfg.DefaultRowLimit, cfg.SampleRowCap)
	memory := agent.NewMemoryManager()

	var decider agent.Decider
	switch cfg.Decider {
	case config.DeciderLLM:
		client := llm.NewFromConfig(cfg.LLM)
		decider = agent.NewLLMDecider(client, memory, m, cfg.LLM.Retries, logger)
		slog.Info("Model decider initialized", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	default:
		decider = agent.NewRuleDecider()
		slog.Info("Rule decider initialized")
	}

	engine := agent.NewEngine(decider, executor, memory, repo, m, cfg.MaxSteps, logger)

	ocr := capability.NewOCRClient(cfg.Capability)
	speech := capability.NewSpeechClient(cfg.Capability)

	// Initialize handlers.
	planHandler := api.NewPlanHandler(engine, cfg)
	toolsHandler := api.NewToolsHandler(inspector, validator, cfg)
	conversationsHandler := api.NewConversationsHandler(repo)
	capabilityHandler := api.NewCapabilityHandler(ocr, speech)
	healthHandler := api.NewHealthHandler(repo, inspector, cfg)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// All routes use identity middleware (no auth needed).
	planHandler.RegisterRoutes(r)
	toolsHandler.RegisterRoutes(r)
	conversationsHandler.RegisterRoutes(r)
	capabilityHandler.RegisterRoutes(r)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
