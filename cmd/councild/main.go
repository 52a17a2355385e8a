// councild — multi-model council deliberation server. Provides the session
// HTTP API, fans questions out to a model roster, and streams the three-stage
// deliberation back over SSE.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencouncil/councild/pkg/api"
	"github.com/opencouncil/councild/pkg/config"
	"github.com/opencouncil/councild/pkg/council"
	"github.com/opencouncil/councild/pkg/llm"
	"github.com/opencouncil/councild/pkg/registry"
	"github.com/opencouncil/councild/pkg/store"
	"github.com/opencouncil/councild/pkg/title"
	"github.com/opencouncil/councild/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to optional .env file")
	flag.Parse()

	// Load .env if present; a missing file is fine.
	if err := godotenv.Load(*envPath); err != nil {
		slog.Debug("No .env file loaded", "path", *envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	slog.Info("Starting councild", "version", version.Full())

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if !cfg.Upstream() {
		slog.Warn("COUNCIL_API_KEY is not set; message processing is disabled")
	}

	// 2. Open the session store
	var st store.Store
	switch cfg.Store {
	case "postgres":
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pgStore
		slog.Info("Connected to PostgreSQL database")
	default:
		st = store.NewMemoryStore()
		slog.Warn("Using in-memory session store; sessions are lost on restart")
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing session store", "error", err)
		}
	}()

	// 3. Upstream LLM client and title generator
	client := llm.NewClient(cfg.GatewayURL, cfg.APIKey, cfg.Stage1Timeout)
	titles := title.NewGenerator(client, cfg.LiteModels[0], cfg.TitleTimeout)
	slog.Info("Upstream client initialized", "gateway_url", cfg.GatewayURL)

	// 4. Orchestrator and processing registry
	orch := council.New(cfg, st, client, titles)
	reg := registry.New(registry.Config{
		MaxConcurrent:     cfg.MaxConcurrent,
		GracePeriod:       cfg.GracePeriod,
		StaleThreshold:    cfg.StaleThreshold,
		SweepInterval:     cfg.SweepInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	// 5. HTTP server (non-blocking start)
	server := api.NewServer(cfg, st, reg, orch)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop accepting requests, then cancel active jobs.
	// Cancelled jobs persist their partial results before the process exits.
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	reg.Shutdown()
	slog.Info("Shutdown complete")
}
