// Astra Chat - research agent chat server
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
	"github.com/truaxki/astra-chat/internal/api"
	"github.com/truaxki/astra-chat/internal/config"
	"github.com/truaxki/astra-chat/internal/identity"
	"github.com/truaxki/astra-chat/internal/middleware"
	"github.com/truaxki/astra-chat/internal/push"
	"github.com/truaxki/astra-chat/internal/store"
	"github.com/truaxki/astra-chat/internal/stream"
	"github.com/truaxki/astra-chat/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Ingestion engine for the agent backend.
	finalize := stream.FinalizeOnSignal
	if cfg.FinalizeOnStreamEnd {
		finalize = stream.FinalizeOnStreamEnd
	}
	streamer := stream.NewClient(stream.Config{
		Endpoint: cfg.AgentEndpoint,
		Router: stream.RouterConfig{
			PrimaryAgents:    cfg.PrimaryAgents,
			FinalReportAgent: cfg.FinalReportAgent,
			ForwardThoughts:  cfg.ForwardThoughts,
			Finalize:         finalize,
		},
		Retry: stream.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxElapsed:  cfg.RetryMaxElapsed,
		},
		Logger: logger,
	})
	slog.Info("Agent stream client initialized", "endpoint", cfg.AgentEndpoint)

	transcript, err := api.NewTranscript(cfg.Transcript, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	// Initialize services.
	hub := push.NewHub()
	rateLimiter := api.NewRateLimiter(cfg.RateLimit)
	defer rateLimiter.Stop()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, hub, cfg.FrontendURL)
	chatHandler := api.NewChatHandler(baseHandler, streamer, transcript, cfg)
	healthHandler := api.NewHealthHandler(repo, streamer)
	wsHandler := push.NewWebSocketHandler(repo, hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
	r.Use(rateLimiter.Middleware)

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/updates", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start retention worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartPruneWorker(ctx, repo, cfg.ConversationTTL)

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

	// Stop any in-flight streaming turn before closing listeners.
	streamer.Cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
