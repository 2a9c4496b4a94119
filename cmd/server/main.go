// Chatter - presence and message relay server
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

	"github.com/joho/godotenv"

	"github.com/chatterhq/chatter/internal/config"
	"github.com/chatterhq/chatter/internal/identity"
	"github.com/chatterhq/chatter/internal/server"
	"github.com/chatterhq/chatter/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	var broker server.Broker = server.NewMemoryBroker()
	if cfg.Redis.Enabled() {
		rb, err := server.NewRedisBroker(ctx, cfg.Redis, logger)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err, "addr", cfg.Redis.Addr)
			os.Exit(1)
		}
		broker = rb
		slog.Info("Redis broker connected", "addr", cfg.Redis.Addr)
	}
	defer func() {
		if closeErr := broker.Close(); closeErr != nil {
			slog.Error("Failed to close broker", "error", closeErr)
		}
	}()

	// Initialize services.
	metrics := server.NewMetrics()
	hub := server.NewHub(broker, metrics, logger)
	if err := hub.Start(ctx); err != nil {
		slog.Error("Failed to start hub", "error", err)
		os.Exit(1)
	}
	issuer := identity.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)

	channel := server.NewChannelHandler(hub, repo, metrics, server.ChannelOptions{
		SendRate:      cfg.SendRate,
		SendBurst:     cfg.SendBurst,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
	}, logger)

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := server.NewRouter(server.RouterDeps{
		Repo:           repo,
		Issuer:         issuer,
		Hub:            hub,
		Metrics:        metrics,
		Channel:        channel,
		AllowedOrigins: origins,
		Logger:         logger,
	})

	// Create server.
	// Note: channel connections are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	server.StartRetentionWorker(ctx, repo, cfg.MessageRetention, metrics, logger)

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

	// Hijacked channel connections are not tracked by Shutdown.
	hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
