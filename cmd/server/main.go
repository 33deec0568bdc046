// pairsend - linked-device message scheduler
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
	"github.com/joho/godotenv"

	"github.com/ashureev/pairsend/internal/api"
	"github.com/ashureev/pairsend/internal/config"
	"github.com/ashureev/pairsend/internal/health"
	"github.com/ashureev/pairsend/internal/identity"
	"github.com/ashureev/pairsend/internal/logstream"
	"github.com/ashureev/pairsend/internal/middleware"
	"github.com/ashureev/pairsend/internal/protocol/whatsapp"
	"github.com/ashureev/pairsend/internal/session"
	"github.com/ashureev/pairsend/internal/store"
	"github.com/ashureev/pairsend/internal/supervisor"
	"github.com/ashureev/pairsend/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "container", config.IsContainer(), "trusted_proxies", len(cfg.TrustedProxies))

	// Credentials never outlive the process that created them.
	purged, err := session.PurgeStaleStorage(cfg.TempDir)
	if err != nil {
		slog.Error("Failed to prepare temp dir", "path", cfg.TempDir, "error", err)
		os.Exit(1)
	}
	slog.Info("Session storage ready", "path", cfg.TempDir, "purged", purged)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(context.Background())
	factory := whatsapp.NewFactory(whatsapp.FactoryOptions{
		DisplayName: cfg.DeviceDisplayName,
		Logger:      logger,
	})
	mgr := session.NewManager(store.NewMemory(), factory, sup, session.Options{
		TempDir: cfg.TempDir,
		Timings: session.Timings{
			PairSettleDelay:        cfg.Session.PairSettleDelay,
			ReconnectDelay:         cfg.Session.ReconnectDelay,
			ReconnectRetryDelay:    cfg.Session.ReconnectRetryDelay,
			ConnectionPollInterval: cfg.Session.ConnectionPollInterval,
			SendRetryDelay:         cfg.Session.SendRetryDelay,
			TTL:                    cfg.Session.TTL,
			LogTrimSize:            cfg.Session.LogTrimSize,
			LogViewSize:            cfg.Session.LogViewSize,
			LogHardCap:             cfg.Session.LogHardCap,
		},
	})

	sweeper, err := mgr.StartSweeper(cfg.Session.SweepSchedule)
	if err != nil {
		slog.Error("Failed to start session sweeper", "error", err)
		os.Exit(1)
	}
	slog.Info("Session sweeper started", "schedule", cfg.Session.SweepSchedule, "session_ttl", cfg.Session.TTL)

	var grpcHealth *health.Server
	if cfg.GRPCHealthAddr != "" {
		grpcHealth, err = health.Listen(cfg.GRPCHealthAddr)
		if err != nil {
			slog.Error("Failed to start gRPC health server", "error", err)
			os.Exit(1)
		}
		sup.Go("grpc-health", grpcHealth.Serve)
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(mgr)
	healthHandler := api.NewHealthHandler(baseHandler, sup)
	sessionHandler := api.NewSessionHandler(baseHandler, cfg.UploadMaxBytes)
	wsHandler := logstream.NewHandler(mgr, cfg.FrontendURL, cfg.IsDevelopment())

	limiter := middleware.NewRateLimiter(cfg.PairRatePerMinute)
	limit := middleware.RateLimit(limiter, func(r *http.Request) string {
		return identity.CallerFromContext(r.Context())
	})

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(api.GlobalMiddleware(cfg.TrustedProxies, origins)...)

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r, limit)

	// WebSocket endpoint.
	r.Get("/ws/task-logs", wsHandler.ServeHTTP)

	// Serve the embedded console.
	r.Handle("/*", web.ConsoleHandler())

	// Log streams are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

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
	if grpcHealth != nil {
		grpcHealth.SetServing(false)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exitCode := 0
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		exitCode = 1
	}

	<-sweeper.Stop().Done()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("Session shutdown incomplete", "error", err)
		exitCode = 1
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		slog.Error("Background workers did not stop", "error", err)
		exitCode = 1
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	slog.Info("Server stopped successfully")
}
