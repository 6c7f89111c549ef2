// Voice console gateway server
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

	"github.com/ashureev/voice-console/internal/agent"
	"github.com/ashureev/voice-console/internal/api"
	"github.com/ashureev/voice-console/internal/archive"
	"github.com/ashureev/voice-console/internal/config"
	"github.com/ashureev/voice-console/internal/metrics"
	"github.com/ashureev/voice-console/internal/middleware"
	"github.com/ashureev/voice-console/internal/session"
	"github.com/ashureev/voice-console/internal/store"
	"github.com/ashureev/voice-console/internal/transport"
	"github.com/ashureev/voice-console/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "bridge", cfg.BridgeURL)

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

	m := metrics.New(cfg.MetricsNamespace)

	recorder := archive.NewRecorder(repo, logger, 0)
	defer recorder.Close()

	conversationLogger, err := archive.NewConversationLogger(cfg.ConversationLog, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Agent worker health probe (optional).
	var health api.HealthChecker
	if cfg.AgentHealth.Addr != "" {
		proberCfg := agent.DefaultProberConfig(cfg.AgentHealth.Addr)
		proberCfg.Service = cfg.AgentHealth.Service
		proberCfg.RequestTimeout = cfg.AgentHealth.ProbeTimeout

		prober, err := agent.NewProber(proberCfg, logger)
		if err != nil {
			slog.Warn("Failed to create agent health prober, health checks disabled", "error", err)
		} else {
			defer prober.Close()
			health = prober

			waitCtx, cancel := context.WithTimeout(context.Background(), cfg.AgentHealth.StartupWait)
			if err := prober.WaitReady(waitCtx); err != nil {
				slog.Warn("Agent worker not ready at startup", "address", cfg.AgentHealth.Addr, "error", err)
			} else {
				slog.Info("Agent worker reachable", "address", cfg.AgentHealth.Addr)
			}
			cancel()
		}
	} else {
		slog.Info("Agent health probe disabled (AGENT_HEALTH_ADDR not set)")
	}

	dialer := transport.NewBridgeDialer(transport.BridgeConfig{
		URL:        cfg.BridgeURL,
		AckTimeout: cfg.SendAckTimeout,
		Logger:     logger,
	})
	sessions := session.NewManager(dialer, session.Options{
		Timeout: cfg.AgentJoinTimeout,
		Logger:  logger,
		Observers: []session.Observer{
			recorder,
			conversationLogger,
			m.Observer(),
		},
	})

	handler := api.NewHandler(api.Deps{
		Sessions: sessions,
		Repo:     repo,
		Health:   health,
		Metrics:  m,
		Config:   cfg,
		Logger:   logger,
	})
	defer handler.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.AllowedOrigins(cfg.FrontendURL, cfg.IsDevelopment())))

	handler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	archive.StartRetentionWorker(ctx, repo, cfg.Archive.Retention, cfg.Archive.SweepInterval, m.RecordArchiveSweep)
	slog.Info("Retention worker started", "retention", cfg.Archive.Retention)

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
	}
	if err := sessions.CloseAll(shutdownCtx); err != nil {
		slog.Error("Failed to close live sessions", "error", err)
	}

	slog.Info("Server stopped successfully")
}
