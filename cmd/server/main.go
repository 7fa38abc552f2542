// Clawline - Realtime Message Gateway
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

	"github.com/clickety-clacks/clawline/internal/api"
	"github.com/clickety-clacks/clawline/internal/asset"
	"github.com/clickety-clacks/clawline/internal/auth"
	"github.com/clickety-clacks/clawline/internal/catalog"
	"github.com/clickety-clacks/clawline/internal/config"
	"github.com/clickety-clacks/clawline/internal/dispatcher"
	"github.com/clickety-clacks/clawline/internal/fanout"
	"github.com/clickety-clacks/clawline/internal/ingest"
	"github.com/clickety-clacks/clawline/internal/middleware"
	"github.com/clickety-clacks/clawline/internal/pairing"
	"github.com/clickety-clacks/clawline/internal/ratelimit"
	"github.com/clickety-clacks/clawline/internal/session"
	"github.com/clickety-clacks/clawline/internal/store"
	"github.com/clickety-clacks/clawline/internal/taskqueue"
	"github.com/clickety-clacks/clawline/internal/wsgateway"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
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

	pairStore, err := pairing.Open(cfg.StateDir)
	if err != nil {
		slog.Error("Failed to open pairing store", "error", err)
		os.Exit(1)
	}
	slog.Info("Pairing store opened", "state_dir", cfg.StateDir)

	signer, err := pairing.NewTokenSigner(cfg.StateDir)
	if err != nil {
		slog.Error("Failed to initialize token signer", "error", err)
		os.Exit(1)
	}

	assets, err := asset.New(repo, cfg.MediaDir)
	if err != nil {
		slog.Error("Failed to initialize asset store", "error", err)
		os.Exit(1)
	}

	cat := catalog.New(repo, cfg.AgentID, cfg.AdminGlobalStreamKey, cfg.Limits.StreamLimit, cfg.DMScopeEnabled, cfg.Limits.StreamIdempotencyRetention)
	sessions := session.NewManager()
	fan := fanout.New(sessions, cfg.AdminGlobalStreamKey)
	queue := taskqueue.New()

	pairLimiter := ratelimit.NewKeyed(cfg.Rate.MaxPairPerMinute, time.Minute, cfg.Timeout.RateLimiterSweepEvery)
	authLimiter := ratelimit.NewKeyed(cfg.Rate.MaxPairPerMinute, time.Minute, cfg.Timeout.RateLimiterSweepEvery)
	msgLimiter := ratelimit.NewKeyed(cfg.Rate.MaxMessagesPerSecond, time.Second, cfg.Timeout.RateLimiterSweepEvery)

	// Dial the external reply dispatcher (optional). A missing or unreachable
	// dispatcher degrades to ack-only delivery: messages still persist and
	// broadcast, they just never get an assistant reply appended.
	var dispatch dispatcher.ReplyDispatcher
	if cfg.DispatcherAddr != "" {
		d, err := dispatcher.NewGRPCDispatcher(dispatcher.DefaultConfig(cfg.DispatcherAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to reply dispatcher, replies will be disabled", "error", err, "addr", cfg.DispatcherAddr)
		} else {
			dispatch = d
			slog.Info("Reply dispatcher connected", "addr", cfg.DispatcherAddr)
			defer func() {
				if closer, ok := dispatch.(interface{ Close() }); ok {
					closer.Close()
				}
			}()
		}
	}
	if dispatch == nil {
		slog.Info("Reply dispatcher disabled (CLAWLINE_DISPATCHER_ADDR not set or connection failed)")
	}

	pipeline := ingest.New(repo, queue, msgLimiter, assets, dispatch, fan, ingest.Config{
		AgentID:            cfg.AgentID,
		AdminGlobalKey:     cfg.AdminGlobalStreamKey,
		MaxMessageBytes:    cfg.Limits.MaxMessageBytes,
		MaxInlineBytes:     cfg.Limits.MaxInlineBytes,
		MaxUploadBytes:     cfg.Limits.MaxUploadBytes,
		MediaFetchDeadline: cfg.Timeout.MediaFetchDeadline,
	})

	gateway := wsgateway.FromLimits(repo, pairStore, signer, sessions, cat, pipeline, pairLimiter, authLimiter, cfg)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	assets.StartSweep(sweepCtx, cfg.Timeout.AssetSweepInterval, cfg.Timeout.AssetOrphanGrace)
	cat.StartSweep(sweepCtx, cfg.Timeout.IdempotencySweepInterval)

	go pairStore.WatchReload(cfg.Timeout.PairingStateReloadInterval, sweepCtx.Done(), func(err error) {
		slog.Warn("pairing store reload failed", "error", err)
	})

	streamHandler := api.NewStreamHandler(cat, fan, assets)
	healthHandler := api.NewHealthHandler(repo)
	authMiddleware := auth.Middleware(signer, pairStore)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Stream Catalog HTTP surface, bearer-token authenticated.
	streamHandler.RegisterRoutes(r, authMiddleware)

	// WebSocket gateway. Authentication happens in-band (pair/auth frames),
	// not via HTTP middleware, per the pairing state machine.
	r.Get("/ws", gateway.ServeHTTP)

	// Create server. otelhttp wraps every request in a span so the reply
	// dispatcher's own gRPC spans (if the dispatcher process is instrumented)
	// chain under a request-scoped trace.
	srv := &http.Server{
		Addr:         cfg.BindAddr + ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, "clawline"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout; WebSocket connections are long-lived.
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.ShutdownGraceWindow)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
