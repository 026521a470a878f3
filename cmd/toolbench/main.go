package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/toolbench/config"
	"github.com/vnmchuo/toolbench/internal/api"
	"github.com/vnmchuo/toolbench/internal/bench"
	"github.com/vnmchuo/toolbench/internal/history"
	"github.com/vnmchuo/toolbench/internal/snapshot"
	"github.com/vnmchuo/toolbench/internal/telemetry"
	"github.com/vnmchuo/toolbench/internal/toolcall"
	"github.com/vnmchuo/toolbench/pkg/ratelimit"
)

const version = "0.1.0"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("toolbench", version, cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer("toolbench")

	// 3. Init backend client
	clientOpts := []toolcall.Option{
		toolcall.WithPath(cfg.ToolPromptPath),
		toolcall.WithTracer(tracer),
	}
	if cfg.BreakerThreshold > 0 {
		clientOpts = append(clientOpts, toolcall.WithBreakers(toolcall.NewBreakers(cfg.BreakerThreshold, cfg.BreakerCooldown)))
	}
	client := toolcall.New(cfg.BackendURL, clientOpts...)

	// 4. Init aggregator
	agg, err := bench.New(client, cfg.Models,
		bench.WithLogger(logger),
		bench.WithTracer(tracer),
		bench.WithDispatchTimeout(cfg.DispatchTimeout),
		bench.WithMaxConcurrency(cfg.MaxConcurrency),
	)
	if err != nil {
		log.Fatalf("failed to init aggregator: %v", err)
	}
	agg.SetInput(cfg.UserPrompt, cfg.ExpectedToolCalls)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 5. Connect PostgreSQL (optional)
	var hist history.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		store := history.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate history: %v", err)
		}
		agg.OnComplete(history.Recorder(store, logger))
		hist = store
		logger.Info("PostgreSQL connected")
	}

	// 6. Connect Redis (optional)
	var latest api.SnapshotSource
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		pub := snapshot.NewPublisher(rdb, cfg.SnapshotKey, 24*time.Hour, logger)
		updates, unsubscribe := agg.Subscribe()
		published := pub.Start(ctx, updates)
		defer func() {
			// Let the last snapshot reach Redis before the client goes away.
			unsubscribe()
			<-published
			rdb.Close()
		}()

		latest = pub
		limiter = ratelimit.NewLimiter(rdb, cfg.RunRateLimitPerMin)
		logger.Info("Redis connected", "channel", pub.Channel())
	}

	// 7. Init Chi router
	handler := api.NewHandler(agg, hist, latest, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"toolbench"}`))
	})
	handler.Register(r)

	// 8. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("toolbench starting", "port", cfg.Port, "models", len(cfg.Models))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	if err := agg.Wait(shutdownCtx); err != nil {
		logger.Warn("run still in flight at shutdown", "error", err)
	}
	logger.Info("server stopped")
}
