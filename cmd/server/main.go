// Package main is the entrypoint for the ReefScan API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oceanvision/reefscan/internal/api"
	"github.com/oceanvision/reefscan/internal/api/handler"
	mw "github.com/oceanvision/reefscan/internal/api/middleware"
	"github.com/oceanvision/reefscan/internal/api/response"
	"github.com/oceanvision/reefscan/internal/blob"
	"github.com/oceanvision/reefscan/internal/cache"
	"github.com/oceanvision/reefscan/internal/config"
	"github.com/oceanvision/reefscan/internal/deploy"
	"github.com/oceanvision/reefscan/internal/job"
	"github.com/oceanvision/reefscan/internal/queue"
	"github.com/oceanvision/reefscan/internal/store"
	"github.com/oceanvision/reefscan/internal/train"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "queue_backend", cfg.Queue.Backend, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create queue backend and blob store
	var rdb *redis.Client
	var blobStore blob.Store
	if cfg.Queue.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		blobStore = blob.NewHTTPClient(cfg.Blob.BaseURL, cfg.Blob.Username, cfg.Blob.Password, cfg.Blob.Timeout)
	} else {
		blobStore = blob.NewMemory()
	}

	backend, err := queue.NewBackend(cfg.Queue, rdb)
	if err != nil {
		return fmt.Errorf("create queue backend: %w", err)
	}
	slog.Info("queue backend initialized", "backend", cfg.Queue.Backend, "queue", cfg.Queue.Name)

	// 6. Create store and core services
	pgStore := store.NewPostgresStore(pool)

	ledger := job.NewLedger(pgStore, redisCache)
	trainPolicy := train.New(pgStore, ledger, backend, cfg.Vision)
	deploySvc := deploy.NewService(pgStore, ledger, backend, blobStore, redisCache, cfg.Vision)

	// 7. Start the result collector and the training dispatcher
	collector := job.NewCollector(pgStore, backend, ledger, trainPolicy, redisCache,
		cfg.Vision.ScoresPerPoint, cfg.Collector.Interval)
	go collector.Run(ctx)
	go trainPolicy.Run(ctx, cfg.Collector.Interval)
	slog.Info("collector started", "interval", cfg.Collector.Interval)

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		DeployHandler:       handler.NewDeployHandler(deploySvc),
		DeployStatusHandler: handler.NewDeployStatusHandler(deploySvc),
		DeployResultHandler: handler.NewDeployResultHandler(deploySvc),

		CreateKeyHandler: handler.NewKeyCreateHandler(pgStore),
		ListKeysHandler:  handler.NewKeyListHandler(pgStore),
		RevokeKeyHandler: handler.NewKeyRevokeHandler(pgStore),

		ListJobsHandler:  handler.NewJobListHandler(ledger),
		GetJobHandler:    handler.NewJobGetHandler(ledger),
		AbortJobHandler:  handler.NewJobAbortHandler(ledger),
		DeleteJobHandler: handler.NewJobDeleteHandler(ledger),
		TrainHandler:     handler.NewTrainHandler(trainPolicy),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
