package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campusgate/campusgate/internal/app"
	"github.com/campusgate/campusgate/internal/backend"
	"github.com/campusgate/campusgate/internal/backend/postgres"
	jobmetrics "github.com/campusgate/campusgate/internal/jobs"
	"github.com/campusgate/campusgate/internal/platform/cache"
	"github.com/campusgate/campusgate/internal/platform/db"
	"github.com/campusgate/campusgate/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// Revocations published from here reach the gateway listeners through
	// the same event bus, so sibling tabs re-check their sessions.
	authBackend := postgres.NewAuth(postgres.AuthConfig{
		Pool:       pool,
		Tokens:     backend.NewTokenIssuer(cfg.SessionSecret, cfg.JWTIssuer, cfg.AccessTokenTTL),
		Events:     backend.NewEventBus(redisClient, logger),
		RefreshTTL: cfg.RefreshTokenTTL,
		BaseURL:    cfg.AppBaseURL,
		Logger:     logger,
	})
	metrics := jobmetrics.NewMetrics(nil)
	sender, err := jobs.NewSender(cfg.Mail(logger))
	if err != nil {
		logger.Error("init mail sender", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRevokeSession, Handler: jobs.HandleRevokeSession(authBackend, metrics, logger)},
			{Type: jobs.TaskSendVerification, Handler: jobs.HandleSendVerification(sender, metrics)},
			{Type: jobs.TaskPurgeSessions, Handler: jobs.HandlePurgeSessions(authBackend, cfg.PurgeGrace, metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.PurgeSchedule, Task: jobs.NewPurgeSessionsTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: promhttp.Handler(), ReadTimeout: cfg.AppReadTimeout}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
