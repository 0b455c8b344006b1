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

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/campusgate/campusgate/internal/app"
	"github.com/campusgate/campusgate/internal/auth"
	"github.com/campusgate/campusgate/internal/backend"
	"github.com/campusgate/campusgate/internal/backend/postgres"
	"github.com/campusgate/campusgate/internal/dashboard"
	"github.com/campusgate/campusgate/internal/guard"
	"github.com/campusgate/campusgate/internal/identity"
	"github.com/campusgate/campusgate/internal/observability"
	"github.com/campusgate/campusgate/internal/platform/cache"
	"github.com/campusgate/campusgate/internal/platform/db"
	"github.com/campusgate/campusgate/internal/session"
	"github.com/campusgate/campusgate/internal/shared"
	"github.com/campusgate/campusgate/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("campusgate stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions())
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.DBAutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	tokens := backend.NewTokenIssuer(cfg.SessionSecret, cfg.JWTIssuer, cfg.AccessTokenTTL)
	events := backend.NewEventBus(redisClient, logger)
	tabIDs := shared.NewTabIDs(cfg.SessionSecret)

	authBackend := postgres.NewAuth(postgres.AuthConfig{
		Pool:       pool,
		Tokens:     tokens,
		Events:     events,
		Mailer:     jobClient,
		RefreshTTL: cfg.RefreshTokenTTL,
		BaseURL:    cfg.AppBaseURL,
		Logger:     logger,
	})
	devices := shared.NewDurableCache(redisClient)
	resolver := identity.NewResolver(identity.Config{
		Profiles: postgres.NewProfiles(pool),
		Schools:  postgres.NewSchools(pool),
		Cache:    devices,
		Policy:   cfg.RolePolicy(),
		Logger:   logger,
		Observer: metrics,
	})
	store := session.NewStore(session.Config{
		Tabs:     shared.NewTabStore(redisClient, cfg.TabSessionTTL),
		Auth:     authBackend,
		Resolver: resolver,
		Revoker:  jobClient,
		Devices:  devices,
		Logger:   logger,
		DemoTTL:  cfg.DemoTTL,
	})
	listener := session.NewListener(store, events, metrics, logger)
	tables := postgres.NewTables(pool)
	changefeed := postgres.NewChangefeed(pool, tables, logger)

	authService := auth.NewService(auth.ServiceConfig{
		Backend: authBackend,
		Store:   store,
		Tokens:  tokens,
		TabIDs:  tabIDs,
		Demo: auth.DemoConfig{
			Enabled:  cfg.DemoEnabled,
			SchoolID: cfg.DemoSchoolID,
			TTL:      cfg.DemoTTL,
		},
		Logger: logger,
	})
	gate := guard.Middleware{Sessions: store, VerifyPath: cfg.VerifyPath, Logger: logger}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		TabIDs:           tabIDs,
		Guard:            gate,
		AuthHandler:      auth.NewHandler(logger, authService),
		DashboardHandler: dashboard.NewHandler(gate, cfg.VerifyEmailRequired, logger),
		RealtimeSource:   postgres.Source{Tables: tables, Changefeed: changefeed},
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Run(gctx)
	})
	g.Go(func() error {
		return changefeed.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown", slog.Any("error", err))
		}
		store.Wait()
		return nil
	})
	return g.Wait()
}
