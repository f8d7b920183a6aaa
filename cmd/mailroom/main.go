package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlasdesk/mailroom/internal/config"
	"github.com/atlasdesk/mailroom/internal/dispatch"
	"github.com/atlasdesk/mailroom/internal/domain"
	"github.com/atlasdesk/mailroom/internal/fanout"
	"github.com/atlasdesk/mailroom/internal/handler"
	"github.com/atlasdesk/mailroom/internal/infra/postgresql"
	"github.com/atlasdesk/mailroom/internal/infra/postgresql/migrations"
	infraredis "github.com/atlasdesk/mailroom/internal/infra/redis"
	"github.com/atlasdesk/mailroom/internal/maintenance"
	"github.com/atlasdesk/mailroom/internal/observability"
	"github.com/atlasdesk/mailroom/internal/prefs"
	"github.com/atlasdesk/mailroom/internal/queue"
	"github.com/atlasdesk/mailroom/internal/repository"
	"github.com/atlasdesk/mailroom/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	limiter, err := infraredis.NewSlidingWindowLimiter(rdb, cfg.RateLimitStarts, cfg.RateLimitWindow())
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	messageRepo := repository.NewGormMessageRepo(db)

	jobQueue, err := queue.New(queue.Config{
		Store:   repository.NewGormJobStore(db),
		Limiter: limiter,
		Logger:  logger,
		Defaults: queue.Options{
			MaxAttempts: cfg.MaxAttempts,
			Backoff: queue.BackoffPolicy{
				Base:       cfg.BackoffBase(),
				Multiplier: queue.DefaultBackoffMultiplier,
			},
			RemoveOnComplete: queue.CompletedRetention{
				MaxAge:   cfg.CompletedMaxAge(),
				MaxCount: cfg.CompletedMaxCount,
			},
			RemoveOnFail: queue.FailedRetention{
				MaxAge: cfg.FailedMaxAge(),
			},
		},
		StallInterval:   cfg.StallInterval(),
		MaxStalledCount: cfg.MaxStalledCount,
		IsTransient:     dispatch.IsRetryable,
	})
	if err != nil {
		logger.Fatal("queue initialization failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := jobQueue.Load(ctx); err != nil {
		logger.Fatal("queue restore failed", zap.Error(err))
	}

	var mailTransport transport.Transport
	if cfg.RelayURL == "stdout" {
		mailTransport = transport.NewStdoutTransport(logger)
	} else {
		mailTransport, err = transport.NewRelayTransport(cfg.RelayURL)
		if err != nil {
			logger.Fatal("relay transport initialization failed", zap.Error(err))
		}
	}

	worker, err := dispatch.NewWorker(messageRepo, mailTransport, logger)
	if err != nil {
		logger.Fatal("dispatch worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	categoryAttempts, err := cfg.CategoryAttempts()
	if err != nil {
		logger.Fatal("invalid category attempts config", zap.Error(err))
	}
	maxAttempts := func(category domain.Category) int {
		if attempts, ok := categoryAttempts[category]; ok {
			return attempts
		}
		return cfg.MaxAttempts
	}

	coordinator, err := fanout.NewCoordinator(messageRepo, jobQueue, maxAttempts, logger)
	if err != nil {
		logger.Fatal("fanout coordinator initialization failed", zap.Error(err))
	}
	coordinator.SetMetrics(metrics)

	scheduler, err := maintenance.NewScheduler(messageRepo, jobQueue, maintenance.Config{
		RetrySchedule:     cfg.RetrySchedule,
		RetentionSchedule: cfg.RetentionSchedule,
		DrainSchedule:     cfg.DrainSchedule,
		HealthSchedule:    cfg.HealthSchedule,
		RetrySweepLimit:   cfg.RetrySweepLimit,
		SentRetention:     cfg.SentRetention(),
		WaitingThreshold:  cfg.WaitingThreshold,
		FailedThreshold:   cfg.FailedThreshold,
	}, logger)
	if err != nil {
		logger.Fatal("maintenance scheduler initialization failed", zap.Error(err))
	}
	scheduler.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterMessageRoutes(app, coordinator, messageRepo, prefs.AllowAll{}); err != nil {
		logger.Fatal("message routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterQueueRoutes(app, scheduler); err != nil {
		logger.Fatal("queue routes registration failed", zap.Error(err))
	}

	logger.Info("mailroom started",
		zap.Int("port", cfg.APIPort),
		zap.Int("workerConcurrency", cfg.WorkerConcurrency),
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return jobQueue.Run(groupCtx, cfg.WorkerConcurrency, worker.Handle)
	})
	g.Go(func() error {
		return scheduler.Start(groupCtx)
	})
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("mailroom terminated", zap.Error(err))
	}
	logger.Info("mailroom stopped")
}
