package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/tallyops/tallyops/internal/app"
	"github.com/tallyops/tallyops/internal/billing"
	"github.com/tallyops/tallyops/internal/observability"
	"github.com/tallyops/tallyops/internal/platform/db"
	"github.com/tallyops/tallyops/internal/schedule"
	"github.com/tallyops/tallyops/internal/shared"
	"github.com/tallyops/tallyops/internal/summary"
	"github.com/tallyops/tallyops/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	metrics := observability.NewMetrics()

	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo, logger)
	billingService.SetAuditLogger(auditLogger)
	billingService.SetIdempotencyStore(idempotencyStore)
	billingService.SetMetrics(metrics)
	billingHandler := billing.NewHandler(logger, billingService)

	scheduleRepo := schedule.NewRepository(pool)
	scheduleService := schedule.NewService(scheduleRepo, logger)
	scheduleHandler := schedule.NewHandler(logger, scheduleService)

	summaryRepo := summary.NewRepository(pool)
	summaryCache := summary.NewCache(redisClient, cfg.SummaryCacheTTL)
	summaryService := summary.NewService(summaryRepo, summaryCache, logger)
	summaryHandler := summary.NewHandler(logger, summaryService)

	// Drop the cached summary whenever a mutation shifts a period's totals.
	billingService.SetChangeListener(func(ctx context.Context, companyID int64, periodKey string) {
		period, err := shared.ParsePeriod(periodKey)
		if err != nil {
			return
		}
		if err := summaryService.Invalidate(ctx, companyID, period); err != nil {
			logger.Warn("summary cache invalidate", slog.Any("error", err))
		}
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterConfig{
		Logger:   logger,
		Config:   cfg,
		Metrics:  metrics,
		Pool:     pool,
		Billing:  billingHandler,
		Schedule: scheduleHandler,
		Summary:  summaryHandler,
		Jobs:     jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
