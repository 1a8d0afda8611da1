package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/tallyops/tallyops/internal/app"
	jobmetrics "github.com/tallyops/tallyops/internal/jobs"
	"github.com/tallyops/tallyops/internal/platform/db"
	"github.com/tallyops/tallyops/internal/schedule"
	"github.com/tallyops/tallyops/internal/shared"
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

	scheduleRepo := schedule.NewRepository(pool)
	scheduleService := schedule.NewService(scheduleRepo, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	metrics := jobmetrics.NewMetrics(nil)

	cleanupTask, err := jobs.NewCleanupTask()
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}
	cron := []jobs.CronRegistration{
		// Prune aged batch-commit replay keys nightly.
		{Spec: "0 4 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
	}
	for _, companyID := range cfg.WorkerCompanyIDs {
		provisionTask, err := jobs.NewProvisionTask(jobs.ProvisionPayload{CompanyID: companyID})
		if err != nil {
			logger.Error("build provision task", slog.Any("error", err))
			os.Exit(1)
		}
		digestTask, err := jobs.NewDigestTask(jobs.DigestPayload{CompanyID: companyID})
		if err != nil {
			logger.Error("build digest task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron,
			// Provision next month's obligations on the 25th.
			jobs.CronRegistration{Spec: "0 2 25 * *", Task: provisionTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			// Nightly due-today digest.
			jobs.CronRegistration{Spec: "0 6 * * *", Task: digestTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskProvisionObligations, Handler: jobs.ProvisionHandler(scheduleService, logger, metrics)},
			{Type: jobs.TaskDueTodayDigest, Handler: jobs.DigestHandler(scheduleService, logger, metrics)},
			{Type: jobs.TaskIdempotencyCleanup, Handler: jobs.CleanupHandler(idempotencyStore, logger, metrics)},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
