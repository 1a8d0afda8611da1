package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tallyops/tallyops/internal/jobs"
	"github.com/tallyops/tallyops/internal/schedule"
	"github.com/tallyops/tallyops/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskProvisionObligations materialises the next period's recurring
	// obligation instances.
	TaskProvisionObligations = "obligations:provision"
	// TaskDueTodayDigest logs the day's due obligations and bills.
	TaskDueTodayDigest = "obligations:digest"
	// TaskIdempotencyCleanup prunes aged batch-commit replay keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// Replay keys older than this can no longer collide with a live retry.
const idempotencyRetention = 48 * time.Hour

// ProvisionPayload selects the company whose roster is provisioned. A zero
// Period means the month after the current one.
type ProvisionPayload struct {
	CompanyID int64  `json:"company_id"`
	Period    string `json:"period,omitempty"`
}

// DigestPayload selects the company and date for the due-today digest. A
// zero Date means today.
type DigestPayload struct {
	CompanyID int64  `json:"company_id"`
	Date      string `json:"date,omitempty"`
}

// NewProvisionTask constructs an obligation provisioning task.
func NewProvisionTask(payload ProvisionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProvisionObligations, data), nil
}

// NewDigestTask constructs a due-today digest task.
func NewDigestTask(payload DigestPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDueTodayDigest, data), nil
}

// NewCleanupTask constructs an idempotency-key cleanup task.
func NewCleanupTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskIdempotencyCleanup, nil), nil
}

// CleanupHandler returns the handler for TaskIdempotencyCleanup.
func CleanupHandler(store *shared.IdempotencyStore, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		tracker := metrics.Track("idempotency_cleanup")
		if err := store.Cleanup(ctx, idempotencyRetention); err != nil {
			logger.Error("idempotency cleanup", slog.Any("error", err))
			return tracker.End(err)
		}
		return tracker.End(nil)
	}
}

// ProvisionHandler returns the handler for TaskProvisionObligations.
func ProvisionHandler(svc *schedule.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("obligations_provision")
		var payload ProvisionPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		period := shared.PeriodOf(time.Now().UTC()).Next()
		if payload.Period != "" {
			parsed, err := shared.ParsePeriod(payload.Period)
			if err != nil {
				return tracker.End(asynq.SkipRetry)
			}
			period = parsed
		}
		created, err := svc.ProvisionPeriod(ctx, payload.CompanyID, period)
		if err != nil {
			logger.Error("provision obligations", slog.Int64("company_id", payload.CompanyID), slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("provision obligations done",
			slog.Int64("company_id", payload.CompanyID),
			slog.String("period", period.String()),
			slog.Int("created", created))
		return tracker.End(nil)
	}
}

// DigestHandler returns the handler for TaskDueTodayDigest.
func DigestHandler(svc *schedule.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("obligations_digest")
		var payload DigestPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		date := time.Now().UTC()
		if payload.Date != "" {
			parsed, err := time.Parse("2006-01-02", payload.Date)
			if err != nil {
				return tracker.End(asynq.SkipRetry)
			}
			date = parsed
		}
		digest, err := svc.DueToday(ctx, payload.CompanyID, date)
		if err != nil {
			logger.Error("due-today digest", slog.Int64("company_id", payload.CompanyID), slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("due-today digest",
			slog.Int64("company_id", payload.CompanyID),
			slog.Time("date", digest.Date),
			slog.Int("obligations", len(digest.Obligations)),
			slog.Int("bills", len(digest.Bills)))
		return tracker.End(nil)
	}
}
