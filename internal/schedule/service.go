package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tallyops/tallyops/internal/billing"
	"github.com/tallyops/tallyops/internal/shared"
)

var (
	ErrObligationNotFound = errors.New("obligation not found")
	ErrAlreadySettled     = errors.New("obligation already settled")
)

// RepositoryPort defines data access for recurring obligations.
type RepositoryPort interface {
	ObligationsForPeriod(ctx context.Context, companyID int64, period string) ([]Obligation, error)
	GetObligation(ctx context.Context, id int64) (*Obligation, error)
	MarkSettled(ctx context.Context, id int64, asOf time.Time) error
	BillsDueOn(ctx context.Context, companyID int64, date time.Time) ([]billing.BillWithStatus, error)
	ProvisionForPeriod(ctx context.Context, companyID int64, period string) (int, error)
}

// Service selects due items and settles obligations.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService wires the schedule service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// DueToday lists the obligations whose clamped cycle day resolves to the
// given date, plus the bills due on it, each annotated with current
// settlement status. Selection compares resolved dates, so cycle day 31
// matches April 30 the same way day 30 does.
func (s *Service) DueToday(ctx context.Context, companyID int64, date time.Time) (*TodayDigest, error) {
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	period := shared.PeriodOf(date)

	obligations, err := s.repo.ObligationsForPeriod(ctx, companyID, period.String())
	if err != nil {
		return nil, err
	}

	digest := &TodayDigest{Date: date}
	for _, o := range obligations {
		due := period.DueDate(o.CycleDay)
		if due.Equal(date) {
			digest.Obligations = append(digest.Obligations, DueObligation{Obligation: o, DueDate: due})
		}
	}

	digest.Bills, err = s.repo.BillsDueOn(ctx, companyID, date)
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// SettleObligation flips a scheduled obligation to paid.
func (s *Service) SettleObligation(ctx context.Context, id int64, asOf time.Time) (*Obligation, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	obligation, err := s.repo.GetObligation(ctx, id)
	if err != nil {
		return nil, err
	}
	if obligation.Status == ObligationPaid {
		return nil, ErrAlreadySettled
	}
	if err := s.repo.MarkSettled(ctx, id, asOf); err != nil {
		return nil, err
	}
	s.logger.Info("obligation settled", "obligation_id", id, "amount", obligation.Amount)
	return s.repo.GetObligation(ctx, id)
}

// ProvisionPeriod materialises the period's obligation instances from the
// recurring roster, one per entity, skipping instances that already exist.
// The worker calls this ahead of each month.
func (s *Service) ProvisionPeriod(ctx context.Context, companyID int64, period shared.Period) (int, error) {
	if period.IsZero() {
		return 0, shared.ErrInvalidPeriod
	}
	created, err := s.repo.ProvisionForPeriod(ctx, companyID, period.String())
	if err != nil {
		return 0, err
	}
	if created > 0 {
		s.logger.Info("obligations provisioned", "company_id", companyID, "period", period.String(), "created", created)
	}
	return created, nil
}
