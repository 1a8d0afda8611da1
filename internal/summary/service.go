package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tallyops/tallyops/internal/billing"
	"github.com/tallyops/tallyops/internal/shared"
)

const defaultTopN = 5

// RepositoryPort defines the aggregator's data sources.
type RepositoryPort interface {
	BillAggregates(ctx context.Context, companyID int64, period string) ([]BillAggregate, error)
	ObligationTotals(ctx context.Context, companyID int64, period string) (ObligationTotals, error)
	ExpenseTotal(ctx context.Context, companyID int64, period string) (int64, error)
}

// Service builds period summaries.
type Service struct {
	repo   RepositoryPort
	cache  *Cache
	logger *slog.Logger
	topN   int
}

// NewService wires the summary service. A nil cache recomputes on every
// request.
func NewService(repo RepositoryPort, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger, topN: defaultTopN}
}

// GetSummary returns the period summary, served from cache when fresh.
func (s *Service) GetSummary(ctx context.Context, companyID int64, period shared.Period) (*PeriodSummary, error) {
	if period.IsZero() {
		return nil, shared.ErrInvalidPeriod
	}
	key := summaryKey(companyID, period.String())
	var result PeriodSummary
	err := s.cache.FetchJSON(ctx, key, &result, func(ctx context.Context) (any, error) {
		return s.build(ctx, companyID, period)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func summaryKey(companyID int64, period string) string {
	return fmt.Sprintf("summary:%d:%s", companyID, period)
}

// build folds the period's bills, obligations and expenses into one
// summary. The three sources are independent reads, fetched concurrently.
func (s *Service) build(ctx context.Context, companyID int64, period shared.Period) (*PeriodSummary, error) {
	var (
		bills       []BillAggregate
		obligations ObligationTotals
		expenses    int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bills, err = s.repo.BillAggregates(gctx, companyID, period.String())
		return err
	})
	g.Go(func() error {
		var err error
		obligations, err = s.repo.ObligationTotals(gctx, companyID, period.String())
		return err
	})
	g.Go(func() error {
		var err error
		expenses, err = s.repo.ExpenseTotal(gctx, companyID, period.String())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &PeriodSummary{
		CompanyID:    companyID,
		Period:       period.String(),
		BillCount:    len(bills),
		Obligations:  obligations,
		ExpenseTotal: expenses,
		GeneratedAt:  time.Now().UTC(),
	}

	unpaidByEntity := make(map[int64]int64)
	for _, b := range bills {
		result.TotalBilled += b.Billed
		result.TotalAllocated += b.Allocated

		// Per-bill max keeps the total correct even if a bill somehow
		// carries more allocation than billed amount.
		unpaid := b.Billed - b.Allocated
		if unpaid < 0 {
			unpaid = 0
		}
		result.TotalUnpaid += unpaid

		switch billing.ClassifyBill(b.Billed, b.Allocated) {
		case billing.StatusUnregistered:
			result.StatusCounts.Unregistered++
		case billing.StatusUnpaid:
			result.StatusCounts.Unpaid++
		case billing.StatusPartial:
			result.StatusCounts.Partial++
		case billing.StatusPaid:
			result.StatusCounts.Paid++
		}

		if b.EntityID != nil && unpaid > 0 {
			unpaidByEntity[*b.EntityID] += unpaid
		}
	}

	result.TopUnpaid = rankUnpaid(unpaidByEntity, s.topN)
	return result, nil
}

// rankUnpaid orders entities by unpaid amount descending, entity id
// ascending on ties, truncated to n.
func rankUnpaid(unpaidByEntity map[int64]int64, n int) []EntityUnpaid {
	ranked := make([]EntityUnpaid, 0, len(unpaidByEntity))
	for id, unpaid := range unpaidByEntity {
		ranked = append(ranked, EntityUnpaid{EntityID: id, Unpaid: unpaid})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Unpaid != ranked[j].Unpaid {
			return ranked[i].Unpaid > ranked[j].Unpaid
		}
		return ranked[i].EntityID < ranked[j].EntityID
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Invalidate drops the cached summary for one company and period. Payment
// mutations call this so the dashboard never serves a stale total past the
// TTL boundary.
func (s *Service) Invalidate(ctx context.Context, companyID int64, period shared.Period) error {
	return s.cache.Delete(ctx, summaryKey(companyID, period.String()))
}
