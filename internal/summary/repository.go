package summary

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed reads for the aggregator.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// BillAggregates returns one billed/allocated row per bill in the period.
func (r *Repository) BillAggregates(ctx context.Context, companyID int64, period string) ([]BillAggregate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT b.id, b.entity_id, b.billed_amount, COALESCE(SUM(p.amount), 0)
		FROM bills b
		LEFT JOIN payments p ON p.bill_id = b.id
		WHERE b.company_id = $1 AND b.period_key = $2
		GROUP BY b.id`, companyID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggregates []BillAggregate
	for rows.Next() {
		var agg BillAggregate
		var entityID pgtype.Int8
		if err := rows.Scan(&agg.BillID, &entityID, &agg.Billed, &agg.Allocated); err != nil {
			return nil, err
		}
		if entityID.Valid {
			agg.EntityID = &entityID.Int64
		}
		aggregates = append(aggregates, agg)
	}
	return aggregates, rows.Err()
}

// ObligationTotals sums recurring-obligation amounts split by settlement
// state.
func (r *Repository) ObligationTotals(ctx context.Context, companyID int64, period string) (ObligationTotals, error) {
	var totals ObligationTotals
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE status = 'SCHEDULED'), 0),
			COALESCE(SUM(amount) FILTER (WHERE status = 'PAID'), 0)
		FROM recurring_obligations
		WHERE company_id = $1 AND period_key = $2`, companyID, period).
		Scan(&totals.Scheduled, &totals.Paid)
	return totals, err
}

// ExpenseTotal sums the period's expense records.
func (r *Repository) ExpenseTotal(ctx context.Context, companyID int64, period string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM expenses
		WHERE company_id = $1 AND period_key = $2`, companyID, period).Scan(&total)
	return total, err
}
