package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyops/tallyops/internal/billing"
)

// Repository provides PostgreSQL backed persistence for obligations.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const obligationColumns = `id, company_id, entity_id, period_key, kind, amount, cycle_day, status, settled_at, memo, created_at, updated_at`

// ObligationsForPeriod lists the company's obligations in one period.
func (r *Repository) ObligationsForPeriod(ctx context.Context, companyID int64, period string) ([]Obligation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+obligationColumns+`
		FROM recurring_obligations
		WHERE company_id = $1 AND period_key = $2
		ORDER BY entity_id, id`, companyID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obligations []Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		obligations = append(obligations, o)
	}
	return obligations, rows.Err()
}

// GetObligation fetches one obligation.
func (r *Repository) GetObligation(ctx context.Context, id int64) (*Obligation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+obligationColumns+`
		FROM recurring_obligations
		WHERE id = $1`, id)
	o, err := scanObligation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrObligationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// MarkSettled flips a scheduled obligation to paid. The status predicate
// makes concurrent settles race safely: the loser affects zero rows.
func (r *Repository) MarkSettled(ctx context.Context, id int64, asOf time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE recurring_obligations
		SET status = $2, settled_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, ObligationPaid, asOf, ObligationScheduled)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetObligation(ctx, id); err != nil {
			return err
		}
		return ErrAlreadySettled
	}
	return nil
}

// BillsDueOn returns classified bills whose due date falls on the given day.
func (r *Repository) BillsDueOn(ctx context.Context, companyID int64, date time.Time) ([]billing.BillWithStatus, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT b.id, b.company_id, b.entity_id, b.period_key, b.billed_amount,
			b.due_date, b.memo, b.created_at, b.updated_at,
			COALESCE(SUM(p.amount), 0) AS allocated
		FROM bills b
		LEFT JOIN payments p ON p.bill_id = b.id
		WHERE b.company_id = $1 AND b.due_date = $2
		GROUP BY b.id
		ORDER BY b.id`, companyID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []billing.BillWithStatus
	for rows.Next() {
		var bill billing.Bill
		var entityID pgtype.Int8
		var allocated int64
		if err := rows.Scan(
			&bill.ID, &bill.CompanyID, &entityID, &bill.PeriodKey, &bill.BilledAmount,
			&bill.DueDate, &bill.Memo, &bill.CreatedAt, &bill.UpdatedAt, &allocated,
		); err != nil {
			return nil, err
		}
		if entityID.Valid {
			bill.EntityID = &entityID.Int64
		}
		bills = append(bills, billing.Classified(bill, allocated))
	}
	return bills, rows.Err()
}

// ProvisionForPeriod inserts one scheduled obligation per recurring roster
// entry that lacks an instance for the period. The unique key on
// (company_id, entity_id, period_key, kind) makes re-runs no-ops.
func (r *Repository) ProvisionForPeriod(ctx context.Context, companyID int64, period string) (int, error) {
	result, err := r.pool.Exec(ctx, `
		INSERT INTO recurring_obligations
			(company_id, entity_id, period_key, kind, amount, cycle_day, status, memo, created_at, updated_at)
		SELECT e.company_id, e.id, $2, $3, e.recurring_amount, e.cycle_day, $4, '', NOW(), NOW()
		FROM entities e
		WHERE e.company_id = $1
			AND e.recurring_amount IS NOT NULL
			AND e.cycle_day IS NOT NULL
		ON CONFLICT (company_id, entity_id, period_key, kind) DO NOTHING`,
		companyID, period, KindCollection, ObligationScheduled)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

func scanObligation(row pgx.Row) (Obligation, error) {
	var o Obligation
	var settledAt pgtype.Timestamptz
	err := row.Scan(
		&o.ID, &o.CompanyID, &o.EntityID, &o.PeriodKey, &o.Kind, &o.Amount,
		&o.CycleDay, &o.Status, &settledAt, &o.Memo, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return Obligation{}, err
	}
	if settledAt.Valid {
		o.SettledAt = &settledAt.Time
	}
	return o, nil
}
