package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tallyops/tallyops/internal/platform/db"
	"github.com/tallyops/tallyops/internal/shared"
)

// RepositoryPort defines data access methods for billing.
type RepositoryPort interface {
	CreateBill(ctx context.Context, input CreateBillInput) (*Bill, error)
	GetBillWithPayments(ctx context.Context, id int64) (*BillWithPayments, error)
	ListBills(ctx context.Context, req ListBillsRequest) ([]BillWithStatus, int, error)
	DeleteBill(ctx context.Context, id int64) error
	BilledEntityIDs(ctx context.Context, companyID int64, period string) (map[int64]bool, error)
	OutstandingBills(ctx context.Context, companyID, entityID int64, period string) ([]BillWithStatus, error)
	EntityExists(ctx context.Context, companyID, entityID int64) (bool, error)
	WithAllocTx(ctx context.Context, fn func(context.Context, AllocTx) error) error
}

// AllocTx exposes the operations available inside one allocation
// transaction. BillForUpdate locks the bill row, so the read-check-insert
// sequence is atomic with respect to concurrent allocations.
type AllocTx interface {
	BillForUpdate(ctx context.Context, billID int64) (*Bill, error)
	AllocatedTotal(ctx context.Context, billID, excludePaymentID int64) (int64, error)
	GetPayment(ctx context.Context, paymentID int64) (*Payment, error)
	InsertPayment(ctx context.Context, input RecordPaymentInput) (*Payment, error)
	UpdatePayment(ctx context.Context, id, amount int64, receivedAt time.Time, memo string) error
	DeletePayment(ctx context.Context, id int64) error
	UpdateBill(ctx context.Context, id, amount int64, dueDate time.Time, memo string) error
}

// Repository provides PostgreSQL backed persistence for billing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateBill inserts a new bill.
func (r *Repository) CreateBill(ctx context.Context, input CreateBillInput) (*Bill, error) {
	query := `
		INSERT INTO bills (company_id, entity_id, period_key, billed_amount, due_date, memo, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	var entityID pgtype.Int8
	if input.EntityID != nil {
		entityID = pgtype.Int8{Int64: *input.EntityID, Valid: true}
	}

	var bill Bill
	err := r.pool.QueryRow(ctx, query,
		input.CompanyID,
		entityID,
		input.Period.String(),
		input.Amount,
		input.DueDate,
		input.Memo,
	).Scan(&bill.ID, &bill.CreatedAt, &bill.UpdatedAt)
	if err != nil {
		return nil, err
	}

	bill.CompanyID = input.CompanyID
	bill.EntityID = input.EntityID
	bill.PeriodKey = input.Period.String()
	bill.BilledAmount = input.Amount
	bill.DueDate = input.DueDate
	bill.Memo = input.Memo
	return &bill, nil
}

// GetBillWithPayments retrieves a bill, its payments and derived status.
func (r *Repository) GetBillWithPayments(ctx context.Context, id int64) (*BillWithPayments, error) {
	query := `
		SELECT id, company_id, entity_id, period_key, billed_amount, due_date, memo, created_at, updated_at
		FROM bills
		WHERE id = $1`

	var bill Bill
	var entityID pgtype.Int8
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&bill.ID, &bill.CompanyID, &entityID, &bill.PeriodKey, &bill.BilledAmount,
		&bill.DueDate, &bill.Memo, &bill.CreatedAt, &bill.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBillNotFound
	}
	if err != nil {
		return nil, err
	}
	if entityID.Valid {
		bill.EntityID = &entityID.Int64
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, bill_id, amount, received_at, memo, created_at, updated_at
		FROM payments
		WHERE bill_id = $1
		ORDER BY received_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	var allocated int64
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.BillID, &p.Amount, &p.ReceivedAt, &p.Memo, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		allocated += p.Amount
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &BillWithPayments{BillWithStatus: Classified(bill, allocated), Payments: payments}, nil
}

// ListBills returns classified bills with the total row count for
// pagination. Status filtering happens in SQL so pages stay stable.
func (r *Repository) ListBills(ctx context.Context, req ListBillsRequest) ([]BillWithStatus, int, error) {
	where := " WHERE b.company_id = $1"
	args := []any{req.CompanyID}
	argNum := 2

	if req.Period != "" {
		where += fmt.Sprintf(" AND b.period_key = $%d", argNum)
		args = append(args, req.Period)
		argNum++
	}
	if req.EntityID > 0 {
		where += fmt.Sprintf(" AND b.entity_id = $%d", argNum)
		args = append(args, req.EntityID)
		argNum++
	}

	having := statusHaving(req.Status)

	countQuery := `
		SELECT COUNT(*) FROM (
			SELECT b.id
			FROM bills b
			LEFT JOIN payments p ON p.bill_id = b.id` + where + `
			GROUP BY b.id` + having + `
		) matched`
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT b.id, b.company_id, b.entity_id, b.period_key, b.billed_amount,
			b.due_date, b.memo, b.created_at, b.updated_at,
			COALESCE(SUM(p.amount), 0) AS allocated
		FROM bills b
		LEFT JOIN payments p ON p.bill_id = b.id` + where + `
		GROUP BY b.id` + having + `
		ORDER BY b.due_date, b.id`

	if req.PerPage > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
		pagination := shared.NewPagination(req.Page, req.PerPage, total)
		args = append(args, pagination.PerPage, pagination.Offset())
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	bills, err := scanClassifiedRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return bills, total, nil
}

func statusHaving(status BillStatus) string {
	switch status {
	case StatusUnregistered:
		return " HAVING b.billed_amount = 0"
	case StatusUnpaid:
		return " HAVING b.billed_amount > 0 AND COALESCE(SUM(p.amount), 0) = 0"
	case StatusPartial:
		return " HAVING COALESCE(SUM(p.amount), 0) > 0 AND COALESCE(SUM(p.amount), 0) < b.billed_amount"
	case StatusPaid:
		return " HAVING b.billed_amount > 0 AND COALESCE(SUM(p.amount), 0) = b.billed_amount"
	default:
		return ""
	}
}

// DeleteBill removes a bill; payments cascade via the foreign key.
func (r *Repository) DeleteBill(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM bills WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBillNotFound
	}
	return nil
}

// BilledEntityIDs returns the entity ids that already have a bill for the
// period.
func (r *Repository) BilledEntityIDs(ctx context.Context, companyID int64, period string) (map[int64]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT entity_id
		FROM bills
		WHERE company_id = $1 AND period_key = $2 AND entity_id IS NOT NULL`, companyID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	billed := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		billed[id] = true
	}
	return billed, rows.Err()
}

// OutstandingBills returns the entity's bills in the period that still have
// a positive remainder.
func (r *Repository) OutstandingBills(ctx context.Context, companyID, entityID int64, period string) ([]BillWithStatus, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT b.id, b.company_id, b.entity_id, b.period_key, b.billed_amount,
			b.due_date, b.memo, b.created_at, b.updated_at,
			COALESCE(SUM(p.amount), 0) AS allocated
		FROM bills b
		LEFT JOIN payments p ON p.bill_id = b.id
		WHERE b.company_id = $1 AND b.entity_id = $2 AND b.period_key = $3
		GROUP BY b.id
		HAVING b.billed_amount - COALESCE(SUM(p.amount), 0) > 0
		ORDER BY b.id`, companyID, entityID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanClassifiedRows(rows)
}

// EntityExists reports whether the entity belongs to the company.
func (r *Repository) EntityExists(ctx context.Context, companyID, entityID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM entities WHERE id = $1 AND company_id = $2)`,
		entityID, companyID,
	).Scan(&exists)
	return exists, err
}

// WithAllocTx runs fn inside one serializable transaction.
func (r *Repository) WithAllocTx(ctx context.Context, fn func(context.Context, AllocTx) error) error {
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &allocTx{tx: tx})
	})
}

type allocTx struct {
	tx pgx.Tx
}

func (t *allocTx) BillForUpdate(ctx context.Context, billID int64) (*Bill, error) {
	var bill Bill
	var entityID pgtype.Int8
	err := t.tx.QueryRow(ctx, `
		SELECT id, company_id, entity_id, period_key, billed_amount, due_date, memo, created_at, updated_at
		FROM bills
		WHERE id = $1
		FOR UPDATE`, billID).Scan(
		&bill.ID, &bill.CompanyID, &entityID, &bill.PeriodKey, &bill.BilledAmount,
		&bill.DueDate, &bill.Memo, &bill.CreatedAt, &bill.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBillNotFound
	}
	if err != nil {
		return nil, err
	}
	if entityID.Valid {
		bill.EntityID = &entityID.Int64
	}
	return &bill, nil
}

func (t *allocTx) AllocatedTotal(ctx context.Context, billID, excludePaymentID int64) (int64, error) {
	var total int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payments
		WHERE bill_id = $1 AND id <> $2`, billID, excludePaymentID).Scan(&total)
	return total, err
}

func (t *allocTx) GetPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	var p Payment
	err := t.tx.QueryRow(ctx, `
		SELECT id, bill_id, amount, received_at, memo, created_at, updated_at
		FROM payments
		WHERE id = $1`, paymentID).Scan(
		&p.ID, &p.BillID, &p.Amount, &p.ReceivedAt, &p.Memo, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *allocTx) InsertPayment(ctx context.Context, input RecordPaymentInput) (*Payment, error) {
	var p Payment
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (bill_id, amount, received_at, memo, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		input.BillID, input.Amount, input.ReceivedAt, input.Memo,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.BillID = input.BillID
	p.Amount = input.Amount
	p.ReceivedAt = input.ReceivedAt
	p.Memo = input.Memo
	return &p, nil
}

func (t *allocTx) UpdatePayment(ctx context.Context, id, amount int64, receivedAt time.Time, memo string) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET amount = $2, received_at = $3, memo = $4, updated_at = NOW()
		WHERE id = $1`, id, amount, receivedAt, memo)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *allocTx) DeletePayment(ctx context.Context, id int64) error {
	result, err := t.tx.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *allocTx) UpdateBill(ctx context.Context, id, amount int64, dueDate time.Time, memo string) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE bills
		SET billed_amount = $2, due_date = $3, memo = $4, updated_at = NOW()
		WHERE id = $1`, id, amount, dueDate, memo)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBillNotFound
	}
	return nil
}

func scanClassifiedRows(rows pgx.Rows) ([]BillWithStatus, error) {
	var bills []BillWithStatus
	for rows.Next() {
		var bill Bill
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
		bills = append(bills, Classified(bill, allocated))
	}
	return bills, rows.Err()
}
