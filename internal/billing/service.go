package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tallyops/tallyops/internal/observability"
	"github.com/tallyops/tallyops/internal/shared"
)

var (
	ErrBillNotFound     = errors.New("bill not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrOverAllocation   = errors.New("payment exceeds remaining bill balance")
	ErrNothingToSettle  = errors.New("bill already fully allocated")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrNegativeAmount   = errors.New("billed amount must not be negative")
	ErrPeriodRequired   = errors.New("billing period is required")
	ErrDuplicateRoster  = errors.New("roster contains a duplicate entity")
	ErrBatchAlreadyDone = shared.ErrIdempotencyConflict
)

// ReplayGuard persists processed batch keys. *shared.IdempotencyStore
// implements it; tests substitute a memory guard.
type ReplayGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service implements payment allocation and batch bill registration.
type Service struct {
	repo     RepositoryPort
	logger   *slog.Logger
	audit    *shared.AuditLogger
	idem     ReplayGuard
	metrics  *observability.Metrics
	onChange func(ctx context.Context, companyID int64, periodKey string)
}

// NewService wires the billing service. Audit, idempotency and metrics are
// optional; nil values disable them.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// SetAuditLogger injects the audit trail writer.
func (s *Service) SetAuditLogger(audit *shared.AuditLogger) {
	s.audit = audit
}

// SetIdempotencyStore injects the batch-commit replay guard.
func (s *Service) SetIdempotencyStore(store ReplayGuard) {
	s.idem = store
}

// SetMetrics injects allocation counters.
func (s *Service) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// SetChangeListener registers a callback invoked after any mutation that
// shifts a period's totals. The summary cache invalidation hooks in here.
func (s *Service) SetChangeListener(fn func(ctx context.Context, companyID int64, periodKey string)) {
	s.onChange = fn
}

func (s *Service) notifyChange(ctx context.Context, companyID int64, periodKey string) {
	if s.onChange != nil {
		s.onChange(ctx, companyID, periodKey)
	}
}

// CreateBill registers a single bill. An ad-hoc bill (nil entity) records
// the cash event it represents, so it is settled in full immediately.
func (s *Service) CreateBill(ctx context.Context, input CreateBillInput) (*BillWithPayments, error) {
	if input.Amount < 0 {
		return nil, ErrNegativeAmount
	}
	if input.Period.IsZero() {
		return nil, ErrPeriodRequired
	}
	if input.EntityID != nil {
		ok, err := s.repo.EntityExists(ctx, input.CompanyID, *input.EntityID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrEntityNotFound
		}
	}
	if input.DueDate.IsZero() {
		input.DueDate = input.Period.End().AddDate(0, 0, -1)
	}

	bill, err := s.repo.CreateBill(ctx, input)
	if err != nil {
		return nil, err
	}

	if input.EntityID == nil && input.Amount > 0 {
		if _, err := s.RecordPayment(ctx, RecordPaymentInput{
			BillID:     bill.ID,
			Amount:     input.Amount,
			ReceivedAt: bill.DueDate,
			Memo:       "auto-settled on registration",
			ActorID:    input.ActorID,
		}); err != nil {
			return nil, fmt.Errorf("auto-settle ad-hoc bill %d: %w", bill.ID, err)
		}
	}

	s.notifyChange(ctx, bill.CompanyID, bill.PeriodKey)
	return s.repo.GetBillWithPayments(ctx, bill.ID)
}

// UpdateBill corrects a bill's amount, due date or memo. A reduced amount
// must still cover the payments already allocated.
func (s *Service) UpdateBill(ctx context.Context, input UpdateBillInput) (*BillWithPayments, error) {
	var companyID int64
	var periodKey string
	err := s.repo.WithAllocTx(ctx, func(ctx context.Context, tx AllocTx) error {
		bill, err := tx.BillForUpdate(ctx, input.BillID)
		if err != nil {
			return err
		}
		companyID, periodKey = bill.CompanyID, bill.PeriodKey
		amount := bill.BilledAmount
		if input.Amount != nil {
			if *input.Amount < 0 {
				return ErrNegativeAmount
			}
			amount = *input.Amount
		}
		dueDate := bill.DueDate
		if input.DueDate != nil {
			dueDate = *input.DueDate
		}
		memo := bill.Memo
		if input.Memo != nil {
			memo = *input.Memo
		}

		allocated, err := tx.AllocatedTotal(ctx, bill.ID, 0)
		if err != nil {
			return err
		}
		if amount < allocated {
			s.metrics.AllocationRejected("bill_below_allocated")
			return ErrOverAllocation
		}
		return tx.UpdateBill(ctx, bill.ID, amount, dueDate, memo)
	})
	if err != nil {
		return nil, err
	}
	s.notifyChange(ctx, companyID, periodKey)
	return s.repo.GetBillWithPayments(ctx, input.BillID)
}

// GetBill returns a bill with its payments and derived status.
func (s *Service) GetBill(ctx context.Context, id int64) (*BillWithPayments, error) {
	return s.repo.GetBillWithPayments(ctx, id)
}

// ListBills returns classified bills matching the filter.
func (s *Service) ListBills(ctx context.Context, req ListBillsRequest) ([]BillWithStatus, int, error) {
	if req.Period != "" {
		if _, err := shared.ParsePeriod(req.Period); err != nil {
			return nil, 0, err
		}
	}
	return s.repo.ListBills(ctx, req)
}

// DeleteBill removes a bill and its payment history.
func (s *Service) DeleteBill(ctx context.Context, id int64) error {
	bill, err := s.repo.GetBillWithPayments(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteBill(ctx, id); err != nil {
		return err
	}
	s.notifyChange(ctx, bill.CompanyID, bill.PeriodKey)
	return nil
}

// RecordPayment allocates a payment against a bill. The ceiling check and
// the insert share one serializable transaction, so two concurrent payments
// can never push the allocated total past the billed amount.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (*Payment, error) {
	if input.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if input.ReceivedAt.IsZero() {
		input.ReceivedAt = time.Now().UTC()
	}

	var payment *Payment
	var companyID int64
	var periodKey string
	err := s.repo.WithAllocTx(ctx, func(ctx context.Context, tx AllocTx) error {
		bill, err := tx.BillForUpdate(ctx, input.BillID)
		if err != nil {
			return err
		}
		companyID, periodKey = bill.CompanyID, bill.PeriodKey
		allocated, err := tx.AllocatedTotal(ctx, bill.ID, 0)
		if err != nil {
			return err
		}
		if allocated+input.Amount > bill.BilledAmount {
			s.metrics.AllocationRejected("over_allocation")
			return ErrOverAllocation
		}
		payment, err = tx.InsertPayment(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifyChange(ctx, companyID, periodKey)
	s.logger.Info("payment recorded", "bill_id", input.BillID, "payment_id", payment.ID, "amount", payment.Amount)
	s.recordAudit(ctx, input.ActorID, shared.AuditPaymentRecorded, payment.ID, map[string]any{
		"bill_id": input.BillID,
		"amount":  input.Amount,
	})
	return payment, nil
}

// SettleFull records one payment for the exact remaining balance of the
// bill. The remainder is computed inside the transaction, so a concurrent
// partial payment shrinks the settlement instead of overshooting it.
func (s *Service) SettleFull(ctx context.Context, billID int64, asOf time.Time, actorID int64) (*Payment, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	var payment *Payment
	var companyID int64
	var periodKey string
	err := s.repo.WithAllocTx(ctx, func(ctx context.Context, tx AllocTx) error {
		bill, err := tx.BillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		companyID, periodKey = bill.CompanyID, bill.PeriodKey
		allocated, err := tx.AllocatedTotal(ctx, bill.ID, 0)
		if err != nil {
			return err
		}
		remaining := bill.BilledAmount - allocated
		if remaining <= 0 {
			s.metrics.AllocationRejected("nothing_to_settle")
			return ErrNothingToSettle
		}
		payment, err = tx.InsertPayment(ctx, RecordPaymentInput{
			BillID:     billID,
			Amount:     remaining,
			ReceivedAt: asOf,
			Memo:       "settled in full",
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifyChange(ctx, companyID, periodKey)
	s.logger.Info("bill settled", "bill_id", billID, "payment_id", payment.ID, "amount", payment.Amount)
	s.recordAudit(ctx, actorID, shared.AuditBillSettled, billID, map[string]any{
		"payment_id": payment.ID,
		"amount":     payment.Amount,
	})
	return payment, nil
}

// SettleFullForEntity settles every outstanding bill the entity has in the
// period. Each bill runs in its own transaction and failures do not abort
// the rest; the outcome list reports every bill individually.
func (s *Service) SettleFullForEntity(ctx context.Context, companyID, entityID int64, period shared.Period, asOf time.Time, actorID int64) ([]SettleOutcome, error) {
	ok, err := s.repo.EntityExists(ctx, companyID, entityID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEntityNotFound
	}

	outstanding, err := s.repo.OutstandingBills(ctx, companyID, entityID, period.String())
	if err != nil {
		return nil, err
	}

	outcomes := make([]SettleOutcome, 0, len(outstanding))
	for _, bill := range outstanding {
		payment, err := s.SettleFull(ctx, bill.ID, asOf, actorID)
		if err != nil {
			outcomes = append(outcomes, SettleOutcome{BillID: bill.ID, Reason: err.Error()})
			continue
		}
		outcomes = append(outcomes, SettleOutcome{
			BillID:    bill.ID,
			PaymentID: payment.ID,
			Amount:    payment.Amount,
			Settled:   true,
		})
	}
	return outcomes, nil
}

// EditPayment corrects a recorded payment. A changed amount is re-validated
// against the bill ceiling excluding the payment's own previous amount.
func (s *Service) EditPayment(ctx context.Context, input EditPaymentInput) (*Payment, error) {
	var updated Payment
	var companyID int64
	var periodKey string
	err := s.repo.WithAllocTx(ctx, func(ctx context.Context, tx AllocTx) error {
		payment, err := tx.GetPayment(ctx, input.PaymentID)
		if err != nil {
			return err
		}
		bill, err := tx.BillForUpdate(ctx, payment.BillID)
		if err != nil {
			return err
		}
		companyID, periodKey = bill.CompanyID, bill.PeriodKey

		amount := payment.Amount
		if input.Amount != nil {
			if *input.Amount <= 0 {
				return ErrInvalidAmount
			}
			amount = *input.Amount
		}
		receivedAt := payment.ReceivedAt
		if input.ReceivedAt != nil {
			receivedAt = *input.ReceivedAt
		}
		memo := payment.Memo
		if input.Memo != nil {
			memo = *input.Memo
		}

		others, err := tx.AllocatedTotal(ctx, bill.ID, payment.ID)
		if err != nil {
			return err
		}
		if others+amount > bill.BilledAmount {
			s.metrics.AllocationRejected("over_allocation")
			return ErrOverAllocation
		}

		if err := tx.UpdatePayment(ctx, payment.ID, amount, receivedAt, memo); err != nil {
			return err
		}
		updated = *payment
		updated.Amount = amount
		updated.ReceivedAt = receivedAt
		updated.Memo = memo
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyChange(ctx, companyID, periodKey)
	s.recordAudit(ctx, input.ActorID, shared.AuditPaymentEdited, updated.ID, map[string]any{
		"bill_id": updated.BillID,
		"amount":  updated.Amount,
	})
	return &updated, nil
}

// DeletePayment removes a payment, releasing its allocation.
func (s *Service) DeletePayment(ctx context.Context, paymentID, actorID int64) error {
	var billID int64
	var companyID int64
	var periodKey string
	err := s.repo.WithAllocTx(ctx, func(ctx context.Context, tx AllocTx) error {
		payment, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		billID = payment.BillID
		bill, err := tx.BillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		companyID, periodKey = bill.CompanyID, bill.PeriodKey
		return tx.DeletePayment(ctx, paymentID)
	})
	if err != nil {
		return err
	}

	s.notifyChange(ctx, companyID, periodKey)
	s.recordAudit(ctx, actorID, shared.AuditPaymentDeleted, paymentID, map[string]any{
		"bill_id": billID,
	})
	return nil
}

// ProposeBills builds draft bills for a period from the recurring roster.
// Entities already billed in the period are excluded; entries without a
// recurring amount draft at zero for the operator to fill in. Nothing is
// persisted; the operator confirms the proposals through CommitBills.
func (s *Service) ProposeBills(ctx context.Context, companyID int64, period shared.Period, roster []RosterEntry) ([]BillProposal, error) {
	if period.IsZero() {
		return nil, ErrPeriodRequired
	}
	seen := make(map[int64]bool, len(roster))
	for _, entry := range roster {
		if seen[entry.EntityID] {
			return nil, fmt.Errorf("%w: entity %d", ErrDuplicateRoster, entry.EntityID)
		}
		seen[entry.EntityID] = true
		if err := shared.ValidateCycleDay(entry.CycleDay); err != nil {
			return nil, fmt.Errorf("entity %d: %w", entry.EntityID, err)
		}
	}

	billed, err := s.repo.BilledEntityIDs(ctx, companyID, period.String())
	if err != nil {
		return nil, err
	}

	proposals := make([]BillProposal, 0, len(roster))
	for _, entry := range roster {
		if billed[entry.EntityID] {
			continue
		}
		var amount int64
		if entry.RecurringAmount != nil {
			amount = *entry.RecurringAmount
		}
		proposals = append(proposals, BillProposal{
			EntityID: entry.EntityID,
			Amount:   amount,
			DueDate:  period.DueDate(entry.CycleDay),
		})
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].EntityID < proposals[j].EntityID })
	return proposals, nil
}

// CommitBills persists operator-confirmed proposals. Failures are per entry:
// one bad entry is reported and skipped, the rest are created. An
// idempotency key guards the whole batch against replays.
func (s *Service) CommitBills(ctx context.Context, input CommitBillsInput) (*CommitResult, error) {
	if input.Period.IsZero() {
		return nil, ErrPeriodRequired
	}
	if s.idem != nil {
		if input.IdempotencyKey == "" {
			input.IdempotencyKey = uuid.NewString()
		}
		if err := s.idem.CheckAndInsert(ctx, input.IdempotencyKey, "billing"); err != nil {
			return nil, err
		}
	}

	billed, err := s.repo.BilledEntityIDs(ctx, input.CompanyID, input.Period.String())
	if err != nil {
		// Release the key so a retry of the same batch is not mistaken
		// for a replay.
		if s.idem != nil {
			if delErr := s.idem.Delete(ctx, input.IdempotencyKey); delErr != nil {
				s.logger.Warn("release idempotency key", "key", input.IdempotencyKey, "err", delErr)
			}
		}
		return nil, err
	}

	result := &CommitResult{}
	for _, entry := range input.Entries {
		if reason := s.commitEntryCheck(ctx, input, entry, billed); reason != "" {
			result.Failed = append(result.Failed, CommitFailure{EntityID: entry.EntityID, Reason: reason})
			continue
		}
		entityID := entry.EntityID
		_, err := s.repo.CreateBill(ctx, CreateBillInput{
			CompanyID: input.CompanyID,
			EntityID:  &entityID,
			Period:    input.Period,
			Amount:    entry.Amount,
			DueDate:   entry.DueDate,
			Memo:      entry.Memo,
			ActorID:   input.ActorID,
		})
		if err != nil {
			result.Failed = append(result.Failed, CommitFailure{EntityID: entry.EntityID, Reason: err.Error()})
			continue
		}
		billed[entry.EntityID] = true
		result.Created++
	}

	if result.Created > 0 {
		s.notifyChange(ctx, input.CompanyID, input.Period.String())
	}
	s.logger.Info("bill batch committed",
		"company_id", input.CompanyID,
		"period", input.Period.String(),
		"created", result.Created,
		"failed", len(result.Failed))
	s.recordAudit(ctx, input.ActorID, shared.AuditBatchCommitted, input.CompanyID, map[string]any{
		"period":  input.Period.String(),
		"created": result.Created,
		"failed":  len(result.Failed),
	})
	return result, nil
}

func (s *Service) commitEntryCheck(ctx context.Context, input CommitBillsInput, entry CommitEntry, billed map[int64]bool) string {
	if entry.Amount < 0 {
		return ErrNegativeAmount.Error()
	}
	if input.RequireNonZero && entry.Amount == 0 {
		return "zero amount rejected for this batch"
	}
	if billed[entry.EntityID] {
		return "entity already billed for period"
	}
	ok, err := s.repo.EntityExists(ctx, input.CompanyID, entry.EntityID)
	if err != nil {
		return err.Error()
	}
	if !ok {
		return ErrEntityNotFound.Error()
	}
	return ""
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entity := "payment"
	switch action {
	case shared.AuditBillSettled:
		entity = "bill"
	case shared.AuditBatchCommitted:
		entity = "bill_batch"
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit write failed", "action", action, "err", err)
	}
}
