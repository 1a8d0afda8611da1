package billing

import (
	"time"

	"github.com/tallyops/tallyops/internal/shared"
)

// BillStatus enumerates derived bill settlement states.
type BillStatus string

const (
	StatusUnregistered BillStatus = "UNREGISTERED"
	StatusUnpaid       BillStatus = "UNPAID"
	StatusPartial      BillStatus = "PARTIAL"
	StatusPaid         BillStatus = "PAID"
)

// ClassifyBill derives the settlement status from the billed amount and the
// total allocated against it. Status is never persisted; it is recomputed
// from the payment sum on every read. An allocated total above the billed
// amount cannot occur when the allocator invariant holds, so the classifier
// does not model it.
func ClassifyBill(billedAmount, totalAllocated int64) BillStatus {
	switch {
	case billedAmount == 0:
		return StatusUnregistered
	case totalAllocated == 0:
		return StatusUnpaid
	case totalAllocated == billedAmount:
		return StatusPaid
	default:
		return StatusPartial
	}
}

// Bill is a billed obligation for one period. A nil EntityID marks an ad-hoc
// bill that is settled in full at creation.
type Bill struct {
	ID           int64
	CompanyID    int64
	EntityID     *int64
	PeriodKey    string
	BilledAmount int64
	DueDate      time.Time
	Memo         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Payment is a recorded inbound settlement against a bill. Amounts are
// integer minor units.
type Payment struct {
	ID         int64
	BillID     int64
	Amount     int64
	ReceivedAt time.Time
	Memo       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BillWithStatus pairs a bill with its allocation total and derived status.
type BillWithStatus struct {
	Bill
	Allocated int64
	Remaining int64
	Status    BillStatus
}

// BillWithPayments includes the full payment history.
type BillWithPayments struct {
	BillWithStatus
	Payments []Payment
}

// Classified builds a BillWithStatus from a bill and its allocation total.
func Classified(bill Bill, allocated int64) BillWithStatus {
	remaining := bill.BilledAmount - allocated
	if remaining < 0 {
		remaining = 0
	}
	return BillWithStatus{
		Bill:      bill,
		Allocated: allocated,
		Remaining: remaining,
		Status:    ClassifyBill(bill.BilledAmount, allocated),
	}
}

// --- Input DTOs ---

// CreateBillInput for creating a single bill.
type CreateBillInput struct {
	CompanyID int64
	EntityID  *int64
	Period    shared.Period
	Amount    int64
	DueDate   time.Time
	Memo      string
	ActorID   int64
}

// UpdateBillInput corrects amount, due date or memo. Nil fields are left
// unchanged.
type UpdateBillInput struct {
	BillID  int64
	Amount  *int64
	DueDate *time.Time
	Memo    *string
	ActorID int64
}

// RecordPaymentInput for recording a payment against a bill.
type RecordPaymentInput struct {
	BillID     int64
	Amount     int64
	ReceivedAt time.Time
	Memo       string
	ActorID    int64
}

// EditPaymentInput replaces a payment's amount, date or memo. Nil fields are
// left unchanged; a changed amount is re-validated against the bill ceiling.
type EditPaymentInput struct {
	PaymentID  int64
	Amount     *int64
	ReceivedAt *time.Time
	Memo       *string
	ActorID    int64
}

// RosterEntry describes one billable entity for batch registration.
type RosterEntry struct {
	EntityID        int64
	RecurringAmount *int64
	CycleDay        int
}

// BillProposal is one draft entry produced by ProposeBills. Proposals are
// not persisted; the operator confirms them through CommitBills.
type BillProposal struct {
	EntityID int64
	Amount   int64
	DueDate  time.Time
}

// CommitEntry is one operator-confirmed bill in a batch commit.
type CommitEntry struct {
	EntityID int64
	Amount   int64
	DueDate  time.Time
	Memo     string
}

// CommitBillsInput for the batch commit operation.
type CommitBillsInput struct {
	CompanyID      int64
	Period         shared.Period
	Entries        []CommitEntry
	RequireNonZero bool
	IdempotencyKey string
	ActorID        int64
}

// CommitFailure reports one entry that could not be created.
type CommitFailure struct {
	EntityID int64
	Reason   string
}

// CommitResult reports per-entry outcomes of a batch commit.
type CommitResult struct {
	Created int
	Failed  []CommitFailure
}

// SettleOutcome reports one bill's result inside an entity-wide settlement.
// Each bill settles in its own transaction, so some may succeed while
// others fail.
type SettleOutcome struct {
	BillID    int64
	PaymentID int64
	Amount    int64
	Settled   bool
	Reason    string
}

// ListBillsRequest filters the bill listing.
type ListBillsRequest struct {
	CompanyID int64
	Period    string
	Status    BillStatus
	EntityID  int64
	Page      int
	PerPage   int
}
