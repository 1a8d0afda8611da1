package schedule

import (
	"time"

	"github.com/tallyops/tallyops/internal/billing"
)

// ObligationStatus is the settlement state of a recurring obligation.
// Unlike bill status it is persisted: an obligation has no payment trail,
// only a scheduled/paid flag flipped by the settle action.
type ObligationStatus string

const (
	ObligationScheduled ObligationStatus = "SCHEDULED"
	ObligationPaid      ObligationStatus = "PAID"
)

// Obligation kinds.
const (
	KindPayroll    = "payroll"
	KindCollection = "collection"
)

// Obligation is one period instance of a recurring payable. One row exists
// per entity per period; the cycle day resolves to a calendar date through
// the period's clamping rule.
type Obligation struct {
	ID        int64
	CompanyID int64
	EntityID  int64
	PeriodKey string
	Kind      string
	Amount    int64
	CycleDay  int
	Status    ObligationStatus
	SettledAt *time.Time
	Memo      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DueObligation is an obligation selected for today, with its resolved due
// date attached.
type DueObligation struct {
	Obligation
	DueDate time.Time
}

// TodayDigest is the dashboard view of everything falling due on one date.
// Building it writes nothing.
type TodayDigest struct {
	Date        time.Time
	Obligations []DueObligation
	Bills       []billing.BillWithStatus
}
