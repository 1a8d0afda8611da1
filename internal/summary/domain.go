package summary

import "time"

// BillAggregate is one bill's billed/allocated pair, the aggregator's input
// row.
type BillAggregate struct {
	BillID    int64
	EntityID  *int64
	Billed    int64
	Allocated int64
}

// StatusCounts tallies bills per derived status.
type StatusCounts struct {
	Unregistered int `json:"unregistered"`
	Unpaid       int `json:"unpaid"`
	Partial      int `json:"partial"`
	Paid         int `json:"paid"`
}

// ObligationTotals splits recurring-obligation amounts by settlement state.
type ObligationTotals struct {
	Scheduled int64 `json:"scheduled"`
	Paid      int64 `json:"paid"`
}

// EntityUnpaid is one entry in the top-unpaid ranking.
type EntityUnpaid struct {
	EntityID int64 `json:"entity_id"`
	Unpaid   int64 `json:"unpaid"`
}

// PeriodSummary is the derived aggregate for one company and period. It is
// never persisted; every request recomputes it (or reads a short-TTL cache
// of a recent computation).
type PeriodSummary struct {
	CompanyID      int64            `json:"company_id"`
	Period         string           `json:"period"`
	TotalBilled    int64            `json:"total_billed"`
	TotalAllocated int64            `json:"total_allocated"`
	TotalUnpaid    int64            `json:"total_unpaid"`
	BillCount      int              `json:"bill_count"`
	StatusCounts   StatusCounts     `json:"status_counts"`
	Obligations    ObligationTotals `json:"obligations"`
	ExpenseTotal   int64            `json:"expense_total"`
	TopUnpaid      []EntityUnpaid   `json:"top_unpaid"`
	GeneratedAt    time.Time        `json:"generated_at"`
}
