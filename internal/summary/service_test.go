package summary

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tallyops/tallyops/internal/shared"
)

type memoryRepo struct {
	bills       []BillAggregate
	obligations ObligationTotals
	expenses    int64
}

func (m *memoryRepo) BillAggregates(_ context.Context, _ int64, _ string) ([]BillAggregate, error) {
	return m.bills, nil
}

func (m *memoryRepo) ObligationTotals(_ context.Context, _ int64, _ string) (ObligationTotals, error) {
	return m.obligations, nil
}

func (m *memoryRepo) ExpenseTotal(_ context.Context, _ int64, _ string) (int64, error) {
	return m.expenses, nil
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, slog.New(slog.DiscardHandler))
}

func ptr[T any](v T) *T { return &v }

func june(t *testing.T) shared.Period {
	t.Helper()
	period, err := shared.ParsePeriod("2025-06")
	require.NoError(t, err)
	return period
}

func TestGetSummaryUnpaidIsPerBill(t *testing.T) {
	repo := &memoryRepo{
		bills: []BillAggregate{
			{BillID: 1, EntityID: ptr(int64(10)), Billed: 1000, Allocated: 1000},
			{BillID: 2, EntityID: ptr(int64(11)), Billed: 2000, Allocated: 500},
			{BillID: 3, EntityID: ptr(int64(12)), Billed: 3000, Allocated: 0},
		},
	}
	svc := newTestService(repo)

	result, err := svc.GetSummary(context.Background(), 1, june(t))
	require.NoError(t, err)
	require.Equal(t, int64(6000), result.TotalBilled)
	require.Equal(t, int64(1500), result.TotalAllocated)

	// Summed per bill as max(0, billed-allocated): 0 + 1500 + 3000.
	require.Equal(t, int64(4500), result.TotalUnpaid)
	require.Equal(t, 3, result.BillCount)
	require.Equal(t, StatusCounts{Paid: 1, Partial: 1, Unpaid: 1}, result.StatusCounts)
}

func TestGetSummaryUnpaidRobustToOverAllocatedRow(t *testing.T) {
	// An allocated total above the billed amount cannot happen through the
	// allocator, but the formula must not let such a row offset real debt.
	repo := &memoryRepo{
		bills: []BillAggregate{
			{BillID: 1, EntityID: ptr(int64(10)), Billed: 1000, Allocated: 3000},
			{BillID: 2, EntityID: ptr(int64(11)), Billed: 2000, Allocated: 500},
			{BillID: 3, EntityID: ptr(int64(12)), Billed: 1000, Allocated: 0},
		},
	}
	svc := newTestService(repo)

	result, err := svc.GetSummary(context.Background(), 1, june(t))
	require.NoError(t, err)
	require.Equal(t, int64(2500), result.TotalUnpaid)
}

func TestGetSummaryTopUnpaidRanking(t *testing.T) {
	repo := &memoryRepo{
		bills: []BillAggregate{
			{BillID: 1, EntityID: ptr(int64(30)), Billed: 5000, Allocated: 0},
			{BillID: 2, EntityID: ptr(int64(10)), Billed: 5000, Allocated: 0},
			{BillID: 3, EntityID: ptr(int64(20)), Billed: 9000, Allocated: 1000},
			{BillID: 4, EntityID: ptr(int64(10)), Billed: 2000, Allocated: 2000},
			{BillID: 5, EntityID: nil, Billed: 1000, Allocated: 0},
			{BillID: 6, EntityID: ptr(int64(40)), Billed: 100, Allocated: 0},
			{BillID: 7, EntityID: ptr(int64(50)), Billed: 200, Allocated: 0},
			{BillID: 8, EntityID: ptr(int64(60)), Billed: 300, Allocated: 0},
			{BillID: 9, EntityID: ptr(int64(70)), Billed: 400, Allocated: 0},
		},
	}
	svc := newTestService(repo)

	result, err := svc.GetSummary(context.Background(), 1, june(t))
	require.NoError(t, err)
	require.Len(t, result.TopUnpaid, 5)

	// 8000 first, then the 5000 tie broken by entity id ascending.
	require.Equal(t, EntityUnpaid{EntityID: 20, Unpaid: 8000}, result.TopUnpaid[0])
	require.Equal(t, EntityUnpaid{EntityID: 10, Unpaid: 5000}, result.TopUnpaid[1])
	require.Equal(t, EntityUnpaid{EntityID: 30, Unpaid: 5000}, result.TopUnpaid[2])
	require.Equal(t, EntityUnpaid{EntityID: 70, Unpaid: 400}, result.TopUnpaid[3])
	require.Equal(t, EntityUnpaid{EntityID: 60, Unpaid: 300}, result.TopUnpaid[4])
}

func TestGetSummaryObligationsAndExpenses(t *testing.T) {
	repo := &memoryRepo{
		obligations: ObligationTotals{Scheduled: 40000, Paid: 25000},
		expenses:    12000,
	}
	svc := newTestService(repo)

	result, err := svc.GetSummary(context.Background(), 1, june(t))
	require.NoError(t, err)
	require.Equal(t, ObligationTotals{Scheduled: 40000, Paid: 25000}, result.Obligations)
	require.Equal(t, int64(12000), result.ExpenseTotal)
	require.Equal(t, int64(0), result.TotalUnpaid)

	_, err = svc.GetSummary(context.Background(), 1, shared.Period{})
	require.ErrorIs(t, err, shared.ErrInvalidPeriod)
}

func TestWriteCSV(t *testing.T) {
	summary := &PeriodSummary{
		CompanyID:      1,
		Period:         "2025-06",
		TotalBilled:    1234567,
		TotalAllocated: 1000000,
		TotalUnpaid:    234567,
		BillCount:      3,
		StatusCounts:   StatusCounts{Paid: 2, Partial: 1},
		Obligations:    ObligationTotals{Scheduled: 40000, Paid: 25000},
		ExpenseTotal:   12000,
		TopUnpaid:      []EntityUnpaid{{EntityID: 20, Unpaid: 234567}},
		GeneratedAt:    time.Date(2025, time.July, 1, 9, 0, 0, 0, time.UTC),
	}

	var sb strings.Builder
	require.NoError(t, WriteCSV(&sb, summary))

	out := sb.String()
	require.Contains(t, out, "# Report: Period Summary")
	require.Contains(t, out, "# Company: 1 | Period: 2025-06")
	require.Contains(t, out, `Totals,Billed,"1,234,567"`)
	require.Contains(t, out, `Totals,Unpaid,"234,567"`)
	require.Contains(t, out, "Rank,Entity,Unpaid")
	require.Contains(t, out, `1,20,"234,567"`)
}
