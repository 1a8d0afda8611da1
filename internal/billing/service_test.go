package billing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tallyops/tallyops/internal/shared"
)

type memoryRepo struct {
	mu         sync.Mutex
	bills      map[int64]*Bill
	payments   map[int64]*Payment
	entities   map[int64]map[int64]bool
	nextBillID int64
	nextPayID  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		bills:    make(map[int64]*Bill),
		payments: make(map[int64]*Payment),
		entities: make(map[int64]map[int64]bool),
	}
}

func (m *memoryRepo) addEntity(companyID, entityID int64) {
	if m.entities[companyID] == nil {
		m.entities[companyID] = make(map[int64]bool)
	}
	m.entities[companyID][entityID] = true
}

func (m *memoryRepo) allocated(billID, exclude int64) int64 {
	var total int64
	for _, p := range m.payments {
		if p.BillID == billID && p.ID != exclude {
			total += p.Amount
		}
	}
	return total
}

func (m *memoryRepo) CreateBill(_ context.Context, input CreateBillInput) (*Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBillID++
	bill := &Bill{
		ID:           m.nextBillID,
		CompanyID:    input.CompanyID,
		EntityID:     input.EntityID,
		PeriodKey:    input.Period.String(),
		BilledAmount: input.Amount,
		DueDate:      input.DueDate,
		Memo:         input.Memo,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	m.bills[bill.ID] = bill
	return bill, nil
}

func (m *memoryRepo) GetBillWithPayments(_ context.Context, id int64) (*BillWithPayments, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bill, ok := m.bills[id]
	if !ok {
		return nil, ErrBillNotFound
	}
	var payments []Payment
	for _, p := range m.payments {
		if p.BillID == id {
			payments = append(payments, *p)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })
	return &BillWithPayments{
		BillWithStatus: Classified(*bill, m.allocated(id, 0)),
		Payments:       payments,
	}, nil
}

func (m *memoryRepo) ListBills(_ context.Context, req ListBillsRequest) ([]BillWithStatus, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BillWithStatus
	for _, bill := range m.bills {
		if bill.CompanyID != req.CompanyID {
			continue
		}
		if req.Period != "" && bill.PeriodKey != req.Period {
			continue
		}
		if req.EntityID > 0 && (bill.EntityID == nil || *bill.EntityID != req.EntityID) {
			continue
		}
		classified := Classified(*bill, m.allocated(bill.ID, 0))
		if req.Status != "" && classified.Status != req.Status {
			continue
		}
		out = append(out, classified)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (m *memoryRepo) DeleteBill(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bills[id]; !ok {
		return ErrBillNotFound
	}
	delete(m.bills, id)
	for pid, p := range m.payments {
		if p.BillID == id {
			delete(m.payments, pid)
		}
	}
	return nil
}

func (m *memoryRepo) BilledEntityIDs(_ context.Context, companyID int64, period string) (map[int64]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	billed := make(map[int64]bool)
	for _, bill := range m.bills {
		if bill.CompanyID == companyID && bill.PeriodKey == period && bill.EntityID != nil {
			billed[*bill.EntityID] = true
		}
	}
	return billed, nil
}

func (m *memoryRepo) OutstandingBills(_ context.Context, companyID, entityID int64, period string) ([]BillWithStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BillWithStatus
	for _, bill := range m.bills {
		if bill.CompanyID != companyID || bill.PeriodKey != period {
			continue
		}
		if bill.EntityID == nil || *bill.EntityID != entityID {
			continue
		}
		classified := Classified(*bill, m.allocated(bill.ID, 0))
		if classified.Remaining > 0 {
			out = append(out, classified)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepo) EntityExists(_ context.Context, companyID, entityID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entities[companyID][entityID], nil
}

func (m *memoryRepo) WithAllocTx(ctx context.Context, fn func(context.Context, AllocTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &memoryAllocTx{repo: m})
}

type memoryAllocTx struct {
	repo *memoryRepo
}

func (t *memoryAllocTx) BillForUpdate(_ context.Context, billID int64) (*Bill, error) {
	bill, ok := t.repo.bills[billID]
	if !ok {
		return nil, ErrBillNotFound
	}
	copied := *bill
	return &copied, nil
}

func (t *memoryAllocTx) AllocatedTotal(_ context.Context, billID, excludePaymentID int64) (int64, error) {
	return t.repo.allocated(billID, excludePaymentID), nil
}

func (t *memoryAllocTx) GetPayment(_ context.Context, paymentID int64) (*Payment, error) {
	payment, ok := t.repo.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	copied := *payment
	return &copied, nil
}

func (t *memoryAllocTx) InsertPayment(_ context.Context, input RecordPaymentInput) (*Payment, error) {
	t.repo.nextPayID++
	payment := &Payment{
		ID:         t.repo.nextPayID,
		BillID:     input.BillID,
		Amount:     input.Amount,
		ReceivedAt: input.ReceivedAt,
		Memo:       input.Memo,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	t.repo.payments[payment.ID] = payment
	copied := *payment
	return &copied, nil
}

func (t *memoryAllocTx) UpdatePayment(_ context.Context, id, amount int64, receivedAt time.Time, memo string) error {
	payment, ok := t.repo.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	payment.Amount = amount
	payment.ReceivedAt = receivedAt
	payment.Memo = memo
	payment.UpdatedAt = time.Now()
	return nil
}

func (t *memoryAllocTx) DeletePayment(_ context.Context, id int64) error {
	if _, ok := t.repo.payments[id]; !ok {
		return ErrPaymentNotFound
	}
	delete(t.repo.payments, id)
	return nil
}

func (t *memoryAllocTx) UpdateBill(_ context.Context, id, amount int64, dueDate time.Time, memo string) error {
	bill, ok := t.repo.bills[id]
	if !ok {
		return ErrBillNotFound
	}
	bill.BilledAmount = amount
	bill.DueDate = dueDate
	bill.Memo = memo
	bill.UpdatedAt = time.Now()
	return nil
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, slog.New(slog.DiscardHandler))
}

func mustPeriod(t *testing.T, key string) shared.Period {
	t.Helper()
	period, err := shared.ParsePeriod(key)
	require.NoError(t, err)
	return period
}

func seedBill(t *testing.T, repo *memoryRepo, companyID int64, entityID *int64, period string, amount int64) *Bill {
	t.Helper()
	p, err := shared.ParsePeriod(period)
	require.NoError(t, err)
	bill, err := repo.CreateBill(context.Background(), CreateBillInput{
		CompanyID: companyID,
		EntityID:  entityID,
		Period:    p,
		Amount:    amount,
		DueDate:   p.DueDate(25),
	})
	require.NoError(t, err)
	return bill
}

func ptr[T any](v T) *T { return &v }

func TestClassifyBill(t *testing.T) {
	cases := []struct {
		name      string
		billed    int64
		allocated int64
		want      BillStatus
	}{
		{"zero billed is unregistered", 0, 0, StatusUnregistered},
		{"no payments is unpaid", 10000, 0, StatusUnpaid},
		{"partial coverage", 10000, 4000, StatusPartial},
		{"exact coverage is paid", 10000, 10000, StatusPaid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ClassifyBill(tc.billed, tc.allocated))
		})
	}
}

func TestRecordPaymentRejectsOverAllocation(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	svc := newTestService(repo)
	ctx := context.Background()

	bill := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 10000)

	_, err := svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 7000})
	require.NoError(t, err)

	_, err = svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 4000})
	require.ErrorIs(t, err, ErrOverAllocation)

	_, err = svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 3000})
	require.NoError(t, err)

	got, err := svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.Equal(t, int64(0), got.Remaining)
}

func TestRecordPaymentValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.RecordPayment(ctx, RecordPaymentInput{BillID: 1, Amount: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.RecordPayment(ctx, RecordPaymentInput{BillID: 99, Amount: 500})
	require.ErrorIs(t, err, ErrBillNotFound)
}

func TestSettleFullRecordsExactRemainder(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	svc := newTestService(repo)
	ctx := context.Background()

	bill := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 5000)
	_, err := svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 2000})
	require.NoError(t, err)

	payment, err := svc.SettleFull(ctx, bill.ID, time.Time{}, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3000), payment.Amount)

	got, err := svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)

	_, err = svc.SettleFull(ctx, bill.ID, time.Time{}, 1)
	require.ErrorIs(t, err, ErrNothingToSettle)
}

func TestSettleFullForEntity(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	svc := newTestService(repo)
	ctx := context.Background()

	open := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 8000)
	partial := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 5000)
	paid := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 3000)
	seedBill(t, repo, 1, ptr(int64(10)), "2025-07", 4000)

	_, err := svc.RecordPayment(ctx, RecordPaymentInput{BillID: partial.ID, Amount: 2000})
	require.NoError(t, err)
	_, err = svc.SettleFull(ctx, paid.ID, time.Time{}, 1)
	require.NoError(t, err)

	outcomes, err := svc.SettleFullForEntity(ctx, 1, 10, mustPeriod(t, "2025-06"), time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	byBill := make(map[int64]SettleOutcome)
	for _, o := range outcomes {
		byBill[o.BillID] = o
	}
	require.True(t, byBill[open.ID].Settled)
	require.Equal(t, int64(8000), byBill[open.ID].Amount)
	require.True(t, byBill[partial.ID].Settled)
	require.Equal(t, int64(3000), byBill[partial.ID].Amount)

	_, err = svc.SettleFullForEntity(ctx, 1, 99, mustPeriod(t, "2025-06"), time.Time{}, 1)
	require.ErrorIs(t, err, ErrEntityNotFound)
}

func TestEditPaymentRevalidatesCeiling(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	svc := newTestService(repo)
	ctx := context.Background()

	bill := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 10000)
	first, err := svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 6000})
	require.NoError(t, err)
	second, err := svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 3000})
	require.NoError(t, err)

	// 6000 from the other payment leaves room for 4000.
	updated, err := svc.EditPayment(ctx, EditPaymentInput{PaymentID: second.ID, Amount: ptr(int64(4000))})
	require.NoError(t, err)
	require.Equal(t, int64(4000), updated.Amount)

	_, err = svc.EditPayment(ctx, EditPaymentInput{PaymentID: second.ID, Amount: ptr(int64(5000))})
	require.ErrorIs(t, err, ErrOverAllocation)

	_, err = svc.EditPayment(ctx, EditPaymentInput{PaymentID: first.ID, Amount: ptr(int64(0))})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDeletePaymentReleasesAllocation(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	svc := newTestService(repo)
	ctx := context.Background()

	bill := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 5000)
	payment, err := svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 5000})
	require.NoError(t, err)

	require.NoError(t, svc.DeletePayment(ctx, payment.ID, 1))

	got, err := svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnpaid, got.Status)
	require.Equal(t, int64(5000), got.Remaining)

	require.ErrorIs(t, svc.DeletePayment(ctx, payment.ID, 1), ErrPaymentNotFound)
}

func TestUpdateBillAmountMustCoverAllocated(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	svc := newTestService(repo)
	ctx := context.Background()

	bill := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 10000)
	_, err := svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 6000})
	require.NoError(t, err)

	_, err = svc.UpdateBill(ctx, UpdateBillInput{BillID: bill.ID, Amount: ptr(int64(4000))})
	require.ErrorIs(t, err, ErrOverAllocation)

	got, err := svc.UpdateBill(ctx, UpdateBillInput{BillID: bill.ID, Amount: ptr(int64(6000))})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
}

func TestCreateBillAdHocAutoSettles(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	bill, err := svc.CreateBill(ctx, CreateBillInput{
		CompanyID: 1,
		Period:    mustPeriod(t, "2025-06"),
		Amount:    2500,
		Memo:      "one-off connection fee",
	})
	require.NoError(t, err)
	require.Nil(t, bill.EntityID)
	require.Equal(t, StatusPaid, bill.Status)
	require.Len(t, bill.Payments, 1)
	require.Equal(t, int64(2500), bill.Payments[0].Amount)
}

func TestCreateBillUnknownEntity(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	_, err := svc.CreateBill(context.Background(), CreateBillInput{
		CompanyID: 1,
		EntityID:  ptr(int64(42)),
		Period:    mustPeriod(t, "2025-06"),
		Amount:    1000,
	})
	require.ErrorIs(t, err, ErrEntityNotFound)
}

func TestProposeBillsExcludesAlreadyBilled(t *testing.T) {
	repo := newMemoryRepo()
	for id := int64(1); id <= 5; id++ {
		repo.addEntity(1, id)
	}
	svc := newTestService(repo)
	ctx := context.Background()

	seedBill(t, repo, 1, ptr(int64(2)), "2025-02", 4000)
	seedBill(t, repo, 1, ptr(int64(4)), "2025-02", 4000)

	roster := []RosterEntry{
		{EntityID: 5, RecurringAmount: ptr(int64(5000)), CycleDay: 10},
		{EntityID: 1, RecurringAmount: ptr(int64(3000)), CycleDay: 31},
		{EntityID: 2, RecurringAmount: ptr(int64(4000)), CycleDay: 5},
		{EntityID: 3, CycleDay: 15},
		{EntityID: 4, RecurringAmount: ptr(int64(4000)), CycleDay: 5},
	}

	proposals, err := svc.ProposeBills(ctx, 1, mustPeriod(t, "2025-02"), roster)
	require.NoError(t, err)
	require.Len(t, proposals, 3)
	require.Equal(t, int64(1), proposals[0].EntityID)
	require.Equal(t, int64(3), proposals[1].EntityID)
	require.Equal(t, int64(5), proposals[2].EntityID)

	// No recurring amount drafts at zero for the operator to fill in.
	require.Equal(t, int64(0), proposals[1].Amount)

	// Day 31 clamps to the end of February.
	require.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), proposals[0].DueDate)
}

func TestProposeBillsValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.ProposeBills(ctx, 1, mustPeriod(t, "2025-02"), []RosterEntry{
		{EntityID: 1, CycleDay: 0},
	})
	require.ErrorIs(t, err, shared.ErrInvalidCycleDay)

	_, err = svc.ProposeBills(ctx, 1, mustPeriod(t, "2025-02"), []RosterEntry{
		{EntityID: 1, CycleDay: 5},
		{EntityID: 1, CycleDay: 9},
	})
	require.ErrorIs(t, err, ErrDuplicateRoster)
}

func TestCommitBillsReportsPerEntryFailures(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	repo.addEntity(1, 11)
	repo.addEntity(1, 12)
	svc := newTestService(repo)
	ctx := context.Background()

	seedBill(t, repo, 1, ptr(int64(12)), "2025-06", 1000)

	due := time.Date(2025, time.June, 25, 0, 0, 0, 0, time.UTC)
	result, err := svc.CommitBills(ctx, CommitBillsInput{
		CompanyID:      1,
		Period:         mustPeriod(t, "2025-06"),
		RequireNonZero: true,
		Entries: []CommitEntry{
			{EntityID: 10, Amount: 5000, DueDate: due},
			{EntityID: 11, Amount: 0, DueDate: due},
			{EntityID: 12, Amount: 4000, DueDate: due},
			{EntityID: 99, Amount: 3000, DueDate: due},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)
	require.Len(t, result.Failed, 3)

	reasons := make(map[int64]string)
	for _, f := range result.Failed {
		reasons[f.EntityID] = f.Reason
	}
	require.Contains(t, reasons[11], "zero amount")
	require.Contains(t, reasons[12], "already billed")
	require.Contains(t, reasons[99], "entity not found")

	bills, _, err := svc.ListBills(ctx, ListBillsRequest{CompanyID: 1, Period: "2025-06"})
	require.NoError(t, err)
	require.Len(t, bills, 2)
}

func TestCommitBillsDuplicateEntriesInBatch(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	svc := newTestService(repo)
	ctx := context.Background()

	due := time.Date(2025, time.June, 25, 0, 0, 0, 0, time.UTC)
	result, err := svc.CommitBills(ctx, CommitBillsInput{
		CompanyID: 1,
		Period:    mustPeriod(t, "2025-06"),
		Entries: []CommitEntry{
			{EntityID: 10, Amount: 5000, DueDate: due},
			{EntityID: 10, Amount: 5000, DueDate: due},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)
	require.Len(t, result.Failed, 1)
}

type memoryReplayGuard struct {
	keys map[string]bool
}

func newMemoryReplayGuard() *memoryReplayGuard {
	return &memoryReplayGuard{keys: make(map[string]bool)}
}

func (g *memoryReplayGuard) CheckAndInsert(_ context.Context, key, _ string) error {
	if g.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	g.keys[key] = true
	return nil
}

func (g *memoryReplayGuard) Delete(_ context.Context, key string) error {
	delete(g.keys, key)
	return nil
}

func TestCommitBillsRejectsReplayedKey(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	repo.addEntity(1, 11)
	svc := newTestService(repo)
	guard := newMemoryReplayGuard()
	svc.SetIdempotencyStore(guard)
	ctx := context.Background()

	due := time.Date(2025, time.June, 25, 0, 0, 0, 0, time.UTC)
	input := CommitBillsInput{
		CompanyID:      1,
		Period:         mustPeriod(t, "2025-06"),
		IdempotencyKey: "batch-2025-06-a",
		Entries: []CommitEntry{
			{EntityID: 10, Amount: 5000, DueDate: due},
		},
	}

	result, err := svc.CommitBills(ctx, input)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)

	// The same key replayed must not create anything, not even for a
	// fresh entity.
	input.Entries = append(input.Entries, CommitEntry{EntityID: 11, Amount: 4000, DueDate: due})
	_, err = svc.CommitBills(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.ErrorIs(t, err, ErrBatchAlreadyDone)

	bills, _, err := svc.ListBills(ctx, ListBillsRequest{CompanyID: 1, Period: "2025-06"})
	require.NoError(t, err)
	require.Len(t, bills, 1)
}

func TestCommitBillsGeneratesKeyWhenOmitted(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	svc := newTestService(repo)
	guard := newMemoryReplayGuard()
	svc.SetIdempotencyStore(guard)
	ctx := context.Background()

	due := time.Date(2025, time.June, 25, 0, 0, 0, 0, time.UTC)
	result, err := svc.CommitBills(ctx, CommitBillsInput{
		CompanyID: 1,
		Period:    mustPeriod(t, "2025-06"),
		Entries:   []CommitEntry{{EntityID: 10, Amount: 5000, DueDate: due}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)
	require.Len(t, guard.keys, 1)
}

func TestChangeListenerNotifiedOnAllocation(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	svc := newTestService(repo)
	ctx := context.Background()

	type change struct {
		companyID int64
		periodKey string
	}
	var changes []change
	svc.SetChangeListener(func(_ context.Context, companyID int64, periodKey string) {
		changes = append(changes, change{companyID, periodKey})
	})

	bill := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 5000)

	payment, err := svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 2000})
	require.NoError(t, err)
	require.Equal(t, []change{{1, "2025-06"}}, changes)

	// A rejected allocation leaves the totals untouched.
	_, err = svc.RecordPayment(ctx, RecordPaymentInput{BillID: bill.ID, Amount: 9000})
	require.ErrorIs(t, err, ErrOverAllocation)
	require.Len(t, changes, 1)

	require.NoError(t, svc.DeletePayment(ctx, payment.ID, 1))
	require.Len(t, changes, 2)
}

func TestListBillsStatusFilter(t *testing.T) {
	repo := newMemoryRepo()
	repo.addEntity(1, 10)
	repo.addEntity(1, 11)
	svc := newTestService(repo)
	ctx := context.Background()

	paid := seedBill(t, repo, 1, ptr(int64(10)), "2025-06", 2000)
	seedBill(t, repo, 1, ptr(int64(11)), "2025-06", 3000)
	_, err := svc.SettleFull(ctx, paid.ID, time.Time{}, 1)
	require.NoError(t, err)

	bills, total, err := svc.ListBills(ctx, ListBillsRequest{CompanyID: 1, Period: "2025-06", Status: StatusUnpaid})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, bills, 1)
	require.Equal(t, StatusUnpaid, bills[0].Status)

	_, _, err = svc.ListBills(ctx, ListBillsRequest{CompanyID: 1, Period: "bad-key"})
	require.ErrorIs(t, err, shared.ErrInvalidPeriod)
}
