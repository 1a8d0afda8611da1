package summary

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	memoryRepo
	calls int
}

func (c *countingRepo) BillAggregates(ctx context.Context, companyID int64, period string) ([]BillAggregate, error) {
	c.calls++
	return c.memoryRepo.BillAggregates(ctx, companyID, period)
}

func newCacheBackedService(t *testing.T, repo RepositoryPort, ttl time.Duration) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(repo, NewCache(client, ttl), slog.New(slog.DiscardHandler)), mr
}

func TestGetSummaryServedFromCache(t *testing.T) {
	repo := &countingRepo{memoryRepo: memoryRepo{
		bills: []BillAggregate{
			{BillID: 1, EntityID: ptr(int64(10)), Billed: 2000, Allocated: 500},
		},
	}}
	svc, _ := newCacheBackedService(t, repo, time.Minute)
	ctx := context.Background()

	first, err := svc.GetSummary(ctx, 1, june(t))
	require.NoError(t, err)
	require.Equal(t, int64(1500), first.TotalUnpaid)
	require.Equal(t, 1, repo.calls)

	second, err := svc.GetSummary(ctx, 1, june(t))
	require.NoError(t, err)
	require.Equal(t, first.TotalUnpaid, second.TotalUnpaid)
	require.Equal(t, 1, repo.calls)

	// Another period misses the cache.
	otherPeriod, err := svc.GetSummary(ctx, 1, june(t).Next())
	require.NoError(t, err)
	require.NotNil(t, otherPeriod)
	require.Equal(t, 2, repo.calls)
}

func TestGetSummaryCacheExpiry(t *testing.T) {
	repo := &countingRepo{}
	svc, mr := newCacheBackedService(t, repo, time.Second)
	ctx := context.Background()

	_, err := svc.GetSummary(ctx, 1, june(t))
	require.NoError(t, err)
	require.Equal(t, 1, repo.calls)

	mr.FastForward(2 * time.Second)

	_, err = svc.GetSummary(ctx, 1, june(t))
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls)
}

func TestInvalidateDropsCachedSummary(t *testing.T) {
	repo := &countingRepo{}
	svc, _ := newCacheBackedService(t, repo, time.Minute)
	ctx := context.Background()

	_, err := svc.GetSummary(ctx, 1, june(t))
	require.NoError(t, err)
	require.Equal(t, 1, repo.calls)

	require.NoError(t, svc.Invalidate(ctx, 1, june(t)))

	_, err = svc.GetSummary(ctx, 1, june(t))
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls)
}
