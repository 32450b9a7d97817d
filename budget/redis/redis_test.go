package redis_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagegate/budget"
	"github.com/ineyio/imagegate/budget/budgettest"
	budgetredis "github.com/ineyio/imagegate/budget/redis"
)

func newTestStore(t *testing.T) (*budgetredis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return budgetredis.New(client, budgetredis.WithKeyPrefix("test:budget:")), mr
}

func TestStore_Conformance(t *testing.T) {
	budgettest.Run(t, func(t *testing.T) budget.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestStore_KeysAndUnits(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	subj := budget.DepartmentSubject("eng")

	_, err := s.Ensure(ctx, budget.Budget{
		Subject:               subj,
		Period:                budgettest.Period,
		Allocated:             decimal.RequireFromString("5000.00"),
		Mode:                  budget.Hard,
		AlertThresholdPercent: 80,
	})
	require.NoError(t, err)

	_, err = s.AddSpend(ctx, subj, budgettest.Period, decimal.RequireFromString("0.12"))
	require.NoError(t, err)

	key := "test:budget:{2026-03}:department:eng"
	assert.Equal(t, "50000000", mr.HGet(key, "allocated"))
	assert.Equal(t, "1200", mr.HGet(key, "spent"))
	assert.Equal(t, "hard", mr.HGet(key, "mode"))
	assert.Equal(t, "0", mr.HGet(key, "reserved"))

	members, err := mr.Members("test:budget:index:{2026-03}")
	require.NoError(t, err)
	assert.Equal(t, []string{"department:eng"}, members)
}

func TestLedger_ConcurrentCommitsOnRedis(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	l := budget.NewLedger(s, budget.Defaults{Department: decimal.NewFromInt(100), Mode: budget.Hard, AlertThresholdPercent: 80})
	subj := budget.UserSubject("u-1")

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Commit(ctx, subj, decimal.NewFromInt(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := l.GetOrCreate(ctx, subj, l.CurrentPeriod())
	require.NoError(t, err)
	assert.Equal(t, "40.00", b.Spent.StringFixed(2))
	assert.True(t, b.Unlimited())
}

func TestLedger_ConcurrentReservationsOnRedis(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	l := budget.NewLedger(s, budget.Defaults{Department: decimal.NewFromInt(100), Mode: budget.Hard, AlertThresholdPercent: 80})
	subj := budget.UserSubject("u-1")
	_, err := l.SetAllocation(ctx, subj, l.CurrentPeriod(), budget.Allocation{Amount: decimal.NewFromInt(1), Mode: budget.Hard, AlertThresholdPercent: 80})
	require.NoError(t, err)

	const n = 5
	holds := make(chan budget.Reservation, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, err := l.Reserve(ctx, nil, subj, decimal.NewFromInt(1)); err == nil {
				holds <- r
			}
		}()
	}
	wg.Wait()
	close(holds)

	var admitted []budget.Reservation
	for r := range holds {
		admitted = append(admitted, r)
	}
	require.Len(t, admitted, 1)

	_, err = l.Settle(ctx, admitted[0], decimal.NewFromInt(1))
	require.NoError(t, err)
	key := "test:budget:{" + l.CurrentPeriod().String() + "}:user:u-1"
	assert.Equal(t, "10000", mr.HGet(key, "spent"))
	assert.Equal(t, "0", mr.HGet(key, "reserved"))
}
