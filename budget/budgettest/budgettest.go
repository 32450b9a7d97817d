// Package budgettest holds conformance tests every budget.Store must pass.
package budgettest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagegate/budget"
)

// Period is the period used by the conformance tests.
var Period = budget.Period{Year: 2026, Month: 3}

func sample(subject budget.Subject, alloc string) budget.Budget {
	return budget.Budget{
		Subject:               subject,
		Period:                Period,
		Allocated:             decimal.RequireFromString(alloc),
		Spent:                 decimal.Zero,
		Mode:                  budget.Hard,
		AlertThresholdPercent: 80,
	}
}

// Run exercises store. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) budget.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, budget.UserSubject("nobody"), Period)
		assert.ErrorIs(t, err, budget.ErrNotFound)
	})

	t.Run("add spend missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AddSpend(ctx, budget.UserSubject("nobody"), Period, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, budget.ErrNotFound)
	})

	t.Run("ensure inserts once", func(t *testing.T) {
		s := newStore(t)
		subj := budget.DepartmentSubject("eng")

		first, err := s.Ensure(ctx, sample(subj, "100.00"))
		require.NoError(t, err)
		assert.True(t, first.Allocated.Equal(decimal.NewFromInt(100)))

		second, err := s.Ensure(ctx, sample(subj, "999.00"))
		require.NoError(t, err)
		assert.True(t, second.Allocated.Equal(decimal.NewFromInt(100)), "existing budget wins")

		loaded, err := s.Load(ctx, subj, Period)
		require.NoError(t, err)
		assert.Equal(t, subj, loaded.Subject)
		assert.Equal(t, Period, loaded.Period)
		assert.Equal(t, budget.Hard, loaded.Mode)
		assert.Equal(t, 80, loaded.AlertThresholdPercent)
	})

	t.Run("add spend accumulates", func(t *testing.T) {
		s := newStore(t)
		subj := budget.UserSubject("u1")
		_, err := s.Ensure(ctx, sample(subj, "10.00"))
		require.NoError(t, err)

		_, err = s.AddSpend(ctx, subj, Period, decimal.RequireFromString("0.08"))
		require.NoError(t, err)
		b, err := s.AddSpend(ctx, subj, Period, decimal.RequireFromString("0.0150"))
		require.NoError(t, err)
		assert.Equal(t, "0.0950", b.Spent.StringFixed(4))
	})

	t.Run("save preserves spend", func(t *testing.T) {
		s := newStore(t)
		subj := budget.DepartmentSubject("ops")
		_, err := s.Ensure(ctx, sample(subj, "100.00"))
		require.NoError(t, err)
		_, err = s.AddSpend(ctx, subj, Period, decimal.NewFromInt(40))
		require.NoError(t, err)

		updated := sample(subj, "250.00")
		updated.Mode = budget.Soft
		updated.AlertThresholdPercent = 90
		saved, err := s.Save(ctx, updated)
		require.NoError(t, err)
		assert.Equal(t, "40.00", saved.Spent.StringFixed(2))

		loaded, err := s.Load(ctx, subj, Period)
		require.NoError(t, err)
		assert.Equal(t, "250.00", loaded.Allocated.StringFixed(2))
		assert.Equal(t, "40.00", loaded.Spent.StringFixed(2))
		assert.Equal(t, budget.Soft, loaded.Mode)
		assert.Equal(t, 90, loaded.AlertThresholdPercent)
	})

	t.Run("list by period", func(t *testing.T) {
		s := newStore(t)
		for _, subj := range []budget.Subject{
			budget.UserSubject("zed"),
			budget.DepartmentSubject("eng"),
			budget.UserSubject("amy"),
		} {
			_, err := s.Ensure(ctx, sample(subj, "1.00"))
			require.NoError(t, err)
		}
		other := sample(budget.UserSubject("later"), "1.00")
		other.Period = Period.Next()
		_, err := s.Ensure(ctx, other)
		require.NoError(t, err)

		list, err := s.List(ctx, Period)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "department:eng", list[0].Subject.String())
		assert.Equal(t, "user:amy", list[1].Subject.String())
		assert.Equal(t, "user:zed", list[2].Subject.String())
	})

	t.Run("concurrent spend", func(t *testing.T) {
		s := newStore(t)
		subj := budget.DepartmentSubject("race")
		_, err := s.Ensure(ctx, sample(subj, "1000.00"))
		require.NoError(t, err)

		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.AddSpend(ctx, subj, Period, decimal.NewFromInt(1)); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		b, err := s.Load(ctx, subj, Period)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d.00", n), b.Spent.StringFixed(2))
	})

	t.Run("reserve holds and refuses on hard", func(t *testing.T) {
		s := newStore(t)
		subj := budget.UserSubject("holder")
		_, err := s.Ensure(ctx, sample(subj, "1.00"))
		require.NoError(t, err)

		b, ok, err := s.Reserve(ctx, subj, Period, decimal.RequireFromString("0.60"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "0.60", b.Reserved.StringFixed(2))

		b, ok, err = s.Reserve(ctx, subj, Period, decimal.RequireFromString("0.50"))
		require.NoError(t, err)
		assert.False(t, ok, "held amounts count against the allocation")
		assert.Equal(t, "0.60", b.Reserved.StringFixed(2))

		_, ok, err = s.Reserve(ctx, subj, Period, decimal.RequireFromString("0.40"))
		require.NoError(t, err)
		assert.True(t, ok, "landing exactly on the allocation is allowed")
	})

	t.Run("reserve soft and unlimited always hold", func(t *testing.T) {
		s := newStore(t)
		soft := sample(budget.DepartmentSubject("soft"), "1.00")
		soft.Mode = budget.Soft
		unlimited := sample(budget.UserSubject("free"), "0")
		for _, b := range []budget.Budget{soft, unlimited} {
			_, err := s.Ensure(ctx, b)
			require.NoError(t, err)
			got, ok, err := s.Reserve(ctx, b.Subject, Period, decimal.NewFromInt(5))
			require.NoError(t, err)
			assert.True(t, ok, b.Subject.String())
			assert.Equal(t, "5.00", got.Reserved.StringFixed(2))
		}
	})

	t.Run("reserve missing", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Reserve(ctx, budget.UserSubject("nobody"), Period, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, budget.ErrNotFound)
		_, err = s.Settle(ctx, budget.UserSubject("nobody"), Period, decimal.NewFromInt(1), decimal.Zero)
		assert.ErrorIs(t, err, budget.ErrNotFound)
	})

	t.Run("settle releases and spends", func(t *testing.T) {
		s := newStore(t)
		subj := budget.DepartmentSubject("settle")
		_, err := s.Ensure(ctx, sample(subj, "10.00"))
		require.NoError(t, err)
		_, _, err = s.Reserve(ctx, subj, Period, decimal.RequireFromString("0.16"))
		require.NoError(t, err)

		b, err := s.Settle(ctx, subj, Period, decimal.RequireFromString("0.16"), decimal.RequireFromString("0.08"))
		require.NoError(t, err)
		assert.True(t, b.Reserved.IsZero())
		assert.Equal(t, "0.0800", b.Spent.StringFixed(4))

		b, err = s.Settle(ctx, subj, Period, decimal.NewFromInt(1), decimal.Zero)
		require.NoError(t, err)
		assert.True(t, b.Reserved.IsZero(), "reserved never goes negative")

		_, err = s.Save(ctx, sample(subj, "20.00"))
		require.NoError(t, err)
		loaded, err := s.Load(ctx, subj, Period)
		require.NoError(t, err)
		assert.Equal(t, "0.0800", loaded.Spent.StringFixed(4))
	})

	t.Run("concurrent reserve never over-allocates", func(t *testing.T) {
		s := newStore(t)
		subj := budget.UserSubject("crowd")
		_, err := s.Ensure(ctx, sample(subj, "10.00"))
		require.NoError(t, err)

		const n = 50
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			held int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.Reserve(ctx, subj, Period, decimal.NewFromInt(1))
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					held++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, held)
		b, err := s.Load(ctx, subj, Period)
		require.NoError(t, err)
		assert.Equal(t, "10.00", b.Reserved.StringFixed(2))
	})
}
