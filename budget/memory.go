package budget

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store. Budgets are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	budgets map[memoryKey]Budget
	now     func() time.Time
}

type memoryKey struct {
	subject Subject
	period  Period
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets: make(map[memoryKey]Budget),
		now:     time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, subject Subject, period Period) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[memoryKey{subject, period}]
	if !ok {
		return Budget{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) Save(_ context.Context, b Budget) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{b.Subject, b.Period}
	if existing, ok := s.budgets[key]; ok {
		b.Spent = existing.Spent
		b.Reserved = existing.Reserved
	} else {
		b.Reserved = decimal.Zero
	}
	b.UpdatedAt = s.now().UTC()
	s.budgets[key] = b
	return b, nil
}

func (s *MemoryStore) Ensure(_ context.Context, b Budget) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{b.Subject, b.Period}
	if existing, ok := s.budgets[key]; ok {
		return existing, nil
	}
	b.UpdatedAt = s.now().UTC()
	s.budgets[key] = b
	return b, nil
}

func (s *MemoryStore) AddSpend(_ context.Context, subject Subject, period Period, amount decimal.Decimal) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{subject, period}
	b, ok := s.budgets[key]
	if !ok {
		return Budget{}, ErrNotFound
	}
	b.Spent = b.Spent.Add(amount)
	b.UpdatedAt = s.now().UTC()
	s.budgets[key] = b
	return b, nil
}

func (s *MemoryStore) Reserve(_ context.Context, subject Subject, period Period, amount decimal.Decimal) (Budget, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{subject, period}
	b, ok := s.budgets[key]
	if !ok {
		return Budget{}, false, ErrNotFound
	}
	if b.Mode == Hard && b.WouldExceed(amount) {
		return b, false, nil
	}
	b.Reserved = b.Reserved.Add(amount)
	b.UpdatedAt = s.now().UTC()
	s.budgets[key] = b
	return b, true, nil
}

func (s *MemoryStore) Settle(_ context.Context, subject Subject, period Period, held, actual decimal.Decimal) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{subject, period}
	b, ok := s.budgets[key]
	if !ok {
		return Budget{}, ErrNotFound
	}
	b.Reserved = decimal.Max(decimal.Zero, b.Reserved.Sub(held))
	b.Spent = b.Spent.Add(actual)
	b.UpdatedAt = s.now().UTC()
	s.budgets[key] = b
	return b, nil
}

func (s *MemoryStore) List(_ context.Context, period Period) ([]Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Budget
	for k, b := range s.budgets {
		if k.period == period {
			out = append(out, b)
		}
	}
	SortBySubject(out)
	return out, nil
}

// SortBySubject orders budgets by level, then ID.
func SortBySubject(budgets []Budget) {
	sort.Slice(budgets, func(i, j int) bool {
		a, b := budgets[i].Subject, budgets[j].Subject
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.ID < b.ID
	})
}
