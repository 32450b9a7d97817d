// Package budget tracks monthly image-generation spend per department and
// per user and enforces allocations before a provider is called.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by stores when no budget exists for a subject and period.
var ErrNotFound = errors.New("budget: not found")

// Level is the scope a budget applies to.
type Level string

const (
	Department Level = "department"
	User       Level = "user"
)

// Subject identifies the owner of a budget.
type Subject struct {
	Level Level
	ID    string
}

// DepartmentSubject returns the subject for department id.
func DepartmentSubject(id string) Subject { return Subject{Level: Department, ID: id} }

// UserSubject returns the subject for user id.
func UserSubject(id string) Subject { return Subject{Level: User, ID: id} }

func (s Subject) String() string { return string(s.Level) + ":" + s.ID }

// ParseSubject parses "level:id".
func ParseSubject(s string) (Subject, error) {
	level, id, ok := strings.Cut(s, ":")
	sub := Subject{Level: Level(level), ID: id}
	if !ok || id == "" || (sub.Level != Department && sub.Level != User) {
		return Subject{}, fmt.Errorf("budget: invalid subject %q (want department:<id> or user:<id>)", s)
	}
	return sub, nil
}

// Period is a calendar month in UTC.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("budget: invalid period %q: %w", s, err)
	}
	return PeriodOf(t), nil
}

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

// Next returns the following month.
func (p Period) Next() Period {
	return PeriodOf(time.Date(p.Year, p.Month+1, 1, 0, 0, 0, 0, time.UTC))
}

// Prev returns the preceding month.
func (p Period) Prev() Period {
	return PeriodOf(time.Date(p.Year, p.Month-1, 1, 0, 0, 0, 0, time.UTC))
}

// Mode is how strictly an allocation is enforced.
type Mode string

const (
	// Hard rejects requests that would exceed the allocation.
	Hard Mode = "hard"
	// Soft allows them and raises a budget_exceeded event.
	Soft Mode = "soft"
	// Warn allows them and only records the overage.
	Warn Mode = "warn"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Hard, Soft, Warn:
		return m, nil
	default:
		return "", fmt.Errorf("budget: invalid enforcement mode %q", s)
	}
}

// Budget is one subject's allocation and spend for one period.
type Budget struct {
	Subject               Subject
	Period                Period
	Allocated             decimal.Decimal
	Spent                 decimal.Decimal
	Reserved              decimal.Decimal // held for admitted, unsettled requests
	Mode                  Mode
	AlertThresholdPercent int
	UpdatedAt             time.Time
}

// Unlimited reports whether the budget has no allocation cap.
func (b Budget) Unlimited() bool { return b.Allocated.IsZero() }

// Remaining is allocated minus spent. It may be negative.
func (b Budget) Remaining() decimal.Decimal { return b.Allocated.Sub(b.Spent) }

// UtilizationPercent is spent as a percentage of allocated, 0 when unlimited.
func (b Budget) UtilizationPercent() float64 {
	if b.Unlimited() {
		return 0
	}
	return b.Spent.Div(b.Allocated).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}

// ShouldAlert reports whether utilization reached the alert threshold.
func (b Budget) ShouldAlert() bool {
	return !b.Unlimited() && b.UtilizationPercent() >= float64(b.AlertThresholdPercent)
}

// IsOverBudget reports whether spend already exceeds the allocation.
func (b Budget) IsOverBudget() bool {
	return !b.Unlimited() && b.Spent.GreaterThan(b.Allocated)
}

// Committed is spent plus reserved.
func (b Budget) Committed() decimal.Decimal { return b.Spent.Add(b.Reserved) }

// WouldExceed reports whether spending additional on top of spent and
// reserved would exceed the allocation.
func (b Budget) WouldExceed(additional decimal.Decimal) bool {
	return !b.Unlimited() && b.Committed().Add(additional).GreaterThan(b.Allocated)
}

// Store persists budgets. AddSpend must be atomic per subject and period.
type Store interface {
	// Load returns ErrNotFound when the budget does not exist.
	Load(ctx context.Context, subject Subject, period Period) (Budget, error)

	// Save upserts the allocation, mode and alert threshold of b. The spend and
	// reservations of an existing budget are preserved; a new budget starts at
	// b.Spent with nothing reserved.
	Save(ctx context.Context, b Budget) (Budget, error)

	// Ensure inserts b if no budget exists yet and returns the stored budget.
	Ensure(ctx context.Context, b Budget) (Budget, error)

	// AddSpend atomically adds amount to spent and returns the new state.
	// It returns ErrNotFound when the budget does not exist.
	AddSpend(ctx context.Context, subject Subject, period Period, amount decimal.Decimal) (Budget, error)

	// Reserve atomically holds amount on the budget. A hard budget with an
	// allocation refuses the hold (ok is false, nothing changes) when spent
	// plus reserved plus amount would exceed the allocation; every other
	// budget takes it. The returned budget includes the hold when ok is true.
	// It returns ErrNotFound when the budget does not exist.
	Reserve(ctx context.Context, subject Subject, period Period, amount decimal.Decimal) (b Budget, ok bool, err error)

	// Settle atomically releases held from reserved, never below zero, and
	// adds actual to spent. It returns ErrNotFound when the budget does not exist.
	Settle(ctx context.Context, subject Subject, period Period, held, actual decimal.Decimal) (Budget, error)

	// List returns every budget of period, ordered by subject.
	List(ctx context.Context, period Period) ([]Budget, error)
}
