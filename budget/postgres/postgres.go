// Package postgres provides a PostgreSQL-backed budget.Store.
//
// Budgets live in one table keyed by (level, subject_id, period). Money columns
// are NUMERIC(18,4). Spend and reservations change in single UPDATE
// statements, so concurrent requests from several instances never lose an
// increment and a hard allocation is never over-reserved.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/budget"
)

// Store is a PostgreSQL-backed budget.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ budget.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "imagegate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "imagegate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table() string { return s.tablePrefix + "budgets" }

// columns is the projection every query scans with scan.
const columns = `allocated::text, spent::text, reserved::text, mode, alert_threshold, updated_at`

// EnsureSchema creates the budgets table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			level TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			period TEXT NOT NULL,
			allocated NUMERIC(18,4) NOT NULL DEFAULT 0,
			spent NUMERIC(18,4) NOT NULL DEFAULT 0 CHECK (spent >= 0),
			reserved NUMERIC(18,4) NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			mode TEXT NOT NULL DEFAULT 'hard',
			alert_threshold INTEGER NOT NULL DEFAULT 80,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (level, subject_id, period)
		);
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS reserved NUMERIC(18,4) NOT NULL DEFAULT 0 CHECK (reserved >= 0);
	`, s.table())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("imagegate/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, subject budget.Subject, period budget.Period) (budget.Budget, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE level = $1 AND subject_id = $2 AND period = $3`, columns, s.table()),
		string(subject.Level), subject.ID, period.String(),
	)
	b, err := scan(row, subject, period)
	if err != nil {
		return budget.Budget{}, wrap("load", err)
	}
	return b, nil
}

func (s *Store) Save(ctx context.Context, b budget.Budget) (budget.Budget, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (level, subject_id, period, allocated, spent, mode, alert_threshold, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, now())
			ON CONFLICT (level, subject_id, period) DO UPDATE SET
				allocated = EXCLUDED.allocated,
				mode = EXCLUDED.mode,
				alert_threshold = EXCLUDED.alert_threshold,
				updated_at = now()
			RETURNING %s`, s.table(), columns),
		string(b.Subject.Level), b.Subject.ID, b.Period.String(),
		money(b.Allocated), money(b.Spent), string(b.Mode), b.AlertThresholdPercent,
	)
	saved, err := scan(row, b.Subject, b.Period)
	if err != nil {
		return budget.Budget{}, wrap("save", err)
	}
	return saved, nil
}

func (s *Store) Ensure(ctx context.Context, b budget.Budget) (budget.Budget, error) {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (level, subject_id, period, allocated, spent, mode, alert_threshold, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, now())
			ON CONFLICT (level, subject_id, period) DO NOTHING`, s.table()),
		string(b.Subject.Level), b.Subject.ID, b.Period.String(),
		money(b.Allocated), money(b.Spent), string(b.Mode), b.AlertThresholdPercent,
	)
	if err != nil {
		return budget.Budget{}, wrap("ensure", err)
	}
	// Separate statement so a row committed by a concurrent Ensure is visible.
	return s.Load(ctx, b.Subject, b.Period)
}

func (s *Store) AddSpend(ctx context.Context, subject budget.Subject, period budget.Period, amount decimal.Decimal) (budget.Budget, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET spent = spent + $1::numeric, updated_at = now()
			WHERE level = $2 AND subject_id = $3 AND period = $4
			RETURNING %s`, s.table(), columns),
		money(amount), string(subject.Level), subject.ID, period.String(),
	)
	b, err := scan(row, subject, period)
	if err != nil {
		return budget.Budget{}, wrap("add spend", err)
	}
	return b, nil
}

func (s *Store) Reserve(ctx context.Context, subject budget.Subject, period budget.Period, amount decimal.Decimal) (budget.Budget, bool, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET reserved = reserved + $1::numeric, updated_at = now()
			WHERE level = $2 AND subject_id = $3 AND period = $4
				AND NOT (mode = 'hard' AND allocated > 0 AND spent + reserved + $1::numeric > allocated)
			RETURNING %s`, s.table(), columns),
		money(amount), string(subject.Level), subject.ID, period.String(),
	)
	b, err := scan(row, subject, period)
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, budget.ErrNotFound) {
		return budget.Budget{}, false, wrap("reserve", err)
	}

	// No row updated: either the budget is missing or the hold was refused.
	b, err = s.Load(ctx, subject, period)
	if err != nil {
		return budget.Budget{}, false, err
	}
	return b, false, nil
}

func (s *Store) Settle(ctx context.Context, subject budget.Subject, period budget.Period, held, actual decimal.Decimal) (budget.Budget, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET reserved = GREATEST(reserved - $1::numeric, 0), spent = spent + $2::numeric, updated_at = now()
			WHERE level = $3 AND subject_id = $4 AND period = $5
			RETURNING %s`, s.table(), columns),
		money(held), money(actual), string(subject.Level), subject.ID, period.String(),
	)
	b, err := scan(row, subject, period)
	if err != nil {
		return budget.Budget{}, wrap("settle", err)
	}
	return b, nil
}

func (s *Store) List(ctx context.Context, period budget.Period) ([]budget.Budget, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT level, subject_id, %s FROM %s WHERE period = $1 ORDER BY level, subject_id`, columns, s.table()),
		period.String(),
	)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()

	var out []budget.Budget
	for rows.Next() {
		var (
			level, id                        string
			allocated, spent, reserved, mode string
			threshold                        int
			updated                          time.Time
		)
		if err := rows.Scan(&level, &id, &allocated, &spent, &reserved, &mode, &threshold, &updated); err != nil {
			return nil, wrap("list", err)
		}
		b, err := build(budget.Subject{Level: budget.Level(level), ID: id}, period, allocated, spent, reserved, mode, threshold, updated)
		if err != nil {
			return nil, wrap("list", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", err)
	}
	return out, nil
}

func scan(row pgx.Row, subject budget.Subject, period budget.Period) (budget.Budget, error) {
	var (
		allocated, spent, reserved, mode string
		threshold                        int
		updated                          time.Time
	)
	if err := row.Scan(&allocated, &spent, &reserved, &mode, &threshold, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return budget.Budget{}, budget.ErrNotFound
		}
		return budget.Budget{}, err
	}
	return build(subject, period, allocated, spent, reserved, mode, threshold, updated)
}

func build(subject budget.Subject, period budget.Period, allocated, spent, reserved, mode string, threshold int, updated time.Time) (budget.Budget, error) {
	a, err := decimal.NewFromString(allocated)
	if err != nil {
		return budget.Budget{}, fmt.Errorf("corrupt allocated for %s: %w", subject, err)
	}
	sp, err := decimal.NewFromString(spent)
	if err != nil {
		return budget.Budget{}, fmt.Errorf("corrupt spent for %s: %w", subject, err)
	}
	r, err := decimal.NewFromString(reserved)
	if err != nil {
		return budget.Budget{}, fmt.Errorf("corrupt reserved for %s: %w", subject, err)
	}
	return budget.Budget{
		Subject:               subject,
		Period:                period,
		Allocated:             a,
		Spent:                 sp,
		Reserved:              r,
		Mode:                  budget.Mode(mode),
		AlertThresholdPercent: threshold,
		UpdatedAt:             updated.UTC(),
	}, nil
}

func money(d decimal.Decimal) string {
	return imagegate.RoundMoney(d).StringFixed(imagegate.MoneyPlaces)
}

func wrap(op string, err error) error {
	if errors.Is(err, budget.ErrNotFound) {
		return err
	}
	return fmt.Errorf("imagegate/postgres: %s: %w", op, err)
}
