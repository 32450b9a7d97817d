package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate"
)

// Defaults are applied to budgets created on first use.
type Defaults struct {
	Department            decimal.Decimal
	User                  decimal.Decimal // 0 = unlimited
	Mode                  Mode
	AlertThresholdPercent int
}

// DefaultsFromConfig maps the budget section of the config file.
func DefaultsFromConfig(c imagegate.BudgetConfig) Defaults {
	return Defaults{
		Department:            c.DepartmentDefault(),
		User:                  c.UserDefault(),
		Mode:                  Mode(c.Enforcement),
		AlertThresholdPercent: c.AlertThresholdPercent,
	}
}

// Ledger enforces and records spend against a Store.
type Ledger struct {
	store    Store
	defaults Defaults
	sink     imagegate.AuditSink
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAuditSink sets where budget_exceeded events go.
func WithAuditSink(s imagegate.AuditSink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.logger = lg }
}

// WithClock overrides time.Now for period selection.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger.
func NewLedger(store Store, defaults Defaults, opts ...Option) *Ledger {
	if defaults.Mode == "" {
		defaults.Mode = Hard
	}
	l := &Ledger{
		store:    store,
		defaults: defaults,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = imagegate.NoopSink()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// CurrentPeriod is the period spend is recorded against now.
func (l *Ledger) CurrentPeriod() Period { return PeriodOf(l.now()) }

func (l *Ledger) fresh(subject Subject, period Period) Budget {
	alloc := l.defaults.Department
	if subject.Level == User {
		alloc = l.defaults.User
	}
	return Budget{
		Subject:               subject,
		Period:                period,
		Allocated:             alloc,
		Spent:                 decimal.Zero,
		Mode:                  l.defaults.Mode,
		AlertThresholdPercent: l.defaults.AlertThresholdPercent,
	}
}

// GetOrCreate loads the budget, creating it with the configured defaults on first use.
func (l *Ledger) GetOrCreate(ctx context.Context, subject Subject, period Period) (Budget, error) {
	b, err := l.store.Load(ctx, subject, period)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Budget{}, fmt.Errorf("budget: load %s %s: %w", subject, period, err)
	}
	b, err = l.store.Ensure(ctx, l.fresh(subject, period))
	if err != nil {
		return Budget{}, fmt.Errorf("budget: create %s %s: %w", subject, period, err)
	}
	return b, nil
}

// Projection is the effect of a prospective charge on one budget.
type Projection struct {
	Budget      Budget
	WouldExceed bool
}

// Overage is how far the projection goes past the allocation (0 when within).
func (p Projection) Overage(additional decimal.Decimal) decimal.Decimal {
	if !p.WouldExceed {
		return decimal.Zero
	}
	return p.Budget.Committed().Add(additional).Sub(p.Budget.Allocated)
}

// Project evaluates adding additional to subject's current budget.
func (l *Ledger) Project(ctx context.Context, subject Subject, additional decimal.Decimal) (Projection, error) {
	b, err := l.GetOrCreate(ctx, subject, l.CurrentPeriod())
	if err != nil {
		return Projection{}, err
	}
	return Projection{Budget: b, WouldExceed: b.WouldExceed(additional)}, nil
}

// Exceedance is an overage that was allowed through by a soft or warn budget.
type Exceedance struct {
	Subject Subject
	Mode    Mode
	Overage decimal.Decimal
}

// Admission is the result of a passed budget check.
type Admission struct {
	Estimated  decimal.Decimal
	Department *Projection
	User       Projection
	// Exceeded lists allowed overages, department first.
	Exceeded []Exceedance
}

// Alerts reports whether either budget reached its alert threshold.
func (a Admission) Alerts() bool {
	if a.Department != nil && a.Department.Budget.ShouldAlert() {
		return true
	}
	return a.User.Budget.ShouldAlert()
}

func (a *Admission) set(subject Subject, p Projection) {
	if subject.Level == Department {
		a.Department = &p
	} else {
		a.User = p
	}
}

func levels(department *Subject, user Subject) []Subject {
	var out []Subject
	if department != nil {
		out = append(out, *department)
	}
	return append(out, user)
}

// Check evaluates the department (optional) and user budgets independently
// against estimate without holding anything. A hard budget that would be
// exceeded rejects the request with a *imagegate.BudgetError, the department
// taking precedence. Use Reserve to admit a request.
func (l *Ledger) Check(ctx context.Context, department *Subject, user Subject, estimate decimal.Decimal) (Admission, error) {
	adm := Admission{Estimated: estimate}
	for _, subject := range levels(department, user) {
		p, err := l.Project(ctx, subject, estimate)
		if err != nil {
			return Admission{}, err
		}
		adm.set(subject, p)
		if !p.WouldExceed {
			continue
		}
		if err := l.overage(ctx, &adm, p, estimate, p.Budget.Mode == Hard); err != nil {
			return Admission{}, err
		}
	}
	return adm, nil
}

// overage handles a projection past its allocation. A refused projection
// yields a *imagegate.BudgetError; otherwise the overage is recorded in adm.
func (l *Ledger) overage(ctx context.Context, adm *Admission, p Projection, estimate decimal.Decimal, refused bool) error {
	b := p.Budget
	overage := p.Overage(estimate)
	if refused {
		l.exceeded(ctx, b, estimate, overage, true)
		return &imagegate.BudgetError{
			Level:     string(b.Subject.Level),
			SubjectID: b.Subject.ID,
			Spend:     b.Committed(),
			Limit:     b.Allocated,
			Estimated: estimate,
			Overage:   overage,
		}
	}

	adm.Exceeded = append(adm.Exceeded, Exceedance{Subject: b.Subject, Mode: b.Mode, Overage: overage})
	if b.Mode == Soft {
		l.exceeded(ctx, b, estimate, overage, false)
	} else {
		l.logger.Info("budget overage recorded",
			"subject", b.Subject.String(),
			"period", b.Period.String(),
			"overage", overage.StringFixed(2),
		)
	}
	return nil
}

func (l *Ledger) exceeded(ctx context.Context, b Budget, estimate, overage decimal.Decimal, blocked bool) {
	l.logger.Warn("budget exceeded",
		"subject", b.Subject.String(),
		"period", b.Period.String(),
		"mode", string(b.Mode),
		"spent", b.Spent.StringFixed(2),
		"reserved", b.Reserved.StringFixed(2),
		"allocated", b.Allocated.StringFixed(2),
		"estimated", estimate.StringFixed(imagegate.MoneyPlaces),
		"blocked", blocked,
	)
	l.sink.Record(ctx, imagegate.NewAuditEvent(ctx, imagegate.EventBudgetExceeded, map[string]any{
		"level":      string(b.Subject.Level),
		"subject_id": b.Subject.ID,
		"mode":       string(b.Mode),
		"spent":      b.Spent.StringFixed(2),
		"allocated":  b.Allocated.StringFixed(2),
		"estimated":  estimate.StringFixed(imagegate.MoneyPlaces),
		"overage":    overage.StringFixed(2),
		"blocked":    blocked,
	}))
}

// Reservation is an estimate held against a request's budgets until it is
// settled or released.
type Reservation struct {
	Period Period
	Amount decimal.Decimal
	// Subjects holding Amount, department first.
	Subjects  []Subject
	Admission Admission
}

// Reserve admits a request the way Check does, but atomically holds estimate
// on every budget it passes, so concurrent requests cannot all pass a hard
// budget that only has room for some of them. When the user budget refuses,
// the department hold is released again. Every successful Reserve must be
// followed by Settle or Release.
func (l *Ledger) Reserve(ctx context.Context, department *Subject, user Subject, estimate decimal.Decimal) (Reservation, error) {
	if estimate.IsNegative() {
		return Reservation{}, fmt.Errorf("budget: estimate must not be negative")
	}
	estimate = imagegate.RoundMoney(estimate)
	r := Reservation{
		Period:    l.CurrentPeriod(),
		Amount:    estimate,
		Admission: Admission{Estimated: estimate},
	}

	for _, subject := range levels(department, user) {
		if _, err := l.GetOrCreate(ctx, subject, r.Period); err != nil {
			l.releaseQuietly(ctx, r)
			return Reservation{}, err
		}
		b, held, err := l.store.Reserve(ctx, subject, r.Period, estimate)
		if err != nil {
			l.releaseQuietly(ctx, r)
			return Reservation{}, fmt.Errorf("budget: reserve %s %s: %w", subject, r.Period, err)
		}
		if held {
			r.Subjects = append(r.Subjects, subject)
			b.Reserved = b.Reserved.Sub(estimate)
		}

		p := Projection{Budget: b, WouldExceed: !held || b.WouldExceed(estimate)}
		r.Admission.set(subject, p)
		if !p.WouldExceed {
			continue
		}
		if err := l.overage(ctx, &r.Admission, p, estimate, !held); err != nil {
			l.releaseQuietly(ctx, r)
			return Reservation{}, err
		}
	}
	return r, nil
}

// Settle turns r into spend: the hold is released and actual is added to
// every budget that held it. All budgets are attempted; the first error is returned.
func (l *Ledger) Settle(ctx context.Context, r Reservation, actual decimal.Decimal) ([]Budget, error) {
	if actual.IsNegative() {
		return nil, fmt.Errorf("budget: settle amount must not be negative")
	}
	actual = imagegate.RoundMoney(actual)

	var (
		out      []Budget
		firstErr error
	)
	for _, subject := range r.Subjects {
		b, err := l.store.Settle(ctx, subject, r.Period, r.Amount, actual)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("budget: settle %s %s: %w", subject, r.Period, err)
			}
			continue
		}
		l.alertIfCrossed(b, actual)
		out = append(out, b)
	}
	return out, firstErr
}

// Release drops the hold of r without charging anything.
func (l *Ledger) Release(ctx context.Context, r Reservation) error {
	_, err := l.Settle(ctx, r, decimal.Zero)
	return err
}

func (l *Ledger) releaseQuietly(ctx context.Context, r Reservation) {
	if len(r.Subjects) == 0 {
		return
	}
	if err := l.Release(ctx, r); err != nil {
		l.logger.Error("budget hold not released",
			"period", r.Period.String(),
			"amount", r.Amount.StringFixed(imagegate.MoneyPlaces),
			"error", err,
		)
	}
}

// Commit records amount against subject's current budget unconditionally.
// Negative amounts are rejected.
func (l *Ledger) Commit(ctx context.Context, subject Subject, amount decimal.Decimal) (Budget, error) {
	if amount.IsNegative() {
		return Budget{}, fmt.Errorf("budget: commit amount must not be negative")
	}
	period := l.CurrentPeriod()
	if _, err := l.GetOrCreate(ctx, subject, period); err != nil {
		return Budget{}, err
	}

	amount = imagegate.RoundMoney(amount)
	b, err := l.store.AddSpend(ctx, subject, period, amount)
	if err != nil {
		return Budget{}, fmt.Errorf("budget: commit %s %s: %w", subject, period, err)
	}
	l.alertIfCrossed(b, amount)
	return b, nil
}

// alertIfCrossed logs when adding amount moved b across its alert threshold.
func (l *Ledger) alertIfCrossed(b Budget, amount decimal.Decimal) {
	before := b
	before.Spent = b.Spent.Sub(amount)
	if b.ShouldAlert() && !before.ShouldAlert() {
		l.logger.Warn("budget alert threshold reached",
			"subject", b.Subject.String(),
			"period", b.Period.String(),
			"utilization_percent", b.UtilizationPercent(),
			"threshold_percent", b.AlertThresholdPercent,
		)
	}
}

// Allocation is an administrator-set budget configuration.
type Allocation struct {
	Amount                decimal.Decimal
	Mode                  Mode
	AlertThresholdPercent int
}

// SetAllocation changes a budget's allocation, mode and threshold while keeping its spend.
func (l *Ledger) SetAllocation(ctx context.Context, subject Subject, period Period, a Allocation) (Budget, error) {
	if a.Amount.IsNegative() {
		return Budget{}, fmt.Errorf("budget: allocation must not be negative")
	}
	if a.AlertThresholdPercent < 0 || a.AlertThresholdPercent > 100 {
		return Budget{}, fmt.Errorf("budget: alert threshold must be within [0, 100]")
	}
	if _, err := ParseMode(string(a.Mode)); err != nil {
		return Budget{}, err
	}

	b := l.fresh(subject, period)
	b.Allocated = imagegate.RoundMoney(a.Amount)
	b.Mode = a.Mode
	b.AlertThresholdPercent = a.AlertThresholdPercent

	saved, err := l.store.Save(ctx, b)
	if err != nil {
		return Budget{}, fmt.Errorf("budget: save %s %s: %w", subject, period, err)
	}
	l.logger.Info("budget allocation updated",
		"subject", subject.String(),
		"period", period.String(),
		"allocated", saved.Allocated.StringFixed(2),
		"mode", string(saved.Mode),
	)
	return saved, nil
}

// Overview summarises every budget of a period.
type Overview struct {
	Period         Period
	Budgets        []Budget
	TotalAllocated decimal.Decimal
	TotalSpent     decimal.Decimal
	OverBudget     int
	NearThreshold  int
}

// UtilizationPercent is total spent over total allocated, ignoring unlimited budgets' allocation.
func (o Overview) UtilizationPercent() float64 {
	if o.TotalAllocated.IsZero() {
		return 0
	}
	return o.TotalSpent.Div(o.TotalAllocated).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}

// Overview lists and totals the budgets of period.
func (l *Ledger) Overview(ctx context.Context, period Period) (Overview, error) {
	budgets, err := l.store.List(ctx, period)
	if err != nil {
		return Overview{}, fmt.Errorf("budget: list %s: %w", period, err)
	}

	o := Overview{Period: period, Budgets: budgets, TotalAllocated: decimal.Zero, TotalSpent: decimal.Zero}
	for _, b := range budgets {
		o.TotalAllocated = o.TotalAllocated.Add(b.Allocated)
		o.TotalSpent = o.TotalSpent.Add(b.Spent)
		switch {
		case b.IsOverBudget():
			o.OverBudget++
		case b.ShouldAlert():
			o.NearThreshold++
		}
	}
	return o, nil
}

// Rollover opens period to for every budget of period from, carrying the
// allocation, mode and threshold with zero spend. Budgets that already exist
// in to are left untouched, so running it twice is harmless.
func (l *Ledger) Rollover(ctx context.Context, from, to Period) ([]Budget, error) {
	prev, err := l.store.List(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("budget: list %s: %w", from, err)
	}

	out := make([]Budget, 0, len(prev))
	for _, b := range prev {
		next := b
		next.Period = to
		next.Spent = decimal.Zero
		next.Reserved = decimal.Zero
		created, err := l.store.Ensure(ctx, next)
		if err != nil {
			return out, fmt.Errorf("budget: rollover %s to %s: %w", b.Subject, to, err)
		}
		out = append(out, created)
	}

	l.logger.Info("budget rollover complete",
		"from", from.String(),
		"to", to.String(),
		"budgets", len(out),
	)
	return out, nil
}
