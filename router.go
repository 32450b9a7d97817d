package imagegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate/retry"
)

// NoProviderReason is the outcome reason when every provider is filtered out.
const NoProviderReason = "No model provider available within budget constraints"

// defaultRetryAfter is the hint given to callers for transient provider failures.
const defaultRetryAfter = 60 * time.Second

// Router selects one provider per request and invokes it.
type Router struct {
	providers []Provider // registration order
	byName    map[string]Provider
	limits    map[string]Limits
	sink      AuditSink
	health    *HealthTracker
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithAuditSink sets the audit sink.
func WithAuditSink(s AuditSink) Option {
	return func(r *Router) { r.sink = s }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(r *Router) { r.health = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithLimits overrides timeout and retry policy for one provider.
func WithLimits(provider string, l Limits) Option {
	return func(r *Router) { r.limits[provider] = l }
}

// NewRouter creates a Router over providers. Registration order is the
// tie-breaker when two providers estimate the same cost.
func NewRouter(providers []Provider, opts ...Option) (*Router, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("imagegate: at least one provider is required")
	}

	byName := make(map[string]Provider, len(providers))
	for i, p := range providers {
		if p == nil || p.Name() == "" {
			return nil, fmt.Errorf("imagegate: provider[%d]: name is required", i)
		}
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("imagegate: duplicate provider %q", p.Name())
		}
		byName[p.Name()] = p
	}

	r := &Router{
		providers: append([]Provider(nil), providers...),
		byName:    byName,
		limits:    make(map[string]Limits),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.sink == nil {
		r.sink = noopSink{}
	}
	if r.health == nil {
		r.health = NewHealthTracker()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	return r, nil
}

// Providers returns provider names in registration order.
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// Provider looks up a registered provider by name.
func (r *Router) Provider(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Health returns the router's health tracker.
func (r *Router) Health() *HealthTracker { return r.health }

// Estimate is one provider's price for a request.
type Estimate struct {
	Provider  string
	Cost      decimal.Decimal
	Supported bool
	Healthy   bool
}

// Estimates prices req on every provider, in registration order. No I/O.
func (r *Router) Estimates(req GenerationRequest) []Estimate {
	out := make([]Estimate, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, Estimate{
			Provider:  p.Name(),
			Cost:      p.EstimateCost(req),
			Supported: Supports(p, req.Size),
			Healthy:   r.health.Routable(p.Name()),
		})
	}
	return out
}

// Select picks the provider for req without invoking it: the preferred
// provider when it qualifies, otherwise the strictly cheapest qualifying one.
// A provider qualifies when it supports the size, is routable and its estimate
// does not exceed req.MaxCost.
func (r *Router) Select(req GenerationRequest) (Provider, decimal.Decimal, bool) {
	if req.PreferredProvider != "" {
		if p, ok := r.byName[req.PreferredProvider]; ok {
			if cost, ok := r.qualifies(p, req); ok {
				return p, cost, true
			}
			r.logger.Info("preferred provider skipped",
				"provider", p.Name(),
				"request_id", req.ID,
			)
		}
	}

	var (
		best     Provider
		bestCost decimal.Decimal
	)
	for _, p := range r.providers {
		cost, ok := r.qualifies(p, req)
		if !ok {
			continue
		}
		if best == nil || cost.LessThan(bestCost) {
			best, bestCost = p, cost
		}
	}
	return best, bestCost, best != nil
}

func (r *Router) qualifies(p Provider, req GenerationRequest) (decimal.Decimal, bool) {
	if !Supports(p, req.Size) || !r.health.Routable(p.Name()) {
		return decimal.Zero, false
	}
	cost := p.EstimateCost(req)
	if req.MaxCost != nil && cost.GreaterThan(*req.MaxCost) {
		return cost, false
	}
	return cost, true
}

// Route selects a provider and invokes it under that provider's timeout and
// retry policy. It never retries on a different provider and never returns
// an error: failures are described by the outcome.
func (r *Router) Route(ctx context.Context, req GenerationRequest) GenerationOutcome {
	p, estimate, _ := r.Select(req)
	return r.Dispatch(ctx, req, p, estimate)
}

// Dispatch invokes p, previously chosen by Select with the given estimate,
// the same way Route does. A nil p yields the no-provider outcome. Callers
// that price or budget a request before running it use Select and Dispatch
// so the provider they priced is the one that runs.
func (r *Router) Dispatch(ctx context.Context, req GenerationRequest, p Provider, estimate decimal.Decimal) GenerationOutcome {
	start := time.Now()

	if p == nil {
		outcome := GenerationOutcome{
			Reason:  NoProviderReason,
			Err:     &ProviderError{Kind: ErrNoProviderWithinBudget},
			Elapsed: time.Since(start),
		}
		r.logger.Warn("no provider within budget",
			"request_id", req.ID,
			"size", req.Size,
			"max_cost", ceilingString(req.MaxCost),
		)
		r.record(ctx, EventGenerationFailed, "", map[string]any{
			"reason": outcome.Reason,
			"code":   Code(outcome.Err),
		})
		return outcome
	}

	name := p.Name()
	r.record(ctx, EventProviderSelected, name, map[string]any{
		"estimated_cost": estimate.StringFixed(MoneyPlaces),
		"preferred":      name == req.PreferredProvider,
		"num_images":     req.Images(),
		"size":           string(req.Size),
		"quality":        string(req.Quality),
	})

	limits := r.limitsFor(p)
	var result GenerationResult
	attempts, err := retry.Do(ctx, limits.Retry, IsRetryable,
		func(ctx context.Context, attempt int) error {
			res, err := r.invoke(ctx, p, req, limits.Timeout)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		retry.OnRetry(func(attempt int, err error, delay time.Duration) {
			r.logger.Warn("provider call failed, retrying",
				"provider", name,
				"request_id", req.ID,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		}),
	)
	elapsed := time.Since(start)

	if err == nil && len(result.ImageURLs) == 0 {
		err = NewProviderError(name, ErrGenerationFailed, 0, errors.New("no images returned"))
	}

	if err != nil {
		pe := asProviderError(name, err)
		if IsRetryable(pe) {
			r.health.RecordFailure(name)
		}
		outcome := GenerationOutcome{
			Provider: name,
			Elapsed:  elapsed,
			Attempts: attempts,
			Reason:   failureReason(pe),
			Err:      pe,
		}
		r.logger.Warn("generation failed",
			"provider", name,
			"request_id", req.ID,
			"attempts", attempts,
			"duration_ms", elapsed.Milliseconds(),
			"error", pe,
		)
		r.record(ctx, EventGenerationFailed, name, map[string]any{
			"reason":      outcome.Reason,
			"code":        Code(pe),
			"attempts":    attempts,
			"duration_ms": elapsed.Milliseconds(),
		})
		return outcome
	}

	r.health.RecordSuccess(name)
	cost := RoundMoney(result.Cost)
	outcome := GenerationOutcome{
		Success:   true,
		Provider:  name,
		Model:     result.Model,
		ImageURLs: result.ImageURLs,
		Cost:      cost,
		Elapsed:   elapsed,
		Attempts:  attempts,
		Metadata:  result.Metadata,
	}
	r.record(ctx, EventGenerationSucceeded, name, map[string]any{
		"model":       result.Model,
		"cost":        cost.StringFixed(MoneyPlaces),
		"num_images":  len(result.ImageURLs),
		"attempts":    attempts,
		"duration_ms": elapsed.Milliseconds(),
	})
	return outcome
}

func (r *Router) invoke(ctx context.Context, p Provider, req GenerationRequest, timeout time.Duration) (GenerationResult, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := p.Generate(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return GenerationResult{}, &ProviderError{
			Kind:       ErrGenerationTimeout,
			Provider:   p.Name(),
			RetryAfter: defaultRetryAfter,
			Err:        fmt.Errorf("no result within %s", timeout),
		}
	}
	return res, err
}

func (r *Router) limitsFor(p Provider) Limits {
	if l, ok := r.limits[p.Name()]; ok {
		return l
	}
	if l, ok := p.(Limiter); ok {
		return l.Limits()
	}
	return DefaultLimits
}

func (r *Router) record(ctx context.Context, kind EventKind, provider string, fields map[string]any) {
	e := NewAuditEvent(ctx, kind, fields)
	e.Provider = provider
	r.sink.Record(ctx, e)
}

// asProviderError normalises any adapter error into a *ProviderError.
func asProviderError(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		if pe.RetryAfter == 0 && IsRetryable(pe) {
			pe.RetryAfter = defaultRetryAfter
		}
		return pe
	}

	kind := ErrGenerationFailed
	for _, k := range []error{ErrRateLimited, ErrProviderUnavailable, ErrAuthFailed, ErrInvalidRequest, ErrGenerationTimeout} {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	if kind == ErrGenerationFailed && errors.Is(err, context.DeadlineExceeded) {
		kind = ErrGenerationTimeout
	}

	pe = &ProviderError{Kind: kind, Provider: provider, Err: err}
	if IsRetryable(pe) {
		pe.RetryAfter = defaultRetryAfter
	}
	return pe
}

func failureReason(pe *ProviderError) string {
	kind := pe.kind().Error()
	if len(kind) > len("imagegate: ") {
		kind = kind[len("imagegate: "):]
	}
	return fmt.Sprintf("%s: %s", pe.Provider, kind)
}

func ceilingString(c *decimal.Decimal) string {
	if c == nil {
		return "none"
	}
	return c.StringFixed(MoneyPlaces)
}
