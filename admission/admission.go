// Package admission composes prompt screening, cost control, budget
// enforcement and provider routing into a single Admit call.
package admission

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/budget"
	"github.com/ineyio/imagegate/validator"
)

// PromptValidator screens prompts. *validator.Validator implements it.
type PromptValidator interface {
	Validate(ctx context.Context, prompt string) (validator.Decision, error)
}

// Pipeline admits generation requests. It is safe for concurrent use.
type Pipeline struct {
	validator   PromptValidator
	ledger      *budget.Ledger
	router      *imagegate.Router
	maxPerImage decimal.Decimal
	anonymize   bool
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxCostPerImage sets the per-image safety cap. Zero disables it.
func WithMaxCostPerImage(d decimal.Decimal) Option {
	return func(p *Pipeline) { p.maxPerImage = d }
}

// WithAnonymizedPrompts forwards the anonymized prompt to providers whenever
// PII was found but the request was not blocked.
func WithAnonymizedPrompts(enabled bool) Option {
	return func(p *Pipeline) { p.anonymize = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a Pipeline.
func New(v PromptValidator, ledger *budget.Ledger, router *imagegate.Router, opts ...Option) *Pipeline {
	p := &Pipeline{
		validator: v,
		ledger:    ledger,
		router:    router,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result describes one admitted (or rejected) request.
type Result struct {
	RequestID string
	Decision  validator.Decision
	// Provider is the provider the request was priced on and routed to.
	Provider string
	// Estimated is the pre-generation estimate used for the cap and budget checks.
	Estimated decimal.Decimal
	Admission budget.Admission
	Outcome   imagegate.GenerationOutcome
	// CostPerImage is the actual cost split across produced images.
	CostPerImage decimal.Decimal
}

// Admit validates, prices, budgets and routes req.
//
// The provider is selected once; the cost cap and the budget reservation
// price that provider and the router then runs it. Rejections return a typed
// error (*imagegate.ValidationError, PIIError, ContentError, CostLimitError
// or BudgetError) together with the partial result. A failed generation
// returns the outcome's *imagegate.ProviderError and releases the budget
// hold. On success the hold is settled at the actual cost.
func (p *Pipeline) Admit(ctx context.Context, req imagegate.GenerationRequest) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Quality == "" {
		req.Quality = imagegate.QualityStandard
	}
	res := &Result{RequestID: req.ID}

	if err := req.Validate(); err != nil {
		return res, err
	}
	ctx = imagegate.ContextWithRequest(ctx, req)

	decision, err := p.validator.Validate(ctx, req.Prompt)
	res.Decision = decision
	if err != nil {
		return res, err
	}
	if p.anonymize && decision.AnonymizedPrompt != "" {
		req = req.WithPrompt(decision.AnonymizedPrompt)
	}

	provider, estimate, ok := p.router.Select(req)
	if !ok {
		res.Outcome = p.router.Dispatch(ctx, req, nil, decimal.Zero)
		return res, res.Outcome.Err
	}
	res.Provider = provider.Name()
	res.Estimated = estimate

	if p.maxPerImage.IsPositive() {
		limit := p.maxPerImage.Mul(decimal.NewFromInt(int64(req.Images())))
		if res.Estimated.GreaterThan(limit) {
			p.logger.Warn("estimate exceeds safety limit",
				"request_id", req.ID,
				"provider", res.Provider,
				"estimated", res.Estimated.StringFixed(imagegate.MoneyPlaces),
				"limit", limit.StringFixed(imagegate.MoneyPlaces),
			)
			return res, &imagegate.CostLimitError{Cost: res.Estimated, Limit: limit}
		}
	}

	var department *budget.Subject
	if req.DepartmentID != "" {
		d := budget.DepartmentSubject(req.DepartmentID)
		department = &d
	}

	hold, err := p.ledger.Reserve(ctx, department, budget.UserSubject(req.UserID), res.Estimated)
	if err != nil {
		return res, err
	}
	res.Admission = hold.Admission

	res.Outcome = p.router.Dispatch(ctx, req, provider, estimate)

	// The hold must be resolved whether or not the caller is still waiting.
	settleCtx := context.WithoutCancel(ctx)
	if !res.Outcome.Success {
		if err := p.ledger.Release(settleCtx, hold); err != nil {
			p.logger.Error("budget hold not released",
				"request_id", req.ID,
				"error", err,
			)
		}
		return res, res.Outcome.Err
	}
	res.CostPerImage = res.Outcome.CostPerImage()

	if _, err := p.ledger.Settle(settleCtx, hold, res.Outcome.Cost); err != nil {
		p.logger.Error("spend not recorded",
			"request_id", req.ID,
			"cost", res.Outcome.Cost.StringFixed(imagegate.MoneyPlaces),
			"error", err,
		)
		return res, fmt.Errorf("imagegate: record spend: %w", err)
	}

	p.logger.Info("generation admitted",
		"request_id", req.ID,
		"provider", res.Outcome.Provider,
		"num_images", len(res.Outcome.ImageURLs),
		"cost", res.Outcome.Cost.StringFixed(imagegate.MoneyPlaces),
		"duration_ms", res.Outcome.Elapsed.Milliseconds(),
	)
	return res, nil
}

// Estimates returns every provider's price for req, in registration order.
func (p *Pipeline) Estimates(req imagegate.GenerationRequest) []imagegate.Estimate {
	if req.Quality == "" {
		req.Quality = imagegate.QualityStandard
	}
	return p.router.Estimates(req)
}
