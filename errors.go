package imagegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors.
var (
	ErrValidation             = errors.New("imagegate: validation failed")
	ErrPIIDetected            = errors.New("imagegate: pii detected in prompt")
	ErrContentViolation       = errors.New("imagegate: content violates safety policies")
	ErrBudgetExceeded         = errors.New("imagegate: budget exceeded")
	ErrCostLimitExceeded      = errors.New("imagegate: cost limit exceeded")
	ErrProviderUnavailable    = errors.New("imagegate: provider unavailable")
	ErrGenerationFailed       = errors.New("imagegate: generation failed")
	ErrGenerationTimeout      = errors.New("imagegate: generation timed out")
	ErrRateLimited            = errors.New("imagegate: rate limited by provider")
	ErrAuthFailed             = errors.New("imagegate: provider authentication failed")
	ErrInvalidRequest         = errors.New("imagegate: provider rejected request")
	ErrNoProviderWithinBudget = errors.New("imagegate: no model provider available within budget constraints")
	ErrDetectorFailure        = errors.New("imagegate: detector failure")
)

// ValidationError reports a structural problem with a request or prompt.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("imagegate: validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("imagegate: validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// PIIError is returned when a prompt is blocked for sensitive data.
// It never carries raw matched values.
type PIIError struct {
	Types            []string
	AnonymizedPrompt string
}

func (e *PIIError) Error() string {
	return fmt.Sprintf("imagegate: pii detected in prompt: %s", strings.Join(e.Types, ", "))
}

func (e *PIIError) Unwrap() error { return ErrPIIDetected }

// ContentError is returned when a prompt is blocked by the content filter.
type ContentError struct {
	Types     []string
	RiskScore float64
	Reason    string
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("imagegate: content violation (risk=%.2f): %s", e.RiskScore, strings.Join(e.Types, ", "))
}

func (e *ContentError) Unwrap() error { return ErrContentViolation }

// BudgetError is returned when a hard budget would be exceeded.
type BudgetError struct {
	Level     string
	SubjectID string
	Spend     decimal.Decimal
	Limit     decimal.Decimal
	Estimated decimal.Decimal
	Overage   decimal.Decimal
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("imagegate: %s budget exceeded for %s: spend=%s limit=%s overage=%s",
		e.Level, e.SubjectID, e.Spend.StringFixed(2), e.Limit.StringFixed(2), e.Overage.StringFixed(2))
}

func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }

// CostLimitError is returned when an estimate breaches the per-image safety cap.
type CostLimitError struct {
	Cost  decimal.Decimal
	Limit decimal.Decimal
}

func (e *CostLimitError) Error() string {
	return fmt.Sprintf("imagegate: estimated cost %s exceeds safety limit %s",
		e.Cost.StringFixed(MoneyPlaces), e.Limit.StringFixed(MoneyPlaces))
}

func (e *CostLimitError) Unwrap() error { return ErrCostLimitExceeded }

// ProviderError wraps a provider failure with routing context.
type ProviderError struct {
	// Kind is one of the provider sentinels (ErrProviderUnavailable, ErrRateLimited, ...).
	Kind       error
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// NewProviderError builds a ProviderError of the given kind.
func NewProviderError(provider string, kind error, status int, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, StatusCode: status, Err: err}
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("imagegate: provider=")
	b.WriteString(e.Provider)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	b.WriteString(": ")
	b.WriteString(strings.TrimPrefix(e.kind().Error(), "imagegate: "))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.kind(), e.Err}
	}
	return []error{e.kind()}
}

func (e *ProviderError) kind() error {
	if e.Kind == nil {
		return ErrGenerationFailed
	}
	return e.Kind
}

// IsRetryable reports whether a provider call may be repeated against the same provider.
// Connection failures, timeouts, 5xx and 429 are retryable; other 4xx never are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrAuthFailed) {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrGenerationTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrPIIDetected):
		return "pii_detected"
	case errors.Is(err, ErrContentViolation):
		return "content_violation"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrCostLimitExceeded):
		return "cost_limit_exceeded"
	case errors.Is(err, ErrNoProviderWithinBudget):
		return "no_provider_within_budget"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrAuthFailed):
		return "model_unavailable"
	case errors.Is(err, ErrGenerationFailed), errors.Is(err, ErrInvalidRequest):
		return "generation_failed"
	default:
		return "internal_error"
	}
}

// SafeDetail returns the caller-safe fields of a typed failure. Internal
// errors yield only the code.
func SafeDetail(err error) map[string]any {
	detail := map[string]any{"code": Code(err)}

	var (
		ve *ValidationError
		pe *PIIError
		ce *ContentError
		be *BudgetError
		le *CostLimitError
		pr *ProviderError
	)
	switch {
	case errors.As(err, &ve):
		detail["field"] = ve.Field
		detail["reason"] = ve.Reason
	case errors.As(err, &pe):
		detail["pii_types"] = pe.Types
	case errors.As(err, &ce):
		detail["violation_types"] = ce.Types
		detail["risk_score"] = ce.RiskScore
	case errors.As(err, &be):
		detail["level"] = be.Level
		detail["current_spend"] = be.Spend.StringFixed(2)
		detail["limit"] = be.Limit.StringFixed(2)
		detail["overage"] = be.Overage.StringFixed(2)
	case errors.As(err, &le):
		detail["cost"] = le.Cost.StringFixed(MoneyPlaces)
		detail["limit"] = le.Limit.StringFixed(MoneyPlaces)
	case errors.As(err, &pr):
		detail["provider"] = pr.Provider
		if pr.RetryAfter > 0 {
			detail["retry_after_seconds"] = int(pr.RetryAfter.Seconds())
		}
	}
	return detail
}
