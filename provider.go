package imagegate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate/retry"
)

// Provider is the interface that image-generation backend adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai_dalle3", "replicate_sdxl").
	Name() string

	// SupportedSizes lists the sizes this provider can render.
	SupportedSizes() []Size

	// EstimateCost returns the cost of req. It must be a pure function of the
	// request: deterministic and free of I/O.
	EstimateCost(req GenerationRequest) decimal.Decimal

	// Generate performs the generation. It must honour ctx cancellation.
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// Limits bounds a single provider invocation.
type Limits struct {
	// Timeout applies to each attempt separately.
	Timeout time.Duration
	Retry   retry.Policy
}

// DefaultLimits is used for providers that do not implement Limiter.
var DefaultLimits = Limits{
	Timeout: 60 * time.Second,
	Retry:   retry.Policy{MaxAttempts: 2, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second, Multiplier: 2},
}

// Limiter is implemented by providers that carry their own timeout and retry policy.
type Limiter interface {
	Limits() Limits
}

// Supports reports whether p can render size.
func Supports(p Provider, size Size) bool {
	for _, s := range p.SupportedSizes() {
		if s == size {
			return true
		}
	}
	return false
}
