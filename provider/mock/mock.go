// Package mock provides an in-memory image provider for tests and dry runs.
package mock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate"
)

// Provider is a mock image provider. Its cost is a flat per-image price.
type Provider struct {
	name       string
	perImage   decimal.Decimal
	sizes      []imagegate.Size
	latency    time.Duration
	staticErr  error
	failFirst  int64
	limits     *imagegate.Limits
	callCount  atomic.Int64
	resultFunc func(imagegate.GenerationRequest) (imagegate.GenerationResult, error)
}

var (
	_ imagegate.Provider = (*Provider)(nil)
	_ imagegate.Limiter  = (*Provider)(nil)
)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:     "mock",
		perImage: decimal.RequireFromString("0.01"),
		sizes:    imagegate.AllSizes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithCost sets the flat per-image price.
func WithCost(perImage string) Option {
	return func(p *Provider) { p.perImage = decimal.RequireFromString(perImage) }
}

// WithSizes restricts the supported sizes.
func WithSizes(sizes ...imagegate.Size) Option {
	return func(p *Provider) { p.sizes = sizes }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithFailFirst makes the first n calls fail with ErrProviderUnavailable.
func WithFailFirst(n int) Option {
	return func(p *Provider) { p.failFirst = int64(n) }
}

// WithLimits sets the limits reported through imagegate.Limiter.
func WithLimits(l imagegate.Limits) Option {
	return func(p *Provider) { p.limits = &l }
}

// WithResultFunc sets a custom result function.
func WithResultFunc(fn func(imagegate.GenerationRequest) (imagegate.GenerationResult, error)) Option {
	return func(p *Provider) { p.resultFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportedSizes() []imagegate.Size { return p.sizes }

func (p *Provider) EstimateCost(req imagegate.GenerationRequest) decimal.Decimal {
	return p.perImage.Mul(decimal.NewFromInt(int64(req.Images())))
}

func (p *Provider) Limits() imagegate.Limits {
	if p.limits != nil {
		return *p.limits
	}
	return imagegate.Limits{Timeout: time.Second}
}

func (p *Provider) Generate(ctx context.Context, req imagegate.GenerationRequest) (imagegate.GenerationResult, error) {
	count := p.callCount.Add(1)

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return imagegate.GenerationResult{}, ctx.Err()
		}
	}

	if p.staticErr != nil {
		return imagegate.GenerationResult{}, p.staticErr
	}

	if count <= p.failFirst {
		return imagegate.GenerationResult{}, imagegate.NewProviderError(p.name, imagegate.ErrProviderUnavailable, 503, nil)
	}

	if p.resultFunc != nil {
		return p.resultFunc(req)
	}

	urls := make([]string, req.Images())
	for i := range urls {
		urls[i] = fmt.Sprintf("https://images.example.com/%s/%s/%d.png", p.name, req.ID, i)
	}
	return imagegate.GenerationResult{
		ImageURLs: urls,
		Cost:      p.EstimateCost(req),
		Model:     p.name + "-model",
		Metadata:  map[string]any{"size": string(req.Size), "quality": string(req.Quality)},
	}, nil
}

// CallCount returns the number of calls made to Generate.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }
