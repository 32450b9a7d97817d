// Package sdxl adapts Stable Diffusion XL hosted on Replicate.
//
// Replicate predictions are asynchronous: Generate creates a prediction and
// polls it until it succeeds, fails, or the context ends.
package sdxl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/provider/internal/httpapi"
	"github.com/ineyio/imagegate/retry"
)

const (
	// Name is the provider identifier used for routing.
	Name = "replicate_sdxl"

	model = "stability-ai/sdxl"
	// modelVersion pins the SDXL build on Replicate.
	modelVersion = "7762fd07cf82c948538e41f63f77d685e02b063e37e496e96eefd46c929f9bdc"

	renderSide     = 1024
	guidanceScale  = 7.5
	promptStrength = 0.8
	scheduler      = "K_EULER"
	stepsStandard  = 25
	stepsHD        = 50
)

var sizes = []imagegate.Size{imagegate.SizeSmall, imagegate.SizeMedium, imagegate.SizeLarge}

// Provider is the Replicate SDXL adapter.
type Provider struct {
	name         string
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	standard     decimal.Decimal
	hd           decimal.Decimal
	client       httpapi.Client
	limits       imagegate.Limits
	logger       *slog.Logger
}

var (
	_ imagegate.Provider = (*Provider)(nil)
	_ imagegate.Limiter  = (*Provider)(nil)
)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (default https://api.replicate.com/v1).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithName registers the provider under name instead of Name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client.HTTP = c }
}

// WithRateLimit caps outbound calls per minute. Polls count as calls.
func WithRateLimit(perMinute int) Option {
	return func(p *Provider) { p.client.Limiter = httpapi.PerMinute(perMinute) }
}

// WithPollInterval sets the delay between prediction polls (default 5s).
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) { p.pollInterval = d }
}

// WithPricing overrides the per-image prices. Zero values keep the defaults.
func WithPricing(standard, hd decimal.Decimal) Option {
	return func(p *Provider) {
		if !standard.IsZero() {
			p.standard = standard
		}
		if !hd.IsZero() {
			p.hd = hd
		}
	}
}

// WithLimits overrides the default 180s / 3 attempts.
func WithLimits(l imagegate.Limits) Option {
	return func(p *Provider) { p.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Replicate SDXL provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      "https://api.replicate.com/v1",
		pollInterval: 5 * time.Second,
		standard:     decimal.RequireFromString("0.02"),
		hd:           decimal.RequireFromString("0.04"),
		name:         Name,
		limits: imagegate.Limits{
			Timeout: 180 * time.Second,
			Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second, Multiplier: 2},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.client.Provider = p.name
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportedSizes() []imagegate.Size { return sizes }

func (p *Provider) Limits() imagegate.Limits { return p.limits }

func (p *Provider) EstimateCost(req imagegate.GenerationRequest) decimal.Decimal {
	return p.perImage(req.Quality).Mul(decimal.NewFromInt(int64(req.Images())))
}

func (p *Provider) perImage(q imagegate.Quality) decimal.Decimal {
	if q == imagegate.QualityHD {
		return p.hd
	}
	return p.standard
}

type input struct {
	Prompt            string  `json:"prompt"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumOutputs        int     `json:"num_outputs"`
	Scheduler         string  `json:"scheduler"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	PromptStrength    float64 `json:"prompt_strength"`
}

type createRequest struct {
	Version string `json:"version"`
	Input   input  `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

// images returns the output URLs; Replicate reports either a list or a single string.
func (pr prediction) images() []string {
	if len(pr.Output) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(pr.Output, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(pr.Output, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

func (p *Provider) Generate(ctx context.Context, req imagegate.GenerationRequest) (imagegate.GenerationResult, error) {
	if !imagegate.Supports(p, req.Size) {
		return imagegate.GenerationResult{}, imagegate.NewProviderError(p.name, imagegate.ErrInvalidRequest, 0,
			fmt.Errorf("size %s not supported", req.Size))
	}

	steps := stepsStandard
	if req.Quality == imagegate.QualityHD {
		steps = stepsHD
	}
	body := createRequest{
		Version: modelVersion,
		Input: input{
			Prompt:            req.Prompt,
			Width:             renderSide,
			Height:            renderSide,
			NumOutputs:        req.Images(),
			Scheduler:         scheduler,
			NumInferenceSteps: steps,
			GuidanceScale:     guidanceScale,
			PromptStrength:    promptStrength,
		},
	}

	httpReq, err := httpapi.NewRequest(ctx, http.MethodPost, p.baseURL+"/predictions", body)
	if err != nil {
		return imagegate.GenerationResult{}, err
	}
	p.authorize(httpReq)

	var pred prediction
	if err := p.client.Do(httpReq, &pred); err != nil {
		return imagegate.GenerationResult{}, err
	}
	if pred.ID == "" {
		return imagegate.GenerationResult{}, imagegate.NewProviderError(p.name, imagegate.ErrGenerationFailed, 0,
			fmt.Errorf("prediction id missing"))
	}

	polls := 0
	for !terminal(pred.Status) {
		select {
		case <-ctx.Done():
			return imagegate.GenerationResult{}, ctx.Err()
		case <-time.After(p.pollInterval):
		}
		polls++

		pred, err = p.poll(ctx, pred.ID)
		if err != nil {
			return imagegate.GenerationResult{}, err
		}
		p.logger.Debug("sdxl prediction polled",
			"request_id", req.ID,
			"prediction_id", pred.ID,
			"status", pred.Status,
			"polls", polls,
		)
	}

	if pred.Status != "succeeded" {
		return imagegate.GenerationResult{}, imagegate.NewProviderError(p.name, imagegate.ErrGenerationFailed, 0,
			fmt.Errorf("prediction %s: %v", pred.Status, pred.Error))
	}

	urls := pred.images()
	if len(urls) == 0 {
		return imagegate.GenerationResult{}, imagegate.NewProviderError(p.name, imagegate.ErrGenerationFailed, 0,
			fmt.Errorf("prediction returned no images"))
	}

	return imagegate.GenerationResult{
		ImageURLs: urls,
		Cost:      p.perImage(req.Quality).Mul(decimal.NewFromInt(int64(len(urls)))),
		Model:     model,
		Metadata: map[string]any{
			"prediction_id": pred.ID,
			"width":         renderSide,
			"height":        renderSide,
			"steps":         steps,
			"polls":         polls,
		},
	}, nil
}

func (p *Provider) poll(ctx context.Context, id string) (prediction, error) {
	httpReq, err := httpapi.NewRequest(ctx, http.MethodGet, p.baseURL+"/predictions/"+url.PathEscape(id), nil)
	if err != nil {
		return prediction{}, err
	}
	p.authorize(httpReq)

	var pred prediction
	if err := p.client.Do(httpReq, &pred); err != nil {
		return prediction{}, err
	}
	if pred.ID == "" {
		pred.ID = id
	}
	return pred, nil
}

func (p *Provider) authorize(r *http.Request) {
	r.Header.Set("Authorization", "Token "+p.apiKey)
}

func terminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	default:
		return false
	}
}
