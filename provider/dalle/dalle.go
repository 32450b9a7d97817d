// Package dalle adapts the OpenAI (or Azure OpenAI) DALL-E 3 images API.
//
// DALL-E 3 renders one image per call, so a request for n images makes n
// sequential calls. Images that fail are skipped; the request only fails when
// no image could be produced. When the context ends part way, the images
// already produced are returned rather than discarded.
package dalle

import (
	"context"
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
	Name = "openai_dalle3"
	// AzureName identifies the Azure OpenAI deployment of the same model.
	AzureName = "azure_openai_dalle3"

	model           = "dall-e-3"
	azureAPIVersion = "2024-02-01"
)

var (
	defaultStandard = decimal.RequireFromString("0.08")
	hdMultiplier    = decimal.RequireFromString("1.5")
	sizes           = []imagegate.Size{imagegate.SizeSmall, imagegate.SizePortrait, imagegate.SizeLandscape}
)

// Provider is the DALL-E 3 adapter.
type Provider struct {
	name            string
	customName      string
	apiKey          string
	baseURL         string
	azureDeployment string
	standard        decimal.Decimal
	hd              *decimal.Decimal
	client          httpapi.Client
	limits          imagegate.Limits
	logger          *slog.Logger
}

var (
	_ imagegate.Provider = (*Provider)(nil)
	_ imagegate.Limiter  = (*Provider)(nil)
)

// Option configures the provider.
type Option func(*Provider)

// WithName registers the provider under name instead of Name or AzureName.
func WithName(name string) Option {
	return func(p *Provider) { p.customName = name }
}

// WithBaseURL overrides the API base URL (default https://api.openai.com/v1).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithAzure targets an Azure OpenAI deployment instead of OpenAI.
func WithAzure(endpoint, deployment string) Option {
	return func(p *Provider) {
		p.name = AzureName
		p.baseURL = strings.TrimRight(endpoint, "/")
		p.azureDeployment = deployment
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client.HTTP = c }
}

// WithRateLimit caps outbound calls per minute.
func WithRateLimit(perMinute int) Option {
	return func(p *Provider) { p.client.Limiter = httpapi.PerMinute(perMinute) }
}

// WithPricing overrides the per-image prices. Zero values keep the defaults;
// HD costs 1.5x standard unless hd is set.
func WithPricing(standard, hd decimal.Decimal) Option {
	return func(p *Provider) {
		if !standard.IsZero() {
			p.standard = standard
		}
		if !hd.IsZero() {
			p.hd = &hd
		}
	}
}

// WithLimits overrides the default 90s / 3 attempts.
func WithLimits(l imagegate.Limits) Option {
	return func(p *Provider) { p.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a DALL-E 3 provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:     Name,
		apiKey:   apiKey,
		baseURL:  "https://api.openai.com/v1",
		standard: defaultStandard,
		limits: imagegate.Limits{
			Timeout: 90 * time.Second,
			Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second, Multiplier: 2},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.customName != "" {
		p.name = p.customName
	}
	p.client.Provider = p.name
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportedSizes() []imagegate.Size { return sizes }

func (p *Provider) Limits() imagegate.Limits { return p.limits }

// EstimateCost prices req at the per-image rate, rounded to cents.
func (p *Provider) EstimateCost(req imagegate.GenerationRequest) decimal.Decimal {
	return p.perImage(req.Quality).Mul(decimal.NewFromInt(int64(req.Images()))).Round(2)
}

func (p *Provider) perImage(q imagegate.Quality) decimal.Decimal {
	if q != imagegate.QualityHD {
		return p.standard
	}
	if p.hd != nil {
		return *p.hd
	}
	return p.standard.Mul(hdMultiplier)
}

type apiRequest struct {
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	N       int    `json:"n"`
}

type apiResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

func (p *Provider) Generate(ctx context.Context, req imagegate.GenerationRequest) (imagegate.GenerationResult, error) {
	if !imagegate.Supports(p, req.Size) {
		return imagegate.GenerationResult{}, imagegate.NewProviderError(p.name, imagegate.ErrInvalidRequest, 0,
			fmt.Errorf("size %s not supported", req.Size))
	}

	n := req.Images()
	var (
		urls        []string
		revised     []string
		firstErr    error
		interrupted bool
	)
	for i := 0; i < n && !interrupted; i++ {
		resp, err := p.generateOne(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				if len(urls) == 0 {
					return imagegate.GenerationResult{}, ctx.Err()
				}
				// Produced images are already paid for.
				p.logger.Warn("dalle request interrupted, keeping produced images",
					"request_id", req.ID,
					"images_generated", len(urls),
					"images_requested", n,
					"error", ctx.Err(),
				)
				interrupted = true
				continue
			}
			p.logger.Warn("dalle image failed",
				"request_id", req.ID,
				"image_index", i,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, d := range resp.Data {
			if d.URL == "" {
				continue
			}
			urls = append(urls, d.URL)
			if d.RevisedPrompt != "" {
				revised = append(revised, d.RevisedPrompt)
			}
		}
	}

	if len(urls) == 0 {
		if firstErr != nil {
			return imagegate.GenerationResult{}, firstErr
		}
		return imagegate.GenerationResult{}, imagegate.NewProviderError(p.name, imagegate.ErrGenerationFailed, 0, nil)
	}

	meta := map[string]any{
		"quality":          string(req.Quality),
		"size":             string(req.Size),
		"images_requested": n,
		"images_generated": len(urls),
	}
	if len(revised) > 0 {
		meta["revised_prompts"] = revised
	}
	if interrupted {
		meta["interrupted"] = true
	}
	return imagegate.GenerationResult{
		ImageURLs: urls,
		Cost:      p.perImage(req.Quality).Mul(decimal.NewFromInt(int64(len(urls)))).Round(2),
		Model:     model,
		Metadata:  meta,
	}, nil
}

func (p *Provider) generateOne(ctx context.Context, req imagegate.GenerationRequest) (apiResponse, error) {
	quality := string(req.Quality)
	if quality == "" {
		quality = string(imagegate.QualityStandard)
	}
	body := apiRequest{
		Prompt:  req.Prompt,
		Size:    string(req.Size),
		Quality: quality,
		N:       1,
	}

	var endpoint string
	if p.azureDeployment != "" {
		endpoint = p.baseURL + "/openai/deployments/" + url.PathEscape(p.azureDeployment) +
			"/images/generations?api-version=" + azureAPIVersion
	} else {
		body.Model = model
		endpoint = p.baseURL + "/images/generations"
	}

	httpReq, err := httpapi.NewRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return apiResponse{}, err
	}
	if p.azureDeployment != "" {
		httpReq.Header.Set("api-key", p.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	var resp apiResponse
	if err := p.client.Do(httpReq, &resp); err != nil {
		return apiResponse{}, err
	}
	return resp, nil
}
