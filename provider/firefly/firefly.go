// Package firefly adapts the Adobe Firefly image generation API.
package firefly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/provider/internal/httpapi"
	"github.com/ineyio/imagegate/retry"
)

const (
	// Name is the provider identifier used for routing.
	Name = "adobe_firefly"

	model = "firefly-v2"

	defaultBaseURL  = "https://firefly-api.adobe.io/v2"
	defaultTokenURL = "https://ims-na1.adobelogin.com/ims/token/v3"

	// tokenExpiryBuffer refreshes access tokens this long before they expire.
	tokenExpiryBuffer = 60 * time.Second
)

var sizes = []imagegate.Size{imagegate.SizeSmall, imagegate.SizeMedium, imagegate.SizeLarge}

// dimensions maps request sizes to the aspect ratios Firefly renders.
var dimensions = map[imagegate.Size][2]int{
	imagegate.SizeSmall:  {1024, 1024},
	imagegate.SizeMedium: {1408, 1024},
	imagegate.SizeLarge:  {1792, 1024},
}

// Provider is the Adobe Firefly adapter.
type Provider struct {
	name         string
	clientID     string
	clientSecret string
	baseURL      string
	tokenURL     string
	standard     decimal.Decimal
	premium      decimal.Decimal
	client       httpapi.Client
	tokens       oauth2.TokenSource
	limits       imagegate.Limits
	logger       *slog.Logger
}

var (
	_ imagegate.Provider = (*Provider)(nil)
	_ imagegate.Limiter  = (*Provider)(nil)
)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithTokenURL overrides the Adobe IMS token endpoint.
func WithTokenURL(u string) Option {
	return func(p *Provider) { p.tokenURL = u }
}

// WithName registers the provider under name instead of Name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client for API and token calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client.HTTP = c }
}

// WithRateLimit caps outbound generation calls per minute.
func WithRateLimit(perMinute int) Option {
	return func(p *Provider) { p.client.Limiter = httpapi.PerMinute(perMinute) }
}

// WithPricing overrides the per-image prices. Zero values keep the defaults.
func WithPricing(standard, hd decimal.Decimal) Option {
	return func(p *Provider) {
		if !standard.IsZero() {
			p.standard = standard
		}
		if !hd.IsZero() {
			p.premium = hd
		}
	}
}

// WithLimits overrides the default 60s / 3 attempts.
func WithLimits(l imagegate.Limits) Option {
	return func(p *Provider) { p.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// New creates a Firefly provider authenticating with OAuth2 client credentials.
func New(clientID, clientSecret string, opts ...Option) *Provider {
	p := &Provider{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      defaultBaseURL,
		tokenURL:     defaultTokenURL,
		standard:     decimal.RequireFromString("0.10"),
		premium:      decimal.RequireFromString("0.15"),
		name:         Name,
		limits: imagegate.Limits{
			Timeout: 60 * time.Second,
			Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second, Multiplier: 2},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.client.Provider = p.name

	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     p.tokenURL,
		Scopes:       []string{"openid,creative_sdk"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.Background()
	if p.client.HTTP != nil {
		tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, p.client.HTTP)
	}
	p.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, fetcher{cfg: cfg, ctx: tokenCtx}, tokenExpiryBuffer)
	return p
}

// fetcher requests a fresh token on every call; caching is left to the
// ReuseTokenSource wrapping it so the expiry buffer applies.
type fetcher struct {
	cfg *clientcredentials.Config
	ctx context.Context
}

func (f fetcher) Token() (*oauth2.Token, error) { return f.cfg.Token(f.ctx) }

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportedSizes() []imagegate.Size { return sizes }

func (p *Provider) Limits() imagegate.Limits { return p.limits }

func (p *Provider) EstimateCost(req imagegate.GenerationRequest) decimal.Decimal {
	return p.perImage(req.Quality).Mul(decimal.NewFromInt(int64(req.Images())))
}

func (p *Provider) perImage(q imagegate.Quality) decimal.Decimal {
	if q == imagegate.QualityHD {
		return p.premium
	}
	return p.standard
}

type apiSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type apiStyle struct {
	Strength int `json:"strength"`
}

type apiRequest struct {
	Prompt       string   `json:"prompt"`
	N            int      `json:"n"`
	Size         apiSize  `json:"size"`
	ContentClass string   `json:"contentClass"`
	Style        apiStyle `json:"style"`
}

type apiResponse struct {
	Outputs []struct {
		Seed  int64 `json:"seed"`
		Image struct {
			URL string `json:"url"`
		} `json:"image"`
	} `json:"outputs"`
}

func (p *Provider) Generate(ctx context.Context, req imagegate.GenerationRequest) (imagegate.GenerationResult, error) {
	dims, ok := dimensions[req.Size]
	if !ok {
		return imagegate.GenerationResult{}, imagegate.NewProviderError(p.name, imagegate.ErrInvalidRequest, 0,
			fmt.Errorf("size %s not supported", req.Size))
	}

	token, err := p.tokens.Token()
	if err != nil {
		return imagegate.GenerationResult{}, p.tokenError(err)
	}

	body := apiRequest{
		Prompt:       req.Prompt,
		N:            req.Images(),
		Size:         apiSize{Width: dims[0], Height: dims[1]},
		ContentClass: "photo",
		Style:        apiStyle{Strength: 40},
	}
	if req.Quality == imagegate.QualityHD {
		body.ContentClass = "art"
		body.Style.Strength = 60
	}

	httpReq, err := httpapi.NewRequest(ctx, http.MethodPost, p.baseURL+"/images/generate", body)
	if err != nil {
		return imagegate.GenerationResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	httpReq.Header.Set("x-api-key", p.clientID)

	var resp apiResponse
	if err := p.client.Do(httpReq, &resp); err != nil {
		return imagegate.GenerationResult{}, err
	}

	var urls []string
	for _, o := range resp.Outputs {
		if o.Image.URL != "" {
			urls = append(urls, o.Image.URL)
		}
	}
	if len(urls) == 0 {
		return imagegate.GenerationResult{}, imagegate.NewProviderError(p.name, imagegate.ErrGenerationFailed, 0,
			errors.New("no images in response"))
	}

	return imagegate.GenerationResult{
		ImageURLs: urls,
		Cost:      p.perImage(req.Quality).Mul(decimal.NewFromInt(int64(len(urls)))),
		Model:     model,
		Metadata: map[string]any{
			"width":          dims[0],
			"height":         dims[1],
			"content_class":  body.ContentClass,
			"style_strength": body.Style.Strength,
		},
	}, nil
}

// tokenError classifies a failed client-credentials exchange.
func (p *Provider) tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		switch {
		case status == http.StatusTooManyRequests:
			return imagegate.NewProviderError(p.name, imagegate.ErrRateLimited, status, err)
		case status >= 500:
			return imagegate.NewProviderError(p.name, imagegate.ErrProviderUnavailable, status, err)
		default:
			return imagegate.NewProviderError(p.name, imagegate.ErrAuthFailed, status, err)
		}
	}
	return imagegate.NewProviderError(p.name, imagegate.ErrProviderUnavailable, 0, err)
}
