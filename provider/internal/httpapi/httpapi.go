// Package httpapi holds the JSON-over-HTTP plumbing shared by the image
// provider adapters: rate limiting, status mapping and response decoding.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ineyio/imagegate"
)

// maxErrorBody bounds how much of an error response is kept for context.
const maxErrorBody = 1024

// Client sends JSON requests on behalf of one provider.
type Client struct {
	Provider string
	HTTP     *http.Client
	// Limiter throttles outbound calls. Nil means unlimited.
	Limiter *rate.Limiter
}

// PerMinute builds a limiter allowing n calls per minute with a burst of one.
// It returns nil for n <= 0.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
}

// NewRequest builds a request with a JSON body (when body is non-nil).
func NewRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("imagegate: marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("imagegate: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do waits for the limiter, sends req and decodes a 2xx JSON body into out.
// Failures are returned as *imagegate.ProviderError, except caller
// cancellation and deadlines which are returned unchanged.
func (c *Client) Do(req *http.Request, out any) error {
	ctx := req.Context()
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return imagegate.NewProviderError(c.Provider, imagegate.ErrRateLimited, 0, err)
		}
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return imagegate.NewProviderError(c.Provider, imagegate.ErrProviderUnavailable, 0, err)
	}
	defer resp.Body.Close()

	if err := MapStatus(c.Provider, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return imagegate.NewProviderError(c.Provider, imagegate.ErrGenerationFailed, resp.StatusCode,
			fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// MapStatus converts a non-2xx response into a typed provider error.
func MapStatus(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := errors.New(strings.TrimSpace(string(body)))

	var kind error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = imagegate.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = imagegate.ErrAuthFailed
	case resp.StatusCode >= 500:
		kind = imagegate.ErrProviderUnavailable
	default:
		kind = imagegate.ErrInvalidRequest
	}

	pe := imagegate.NewProviderError(provider, kind, resp.StatusCode, detail)
	pe.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
	return pe
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
