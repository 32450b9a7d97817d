package dalle_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/provider/dalle"
	"github.com/ineyio/imagegate/retry"
)

func request(n int, q imagegate.Quality) imagegate.GenerationRequest {
	return imagegate.GenerationRequest{
		ID:        "req-1",
		Prompt:    "A lighthouse at dusk, oil painting",
		Size:      imagegate.SizeSmall,
		Quality:   q,
		NumImages: n,
		UserID:    "u-1",
	}
}

func TestEstimateCost(t *testing.T) {
	p := dalle.New("key")
	assert.Equal(t, "0.08", p.EstimateCost(request(1, imagegate.QualityStandard)).StringFixed(2))
	assert.Equal(t, "0.36", p.EstimateCost(request(3, imagegate.QualityHD)).StringFixed(2))
	assert.Equal(t, "0.80", p.EstimateCost(request(10, imagegate.QualityStandard)).StringFixed(2))
}

func TestEstimateCost_Deterministic(t *testing.T) {
	p := dalle.New("key")
	rapid.Check(t, func(t *rapid.T) {
		req := request(
			rapid.IntRange(1, imagegate.MaxImagesPerRequest).Draw(t, "n"),
			rapid.SampledFrom([]imagegate.Quality{imagegate.QualityStandard, imagegate.QualityHD}).Draw(t, "quality"),
		)
		first := p.EstimateCost(req)
		if !first.Equal(p.EstimateCost(req)) {
			t.Fatalf("estimate changed between calls")
		}
		if first.IsNegative() {
			t.Fatalf("negative estimate %s", first)
		}
	})
}

func TestGenerate_OneCallPerImage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dall-e-3", body["model"])
		assert.Equal(t, float64(1), body["n"])
		assert.Equal(t, "1024x1024", body["size"])
		assert.Equal(t, "hd", body["quality"])

		json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]any{{"url": "https://cdn.example.com/a.png", "revised_prompt": "revised"}},
		})
	}))
	defer srv.Close()

	p := dalle.New("sk-test", dalle.WithBaseURL(srv.URL))
	res, err := p.Generate(context.Background(), request(2, imagegate.QualityHD))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, res.ImageURLs, 2)
	assert.Equal(t, "dall-e-3", res.Model)
	assert.Equal(t, "0.24", res.Cost.StringFixed(2))
	assert.Equal(t, []string{"revised", "revised"}, res.Metadata["revised_prompts"])
	assert.Equal(t, 2, res.Metadata["images_generated"])
}

func TestGenerate_PartialFailureBillsProducedImages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"url": "https://cdn.example.com/x.png"}}})
	}))
	defer srv.Close()

	p := dalle.New("k", dalle.WithBaseURL(srv.URL))
	res, err := p.Generate(context.Background(), request(3, imagegate.QualityStandard))
	require.NoError(t, err)
	assert.Len(t, res.ImageURLs, 2)
	assert.Equal(t, "0.16", res.Cost.StringFixed(2))
	assert.Equal(t, 3, res.Metadata["images_requested"])
}

func TestGenerate_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      error
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, imagegate.ErrRateLimited, true},
		{"server error", http.StatusServiceUnavailable, imagegate.ErrProviderUnavailable, true},
		{"unauthorized", http.StatusUnauthorized, imagegate.ErrAuthFailed, false},
		{"forbidden", http.StatusForbidden, imagegate.ErrAuthFailed, false},
		{"bad request", http.StatusBadRequest, imagegate.ErrInvalidRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer srv.Close()

			p := dalle.New("k", dalle.WithBaseURL(srv.URL))
			_, err := p.Generate(context.Background(), request(1, imagegate.QualityStandard))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.retryable, imagegate.IsRetryable(err))

			var pe *imagegate.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, dalle.Name, pe.Provider)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, 7*time.Second, pe.RetryAfter)
		})
	}
}

func TestGenerate_TransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := dalle.New("k", dalle.WithBaseURL(url))
	_, err := p.Generate(context.Background(), request(1, imagegate.QualityStandard))
	assert.ErrorIs(t, err, imagegate.ErrProviderUnavailable)
	assert.True(t, imagegate.IsRetryable(err))
}

func TestGenerate_UnsupportedSize(t *testing.T) {
	p := dalle.New("k")
	req := request(1, imagegate.QualityStandard)
	req.Size = imagegate.SizeLarge
	_, err := p.Generate(context.Background(), req)
	assert.ErrorIs(t, err, imagegate.ErrInvalidRequest)
}

func TestGenerate_Azure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/dalle3-prod/images/generations", r.URL.Path)
		assert.Equal(t, "2024-02-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "azure-key", r.Header.Get("api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "model")

		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"url": "https://azure.example.com/1.png"}}})
	}))
	defer srv.Close()

	p := dalle.New("azure-key", dalle.WithAzure(srv.URL, "dalle3-prod"))
	assert.Equal(t, dalle.AzureName, p.Name())

	res, err := p.Generate(context.Background(), request(1, imagegate.QualityStandard))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://azure.example.com/1.png"}, res.ImageURLs)
}

func TestGenerate_RateLimitedLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"url": "https://cdn.example.com/x.png"}}})
	}))
	defer srv.Close()

	// One call per minute: the second image cannot be sent before the deadline.
	p := dalle.New("k", dalle.WithBaseURL(srv.URL), dalle.WithRateLimit(1))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := p.Generate(ctx, request(2, imagegate.QualityStandard))
	require.NoError(t, err)
	assert.Len(t, res.ImageURLs, 1)
	assert.Equal(t, "0.08", res.Cost.StringFixed(2))
}

func TestPricingAndLimits(t *testing.T) {
	p := dalle.New("k",
		dalle.WithPricing(imagegate.MustMoney("0.10"), imagegate.MustMoney("0.20")),
		dalle.WithLimits(imagegate.Limits{Timeout: time.Second}),
	)
	assert.Equal(t, "0.20", p.EstimateCost(request(1, imagegate.QualityHD)).StringFixed(2))
	assert.Equal(t, time.Second, p.Limits().Timeout)
	assert.Equal(t, 3, dalle.New("k").Limits().Retry.MaxAttempts)
}

func TestRoute_InterruptedRequestKeepsProducedImages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1)%2 == 0 {
			<-r.Context().Done()
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"url": "https://cdn.example.com/x.png"}}})
	}))
	defer srv.Close()

	p := dalle.New("k", dalle.WithBaseURL(srv.URL), dalle.WithLimits(imagegate.Limits{
		Timeout: 200 * time.Millisecond,
		Retry:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}))
	router, err := imagegate.NewRouter([]imagegate.Provider{p})
	require.NoError(t, err)

	out := router.Route(context.Background(), request(3, imagegate.QualityStandard))
	require.True(t, out.Success, "%v", out.Err)
	assert.Equal(t, 1, out.Attempts)
	assert.Len(t, out.ImageURLs, 1)
	assert.Equal(t, "0.08", out.Cost.StringFixed(2))
	assert.Equal(t, true, out.Metadata["interrupted"])
	assert.Equal(t, int32(2), calls.Load(), "the request is not bought again")
}

func TestWithName(t *testing.T) {
	assert.Equal(t, "dalle-eu", dalle.New("k", dalle.WithName("dalle-eu")).Name())
	assert.Equal(t, "dalle-az", dalle.New("k", dalle.WithName("dalle-az"), dalle.WithAzure("https://x.openai.azure.com", "d3")).Name())
	assert.Equal(t, dalle.AzureName, dalle.New("k", dalle.WithAzure("https://x.openai.azure.com", "d3")).Name())
}
