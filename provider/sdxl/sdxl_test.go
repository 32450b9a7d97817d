package sdxl_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/provider/sdxl"
)

func request(n int, q imagegate.Quality) imagegate.GenerationRequest {
	return imagegate.GenerationRequest{
		ID:        "req-1",
		Prompt:    "Mountain cabin in snow",
		Size:      imagegate.SizeMedium,
		Quality:   q,
		NumImages: n,
		UserID:    "u-1",
	}
}

// replicate fakes the predictions API: the prediction turns to finalStatus
// after pending polls.
func replicate(t *testing.T, pending int32, finalStatus string, output any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token r8-test", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/predictions":
			var body struct {
				Version string         `json:"version"`
				Input   map[string]any `json:"input"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.NotEmpty(t, body.Version)
			assert.Equal(t, float64(1024), body.Input["width"])
			assert.Equal(t, "K_EULER", body.Input["scheduler"])
			assert.Equal(t, 7.5, body.Input["guidance_scale"])
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{"id": "pred-1", "status": "starting", "input": body.Input})
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/pred-1":
			n := polls.Add(1)
			resp := map[string]any{"id": "pred-1", "status": "processing"}
			if n > pending {
				resp["status"] = finalStatus
				resp["output"] = output
				if finalStatus == "failed" {
					resp["error"] = "NSFW content detected"
				}
			}
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func TestEstimateCost(t *testing.T) {
	p := sdxl.New("k")
	assert.Equal(t, "0.02", p.EstimateCost(request(1, imagegate.QualityStandard)).StringFixed(2))
	assert.Equal(t, "0.12", p.EstimateCost(request(3, imagegate.QualityHD)).StringFixed(2))
}

func TestGenerate_PollsUntilSucceeded(t *testing.T) {
	srv, polls := replicate(t, 2, "succeeded", []string{"https://replicate.delivery/a.png", "https://replicate.delivery/b.png"})
	p := sdxl.New("r8-test", sdxl.WithBaseURL(srv.URL), sdxl.WithPollInterval(time.Millisecond))

	res, err := p.Generate(context.Background(), request(2, imagegate.QualityHD))
	require.NoError(t, err)
	assert.Equal(t, int32(3), polls.Load())
	assert.Len(t, res.ImageURLs, 2)
	assert.Equal(t, "0.08", res.Cost.StringFixed(2))
	assert.Equal(t, "stability-ai/sdxl", res.Model)
	assert.Equal(t, 50, res.Metadata["steps"])
	assert.Equal(t, "pred-1", res.Metadata["prediction_id"])
	assert.Equal(t, 3, res.Metadata["polls"])
}

func TestGenerate_SingleStringOutput(t *testing.T) {
	srv, _ := replicate(t, 0, "succeeded", "https://replicate.delivery/only.png")
	p := sdxl.New("r8-test", sdxl.WithBaseURL(srv.URL), sdxl.WithPollInterval(time.Millisecond))

	res, err := p.Generate(context.Background(), request(1, imagegate.QualityStandard))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://replicate.delivery/only.png"}, res.ImageURLs)
	assert.Equal(t, "0.02", res.Cost.StringFixed(2))
}

func TestGenerate_FailedPredictionIsNotRetryable(t *testing.T) {
	srv, _ := replicate(t, 1, "failed", nil)
	p := sdxl.New("r8-test", sdxl.WithBaseURL(srv.URL), sdxl.WithPollInterval(time.Millisecond))

	_, err := p.Generate(context.Background(), request(1, imagegate.QualityStandard))
	require.Error(t, err)
	assert.ErrorIs(t, err, imagegate.ErrGenerationFailed)
	assert.False(t, imagegate.IsRetryable(err))
	assert.Contains(t, err.Error(), "NSFW content detected")
}

func TestGenerate_StopsPollingWhenContextEnds(t *testing.T) {
	srv, polls := replicate(t, 1_000_000, "succeeded", nil)
	p := sdxl.New("r8-test", sdxl.WithBaseURL(srv.URL), sdxl.WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, request(1, imagegate.QualityStandard))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, polls.Load(), int32(0))
}

func TestGenerate_CreateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Invalid version"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := sdxl.New("k", sdxl.WithBaseURL(srv.URL))
	_, err := p.Generate(context.Background(), request(1, imagegate.QualityStandard))
	assert.ErrorIs(t, err, imagegate.ErrInvalidRequest)
}

func TestGenerate_UnsupportedSize(t *testing.T) {
	p := sdxl.New("k")
	req := request(1, imagegate.QualityStandard)
	req.Size = imagegate.SizePortrait
	_, err := p.Generate(context.Background(), req)
	assert.ErrorIs(t, err, imagegate.ErrInvalidRequest)
}

func TestRouterTimeoutAroundPolling(t *testing.T) {
	srv, _ := replicate(t, 1_000_000, "succeeded", nil)
	p := sdxl.New("r8-test",
		sdxl.WithBaseURL(srv.URL),
		sdxl.WithPollInterval(5*time.Millisecond),
		sdxl.WithLimits(imagegate.Limits{Timeout: 40 * time.Millisecond}),
	)
	r, err := imagegate.NewRouter([]imagegate.Provider{p})
	require.NoError(t, err)

	out := r.Route(context.Background(), request(1, imagegate.QualityStandard))
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, imagegate.ErrGenerationTimeout)
}

func TestWithName(t *testing.T) {
	assert.Equal(t, sdxl.Name, sdxl.New("k").Name())
	assert.Equal(t, "sdxl-backup", sdxl.New("k", sdxl.WithName("sdxl-backup")).Name())
}
