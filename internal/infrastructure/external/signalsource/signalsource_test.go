package signalsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

func newSource(t *testing.T, h http.HandlerFunc, mutate func(*HTTPConfig)) (*HTTPSource, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultHTTPConfig(srv.URL, signal.Knowledge)
	cfg.Timeout = time.Second
	cfg.Logger = logger.Discard()
	if mutate != nil {
		mutate(&cfg)
	}
	src, err := NewHTTPSource(cfg)
	require.NoError(t, err)
	return src, &calls
}

func TestHTTPSource_Score(t *testing.T) {
	src, _ := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/s%2F1/score", r.URL.EscapedPath())
		assert.Equal(t, "knowledge", r.URL.Query().Get("source"))
		assert.Equal(t, "mastery", r.URL.Query().Get("phase"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"score": 0.73}`))
	}, func(c *HTTPConfig) { c.Token = "secret" })

	v, err := src.Score(context.Background(), signal.Request{SessionID: "s/1", Phase: "mastery"})

	require.NoError(t, err)
	assert.Equal(t, 0.73, v)
}

func TestHTTPSource_RetriesServerErrors(t *testing.T) {
	var n atomic.Int32
	src, calls := newSource(t, func(w http.ResponseWriter, _ *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"score": 0.4}`))
	}, nil)

	v, err := src.Score(context.Background(), signal.Request{SessionID: "s"})

	require.NoError(t, err)
	assert.Equal(t, 0.4, v)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPSource_ClientErrorsAreNotRetried(t *testing.T) {
	src, calls := newSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	_, err := src.Score(context.Background(), signal.Request{SessionID: "s"})

	assert.ErrorIs(t, err, shared.ErrInvalidFormat)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPSource_MissingScoreIsInvalid(t *testing.T) {
	src, _ := newSource(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"value": 1}`))
	}, nil)

	_, err := src.Score(context.Background(), signal.Request{SessionID: "s"})

	assert.ErrorIs(t, err, shared.ErrSignalSourceInvalidResponse)
}

func TestHTTPSource_RemoteRateLimitPausesLocalBucket(t *testing.T) {
	src, calls := newSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}, nil)

	_, err := src.Score(context.Background(), signal.Request{SessionID: "s"})
	assert.True(t, IsRateLimited(err))

	_, err = src.Score(context.Background(), signal.Request{SessionID: "s"})
	assert.True(t, IsRateLimited(err))
	assert.EqualValues(t, 1, calls.Load(), "paused bucket rejects without calling the remote")
	assert.False(t, src.RateLimiterStatus().PausedUntil.IsZero())
}

func TestNewHTTPSource_Validation(t *testing.T) {
	_, err := NewHTTPSource(HTTPConfig{Source: signal.Profile})
	assert.ErrorIs(t, err, shared.ErrEmptyValue)

	_, err = NewHTTPSource(HTTPConfig{BaseURL: "http://x", Source: "mood"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestRateLimiter_Burst(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 10, BurstSize: 2})
	rl.now = func() time.Time { return now }
	rl.lastRefill = now

	assert.True(t, rl.TryAllow())
	assert.True(t, rl.TryAllow())
	assert.False(t, rl.TryAllow())

	err := rl.Allow(context.Background())
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 100*time.Millisecond, rle.RetryAfter)

	now = now.Add(100 * time.Millisecond)
	assert.True(t, rl.TryAllow())
}

func TestStaticSet(t *testing.T) {
	set := StaticSet(map[signal.Source]float64{signal.Profile: 0.9}, 0.5)
	require.Len(t, set, 4)

	v, err := set[signal.Profile].Score(context.Background(), signal.Request{})
	require.NoError(t, err)
	assert.Equal(t, 0.9, v)

	v, _ = set[signal.Assessment].Score(context.Background(), signal.Request{})
	assert.Equal(t, 0.5, v)
}

func TestFaulty(t *testing.T) {
	f := NewFaulty(Static(0.8), Faults{ErrorRate: 1}, 1)
	_, err := f.Score(context.Background(), signal.Request{})
	assert.ErrorIs(t, err, ErrInjected)

	f.SetFaults(Faults{Latency: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = f.Score(ctx, signal.Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.SetFaults(Faults{})
	v, err := f.Score(context.Background(), signal.Request{})
	require.NoError(t, err)
	assert.Equal(t, 0.8, v)
}
