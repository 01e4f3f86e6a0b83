// Package signalsource implements signal.Provider: an HTTP client for a
// remote scoring service and in-process static and fault-injecting sources.
package signalsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
	"github.com/alem-hub/adaptive-core/pkg/logger"
	"github.com/alem-hub/adaptive-core/pkg/retry"
)

// maxBodySize caps how much of a score response is read.
const maxBodySize = 64 << 10

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// HTTPConfig configures an HTTPSource.
type HTTPConfig struct {
	// BaseURL of the scoring service, e.g. http://scorer:8090
	BaseURL string

	// Source is the dimension this client scores.
	Source signal.Source

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds one HTTP round trip. The breaker's call timeout
	// usually cuts in first.
	Timeout time.Duration

	RateLimiter RateLimiterConfig

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// DefaultHTTPConfig returns defaults for one source.
func DefaultHTTPConfig(baseURL string, src signal.Source) HTTPConfig {
	return HTTPConfig{
		BaseURL:     baseURL,
		Source:      src,
		Timeout:     50 * time.Millisecond,
		RateLimiter: DefaultRateLimiterConfig(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// HTTPSource scores one signal dimension through
// GET {base}/v1/sessions/{id}/score?source={source}&phase={phase}
// which answers {"score": <number>}.
type HTTPSource struct {
	config      HTTPConfig
	httpClient  *http.Client
	rateLimiter *RateLimiter
	retryPolicy retry.Policy
	logger      *slog.Logger
}

// NewHTTPSource creates a client.
func NewHTTPSource(config HTTPConfig) (*HTTPSource, error) {
	if config.BaseURL == "" {
		return nil, shared.NewDomainError("signalsource", "New", shared.ErrEmptyValue, "base url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, shared.WrapError("signalsource", "New", shared.ErrInvalidFormat, "invalid base url", err)
	}
	if !config.Source.Valid() {
		return nil, shared.NewDomainError("signalsource", "New", shared.ErrInvalidInput, "unknown signal source")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &HTTPSource{
		config:      config,
		httpClient:  client,
		rateLimiter: NewRateLimiter(config.RateLimiter),
		retryPolicy: retry.SignalSource,
		logger:      config.Logger.With(logger.Service(string(config.Source))),
	}, nil
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

// Score implements signal.Provider.
func (s *HTTPSource) Score(ctx context.Context, req signal.Request) (float64, error) {
	if err := s.rateLimiter.Allow(ctx); err != nil {
		return 0, shared.WrapError("signalsource", "Score", shared.ErrRateLimited, "local rate limit", err)
	}

	var score float64
	err := s.retryPolicy.Run(ctx, func(ctx context.Context) error {
		v, err := s.fetch(ctx, req)
		if err != nil {
			return err
		}
		score = v
		return nil
	}, nil)
	if err != nil {
		s.logger.Debug("signal source call failed", logger.SessionID(req.SessionID), logger.Err(err))
		return 0, err
	}
	return score, nil
}

func (s *HTTPSource) endpoint(req signal.Request) string {
	q := url.Values{}
	q.Set("source", string(s.config.Source))
	if req.Phase != "" {
		q.Set("phase", req.Phase)
	}
	return fmt.Sprintf("%s/v1/sessions/%s/score?%s",
		strings.TrimRight(s.config.BaseURL, "/"), url.PathEscape(req.SessionID), q.Encode())
}

// fetch performs a single request. Returned errors are classified for the
// retry policy: transport failures and 5xx are retryable, everything else is not.
func (s *HTTPSource) fetch(ctx context.Context, req signal.Request) (float64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(req), nil)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if s.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, retry.Permanent(err)
		}
		return 0, retry.Retryable(shared.WrapError("signalsource", "Request", shared.ErrServiceUnavailable, "request failed", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, retry.Retryable(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		s.rateLimiter.RecordRateLimitHit(retryAfter(resp.Header.Get("Retry-After")))
		return 0, retry.Permanent(shared.ErrSignalSourceRateLimited)
	case resp.StatusCode >= 500:
		return 0, retry.Retryable(fmt.Errorf("%w: status %d", shared.ErrSignalSourceUnavailable, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return 0, retry.Permanent(fmt.Errorf("%w: status %d", shared.ErrSignalSourceInvalidResponse, resp.StatusCode))
	}

	var out scoreResponse
	if err := json.Unmarshal(body, &out); err != nil || out.Score == nil {
		return 0, retry.Permanent(fmt.Errorf("%w: missing score", shared.ErrSignalSourceInvalidResponse))
	}
	if math.IsNaN(*out.Score) || math.IsInf(*out.Score, 0) {
		return 0, retry.Permanent(fmt.Errorf("%w: score is not finite", shared.ErrSignalSourceInvalidResponse))
	}
	return *out.Score, nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return time.Second
}

// RateLimiterStatus returns the client's bucket state.
func (s *HTTPSource) RateLimiterStatus() RateLimiterStatus {
	return s.rateLimiter.Status()
}

// IsRateLimited reports whether err came from a local or remote rate limit.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl) || errors.Is(err, shared.ErrRateLimited)
}
