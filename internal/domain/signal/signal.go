// Package signal defines the four learning signal dimensions, the provider
// contract signal sources implement, and the normalization every raw source
// value goes through before reaching the integration engine.
package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Source identifies a signal dimension.
type Source string

const (
	// Profile is the learner profile / readiness signal.
	Profile Source = "profile"
	// Knowledge is the knowledge / mastery signal.
	Knowledge Source = "knowledge"
	// Engagement is the engagement signal.
	Engagement Source = "engagement"
	// Assessment is the assessment / competency signal.
	Assessment Source = "assessment"
)

// Sources lists every signal dimension in canonical order.
var Sources = []Source{Profile, Knowledge, Engagement, Assessment}

// String returns the source name.
func (s Source) String() string {
	return string(s)
}

// Valid reports whether s is one of the four dimensions.
func (s Source) Valid() bool {
	switch s {
	case Profile, Knowledge, Engagement, Assessment:
		return true
	}
	return false
}

// ParseSource parses a dimension name.
func ParseSource(name string) (Source, error) {
	s := Source(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown signal source %q", name)
	}
	return s, nil
}

// ErrNonFinite is returned for NaN values, which cannot be corrected.
var ErrNonFinite = errors.New("signal value is not a number")

// Request is the context a provider receives for one scoring call.
type Request struct {
	SessionID string
	Phase     string
	Context   map[string]any
}

// Provider produces a raw score for one dimension of a session.
// Implementations are expected to respect ctx cancellation.
type Provider interface {
	Score(ctx context.Context, req Request) (float64, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (float64, error)

// Score implements Provider.
func (f ProviderFunc) Score(ctx context.Context, req Request) (float64, error) {
	return f(ctx, req)
}

// Clamp01 clamps v into [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Normalize corrects a raw [0,1] value: out-of-range and infinite values are
// clamped, NaN is rejected.
func Normalize(v float64) (float64, error) {
	if math.IsNaN(v) {
		return 0, ErrNonFinite
	}
	return Clamp01(v), nil
}

// NormalizeRange maps v from [lo,hi] onto [0,1] and clamps the result.
func NormalizeRange(v, lo, hi float64) (float64, error) {
	if math.IsNaN(v) {
		return 0, ErrNonFinite
	}
	if hi <= lo {
		return 0, fmt.Errorf("invalid range [%v,%v]", lo, hi)
	}
	return Clamp01((v - lo) / (hi - lo)), nil
}

// Normalized wraps a provider so every score it returns is normalized.
func Normalized(p Provider) Provider {
	return ProviderFunc(func(ctx context.Context, req Request) (float64, error) {
		v, err := p.Score(ctx, req)
		if err != nil {
			return 0, err
		}
		return Normalize(v)
	})
}
