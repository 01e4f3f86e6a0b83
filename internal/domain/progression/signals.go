package progression

import (
	"math"

	"github.com/alem-hub/adaptive-core/internal/domain/signal"
)

// Signals is one set of normalized inputs. Fallback lists the sources whose
// value was substituted because the real source was unavailable.
type Signals struct {
	Profile    float64         `json:"profile"`
	Knowledge  float64         `json:"knowledge"`
	Engagement float64         `json:"engagement"`
	Assessment float64         `json:"assessment"`
	Fallback   []signal.Source `json:"fallback,omitempty"`
}

// Uniform returns signals with every dimension set to v.
func Uniform(v float64) Signals {
	return Signals{Profile: v, Knowledge: v, Engagement: v, Assessment: v}
}

// Get returns the value of a source.
func (s Signals) Get(src signal.Source) float64 {
	switch src {
	case signal.Profile:
		return s.Profile
	case signal.Knowledge:
		return s.Knowledge
	case signal.Engagement:
		return s.Engagement
	case signal.Assessment:
		return s.Assessment
	}
	return 0
}

// Set assigns the value of a source.
func (s *Signals) Set(src signal.Source, v float64) {
	switch src {
	case signal.Profile:
		s.Profile = v
	case signal.Knowledge:
		s.Knowledge = v
	case signal.Engagement:
		s.Engagement = v
	case signal.Assessment:
		s.Assessment = v
	}
}

// MarkFallback records that src carries a fallback value.
func (s *Signals) MarkFallback(src signal.Source) {
	for _, f := range s.Fallback {
		if f == src {
			return
		}
	}
	s.Fallback = append(s.Fallback, src)
}

// Degraded reports whether any input is fallback-derived.
func (s Signals) Degraded() bool {
	return len(s.Fallback) > 0
}

// hasNaN reports whether any value cannot be corrected by clamping.
func (s Signals) hasNaN() bool {
	for _, src := range signal.Sources {
		if math.IsNaN(s.Get(src)) {
			return true
		}
	}
	return false
}

// clamped returns a copy with every value clamped into [0,1].
func (s Signals) clamped() Signals {
	out := s
	for _, src := range signal.Sources {
		out.Set(src, signal.Clamp01(s.Get(src)))
	}
	return out
}
