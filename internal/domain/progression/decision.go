package progression

import (
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/adaptive-core/internal/domain/signal"
)

// Action is the recommendation attached to a decision.
type Action string

// Actions, from strongest to weakest progression.
const (
	ActionAdvance         Action = "advance"
	ActionContinue        Action = "continue"
	ActionIncreaseSupport Action = "increase_support"
	ActionRemediate       Action = "remediate"
)

// Band thresholds on the progression state.
const (
	AdvanceThreshold  = 0.8
	ContinueThreshold = 0.6
	SupportThreshold  = 0.4
)

// Decision is the output of one computation.
type Decision struct {
	SessionID       string          `json:"session_id"`
	Action          Action          `json:"action"`
	Confidence      float64         `json:"confidence"`
	Justification   string          `json:"justification"`
	Progression     float64         `json:"progression"`
	Previous        float64         `json:"previous"`
	Phase           Phase           `json:"phase"`
	Integration     float64         `json:"integration"`
	Exploration     float64         `json:"exploration"`
	Degraded        bool            `json:"degraded"`
	Suppressed      bool            `json:"suppressed"`
	FallbackSources []signal.Source `json:"fallback_sources,omitempty"`
	ComputedAt      time.Time       `json:"computed_at"`
	Elapsed         time.Duration   `json:"elapsed"`
}

// FallbackNames returns the fallback sources as strings.
func (d Decision) FallbackNames() []string {
	if len(d.FallbackSources) == 0 {
		return nil
	}
	out := make([]string, len(d.FallbackSources))
	for i, s := range d.FallbackSources {
		out[i] = s.String()
	}
	return out
}

type band struct {
	action Action
	lo, hi float64
	// open ends have no inner boundary on that side
	openLo, openHi bool
}

var bands = []band{
	{action: ActionAdvance, lo: AdvanceThreshold, hi: 1.0, openHi: true},
	{action: ActionContinue, lo: ContinueThreshold, hi: AdvanceThreshold},
	{action: ActionIncreaseSupport, lo: SupportThreshold, hi: ContinueThreshold},
	{action: ActionRemediate, lo: 0, hi: SupportThreshold, openLo: true},
}

// bandFor maps a progression state onto its band.
func bandFor(p float64) band {
	for _, b := range bands {
		if p >= b.lo {
			return b
		}
	}
	return bands[len(bands)-1]
}

// Classify returns the action for a progression state.
func Classify(p float64) Action {
	return bandFor(p).action
}

// confidence grows from 0.5 at an inner band boundary to 1.0 at half the band
// width away from it.
func confidence(p float64, b band) float64 {
	half := (b.hi - b.lo) / 2
	var d float64
	switch {
	case b.openHi:
		d = p - b.lo
	case b.openLo:
		d = b.hi - p
	default:
		d = min(p-b.lo, b.hi-p)
	}
	if d < 0 {
		d = 0
	}
	return 0.5 + 0.5*min(1, d/half)
}

// decide maps a state to an action, suppressing advance on degraded input.
func decide(p float64, degraded bool) (Action, float64, bool) {
	b := bandFor(p)
	if degraded && b.action == ActionAdvance {
		return ActionContinue, 0.5, true
	}
	return b.action, confidence(p, b), false
}

func justify(d Decision, dominant signal.Source, dominantValue float64) string {
	b := bandFor(d.Progression)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: progression %.3f (was %.3f) in band [%.1f, %.1f]", d.Action, d.Progression, d.Previous, b.lo, b.hi)
	fmt.Fprintf(&sb, "; phase %s, integration %.3f, exploration %+.3f", d.Phase, d.Integration, d.Exploration)
	if dominant != "" {
		fmt.Fprintf(&sb, "; strongest signal %s=%.2f", dominant, dominantValue)
	}
	if d.Suppressed {
		sb.WriteString("; advance suppressed")
	}
	if d.Degraded {
		fmt.Fprintf(&sb, "; degraded inputs: %s", strings.Join(d.FallbackNames(), ","))
	}
	return sb.String()
}
