package progression

import (
	"fmt"
	"math"
	"sort"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
)

// Phase is a learning phase; it selects the active weight profile.
type Phase string

// Canonical phases.
const (
	PhaseOnboarding  Phase = "onboarding"
	PhaseExploration Phase = "exploration"
	PhasePractice    Phase = "practice"
	PhaseMastery     Phase = "mastery"
	PhaseAssessment  Phase = "assessment"
)

// DefaultPhase is used when an unknown phase is requested.
const DefaultPhase = PhasePractice

// weightTolerance is the allowed deviation of a profile's sum from 1.0.
const weightTolerance = 0.01

// WeightProfile holds the per-source weights of one phase.
type WeightProfile struct {
	Profile    float64 `json:"profile" yaml:"profile" koanf:"profile"`
	Knowledge  float64 `json:"knowledge" yaml:"knowledge" koanf:"knowledge"`
	Engagement float64 `json:"engagement" yaml:"engagement" koanf:"engagement"`
	Assessment float64 `json:"assessment" yaml:"assessment" koanf:"assessment"`
}

// Weight returns the weight of a source.
func (w WeightProfile) Weight(s signal.Source) float64 {
	switch s {
	case signal.Profile:
		return w.Profile
	case signal.Knowledge:
		return w.Knowledge
	case signal.Engagement:
		return w.Engagement
	case signal.Assessment:
		return w.Assessment
	}
	return 0
}

// Sum returns the total weight.
func (w WeightProfile) Sum() float64 {
	return w.Profile + w.Knowledge + w.Engagement + w.Assessment
}

// Validate checks that weights are non-negative and sum to 1.0 within tolerance.
func (w WeightProfile) Validate() error {
	for _, s := range signal.Sources {
		if v := w.Weight(s); v < 0 || math.IsNaN(v) {
			return shared.WrapError("progression", "Validate", shared.ErrValidation,
				fmt.Sprintf("weight for %s must be non-negative", s), shared.ErrInvalidWeights)
		}
	}
	if math.Abs(w.Sum()-1.0) > weightTolerance {
		return shared.WrapError("progression", "Validate", shared.ErrValidation,
			fmt.Sprintf("weights sum to %.3f", w.Sum()), shared.ErrInvalidWeights)
	}
	return nil
}

// DefaultProfiles returns the five canonical weight profiles.
func DefaultProfiles() map[Phase]WeightProfile {
	return map[Phase]WeightProfile{
		PhaseOnboarding:  {Profile: 0.35, Knowledge: 0.15, Engagement: 0.35, Assessment: 0.15},
		PhaseExploration: {Profile: 0.30, Knowledge: 0.25, Engagement: 0.30, Assessment: 0.15},
		PhasePractice:    {Profile: 0.27, Knowledge: 0.32, Engagement: 0.18, Assessment: 0.23},
		PhaseMastery:     {Profile: 0.15, Knowledge: 0.35, Engagement: 0.15, Assessment: 0.35},
		PhaseAssessment:  {Profile: 0.10, Knowledge: 0.25, Engagement: 0.10, Assessment: 0.55},
	}
}

// WeightTable is the immutable phase-keyed profile table.
type WeightTable struct {
	profiles     map[Phase]WeightProfile
	defaultPhase Phase
}

// NewWeightTable validates and freezes a table. The default phase must be present.
func NewWeightTable(profiles map[Phase]WeightProfile, defaultPhase Phase) (*WeightTable, error) {
	if len(profiles) == 0 {
		return nil, shared.NewDomainError("progression", "NewWeightTable", shared.ErrEmptyValue, "no weight profiles")
	}
	copied := make(map[Phase]WeightProfile, len(profiles))
	for phase, w := range profiles {
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("phase %s: %w", phase, err)
		}
		copied[phase] = w
	}
	if _, ok := copied[defaultPhase]; !ok {
		return nil, shared.NewDomainError("progression", "NewWeightTable", shared.ErrInvalidInput,
			fmt.Sprintf("default phase %q has no profile", defaultPhase))
	}
	return &WeightTable{profiles: copied, defaultPhase: defaultPhase}, nil
}

// DefaultWeightTable returns the canonical table with practice as default.
func DefaultWeightTable() *WeightTable {
	t, err := NewWeightTable(DefaultProfiles(), DefaultPhase)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup resolves a phase to its profile. Unknown phases resolve to the
// default phase and report known=false.
func (t *WeightTable) Lookup(phase Phase) (resolved Phase, w WeightProfile, known bool) {
	if w, ok := t.profiles[phase]; ok {
		return phase, w, true
	}
	return t.defaultPhase, t.profiles[t.defaultPhase], false
}

// DefaultPhase returns the fallback phase.
func (t *WeightTable) DefaultPhase() Phase {
	return t.defaultPhase
}

// Phases returns the configured phases in sorted order.
func (t *WeightTable) Phases() []Phase {
	out := make([]Phase, 0, len(t.profiles))
	for p := range t.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
