package progression

import (
	"fmt"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
)

// Control parameter bounds.
const (
	MinAlpha     = 0.3
	MaxAlpha     = 0.9
	DefaultAlpha = 0.7

	MinBeta     = 0.05
	MaxBeta     = 0.25
	DefaultBeta = 0.15

	// InitialProgression is the state of a session on first use.
	InitialProgression = 0.5
)

// Params are the control equation gains: alpha scales integration, beta
// scales exploration.
type Params struct {
	Alpha float64 `json:"alpha" yaml:"alpha" koanf:"alpha"`
	Beta  float64 `json:"beta" yaml:"beta" koanf:"beta"`
}

// DefaultParams returns alpha=0.7, beta=0.15.
func DefaultParams() Params {
	return Params{Alpha: DefaultAlpha, Beta: DefaultBeta}
}

// Validate rejects gains outside their ranges.
func (p Params) Validate() error {
	if p.Alpha < MinAlpha || p.Alpha > MaxAlpha {
		return shared.WrapError("progression", "Validate", shared.ErrValueOutOfRange,
			fmt.Sprintf("alpha %.3f outside [%.2f, %.2f]", p.Alpha, MinAlpha, MaxAlpha), shared.ErrInvalidParameters)
	}
	if p.Beta < MinBeta || p.Beta > MaxBeta {
		return shared.WrapError("progression", "Validate", shared.ErrValueOutOfRange,
			fmt.Sprintf("beta %.3f outside [%.2f, %.2f]", p.Beta, MinBeta, MaxBeta), shared.ErrInvalidParameters)
	}
	return nil
}
