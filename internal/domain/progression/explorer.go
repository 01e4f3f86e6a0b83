package progression

import (
	"math"
	"math/rand/v2"
	"sync"
)

// Exploration bounds.
const (
	MaxExploration      = 0.3
	DefaultExploreSigma = 0.1
)

// Explorer supplies the exploration term of the control equation.
// Sample must return a value in [-MaxExploration, MaxExploration].
type Explorer interface {
	Sample() float64
}

// GaussianExplorer samples N(0, sigma) clamped to the exploration bounds.
type GaussianExplorer struct {
	sigma float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGaussianExplorer uses the process-wide generator.
func NewGaussianExplorer(sigma float64) *GaussianExplorer {
	return &GaussianExplorer{sigma: sigma}
}

// NewSeededGaussianExplorer uses a private generator for reproducible runs.
func NewSeededGaussianExplorer(sigma float64, seed uint64) *GaussianExplorer {
	return &GaussianExplorer{sigma: sigma, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Sample implements Explorer.
func (g *GaussianExplorer) Sample() float64 {
	var z float64
	if g.rng == nil {
		z = rand.NormFloat64()
	} else {
		g.mu.Lock()
		z = g.rng.NormFloat64()
		g.mu.Unlock()
	}
	return clampExploration(z * g.sigma)
}

// FixedExplorer always returns the same (clamped) value. Used to make the
// engine deterministic.
type FixedExplorer float64

// Sample implements Explorer.
func (f FixedExplorer) Sample() float64 {
	return clampExploration(float64(f))
}

// ExplorerFunc adapts a function to Explorer. The result is clamped.
type ExplorerFunc func() float64

// Sample implements Explorer.
func (f ExplorerFunc) Sample() float64 {
	return clampExploration(f())
}

func clampExploration(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > MaxExploration:
		return MaxExploration
	case v < -MaxExploration:
		return -MaxExploration
	default:
		return v
	}
}
