package progression

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithExplorer(FixedExplorer(0)),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	}
	e, err := NewEngine(append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func TestCompute_ScenarioA_StrongSignalsAdvance(t *testing.T) {
	e := newTestEngine(t)

	d, err := e.Compute("s1", Uniform(0.9), PhasePractice)

	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Integration, "balance bonus pushes 1.08 to the clamp")
	assert.Equal(t, 1.0, d.Progression)
	assert.Equal(t, 0.5, d.Previous)
	assert.Equal(t, ActionAdvance, d.Action)
	assert.Equal(t, 1.0, d.Confidence)
	assert.False(t, d.Degraded)
	assert.NotEmpty(t, d.Justification)
}

func TestCompute_ScenarioB_WeakSignalsSupport(t *testing.T) {
	e := newTestEngine(t)

	d, err := e.Compute("s1", Uniform(0.1), PhasePractice)

	require.NoError(t, err)
	assert.InDelta(t, 0.12, d.Integration, 1e-9)
	assert.InDelta(t, 0.584, d.Progression, 1e-9)
	assert.Equal(t, ActionIncreaseSupport, d.Action)
}

func TestCompute_MissingSession(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Compute("", Uniform(0.5), PhasePractice)

	assert.ErrorIs(t, err, shared.ErrMissingSession)
	assert.Equal(t, 0, e.Sessions().Len())
}

func TestCompute_Boundedness(t *testing.T) {
	inputs := []float64{-5, -0.1, 0, 0.3, 0.77, 1, 1.5, math.Inf(1), math.Inf(-1)}
	eps := []float64{-0.3, -0.1, 0, 0.2, 0.3}

	for _, x := range eps {
		e := newTestEngine(t, WithExplorer(FixedExplorer(x)))
		for i, a := range inputs {
			for j, b := range inputs {
				s := Signals{Profile: a, Knowledge: b, Engagement: a, Assessment: b}
				d, err := e.Compute(fmt.Sprintf("s-%d-%d", i, j), s, PhaseMastery)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, d.Progression, 0.0)
				assert.LessOrEqual(t, d.Progression, 1.0)
				assert.GreaterOrEqual(t, d.Integration, 0.0)
				assert.LessOrEqual(t, d.Integration, 1.0)
				assert.GreaterOrEqual(t, d.Confidence, 0.0)
				assert.LessOrEqual(t, d.Confidence, 1.0)
			}
		}
	}
}

func TestCompute_DeterministicWithFixedExplorer(t *testing.T) {
	run := func() []float64 {
		e := newTestEngine(t, WithExplorer(FixedExplorer(0.1)))
		var out []float64
		for _, v := range []float64{0.2, 0.8, 0.5, 0.05, 0.95} {
			d, err := e.Compute("s", Signals{Profile: v, Knowledge: 1 - v, Engagement: v, Assessment: 0.5}, PhaseExploration)
			require.NoError(t, err)
			out = append(out, d.Progression)
		}
		return out
	}

	assert.Equal(t, run(), run())
}

func TestCompute_SeededExplorerIsReproducible(t *testing.T) {
	run := func() []float64 {
		e := newTestEngine(t, WithExplorer(NewSeededGaussianExplorer(DefaultExploreSigma, 42)))
		var out []float64
		for i := 0; i < 20; i++ {
			d, err := e.Compute("s", Uniform(0.3), PhasePractice)
			require.NoError(t, err)
			assert.LessOrEqual(t, math.Abs(d.Exploration), MaxExploration)
			out = append(out, d.Progression)
		}
		return out
	}

	assert.Equal(t, run(), run())
}

func TestCompute_UnknownPhaseUsesDefaultAndWarns(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	unknown, err := e.Compute("a", Signals{Profile: 0.9, Knowledge: 0.2, Engagement: 0.1, Assessment: 0.6}, Phase("warp"))
	require.NoError(t, err)
	practice, err := e.Compute("b", Signals{Profile: 0.9, Knowledge: 0.2, Engagement: 0.1, Assessment: 0.6}, PhasePractice)
	require.NoError(t, err)

	assert.Equal(t, PhasePractice, unknown.Phase)
	assert.Equal(t, practice.Progression, unknown.Progression)
	assert.Contains(t, buf.String(), "unknown phase")
}

func TestCompute_PhaseSelectsProfile(t *testing.T) {
	// Assessment-heavy input: the assessment phase weights it at 0.55.
	s := Signals{Profile: 0, Knowledge: 0, Engagement: 0, Assessment: 1}
	e := newTestEngine(t)

	for phase, w := range DefaultProfiles() {
		d, err := e.Compute("s-"+string(phase), s, phase)
		require.NoError(t, err)
		assert.InDelta(t, w.Assessment, d.Integration, 1e-9, "phase %s", phase)
	}
}

func TestCompute_NaNReturnsSafeDecisionWithoutMutation(t *testing.T) {
	e := newTestEngine(t)
	first, err := e.Compute("s", Uniform(0.9), PhasePractice)
	require.NoError(t, err)

	d, err := e.Compute("s", Signals{Profile: math.NaN(), Knowledge: 0.5, Engagement: 0.5, Assessment: 0.5}, PhasePractice)

	require.NoError(t, err)
	assert.True(t, d.Degraded)
	assert.Equal(t, first.Progression, d.Progression)
	assert.Equal(t, ActionContinue, d.Action, "advance is suppressed on a safe decision")

	st, ok := e.Peek("s")
	require.True(t, ok)
	assert.Equal(t, int64(1), st.Computations)
	assert.Contains(t, d.Justification, shared.ErrPathologicalSignal.Message)
}

func TestEvaluate_LeavesSessionsAndHistoryUntouched(t *testing.T) {
	e := newTestEngine(t, WithExplorer(FixedExplorer(0.3)))
	_, err := e.Compute("__probe__", Uniform(0.1), PhasePractice)
	require.NoError(t, err)
	before, _ := e.Peek("__probe__")

	d, err := e.Evaluate(Uniform(0.9), PhasePractice, InitialProgression)

	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Progression)
	assert.Equal(t, ActionAdvance, d.Action)
	assert.Zero(t, d.Exploration)

	after, ok := e.Peek("__probe__")
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, e.Sessions().Len())
	assert.Len(t, e.History(0), 1)

	_, err = e.Evaluate(Signals{Profile: math.NaN()}, PhasePractice, InitialProgression)
	assert.ErrorIs(t, err, shared.ErrPathologicalSignal)
}

func TestCompute_FallbackSuppressesAdvance(t *testing.T) {
	e := newTestEngine(t)
	s := Uniform(0.9)
	s.MarkFallback(signal.Knowledge)

	d, err := e.Compute("s", s, PhasePractice)

	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Progression)
	assert.Equal(t, ActionContinue, d.Action)
	assert.True(t, d.Suppressed)
	assert.True(t, d.Degraded)
	assert.Equal(t, []string{"knowledge"}, d.FallbackNames())
}

func TestCompute_ConcurrentSessionsAreIsolated(t *testing.T) {
	e := newTestEngine(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := e.Compute(fmt.Sprintf("s-%d", i), Uniform(0.1), PhaseOnboarding)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, e.Sessions().Len())
	for _, st := range e.Sessions().Snapshot() {
		assert.Equal(t, int64(50), st.Computations)
	}
	assert.Len(t, e.History(0), 1000)
}

func TestBalanceFactor(t *testing.T) {
	assert.InDelta(t, 1.2, BalanceFactor(Uniform(0.4)), 1e-12)
	assert.Equal(t, 1.0, BalanceFactor(Signals{Profile: 0, Knowledge: 1, Engagement: 0, Assessment: 1}))

	// variance 0.0225 -> 1 + 0.2*(1-0.45)
	s := Signals{Profile: 0.35, Knowledge: 0.65, Engagement: 0.35, Assessment: 0.65}
	assert.InDelta(t, 1.11, BalanceFactor(s), 1e-9)
}

func TestNewEngine_RejectsInvalidParams(t *testing.T) {
	_, err := NewEngine(WithParams(Params{Alpha: 1.2, Beta: 0.1}))
	assert.ErrorIs(t, err, shared.ErrInvalidParameters)

	_, err = NewEngine(WithParams(Params{Alpha: 0.5, Beta: 0.01}))
	assert.ErrorIs(t, err, shared.ErrValueOutOfRange)
}
