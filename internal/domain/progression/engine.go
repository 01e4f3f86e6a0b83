// Package progression implements the integration engine: the per-session
// progression state, the phase-keyed weight profiles, the control equation
// that folds four normalized signals into the state, and the decision bands
// mapped onto it.
//
// The control equation is
//
//	next = clamp01(current + alpha*delta + beta*epsilon)
//
// where delta is the weighted signal sum (boosted by up to 20% when the
// signals agree) and epsilon is a bounded exploration term.
//
// Compute performs no I/O and never blocks on anything but the lock of the
// session it updates.
package progression

import (
	"log/slog"
	"math"
	"time"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
)

// Balance bonus: when signal variance is below the threshold, delta is scaled
// by up to 1+MaxBalanceBonus, linearly in how far below the threshold it is.
const (
	BalanceVarianceThreshold = 0.05
	MaxBalanceBonus          = 0.2
)

// Engine computes decisions. It is safe for concurrent use.
type Engine struct {
	weights  *WeightTable
	params   Params
	explorer Explorer
	sessions *SessionStore
	history  *History
	logger   *slog.Logger
	now      func() time.Time

	historySize int
	initial     float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithParams sets the control gains.
func WithParams(p Params) Option {
	return func(e *Engine) { e.params = p }
}

// WithWeightTable sets the weight table.
func WithWeightTable(t *WeightTable) Option {
	return func(e *Engine) {
		if t != nil {
			e.weights = t
		}
	}
}

// WithExplorer sets the exploration source.
func WithExplorer(x Explorer) Option {
	return func(e *Engine) {
		if x != nil {
			e.explorer = x
		}
	}
}

// WithHistorySize sets the ring capacity.
func WithHistorySize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historySize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine. It fails only on invalid parameters.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		weights:     DefaultWeightTable(),
		params:      DefaultParams(),
		explorer:    NewGaussianExplorer(DefaultExploreSigma),
		logger:      slog.Default(),
		now:         time.Now,
		historySize: DefaultHistorySize,
		initial:     InitialProgression,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.params.Validate(); err != nil {
		return nil, err
	}

	e.sessions = NewSessionStore(e.initial, e.now)
	e.history = NewHistory(e.historySize)
	e.logger = e.logger.With(slog.String("component", "integration_engine"))
	return e, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPUTATION
// ══════════════════════════════════════════════════════════════════════════════

// Compute folds signals into the session's progression state and returns the
// resulting decision. The only error is a missing session id. Out-of-range
// signals are clamped; a NaN signal yields a safe decision from the unchanged
// state.
func (e *Engine) Compute(sessionID string, signals Signals, phase Phase) (Decision, error) {
	start := time.Now()
	if sessionID == "" {
		return Decision{}, shared.ErrMissingSession
	}

	resolved, weights, known := e.weights.Lookup(phase)
	if !known {
		e.logger.Warn("unknown phase, using default weights",
			slog.String("session_id", sessionID),
			slog.String("phase", string(phase)),
			slog.String("default_phase", string(resolved)),
		)
	}

	if signals.hasNaN() {
		e.logger.Warn("pathological signal input, returning safe decision",
			slog.String("session_id", sessionID),
		)
		d := e.SafeDecision(sessionID, resolved, signals.Fallback, "pathological input: "+shared.ErrPathologicalSignal.Message)
		d.Elapsed = time.Since(start)
		return d, nil
	}

	in := signals.clamped()
	delta := Integrate(weights, in)
	epsilon := e.explorer.Sample()
	degraded := in.Degraded()

	var d Decision
	e.sessions.update(sessionID, func(st *SessionState) {
		prev := st.Progression
		next := clamp01(prev + e.params.Alpha*delta + e.params.Beta*epsilon)
		if math.IsNaN(next) {
			next = prev
		}

		now := e.now()
		st.Progression = next
		st.Phase = resolved
		st.LastUpdated = now
		st.Computations++

		action, conf, suppressed := decide(next, degraded)
		d = Decision{
			SessionID:       sessionID,
			Action:          action,
			Confidence:      conf,
			Progression:     next,
			Previous:        prev,
			Phase:           resolved,
			Integration:     delta,
			Exploration:     epsilon,
			Degraded:        degraded,
			Suppressed:      suppressed,
			FallbackSources: in.Fallback,
			ComputedAt:      now,
		}
	})

	dominant, value := dominantSignal(weights, in)
	d.Justification = justify(d, dominant, value)

	e.history.Add(Record{
		SessionID:   sessionID,
		Phase:       resolved,
		Previous:    d.Previous,
		Progression: d.Progression,
		Integration: delta,
		Exploration: epsilon,
		Action:      d.Action,
		Degraded:    degraded,
		At:          d.ComputedAt,
	})

	d.Elapsed = time.Since(start)
	return d, nil
}

// Evaluate runs the control equation from the given state without exploration.
// It never reads or writes the session store or the history, so it is safe
// for health checks. A NaN signal returns shared.ErrPathologicalSignal.
func (e *Engine) Evaluate(signals Signals, phase Phase, from float64) (Decision, error) {
	if signals.hasNaN() {
		return Decision{}, shared.ErrPathologicalSignal
	}
	resolved, weights, _ := e.weights.Lookup(phase)
	in := signals.clamped()
	delta := Integrate(weights, in)
	prev := clamp01(from)
	next := clamp01(prev + e.params.Alpha*delta)

	action, conf, suppressed := decide(next, in.Degraded())
	return Decision{
		Action:          action,
		Confidence:      conf,
		Progression:     next,
		Previous:        prev,
		Phase:           resolved,
		Integration:     delta,
		Degraded:        in.Degraded(),
		Suppressed:      suppressed,
		FallbackSources: in.Fallback,
		ComputedAt:      e.now(),
	}, nil
}

// SafeDecision builds a decision from the session's unchanged state without
// mutating it. Advance is always suppressed. Used for pathological input and
// by the integration fallback when the engine itself is unavailable.
func (e *Engine) SafeDecision(sessionID string, phase Phase, fallbacks []signal.Source, reason string) Decision {
	p := e.sessions.Progression(sessionID)
	action, conf, suppressed := decide(p, true)
	d := Decision{
		SessionID:       sessionID,
		Action:          action,
		Confidence:      conf,
		Progression:     p,
		Previous:        p,
		Phase:           phase,
		Degraded:        true,
		Suppressed:      suppressed,
		FallbackSources: fallbacks,
		ComputedAt:      e.now(),
	}
	d.Justification = justify(d, "", 0) + "; " + reason
	return d
}

// Integrate returns delta: the weighted sum of signals scaled by the balance
// bonus and clamped to [0,1]. Signals must already be clamped.
func Integrate(w WeightProfile, s Signals) float64 {
	raw := 0.0
	for _, src := range signal.Sources {
		raw += w.Weight(src) * s.Get(src)
	}
	return clamp01(raw * BalanceFactor(s))
}

// BalanceFactor returns 1 + MaxBalanceBonus*(1 - var/threshold) when the
// population variance of the four signals is below the threshold, else 1.
func BalanceFactor(s Signals) float64 {
	mean := 0.0
	for _, src := range signal.Sources {
		mean += s.Get(src)
	}
	mean /= float64(len(signal.Sources))

	variance := 0.0
	for _, src := range signal.Sources {
		d := s.Get(src) - mean
		variance += d * d
	}
	variance /= float64(len(signal.Sources))

	if variance >= BalanceVarianceThreshold {
		return 1.0
	}
	return 1.0 + MaxBalanceBonus*(1-variance/BalanceVarianceThreshold)
}

func dominantSignal(w WeightProfile, s Signals) (signal.Source, float64) {
	var best signal.Source
	bestContribution := -1.0
	for _, src := range signal.Sources {
		if c := w.Weight(src) * s.Get(src); c > bestContribution {
			best, bestContribution = src, c
		}
	}
	return best, s.Get(best)
}

func clamp01(v float64) float64 {
	return signal.Clamp01(v)
}

// ══════════════════════════════════════════════════════════════════════════════
// INSPECTION
// ══════════════════════════════════════════════════════════════════════════════

// Peek returns the session state without creating or mutating it.
func (e *Engine) Peek(sessionID string) (SessionState, bool) {
	return e.sessions.Get(sessionID)
}

// Reset drops a session's state.
func (e *Engine) Reset(sessionID string) bool {
	return e.sessions.Reset(sessionID)
}

// Sessions exposes the session store for checkpointing and eviction.
func (e *Engine) Sessions() *SessionStore {
	return e.sessions
}

// History returns up to n recent computation records, oldest first.
func (e *Engine) History(n int) []Record {
	return e.history.Recent(n)
}

// Params returns the engine's control gains.
func (e *Engine) Params() Params {
	return e.params
}

// Weights returns the engine's weight table.
func (e *Engine) Weights() *WeightTable {
	return e.weights
}
