package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
	"github.com/alem-hub/adaptive-core/pkg/circuitbreaker"
	"github.com/alem-hub/adaptive-core/pkg/retry"
)

// probeSessionID is the session id sent to signal sources by recovery probes.
const probeSessionID = "__probe__"

// Config holds bulkhead configuration.
type Config struct {
	// SignalPoolSize bounds concurrent calls per signal source.
	// Default: 4
	SignalPoolSize int

	// IntegrationPoolSize bounds concurrent engine computations.
	// Default: 10
	IntegrationPoolSize int

	// AcquireTimeout is how long a call waits for a pool slot.
	// Default: 5ms
	AcquireTimeout time.Duration

	// FailureThreshold for every breaker. Default: 5
	FailureThreshold int

	// Cooldown before a recovery probe. Default: 2m
	Cooldown time.Duration

	// SignalTimeout is the per-call timeout for signal sources.
	// Default: 15ms
	SignalTimeout time.Duration

	// IntegrationTimeout is the per-call timeout for the engine.
	// Default: 50ms
	IntegrationTimeout time.Duration

	// Fallbacks are the conservative per-source substitute values.
	Fallbacks map[signal.Source]float64

	// Publisher receives ServiceStateChanged events. Optional.
	Publisher shared.EventPublisher

	// Logger for structured logging.
	Logger *slog.Logger

	// Clock overrides the breakers' time source. Optional.
	Clock func() time.Time
}

// DefaultFallbacks returns the neutral-to-cautious substitute values.
func DefaultFallbacks() map[signal.Source]float64 {
	return map[signal.Source]float64{
		signal.Profile:    0.5,
		signal.Knowledge:  0.4,
		signal.Engagement: 0.5,
		signal.Assessment: 0.4,
	}
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SignalPoolSize:      4,
		IntegrationPoolSize: 10,
		AcquireTimeout:      5 * time.Millisecond,
		FailureThreshold:    5,
		Cooldown:            2 * time.Minute,
		SignalTimeout:       15 * time.Millisecond,
		IntegrationTimeout:  50 * time.Millisecond,
		Fallbacks:           DefaultFallbacks(),
	}
}

// Bulkhead owns the five compartments: one per signal source and one for the
// integration engine.
type Bulkhead struct {
	config      Config
	signals     map[signal.Source]*Compartment
	integration *Compartment
	providers   map[signal.Source]signal.Provider
	engine      *progression.Engine
	logger      *slog.Logger
}

// New creates a bulkhead. Every signal source must have a provider.
func New(config Config, engine *progression.Engine, providers map[signal.Source]signal.Provider) (*Bulkhead, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	defaults := DefaultConfig()
	if config.SignalPoolSize <= 0 {
		config.SignalPoolSize = defaults.SignalPoolSize
	}
	if config.IntegrationPoolSize <= 0 {
		config.IntegrationPoolSize = defaults.IntegrationPoolSize
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.SignalTimeout <= 0 {
		config.SignalTimeout = defaults.SignalTimeout
	}
	if config.IntegrationTimeout <= 0 {
		config.IntegrationTimeout = defaults.IntegrationTimeout
	}
	fallbacks := DefaultFallbacks()
	for src, v := range config.Fallbacks {
		fallbacks[src] = signal.Clamp01(v)
	}
	config.Fallbacks = fallbacks
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	b := &Bulkhead{
		config:    config,
		signals:   make(map[signal.Source]*Compartment, len(signal.Sources)),
		providers: make(map[signal.Source]signal.Provider, len(signal.Sources)),
		engine:    engine,
		logger:    config.Logger.With(slog.String("component", "bulkhead")),
	}

	for _, src := range signal.Sources {
		p, ok := providers[src]
		if !ok || p == nil {
			return nil, fmt.Errorf("no provider for signal source %s", src)
		}
		b.providers[src] = signal.Normalized(p)
		b.signals[src] = newCompartment(Class(src), config.SignalPoolSize, config.AcquireTimeout,
			b.newBreaker(Class(src), config.SignalTimeout))
	}

	b.integration = newCompartment(ClassIntegration, config.IntegrationPoolSize, config.AcquireTimeout,
		b.newBreaker(ClassIntegration, config.IntegrationTimeout))

	return b, nil
}

func (b *Bulkhead) newBreaker(class Class, timeout time.Duration) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(string(class),
		circuitbreaker.WithFailureThreshold(b.config.FailureThreshold),
		circuitbreaker.WithCooldown(b.config.Cooldown),
		circuitbreaker.WithCallTimeout(timeout),
		circuitbreaker.WithLogger(b.logger),
		circuitbreaker.WithClock(b.config.Clock),
		circuitbreaker.WithOnStateChange(b.onStateChange),
	)
}

func (b *Bulkhead) onStateChange(name string, from, to circuitbreaker.State) {
	level := slog.LevelWarn
	if to < from {
		level = slog.LevelInfo
	}
	b.logger.Log(context.Background(), level, "service health changed",
		slog.String("service", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if b.config.Publisher != nil {
		if err := b.config.Publisher.Publish(shared.NewServiceStateChangedEvent(name, from.String(), to.String())); err != nil {
			b.logger.Debug("state change not published", slog.String("error", err.Error()))
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SIGNAL COMPARTMENTS
// ══════════════════════════════════════════════════════════════════════════════

// SignalResult is one gathered signal value.
type SignalResult struct {
	Source   signal.Source
	Value    float64
	Fallback bool
	Err      error
}

// Signal fetches one source through its compartment. It never fails: any
// failure, timeout, bypass or saturation yields the tagged fallback. A
// canceled caller also gets the fallback value, with Err wrapping
// circuitbreaker.ErrCanceled, so callers can tell it apart.
func (b *Bulkhead) Signal(ctx context.Context, src signal.Source, req signal.Request) SignalResult {
	c, ok := b.signals[src]
	if !ok {
		return SignalResult{Source: src, Value: 0.5, Fallback: true, Err: shared.ErrUnknownService}
	}
	fallbackValue := b.config.Fallbacks[src]
	fallback := func(error) float64 { return fallbackValue }

	res, err := run(ctx, c, func(ctx context.Context) (float64, error) {
		return b.providers[src].Score(ctx, req)
	}, fallback)
	if err != nil {
		c.fallbacks.Add(1)
		return SignalResult{Source: src, Value: fallbackValue, Fallback: true, Err: err}
	}
	if errors.Is(res.Err, circuitbreaker.ErrCanceled) {
		return SignalResult{Source: src, Value: fallbackValue, Fallback: true, Err: res.Err}
	}
	return SignalResult{Source: src, Value: res.Value, Fallback: res.Fallback, Err: res.Err}
}

// Gather fetches all four signals concurrently. Sources present in overrides
// are taken as given without calling the provider; the engine clamps them.
func (b *Bulkhead) Gather(ctx context.Context, req signal.Request, overrides map[signal.Source]float64) progression.Signals {
	results := make([]SignalResult, len(signal.Sources))

	var g errgroup.Group
	for i, src := range signal.Sources {
		if v, ok := overrides[src]; ok {
			results[i] = SignalResult{Source: src, Value: v}
			continue
		}
		g.Go(func() error {
			results[i] = b.Signal(ctx, src, req)
			return nil
		})
	}
	_ = g.Wait()

	var out progression.Signals
	for _, r := range results {
		out.Set(r.Source, r.Value)
		if r.Fallback {
			out.MarkFallback(r.Source)
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// INTEGRATION COMPARTMENT
// ══════════════════════════════════════════════════════════════════════════════

// Integrate runs the engine through the integration compartment. When the
// engine is unavailable (breaker failure, timeout or bypass) the safe decision
// from the session's unchanged state is returned. A saturated pool is
// returned as a retryable error so the event can be requeued, and a canceled
// caller gets the cancellation error instead of a decision.
func (b *Bulkhead) Integrate(ctx context.Context, sessionID string, signals progression.Signals, phase progression.Phase) (progression.Decision, error) {
	if sessionID == "" {
		return progression.Decision{}, retry.Permanent(shared.ErrMissingSession)
	}

	res, err := run(ctx, b.integration, func(context.Context) (progression.Decision, error) {
		return b.engine.Compute(sessionID, signals, phase)
	}, func(err error) progression.Decision {
		return b.engine.SafeDecision(sessionID, phase, signals.Fallback, "integration unavailable: "+err.Error())
	})
	if err != nil {
		return progression.Decision{}, retry.Retryable(err)
	}
	if errors.Is(res.Err, circuitbreaker.ErrCanceled) {
		return progression.Decision{}, res.Err
	}
	return res.Value, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & RECOVERY
// ══════════════════════════════════════════════════════════════════════════════

// Status is the aggregate health view.
type Status struct {
	Healthy      bool                `json:"healthy"`
	Compartments []CompartmentStatus `json:"compartments"`
}

// Status returns every compartment's record plus the overall health: true
// only if every compartment is Healthy.
func (b *Bulkhead) Status() Status {
	out := Status{Healthy: true}
	for _, c := range b.compartments() {
		st := c.Status()
		if st.State != circuitbreaker.StateHealthy {
			out.Healthy = false
		}
		out.Compartments = append(out.Compartments, st)
	}
	return out
}

// Compartment returns a compartment by class.
func (b *Bulkhead) Compartment(class Class) (*Compartment, error) {
	if class == ClassIntegration {
		return b.integration, nil
	}
	if c, ok := b.signals[signal.Source(class)]; ok {
		return c, nil
	}
	return nil, shared.ErrUnknownService
}

// ProbeAll runs a recovery probe against every compartment that is due one
// and returns the outcome per class. Healthy compartments are skipped.
func (b *Bulkhead) ProbeAll(ctx context.Context) map[Class]error {
	results := make(map[Class]error)
	for _, c := range b.compartments() {
		if !c.breaker.ProbeDue() {
			continue
		}
		var err error
		if c.class == ClassIntegration {
			err = c.breaker.Probe(ctx, b.probeEngine)
		} else {
			p := b.providers[signal.Source(c.class)]
			err = c.breaker.Probe(ctx, func(ctx context.Context) error {
				_, err := p.Score(ctx, signal.Request{SessionID: probeSessionID})
				return err
			})
		}
		results[c.class] = err
		b.logger.Info("recovery probe",
			slog.String("service", string(c.class)),
			slog.String("state", c.breaker.State().String()),
			slog.Bool("success", err == nil),
		)
	}
	return results
}

func (b *Bulkhead) probeEngine(context.Context) error {
	_, err := b.engine.Evaluate(progression.Uniform(0.5), b.engine.Weights().DefaultPhase(), progression.InitialProgression)
	return err
}

func (b *Bulkhead) compartments() []*Compartment {
	out := make([]*Compartment, 0, len(b.signals)+1)
	for _, c := range b.signals {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].class < out[j].class })
	return append(out, b.integration)
}
