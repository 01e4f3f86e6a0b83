// Package circuitbreaker implements a three-stage health breaker for calls to
// external services. Unlike a classic closed/open breaker, degradation is
// graded: a service is Healthy, Degraded (still called, with a relaxed timeout)
// or in Emergency (bypassed entirely, fallback returned). Recovery is explicit
// and gradual: after a cooldown a single probe call is allowed and, if it
// succeeds, the service moves up exactly one stage.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the health stage of a protected service.
type State int

const (
	// StateHealthy - calls pass through with the normal timeout.
	StateHealthy State = iota
	// StateDegraded - calls pass through with the relaxed timeout.
	StateDegraded
	// StateEmergency - calls are bypassed and the fallback is used.
	StateEmergency
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Common errors.
var (
	// ErrEmergency is returned when the service is bypassed.
	ErrEmergency = errors.New("service in emergency state, call bypassed")
	// ErrTimeout is returned when a call exceeds its per-call timeout.
	ErrTimeout = errors.New("call timed out")
	// ErrPanic is returned when the protected call panicked.
	ErrPanic = errors.New("call panicked")
	// ErrCooldown is returned by Probe when the cooldown has not elapsed yet.
	ErrCooldown = errors.New("recovery cooldown has not elapsed")
	// ErrProbeInFlight is returned by Probe while another probe is running.
	ErrProbeInFlight = errors.New("recovery probe already in flight")
	// ErrCanceled is returned when the caller's context ended before the call
	// completed. It is not a service failure.
	ErrCanceled = errors.New("call canceled by caller")
)

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies the protected service (for logging/status).
	Name string

	// FailureThreshold is the number of consecutive failures that moves a
	// Healthy service to Degraded. Twice the threshold moves it to Emergency.
	// Default: 5
	FailureThreshold int

	// Cooldown is the quiet period after the last failure (or the last
	// recovery step) before a recovery probe is allowed.
	// Default: 2m
	Cooldown time.Duration

	// CallTimeout bounds every call made while Healthy.
	// Default: 2s
	CallTimeout time.Duration

	// DegradedTimeout bounds calls made while Degraded.
	// Default: 2 x CallTimeout
	DegradedTimeout time.Duration

	// MaxEvents bounds the recent events kept for status.
	// Default: 32
	MaxEvents int

	// OnStateChange is called (outside the lock) when the state changes.
	OnStateChange func(name string, from, to State)

	// IsFailure determines if an error should be counted as a failure.
	// If nil, all non-nil errors are counted as failures.
	IsFailure func(error) bool

	// Logger receives failure and transition logs. Default: slog.Default().
	Logger *slog.Logger

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         2 * time.Minute,
		CallTimeout:      2 * time.Second,
		MaxEvents:        32,
	}
}

// Option is a functional option for configuring the circuit breaker.
type Option func(*Config)

// WithFailureThreshold sets the failure threshold.
func WithFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.FailureThreshold = n
		}
	}
}

// WithCooldown sets the recovery cooldown.
func WithCooldown(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Cooldown = d
		}
	}
}

// WithCallTimeout sets the per-call timeout used while Healthy.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.CallTimeout = d
		}
	}
}

// WithDegradedTimeout sets the per-call timeout used while Degraded.
func WithDegradedTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.DegradedTimeout = d
		}
	}
}

// WithMaxEvents bounds the recent event list.
func WithMaxEvents(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxEvents = n
		}
	}
}

// WithOnStateChange sets the state change callback.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(c *Config) {
		c.OnStateChange = fn
	}
}

// WithIsFailure sets the failure detection function.
func WithIsFailure(fn func(error) bool) Option {
	return func(c *Config) {
		c.IsFailure = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(fn func() time.Time) Option {
	return func(c *Config) {
		if fn != nil {
			c.Clock = fn
		}
	}
}

// Event is a single entry of the breaker's recent history.
type Event struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Detail string    `json:"detail,omitempty"`
}

// Event kinds.
const (
	EventFailure    = "failure"
	EventTransition = "transition"
	EventProbe      = "probe"
)

// Counts holds the cumulative counters of the breaker.
type Counts struct {
	Requests            int64 `json:"requests"`
	TotalSuccesses      int64 `json:"total_successes"`
	TotalFailures       int64 `json:"total_failures"`
	Timeouts            int64 `json:"timeouts"`
	Bypassed            int64 `json:"bypassed"`
	Canceled            int64 `json:"canceled"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
}

// Status is a point-in-time view of the breaker.
type Status struct {
	Name              string        `json:"name"`
	State             State         `json:"state"`
	Counts            Counts        `json:"counts"`
	FailureThreshold  int           `json:"failure_threshold"`
	LastFailure       time.Time     `json:"last_failure,omitempty"`
	LastSuccess       time.Time     `json:"last_success,omitempty"`
	LastTransition    time.Time     `json:"last_transition,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	RecentEvents      []Event       `json:"recent_events"`
}

// CircuitBreaker implements the graded breaker.
type CircuitBreaker struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	state          State
	counts         Counts
	lastFailure    time.Time
	lastSuccess    time.Time
	lastTransition time.Time
	probing        bool
	events         []Event
}

// New creates a new CircuitBreaker with the given name and options.
func New(name string, opts ...Option) *CircuitBreaker {
	config := DefaultConfig(name)
	for _, opt := range opts {
		opt(&config)
	}
	if config.DegradedTimeout <= 0 {
		config.DegradedTimeout = 2 * config.CallTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &CircuitBreaker{
		config: config,
		logger: logger.With(slog.String("breaker", name)),
		now:    now,
		state:  StateHealthy,
		events: make([]Event, 0, config.MaxEvents),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

// Execute runs fn under the per-call timeout of the current state.
// In Emergency the call is bypassed with ErrEmergency unless a recovery probe
// is due, in which case this call becomes the probe.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	timeout, probe, err := cb.admit(false)
	if err != nil {
		return err
	}

	err = run(ctx, timeout, fn)
	cb.record(err, probe)
	return err
}

// Probe runs fn as an explicit recovery attempt. It returns ErrCooldown when
// the cooldown has not elapsed and nil without calling fn when Healthy.
func (cb *CircuitBreaker) Probe(ctx context.Context, fn func(context.Context) error) error {
	cb.mu.Lock()
	if cb.state == StateHealthy {
		cb.mu.Unlock()
		return nil
	}
	cb.mu.Unlock()

	timeout, probe, err := cb.admit(true)
	if err != nil {
		return err
	}

	err = run(ctx, timeout, fn)
	cb.record(err, probe)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit(explicit bool) (time.Duration, bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	due := cb.probeDueLocked()

	switch cb.state {
	case StateHealthy:
		cb.counts.Requests++
		return cb.config.CallTimeout, false, nil

	case StateDegraded:
		if explicit && !due {
			return 0, false, ErrCooldown
		}
		cb.counts.Requests++
		if due && !cb.probing {
			cb.probing = true
			return cb.config.DegradedTimeout, true, nil
		}
		if explicit {
			return 0, false, ErrProbeInFlight
		}
		return cb.config.DegradedTimeout, false, nil

	default:
		if due && !cb.probing {
			cb.counts.Requests++
			cb.probing = true
			return cb.config.DegradedTimeout, true, nil
		}
		if explicit {
			if !due {
				return 0, false, ErrCooldown
			}
			return 0, false, ErrProbeInFlight
		}
		cb.counts.Bypassed++
		return 0, false, ErrEmergency
	}
}

// run executes fn with a timeout, converting panics into errors.
func run(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil && isContextErr(err) {
			return fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		return err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// record applies the outcome of a call to the state machine. A call the
// caller abandoned is neither a success nor a failure.
func (cb *CircuitBreaker) record(err error, probe bool) {
	if errors.Is(err, ErrCanceled) {
		cb.mu.Lock()
		cb.counts.Canceled++
		if probe {
			cb.probing = false
		}
		cb.mu.Unlock()
		return
	}

	isFailure := err != nil
	if cb.config.IsFailure != nil && err != nil {
		isFailure = cb.config.IsFailure(err)
	}

	cb.mu.Lock()
	now := cb.now()
	from := cb.state
	if probe {
		cb.probing = false
	}

	if isFailure {
		cb.onFailureLocked(now, err, probe)
	} else {
		cb.onSuccessLocked(now, probe)
	}
	to := cb.state
	failures := cb.counts.ConsecutiveFailures
	cb.mu.Unlock()

	if isFailure {
		cb.logger.Warn("protected call failed",
			slog.String("state", to.String()),
			slog.Int("consecutive_failures", failures),
			slog.Bool("probe", probe),
			slog.String("error", err.Error()),
		)
	}
	if from != to {
		cb.logger.Info("breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.config.Name, from, to)
		}
	}
}

// onFailureLocked handles a failed call. Failure counts are not reset on
// degradation, so Emergency is reached at twice the threshold.
func (cb *CircuitBreaker) onFailureLocked(now time.Time, err error, probe bool) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	if errors.Is(err, ErrTimeout) {
		cb.counts.Timeouts++
	}
	cb.lastFailure = now

	detail := err.Error()
	if probe {
		cb.pushEventLocked(Event{At: now, Kind: EventProbe, From: cb.state, To: cb.state, Detail: "probe failed: " + detail})
	} else {
		cb.pushEventLocked(Event{At: now, Kind: EventFailure, From: cb.state, To: cb.state, Detail: detail})
	}

	threshold := cb.config.FailureThreshold
	switch {
	case cb.state != StateEmergency && cb.counts.ConsecutiveFailures >= 2*threshold:
		cb.setStateLocked(StateEmergency, now)
	case cb.state == StateHealthy && cb.counts.ConsecutiveFailures >= threshold:
		cb.setStateLocked(StateDegraded, now)
	}
}

// onSuccessLocked handles a successful call. Ordinary successes never heal.
func (cb *CircuitBreaker) onSuccessLocked(now time.Time, probe bool) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveFailures = 0
	cb.lastSuccess = now

	if !probe {
		return
	}
	cb.pushEventLocked(Event{At: now, Kind: EventProbe, From: cb.state, To: cb.state, Detail: "probe succeeded"})
	switch cb.state {
	case StateEmergency:
		cb.setStateLocked(StateDegraded, now)
	case StateDegraded:
		cb.setStateLocked(StateHealthy, now)
	}
}

func (cb *CircuitBreaker) setStateLocked(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.lastTransition = now
	cb.pushEventLocked(Event{At: now, Kind: EventTransition, From: from, To: to})
}

func (cb *CircuitBreaker) pushEventLocked(e Event) {
	if len(cb.events) >= cb.config.MaxEvents {
		copy(cb.events, cb.events[1:])
		cb.events = cb.events[:len(cb.events)-1]
	}
	cb.events = append(cb.events, e)
}

// probeDueLocked reports whether the cooldown has elapsed since the later of
// the last failure and the last transition.
func (cb *CircuitBreaker) probeDueLocked() bool {
	if cb.state == StateHealthy {
		return false
	}
	return cb.cooldownRemainingLocked() == 0
}

func (cb *CircuitBreaker) cooldownRemainingLocked() time.Duration {
	if cb.state == StateHealthy {
		return 0
	}
	ref := cb.lastFailure
	if cb.lastTransition.After(ref) {
		ref = cb.lastTransition
	}
	remaining := cb.config.Cooldown - cb.now().Sub(ref)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ══════════════════════════════════════════════════════════════════════════════
// INSPECTION
// ══════════════════════════════════════════════════════════════════════════════

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns the current counts.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Status returns a snapshot of the breaker including recent events.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	events := make([]Event, len(cb.events))
	copy(events, cb.events)

	return Status{
		Name:              cb.config.Name,
		State:             cb.state,
		Counts:            cb.counts,
		FailureThreshold:  cb.config.FailureThreshold,
		LastFailure:       cb.lastFailure,
		LastSuccess:       cb.lastSuccess,
		LastTransition:    cb.lastTransition,
		CooldownRemaining: cb.cooldownRemainingLocked(),
		RecentEvents:      events,
	}
}

// ProbeDue reports whether a recovery probe would be admitted now.
func (cb *CircuitBreaker) ProbeDue() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.probeDueLocked() && !cb.probing
}

// Reset returns the breaker to Healthy and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateHealthy
	cb.counts = Counts{}
	cb.probing = false
	cb.lastTransition = cb.now()
	cb.events = cb.events[:0]
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// IsHealthy returns true if the service is Healthy.
func (cb *CircuitBreaker) IsHealthy() bool {
	return cb.State() == StateHealthy
}
