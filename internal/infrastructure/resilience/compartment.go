// Package resilience isolates every external dependency of the decision loop
// in its own compartment (bulkhead): a bounded worker pool, a graded circuit
// breaker and a tagged fallback. A slow or failing signal source can exhaust
// only its own pool and trip only its own breaker.
package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/pkg/circuitbreaker"
)

// Class names a compartment.
type Class string

// ClassIntegration is the compartment wrapping the integration engine. The
// four signal compartments use the signal source names.
const ClassIntegration Class = "integration"

// Compartment is one isolated slice of capacity.
type Compartment struct {
	class          Class
	slots          chan struct{}
	acquireTimeout time.Duration
	breaker        *circuitbreaker.CircuitBreaker

	requests  atomic.Int64
	fallbacks atomic.Int64
	rejected  atomic.Int64
	inFlight  atomic.Int64
}

func newCompartment(class Class, poolSize int, acquireTimeout time.Duration, breaker *circuitbreaker.CircuitBreaker) *Compartment {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Compartment{
		class:          class,
		slots:          make(chan struct{}, poolSize),
		acquireTimeout: acquireTimeout,
		breaker:        breaker,
	}
}

// acquire takes a pool slot, waiting at most acquireTimeout.
func (c *Compartment) acquire(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		c.inFlight.Add(1)
		return nil
	default:
	}

	if c.acquireTimeout <= 0 {
		c.rejected.Add(1)
		return shared.ErrCompartmentSaturated
	}

	timer := time.NewTimer(c.acquireTimeout)
	defer timer.Stop()

	select {
	case c.slots <- struct{}{}:
		c.inFlight.Add(1)
		return nil
	case <-timer.C:
		c.rejected.Add(1)
		return shared.ErrCompartmentSaturated
	case <-ctx.Done():
		c.rejected.Add(1)
		return ctx.Err()
	}
}

func (c *Compartment) release() {
	c.inFlight.Add(-1)
	<-c.slots
}

// Class returns the compartment name.
func (c *Compartment) Class() Class {
	return c.class
}

// Breaker returns the compartment's breaker.
func (c *Compartment) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// run executes op inside the pool and the breaker. A saturated pool is
// reported as the error without touching the breaker; every other failure
// (including an Emergency bypass) substitutes fallback.
func run[T any](ctx context.Context, c *Compartment, op func(context.Context) (T, error), fallback func(error) T) (circuitbreaker.Result[T], error) {
	c.requests.Add(1)
	if err := c.acquire(ctx); err != nil {
		return circuitbreaker.Result[T]{}, err
	}
	defer c.release()

	res := circuitbreaker.Call(ctx, c.breaker, op, fallback)
	if res.Fallback {
		c.fallbacks.Add(1)
	}
	return res, nil
}

// CompartmentStatus is the health record of one compartment.
type CompartmentStatus struct {
	Class     Class                 `json:"class"`
	State     circuitbreaker.State  `json:"state"`
	Capacity  int                   `json:"capacity"`
	InFlight  int64                 `json:"in_flight"`
	Requests  int64                 `json:"requests"`
	Fallbacks int64                 `json:"fallbacks"`
	Rejected  int64                 `json:"rejected"`
	Breaker   circuitbreaker.Status `json:"breaker"`
}

// Status returns the compartment's health record.
func (c *Compartment) Status() CompartmentStatus {
	b := c.breaker.Status()
	return CompartmentStatus{
		Class:     c.class,
		State:     b.State,
		Capacity:  cap(c.slots),
		InFlight:  c.inFlight.Load(),
		Requests:  c.requests.Load(),
		Fallbacks: c.fallbacks.Load(),
		Rejected:  c.rejected.Load(),
		Breaker:   b,
	}
}
