package signalsource

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alem-hub/adaptive-core/internal/domain/signal"
)

// Static always returns the same score.
type Static float64

// Score implements signal.Provider.
func (s Static) Score(ctx context.Context, _ signal.Request) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return float64(s), nil
}

// StaticSet builds a provider per source from values. Sources missing from
// values get def.
func StaticSet(values map[signal.Source]float64, def float64) map[signal.Source]signal.Provider {
	out := make(map[signal.Source]signal.Provider, len(signal.Sources))
	for _, src := range signal.Sources {
		v, ok := values[src]
		if !ok {
			v = def
		}
		out[src] = Static(v)
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// FAULT INJECTION
// ══════════════════════════════════════════════════════════════════════════════

// ErrInjected is returned by a Faulty source on an injected failure.
var ErrInjected = errors.New("injected fault")

// Faults describes how a Faulty source misbehaves.
type Faults struct {
	// ErrorRate is the probability in [0,1] of failing a call.
	ErrorRate float64

	// Latency is added to every call.
	Latency time.Duration

	// Jitter adds up to this much random latency.
	Jitter time.Duration
}

// Faulty wraps a provider and injects errors and latency. Used by the
// simulate command to exercise breakers and fallbacks.
type Faulty struct {
	inner signal.Provider

	mu     sync.Mutex
	faults Faults
	rng    *rand.Rand
}

// NewFaulty wraps inner. seed makes the failure sequence reproducible.
func NewFaulty(inner signal.Provider, faults Faults, seed uint64) *Faulty {
	return &Faulty{inner: inner, faults: faults, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// SetFaults replaces the fault profile at runtime.
func (f *Faulty) SetFaults(faults Faults) {
	f.mu.Lock()
	f.faults = faults
	f.mu.Unlock()
}

// Score implements signal.Provider.
func (f *Faulty) Score(ctx context.Context, req signal.Request) (float64, error) {
	f.mu.Lock()
	faults := f.faults
	fail := faults.ErrorRate > 0 && f.rng.Float64() < faults.ErrorRate
	delay := faults.Latency
	if faults.Jitter > 0 {
		delay += time.Duration(f.rng.Int64N(int64(faults.Jitter)))
	}
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return 0, ErrInjected
	}
	return f.inner.Score(ctx, req)
}
