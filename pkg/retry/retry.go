// Package retry decides what happens to a failed operation: run it again
// after a backoff, or give up. Errors are marked with Retryable or Permanent
// by the code that understands them; a Policy turns the mark and the attempt
// count into a Verdict. The event pipeline uses Decide to requeue or drop
// events, and the checkpoint writer, the signal sources and the decision
// publisher use Run for short in-process loops.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MARKS
// ══════════════════════════════════════════════════════════════════════════════

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retryable marks err as worth another attempt. Nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Permanent marks err as final. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether err carries the Retryable mark.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// IsPermanent reports whether err carries the Permanent mark.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// unmark strips the outermost mark so callers see the original error.
func unmark(err error) error {
	switch e := err.(type) {
	case *retryableError:
		return e.err
	case *permanentError:
		return e.err
	}
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// ══════════════════════════════════════════════════════════════════════════════

// Policy describes how many attempts an operation gets and how long to wait
// between them. The zero value allows one attempt.
type Policy struct {
	// Attempts is the total number of attempts, the first included.
	Attempts int

	// Base is the delay before the second attempt; each later delay is
	// multiplied by Factor and capped at Max.
	Base   time.Duration
	Max    time.Duration
	Factor float64

	// Jitter spreads each delay by ±Jitter of its value.
	Jitter float64

	// RetryUnmarked retries errors carrying neither mark. When false only
	// Retryable errors are retried.
	RetryUnmarked bool
}

// Verdict is the outcome of Decide.
type Verdict int

const (
	// Retry means the operation should run again after Backoff.
	Retry Verdict = iota
	// Reject means the error is permanent or not retryable under the policy.
	Reject
	// Exhausted means the error was retryable but no attempts remain.
	Exhausted
)

func (v Verdict) String() string {
	switch v {
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	default:
		return "exhausted"
	}
}

// Decide classifies a failure of attempt (1-based).
func (p Policy) Decide(err error, attempt int) Verdict {
	switch {
	case err == nil, IsPermanent(err):
		return Reject
	case !IsRetryable(err) && !p.RetryUnmarked:
		return Reject
	case attempt >= p.Attempts:
		return Exhausted
	default:
		return Retry
	}
}

// Backoff returns the delay after attempt (1-based) failed.
func (p Policy) Backoff(attempt int) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Base) * math.Pow(factor, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(max(d, 0))
}

// Run calls op until it succeeds or Decide says stop. onRetry, when set,
// sees every failure that will be retried. The returned error has its
// mark removed. A canceled ctx stops the loop with the last failure.
func (p Policy) Run(ctx context.Context, op func(context.Context) error, onRetry func(attempt int, err error, delay time.Duration)) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Decide(err, attempt) != Retry {
			return unmark(err)
		}

		delay := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return unmark(err)
		case <-timer.C:
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICIES IN USE
// ══════════════════════════════════════════════════════════════════════════════

// Requeue is the pipeline policy: retryable or unmarked processing failures
// are requeued until the event has used maxRetries retries. The pipeline
// delays through its queues, so Backoff is unused.
func Requeue(maxRetries int) Policy {
	return Policy{Attempts: maxRetries + 1, RetryUnmarked: true}
}

// Checkpoint is for session checkpoint writes. Checkpoints are best-effort,
// so attempts are few and delays short.
var Checkpoint = Policy{
	Attempts:      3,
	Base:          50 * time.Millisecond,
	Max:           time.Second,
	Factor:        2,
	Jitter:        0.05,
	RetryUnmarked: true,
}

// SignalSource is for remote scoring calls. The whole budget must fit in one
// breaker call timeout, and only explicitly retryable failures are retried.
var SignalSource = Policy{
	Attempts: 2,
	Base:     5 * time.Millisecond,
	Max:      20 * time.Millisecond,
	Factor:   2,
	Jitter:   0.2,
}

// Publisher is for outbound decision publishing.
var Publisher = Policy{
	Attempts:      3,
	Base:          100 * time.Millisecond,
	Max:           2 * time.Second,
	Factor:        1.5,
	Jitter:        0.1,
	RetryUnmarked: true,
}
