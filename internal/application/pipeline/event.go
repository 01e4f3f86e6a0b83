package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Priority bounds. Lower numbers are more urgent.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Tier is one of the three priority queues.
type Tier int

const (
	// TierHigh holds priorities 1-3.
	TierHigh Tier = iota
	// TierNormal holds priorities 4-7.
	TierNormal
	// TierLow holds priorities 8-10.
	TierLow
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// TierFor maps a priority onto its tier. Out-of-range priorities are clamped.
func TierFor(priority int) Tier {
	switch p := ClampPriority(priority); {
	case p <= 3:
		return TierHigh
	case p <= 7:
		return TierNormal
	default:
		return TierLow
	}
}

// ClampPriority clamps p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	switch {
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	default:
		return p
	}
}

// Payload carries the event data the processor needs.
type Payload struct {
	// Phase selects the weight profile. Empty means the default phase.
	Phase string `json:"phase,omitempty"`

	// Signals holds values already known to the caller, keyed by source
	// name. Those sources are not queried.
	Signals map[string]float64 `json:"signals,omitempty"`

	// Context is passed through to signal providers.
	Context map[string]any `json:"context,omitempty"`
}

// LearningEvent is one unit of work for the pipeline.
type LearningEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Payload    Payload   `json:"payload"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Deadline   time.Time `json:"deadline"`
	RetryCount int       `json:"retry_count"`
}

// NewLearningEvent creates an event with a fresh id.
func NewLearningEvent(eventType, sessionID string, priority int, payload Payload) *LearningEvent {
	return &LearningEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
		Priority:  ClampPriority(priority),
	}
}

// Tier returns the event's queue tier.
func (e *LearningEvent) Tier() Tier {
	return TierFor(e.Priority)
}

// Overdue reports whether the deadline has passed at now.
func (e *LearningEvent) Overdue(now time.Time) bool {
	return !e.Deadline.IsZero() && now.After(e.Deadline)
}
