package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types published on the decision bus.
const (
	// Progression events
	EventDecisionMade   EventType = "progression.decision_made"
	EventSessionEvicted EventType = "progression.session_evicted"

	// Resilience events
	EventServiceStateChanged EventType = "resilience.state_changed"

	// Pipeline events
	EventLatencyAlert EventType = "pipeline.latency_alert"
	EventEventDropped EventType = "pipeline.event_dropped"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progression Events
// ═══════════════════════════════════════════════════════════════════════════

// DecisionMadeEvent is emitted for every decision the pipeline delivers.
type DecisionMadeEvent struct {
	BaseEvent
	SessionID   string   `json:"session_id"`
	Action      string   `json:"action"`
	Confidence  float64  `json:"confidence"`
	Progression float64  `json:"progression"`
	Phase       string   `json:"phase"`
	Degraded    bool     `json:"degraded"`
	Fallbacks   []string `json:"fallbacks,omitempty"`
}

// Payload implements Event interface.
func (e DecisionMadeEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id":  e.SessionID,
		"action":      e.Action,
		"confidence":  e.Confidence,
		"progression": e.Progression,
		"phase":       e.Phase,
		"degraded":    e.Degraded,
		"fallbacks":   e.Fallbacks,
	}
}

// NewDecisionMadeEvent creates a new DecisionMadeEvent. The event id of the
// originating learning event is carried as the correlation id.
func NewDecisionMadeEvent(sessionID, eventID, action string, confidence, progression float64, phase string, degraded bool, fallbacks []string) DecisionMadeEvent {
	return DecisionMadeEvent{
		BaseEvent:   NewBaseEvent(EventDecisionMade, sessionID).WithCorrelationID(eventID),
		SessionID:   sessionID,
		Action:      action,
		Confidence:  confidence,
		Progression: progression,
		Phase:       phase,
		Degraded:    degraded,
		Fallbacks:   fallbacks,
	}
}

// SessionEvictedEvent is emitted when an idle session is dropped from memory.
type SessionEvictedEvent struct {
	BaseEvent
	SessionID   string    `json:"session_id"`
	Progression float64   `json:"progression"`
	LastUpdated time.Time `json:"last_updated"`
}

// Payload implements Event interface.
func (e SessionEvictedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id":   e.SessionID,
		"progression":  e.Progression,
		"last_updated": e.LastUpdated.Format(time.RFC3339),
	}
}

// NewSessionEvictedEvent creates a new SessionEvictedEvent.
func NewSessionEvictedEvent(sessionID string, progression float64, lastUpdated time.Time) SessionEvictedEvent {
	return SessionEvictedEvent{
		BaseEvent:   NewBaseEvent(EventSessionEvicted, sessionID),
		SessionID:   sessionID,
		Progression: progression,
		LastUpdated: lastUpdated,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Resilience Events
// ═══════════════════════════════════════════════════════════════════════════

// ServiceStateChangedEvent is emitted when a breaker changes health stage.
type ServiceStateChangedEvent struct {
	BaseEvent
	Service string `json:"service"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// Payload implements Event interface.
func (e ServiceStateChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"service": e.Service,
		"from":    e.From,
		"to":      e.To,
	}
}

// NewServiceStateChangedEvent creates a new ServiceStateChangedEvent.
func NewServiceStateChangedEvent(service, from, to string) ServiceStateChangedEvent {
	return ServiceStateChangedEvent{
		BaseEvent: NewBaseEvent(EventServiceStateChanged, service),
		Service:   service,
		From:      from,
		To:        to,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Pipeline Events
// ═══════════════════════════════════════════════════════════════════════════

// LatencyAlertEvent is emitted when the monitor changes alert level.
type LatencyAlertEvent struct {
	BaseEvent
	Level          string        `json:"level"`
	AverageLatency time.Duration `json:"average_latency"`
	Reason         string        `json:"reason"`
}

// Payload implements Event interface.
func (e LatencyAlertEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"level":              e.Level,
		"average_latency_ms": float64(e.AverageLatency) / float64(time.Millisecond),
		"reason":             e.Reason,
	}
}

// NewLatencyAlertEvent creates a new LatencyAlertEvent.
func NewLatencyAlertEvent(level string, avg time.Duration, reason string) LatencyAlertEvent {
	return LatencyAlertEvent{
		BaseEvent:      NewBaseEvent(EventLatencyAlert, "pipeline"),
		Level:          level,
		AverageLatency: avg,
		Reason:         reason,
	}
}

// EventDroppedEvent is emitted when a learning event is terminally dropped.
type EventDroppedEvent struct {
	BaseEvent
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id"`
	Retries   int    `json:"retries"`
	Reason    string `json:"reason"`
}

// Payload implements Event interface.
func (e EventDroppedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"event_id":   e.EventID,
		"session_id": e.SessionID,
		"retries":    e.Retries,
		"reason":     e.Reason,
	}
}

// NewEventDroppedEvent creates a new EventDroppedEvent.
func NewEventDroppedEvent(eventID, sessionID string, retries int, reason string) EventDroppedEvent {
	return EventDroppedEvent{
		BaseEvent: NewBaseEvent(EventEventDropped, sessionID).WithCorrelationID(eventID),
		EventID:   eventID,
		SessionID: sessionID,
		Retries:   retries,
		Reason:    reason,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus Interfaces
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
