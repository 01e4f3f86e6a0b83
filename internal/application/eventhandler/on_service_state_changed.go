package eventhandler

import (
	"log/slog"
	"sync"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/pkg/circuitbreaker"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON SERVICE STATE CHANGED HANDLER
// Tracks the latest breaker state per service and escalates emergencies.
// ═══════════════════════════════════════════════════════════════════════════

// OnServiceStateChangedHandler remembers the latest state per service.
type OnServiceStateChangedHandler struct {
	logger *slog.Logger

	mu          sync.Mutex
	states      map[string]string
	transitions int64
}

// NewOnServiceStateChangedHandler creates the handler.
func NewOnServiceStateChangedHandler(l *slog.Logger) *OnServiceStateChangedHandler {
	if l == nil {
		l = slog.Default()
	}
	return &OnServiceStateChangedHandler{
		logger: l.With(slog.String("handler", "on_service_state_changed")),
		states: make(map[string]string),
	}
}

// Handle implements shared.EventHandler.
func (h *OnServiceStateChangedHandler) Handle(event shared.Event) error {
	ev, ok := event.(shared.ServiceStateChangedEvent)
	if !ok {
		h.logger.Debug("ignoring foreign event", slog.String("event_type", string(event.EventType())))
		return nil
	}

	h.mu.Lock()
	h.states[ev.Service] = ev.To
	h.transitions++
	h.mu.Unlock()

	// The bulkhead already logs every transition; only escalate emergencies.
	if ev.To == circuitbreaker.StateEmergency.String() {
		h.logger.Error("service in emergency, serving fallbacks",
			logger.Service(ev.Service),
			slog.String("from", ev.From),
		)
	}
	return nil
}

// EventType returns the handled event type.
func (h *OnServiceStateChangedHandler) EventType() shared.EventType {
	return shared.EventServiceStateChanged
}

// States returns the last reported state per service.
func (h *OnServiceStateChangedHandler) States() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.states))
	for k, v := range h.states {
		out[k] = v
	}
	return out
}

// Transitions returns the number of transitions seen.
func (h *OnServiceStateChangedHandler) Transitions() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitions
}
