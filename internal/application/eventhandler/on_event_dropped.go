package eventhandler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON EVENT DROPPED HANDLER
// Counts dropped learning events and emits a rate-limited warning per reason.
// ═══════════════════════════════════════════════════════════════════════════

// DroppedConfig configures the handler.
type DroppedConfig struct {
	// ReportCooldown is the minimum interval between warnings for the same
	// reason. Drops in between are folded into the next warning.
	ReportCooldown time.Duration

	// Now overrides the clock. Optional.
	Now func() time.Time
}

// DefaultDroppedConfig returns the default configuration.
func DefaultDroppedConfig() DroppedConfig {
	return DroppedConfig{ReportCooldown: 10 * time.Second}
}

type dropCounter struct {
	total      int64
	pending    int64
	lastReport time.Time
}

// OnEventDroppedHandler tracks dead-lettered events.
type OnEventDroppedHandler struct {
	logger *slog.Logger
	config DroppedConfig

	mu       sync.Mutex
	byReason map[string]*dropCounter
}

// NewOnEventDroppedHandler creates the handler.
func NewOnEventDroppedHandler(l *slog.Logger, config DroppedConfig) *OnEventDroppedHandler {
	if l == nil {
		l = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &OnEventDroppedHandler{
		logger:   l.With(slog.String("handler", "on_event_dropped")),
		config:   config,
		byReason: make(map[string]*dropCounter),
	}
}

// Handle implements shared.EventHandler.
func (h *OnEventDroppedHandler) Handle(event shared.Event) error {
	ev, ok := event.(shared.EventDroppedEvent)
	if !ok {
		h.logger.Debug("ignoring foreign event", slog.String("event_type", string(event.EventType())))
		return nil
	}

	h.logger.Debug("event dropped",
		logger.EventID(ev.EventID),
		logger.SessionID(ev.SessionID),
		slog.Int("retries", ev.Retries),
		slog.String("reason", ev.Reason),
	)

	now := h.config.Now()
	h.mu.Lock()
	c, ok := h.byReason[ev.Reason]
	if !ok {
		c = &dropCounter{}
		h.byReason[ev.Reason] = c
	}
	c.total++
	c.pending++
	var report int64
	if c.lastReport.IsZero() || now.Sub(c.lastReport) >= h.config.ReportCooldown {
		report = c.pending
		c.pending = 0
		c.lastReport = now
	}
	h.mu.Unlock()

	if report > 0 {
		h.logger.Warn("learning events dropped",
			slog.String("reason", ev.Reason),
			slog.Int64("count", report),
			logger.SessionID(ev.SessionID),
		)
	}
	return nil
}

// EventType returns the handled event type.
func (h *OnEventDroppedHandler) EventType() shared.EventType {
	return shared.EventEventDropped
}

// Counts returns the total drops per reason.
func (h *OnEventDroppedHandler) Counts() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.byReason))
	for reason, c := range h.byReason {
		out[reason] = c.total
	}
	return out
}
