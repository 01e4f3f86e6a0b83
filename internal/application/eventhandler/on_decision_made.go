package eventhandler

import (
	"log/slog"
	"sync"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON DECISION MADE HANDLER
// Aggregates delivered decisions per action and phase.
// ═══════════════════════════════════════════════════════════════════════════

// DecisionStats is a point-in-time view of the aggregates.
type DecisionStats struct {
	Total          int64            `json:"total"`
	Degraded       int64            `json:"degraded"`
	ByAction       map[string]int64 `json:"by_action"`
	ByPhase        map[string]int64 `json:"by_phase"`
	FallbackUses   map[string]int64 `json:"fallback_uses"`
	MeanConfidence float64          `json:"mean_confidence"`
}

// OnDecisionMadeHandler counts decisions.
type OnDecisionMadeHandler struct {
	logger *slog.Logger

	mu            sync.Mutex
	stats         DecisionStats
	confidenceSum float64
}

// NewOnDecisionMadeHandler creates the handler.
func NewOnDecisionMadeHandler(logger *slog.Logger) *OnDecisionMadeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnDecisionMadeHandler{
		logger: logger.With(slog.String("handler", "on_decision_made")),
		stats: DecisionStats{
			ByAction:     make(map[string]int64),
			ByPhase:      make(map[string]int64),
			FallbackUses: make(map[string]int64),
		},
	}
}

// Handle implements shared.EventHandler.
func (h *OnDecisionMadeHandler) Handle(event shared.Event) error {
	ev, ok := event.(shared.DecisionMadeEvent)
	if !ok {
		h.logger.Debug("ignoring foreign event", slog.String("event_type", string(event.EventType())))
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.Total++
	h.stats.ByAction[ev.Action]++
	h.stats.ByPhase[ev.Phase]++
	if ev.Degraded {
		h.stats.Degraded++
	}
	for _, src := range ev.Fallbacks {
		h.stats.FallbackUses[src]++
	}
	h.confidenceSum += ev.Confidence
	return nil
}

// EventType returns the handled event type.
func (h *OnDecisionMadeHandler) EventType() shared.EventType {
	return shared.EventDecisionMade
}

// Stats returns a copy of the aggregates.
func (h *OnDecisionMadeHandler) Stats() DecisionStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := DecisionStats{
		Total:        h.stats.Total,
		Degraded:     h.stats.Degraded,
		ByAction:     copyCounts(h.stats.ByAction),
		ByPhase:      copyCounts(h.stats.ByPhase),
		FallbackUses: copyCounts(h.stats.FallbackUses),
	}
	if out.Total > 0 {
		out.MeanConfidence = h.confidenceSum / float64(out.Total)
	}
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
