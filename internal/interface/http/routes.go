package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alem-hub/adaptive-core/internal/application/pipeline"
	"github.com/alem-hub/adaptive-core/internal/domain/progression"
	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/interface/http/handlers"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	handlers.WriteJSON(w, r, code, status)
}

// handleReady reports ready only while the pipeline accepts events and every
// readiness check passes. Degraded compartments do not make the service
// unready: decisions are still produced from fallbacks.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())
	running := s.deps.Pipeline.Running()

	code := http.StatusOK
	if !status.Ready || !running {
		code = http.StatusServiceUnavailable
	}
	handlers.WriteJSON(w, r, code, map[string]any{
		"ready":            status.Ready && running,
		"pipeline_running": running,
		"checks":           status.Checks,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT INGRESS
// ══════════════════════════════════════════════════════════════════════════════

type submitEventRequest struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Priority  *int             `json:"priority,omitempty"`
	Payload   pipeline.Payload `json:"payload"`
}

type submitEventResponse struct {
	EventID  string `json:"event_id"`
	Priority int    `json:"priority"`
	Tier     string `json:"tier"`
}

// handleSubmitEvent enqueues one learning event. 202 on acceptance, 429 when
// the tier is full, 400 on invalid input, 503 when the pipeline is stopped.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitEventRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		handlers.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	priority := pipeline.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	eventType := req.Type
	if eventType == "" {
		eventType = "learning_event"
	}
	ev := pipeline.NewLearningEvent(eventType, req.SessionID, priority, req.Payload)

	err := s.deps.Pipeline.TrySubmit(ev)
	switch {
	case err == nil:
		handlers.WriteJSON(w, r, http.StatusAccepted, submitEventResponse{
			EventID:  ev.ID,
			Priority: ev.Priority,
			Tier:     ev.Tier().String(),
		})
	case shared.IsCapacity(err):
		w.Header().Set("Retry-After", "1")
		handlers.WriteError(w, r, http.StatusTooManyRequests, "queue_full", err.Error())
	case shared.IsValidation(err):
		handlers.WriteError(w, r, http.StatusBadRequest, "invalid_event", err.Error())
	case errors.Is(err, shared.ErrPipelineStopped):
		handlers.WriteError(w, r, http.StatusServiceUnavailable, "pipeline_stopped", err.Error())
	default:
		s.logger.Error("submit failed", logger.SessionID(req.SessionID), logger.Err(err))
		handlers.WriteError(w, r, http.StatusInternalServerError, "internal_error", "event could not be submitted")
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, r, http.StatusOK, s.deps.Pipeline.Metrics())
}

func (s *Server) handleResilience(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resilience == nil {
		handlers.WriteError(w, r, http.StatusNotFound, "not_configured", "resilience status is not available")
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, s.deps.Resilience())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, r, http.StatusOK, s.deps.Pipeline.DeadLetters().Entries())
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			handlers.WriteError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	handlers.WriteJSON(w, r, http.StatusOK, s.deps.Engine.History(limit))
}

func (s *Server) handleDecisionStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.DecisionStats == nil {
		handlers.WriteError(w, r, http.StatusNotFound, "not_configured", "decision stats are not available")
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, s.deps.DecisionStats())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		handlers.WriteJSON(w, r, http.StatusOK, []any{})
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, s.deps.Jobs())
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ══════════════════════════════════════════════════════════════════════════════

type sessionResponse struct {
	progression.SessionState
	Band progression.Action `json:"band"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.deps.Engine.Peek(id)
	if !ok {
		handlers.WriteError(w, r, http.StatusNotFound, "session_not_found", shared.ErrSessionNotFound.Error())
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, sessionResponse{SessionState: st, Band: progression.Classify(st.Progression)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		removed bool
		err     error
	)
	if s.deps.Sessions != nil {
		removed, err = s.deps.Sessions.Forget(r.Context(), id)
	} else {
		removed = s.deps.Engine.Reset(id)
	}
	if err != nil {
		// The in-memory session is gone either way; the stored copy may linger.
		s.logger.Warn("session delete incomplete", logger.SessionID(id), logger.Err(err))
	}
	if !removed && err == nil {
		handlers.WriteError(w, r, http.StatusNotFound, "session_not_found", shared.ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
