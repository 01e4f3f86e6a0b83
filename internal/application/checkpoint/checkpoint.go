// Package checkpoint snapshots in-memory session state to a durable store,
// warm-starts the engine from it, and evicts idle sessions. Checkpoints are
// best-effort: the decision path never waits on them.
package checkpoint

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/pkg/logger"
	"github.com/alem-hub/adaptive-core/pkg/retry"
)

// Store persists session states. Implemented by the redis and postgres
// persistence packages and by MemoryStore.
type Store interface {
	Save(ctx context.Context, states []progression.SessionState) error
	Load(ctx context.Context) ([]progression.SessionState, error)
	Delete(ctx context.Context, sessionIDs ...string) error
}

// Config configures the Service.
type Config struct {
	// IdleTimeout is how long a session may go without an update before
	// EvictIdle removes it from memory.
	IdleTimeout time.Duration

	// Publisher receives SessionEvictedEvent. Optional.
	Publisher shared.EventPublisher

	Logger *slog.Logger
}

// Stats summarizes checkpoint activity.
type Stats struct {
	Checkpoints     int64     `json:"checkpoints"`
	Failures        int64     `json:"failures"`
	SessionsSaved   int64     `json:"sessions_saved"`
	Restored        int64     `json:"restored"`
	Evicted         int64     `json:"evicted"`
	LastCheckpoint  time.Time `json:"last_checkpoint,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	StoreConfigured bool      `json:"store_configured"`
}

// Service ties the engine's session store to a checkpoint Store.
type Service struct {
	sessions    *progression.SessionStore
	store       Store
	idleTimeout time.Duration
	publisher   shared.EventPublisher
	logger      *slog.Logger

	checkpoints   atomic.Int64
	failures      atomic.Int64
	sessionsSaved atomic.Int64
	restored      atomic.Int64
	evicted       atomic.Int64

	mu        sync.Mutex
	lastAt    time.Time
	lastError string
}

// New creates a Service. store may be nil, in which case only idle
// eviction does anything.
func New(sessions *progression.SessionStore, store Store, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Minute
	}

	return &Service{
		sessions:    sessions,
		store:       store,
		idleTimeout: config.IdleTimeout,
		publisher:   config.Publisher,
		logger:      config.Logger.With(logger.Component("checkpoint")),
	}
}

// save writes states under the checkpoint retry policy.
func (s *Service) save(ctx context.Context, states []progression.SessionState) error {
	err := retry.Checkpoint.Run(ctx, func(ctx context.Context) error {
		return s.store.Save(ctx, states)
	}, func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("checkpoint write failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			logger.Err(err),
		)
	})
	s.record(err)
	return err
}

// Checkpoint saves every in-memory session and returns how many were saved.
func (s *Service) Checkpoint(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	states := s.sessions.Snapshot()
	if len(states) == 0 {
		return 0, nil
	}

	if err := s.save(ctx, states); err != nil {
		return 0, shared.WrapError("checkpoint", "Checkpoint", shared.ErrCheckpointUnavailable, "failed to save sessions", err)
	}

	s.checkpoints.Add(1)
	s.sessionsSaved.Add(int64(len(states)))
	s.logger.Debug("sessions checkpointed", slog.Int("sessions", len(states)))
	return len(states), nil
}

// Restore loads the stored sessions into memory. Sessions already live are
// never overwritten.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	states, err := s.store.Load(ctx)
	if err != nil {
		s.record(err)
		return 0, shared.WrapError("checkpoint", "Restore", shared.ErrCheckpointUnavailable, "failed to load sessions", err)
	}

	n := s.sessions.Restore(states)
	s.restored.Add(int64(n))
	s.logger.Info("sessions restored",
		slog.Int("restored", n),
		slog.Int("stored", len(states)),
	)
	return n, nil
}

// EvictIdle removes sessions idle longer than the configured timeout.
// Evicted states are written to the store first so a later restore sees
// their final progression.
func (s *Service) EvictIdle(ctx context.Context) (int, error) {
	evicted := s.sessions.EvictIdle(s.idleTimeout)
	if len(evicted) == 0 {
		return 0, nil
	}
	s.evicted.Add(int64(len(evicted)))

	for _, st := range evicted {
		if s.publisher == nil {
			break
		}
		if err := s.publisher.Publish(shared.NewSessionEvictedEvent(st.SessionID, st.Progression, st.LastUpdated)); err != nil {
			s.logger.Warn("failed to publish eviction", logger.SessionID(st.SessionID), logger.Err(err))
		}
	}

	s.logger.Info("idle sessions evicted",
		slog.Int("evicted", len(evicted)),
		slog.Duration("idle_timeout", s.idleTimeout),
	)

	if s.store == nil {
		return len(evicted), nil
	}
	if err := s.save(ctx, evicted); err != nil {
		return len(evicted), shared.WrapError("checkpoint", "EvictIdle", shared.ErrCheckpointUnavailable, "failed to save evicted sessions", err)
	}
	return len(evicted), nil
}

// Forget deletes a session from memory and from the store.
func (s *Service) Forget(ctx context.Context, sessionID string) (bool, error) {
	removed := s.sessions.Reset(sessionID)
	if s.store == nil {
		return removed, nil
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return removed, shared.WrapError("checkpoint", "Forget", shared.ErrCheckpointUnavailable, "failed to delete session", err)
	}
	return removed, nil
}

func (s *Service) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures.Add(1)
		s.lastError = err.Error()
		return
	}
	s.lastAt = time.Now()
	s.lastError = ""
}

// Stats returns a snapshot of counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Checkpoints:     s.checkpoints.Load(),
		Failures:        s.failures.Load(),
		SessionsSaved:   s.sessionsSaved.Load(),
		Restored:        s.restored.Load(),
		Evicted:         s.evicted.Load(),
		LastCheckpoint:  s.lastAt,
		LastError:       s.lastError,
		StoreConfigured: s.store != nil,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY STORE
// ══════════════════════════════════════════════════════════════════════════════

// MemoryStore is a Store backed by a map. It keeps the newest state per
// session, like the database backends.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]progression.SessionState
	saves  int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]progression.SessionState)}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, states []progression.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	for _, st := range states {
		if cur, ok := m.states[st.SessionID]; ok && cur.LastUpdated.After(st.LastUpdated) {
			continue
		}
		m.states[st.SessionID] = st
	}
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(context.Context) ([]progression.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]progression.SessionState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, sessionIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range sessionIDs {
		delete(m.states, id)
	}
	return nil
}

// Saves returns how many Save calls succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
