package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
)

// Key layout.
const (
	// PrefixSession namespaces one checkpoint per session.
	PrefixSession = "adaptive:session:"

	// KeySessionIndex is the set of checkpointed session ids.
	KeySessionIndex = "adaptive:sessions"

	// TTLSessionCheckpoint is the default checkpoint lifetime.
	TTLSessionCheckpoint = 24 * time.Hour
)

// SessionKey returns the checkpoint key of a session.
func SessionKey(sessionID string) string {
	return PrefixSession + sessionID
}

// CheckpointStore keeps session states in Redis: one JSON value per session
// plus an index set so the whole table can be loaded without SCAN.
type CheckpointStore struct {
	client *Client
	ttl    time.Duration
}

// NewCheckpointStore creates a store. Non-positive ttl uses TTLSessionCheckpoint.
func NewCheckpointStore(client *Client, ttl time.Duration) *CheckpointStore {
	if ttl <= 0 {
		ttl = TTLSessionCheckpoint
	}
	return &CheckpointStore{client: client, ttl: ttl}
}

// Save writes all states in one pipeline.
func (s *CheckpointStore) Save(ctx context.Context, states []progression.SessionState) error {
	if len(states) == 0 {
		return nil
	}

	pipe := s.client.rdb.TxPipeline()
	ids := make([]any, 0, len(states))
	for _, st := range states {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("%w: session %s: %v", ErrCacheSerialization, st.SessionID, err)
		}
		pipe.Set(ctx, SessionKey(st.SessionID), data, s.ttl)
		ids = append(ids, st.SessionID)
	}
	pipe.SAdd(ctx, KeySessionIndex, ids...)
	pipe.Expire(ctx, KeySessionIndex, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoints: %w", err)
	}
	return nil
}

// Load returns every checkpoint still present. Index entries whose value
// has expired are pruned.
func (s *CheckpointStore) Load(ctx context.Context) ([]progression.SessionState, error) {
	ids, err := s.client.rdb.SMembers(ctx, KeySessionIndex).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = SessionKey(id)
	}
	values, err := s.client.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}

	states := make([]progression.SessionState, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var st progression.SessionState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		states = append(states, st)
	}

	if len(stale) > 0 {
		if err := s.client.rdb.SRem(ctx, KeySessionIndex, stale...).Err(); err != nil {
			return states, fmt.Errorf("prune checkpoint index: %w", err)
		}
	}
	return states, nil
}

// Delete removes checkpoints.
func (s *CheckpointStore) Delete(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}

	keys := make([]string, len(sessionIDs))
	members := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = SessionKey(id)
		members[i] = id
	}

	pipe := s.client.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, KeySessionIndex, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Ping implements a health check.
func (s *CheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
