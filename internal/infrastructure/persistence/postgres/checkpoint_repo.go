package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
)

// CheckpointRepository stores session checkpoints in session_checkpoints.
type CheckpointRepository struct {
	conn   *Connection
	maxAge time.Duration
}

// NewCheckpointRepository creates a repository. Checkpoints older than maxAge
// are ignored on Load; zero keeps everything.
func NewCheckpointRepository(conn *Connection, maxAge time.Duration) *CheckpointRepository {
	return &CheckpointRepository{conn: conn, maxAge: maxAge}
}

const upsertCheckpoint = `
INSERT INTO session_checkpoints (session_id, progression, phase, last_updated, computations, checkpointed_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (session_id) DO UPDATE SET
    progression = EXCLUDED.progression,
    phase = EXCLUDED.phase,
    last_updated = EXCLUDED.last_updated,
    computations = EXCLUDED.computations,
    checkpointed_at = NOW()
WHERE session_checkpoints.last_updated <= EXCLUDED.last_updated`

// Save upserts all states in one batched transaction. An older snapshot
// never overwrites a newer row.
func (r *CheckpointRepository) Save(ctx context.Context, states []progression.SessionState) error {
	if len(states) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.conn.timeout)
	defer cancel()

	return r.conn.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, st := range states {
			batch.Queue(upsertCheckpoint, st.SessionID, st.Progression, string(st.Phase), st.LastUpdated, st.Computations)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save checkpoints: %w", err)
		}
		return nil
	})
}

// Load returns every checkpoint within maxAge.
func (r *CheckpointRepository) Load(ctx context.Context) ([]progression.SessionState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.conn.timeout)
	defer cancel()

	query := `SELECT session_id, progression, phase, last_updated, computations FROM session_checkpoints`
	var args []any
	if r.maxAge > 0 {
		query += ` WHERE last_updated >= $1`
		args = append(args, time.Now().Add(-r.maxAge))
	}

	rows, err := r.conn.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	defer rows.Close()

	var states []progression.SessionState
	for rows.Next() {
		var st progression.SessionState
		var phase string
		if err := rows.Scan(&st.SessionID, &st.Progression, &phase, &st.LastUpdated, &st.Computations); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		st.Phase = progression.Phase(phase)
		states = append(states, st)
	}
	return states, rows.Err()
}

// Delete removes checkpoints.
func (r *CheckpointRepository) Delete(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.conn.timeout)
	defer cancel()

	if _, err := r.conn.exec(ctx, `DELETE FROM session_checkpoints WHERE session_id = ANY($1)`, sessionIDs); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Ping implements a health check.
func (r *CheckpointRepository) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}
