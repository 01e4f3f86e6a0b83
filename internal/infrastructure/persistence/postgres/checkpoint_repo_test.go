package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
)

func TestConfig_PoolConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "postgres://user:pass@db:5432/adaptive?sslmode=disable"
	cfg.MaxConns = 2
	cfg.MinConns = 5

	pc, err := cfg.poolConfig()
	require.NoError(t, err)
	assert.EqualValues(t, 2, pc.MaxConns)
	assert.EqualValues(t, 2, pc.MinConns, "min is capped at max")
	assert.Equal(t, "db", pc.ConnConfig.Host)
	assert.Equal(t, "adaptive", pc.ConnConfig.Database)

	_, err = Config{URL: "postgres://%zz"}.poolConfig()
	assert.Error(t, err)
}

func TestConnection_ClosedRejectsCalls(t *testing.T) {
	ctx := context.Background()
	c := &Connection{timeout: time.Second}
	c.closed.Store(true)

	assert.ErrorIs(t, c.Ping(ctx), ErrConnectionClosed)
	assert.ErrorIs(t, c.inTx(ctx, func(pgx.Tx) error { return nil }), ErrConnectionClosed)
	_, err := c.exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = c.query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnectionClosed)

	assert.NotPanics(t, c.Close)
	assert.ErrorIs(t, NewCheckpointRepository(c, 0).Ping(ctx), ErrConnectionClosed)
}

func TestMigrations_AreOrdered(t *testing.T) {
	migs := Migrations()
	require.NotEmpty(t, migs)
	for i, m := range migs {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.UpSQL)
		assert.NotEmpty(t, m.DownSQL)
	}
}

// Requires a live database: ADAPTIVE_TEST_DATABASE_URL=postgres://...
func TestCheckpointRepository_RoundTrip(t *testing.T) {
	url := os.Getenv("ADAPTIVE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ADAPTIVE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.URL = url
	conn, err := NewConnection(ctx, cfg)
	require.NoError(t, err)
	defer conn.Close()

	_, err = NewMigrator(conn).Migrate(ctx)
	require.NoError(t, err)

	repo := NewCheckpointRepository(conn, 0)
	id := "test-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	defer repo.Delete(ctx, id)

	require.NoError(t, repo.Save(ctx, []progression.SessionState{
		{SessionID: id, Progression: 0.8, Phase: progression.PhaseMastery, LastUpdated: now, Computations: 9},
	}))
	// A stale snapshot does not overwrite the newer row.
	require.NoError(t, repo.Save(ctx, []progression.SessionState{
		{SessionID: id, Progression: 0.1, LastUpdated: now.Add(-time.Minute)},
	}))

	states, err := repo.Load(ctx)
	require.NoError(t, err)

	var found *progression.SessionState
	for i := range states {
		if states[i].SessionID == id {
			found = &states[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 0.8, found.Progression)
	assert.Equal(t, progression.PhaseMastery, found.Phase)
	assert.EqualValues(t, 9, found.Computations)

	status, err := NewMigrator(conn).Status(ctx)
	require.NoError(t, err)
	assert.True(t, status[0].IsApplied)
}
