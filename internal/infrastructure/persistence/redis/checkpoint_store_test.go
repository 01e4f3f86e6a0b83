package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
)

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "adaptive:session:learner-1", SessionKey("learner-1"))
}

func TestConfig_Options(t *testing.T) {
	opts, err := Config{URL: "redis://:secret@cache:6380/2", PoolSize: 7}.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)

	opts, err = DefaultConfig().options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)

	_, err = Config{URL: "http://nope"}.options()
	assert.Error(t, err)
}

// Requires a live server: ADAPTIVE_TEST_REDIS_ADDR=localhost:6379
func TestCheckpointStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("ADAPTIVE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ADAPTIVE_TEST_REDIS_ADDR not set")
	}

	cfg := DefaultConfig()
	cfg.URL = "redis://" + addr
	ctx := context.Background()
	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	store := NewCheckpointStore(client, time.Minute)
	a, b := "test-"+uuid.NewString(), "test-"+uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Save(ctx, []progression.SessionState{
		{SessionID: a, Progression: 0.7, Phase: progression.PhasePractice, LastUpdated: now, Computations: 3},
		{SessionID: b, Progression: 0.2, Phase: progression.PhaseMastery, LastUpdated: now},
	}))
	defer store.Delete(ctx, a, b)

	states, err := store.Load(ctx)
	require.NoError(t, err)

	byID := make(map[string]progression.SessionState)
	for _, st := range states {
		byID[st.SessionID] = st
	}
	require.Contains(t, byID, a)
	assert.Equal(t, 0.7, byID[a].Progression)
	assert.EqualValues(t, 3, byID[a].Computations)
	assert.True(t, now.Equal(byID[a].LastUpdated))

	require.NoError(t, store.Delete(ctx, a))
	states, err = store.Load(ctx)
	require.NoError(t, err)
	for _, st := range states {
		assert.NotEqual(t, a, st.SessionID)
	}
}
