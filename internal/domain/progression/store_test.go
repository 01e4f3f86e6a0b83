package progression

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionStore_LazyCreateAndReset(t *testing.T) {
	s := NewSessionStore(InitialProgression, nil)

	assert.Equal(t, InitialProgression, s.Progression("x"))
	assert.Equal(t, 0, s.Len(), "reading never creates")

	s.update("x", func(st *SessionState) { st.Progression = 0.9 })
	st, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, 0.9, st.Progression)

	assert.True(t, s.Reset("x"))
	assert.False(t, s.Reset("x"))
	assert.Equal(t, InitialProgression, s.Progression("x"))
	assert.Equal(t, 0, s.Len())
}

func TestSessionStore_EvictIdle(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := NewSessionStore(InitialProgression, clock.Now)

	s.update("old", func(st *SessionState) { st.LastUpdated = clock.Now() })
	clock.Advance(time.Hour)
	s.update("new", func(st *SessionState) { st.LastUpdated = clock.Now() })

	evicted := s.EvictIdle(30 * time.Minute)

	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].SessionID)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Active(time.Minute))
}

func TestSessionStore_RestoreKeepsNewerState(t *testing.T) {
	s := NewSessionStore(InitialProgression, nil)
	s.update("live", func(st *SessionState) { st.Progression = 0.7 })

	n := s.Restore([]SessionState{
		{SessionID: "live", Progression: 0.1},
		{SessionID: "cold", Progression: 1.4},
		{SessionID: ""},
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, 0.7, s.Progression("live"))
	assert.Equal(t, 1.0, s.Progression("cold"))
	assert.Len(t, s.Snapshot(), 2)
	assert.Equal(t, 2, s.ResetAll())
}

func TestHistory_RingEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(Record{SessionID: string(rune('a' + i))})
	}

	recent := h.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].SessionID)
	assert.Equal(t, "e", recent[2].SessionID)
	assert.Equal(t, int64(5), h.Total())

	last := h.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "e", last[0].SessionID)
}

func TestWeightTable(t *testing.T) {
	for phase, w := range DefaultProfiles() {
		assert.NoError(t, w.Validate(), "phase %s", phase)
	}

	_, err := NewWeightTable(map[Phase]WeightProfile{"x": {Profile: 0.5, Knowledge: 0.6}}, "x")
	assert.Error(t, err)

	_, err = NewWeightTable(DefaultProfiles(), "missing")
	assert.Error(t, err)

	tbl := DefaultWeightTable()
	resolved, w, known := tbl.Lookup(PhaseMastery)
	assert.True(t, known)
	assert.Equal(t, PhaseMastery, resolved)
	assert.Equal(t, 0.35, w.Knowledge)
	assert.Len(t, tbl.Phases(), 5)
}
