package progression

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the per-session progression state.
type SessionState struct {
	SessionID    string    `json:"session_id"`
	Progression  float64   `json:"progression"`
	Phase        Phase     `json:"phase"`
	LastUpdated  time.Time `json:"last_updated"`
	Computations int64     `json:"computations"`
}

// sessionEntry guards one session. Computations for the same session are
// serialized by mu; different sessions never contend.
type sessionEntry struct {
	mu      sync.Mutex
	state   SessionState
	evicted bool
}

// SessionStore is the in-memory keyed session table.
type SessionStore struct {
	entries sync.Map // string -> *sessionEntry
	count   atomic.Int64
	initial float64
	now     func() time.Time
}

// NewSessionStore creates a store whose sessions start at initial.
func NewSessionStore(initial float64, now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{initial: initial, now: now}
}

// update runs fn with the session locked, creating it on first use.
func (s *SessionStore) update(id string, fn func(*SessionState)) {
	for {
		v, loaded := s.entries.Load(id)
		if !loaded {
			fresh := &sessionEntry{state: SessionState{SessionID: id, Progression: s.initial, LastUpdated: s.now()}}
			v, loaded = s.entries.LoadOrStore(id, fresh)
			if !loaded {
				s.count.Add(1)
			}
		}
		e := v.(*sessionEntry)
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		fn(&e.state)
		e.mu.Unlock()
		return
	}
}

// Get returns a copy of the session state.
func (s *SessionStore) Get(id string) (SessionState, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return SessionState{}, false
	}
	e := v.(*sessionEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return SessionState{}, false
	}
	return e.state, true
}

// Progression returns the current state of a session, or the initial value
// for an unknown session. It never creates the session.
func (s *SessionStore) Progression(id string) float64 {
	if st, ok := s.Get(id); ok {
		return st.Progression
	}
	return s.initial
}

// Reset drops a session; its next computation starts from the initial state.
func (s *SessionStore) Reset(id string) bool {
	v, ok := s.entries.Load(id)
	if !ok {
		return false
	}
	return s.remove(id, v.(*sessionEntry), func(SessionState) bool { return true })
}

// ResetAll drops every session.
func (s *SessionStore) ResetAll() int {
	n := 0
	s.entries.Range(func(k, v any) bool {
		if s.remove(k.(string), v.(*sessionEntry), func(SessionState) bool { return true }) {
			n++
		}
		return true
	})
	return n
}

func (s *SessionStore) remove(id string, e *sessionEntry, pred func(SessionState) bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || !pred(e.state) {
		return false
	}
	e.evicted = true
	s.entries.CompareAndDelete(id, e)
	s.count.Add(-1)
	return true
}

// EvictIdle removes sessions not updated within maxIdle and returns them.
func (s *SessionStore) EvictIdle(maxIdle time.Duration) []SessionState {
	cutoff := s.now().Add(-maxIdle)
	var evicted []SessionState
	s.entries.Range(func(k, v any) bool {
		e := v.(*sessionEntry)
		var st SessionState
		if s.remove(k.(string), e, func(cur SessionState) bool {
			st = cur
			return cur.LastUpdated.Before(cutoff)
		}) {
			evicted = append(evicted, st)
		}
		return true
	})
	return evicted
}

// Snapshot returns a copy of every session, ordered by id.
func (s *SessionStore) Snapshot() []SessionState {
	out := make([]SessionState, 0, s.Len())
	s.entries.Range(func(_, v any) bool {
		e := v.(*sessionEntry)
		e.mu.Lock()
		if !e.evicted {
			out = append(out, e.state)
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Restore seeds sessions from a checkpoint. Sessions already in memory are
// newer than any checkpoint and are left alone. Returns the number restored.
func (s *SessionStore) Restore(states []SessionState) int {
	n := 0
	for _, st := range states {
		if st.SessionID == "" {
			continue
		}
		st.Progression = clamp01(st.Progression)
		if _, loaded := s.entries.LoadOrStore(st.SessionID, &sessionEntry{state: st}); !loaded {
			s.count.Add(1)
			n++
		}
	}
	return n
}

// Len returns the number of sessions in memory.
func (s *SessionStore) Len() int {
	return int(s.count.Load())
}

// Active counts sessions updated within window.
func (s *SessionStore) Active(window time.Duration) int {
	cutoff := s.now().Add(-window)
	n := 0
	s.entries.Range(func(_, v any) bool {
		e := v.(*sessionEntry)
		e.mu.Lock()
		if !e.evicted && !e.state.LastUpdated.Before(cutoff) {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}
