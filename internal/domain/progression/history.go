package progression

import (
	"sync"
	"time"
)

// DefaultHistorySize bounds the computation history of an engine.
const DefaultHistorySize = 1000

// Record is one entry of the computation history.
type Record struct {
	SessionID   string    `json:"session_id"`
	Phase       Phase     `json:"phase"`
	Previous    float64   `json:"previous"`
	Progression float64   `json:"progression"`
	Integration float64   `json:"integration"`
	Exploration float64   `json:"exploration"`
	Action      Action    `json:"action"`
	Degraded    bool      `json:"degraded"`
	At          time.Time `json:"at"`
}

// History is a fixed-size ring of records; the oldest entry is overwritten.
type History struct {
	mu    sync.Mutex
	buf   []Record
	next  int
	full  bool
	total int64
}

// NewHistory creates a ring holding at most size records.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]Record, size)}
}

// Add appends a record.
func (h *History) Add(r Record) {
	h.mu.Lock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	h.total++
	h.mu.Unlock()
}

// Len returns the number of records held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// Total returns the number of records ever added.
func (h *History) Total() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Recent returns up to n records, oldest first. n <= 0 returns everything held.
func (h *History) Recent(n int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	start := 0
	if h.full {
		size = len(h.buf)
		start = h.next
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Record, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}
