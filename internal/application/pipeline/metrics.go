package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/adaptive-core/internal/infrastructure/resilience"
)

// DefaultLatencyWindow is the number of latency samples kept.
const DefaultLatencyWindow = 100

// Metrics tracks pipeline counters and the rolling latency window.
type Metrics struct {
	mu sync.Mutex

	submitted       int64
	rejected        int64
	invalid         int64
	processed       int64
	retried         int64
	dropped         int64
	missedDeadlines int64
	degraded        int64
	abandoned       int64

	window []time.Duration
	next   int
	full   bool

	// throughput bookkeeping for the periodic task
	lastTick      time.Time
	lastProcessed int64
	throughput    float64

	startedAt time.Time
}

// NewMetrics creates a metrics tracker with the given window size.
func NewMetrics(window int) *Metrics {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	now := time.Now()
	return &Metrics{window: make([]time.Duration, window), lastTick: now, startedAt: now}
}

func (m *Metrics) incr(counter *int64) {
	m.mu.Lock()
	*counter++
	m.mu.Unlock()
}

// RecordLatency adds one enqueue-to-completion sample.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	m.window[m.next] = d
	m.next = (m.next + 1) % len(m.window)
	if m.next == 0 {
		m.full = true
	}
	m.processed++
	m.mu.Unlock()
}

func (m *Metrics) samplesLocked() []time.Duration {
	n := m.next
	if m.full {
		n = len(m.window)
	}
	out := make([]time.Duration, n)
	copy(out, m.window[:n])
	return out
}

// AverageLatency returns the mean of the window, or 0 when empty.
func (m *Metrics) AverageLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return average(m.samplesLocked())
}

// tick recomputes throughput as events processed per second since the last tick.
func (m *Metrics) tick(now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.lastTick).Seconds()
	if elapsed > 0 {
		m.throughput = float64(m.processed-m.lastProcessed) / elapsed
	}
	m.lastTick = now
	m.lastProcessed = m.processed
	return m.throughput
}

// Snapshot is a point-in-time view of the pipeline.
type Snapshot struct {
	Running         bool               `json:"running"`
	Uptime          time.Duration      `json:"uptime"`
	Submitted       int64              `json:"submitted"`
	Rejected        int64              `json:"rejected"`
	Invalid         int64              `json:"invalid"`
	Processed       int64              `json:"processed"`
	Retried         int64              `json:"retried"`
	Dropped         int64              `json:"dropped"`
	MissedDeadlines int64              `json:"missed_deadlines"`
	Degraded        int64              `json:"degraded_decisions"`
	Abandoned       int64              `json:"abandoned"`
	Throughput      float64            `json:"throughput_per_sec"`
	LatencySamples  int                `json:"latency_samples"`
	AverageLatency  time.Duration      `json:"avg_latency"`
	P50Latency      time.Duration      `json:"p50_latency"`
	P95Latency      time.Duration      `json:"p95_latency"`
	P99Latency      time.Duration      `json:"p99_latency"`
	MaxLatency      time.Duration      `json:"max_latency"`
	Queues          []QueueDepth       `json:"queues"`
	DeadLetters     int                `json:"dead_letters"`
	ActiveSessions  int                `json:"active_sessions"`
	Alert           AlertLevel         `json:"alert"`
	Resilience      *resilience.Status `json:"resilience,omitempty"`
}

func (m *Metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := m.samplesLocked()
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	s := Snapshot{
		Uptime:          time.Since(m.startedAt),
		Submitted:       m.submitted,
		Rejected:        m.rejected,
		Invalid:         m.invalid,
		Processed:       m.processed,
		Retried:         m.retried,
		Dropped:         m.dropped,
		MissedDeadlines: m.missedDeadlines,
		Degraded:        m.degraded,
		Abandoned:       m.abandoned,
		Throughput:      m.throughput,
		LatencySamples:  len(samples),
		AverageLatency:  average(samples),
		P50Latency:      percentile(samples, 0.50),
		P95Latency:      percentile(samples, 0.95),
		P99Latency:      percentile(samples, 0.99),
	}
	if len(samples) > 0 {
		s.MaxLatency = samples[len(samples)-1]
	}
	return s
}

func average(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}

// percentile uses nearest-rank on sorted samples.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
