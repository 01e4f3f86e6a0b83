package pipeline

import (
	"fmt"
	"time"
)

// AlertLevel is the latency/backpressure alert state.
type AlertLevel int

const (
	// AlertNone - latency and queues within budget.
	AlertNone AlertLevel = iota
	// AlertSoft - average latency above the soft threshold or a queue nearly full.
	AlertSoft
	// AlertHard - average latency above the hard threshold or a queue full.
	AlertHard
)

// String returns the level name.
func (l AlertLevel) String() string {
	switch l {
	case AlertNone:
		return "none"
	case AlertSoft:
		return "soft"
	case AlertHard:
		return "hard"
	default:
		return "unknown"
	}
}

// MarshalText renders the level by name.
func (l AlertLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Alert is delivered to OnAlert callbacks whenever the level changes.
type Alert struct {
	Level          AlertLevel    `json:"level"`
	Previous       AlertLevel    `json:"previous"`
	AverageLatency time.Duration `json:"average_latency"`
	Reason         string        `json:"reason"`
	At             time.Time     `json:"at"`
}

// Thresholds configures the monitor.
type Thresholds struct {
	SoftLatency   time.Duration
	HardLatency   time.Duration
	SoftQueueFill float64
}

// DefaultThresholds returns 20ms soft, 25ms hard, 80% queue fill.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SoftLatency:   20 * time.Millisecond,
		HardLatency:   25 * time.Millisecond,
		SoftQueueFill: 0.8,
	}
}

// evaluate computes the alert level for the given observations.
func (t Thresholds) evaluate(avg time.Duration, queues []QueueDepth) (AlertLevel, string) {
	level, reason := AlertNone, ""

	for _, q := range queues {
		ratio := q.FillRatio()
		switch {
		case q.Capacity > 0 && q.Depth >= q.Capacity:
			return AlertHard, fmt.Sprintf("%s queue full (%d)", q.Tier, q.Depth)
		case ratio > t.SoftQueueFill && level < AlertSoft:
			level, reason = AlertSoft, fmt.Sprintf("%s queue at %.0f%%", q.Tier, ratio*100)
		}
	}

	switch {
	case avg > t.HardLatency:
		return AlertHard, fmt.Sprintf("average latency %s above %s", avg, t.HardLatency)
	case avg > t.SoftLatency:
		return AlertSoft, fmt.Sprintf("average latency %s above %s", avg, t.SoftLatency)
	}
	return level, reason
}
