package scheduler

import (
	"fmt"
	"time"
)

// IntervalSchedule runs a job at a fixed interval measured from the start
// of its previous run.
type IntervalSchedule struct {
	Interval time.Duration

	// Immediate makes the first run due as soon as the job is registered.
	Immediate bool
}

// Every creates an IntervalSchedule.
func Every(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval}
}

// First returns the first run time for a job registered at t.
func (s *IntervalSchedule) First(t time.Time) time.Time {
	if s.Immediate {
		return t
	}
	return s.Next(t)
}

// Next returns the next scheduled time.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String returns the string representation of the schedule.
func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval)
}
