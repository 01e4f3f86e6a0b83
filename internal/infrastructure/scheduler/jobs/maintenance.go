// Package jobs holds the scheduled maintenance jobs of the adaptive core.
package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/adaptive-core/internal/infrastructure/resilience"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

// Job names.
const (
	NameCheckpoint    = "checkpoint_sessions"
	NameEvictIdle     = "evict_idle_sessions"
	NameProbeServices = "probe_services"
)

// Checkpointer saves in-memory sessions. Implemented by checkpoint.Service.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (int, error)
}

// Evictor removes idle sessions. Implemented by checkpoint.Service.
type Evictor interface {
	EvictIdle(ctx context.Context) (int, error)
}

// Prober runs recovery probes. Implemented by resilience.Bulkhead.
type Prober interface {
	ProbeAll(ctx context.Context) map[resilience.Class]error
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECKPOINT
// ══════════════════════════════════════════════════════════════════════════════

// CheckpointJob periodically saves session state for warm restarts.
type CheckpointJob struct {
	checkpointer Checkpointer
	logger       *slog.Logger
}

// NewCheckpointJob creates a CheckpointJob.
func NewCheckpointJob(c Checkpointer, l *slog.Logger) *CheckpointJob {
	if l == nil {
		l = slog.Default()
	}
	return &CheckpointJob{checkpointer: c, logger: l.With(logger.Operation(NameCheckpoint))}
}

// Name implements scheduler.Job.
func (j *CheckpointJob) Name() string { return NameCheckpoint }

// Run implements scheduler.Job.
func (j *CheckpointJob) Run(ctx context.Context) error {
	n, err := j.checkpointer.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Debug("checkpoint written", slog.Int("sessions", n))
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// IDLE EVICTION
// ══════════════════════════════════════════════════════════════════════════════

// EvictIdleJob drops sessions that stopped receiving events.
type EvictIdleJob struct {
	evictor Evictor
}

// NewEvictIdleJob creates an EvictIdleJob.
func NewEvictIdleJob(e Evictor) *EvictIdleJob {
	return &EvictIdleJob{evictor: e}
}

// Name implements scheduler.Job.
func (j *EvictIdleJob) Name() string { return NameEvictIdle }

// Run implements scheduler.Job.
func (j *EvictIdleJob) Run(ctx context.Context) error {
	_, err := j.evictor.EvictIdle(ctx)
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// RECOVERY PROBES
// ══════════════════════════════════════════════════════════════════════════════

// ProbeResult is the outcome of one probe run.
type ProbeResult struct {
	At        time.Time         `json:"at"`
	Probed    []string          `json:"probed"`
	Recovered []string          `json:"recovered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// ProbeServicesJob drives breakers out of Degraded and Emergency once their
// cooldown has elapsed. A failed probe is an expected outcome, not a job
// failure.
type ProbeServicesJob struct {
	prober Prober
	logger *slog.Logger

	mu   sync.Mutex
	last ProbeResult
}

// NewProbeServicesJob creates a ProbeServicesJob.
func NewProbeServicesJob(p Prober, l *slog.Logger) *ProbeServicesJob {
	if l == nil {
		l = slog.Default()
	}
	return &ProbeServicesJob{prober: p, logger: l.With(logger.Operation(NameProbeServices))}
}

// Name implements scheduler.Job.
func (j *ProbeServicesJob) Name() string { return NameProbeServices }

// Run implements scheduler.Job.
func (j *ProbeServicesJob) Run(ctx context.Context) error {
	results := j.prober.ProbeAll(ctx)

	res := ProbeResult{At: time.Now(), Failed: make(map[string]string)}
	for class, err := range results {
		res.Probed = append(res.Probed, string(class))
		if err != nil {
			res.Failed[string(class)] = err.Error()
			continue
		}
		res.Recovered = append(res.Recovered, string(class))
	}
	sort.Strings(res.Probed)
	sort.Strings(res.Recovered)

	if len(res.Failed) > 0 {
		j.logger.Warn("services still failing probes", slog.Any("failed", res.Failed))
	}

	j.mu.Lock()
	j.last = res
	j.mu.Unlock()
	return ctx.Err()
}

// Last returns the most recent probe outcome.
func (j *ProbeServicesJob) Last() ProbeResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}
