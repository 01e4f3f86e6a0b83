// Package pipeline is the priority-aware event pipeline in front of the
// integration engine. Events are admitted into one of three bounded queues
// without ever blocking the submitter, drained in strict priority order by a
// fixed worker pool, retried on transient failure and dropped (into a
// dead-letter queue) when retries are exhausted. Two periodic tasks maintain
// the rolling metrics and raise latency alerts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/resilience"
	"github.com/alem-hub/adaptive-core/pkg/retry"
)

const instrumentationName = "github.com/alem-hub/adaptive-core/internal/application/pipeline"

// ErrAlreadyRunning is returned by Start on a running pipeline.
var ErrAlreadyRunning = errors.New("pipeline already running")

// ActiveCounter reports the number of sessions active within a window.
type ActiveCounter interface {
	Active(window time.Duration) int
}

// Config contains configuration for the Pipeline.
type Config struct {
	// Workers is the number of concurrent workers. Default: 10
	Workers int

	// Queue capacities per tier. Defaults: 100 / 500 / 1000
	HighCapacity   int
	NormalCapacity int
	LowCapacity    int

	// DeadlineBudget is added to the enqueue time to form the deadline.
	// Default: 25ms
	DeadlineBudget time.Duration

	// MaxRetries bounds requeues of a failed event. Default: 3
	MaxRetries int

	// PollInterval is how often idle workers re-check the queues. Default: 5ms
	PollInterval time.Duration

	// MetricsInterval is the period of the metrics task. Default: 5s
	MetricsInterval time.Duration

	// MonitorInterval is the period of the monitor task. Default: 1s
	MonitorInterval time.Duration

	// LatencyWindow is the number of latency samples kept. Default: 100
	LatencyWindow int

	// DeadLetterSize bounds the dead-letter queue. Default: 1000
	DeadLetterSize int

	// ActiveWindow defines an active session. Default: 5m
	ActiveWindow time.Duration

	// Thresholds configures the monitor.
	Thresholds Thresholds

	// Sessions reports active sessions. Optional.
	Sessions ActiveCounter

	// Health reports compartment health for snapshots. Optional.
	Health func() resilience.Status

	// Publisher receives alert and drop events. Optional.
	Publisher shared.EventPublisher

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         10,
		HighCapacity:    DefaultHighCapacity,
		NormalCapacity:  DefaultNormalCapacity,
		LowCapacity:     DefaultLowCapacity,
		DeadlineBudget:  25 * time.Millisecond,
		MaxRetries:      3,
		PollInterval:    5 * time.Millisecond,
		MetricsInterval: 5 * time.Second,
		MonitorInterval: time.Second,
		LatencyWindow:   DefaultLatencyWindow,
		DeadLetterSize:  1000,
		ActiveWindow:    5 * time.Minute,
		Thresholds:      DefaultThresholds(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.HighCapacity <= 0 {
		c.HighCapacity = d.HighCapacity
	}
	if c.NormalCapacity <= 0 {
		c.NormalCapacity = d.NormalCapacity
	}
	if c.LowCapacity <= 0 {
		c.LowCapacity = d.LowCapacity
	}
	if c.DeadlineBudget <= 0 {
		c.DeadlineBudget = d.DeadlineBudget
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = d.MetricsInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = d.LatencyWindow
	}
	if c.DeadLetterSize <= 0 {
		c.DeadLetterSize = d.DeadLetterSize
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = d.ActiveWindow
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = d.Thresholds
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Outcome is delivered to OnDecision callbacks for every processed event.
type Outcome struct {
	Event          LearningEvent
	Decision       progression.Decision
	Latency        time.Duration
	MissedDeadline bool
}

// Pipeline is the event pipeline.
type Pipeline struct {
	config      Config
	processor   Processor
	queues      *priorityQueues
	deadLetters *DeadLetterQueue
	metrics     *Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	requeue     retry.Policy

	running atomic.Bool
	alert   atomic.Int32

	mu        sync.RWMutex
	decisions []func(Outcome)
	alerts    []func(Alert)

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a pipeline. Call Start to launch workers and periodic tasks.
func New(config Config, processor Processor) *Pipeline {
	config.applyDefaults()
	return &Pipeline{
		config:      config,
		processor:   processor,
		queues:      newPriorityQueues(config.HighCapacity, config.NormalCapacity, config.LowCapacity, config.Workers),
		deadLetters: NewDeadLetterQueue(config.DeadLetterSize),
		metrics:     NewMetrics(config.LatencyWindow),
		logger:      config.Logger.With(slog.String("component", "pipeline")),
		tracer:      otel.Tracer(instrumentationName),
		requeue:     retry.Requeue(config.MaxRetries),
	}
}

// OnDecision registers a callback for processed events. Callbacks run on the
// worker goroutine and must not block.
func (p *Pipeline) OnDecision(fn func(Outcome)) {
	p.mu.Lock()
	p.decisions = append(p.decisions, fn)
	p.mu.Unlock()
}

// OnAlert registers a callback for alert level changes.
func (p *Pipeline) OnAlert(fn func(Alert)) {
	p.mu.Lock()
	p.alerts = append(p.alerts, fn)
	p.mu.Unlock()
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start launches the workers, the metrics task and the monitor task.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.running.Load() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running.Store(true)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(2)
	go p.every(ctx, p.config.MetricsInterval, p.reportMetrics)
	go p.every(ctx, p.config.MonitorInterval, p.monitor)

	p.logger.Info("pipeline started",
		slog.Int("workers", p.config.Workers),
		slog.Duration("deadline_budget", p.config.DeadlineBudget),
	)
	return nil
}

// Stop clears the running flag and waits for workers to finish their
// current event. Queued events are abandoned.
func (p *Pipeline) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.running.Swap(false) {
		return
	}
	p.cancel()
	p.wg.Wait()

	p.logger.Info("pipeline stopped", slog.Int("abandoned", p.queues.total()))
}

// Running reports whether the pipeline accepts events.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ══════════════════════════════════════════════════════════════════════════════

// Submit enqueues an event and reports whether it was accepted. It never blocks.
func (p *Pipeline) Submit(ev *LearningEvent) bool {
	return p.TrySubmit(ev) == nil
}

// TrySubmit enqueues an event. It returns shared.ErrQueueFull when the
// event's tier is at capacity, shared.ErrInvalidEvent for an event without a
// session and shared.ErrPipelineStopped when not running.
func (p *Pipeline) TrySubmit(ev *LearningEvent) error {
	if !p.running.Load() {
		return shared.ErrPipelineStopped
	}
	if ev == nil || ev.SessionID == "" {
		p.metrics.incr(&p.metrics.invalid)
		return shared.ErrInvalidEvent
	}

	now := time.Now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Priority = ClampPriority(ev.Priority)
	ev.EnqueuedAt = now
	ev.Deadline = now.Add(p.config.DeadlineBudget)
	ev.RetryCount = 0

	if !p.queues.tryEnqueue(ev) {
		p.metrics.incr(&p.metrics.rejected)
		return shared.ErrQueueFull
	}
	p.metrics.incr(&p.metrics.submitted)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKERS
// ══════════════════════════════════════════════════════════════════════════════

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	poll := time.NewTicker(p.config.PollInterval)
	defer poll.Stop()

	for p.running.Load() {
		if ev := p.queues.tryDequeue(); ev != nil {
			p.handle(ctx, ev)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.queues.wake:
		case <-poll.C:
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, ev *LearningEvent) {
	missed := ev.Overdue(time.Now())
	if missed {
		p.metrics.incr(&p.metrics.missedDeadlines)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type),
		attribute.String("session.id", ev.SessionID),
		attribute.Int("event.priority", ev.Priority),
		attribute.Int("event.retry_count", ev.RetryCount),
		attribute.Bool("event.missed_deadline", missed),
	))
	defer span.End()

	decision, err := p.process(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			p.abandon(ev, err)
			return
		}
		p.fail(ev, err)
		return
	}

	latency := time.Since(ev.EnqueuedAt)
	p.metrics.RecordLatency(latency)
	if decision.Degraded {
		p.metrics.incr(&p.metrics.degraded)
	}
	span.SetAttributes(
		attribute.String("decision.action", string(decision.Action)),
		attribute.Float64("decision.progression", decision.Progression),
		attribute.Bool("decision.degraded", decision.Degraded),
	)

	p.deliver(Outcome{Event: *ev, Decision: decision, Latency: latency, MissedDeadline: missed})
}

// process runs the processor, converting a panic into a retryable error.
func (p *Pipeline) process(ctx context.Context, ev *LearningEvent) (d progression.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor panicked",
				slog.String("event_id", ev.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = retry.Retryable(fmt.Errorf("processor panic: %v", r))
		}
	}()
	return p.processor.Process(ctx, ev)
}

func (p *Pipeline) fail(ev *LearningEvent, err error) {
	switch p.requeue.Decide(err, ev.RetryCount+1) {
	case retry.Reject:
		p.metrics.incr(&p.metrics.invalid)
		p.drop(ev, "invalid event", err)
		return
	case retry.Exhausted:
		p.metrics.incr(&p.metrics.dropped)
		p.drop(ev, "retries exhausted", err)
		return
	}

	ev.RetryCount++
	if !p.running.Load() || !p.queues.tryEnqueue(ev) {
		p.metrics.incr(&p.metrics.dropped)
		p.drop(ev, "requeue rejected", err)
		return
	}
	p.metrics.incr(&p.metrics.retried)
	p.logger.Debug("event requeued",
		slog.String("event_id", ev.ID),
		slog.Int("retry_count", ev.RetryCount),
		slog.String("error", err.Error()),
	)
}

// abandon discards an in-flight event interrupted by Stop. It is neither
// retried nor dead-lettered.
func (p *Pipeline) abandon(ev *LearningEvent, err error) {
	p.metrics.incr(&p.metrics.abandoned)
	p.logger.Debug("in-flight event abandoned",
		slog.String("event_id", ev.ID),
		slog.String("session_id", ev.SessionID),
		slog.String("error", err.Error()),
	)
}

func (p *Pipeline) drop(ev *LearningEvent, reason string, err error) {
	p.deadLetters.Add(DeadLetterEntry{
		Event:    *ev,
		Reason:   reason,
		Error:    err.Error(),
		Attempts: ev.RetryCount + 1,
		FailedAt: time.Now(),
	})
	p.logger.Warn("event dropped",
		slog.String("event_id", ev.ID),
		slog.String("session_id", ev.SessionID),
		slog.String("reason", reason),
		slog.Int("retry_count", ev.RetryCount),
		slog.String("error", err.Error()),
	)
	p.publish(shared.NewEventDroppedEvent(ev.ID, ev.SessionID, ev.RetryCount, reason))
}

func (p *Pipeline) deliver(o Outcome) {
	p.mu.RLock()
	callbacks := p.decisions
	p.mu.RUnlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("decision callback panicked", slog.Any("panic", r))
				}
			}()
			fn(o)
		}()
	}
}

func (p *Pipeline) publish(ev shared.Event) {
	if p.config.Publisher == nil {
		return
	}
	if err := p.config.Publisher.Publish(ev); err != nil {
		p.logger.Debug("event not published", slog.String("type", string(ev.EventType())), slog.String("error", err.Error()))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PERIODIC TASKS
// ══════════════════════════════════════════════════════════════════════════════

func (p *Pipeline) every(ctx context.Context, interval time.Duration, fn func(time.Time)) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for p.running.Load() {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

func (p *Pipeline) reportMetrics(now time.Time) {
	p.metrics.tick(now)
	s := p.Metrics()
	p.logger.Info("pipeline metrics",
		slog.Int64("processed", s.Processed),
		slog.Float64("throughput_per_sec", s.Throughput),
		slog.Duration("avg_latency", s.AverageLatency),
		slog.Duration("p95_latency", s.P95Latency),
		slog.Int64("rejected", s.Rejected),
		slog.Int64("dropped", s.Dropped),
		slog.Int64("missed_deadlines", s.MissedDeadlines),
		slog.Int("active_sessions", s.ActiveSessions),
		slog.Int("queued", p.queues.total()),
	)
}

func (p *Pipeline) monitor(now time.Time) {
	avg := p.metrics.AverageLatency()
	level, reason := p.config.Thresholds.evaluate(avg, p.queues.depths())

	prev := AlertLevel(p.alert.Swap(int32(level)))
	if prev == level {
		return
	}

	alert := Alert{Level: level, Previous: prev, AverageLatency: avg, Reason: reason, At: now}
	attrs := []any{
		slog.String("level", level.String()),
		slog.String("previous", prev.String()),
		slog.Duration("avg_latency", avg),
		slog.String("reason", reason),
	}
	switch level {
	case AlertHard:
		p.logger.Error("latency alert", attrs...)
	case AlertSoft:
		p.logger.Warn("latency alert", attrs...)
	default:
		p.logger.Info("latency alert cleared", attrs...)
	}

	p.mu.RLock()
	callbacks := p.alerts
	p.mu.RUnlock()
	for _, fn := range callbacks {
		fn(alert)
	}
	p.publish(shared.NewLatencyAlertEvent(level.String(), avg, reason))
}

// ══════════════════════════════════════════════════════════════════════════════
// INSPECTION
// ══════════════════════════════════════════════════════════════════════════════

// Metrics returns an on-demand snapshot.
func (p *Pipeline) Metrics() Snapshot {
	s := p.metrics.snapshot()
	s.Running = p.running.Load()
	s.Queues = p.queues.depths()
	s.DeadLetters = p.deadLetters.Size()
	s.Alert = p.AlertLevel()
	if p.config.Sessions != nil {
		s.ActiveSessions = p.config.Sessions.Active(p.config.ActiveWindow)
	}
	if p.config.Health != nil {
		h := p.config.Health()
		s.Resilience = &h
	}
	return s
}

// AlertLevel returns the current alert level.
func (p *Pipeline) AlertLevel() AlertLevel {
	return AlertLevel(p.alert.Load())
}

// DeadLetters returns the dead-letter queue.
func (p *Pipeline) DeadLetters() *DeadLetterQueue {
	return p.deadLetters
}
