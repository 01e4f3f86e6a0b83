package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/resilience"
	"github.com/alem-hub/adaptive-core/pkg/logger"
	"github.com/alem-hub/adaptive-core/pkg/retry"
)

var errTransient = errors.New("transient")

// gatedProcessor blocks the first event until release is closed and records
// the processing order.
type gatedProcessor struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	order []string
}

func newGatedProcessor() *gatedProcessor {
	return &gatedProcessor{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedProcessor) Process(_ context.Context, ev *LearningEvent) (progression.Decision, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
	g.mu.Lock()
	g.order = append(g.order, ev.SessionID)
	g.mu.Unlock()
	return progression.Decision{SessionID: ev.SessionID, Action: progression.ActionContinue}, nil
}

func (g *gatedProcessor) processed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func newTestPipeline(t *testing.T, p Processor, mutate func(*Config)) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = logger.Discard()
	cfg.PollInterval = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	pl := New(cfg, p)
	require.NoError(t, pl.Start(context.Background()))
	t.Cleanup(pl.Stop)
	return pl
}

func event(session string, priority int) *LearningEvent {
	return NewLearningEvent("interaction", session, priority, Payload{})
}

func TestPipeline_RejectsWhenStopped(t *testing.T) {
	pl := New(DefaultConfig(), ProcessorFunc(func(context.Context, *LearningEvent) (progression.Decision, error) {
		return progression.Decision{}, nil
	}))

	assert.ErrorIs(t, pl.TrySubmit(event("s-1", 5)), shared.ErrPipelineStopped)
	assert.False(t, pl.Running())
}

func TestPipeline_RejectsEventWithoutSession(t *testing.T) {
	pl := newTestPipeline(t, newGatedProcessor(), nil)

	assert.ErrorIs(t, pl.TrySubmit(event("", 5)), shared.ErrInvalidEvent)
	assert.EqualValues(t, 1, pl.Metrics().Invalid)
}

func TestPipeline_StartTwice(t *testing.T) {
	pl := newTestPipeline(t, newGatedProcessor(), nil)
	assert.ErrorIs(t, pl.Start(context.Background()), ErrAlreadyRunning)
}

func TestPipeline_PriorityOrder(t *testing.T) {
	gate := newGatedProcessor()
	pl := newTestPipeline(t, gate, func(c *Config) { c.Workers = 1 })

	require.True(t, pl.Submit(event("blocker", 5)))
	<-gate.started

	// Submitted lowest priority first.
	require.True(t, pl.Submit(event("p9", 9)))
	require.True(t, pl.Submit(event("p5-a", 5)))
	require.True(t, pl.Submit(event("p5-b", 5)))
	require.True(t, pl.Submit(event("p1", 1)))
	close(gate.release)

	require.Eventually(t, func() bool { return len(gate.processed()) == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"blocker", "p1", "p5-a", "p5-b", "p9"}, gate.processed())
}

func TestPipeline_BackpressureFailsFast(t *testing.T) {
	gate := newGatedProcessor()
	pl := newTestPipeline(t, gate, func(c *Config) {
		c.Workers = 1
		c.HighCapacity = 2
	})
	defer close(gate.release)

	require.True(t, pl.Submit(event("blocker", 1)))
	<-gate.started

	require.NoError(t, pl.TrySubmit(event("a", 1)))
	require.NoError(t, pl.TrySubmit(event("b", 2)))

	start := time.Now()
	err := pl.TrySubmit(event("c", 3))
	assert.ErrorIs(t, err, shared.ErrQueueFull)
	assert.Less(t, time.Since(start), 10*time.Millisecond)

	// Other tiers are unaffected.
	assert.NoError(t, pl.TrySubmit(event("d", 9)))

	s := pl.Metrics()
	assert.EqualValues(t, 1, s.Rejected)
	assert.Equal(t, 2, s.Queues[TierHigh].Depth)
	assert.Equal(t, 1.0, s.Queues[TierHigh].FillRatio())
}

func TestPipeline_RetriesThenDrops(t *testing.T) {
	var attempts sync.Map
	proc := ProcessorFunc(func(_ context.Context, ev *LearningEvent) (progression.Decision, error) {
		n, _ := attempts.LoadOrStore(ev.ID, new(int))
		*n.(*int)++
		return progression.Decision{}, retry.Retryable(errTransient)
	})

	pl := newTestPipeline(t, proc, func(c *Config) {
		c.Workers = 1
		c.MaxRetries = 2
	})

	ev := event("s-1", 5)
	require.True(t, pl.Submit(ev))

	require.Eventually(t, func() bool { return pl.DeadLetters().Size() == 1 }, time.Second, time.Millisecond)

	entry, ok := pl.DeadLetters().Pop()
	require.True(t, ok)
	assert.Equal(t, ev.ID, entry.Event.ID)
	assert.Equal(t, "retries exhausted", entry.Reason)
	assert.Equal(t, 3, entry.Attempts)

	s := pl.Metrics()
	assert.EqualValues(t, 2, s.Retried)
	assert.EqualValues(t, 1, s.Dropped)
	assert.EqualValues(t, 0, s.Processed)
}

func TestPipeline_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	proc := ProcessorFunc(func(context.Context, *LearningEvent) (progression.Decision, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return progression.Decision{}, retry.Permanent(shared.ErrMissingSession)
	})
	pl := newTestPipeline(t, proc, func(c *Config) { c.Workers = 1 })

	require.True(t, pl.Submit(event("s-1", 5)))
	require.Eventually(t, func() bool { return pl.DeadLetters().Size() == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	s := pl.Metrics()
	assert.EqualValues(t, 1, s.Invalid)
	assert.EqualValues(t, 0, s.Retried)
	assert.EqualValues(t, 0, s.Dropped)
}

func TestPipeline_MissedDeadlineIsStillProcessed(t *testing.T) {
	gate := newGatedProcessor()
	pl := newTestPipeline(t, gate, func(c *Config) {
		c.Workers = 1
		c.DeadlineBudget = time.Millisecond
	})

	var outcomes []Outcome
	var mu sync.Mutex
	pl.OnDecision(func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	})

	require.True(t, pl.Submit(event("blocker", 5)))
	<-gate.started
	require.True(t, pl.Submit(event("late", 5)))
	time.Sleep(5 * time.Millisecond)
	close(gate.release)

	require.Eventually(t, func() bool { return pl.Metrics().Processed == 2 }, time.Second, time.Millisecond)

	assert.GreaterOrEqual(t, pl.Metrics().MissedDeadlines, int64(1))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[1].MissedDeadline)
	assert.GreaterOrEqual(t, outcomes[1].Latency, 5*time.Millisecond)
}

func TestPipeline_CallbackPanicDoesNotKillWorker(t *testing.T) {
	pl := newTestPipeline(t, ProcessorFunc(func(_ context.Context, ev *LearningEvent) (progression.Decision, error) {
		return progression.Decision{SessionID: ev.SessionID}, nil
	}), func(c *Config) { c.Workers = 1 })
	pl.OnDecision(func(Outcome) { panic("callback") })

	require.True(t, pl.Submit(event("s-1", 5)))
	require.True(t, pl.Submit(event("s-2", 5)))

	require.Eventually(t, func() bool { return pl.Metrics().Processed == 2 }, time.Second, time.Millisecond)
}

func TestPipeline_MonitorRaisesAndClearsAlert(t *testing.T) {
	pl := New(Config{Logger: logger.Discard(), LatencyWindow: 2}, newGatedProcessor())

	var alerts []Alert
	pl.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	pl.metrics.RecordLatency(30 * time.Millisecond)
	pl.metrics.RecordLatency(30 * time.Millisecond)
	pl.monitor(time.Now())
	pl.monitor(time.Now())

	require.Len(t, alerts, 1, "alerts fire on level changes only")
	assert.Equal(t, AlertHard, alerts[0].Level)
	assert.Equal(t, AlertHard, pl.AlertLevel())

	pl.metrics.RecordLatency(time.Millisecond)
	pl.metrics.RecordLatency(time.Millisecond)
	pl.monitor(time.Now())

	require.Len(t, alerts, 2)
	assert.Equal(t, AlertNone, alerts[1].Level)
	assert.Equal(t, AlertHard, alerts[1].Previous)
}

func TestPipeline_EndToEndWithBulkhead(t *testing.T) {
	engine, err := progression.NewEngine(
		progression.WithExplorer(progression.FixedExplorer(0)),
		progression.WithLogger(logger.Discard()),
	)
	require.NoError(t, err)

	providers := make(map[signal.Source]signal.Provider)
	for _, src := range signal.Sources {
		providers[src] = signal.ProviderFunc(func(context.Context, signal.Request) (float64, error) {
			return 0.9, nil
		})
	}
	cfg := resilience.DefaultConfig()
	cfg.Logger = logger.Discard()
	bh, err := resilience.New(cfg, engine, providers)
	require.NoError(t, err)

	pl := newTestPipeline(t, NewBulkheadProcessor(bh, progression.DefaultPhase), func(c *Config) {
		c.Sessions = engine.Sessions()
		c.Health = bh.Status
	})

	decisions := make(chan progression.Decision, 1)
	pl.OnDecision(func(o Outcome) { decisions <- o.Decision })

	require.True(t, pl.Submit(NewLearningEvent("interaction", "learner-1", 3, Payload{
		Signals: map[string]float64{"knowledge": 0.9, "unknown": 0.1},
	})))

	select {
	case d := <-decisions:
		assert.Equal(t, progression.ActionAdvance, d.Action)
		assert.InDelta(t, 1.0, d.Progression, 1e-9)
		assert.False(t, d.Degraded)
	case <-time.After(time.Second):
		t.Fatal("no decision delivered")
	}

	s := pl.Metrics()
	assert.Equal(t, 1, s.ActiveSessions)
	require.NotNil(t, s.Resilience)
	assert.True(t, s.Resilience.Healthy)
}

func TestPipeline_StopAbandonsInFlightWithoutCountingFailures(t *testing.T) {
	engine, err := progression.NewEngine(
		progression.WithExplorer(progression.FixedExplorer(0)),
		progression.WithLogger(logger.Discard()),
	)
	require.NoError(t, err)

	started := make(chan struct{})
	var once sync.Once
	providers := make(map[signal.Source]signal.Provider)
	for _, src := range signal.Sources {
		providers[src] = signal.ProviderFunc(func(context.Context, signal.Request) (float64, error) {
			once.Do(func() { close(started) })
			time.Sleep(50 * time.Millisecond)
			return 0.7, nil
		})
	}
	cfg := resilience.DefaultConfig()
	cfg.Logger = logger.Discard()
	cfg.SignalTimeout = time.Second
	cfg.AcquireTimeout = time.Second
	bh, err := resilience.New(cfg, engine, providers)
	require.NoError(t, err)

	pl := newTestPipeline(t, NewBulkheadProcessor(bh, progression.DefaultPhase), func(c *Config) {
		c.Workers = 4
	})

	for i := 0; i < 4; i++ {
		require.True(t, pl.Submit(event("learner", 5)))
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("no signal fetch started")
	}
	time.Sleep(10 * time.Millisecond)
	pl.Stop()

	for _, c := range bh.Status().Compartments {
		assert.Equal(t, 0, c.Breaker.Counts.ConsecutiveFailures, c.Class)
		assert.EqualValues(t, 0, c.Breaker.Counts.TotalFailures, c.Class)
		assert.Equal(t, "healthy", c.State.String(), c.Class)
	}

	s := pl.Metrics()
	assert.Positive(t, s.Abandoned)
	assert.Zero(t, s.Processed)
	assert.Zero(t, s.Dropped)
	assert.Zero(t, pl.DeadLetters().Size())
	assert.Zero(t, engine.Sessions().Len())
}
