package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/adaptive-core/config"
	"github.com/alem-hub/adaptive-core/internal/application/checkpoint"
	"github.com/alem-hub/adaptive-core/internal/application/eventhandler"
	"github.com/alem-hub/adaptive-core/internal/application/pipeline"
	"github.com/alem-hub/adaptive-core/internal/domain/progression"
	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/external/signalsource"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/messaging"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/resilience"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/scheduler"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/alem-hub/adaptive-core/internal/interface/http"
	"github.com/alem-hub/adaptive-core/internal/interface/http/handlers"
	"github.com/alem-hub/adaptive-core/pkg/circuitbreaker"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

// defaultSignal is used for sources missing from signals.static.
const defaultSignal = 0.5

type eventBus interface {
	shared.EventBus
	Close() error
}

// app holds every long-lived component of one process.
type app struct {
	cfg *config.Config
	log *slog.Logger

	engine      *progression.Engine
	bulkhead    *resilience.Bulkhead
	pipeline    *pipeline.Pipeline
	bus         eventBus
	checkpoints *checkpoint.Service
	store       checkpoint.Store
	decisions   *eventhandler.OnDecisionMadeHandler
	states      *eventhandler.OnServiceStateChangedHandler
	drops       *eventhandler.OnEventDroppedHandler
	scheduler   *scheduler.Scheduler
	probes      *jobs.ProbeServicesJob
	health      *handlers.CompositeHealthChecker
	server      *httpapi.Server

	closers []func()
}

// newApp builds the components described by cfg. Nothing is started.
// providers overrides the configured signal sources when non-nil.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, providers map[signal.Source]signal.Provider) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.engine, err = newEngine(cfg.Engine, log); err != nil {
		return nil, err
	}
	if providers == nil {
		if providers, err = newProviders(cfg.Signals, log); err != nil {
			return nil, err
		}
	}

	var redisClient *redis.Client
	if cfg.Checkpoint.Backend == config.BackendRedis || cfg.Redis.PublishDecisions {
		if redisClient, err = redis.NewClient(ctx, redisConfig(cfg.Redis)); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
	}

	if a.bus, err = newEventBus(cfg.Redis, redisClient, log); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.bus.Close() })
	a.decisions = eventhandler.NewOnDecisionMadeHandler(log)
	a.states = eventhandler.NewOnServiceStateChangedHandler(log)
	a.drops = eventhandler.NewOnEventDroppedHandler(log, eventhandler.DefaultDroppedConfig())
	if err = eventhandler.Register(a.bus, a.decisions, a.states, a.drops); err != nil {
		return nil, err
	}

	if a.bulkhead, err = resilience.New(bulkheadConfig(cfg.Resilience, a.bus, log), a.engine, providers); err != nil {
		return nil, fmt.Errorf("building bulkhead: %w", err)
	}

	a.pipeline = pipeline.New(pipelineConfig(cfg.Pipeline, a.engine, a.bulkhead, a.bus, log),
		pipeline.NewBulkheadProcessor(a.bulkhead, progression.Phase(cfg.Engine.DefaultPhase)))
	a.pipeline.OnDecision(func(o pipeline.Outcome) {
		d := o.Decision
		_ = a.bus.Publish(shared.NewDecisionMadeEvent(d.SessionID, o.Event.ID, string(d.Action),
			d.Confidence, d.Progression, string(d.Phase), d.Degraded, d.FallbackNames()))
	})

	var ping handlers.Pinger
	switch cfg.Checkpoint.Backend {
	case config.BackendRedis:
		s := redis.NewCheckpointStore(redisClient, cfg.Checkpoint.TTL)
		a.store, ping = s, s
	case config.BackendPostgres:
		s, err := newPostgresStore(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.conn.Close)
		a.store, ping = s.repo, s.repo
	}
	a.checkpoints = checkpoint.New(a.engine.Sessions(), a.store, checkpoint.Config{
		IdleTimeout: cfg.Checkpoint.IdleTimeout,
		Publisher:   a.bus,
		Logger:      log,
	})

	if err = a.buildScheduler(); err != nil {
		return nil, err
	}

	a.health = handlers.NewCompositeHealthChecker(cfg.App.Version)
	a.health.AddCheck("pipeline", func(context.Context) error {
		if !a.pipeline.Running() {
			return shared.ErrPipelineStopped
		}
		return nil
	})
	a.health.AddReadinessCheck("integration", func(context.Context) error {
		c, err := a.bulkhead.Compartment(resilience.ClassIntegration)
		if err != nil {
			return err
		}
		if c.Breaker().State() == circuitbreaker.StateEmergency {
			return circuitbreaker.ErrEmergency
		}
		return nil
	})
	if ping != nil {
		a.health.AddReadinessCheck("checkpoint_store", handlers.PingCheck(ping))
	}

	if cfg.HTTP.Enabled {
		a.server, err = httpapi.NewServer(httpapi.Config{
			Addr:           cfg.HTTP.Addr,
			ReadTimeout:    cfg.HTTP.ReadTimeout,
			WriteTimeout:   cfg.HTTP.WriteTimeout,
			IdleTimeout:    cfg.HTTP.IdleTimeout,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			TokenHash:      cfg.HTTP.TokenHash,
			Version:        cfg.App.Version,
		}, httpapi.Dependencies{
			Pipeline:      a.pipeline,
			Engine:        a.engine,
			Sessions:      a.checkpoints,
			Resilience:    a.bulkhead.Status,
			Jobs:          a.scheduler.Jobs,
			DecisionStats: a.decisions.Stats,
			Health:        a.health,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

type scheduledJob struct {
	job      scheduler.Job
	interval time.Duration
}

func (a *app) buildScheduler() error {
	a.scheduler = scheduler.New(scheduler.Config{
		MaxConcurrentJobs: a.cfg.Scheduler.MaxConcurrentJobs,
		JobTimeout:        a.cfg.Scheduler.JobTimeout,
		Logger:            a.log,
	})
	a.scheduler.OnJobError(func(name string, err error) {
		a.log.Warn("job failed", slog.String("job", name), logger.Err(err))
	})

	a.probes = jobs.NewProbeServicesJob(a.bulkhead, a.log)
	entries := []scheduledJob{
		{a.probes, a.cfg.Scheduler.ProbeInterval},
		{jobs.NewEvictIdleJob(a.checkpoints), a.cfg.Checkpoint.EvictInterval},
	}
	if a.store != nil {
		entries = append(entries, scheduledJob{jobs.NewCheckpointJob(a.checkpoints, a.log), a.cfg.Checkpoint.Interval})
	}

	for _, e := range entries {
		// A zero interval disables the job.
		if e.interval <= 0 {
			continue
		}
		if err := a.scheduler.Register(e.job, scheduler.Every(e.interval)); err != nil {
			return fmt.Errorf("registering %s: %w", e.job.Name(), err)
		}
	}
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPONENT BUILDERS
// ══════════════════════════════════════════════════════════════════════════════

func newEngine(cfg config.EngineConfig, log *slog.Logger) (*progression.Engine, error) {
	table, err := cfg.WeightTable()
	if err != nil {
		return nil, err
	}
	var explorer progression.Explorer = progression.NewGaussianExplorer(cfg.ExploreSigma)
	if cfg.Seed != 0 {
		explorer = progression.NewSeededGaussianExplorer(cfg.ExploreSigma, cfg.Seed)
	}
	return progression.NewEngine(
		progression.WithParams(cfg.Params()),
		progression.WithWeightTable(table),
		progression.WithExplorer(explorer),
		progression.WithHistorySize(cfg.HistorySize),
		progression.WithLogger(log),
	)
}

// newProviders builds one normalized provider per source.
func newProviders(cfg config.SignalsConfig, log *slog.Logger) (map[signal.Source]signal.Provider, error) {
	out := make(map[signal.Source]signal.Provider, len(signal.Sources))

	switch cfg.Mode {
	case config.SignalsHTTP:
		for _, src := range signal.Sources {
			hc := signalsource.DefaultHTTPConfig(cfg.BaseURL, src)
			hc.Token = cfg.Token
			if cfg.RequestTimeout > 0 {
				hc.Timeout = cfg.RequestTimeout
			}
			if cfg.RateLimit > 0 {
				hc.RateLimiter.RequestsPerSecond = float64(cfg.RateLimit)
			}
			if cfg.RateLimitBurst > 0 {
				hc.RateLimiter.BurstSize = cfg.RateLimitBurst
			}
			hc.Logger = log
			p, err := signalsource.NewHTTPSource(hc)
			if err != nil {
				return nil, err
			}
			out[src] = p
		}
	default:
		for src, p := range signalsource.StaticSet(config.SourceValues(cfg.Static), defaultSignal) {
			out[src] = p
		}
	}
	return out, nil
}

func newEventBus(cfg config.RedisConfig, client *redis.Client, log *slog.Logger) (eventBus, error) {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.Logger = log
	if !cfg.PublishDecisions || client == nil {
		return messaging.NewInMemoryEventBus(local), nil
	}
	return messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         messaging.NewGoRedisClient(client.Raw()),
		ChannelName:    cfg.Channel,
		LocalBusConfig: local,
		Logger:         log,
	})
}

type postgresStore struct {
	conn *postgres.Connection
	repo *postgres.CheckpointRepository
}

func newPostgresStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*postgresStore, error) {
	pc := postgres.DefaultConfig()
	pc.URL = cfg.Database.URL
	if cfg.Database.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		pc.MinConns = int32(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	}
	if cfg.Database.QueryTimeout > 0 {
		pc.QueryTimeout = cfg.Database.QueryTimeout
	}

	conn, err := postgres.NewConnection(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	applied, err := postgres.NewMigrator(conn).Migrate(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Info("database schema is up to date", slog.Int("applied", applied))

	// Postgres checkpoints never expire on their own; TTL bounds what is
	// restored instead.
	return &postgresStore{conn: conn, repo: postgres.NewCheckpointRepository(conn, cfg.Checkpoint.TTL)}, nil
}

func redisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.URL = c.URL
	if c.Host != "" {
		rc.Host = c.Host
	}
	if c.Port > 0 {
		rc.Port = c.Port
	}
	rc.Password = c.Password
	rc.DB = c.DB
	if c.PoolSize > 0 {
		rc.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		rc.MinIdleConns = c.MinIdleConns
	}
	if c.DialTimeout > 0 {
		rc.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		rc.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		rc.WriteTimeout = c.WriteTimeout
	}
	return rc
}

func bulkheadConfig(c config.ResilienceConfig, pub shared.EventPublisher, log *slog.Logger) resilience.Config {
	fallbacks := resilience.DefaultFallbacks()
	for src, v := range config.SourceValues(c.Fallbacks) {
		fallbacks[src] = v
	}
	return resilience.Config{
		SignalPoolSize:      c.SignalPoolSize,
		IntegrationPoolSize: c.IntegrationPoolSize,
		AcquireTimeout:      c.AcquireTimeout,
		FailureThreshold:    c.FailureThreshold,
		Cooldown:            c.Cooldown,
		SignalTimeout:       c.SignalTimeout,
		IntegrationTimeout:  c.IntegrationTimeout,
		Fallbacks:           fallbacks,
		Publisher:           pub,
		Logger:              log,
	}
}

func pipelineConfig(c config.PipelineConfig, engine *progression.Engine, b *resilience.Bulkhead, pub shared.EventPublisher, log *slog.Logger) pipeline.Config {
	return pipeline.Config{
		Workers:         c.Workers,
		HighCapacity:    c.HighCapacity,
		NormalCapacity:  c.NormalCapacity,
		LowCapacity:     c.LowCapacity,
		DeadlineBudget:  c.DeadlineBudget,
		MaxRetries:      c.MaxRetries,
		PollInterval:    c.PollInterval,
		MetricsInterval: c.MetricsInterval,
		MonitorInterval: c.MonitorInterval,
		LatencyWindow:   c.LatencyWindow,
		DeadLetterSize:  c.DeadLetterSize,
		ActiveWindow:    c.ActiveWindow,
		Thresholds: pipeline.Thresholds{
			SoftLatency:   c.SoftLatency,
			HardLatency:   c.HardLatency,
			SoftQueueFill: c.SoftQueueFill,
		},
		Sessions:  engine.Sessions(),
		Health:    b.Status,
		Publisher: pub,
		Logger:    log,
	}
}
