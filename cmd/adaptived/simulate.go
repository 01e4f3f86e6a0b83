package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/alem-hub/adaptive-core/config"
	"github.com/alem-hub/adaptive-core/internal/application/pipeline"
	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/external/signalsource"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/resilience"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/scheduler/jobs"
)

type simulateOptions struct {
	Events   int
	Sessions int
	Rate     int
	Seed     uint64
	Timeout  time.Duration

	// Share of events that carry their own signal values and skip the sources.
	InlineShare float64

	Faults signalsource.Faults
}

type simulationReport struct {
	Submitted  int               `json:"submitted"`
	Rejected   int               `json:"rejected"`
	Actions    map[string]int    `json:"actions"`
	Degraded   int               `json:"degraded"`
	Metrics    pipeline.Snapshot `json:"metrics"`
	Resilience resilience.Status `json:"resilience"`
	Probes     jobs.ProbeResult  `json:"last_probe"`
	Elapsed    time.Duration     `json:"elapsed"`
}

var simOpts = simulateOptions{
	Events:      5000,
	Sessions:    200,
	Rate:        2000,
	Seed:        1,
	Timeout:     30 * time.Second,
	InlineShare: 0.3,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive synthetic learning events through the pipeline and print a report",
	Long: `simulate runs the pipeline in-process against static signal sources with
injected errors and latency, so breaker transitions, fallbacks and latency
alerts can be observed without any external service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		report, err := runSimulation(cmd.Context(), cfg, simOpts, log)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simOpts.Events, "events", simOpts.Events, "number of events to submit")
	f.IntVar(&simOpts.Sessions, "sessions", simOpts.Sessions, "number of distinct sessions")
	f.IntVar(&simOpts.Rate, "rate", simOpts.Rate, "events per second, 0 submits as fast as possible")
	f.Uint64Var(&simOpts.Seed, "seed", simOpts.Seed, "random seed")
	f.DurationVar(&simOpts.Timeout, "timeout", simOpts.Timeout, "how long to wait for the pipeline to drain")
	f.Float64Var(&simOpts.InlineShare, "inline-share", simOpts.InlineShare, "share of events carrying inline signals")
	f.Float64Var(&simOpts.Faults.ErrorRate, "error-rate", 0.05, "probability a source call fails")
	f.DurationVar(&simOpts.Faults.Latency, "latency", time.Millisecond, "latency added to every source call")
	f.DurationVar(&simOpts.Faults.Jitter, "jitter", 2*time.Millisecond, "random extra source latency")
	rootCmd.AddCommand(simulateCmd)
}

// runSimulation builds an isolated core from cfg, without HTTP, persistence
// or remote publishing, and feeds it opts.Events events.
func runSimulation(ctx context.Context, cfg *config.Config, opts simulateOptions, log *slog.Logger) (simulationReport, error) {
	if opts.Events <= 0 || opts.Sessions <= 0 {
		return simulationReport{}, errors.New("events and sessions must be positive")
	}

	local := *cfg
	local.HTTP.Enabled = false
	local.Checkpoint.Backend = config.BackendNone
	local.Redis.PublishDecisions = false

	static := signalsource.StaticSet(config.SourceValues(cfg.Signals.Static), defaultSignal)
	providers := make(map[signal.Source]signal.Provider, len(signal.Sources))
	for i, src := range signal.Sources {
		providers[src] = signalsource.NewFaulty(static[src], opts.Faults, opts.Seed+uint64(i))
	}

	a, err := newApp(ctx, &local, log, providers)
	if err != nil {
		return simulationReport{}, err
	}
	defer a.Close()

	report := simulationReport{Actions: make(map[string]int)}
	var mu sync.Mutex
	a.pipeline.OnDecision(func(o pipeline.Outcome) {
		mu.Lock()
		report.Actions[string(o.Decision.Action)]++
		if o.Decision.Degraded {
			report.Degraded++
		}
		mu.Unlock()
	})

	if err := a.pipeline.Start(ctx); err != nil {
		return simulationReport{}, err
	}
	defer a.pipeline.Stop()
	if local.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return simulationReport{}, err
		}
		defer func() { _ = a.scheduler.Stop() }()
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed>>1|1))
	var pace <-chan time.Time
	if opts.Rate > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(opts.Rate))
		defer ticker.Stop()
		pace = ticker.C
	}

	start := time.Now()
	for i := 0; i < opts.Events; i++ {
		if pace != nil {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-pace:
			}
		}

		payload := pipeline.Payload{Phase: randomPhase(rng, a)}
		if rng.Float64() < opts.InlineShare {
			payload.Signals = make(map[string]float64, len(signal.Sources))
			for _, src := range signal.Sources {
				payload.Signals[src.String()] = rng.Float64()
			}
		}
		ev := pipeline.NewLearningEvent("simulated", fmt.Sprintf("sim-%04d", rng.IntN(opts.Sessions)), 1+rng.IntN(10), payload)

		switch err := a.pipeline.TrySubmit(ev); {
		case err == nil:
			report.Submitted++
		case shared.IsCapacity(err):
			report.Rejected++
		default:
			return report, err
		}
	}

	deadline := time.After(opts.Timeout)
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
drain:
	for {
		m := a.pipeline.Metrics()
		if m.Processed+m.Dropped >= int64(report.Submitted) {
			break
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-deadline:
			log.Warn("simulation timed out before the pipeline drained")
			break drain
		case <-poll.C:
		}
	}
	report.Elapsed = time.Since(start)
	report.Metrics = a.pipeline.Metrics()
	report.Resilience = a.bulkhead.Status()
	report.Probes = a.probes.Last()

	mu.Lock()
	defer mu.Unlock()
	actions := make(map[string]int, len(report.Actions))
	for k, v := range report.Actions {
		actions[k] = v
	}
	report.Actions = actions
	return report, nil
}

func randomPhase(rng *rand.Rand, a *app) string {
	phases := a.engine.Weights().Phases()
	return string(phases[rng.IntN(len(phases))])
}
