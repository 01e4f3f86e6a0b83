package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/adaptive-core/internal/infrastructure/telemetry"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline, background jobs and HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
			Enabled:        cfg.Observability.TracingEnabled,
			Endpoint:       cfg.Observability.TracingEndpoint,
			SampleRatio:    cfg.Observability.TracingSampleRatio,
			ServiceName:    cfg.App.Name,
			ServiceVersion: cfg.App.Version,
			Environment:    string(cfg.App.Environment),
		})
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}

		a, err := newApp(ctx, cfg, log, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.serve(ctx, shutdownTracing)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve starts every component and blocks until ctx is cancelled or a
// component fails, then shuts down in reverse order.
func (a *app) serve(ctx context.Context, shutdownTracing func(context.Context) error) error {
	log := a.log
	log.Info("starting adaptive core",
		slog.String("env", string(a.cfg.App.Environment)),
		slog.String("version", a.cfg.App.Version),
		slog.String("signals", a.cfg.Signals.Mode),
		slog.String("checkpoint", a.cfg.Checkpoint.Backend),
	)

	if a.cfg.Checkpoint.RestoreOnStart && a.store != nil {
		n, err := a.checkpoints.Restore(ctx)
		if err != nil {
			// Sessions restart from the initial progression instead.
			log.Warn("checkpoint restore failed", logger.Err(err))
		} else {
			log.Info("sessions restored", slog.Int("count", n))
		}
	}

	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}
	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(a.server.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(shutdownTracing)
	})

	err := g.Wait()
	log.Info("adaptive core stopped")
	return err
}

func (a *app) shutdown(shutdownTracing func(context.Context) error) error {
	log := a.log
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownTimeout)
	defer cancel()

	log.Info("shutting down", slog.Duration("timeout", a.cfg.App.ShutdownTimeout))

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			log.Warn("http shutdown", logger.Err(err))
		}
	}
	if a.scheduler.Running() {
		_ = a.scheduler.Stop()
	}
	a.pipeline.Stop()

	if a.store != nil {
		if n, err := a.checkpoints.Checkpoint(ctx); err != nil {
			log.Error("final checkpoint failed", logger.Err(err))
		} else {
			log.Info("final checkpoint written", slog.Int("sessions", n))
		}
	}

	if err := shutdownTracing(ctx); err != nil {
		log.Warn("tracing shutdown", logger.Err(err))
	}
	return nil
}
