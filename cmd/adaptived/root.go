package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alem-hub/adaptive-core/config"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "adaptived",
	Short: "Real-time decision core of the adaptive learning server",
	Long: `adaptived turns learning events into progression decisions. Four signal
sources are scored behind per-source circuit breakers, combined by the
integration engine and answered within a 25ms budget.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "adaptive.yaml", "config file path (missing file uses defaults)")
}

// loadConfig reads the configuration and builds the process logger from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log := logger.New(logger.Options{
		Level:   cfg.Observability.LogLevel,
		Format:  logger.Format(cfg.Observability.LogFormat),
		Output:  os.Stderr,
		Service: cfg.App.Name,
	})
	slog.SetDefault(log)
	return cfg, log, nil
}
