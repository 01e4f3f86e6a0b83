package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alem-hub/adaptive-core/config"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
	"github.com/alem-hub/adaptive-core/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

func jobNames(a *app) []string {
	var names []string
	for _, j := range a.scheduler.Jobs() {
		names = append(names, j.Name)
	}
	return names
}

func TestNewApp_DefaultsWithoutPersistence(t *testing.T) {
	a, err := newApp(context.Background(), config.Default(), logger.Discard(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.server)
	assert.Nil(t, a.store)
	assert.ElementsMatch(t, []string{jobs.NameProbeServices, jobs.NameEvictIdle}, jobNames(a))
	assert.False(t, a.pipeline.Running())

	status := a.health.Check(context.Background())
	assert.False(t, status.Healthy, "pipeline not started yet")
	assert.Contains(t, status.Checks, "integration")
	assert.NotContains(t, status.Checks, "checkpoint_store")
}

func TestNewApp_HTTPDisabledAndZeroIntervalSkipsJob(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Checkpoint.EvictInterval = 0

	a, err := newApp(context.Background(), cfg, logger.Discard(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.server)
	assert.Equal(t, []string{jobs.NameProbeServices}, jobNames(a))
}

func TestNewApp_ServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.App.ShutdownTimeout = time.Second

	a, err := newApp(context.Background(), cfg, logger.Discard(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, func(context.Context) error { return nil }) }()

	require.Eventually(t, a.pipeline.Running, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.False(t, a.pipeline.Running())
	assert.False(t, a.scheduler.Running())
}

func TestNewProviders_Static(t *testing.T) {
	providers, err := newProviders(config.SignalsConfig{
		Mode:   config.SignalsStatic,
		Static: map[string]float64{"knowledge": 1.7},
	}, logger.Discard())
	require.NoError(t, err)
	require.Len(t, providers, len(signal.Sources))

	req := signal.Request{SessionID: "s-1"}
	v, err := providers[signal.Knowledge].Score(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1.7, v, "the bulkhead is the normalization boundary")

	v, err = providers[signal.Profile].Score(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, defaultSignal, v)
}

func TestNewProviders_HTTP(t *testing.T) {
	providers, err := newProviders(config.SignalsConfig{
		Mode:           config.SignalsHTTP,
		BaseURL:        "http://scorer.invalid",
		RequestTimeout: 10 * time.Millisecond,
		RateLimit:      100,
		RateLimitBurst: 10,
	}, logger.Discard())

	require.NoError(t, err)
	assert.Len(t, providers, len(signal.Sources))
}

func TestRedisConfig_KeepsDefaultsForZeroValues(t *testing.T) {
	rc := redisConfig(config.RedisConfig{URL: "redis://cache:6379/1"})

	assert.Equal(t, "redis://cache:6379/1", rc.URL)
	assert.Equal(t, 10, rc.PoolSize)
	assert.Equal(t, 5*time.Second, rc.DialTimeout)
}

func TestRunSimulation_StrongSignalsAdvance(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Seed = 7
	cfg.Signals.Static = map[string]float64{
		"profile":    0.9,
		"knowledge":  0.9,
		"engagement": 0.9,
		"assessment": 0.9,
	}

	report, err := runSimulation(context.Background(), cfg, simulateOptions{
		Events:   60,
		Sessions: 3,
		Seed:     1,
		Timeout:  5 * time.Second,
	}, logger.Discard())

	require.NoError(t, err)
	assert.Equal(t, 60, report.Submitted)
	assert.Zero(t, report.Rejected)
	assert.Equal(t, int64(60), report.Metrics.Processed+report.Metrics.Dropped)
	assert.Positive(t, report.Actions["advance"])
}

func TestRunSimulation_RejectsEmptyRun(t *testing.T) {
	_, err := runSimulation(context.Background(), config.Default(), simulateOptions{}, logger.Discard())
	assert.Error(t, err)
}

func TestVersionAndHashTokenCommands(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "adaptived dev\n", out.String())

	out.Reset()
	rootCmd.SetArgs([]string{"hash-token", "s3cret"})
	require.NoError(t, rootCmd.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}
