package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/adaptive-core/internal/domain/progression"
	"github.com/alem-hub/adaptive-core/internal/domain/signal"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Pipeline.Workers)
	assert.Equal(t, 25*time.Millisecond, cfg.Pipeline.DeadlineBudget)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Resilience.Cooldown)
	assert.Equal(t, progression.DefaultParams(), cfg.Engine.Params())

	table, err := cfg.Engine.WeightTable()
	require.NoError(t, err)
	assert.Equal(t, progression.PhasePractice, table.DefaultPhase())
	assert.Len(t, table.Phases(), 5)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline, cfg.Pipeline)
}

func TestLoad_FileThenEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adaptive.yml")
	yml := `
app:
  environment: staging
engine:
  alpha: 0.5
  profiles:
    practice:
      profile: 0.25
      knowledge: 0.25
      engagement: 0.25
      assessment: 0.25
pipeline:
  workers: 4
  deadline_budget: 40ms
resilience:
  fallbacks:
    knowledge: 0.3
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	t.Setenv("ADAPTIVE_PIPELINE__WORKERS", "16")
	t.Setenv("ADAPTIVE_RESILIENCE__COOLDOWN", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.App.Environment)
	assert.Equal(t, 0.5, cfg.Engine.Alpha)
	assert.Equal(t, progression.DefaultBeta, cfg.Engine.Beta)
	assert.Equal(t, 16, cfg.Pipeline.Workers, "env wins over file")
	assert.Equal(t, 40*time.Millisecond, cfg.Pipeline.DeadlineBudget)
	assert.Equal(t, 30*time.Second, cfg.Resilience.Cooldown)
	assert.Equal(t, 0.25, cfg.Engine.Profiles["practice"].Knowledge)
	assert.Equal(t, 0.3, cfg.Resilience.Fallbacks["knowledge"])
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adaptive.yml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  alpha: 2.0\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Engine.Alpha = 0.1
	cfg.Engine.DefaultPhase = "unknown"
	cfg.Pipeline.Workers = 0
	cfg.Pipeline.SoftLatency = time.Second
	cfg.Signals.Mode = SignalsHTTP
	cfg.Checkpoint.Backend = "etcd"
	cfg.Resilience.Fallbacks["latency"] = 0.5

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)

	msg := err.Error()
	for _, want := range []string{
		"engine:",
		"engine.profiles",
		"pipeline.workers",
		"pipeline.soft_latency",
		"signals.base_url",
		"checkpoint.backend",
		`unknown source "latency"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	cfg := Default()
	cfg.Checkpoint.Backend = BackendPostgres
	assert.ErrorContains(t, cfg.Validate(), "database.url")

	cfg.Database.URL = "postgres://localhost/adaptive"
	assert.NoError(t, cfg.Validate())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "pipeline.max_retries", envKey("ADAPTIVE_PIPELINE__MAX_RETRIES"))
	assert.Equal(t, "engine.profiles.practice.knowledge", envKey("ADAPTIVE_ENGINE__PROFILES__PRACTICE__KNOWLEDGE"))
}

func TestSourceValues(t *testing.T) {
	got := SourceValues(map[string]float64{"knowledge": 0.4, "bogus": 1})
	assert.Equal(t, map[signal.Source]float64{signal.Knowledge: 0.4}, got)
}
