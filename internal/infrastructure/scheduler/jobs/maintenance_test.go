package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/adaptive-core/internal/infrastructure/resilience"
	"github.com/alem-hub/adaptive-core/pkg/logger"
)

type fakeMaintainer struct {
	saved, evicted int
	err            error
}

func (f *fakeMaintainer) Checkpoint(context.Context) (int, error) { return f.saved, f.err }
func (f *fakeMaintainer) EvictIdle(context.Context) (int, error)  { return f.evicted, f.err }

type fakeProber map[resilience.Class]error

func (f fakeProber) ProbeAll(context.Context) map[resilience.Class]error { return f }

func TestCheckpointAndEvictJobs(t *testing.T) {
	m := &fakeMaintainer{saved: 3, evicted: 1}

	assert.NoError(t, NewCheckpointJob(m, logger.Discard()).Run(context.Background()))
	assert.NoError(t, NewEvictIdleJob(m).Run(context.Background()))
	assert.Equal(t, NameCheckpoint, NewCheckpointJob(m, nil).Name())

	m.err = errors.New("store down")
	assert.Error(t, NewCheckpointJob(m, logger.Discard()).Run(context.Background()))
	assert.Error(t, NewEvictIdleJob(m).Run(context.Background()))
}

func TestProbeServicesJob_RecordsOutcome(t *testing.T) {
	job := NewProbeServicesJob(fakeProber{
		resilience.ClassIntegration:   nil,
		resilience.Class("knowledge"): errors.New("still down"),
	}, logger.Discard())

	require.NoError(t, job.Run(context.Background()), "failed probes do not fail the job")

	last := job.Last()
	assert.Equal(t, []string{"integration", "knowledge"}, last.Probed)
	assert.Equal(t, []string{"integration"}, last.Recovered)
	assert.Equal(t, "still down", last.Failed["knowledge"])
}
