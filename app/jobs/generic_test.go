package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenericRunnerCompletesStages(t *testing.T) {
	runner := NewGenericRunner(
		GenericStage{Key: "one", Name: "One"},
		GenericStage{Key: "two", Name: "Two", Delay: 20 * time.Millisecond},
	)
	env := newTestEnv(t, runner)
	job := env.create(t, GenericJobKey, DispatchInternal)

	require.Len(t, job.Progress.Stages, 2)
	delay, ok := job.Progress.Stage("two").Param("delay")
	require.True(t, ok)
	assert.InDelta(t, 0.02, delay, 1e-9)

	outcome, err := env.manager.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, RunComplete, outcome)

	stored := env.reload(t, job.ID)
	assert.Equal(t, StatusSuccess, stored.Status)
	assert.True(t, stored.Progress.IsComplete())
}

func TestGenericRunnerHonoursCancellation(t *testing.T) {
	runner := NewGenericRunner(GenericStage{Key: "slow", Name: "Slow", Delay: time.Hour})
	env := newTestEnv(t, runner)
	job := env.create(t, GenericJobKey, DispatchInternal)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.manager.Run(ctx, job)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenericRunnerParamOverride(t *testing.T) {
	runner := NewGenericRunner(GenericStage{Key: "slow", Name: "Slow", Delay: time.Hour})
	env := newTestEnv(t, runner)
	job := &Job{JobTypeKey: GenericJobKey, Params: []byte(`{"delay_seconds":{"slow":0}}`)}
	require.NoError(t, env.manager.Create(context.Background(), job))

	_, err := env.manager.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, env.reload(t, job.ID).Status)
}

func TestRegistryKeys(t *testing.T) {
	r := NewRegistry(NewGenericRunner(), &scriptedRunner{key: "alpha", fn: completeAll})
	assert.Equal(t, []string{"alpha", GenericJobKey}, r.Keys())

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownJobType)
}
