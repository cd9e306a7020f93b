package orchestration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/progress"
)

func TestIngestPartialErrorsScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.asyncJob(t, 1, 2, 3)

	outcome, err := env.ingestor.Ingest(ctx, job.ID, "reply.a", success("1"))
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	p, err := env.progress.GetProgress(ctx, job.ID, progress.StageProcess)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Processed)
	assert.InDelta(t, 1.0/3.0, p.Percentage, 1e-9)

	// an error without an image id resolves nothing
	outcome, err = env.ingestor.Ingest(ctx, job.ID, "reply.b", failure("model crashed", nil))
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	p, err = env.progress.GetProgress(ctx, job.ID, progress.StageProcess)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Processed)

	outcome, err = env.ingestor.Ingest(ctx, job.ID, "reply.c", success("3"))
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)

	for _, stage := range progress.DefaultStages {
		p, err = env.progress.GetProgress(ctx, job.ID, stage)
		require.NoError(t, err)
		assert.Equal(t, 2, p.Processed, stage)
		assert.InDelta(t, 2.0/3.0, p.Percentage, 1e-9, stage)
		assert.Zero(t, p.Failed, "unattributable errors are not counted as failed")
	}

	assert.Equal(t, []string{"reply.a", "reply.b", "reply.c"}, env.queue.acks)
	assert.Equal(t, map[string]int{"1": 1, "3": 1}, env.saver.saves)

	stored := env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusStarted, stored.Status)
	assert.InDelta(t, 2.0/3.0, stored.Progress.Stage(progress.StageResults).Progress, 1e-9)
	assert.Equal(t, []string{"unknown image: model crashed"}, stored.Progress.Errors)
}

func TestIngestDuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.asyncJob(t, 1, 2)

	for range 3 {
		outcome, err := env.ingestor.Ingest(ctx, job.ID, "reply.1", success("1"))
		require.NoError(t, err)
		assert.Equal(t, Done, outcome)
	}

	p, err := env.progress.GetProgress(ctx, job.ID, progress.StageResults)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Processed)
	assert.Equal(t, 0.5, p.Percentage)
	assert.Len(t, env.queue.acks, 3)
}

func TestIngestBusyLockHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.asyncJob(t, 1)

	ok, err := env.lock.Acquire(ctx, job.ID, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := env.ingestor.Ingest(ctx, job.ID, "reply.1", success("1"))
	require.NoError(t, err)
	assert.Equal(t, Retry, outcome)

	assert.Zero(t, env.saver.total())
	assert.Empty(t, env.queue.acks)
	p, err := env.progress.GetProgress(ctx, job.ID, progress.StageProcess)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Processed)

	owner, err := env.lock.Owner(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", owner, "busy ingestion must not release a lock it does not own")
}

// lostLock acquires normally but reports the lock gone on refresh
type lostLock struct{ Locker }

func (lostLock) Refresh(context.Context, int64, string, time.Duration) (bool, error) {
	return false, nil
}

func TestIngestLockLostBeforeCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.asyncJob(t, 1)

	deps := env.deps
	deps.Lock = lostLock{env.lock}
	ing := NewIngestor(deps, IngestConfig{})

	outcome, err := ing.Ingest(ctx, job.ID, "reply.1", success("1"))
	require.NoError(t, err)
	assert.Equal(t, Retry, outcome)
	assert.Empty(t, env.queue.acks)

	p, err := env.progress.GetProgress(ctx, job.ID, progress.StageProcess)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Processed)
}

func TestIngestMissingJobIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.asyncJob(t, 1)
	env.store.Delete(job.ID)

	outcome, err := env.ingestor.Ingest(ctx, job.ID, "reply.1", success("1"))
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.Equal(t, []string{"reply.1"}, env.queue.acks)
	assert.Zero(t, env.saver.total())

	p, err := env.progress.GetProgress(ctx, job.ID, progress.StageProcess)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Processed, "no progress update for a missing job")
}

func TestIngestFinishedJobIgnoresLateResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.asyncJob(t, 1)
	_, err := env.store.Update(ctx, job.ID, func(j *jobs.Job) error {
		j.SetStatus(jobs.StatusRevoked)
		return nil
	})
	require.NoError(t, err)

	outcome, err := env.ingestor.Ingest(ctx, job.ID, "reply.1", success("1"))
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.Equal(t, []string{"reply.1"}, env.queue.acks)
	assert.Zero(t, env.saver.total())
	assert.Equal(t, jobs.StatusRevoked, env.reload(t, job.ID).Status)
}

func TestIngestSaveFailureIsNotAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.asyncJob(t, 1)
	env.saver.err = errBoom

	_, err := env.ingestor.Ingest(ctx, job.ID, "reply.1", success("1"))
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, env.queue.acks, "the broker redelivers unacknowledged tasks")

	owner, err := env.lock.Owner(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, owner, "lock released after failure")

	p, err := env.progress.GetProgress(ctx, job.ID, progress.StageProcess)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Processed)
}

func TestIngestCompletesJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.asyncJob(t, 1, 2)

	_, err := env.ingestor.Ingest(ctx, job.ID, "reply.1", success("1"))
	require.NoError(t, err)
	assert.Empty(t, env.queue.cleanups)

	_, err = env.ingestor.Ingest(ctx, job.ID, "reply.2", failure("corrupt image", ptr("2")))
	require.NoError(t, err)

	stored := env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusSuccess, stored.Status, "half failed is not above the threshold")
	assert.NotNil(t, stored.FinishedAt)
	for _, key := range progress.DefaultStages {
		stage := stored.Progress.Stage(key)
		assert.Equal(t, jobs.StatusSuccess, stage.Status)
		assert.Equal(t, 1.0, stage.Progress)
	}
	assert.Equal(t, []string{"image 2: corrupt image"}, stored.Progress.Errors)

	var result map[string]int
	require.NoError(t, json.Unmarshal(stored.Result, &result))
	assert.Equal(t, map[string]int{"total": 2, "processed": 2, "failed": 1}, result)

	assert.Equal(t, []int64{job.ID}, env.queue.cleanups)
	assert.Equal(t, []int64{7}, env.tracker.tracked)
	p, err := env.progress.GetProgress(ctx, job.ID, progress.StageProcess)
	require.NoError(t, err)
	assert.Nil(t, p, "progress keys removed on completion")

	// a redelivered result after completion is acknowledged and ignored
	outcome, err := env.ingestor.Ingest(ctx, job.ID, "reply.2", failure("corrupt image", ptr("2")))
	require.NoError(t, err)
	assert.Equal(t, Done, outcome)
	assert.Len(t, env.queue.cleanups, 1)
}

func TestIngestFailureThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	job := env.asyncJob(t, 1, 2, 3)

	for _, id := range []string{"1", "2"} {
		_, err := env.ingestor.Ingest(ctx, job.ID, "reply."+id, failure("timeout", ptr(id)))
		require.NoError(t, err)
	}
	_, err := env.ingestor.Ingest(ctx, job.ID, "reply.3", success("3"))
	require.NoError(t, err)

	stored := env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusFailure, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	assert.Empty(t, env.tracker.tracked, "failed jobs are not tracked")
	assert.Equal(t, []int64{job.ID}, env.queue.cleanups)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "retry", Retry.String())
}
