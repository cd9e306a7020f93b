package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/progress"
	"github.com/ami-platform/ami-jobs/app/taskqueue"
)

var _ jobs.DeferredResolver = (*Ingestor)(nil)

// ResolveDeferred settles an async job once its broker queue holds nothing
// undelivered or in flight. Images still pending at that point exhausted
// their deliveries or their ingestion retries, so they are recorded as
// failed and the job finishes under the usual failure threshold. A job
// whose progress state is gone is marked UNKNOWN.
func (i *Ingestor) ResolveDeferred(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	if i.deps.Queue == nil || job.DispatchMode != jobs.DispatchAsyncAPI || job.Status.IsFinal() {
		return nil, nil
	}
	logger := i.deps.logger().With("job_id", job.ID)

	pending, inFlight, err := i.deps.Queue.QueueDepth(ctx, job.ID)
	if err != nil && !errors.Is(err, taskqueue.ErrJobQueueNotFound) {
		return nil, err
	}
	if pending+inFlight > 0 {
		return nil, nil
	}

	token := uuid.NewString()
	acquired, err := i.deps.Lock.Acquire(ctx, job.ID, token, i.cfg.LockTTL)
	if err != nil || !acquired {
		// a result is being ingested right now
		return nil, err
	}
	snap, err := i.failPending(ctx, job.ID)
	if _, relErr := i.deps.Lock.Release(ctx, job.ID, token); relErr != nil {
		logger.Warn("failed to release job lock", "error", relErr)
	}
	if err != nil {
		return nil, err
	}
	if snap.job == nil || snap.job.Status.IsFinal() {
		return nil, nil
	}

	if snap.process == nil || snap.results == nil {
		logger.Warn("progress of deferred job is gone, marking unknown")
		updated, err := i.deps.Jobs.Update(ctx, job.ID, func(j *jobs.Job) error {
			j.SetStatus(jobs.StatusUnknown)
			now := i.now().UTC()
			j.FinishedAt = &now
			j.Progress.AddLog(fmt.Sprintf("[%s] WARNING progress expired before all results arrived", now.Format(time.DateTime)))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to mark job %d unknown: %w", job.ID, err)
		}
		i.deps.Metrics.StatusChanged(string(updated.Status))
		i.deps.CleanupJob(ctx, job.ID)
		return updated, nil
	}

	logger.Warn("no tasks left in the queue, failing unanswered images", "failed", snap.results.Failed)
	if err := i.updateJob(ctx, snap, logger); err != nil {
		return nil, err
	}
	return i.deps.Jobs.Get(ctx, job.ID)
}

// failPending resolves every id still pending as failed. The caller holds
// the job lock.
func (i *Ingestor) failPending(ctx context.Context, jobID int64) (snapshot, error) {
	job, err := i.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to load job %d: %w", jobID, err)
	}
	if job == nil || job.Status.IsFinal() {
		return snapshot{job: job}, nil
	}
	snap := snapshot{job: job}

	var unanswered int
	for _, stage := range progress.DefaultStages {
		ids, err := i.deps.Progress.PendingIDs(ctx, jobID, stage)
		if err != nil {
			return snapshot{}, err
		}
		p, err := i.deps.Progress.CommitUpdate(ctx, jobID, stage, ids, ids)
		if err != nil {
			return snapshot{}, err
		}
		switch stage {
		case progress.StageProcess:
			snap.process = p
		case progress.StageResults:
			snap.results = p
			unanswered = len(ids)
		}
	}
	if unanswered > 0 && snap.results != nil {
		snap.errLine = fmt.Sprintf("%d images never returned results", unanswered)
	}
	return snap, nil
}
