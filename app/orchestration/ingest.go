package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/progress"
)

// Outcome tells the caller of Ingest whether the result was consumed
type Outcome int

const (
	// Done means the result was applied, or dropped for good
	Done Outcome = iota
	// Retry means the job was busy; nothing changed and the caller should
	// submit the same result again after a backoff
	Retry
)

func (o Outcome) String() string {
	if o == Retry {
		return "retry"
	}
	return "done"
}

const (
	DefaultFailureThreshold = 0.5
	DefaultRetryAfter       = 5 * time.Second
)

var errLockLost = errors.New("job lock lost before commit")

type IngestConfig struct {
	LockTTL time.Duration
	// FailureThreshold is the failed fraction above which a finished job
	// is marked FAILURE instead of SUCCESS
	FailureThreshold float64
}

// Ingestor applies worker results to job progress
type Ingestor struct {
	deps Deps
	cfg  IngestConfig
	now  func() time.Time
}

func NewIngestor(deps Deps, cfg IngestConfig) *Ingestor {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = progress.DefaultLockTTL
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Ingestor{deps: deps, cfg: cfg, now: time.Now}
}

// snapshot is what a locked ingestion hands to the job update
type snapshot struct {
	job     *jobs.Job
	process *progress.Progress
	results *progress.Progress
	errLine string
}

// Ingest applies one result for the job. The task behind replySubject is
// acknowledged once the result is durable, including when the job no longer
// exists. A busy job yields Retry without side effects.
func (i *Ingestor) Ingest(ctx context.Context, jobID int64, replySubject string, res Result) (Outcome, error) {
	start := i.now()
	logger := i.deps.logger().With("job_id", jobID)
	defer func() { i.deps.Metrics.ObserveIngest(i.now().Sub(start).Seconds()) }()

	token := uuid.NewString()
	acquired, err := i.deps.Lock.Acquire(ctx, jobID, token, i.cfg.LockTTL)
	if err != nil {
		i.deps.Metrics.ResultIngested("failed")
		return Retry, err
	}
	if !acquired {
		i.deps.Metrics.LockBusy()
		i.deps.Metrics.ResultIngested("retry")
		logger.Debug("job locked, result deferred")
		return Retry, nil
	}

	snap, err := i.applyLocked(ctx, jobID, token, res, logger)
	if released, relErr := i.deps.Lock.Release(ctx, jobID, token); relErr != nil {
		logger.Warn("failed to release job lock", "error", relErr)
	} else if !released {
		logger.Warn("job lock expired during ingestion")
	}
	if errors.Is(err, errLockLost) {
		i.deps.Metrics.LockBusy()
		i.deps.Metrics.ResultIngested("retry")
		logger.Warn("job lock lost before commit, result deferred")
		return Retry, nil
	}
	if err != nil {
		i.deps.Metrics.ResultIngested("failed")
		return Done, err
	}

	i.acknowledge(ctx, replySubject, logger)

	if snap.job == nil {
		i.deps.Metrics.ResultIngested("missing_job")
		return Done, nil
	}
	if _, ok := res.(*ErrorResult); ok {
		i.deps.Metrics.ResultIngested("error")
	} else {
		i.deps.Metrics.ResultIngested("success")
	}

	if err := i.updateJob(ctx, snap, logger); err != nil {
		return Done, err
	}
	return Done, nil
}

// applyLocked runs while the lock is held: persist, then commit progress
func (i *Ingestor) applyLocked(ctx context.Context, jobID int64, token string, res Result, logger *slog.Logger) (snapshot, error) {
	job, err := i.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to load job %d: %w", jobID, err)
	}
	if job == nil {
		logger.Warn("job not found, acknowledging result")
		return snapshot{}, nil
	}
	snap := snapshot{job: job}
	if job.Status.IsFinal() {
		logger.Info("job already finished, ignoring result", "status", job.Status)
		return snap, nil
	}

	ids := res.ImageIDs()
	var failed []string
	switch r := res.(type) {
	case *SuccessResult:
		if err := i.deps.Saver.SaveResults(ctx, job, r); err != nil {
			return snapshot{}, fmt.Errorf("failed to save results for job %d: %w", jobID, err)
		}
	case *ErrorResult:
		failed = ids
		image := "unknown image"
		if len(ids) > 0 {
			image = "image " + strings.Join(ids, ", ")
		}
		snap.errLine = fmt.Sprintf("%s: %s", image, r.Error)
		logger.Error("worker reported error", "image_ids", ids, "error", r.Error)
	default:
		return snapshot{}, fmt.Errorf("unsupported result type %T", res)
	}

	held, err := i.deps.Lock.Refresh(ctx, jobID, token, i.cfg.LockTTL)
	if err != nil {
		return snapshot{}, err
	}
	if !held {
		return snapshot{}, errLockLost
	}

	snap.process, err = i.deps.Progress.CommitUpdate(ctx, jobID, progress.StageProcess, ids, failed)
	if err != nil {
		return snapshot{}, err
	}
	snap.results, err = i.deps.Progress.CommitUpdate(ctx, jobID, progress.StageResults, ids, failed)
	if err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

func (i *Ingestor) acknowledge(ctx context.Context, replySubject string, logger *slog.Logger) {
	if replySubject == "" || i.deps.Queue == nil {
		return
	}
	if !i.deps.Queue.AcknowledgeTask(ctx, replySubject) {
		logger.Warn("failed to acknowledge task", "reply_subject", replySubject)
	}
}

// updateJob copies the committed progress onto the job and finishes it once
// every result is in
func (i *Ingestor) updateJob(ctx context.Context, snap snapshot, logger *slog.Logger) error {
	if snap.job.Status.IsFinal() {
		return nil
	}
	if snap.process == nil && snap.results == nil && snap.errLine == "" {
		// progress was already cleaned up
		return nil
	}

	var finished *jobs.Job
	updated, err := i.deps.Jobs.Update(ctx, snap.job.ID, func(job *jobs.Job) error {
		if snap.errLine != "" {
			job.Progress.AddError(snap.errLine)
		}
		if job.Status.IsFinal() || snap.process == nil || snap.results == nil {
			return nil
		}
		applyStage(job, progress.StageProcess, "Process", snap.process)
		applyStage(job, progress.StageResults, "Results", snap.results)
		if !snap.results.Complete() {
			return nil
		}

		status := jobs.StatusSuccess
		if failedFraction(snap.results) > i.cfg.FailureThreshold {
			status = jobs.StatusFailure
		}
		job.SetStatus(status)
		now := i.now().UTC()
		job.FinishedAt = &now
		job.Progress.AddLog(fmt.Sprintf("[%s] INFO all results received: %d processed, %d failed",
			now.Format(time.DateTime), snap.results.Processed, snap.results.Failed))
		finished = job
		return job.SetResult(map[string]int{
			"total":     snap.results.Total,
			"processed": snap.results.Processed,
			"failed":    snap.results.Failed,
		})
	})
	if errors.Is(err, jobs.ErrJobNotFound) {
		logger.Warn("job deleted before progress update")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update progress of job %d: %w", snap.job.ID, err)
	}
	if finished == nil {
		return nil
	}

	i.deps.Metrics.StatusChanged(string(updated.Status))
	logger.Info("job finished", "status", updated.Status,
		"processed", snap.results.Processed, "failed", snap.results.Failed)
	i.finish(ctx, updated, logger)
	return nil
}

// finish runs tracking on the job's events and frees its async resources
func (i *Ingestor) finish(ctx context.Context, job *jobs.Job, logger *slog.Logger) {
	if job.Status == jobs.StatusSuccess && i.deps.Catalog != nil {
		var params MLParams
		if err := job.DecodeParams(&params); err != nil {
			logger.Warn("skipped tracking", "error", err)
		} else if images, err := i.deps.Catalog.ListImages(ctx, params.query(job)); err != nil {
			logger.Warn("skipped tracking", "error", err)
		} else {
			i.deps.TrackImages(ctx, images, logger)
		}
	}
	if !i.deps.CleanupJob(ctx, job.ID) {
		logger.Warn("incomplete cleanup of finished job")
	}
}

// applyStage moves a stage forward to the tracker's snapshot. Concurrent
// ingestions may commit out of order, so progress never goes backwards.
func applyStage(job *jobs.Job, key, name string, p *progress.Progress) {
	stage := job.Progress.AddStage(key, name)
	pct := max(stage.Progress, p.Percentage)
	status := jobs.StatusStarted
	if p.Complete() {
		status, pct = jobs.StatusSuccess, 1
	}
	stage.SetParam("processed", "Processed", p.Processed)
	stage.SetParam("remaining", "Remaining", p.Remaining)
	stage.SetParam("failed", "Failed", p.Failed)
	_ = job.Progress.UpdateStage(key, status, pct)
}

func failedFraction(p *progress.Progress) float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Failed) / float64(p.Total)
}
