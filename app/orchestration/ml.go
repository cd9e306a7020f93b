package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/progress"
)

const (
	MLJobKey = "ml"

	StageCollect = "collect"

	DefaultSyncBatchSize = 10
)

// MLParams select the images an ML job processes
type MLParams struct {
	Pipeline       string  `json:"pipeline"`
	SourceImageIDs []int64 `json:"source_image_ids,omitempty"`
	EventIDs       []int64 `json:"event_ids,omitempty"`
	// BatchSize is the number of images per processing service call
	BatchSize int `json:"batch_size,omitempty"`
}

func (p MLParams) query(job *jobs.Job) ImageQuery {
	return ImageQuery{ProjectID: job.ProjectID, ImageIDs: p.SourceImageIDs, EventIDs: p.EventIDs}
}

// MLJobRunner runs a pipeline over a set of images, either by publishing one
// task per image for external workers (async_api) or by calling the
// processing service from the worker (sync_api and internal).
type MLJobRunner struct {
	deps     Deps
	ingestor *Ingestor
	service  ProcessingService
	ttr      time.Duration
}

func NewMLJobRunner(deps Deps, ingestor *Ingestor, service ProcessingService, ttr time.Duration) *MLJobRunner {
	return &MLJobRunner{deps: deps, ingestor: ingestor, service: service, ttr: ttr}
}

func (r *MLJobRunner) Key() string  { return MLJobKey }
func (r *MLJobRunner) Name() string { return "ML pipeline" }

func (r *MLJobRunner) Setup(job *jobs.Job) {
	job.Progress.AddStage(StageCollect, "Collect")
	job.Progress.AddStage(progress.StageProcess, "Process")
	job.Progress.AddStage(progress.StageResults, "Results")

	var params MLParams
	if err := job.DecodeParams(&params); err == nil && params.Pipeline != "" {
		job.Progress.Stage(progress.StageProcess).SetParam("pipeline", "Pipeline", params.Pipeline)
	}
}

func (r *MLJobRunner) Run(ctx context.Context, rc *jobs.RunContext) (jobs.RunOutcome, error) {
	job := rc.Job
	var params MLParams
	if err := job.DecodeParams(&params); err != nil {
		return jobs.RunComplete, err
	}
	if params.Pipeline == "" {
		return jobs.RunComplete, errors.New("ml job has no pipeline")
	}

	if err := rc.UpdateStage(ctx, StageCollect, jobs.StatusStarted, 0); err != nil {
		return jobs.RunComplete, err
	}
	images, err := r.deps.Catalog.ListImages(ctx, params.query(job))
	if err != nil {
		return jobs.RunComplete, fmt.Errorf("failed to collect images: %w", err)
	}
	collect := job.Progress.Stage(StageCollect)
	collect.SetParam("source_images", "Source images", len(images))
	if err := rc.UpdateStage(ctx, StageCollect, jobs.StatusSuccess, 1); err != nil {
		return jobs.RunComplete, err
	}
	rc.Logger.Info("collected images", "count", len(images))

	if len(images) == 0 {
		for _, key := range []string{progress.StageProcess, progress.StageResults} {
			if err := job.Progress.UpdateStage(key, jobs.StatusSuccess, 1); err != nil {
				return jobs.RunComplete, err
			}
		}
		return jobs.RunComplete, rc.Save(ctx)
	}

	if job.DispatchMode == jobs.DispatchAsyncAPI {
		return r.runAsync(ctx, rc, params, images)
	}
	return r.runSync(ctx, rc, params, images)
}

// runAsync publishes one task per image and returns before any result is in.
// The job is saved before the first publish since results may be ingested
// immediately.
func (r *MLJobRunner) runAsync(ctx context.Context, rc *jobs.RunContext, params MLParams, images []SourceImage) (jobs.RunOutcome, error) {
	job := rc.Job
	ids := make([]string, len(images))
	for n, img := range images {
		ids[n] = imageKey(img.ID)
	}
	if err := r.deps.Progress.Initialize(ctx, job.ID, progress.DefaultStages, ids); err != nil {
		return jobs.RunComplete, fmt.Errorf("failed to initialize progress: %w", err)
	}
	_ = job.Progress.UpdateStage(progress.StageProcess, jobs.StatusStarted, 0)
	_ = job.Progress.UpdateStage(progress.StageResults, jobs.StatusStarted, 0)
	if err := rc.Save(ctx); err != nil {
		return jobs.RunComplete, err
	}

	var unpublished []string
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return jobs.RunDeferred, err
		}
		ok := r.deps.Queue.PublishTask(ctx, job.ID, TaskPayload{
			JobID:     job.ID,
			ImageID:   imageKey(img.ID),
			ImageURL:  img.URL,
			Pipeline:  params.Pipeline,
			Timestamp: img.Timestamp,
		}, r.ttr)
		if !ok {
			unpublished = append(unpublished, imageKey(img.ID))
		}
	}
	if len(unpublished) == len(images) {
		r.deps.CleanupJob(ctx, job.ID)
		return jobs.RunComplete, fmt.Errorf("failed to publish any of %d tasks", len(images))
	}
	rc.Logger.Info("published tasks", "count", len(images)-len(unpublished), "failed", len(unpublished))

	for _, id := range unpublished {
		imageID := id
		res := &ErrorResult{Error: "failed to publish task", ImageID: &imageID}
		if err := r.ingestWithRetry(ctx, job.ID, res); err != nil {
			rc.Logger.Error("failed to record unpublished task", "image_id", id, "error", err)
		}
	}
	return jobs.RunDeferred, nil
}

func (r *MLJobRunner) failureThreshold() float64 {
	if r.ingestor == nil {
		return DefaultFailureThreshold
	}
	return r.ingestor.cfg.FailureThreshold
}

// ingestWithRetry feeds a result through the ingestor, waiting out a busy lock
func (r *MLJobRunner) ingestWithRetry(ctx context.Context, jobID int64, res Result) error {
	if r.ingestor == nil {
		return errors.New("no result ingestor configured")
	}
	delay := 50 * time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		outcome, err := r.ingestor.Ingest(ctx, jobID, "", res)
		if err != nil {
			return err
		}
		if outcome == Done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 2*time.Second)
	}
	return fmt.Errorf("job %d stayed locked", jobID)
}

// runSync sends images to the processing service in batches and saves each
// returned result
func (r *MLJobRunner) runSync(ctx context.Context, rc *jobs.RunContext, params MLParams, images []SourceImage) (jobs.RunOutcome, error) {
	if r.service == nil {
		return jobs.RunComplete, errors.New("no processing service configured")
	}
	job := rc.Job
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultSyncBatchSize
	}

	total := len(images)
	done, failed := 0, 0
	for start := 0; start < total; start += batchSize {
		if err := ctx.Err(); err != nil {
			return jobs.RunComplete, err
		}
		batch := images[start:min(start+batchSize, total)]
		results, err := r.service.Process(ctx, params.Pipeline, batch)
		if err != nil {
			return jobs.RunComplete, fmt.Errorf("processing service failed: %w", err)
		}
		if err := rc.UpdateStage(ctx, progress.StageProcess, jobs.StatusStarted, float64(start+len(batch))/float64(total)); err != nil {
			return jobs.RunComplete, err
		}

		for _, res := range results {
			switch res := res.(type) {
			case *SuccessResult:
				if err := r.deps.Saver.SaveResults(ctx, job, res); err != nil {
					return jobs.RunComplete, fmt.Errorf("failed to save results: %w", err)
				}
			case *ErrorResult:
				failed++
				rc.Logger.Error("processing failed", "image_ids", res.ImageIDs(), "error", res.Error)
			}
		}
		done += len(batch)
		if err := rc.UpdateStage(ctx, progress.StageResults, jobs.StatusStarted, float64(done)/float64(total)); err != nil {
			return jobs.RunComplete, err
		}
	}

	_ = job.Progress.UpdateStage(progress.StageProcess, jobs.StatusSuccess, 1)
	_ = job.Progress.UpdateStage(progress.StageResults, jobs.StatusSuccess, 1)
	results := job.Progress.Stage(progress.StageResults)
	results.SetParam("processed", "Processed", done)
	results.SetParam("failed", "Failed", failed)
	if err := job.SetResult(map[string]int{"total": total, "processed": done, "failed": failed}); err != nil {
		return jobs.RunComplete, err
	}
	if err := rc.Save(ctx); err != nil {
		return jobs.RunComplete, err
	}

	if float64(failed)/float64(total) > r.failureThreshold() {
		return jobs.RunComplete, fmt.Errorf("%d of %d images failed", failed, total)
	}
	r.deps.TrackImages(ctx, images, rc.Logger)
	return jobs.RunComplete, nil
}
