// Package orchestration wires the job lifecycle to the task queue, the
// progress tracker and the result stores. It holds the job runners for ML
// processing, tracking, clustering and export, and the pipeline that ingests
// results reported by external workers.
package orchestration

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/metrics"
	"github.com/ami-platform/ami-jobs/app/progress"
	"github.com/ami-platform/ami-jobs/app/taskqueue"
	"github.com/ami-platform/ami-jobs/app/tracking"
)

// ProgressStore is the per-job pending set store
type ProgressStore interface {
	Initialize(ctx context.Context, jobID int64, stages []string, itemIDs []string) error
	GetProgress(ctx context.Context, jobID int64, stage string) (*progress.Progress, error)
	CommitUpdate(ctx context.Context, jobID int64, stage string, processedIDs, failedIDs []string) (*progress.Progress, error)
	PendingIDs(ctx context.Context, jobID int64, stage string) ([]string, error)
	Cleanup(ctx context.Context, jobID int64) error
}

// Locker is a single-owner lock per job
type Locker interface {
	Acquire(ctx context.Context, jobID int64, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID int64, token string) (bool, error)
	Refresh(ctx context.Context, jobID int64, token string, ttl time.Duration) (bool, error)
}

// TaskQueue distributes per-image tasks to external workers
type TaskQueue interface {
	PublishTask(ctx context.Context, jobID int64, payload any, ttr time.Duration) bool
	AcknowledgeTask(ctx context.Context, replySubject string) bool
	CleanupJobResources(ctx context.Context, jobID int64) bool
	// QueueDepth returns undelivered and delivered-but-unacknowledged counts
	QueueDepth(ctx context.Context, jobID int64) (pending, inFlight uint64, err error)
}

var (
	_ ProgressStore = (*progress.Tracker)(nil)
	_ Locker        = (*progress.Lock)(nil)
	_ TaskQueue     = (*taskqueue.Client)(nil)
	_ EventTracker  = (*tracking.Tracker)(nil)
)

// ResultSaver persists the detections and classifications of a result.
// Saving the same image twice replaces the first save.
type ResultSaver interface {
	SaveResults(ctx context.Context, job *jobs.Job, res *SuccessResult) error
}

// SourceImage is a capture to be processed
type SourceImage struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"event_id"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
}

// ImageQuery selects images by id or by event. Both empty selects nothing.
type ImageQuery struct {
	ProjectID int64
	ImageIDs  []int64
	EventIDs  []int64
}

// ImageCatalog lists source images ordered by timestamp
type ImageCatalog interface {
	ListImages(ctx context.Context, q ImageQuery) ([]SourceImage, error)
}

type EventTracker interface {
	TrackEvent(ctx context.Context, eventID int64) (*tracking.Report, error)
}

// TaskPayload is the body of a task published for one image
type TaskPayload struct {
	JobID     int64     `json:"job_id"`
	ImageID   string    `json:"image_id"`
	ImageURL  string    `json:"image_url"`
	Pipeline  string    `json:"pipeline"`
	Timestamp time.Time `json:"timestamp"`
}

// Deps are the collaborators shared by the runners and the ingestor
type Deps struct {
	Jobs     jobs.Store
	Progress ProgressStore
	Lock     Locker
	Queue    TaskQueue
	Saver    ResultSaver
	Catalog  ImageCatalog
	Tracker  EventTracker
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func imageKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// CleanupJob releases a job's broker and progress resources. Failures are
// logged since the job's data is already persisted.
func (d Deps) CleanupJob(ctx context.Context, jobID int64) bool {
	ok := true
	if d.Queue != nil && !d.Queue.CleanupJobResources(ctx, jobID) {
		ok = false
	}
	if d.Progress != nil {
		if err := d.Progress.Cleanup(ctx, jobID); err != nil {
			d.logger().Warn("failed to clean up job progress", "job_id", jobID, "error", err)
			ok = false
		}
	}
	return ok
}

// CancelHook cleans up async resources of revoked jobs
func (d Deps) CancelHook() jobs.CancelHook {
	return func(ctx context.Context, job *jobs.Job) {
		if job.DispatchMode != jobs.DispatchAsyncAPI {
			return
		}
		if !d.CleanupJob(ctx, job.ID) {
			d.logger().Warn("incomplete cleanup of cancelled job", "job_id", job.ID)
		}
	}
}

// TrackImages runs detection tracking for every event the images belong to.
// Events that are not ready are skipped.
func (d Deps) TrackImages(ctx context.Context, images []SourceImage, logger *slog.Logger) {
	if d.Tracker == nil {
		return
	}
	if logger == nil {
		logger = d.logger()
	}
	seen := map[int64]bool{}
	for _, img := range images {
		if img.EventID == 0 || seen[img.EventID] {
			continue
		}
		seen[img.EventID] = true
		if _, err := d.Tracker.TrackEvent(ctx, img.EventID); err != nil {
			logger.Warn("skipped tracking for event", "event_id", img.EventID, "error", err)
		}
	}
}
