package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ami-platform/ami-jobs/app/jobs"
)

const (
	ExportJobKey = "data_export"

	StageExporting = "exporting"
	StageUploading = "uploading"

	ExportFormatJSONL = "jsonl"

	exportPageSize = 500
)

// ExportRecord is one occurrence as written to an export file
type ExportRecord struct {
	ID                 int64      `json:"id"`
	EventID            int64      `json:"event_id"`
	DeploymentID       int64      `json:"deployment_id"`
	Determination      string     `json:"determination,omitempty"`
	DeterminationScore float64    `json:"determination_score"`
	DetectionsCount    int        `json:"detections_count"`
	FirstAppearance    *time.Time `json:"first_appearance,omitempty"`
	LastAppearance     *time.Time `json:"last_appearance,omitempty"`
}

// OccurrenceSource pages through a project's occurrences by ascending id
type OccurrenceSource interface {
	CountOccurrences(ctx context.Context, projectID int64) (int, error)
	ListOccurrences(ctx context.Context, projectID, afterID int64, limit int) ([]ExportRecord, error)
}

// Uploader stores an export file and returns a URL to fetch it
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

type ExportParams struct {
	Format string `json:"format"`
}

// ExportResult is stored as the job result of a finished export
type ExportResult struct {
	FileURL     string `json:"file_url"`
	Format      string `json:"format"`
	RecordCount int    `json:"record_count"`
}

// ExportJobRunner writes a project's occurrences to object storage
type ExportJobRunner struct {
	source   OccurrenceSource
	uploader Uploader
}

func NewExportJobRunner(source OccurrenceSource, uploader Uploader) *ExportJobRunner {
	return &ExportJobRunner{source: source, uploader: uploader}
}

func (r *ExportJobRunner) Key() string  { return ExportJobKey }
func (r *ExportJobRunner) Name() string { return "Data export" }

func (r *ExportJobRunner) Setup(job *jobs.Job) {
	job.Progress.AddStage(StageExporting, "Exporting")
	job.Progress.AddStage(StageUploading, "Uploading")
}

func (r *ExportJobRunner) Run(ctx context.Context, rc *jobs.RunContext) (jobs.RunOutcome, error) {
	job := rc.Job
	params := ExportParams{Format: ExportFormatJSONL}
	if err := job.DecodeParams(&params); err != nil {
		return jobs.RunComplete, err
	}
	if params.Format == "" {
		params.Format = ExportFormatJSONL
	}
	if params.Format != ExportFormatJSONL {
		return jobs.RunComplete, fmt.Errorf("unsupported export format %q", params.Format)
	}
	if r.uploader == nil {
		return jobs.RunComplete, errors.New("no export storage configured")
	}

	f, err := os.CreateTemp("", fmt.Sprintf("export-%d-*.jsonl", job.ID))
	if err != nil {
		return jobs.RunComplete, fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	count, err := r.write(ctx, rc, f)
	if err != nil {
		return jobs.RunComplete, err
	}
	if err := rc.UpdateStage(ctx, StageExporting, jobs.StatusSuccess, 1); err != nil {
		return jobs.RunComplete, err
	}

	if err := rc.UpdateStage(ctx, StageUploading, jobs.StatusStarted, 0); err != nil {
		return jobs.RunComplete, err
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return jobs.RunComplete, fmt.Errorf("failed to size export file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return jobs.RunComplete, fmt.Errorf("failed to rewind export file: %w", err)
	}
	key := fmt.Sprintf("exports/project-%d/job-%d-%s.jsonl", job.ProjectID, job.ID, uuid.NewString())
	fileURL, err := r.uploader.Upload(ctx, key, f, size, "application/x-ndjson")
	if err != nil {
		return jobs.RunComplete, fmt.Errorf("failed to upload export: %w", err)
	}
	rc.Logger.Info("uploaded export", "key", key, "records", count, "bytes", size)

	if err := job.SetResult(ExportResult{FileURL: fileURL, Format: params.Format, RecordCount: count}); err != nil {
		return jobs.RunComplete, err
	}
	return jobs.RunComplete, rc.UpdateStage(ctx, StageUploading, jobs.StatusSuccess, 1)
}

// write streams every occurrence of the job's project as one JSON line
func (r *ExportJobRunner) write(ctx context.Context, rc *jobs.RunContext, w io.Writer) (int, error) {
	projectID := rc.Job.ProjectID
	total, err := r.source.CountOccurrences(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to count occurrences: %w", err)
	}
	stage := rc.Job.Progress.Stage(StageExporting)
	stage.SetParam("total", "Total records", total)
	if err := rc.UpdateStage(ctx, StageExporting, jobs.StatusStarted, 0); err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	count := 0
	var after int64
	for {
		page, err := r.source.ListOccurrences(ctx, projectID, after, exportPageSize)
		if err != nil {
			return count, fmt.Errorf("failed to list occurrences: %w", err)
		}
		for _, rec := range page {
			if err := enc.Encode(rec); err != nil {
				return count, fmt.Errorf("failed to write export record: %w", err)
			}
			after = rec.ID
			count++
		}
		if len(page) < exportPageSize {
			break
		}
		if total > 0 {
			stage.SetParam("exported", "Exported records", count)
			if err := rc.UpdateStage(ctx, StageExporting, jobs.StatusStarted, float64(count)/float64(total)); err != nil {
				return count, err
			}
		}
	}
	stage.SetParam("exported", "Exported records", count)
	return count, nil
}
