package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/tracking"
)

const (
	TrackingJobKey = "tracking"

	StageTracking = "tracking"
)

type TrackingParams struct {
	EventIDs []int64 `json:"event_ids"`
	// Rerun clears existing chain links before tracking
	Rerun bool `json:"rerun,omitempty"`
}

// EventRetracker tracks events and can clear an event's links first
type EventRetracker interface {
	EventTracker
	ClearEvent(ctx context.Context, eventID int64) error
}

// TrackingJobRunner runs detection tracking over a list of events
type TrackingJobRunner struct {
	tracker EventRetracker
}

func NewTrackingJobRunner(tracker EventRetracker) *TrackingJobRunner {
	return &TrackingJobRunner{tracker: tracker}
}

func (r *TrackingJobRunner) Key() string  { return TrackingJobKey }
func (r *TrackingJobRunner) Name() string { return "Detection tracking" }

func (r *TrackingJobRunner) Setup(job *jobs.Job) {
	job.Progress.AddStage(StageTracking, "Tracking")
}

func (r *TrackingJobRunner) Run(ctx context.Context, rc *jobs.RunContext) (jobs.RunOutcome, error) {
	var params TrackingParams
	if err := rc.Job.DecodeParams(&params); err != nil {
		return jobs.RunComplete, err
	}
	if len(params.EventIDs) == 0 {
		return jobs.RunComplete, errors.New("tracking job has no events")
	}

	tracked, skipped, occurrences := 0, 0, 0
	for n, eventID := range params.EventIDs {
		if err := ctx.Err(); err != nil {
			return jobs.RunComplete, err
		}
		if params.Rerun {
			if err := r.tracker.ClearEvent(ctx, eventID); err != nil {
				return jobs.RunComplete, fmt.Errorf("failed to clear event %d: %w", eventID, err)
			}
		}
		report, err := r.tracker.TrackEvent(ctx, eventID)
		switch {
		case errors.Is(err, tracking.ErrEventNotReady):
			skipped++
			rc.Logger.Warn("skipped event", "event_id", eventID, "reason", err.Error())
		case err != nil:
			return jobs.RunComplete, err
		default:
			tracked++
			occurrences += len(report.Occurrences)
			rc.Logger.Info("tracked event", "event_id", eventID, "occurrences", len(report.Occurrences))
		}
		if err := rc.UpdateStage(ctx, StageTracking, jobs.StatusStarted, float64(n+1)/float64(len(params.EventIDs))); err != nil {
			return jobs.RunComplete, err
		}
	}

	stage := rc.Job.Progress.Stage(StageTracking)
	stage.SetParam("tracked", "Events tracked", tracked)
	stage.SetParam("skipped", "Events skipped", skipped)
	stage.SetParam("occurrences", "Occurrences", occurrences)
	if err := rc.Job.SetResult(map[string]int{"tracked": tracked, "skipped": skipped, "occurrences": occurrences}); err != nil {
		return jobs.RunComplete, err
	}
	return jobs.RunComplete, rc.UpdateStage(ctx, StageTracking, jobs.StatusSuccess, 1)
}
