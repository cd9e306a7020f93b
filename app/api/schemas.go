// General schemas not specific to a router

package api

import (
	"time"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/progress"
)

// General

type HealthResponse struct {
	Body struct {
		HealthStatus string `json:"status" example:"healthy"`
		Timestamp    string `json:"timestamp" example:"2025-04-05T12:00:00Z"`
	}
}

type MessageResponse struct {
	Body struct {
		Message string `json:"message"`
	}
}

// Jobs

type JobIDInput struct {
	ID int64 `path:"id" doc:"Job ID"`
}

type CreateJobRequest struct {
	Name         string         `json:"name,omitempty" doc:"Display name (defaults to the job type name)"`
	ProjectID    int64          `json:"project_id" doc:"Project the job belongs to"`
	JobTypeKey   string         `json:"job_type_key" minLength:"1" doc:"Job type, e.g. ml, tracking, detection_clustering, data_export"`
	DispatchMode string         `json:"dispatch_mode,omitempty" enum:"internal,sync_api,async_api" doc:"Where the work executes (default: internal)"`
	Params       map[string]any `json:"params,omitempty" doc:"Job type specific parameters"`
	Start        bool           `json:"start,omitempty" doc:"Enqueue the job immediately"`
}

type JobResponse struct {
	Body *jobs.Job
}

type CheckStatusRequest struct {
	Force     bool `json:"force,omitempty" doc:"Check jobs already in a final state"`
	AutoRetry bool `json:"auto_retry,omitempty" doc:"Re-enqueue a job whose task disappeared"`
}

type CheckStatusResponse struct {
	Body struct {
		Changed bool      `json:"changed"`
		Job     *jobs.Job `json:"job"`
	}
}

// Tasks and results

type Task struct {
	ID             string    `json:"id" doc:"Broker message id"`
	ImageID        string    `json:"image_id"`
	ImageURL       string    `json:"image_url"`
	Pipeline       string    `json:"pipeline,omitempty"`
	ReplySubject   string    `json:"reply_subject" doc:"Handle to pass back with the result"`
	QueueTimestamp time.Time `json:"queue_timestamp"`
}

type TasksResponse struct {
	Body struct {
		Tasks []Task `json:"tasks"`
	}
}

type ResultSubmission struct {
	ReplySubject string         `json:"reply_subject" doc:"Reply subject of the reserved task"`
	Result       map[string]any `json:"result" doc:"Pipeline result or error payload"`
}

type SubmitResultResponse struct {
	Status     int
	RetryAfter string `header:"Retry-After"`
	Body       struct {
		Outcome string `json:"outcome" enum:"done,retry"`
	}
}

type SubmitResultsRequest struct {
	Results []ResultSubmission `json:"results" minItems:"1"`
}

type SubmitResultsResponse struct {
	Body struct {
		TaskIDs []string `json:"task_ids"`
	}
}

type ProgressResponse struct {
	Body struct {
		JobID  int64                         `json:"job_id"`
		Stages map[string]*progress.Progress `json:"stages"`
	}
}
