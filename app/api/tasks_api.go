package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/orchestration"
	"github.com/ami-platform/ami-jobs/app/progress"
	"github.com/ami-platform/ami-jobs/app/taskqueue"
)

// registerTaskRoutes registers the routes external workers use to pull
// tasks and report results
func (a *API) registerTaskRoutes() {

	// GET /jobs/{id}/tasks - Reserve tasks
	huma.Register(a.api, huma.Operation{
		OperationID: "job-tasks",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/tasks",
		Summary:     "Reserves up to batch tasks of an async job",
		Description: "Reserved tasks are redelivered unless their result is submitted before the visibility timeout.",
		Tags:        []string{"Tasks"},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id" doc:"Job ID"`
		Batch int   `query:"batch" default:"1" minimum:"1" maximum:"100" doc:"Number of tasks to reserve"`
	}) (*TasksResponse, error) {
		job, err := a.loadJob(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		if job.DispatchMode != jobs.DispatchAsyncAPI {
			return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("Job dispatch mode is %s, not %s", job.DispatchMode, jobs.DispatchAsyncAPI))
		}

		resp := &TasksResponse{}
		resp.Body.Tasks = []Task{}
		if job.Status.IsFinal() {
			return resp, nil
		}

		reserved, err := a.svc.Tasks.ReserveTasks(ctx, job.ID, min(input.Batch, MaxTaskBatch), a.svc.ReserveTimeout)
		if errors.Is(err, taskqueue.ErrJobQueueNotFound) {
			return resp, nil
		}
		if err != nil && len(reserved) == 0 {
			return nil, huma.Error503ServiceUnavailable("Failed to reserve tasks", err)
		}
		if err != nil {
			a.logger.Warn("partial task reservation", "job_id", job.ID, "reserved", len(reserved), "error", err)
		}

		for _, t := range reserved {
			var payload orchestration.TaskPayload
			if err := t.Decode(&payload); err != nil {
				a.logger.Error("dropping undecodable task", "job_id", job.ID, "task_id", t.ID, "error", err)
				continue
			}
			resp.Body.Tasks = append(resp.Body.Tasks, Task{
				ID:             t.ID,
				ImageID:        payload.ImageID,
				ImageURL:       payload.ImageURL,
				Pipeline:       payload.Pipeline,
				ReplySubject:   t.ReplySubject,
				QueueTimestamp: t.QueueTimestamp,
			})
		}
		return resp, nil
	})

	// POST /jobs/{id}/result - Submit one result
	huma.Register(a.api, huma.Operation{
		OperationID: "job-result",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/result",
		Summary:     "Submits the result of a reserved task",
		Description: "Returns 409 with Retry-After when another result for the job is being applied; resubmit the same result.",
		Tags:        []string{"Tasks"},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" doc:"Job ID"`
		Body ResultSubmission
	}) (*SubmitResultResponse, error) {
		res, err := decodeResult(input.Body.Result)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("Invalid result", err)
		}

		outcome, err := a.svc.Ingestor.Ingest(ctx, input.ID, input.Body.ReplySubject, res)
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to ingest result", err)
		}

		resp := &SubmitResultResponse{Status: http.StatusOK}
		resp.Body.Outcome = outcome.String()
		if outcome == orchestration.Retry {
			resp.Status = http.StatusConflict
			resp.RetryAfter = strconv.Itoa(int(orchestration.DefaultRetryAfter.Seconds()))
		}
		return resp, nil
	})

	if a.svc.Results != nil {
		// POST /jobs/{id}/results - Queue a batch of results
		huma.Register(a.api, huma.Operation{
			OperationID:   "job-results",
			Method:        http.MethodPost,
			Path:          "/jobs/{id}/results",
			Summary:       "Queues a batch of results for background ingestion",
			Tags:          []string{"Tasks"},
			DefaultStatus: http.StatusAccepted,
		}, func(ctx context.Context, input *struct {
			ID   int64 `path:"id" doc:"Job ID"`
			Body SubmitResultsRequest
		}) (*SubmitResultsResponse, error) {
			payloads := make([]orchestration.IngestPayload, 0, len(input.Body.Results))
			for n, sub := range input.Body.Results {
				raw, err := json.Marshal(sub.Result)
				if err != nil {
					return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("Invalid result %d", n), err)
				}
				if _, err := orchestration.ParseResult(raw); err != nil {
					return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("Invalid result %d", n), err)
				}
				payloads = append(payloads, orchestration.IngestPayload{
					JobID:        input.ID,
					ReplySubject: sub.ReplySubject,
					Result:       raw,
				})
			}

			resp := &SubmitResultsResponse{}
			resp.Body.TaskIDs = []string{}
			for _, p := range payloads {
				id, err := a.svc.Results.Enqueue(ctx, p)
				if err != nil {
					return nil, huma.Error503ServiceUnavailable("Failed to queue results", err)
				}
				resp.Body.TaskIDs = append(resp.Body.TaskIDs, id)
			}
			return resp, nil
		})
	}

	// GET /jobs/{id}/progress
	huma.Register(a.api, huma.Operation{
		OperationID: "job-progress",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/progress",
		Summary:     "Gets the tracker snapshot of each stage of an async job",
		Tags:        []string{"Tasks"},
	}, func(ctx context.Context, input *JobIDInput) (*ProgressResponse, error) {
		if _, err := a.loadJob(ctx, input.ID); err != nil {
			return nil, err
		}
		resp := &ProgressResponse{}
		resp.Body.JobID = input.ID
		resp.Body.Stages = map[string]*progress.Progress{}
		for _, stage := range progress.DefaultStages {
			p, err := a.svc.Progress.GetProgress(ctx, input.ID, stage)
			if err != nil {
				return nil, huma.Error503ServiceUnavailable("Failed to read progress", err)
			}
			if p != nil {
				resp.Body.Stages[stage] = p
			}
		}
		return resp, nil
	})
}

func decodeResult(body map[string]any) (orchestration.Result, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return orchestration.ParseResult(raw)
}
