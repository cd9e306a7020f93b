package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ami-platform/ami-jobs/app/jobs"
)

// registerJobRoutes registers the job lifecycle routes
func (a *API) registerJobRoutes() {

	// POST /jobs - Create a job
	huma.Register(a.api, huma.Operation{
		OperationID:   "job-create",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Creates a job, optionally enqueueing it",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest
	}) (*JobResponse, error) {
		job := &jobs.Job{
			Name:         input.Body.Name,
			ProjectID:    input.Body.ProjectID,
			JobTypeKey:   input.Body.JobTypeKey,
			DispatchMode: jobs.DispatchMode(input.Body.DispatchMode),
		}
		if len(input.Body.Params) > 0 {
			raw, err := json.Marshal(input.Body.Params)
			if err != nil {
				return nil, huma.Error422UnprocessableEntity("Invalid params", err)
			}
			job.Params = raw
		}

		if err := a.svc.Manager.Create(ctx, job); err != nil {
			if errors.Is(err, jobs.ErrUnknownJobType) {
				return nil, huma.Error422UnprocessableEntity(err.Error())
			}
			return nil, huma.Error500InternalServerError("Failed to create job", err)
		}
		if input.Body.Start {
			if err := a.svc.Manager.Enqueue(ctx, job); err != nil {
				return nil, huma.Error500InternalServerError("Failed to enqueue job", err)
			}
		}
		return &JobResponse{Body: job}, nil
	})

	// GET /jobs/{id}
	huma.Register(a.api, huma.Operation{
		OperationID: "job-get",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Gets a job with its progress",
		Tags:        []string{"Jobs"},
	}, func(ctx context.Context, input *JobIDInput) (*JobResponse, error) {
		job, err := a.loadJob(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &JobResponse{Body: job}, nil
	})

	// POST /jobs/{id}/run
	huma.Register(a.api, huma.Operation{
		OperationID: "job-run",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/run",
		Summary:     "Enqueues a job on the worker",
		Tags:        []string{"Jobs"},
	}, func(ctx context.Context, input *JobIDInput) (*JobResponse, error) {
		job, err := a.loadJob(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsRunning() {
			return nil, huma.Error409Conflict("Job is already running")
		}
		if err := a.svc.Manager.Enqueue(ctx, job); err != nil {
			return nil, huma.Error500InternalServerError("Failed to enqueue job", err)
		}
		return &JobResponse{Body: job}, nil
	})

	// POST /jobs/{id}/cancel
	huma.Register(a.api, huma.Operation{
		OperationID: "job-cancel",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/cancel",
		Summary:     "Revokes a job and releases its queue resources",
		Tags:        []string{"Jobs"},
	}, func(ctx context.Context, input *JobIDInput) (*JobResponse, error) {
		job, err := a.loadJob(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		if err := a.svc.Manager.Cancel(ctx, job); err != nil {
			return nil, huma.Error500InternalServerError("Failed to cancel job", err)
		}
		return &JobResponse{Body: job}, nil
	})

	// POST /jobs/{id}/retry
	huma.Register(a.api, huma.Operation{
		OperationID: "job-retry",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/retry",
		Summary:     "Resets a finished job's progress and enqueues it again",
		Tags:        []string{"Jobs"},
	}, func(ctx context.Context, input *JobIDInput) (*JobResponse, error) {
		job, err := a.loadJob(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsRunning() {
			return nil, huma.Error409Conflict("Job is still running")
		}
		if err := a.svc.Manager.Retry(ctx, job); err != nil {
			return nil, huma.Error500InternalServerError("Failed to retry job", err)
		}
		return &JobResponse{Body: job}, nil
	})

	// POST /jobs/{id}/check-status
	huma.Register(a.api, huma.Operation{
		OperationID: "job-check-status",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/check-status",
		Summary:     "Reconciles the stored status with the execution backend",
		Tags:        []string{"Jobs"},
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id" doc:"Job ID"`
		Body *CheckStatusRequest `required:"false"`
	}) (*CheckStatusResponse, error) {
		job, err := a.loadJob(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		opts := jobs.CheckOptions{Save: true}
		if input.Body != nil {
			opts.Force = input.Body.Force
			opts.AutoRetry = input.Body.AutoRetry
		}
		changed, err := a.svc.Manager.CheckStatus(ctx, job, opts)
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to check job status", err)
		}
		resp := &CheckStatusResponse{}
		resp.Body.Changed = changed
		resp.Body.Job = job
		return resp, nil
	})
}
