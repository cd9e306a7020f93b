package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ami-platform/ami-jobs/app/jobs"
)

var _ jobs.Store = (*Store)(nil)

const jobColumns = `
	id, name, project_id, job_type_key, status, dispatch_mode, progress,
	params, task_id, result, auto_retries, created_at, updated_at,
	scheduled_at, started_at, finished_at, last_checked_at
`

func scanJob(row pgx.Row) (*jobs.Job, error) {
	job := &jobs.Job{}
	var status, mode string
	var progressJSON, paramsJSON, resultJSON []byte

	err := row.Scan(
		&job.ID, &job.Name, &job.ProjectID, &job.JobTypeKey, &status, &mode,
		&progressJSON, &paramsJSON, &job.TaskID, &resultJSON, &job.AutoRetries,
		&job.CreatedAt, &job.UpdatedAt, &job.ScheduledAt, &job.StartedAt,
		&job.FinishedAt, &job.LastCheckedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = jobs.Status(status)
	job.DispatchMode = jobs.DispatchMode(mode)
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
			return nil, fmt.Errorf("failed to decode progress of job %d: %w", job.ID, err)
		}
	}
	if len(paramsJSON) > 0 {
		job.Params = paramsJSON
	}
	if len(resultJSON) > 0 {
		job.Result = resultJSON
	}
	return job, nil
}

// nullJSON stores an empty payload as SQL NULL
func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// Create records a new job and fills in its id and timestamps
func (s *Store) Create(ctx context.Context, job *jobs.Job) error {
	progressJSON, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	query := `
		INSERT INTO ami_jobs
		(name, project_id, job_type_key, status, dispatch_mode, progress, params, task_id, result, auto_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err = s.db.Pool.QueryRow(ctx, query,
		job.Name, job.ProjectID, job.JobTypeKey, string(job.Status), string(job.DispatchMode),
		progressJSON, nullJSON(job.Params), job.TaskID, nullJSON(job.Result), job.AutoRetries,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get retrieves a job by id
func (s *Store) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	job, err := scanJob(s.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ami_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return job, nil
}

// Save overwrites every mutable column of the job
func (s *Store) Save(ctx context.Context, job *jobs.Job) error {
	return s.save(ctx, s.db.Pool, job)
}

func (s *Store) save(ctx context.Context, q querier, job *jobs.Job) error {
	progressJSON, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	query := `
		UPDATE ami_jobs
		SET name = $2, project_id = $3, job_type_key = $4, status = $5,
		    dispatch_mode = $6, progress = $7, params = $8, task_id = $9,
		    result = $10, auto_retries = $11, updated_at = NOW(),
		    scheduled_at = $12, started_at = $13, finished_at = $14,
		    last_checked_at = $15
		WHERE id = $1
		RETURNING updated_at
	`
	err = q.QueryRow(ctx, query,
		job.ID, job.Name, job.ProjectID, job.JobTypeKey, string(job.Status),
		string(job.DispatchMode), progressJSON, nullJSON(job.Params), job.TaskID,
		nullJSON(job.Result), job.AutoRetries, job.ScheduledAt, job.StartedAt,
		job.FinishedAt, job.LastCheckedAt,
	).Scan(&job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", jobs.ErrJobNotFound, job.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to save job %d: %w", job.ID, err)
	}
	return nil
}

// Update locks the job row, applies fn and saves the result in one transaction
func (s *Store) Update(ctx context.Context, id int64, fn func(*jobs.Job) error) (*jobs.Job, error) {
	var job *jobs.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM ami_jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %d", jobs.ErrJobNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock job %d: %w", id, err)
		}
		if err := fn(job); err != nil {
			return err
		}
		return s.save(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListStale returns jobs in one of statuses not updated since cutoff
func (s *Store) ListStale(ctx context.Context, statuses []jobs.Status, cutoff time.Time) ([]*jobs.Job, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM ami_jobs
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY id
	`, names, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// DeleteJob removes a job record
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	result, err := s.db.Pool.Exec(ctx, `DELETE FROM ami_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", jobs.ErrJobNotFound, id)
	}
	return nil
}
