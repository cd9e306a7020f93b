package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ami-platform/ami-jobs/app/jobs"
)

const (
	TaskTypeIngestResult = "ami:ingest_result"

	ingestMaxRetry = 25
	ingestTimeout  = 10 * time.Minute
)

// ErrJobBusy is returned by the ingestion task handler so asynq retries the
// task once the job lock is free
var ErrJobBusy = errors.New("job busy")

// IngestPayload is the asynq task body for TaskTypeIngestResult
type IngestPayload struct {
	JobID        int64           `json:"job_id"`
	ReplySubject string          `json:"reply_subject"`
	Result       json.RawMessage `json:"result"`
}

// IngestQueue defers results to the asynq worker
type IngestQueue struct {
	client jobs.AsynqClient
	queue  string
}

func NewIngestQueue(client jobs.AsynqClient, queue string) *IngestQueue {
	return &IngestQueue{client: client, queue: queue}
}

// Enqueue schedules one result for ingestion and returns the task id
func (q *IngestQueue) Enqueue(ctx context.Context, p IngestPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode ingest payload: %w", err)
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeIngestResult, body),
		asynq.Queue(q.queue),
		asynq.MaxRetry(ingestMaxRetry),
		asynq.Timeout(ingestTimeout),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue result for job %d: %w", p.JobID, err)
	}
	return info.ID, nil
}

// HandleIngestTask is the asynq handler for TaskTypeIngestResult
func (i *Ingestor) HandleIngestTask(ctx context.Context, task *asynq.Task) error {
	var p IngestPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("invalid ingest payload: %v: %w", err, asynq.SkipRetry)
	}
	res, err := ParseResult(p.Result)
	if err != nil {
		return fmt.Errorf("invalid result for job %d: %v: %w", p.JobID, err, asynq.SkipRetry)
	}
	outcome, err := i.Ingest(ctx, p.JobID, p.ReplySubject, res)
	if err != nil {
		return err
	}
	if outcome == Retry {
		return fmt.Errorf("job %d: %w", p.JobID, ErrJobBusy)
	}
	return nil
}

// Register adds the ingestion handler to a worker mux
func (i *Ingestor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeIngestResult, i.HandleIngestTask)
}

// RetryDelay retries busy jobs quickly and falls back to asynq's
// exponential backoff for other failures
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	if errors.Is(err, ErrJobBusy) {
		return time.Duration(min(n+1, 10)) * time.Second
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}
