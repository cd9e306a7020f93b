package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskTypeRunJob = "ami:run_job"

	DefaultJobTimeout    = 12 * time.Hour
	DefaultTaskRetention = 7 * 24 * time.Hour
)

// RunJobPayload is the asynq task body for TaskTypeRunJob
type RunJobPayload struct {
	JobID int64 `json:"job_id"`
}

// AsynqClient abstracts task enqueue operations
type AsynqClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqInspector abstracts task state inspection
type AsynqInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	CancelProcessing(id string) error
	DeleteTask(queue, id string) error
	Close() error
}

var _ AsynqClient = (*asynq.Client)(nil)
var _ AsynqInspector = (*asynq.Inspector)(nil)

// AsynqBackend runs jobs on asynq workers sharing the Redis instance
type AsynqBackend struct {
	client    AsynqClient
	inspector AsynqInspector
	queue     string
	timeout   time.Duration
	retention time.Duration
}

// NewAsynqBackend builds a backend for the given queue
func NewAsynqBackend(client AsynqClient, inspector AsynqInspector, queue string) *AsynqBackend {
	return &AsynqBackend{
		client:    client,
		inspector: inspector,
		queue:     queue,
		timeout:   DefaultJobTimeout,
		retention: DefaultTaskRetention,
	}
}

// WithRetention controls how long finished tasks stay visible to Status
func (b *AsynqBackend) WithRetention(d time.Duration) *AsynqBackend {
	if d > 0 {
		b.retention = d
	}
	return b
}

func (b *AsynqBackend) Submit(ctx context.Context, job *Job) (string, Status, error) {
	body, err := json.Marshal(RunJobPayload{JobID: job.ID})
	if err != nil {
		return "", "", fmt.Errorf("failed to encode job payload: %w", err)
	}
	taskID := fmt.Sprintf("job-%d-%s", job.ID, uuid.NewString())

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeRunJob, body),
		asynq.Queue(b.queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Timeout(b.timeout),
		asynq.Retention(b.retention),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to enqueue job %d: %w", job.ID, err)
	}
	return info.ID, MapTaskState(info.State), nil
}

func (b *AsynqBackend) Status(_ context.Context, taskID string) (Status, error) {
	info, err := b.inspector.GetTaskInfo(b.queue, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return StatusUnknown, fmt.Errorf("%w: %s", ErrTaskDisappeared, taskID)
		}
		return StatusUnknown, fmt.Errorf("failed to inspect task %s: %w", taskID, err)
	}
	return MapTaskState(info.State), nil
}

func (b *AsynqBackend) Revoke(_ context.Context, taskID string) error {
	info, err := b.inspector.GetTaskInfo(b.queue, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return fmt.Errorf("failed to inspect task %s: %w", taskID, err)
	}

	switch info.State {
	case asynq.TaskStateActive:
		err = b.inspector.CancelProcessing(taskID)
	case asynq.TaskStateCompleted:
		return nil
	default:
		err = b.inspector.DeleteTask(b.queue, taskID)
	}
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return fmt.Errorf("failed to revoke task %s: %w", taskID, err)
	}
	return nil
}

// MapTaskState converts an asynq task state to a job status
func MapTaskState(state asynq.TaskState) Status {
	switch state {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateAggregating:
		return StatusPending
	case asynq.TaskStateActive:
		return StatusStarted
	case asynq.TaskStateRetry:
		return StatusRetry
	case asynq.TaskStateCompleted:
		return StatusSuccess
	case asynq.TaskStateArchived:
		return StatusFailure
	default:
		return StatusUnknown
	}
}

// WorkerConfig controls the asynq worker server
type WorkerConfig struct {
	Queue       string
	Concurrency int
	Logger      *slog.Logger
	// RetryDelay overrides asynq's exponential backoff for failed tasks
	RetryDelay asynq.RetryDelayFunc
}

// NewWorkerServer builds an asynq server and mux that execute queued jobs
// through the manager. Extra handlers can be added to the returned mux.
func NewWorkerServer(redisOpt asynq.RedisConnOpt, m *Manager, cfg WorkerConfig) (*asynq.Server, *asynq.ServeMux) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    cfg.Concurrency,
		Queues:         map[string]int{cfg.Queue: 1},
		RetryDelayFunc: cfg.RetryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", "type", task.Type(), "error", err)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeRunJob, func(ctx context.Context, task *asynq.Task) error {
		var payload RunJobPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid job payload: %v: %w", err, asynq.SkipRetry)
		}
		return m.Execute(ctx, payload.JobID)
	})
	return srv, mux
}
