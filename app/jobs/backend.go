package jobs

import (
	"context"
	"errors"
)

// ErrTaskDisappeared means the execution backend no longer knows the task
var ErrTaskDisappeared = errors.New("task disappeared from backend")

// Backend executes jobs out of process. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Submit schedules the job and returns the task handle and its state
	Submit(ctx context.Context, job *Job) (taskID string, state Status, err error)
	// Status reports the current state of a task, or ErrTaskDisappeared
	Status(ctx context.Context, taskID string) (Status, error)
	// Revoke stops a task that has not finished
	Revoke(ctx context.Context, taskID string) error
}
