package jobs

import (
	"context"
	"errors"
	"time"
)

var ErrJobNotFound = errors.New("job not found")

// Store persists jobs. Get returns nil, nil when the job does not exist.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id int64) (*Job, error)
	Save(ctx context.Context, job *Job) error
	// Update loads the job, applies fn and saves it atomically with respect
	// to other Update calls. It returns ErrJobNotFound if the job is gone.
	Update(ctx context.Context, id int64, fn func(*Job) error) (*Job, error)
	// ListStale returns jobs in one of statuses last updated before cutoff
	ListStale(ctx context.Context, statuses []Status, cutoff time.Time) ([]*Job, error)
}
