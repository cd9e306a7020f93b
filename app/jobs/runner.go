package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var ErrUnknownJobType = errors.New("unknown job type")

// RunOutcome tells the manager whether a job finished inside Run
type RunOutcome int

const (
	// RunComplete means every stage ran and the job may be finalized
	RunComplete RunOutcome = iota
	// RunDeferred means work was handed off and results arrive later
	RunDeferred
)

func (o RunOutcome) String() string {
	if o == RunDeferred {
		return "deferred"
	}
	return "complete"
}

// RunContext is handed to a Runner for a single execution
type RunContext struct {
	Job    *Job
	Logger *slog.Logger
	save   func(ctx context.Context) error
}

// Save persists the job's current progress
func (rc *RunContext) Save(ctx context.Context) error {
	if rc.save == nil {
		return nil
	}
	return rc.save(ctx)
}

// UpdateStage updates one stage and persists the job
func (rc *RunContext) UpdateStage(ctx context.Context, key string, status Status, progress float64) error {
	if err := rc.Job.Progress.UpdateStage(key, status, progress); err != nil {
		return err
	}
	return rc.Save(ctx)
}

// Runner implements one job type
type Runner interface {
	Key() string
	Name() string
	// Setup declares the job's stages before it is first saved
	Setup(job *Job)
	Run(ctx context.Context, rc *RunContext) (RunOutcome, error)
}

// Registry maps job type keys to runners
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

func NewRegistry(runners ...Runner) *Registry {
	r := &Registry{runners: map[string]Runner{}}
	for _, runner := range runners {
		r.Register(runner)
	}
	return r
}

func (r *Registry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runner.Key()] = runner
}

func (r *Registry) Get(key string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, key)
	}
	return runner, nil
}

// Keys returns the registered job type keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.runners))
	for k := range r.runners {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
