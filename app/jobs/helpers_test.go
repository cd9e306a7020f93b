package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeBackend records submissions and reports scripted task states
type fakeBackend struct {
	mu        sync.Mutex
	submitted []int64
	states    map[string]Status
	revoked   []string
	submitErr error
	statusErr error
	seq       int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{states: map[string]Status{}}
}

func (b *fakeBackend) Submit(_ context.Context, job *Job) (string, Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", "", b.submitErr
	}
	b.seq++
	id := fmt.Sprintf("task-%d", b.seq)
	b.submitted = append(b.submitted, job.ID)
	b.states[id] = StatusPending
	return id, StatusPending, nil
}

func (b *fakeBackend) Status(_ context.Context, taskID string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return StatusUnknown, b.statusErr
	}
	state, ok := b.states[taskID]
	if !ok {
		return StatusUnknown, ErrTaskDisappeared
	}
	return state, nil
}

func (b *fakeBackend) Revoke(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = append(b.revoked, taskID)
	delete(b.states, taskID)
	return nil
}

func (b *fakeBackend) setState(taskID string, s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[taskID] = s
}

func (b *fakeBackend) forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, taskID)
}

// scriptedRunner runs fn as its body
type scriptedRunner struct {
	key    string
	stages []string
	fn     func(ctx context.Context, rc *RunContext) (RunOutcome, error)
}

func (r *scriptedRunner) Key() string  { return r.key }
func (r *scriptedRunner) Name() string { return "Scripted " + r.key }

func (r *scriptedRunner) Setup(job *Job) {
	for _, s := range r.stages {
		job.Progress.AddStage(s, s)
	}
}

func (r *scriptedRunner) Run(ctx context.Context, rc *RunContext) (RunOutcome, error) {
	return r.fn(ctx, rc)
}

func completeAll(ctx context.Context, rc *RunContext) (RunOutcome, error) {
	for _, s := range rc.Job.Progress.Stages {
		if err := rc.UpdateStage(ctx, s.Key, StatusSuccess, 1); err != nil {
			return RunComplete, err
		}
	}
	return RunComplete, nil
}

var errBoom = errors.New("boom")

type testEnv struct {
	store   *MemoryStore
	backend *fakeBackend
	manager *Manager
}

func newTestEnv(t *testing.T, runners ...Runner) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	backend := newFakeBackend()
	registry := NewRegistry(runners...)
	return &testEnv{
		store:   store,
		backend: backend,
		manager: NewManager(store, backend, registry, nil, nil),
	}
}

func (e *testEnv) create(t *testing.T, key string, mode DispatchMode) *Job {
	t.Helper()
	job := &Job{JobTypeKey: key, DispatchMode: mode, ProjectID: 1}
	require.NoError(t, e.manager.Create(context.Background(), job))
	return job
}

func (e *testEnv) reload(t *testing.T, id int64) *Job {
	t.Helper()
	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}
