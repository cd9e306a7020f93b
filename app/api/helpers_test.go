package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/metrics"
	"github.com/ami-platform/ami-jobs/app/orchestration"
	"github.com/ami-platform/ami-jobs/app/progress"
	"github.com/ami-platform/ami-jobs/app/taskqueue"
	"github.com/ami-platform/ami-jobs/testutil"
)

// stubBackend hands out sequential task ids and reports scripted states
type stubBackend struct {
	mu      sync.Mutex
	seq     int
	states  map[string]jobs.Status
	revoked []string
}

func (b *stubBackend) Submit(_ context.Context, _ *jobs.Job) (string, jobs.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("task-%d", b.seq)
	b.states[id] = jobs.StatusPending
	return id, jobs.StatusPending, nil
}

func (b *stubBackend) Status(_ context.Context, taskID string) (jobs.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[taskID]
	if !ok {
		return jobs.StatusUnknown, jobs.ErrTaskDisappeared
	}
	return state, nil
}

func (b *stubBackend) Revoke(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked = append(b.revoked, taskID)
	delete(b.states, taskID)
	return nil
}

func (b *stubBackend) set(taskID string, state jobs.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[taskID] = state
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []string
}

func (s *recordingSaver) SaveResults(_ context.Context, _ *jobs.Job, res *orchestration.SuccessResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, res.ImageIDs()...)
	return nil
}

type recordingQueue struct {
	mu       sync.Mutex
	payloads []orchestration.IngestPayload
}

func (q *recordingQueue) Enqueue(_ context.Context, p orchestration.IngestPayload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, p)
	return fmt.Sprintf("ingest-%d", len(q.payloads)), nil
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	handler  http.Handler
	manager  *jobs.Manager
	store    *jobs.MemoryStore
	backend  *stubBackend
	tasks    *taskqueue.Client
	progress *progress.Tracker
	lock     *progress.Lock
	saver    *recordingSaver
	results  *recordingQueue
	health   error
}

// newTestEnv serves the API over an in-memory job store, a miniredis backed
// progress tracker and an embedded JetStream broker
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	_, rdb := testutil.NewRedis(t)
	_, nc := testutil.NewJetStream(t)
	m, err := metrics.New()
	require.NoError(t, err)
	tasks, err := taskqueue.NewClient(nc, nil, m, taskqueue.Options{})
	require.NoError(t, err)

	env := &testEnv{
		store:    jobs.NewMemoryStore(),
		backend:  &stubBackend{states: map[string]jobs.Status{}},
		tasks:    tasks,
		progress: progress.NewTracker(rdb, time.Hour),
		lock:     progress.NewLock(rdb),
		saver:    &recordingSaver{},
		results:  &recordingQueue{},
	}
	env.manager = jobs.NewManager(env.store, env.backend, jobs.NewRegistry(jobs.NewGenericRunner()), nil, m)

	deps := orchestration.Deps{
		Jobs:     env.store,
		Progress: env.progress,
		Lock:     env.lock,
		Queue:    tasks,
		Saver:    env.saver,
		Metrics:  m,
	}
	env.manager.OnCancel(deps.CancelHook())

	_, env.handler = NewAPI(Services{
		Manager:        env.manager,
		Tasks:          tasks,
		Ingestor:       orchestration.NewIngestor(deps, orchestration.IngestConfig{}),
		Results:        env.results,
		Progress:       env.progress,
		Health:         healthFunc(func(context.Context) error { return env.health }),
		Metrics:        m,
		ReserveTimeout: 500 * time.Millisecond,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// createJob creates a generic job through the API
func (e *testEnv) createJob(t *testing.T, mode jobs.DispatchMode, start bool) *jobs.Job {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/jobs", map[string]any{
		"project_id":    4,
		"job_type_key":  jobs.GenericJobKey,
		"dispatch_mode": string(mode),
		"start":         start,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*jobs.Job](t, rec)
}
