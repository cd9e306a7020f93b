package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/progress"
	"github.com/ami-platform/ami-jobs/app/tracking"
	"github.com/ami-platform/ami-jobs/testutil"
)

var errBoom = errors.New("boom")

// fakeQueue records published tasks, acknowledgements and cleanups
type fakeQueue struct {
	mu        sync.Mutex
	published []TaskPayload
	failFor   map[string]bool
	acks      []string
	cleanups  []int64
	depth     [2]uint64
	depthErr  error
}

func (q *fakeQueue) PublishTask(_ context.Context, _ int64, payload any, _ time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := payload.(TaskPayload)
	if q.failFor[p.ImageID] {
		return false
	}
	q.published = append(q.published, p)
	return true
}

func (q *fakeQueue) AcknowledgeTask(_ context.Context, reply string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks = append(q.acks, reply)
	return true
}

func (q *fakeQueue) CleanupJobResources(_ context.Context, jobID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanups = append(q.cleanups, jobID)
	return true
}

func (q *fakeQueue) QueueDepth(context.Context, int64) (uint64, uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth[0], q.depth[1], q.depthErr
}

func (q *fakeQueue) setDepth(pending, inFlight uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.depth = [2]uint64{pending, inFlight}
}

// fakeSaver counts saves per image
type fakeSaver struct {
	mu    sync.Mutex
	saves map[string]int
	err   error
}

func (s *fakeSaver) SaveResults(_ context.Context, _ *jobs.Job, res *SuccessResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.saves == nil {
		s.saves = map[string]int{}
	}
	for _, id := range res.ImageIDs() {
		s.saves[id]++
	}
	return nil
}

func (s *fakeSaver) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.saves {
		n += c
	}
	return n
}

// fakeCatalog serves a fixed list of images
type fakeCatalog struct {
	images []SourceImage
}

func (c *fakeCatalog) ListImages(_ context.Context, q ImageQuery) ([]SourceImage, error) {
	var out []SourceImage
	for _, img := range c.images {
		if slices.Contains(q.ImageIDs, img.ID) || slices.Contains(q.EventIDs, img.EventID) {
			out = append(out, img)
		}
	}
	return out, nil
}

// fakeTracker records tracked and cleared events
type fakeTracker struct {
	mu       sync.Mutex
	tracked  []int64
	cleared  []int64
	notReady map[int64]bool
}

func (f *fakeTracker) TrackEvent(_ context.Context, eventID int64) (*tracking.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady[eventID] {
		return nil, tracking.ErrEventNotReady
	}
	f.tracked = append(f.tracked, eventID)
	return &tracking.Report{EventID: eventID, Occurrences: []int64{eventID * 10, eventID*10 + 1}}, nil
}

func (f *fakeTracker) ClearEvent(_ context.Context, eventID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, eventID)
	return nil
}

// staticBackend accepts every job as PENDING
type staticBackend struct{}

func (staticBackend) Submit(_ context.Context, job *jobs.Job) (string, jobs.Status, error) {
	return "task", jobs.StatusPending, nil
}

func (staticBackend) Status(context.Context, string) (jobs.Status, error) {
	return jobs.StatusStarted, nil
}

func (staticBackend) Revoke(context.Context, string) error { return nil }

type testEnv struct {
	store    *jobs.MemoryStore
	progress *progress.Tracker
	lock     *progress.Lock
	queue    *fakeQueue
	saver    *fakeSaver
	catalog  *fakeCatalog
	tracker  *fakeTracker
	deps     Deps
	ingestor *Ingestor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	_, rdb := testutil.NewRedis(t)
	env := &testEnv{
		store:    jobs.NewMemoryStore(),
		progress: progress.NewTracker(rdb, time.Hour),
		lock:     progress.NewLock(rdb),
		queue:    &fakeQueue{},
		saver:    &fakeSaver{},
		catalog: &fakeCatalog{images: []SourceImage{
			{ID: 1, EventID: 7, URL: "http://img/1.jpg"},
			{ID: 2, EventID: 7, URL: "http://img/2.jpg"},
			{ID: 3, EventID: 8, URL: "http://img/3.jpg"},
		}},
		tracker: &fakeTracker{},
	}
	env.deps = Deps{
		Jobs:     env.store,
		Progress: env.progress,
		Lock:     env.lock,
		Queue:    env.queue,
		Saver:    env.saver,
		Catalog:  env.catalog,
		Tracker:  env.tracker,
	}
	env.ingestor = NewIngestor(env.deps, IngestConfig{LockTTL: time.Minute})
	return env
}

// asyncJob stores a started async ML job over the given images and
// initializes its progress
func (e *testEnv) asyncJob(t *testing.T, imageIDs ...int64) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	job := &jobs.Job{
		JobTypeKey:   MLJobKey,
		DispatchMode: jobs.DispatchAsyncAPI,
		Status:       jobs.StatusStarted,
	}
	raw, err := json.Marshal(MLParams{Pipeline: "moths", SourceImageIDs: imageIDs})
	require.NoError(t, err)
	job.Params = raw
	(&MLJobRunner{}).Setup(job)
	require.NoError(t, e.store.Create(ctx, job))

	ids := make([]string, len(imageIDs))
	for n, id := range imageIDs {
		ids[n] = imageKey(id)
	}
	require.NoError(t, e.progress.Initialize(ctx, job.ID, progress.DefaultStages, ids))
	return job
}

func (e *testEnv) reload(t *testing.T, id int64) *jobs.Job {
	t.Helper()
	job, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func success(imageID string) *SuccessResult {
	return &SuccessResult{
		Pipeline:     "moths",
		SourceImages: []SourceImageRef{{ID: imageID}},
		Detections: []DetectionResult{{
			SourceImageID: imageID,
			BBox:          BBox{X1: 1, Y1: 1, X2: 20, Y2: 20},
			Algorithm:     "detector",
		}},
	}
}

func failure(msg string, imageID *string) *ErrorResult {
	return &ErrorResult{Error: msg, ImageID: imageID}
}

func ptr[T any](v T) *T { return &v }
