package orchestration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/progress"
)

// fakeService fails every image listed in failFor
type fakeService struct {
	calls   [][]int64
	failFor map[int64]bool
}

func (s *fakeService) Process(_ context.Context, pipeline string, images []SourceImage) ([]Result, error) {
	var ids []int64
	var out []Result
	for _, img := range images {
		ids = append(ids, img.ID)
		key := imageKey(img.ID)
		if s.failFor[img.ID] {
			out = append(out, failure("out of memory", &key))
			continue
		}
		out = append(out, success(key))
	}
	s.calls = append(s.calls, ids)
	return out, nil
}

func (e *testEnv) manager(runner jobs.Runner) *jobs.Manager {
	return jobs.NewManager(e.store, staticBackend{}, jobs.NewRegistry(runner), nil, nil)
}

func (e *testEnv) createMLJob(t *testing.T, m *jobs.Manager, mode jobs.DispatchMode, params MLParams) *jobs.Job {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	job := &jobs.Job{JobTypeKey: MLJobKey, DispatchMode: mode, Params: raw}
	require.NoError(t, m.Create(context.Background(), job))
	return job
}

func TestMLJobSetupDeclaresStages(t *testing.T) {
	raw, err := json.Marshal(MLParams{Pipeline: "moths"})
	require.NoError(t, err)
	job := &jobs.Job{Params: raw}
	(&MLJobRunner{}).Setup(job)

	var keys []string
	for _, s := range job.Progress.Stages {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []string{StageCollect, progress.StageProcess, progress.StageResults}, keys)
	v, ok := job.Progress.Stage(progress.StageProcess).Param("pipeline")
	require.True(t, ok)
	assert.Equal(t, "moths", v)
}

func TestMLJobAsyncPublishesAndFinishesOnIngest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runner := NewMLJobRunner(env.deps, env.ingestor, nil, 0)
	m := env.manager(runner)
	job := env.createMLJob(t, m, jobs.DispatchAsyncAPI, MLParams{Pipeline: "moths", EventIDs: []int64{7}})

	require.NoError(t, m.Execute(ctx, job.ID))

	require.Len(t, env.queue.published, 2)
	assert.Equal(t, TaskPayload{JobID: job.ID, ImageID: "1", ImageURL: "http://img/1.jpg", Pipeline: "moths"}, env.queue.published[0])
	stored := env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusStarted, stored.Status, "async jobs stay running until results arrive")
	assert.Equal(t, jobs.StatusSuccess, stored.Progress.Stage(StageCollect).Status)
	assert.Equal(t, jobs.StatusStarted, stored.Progress.Stage(progress.StageProcess).Status)

	for _, task := range env.queue.published {
		outcome, err := env.ingestor.Ingest(ctx, job.ID, "reply."+task.ImageID, success(task.ImageID))
		require.NoError(t, err)
		assert.Equal(t, Done, outcome)
	}

	stored = env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusSuccess, stored.Status)
	assert.True(t, stored.Progress.IsComplete())
	assert.Equal(t, 1.0, stored.Progress.Summary.Progress)
	assert.Equal(t, []int64{job.ID}, env.queue.cleanups)
}

func TestMLJobAsyncRecordsUnpublishedImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.queue.failFor = map[string]bool{"2": true}
	runner := NewMLJobRunner(env.deps, env.ingestor, nil, 0)
	m := env.manager(runner)
	job := env.createMLJob(t, m, jobs.DispatchAsyncAPI, MLParams{Pipeline: "moths", SourceImageIDs: []int64{1, 2}})

	require.NoError(t, m.Execute(ctx, job.ID))
	require.Len(t, env.queue.published, 1)

	p, err := env.progress.GetProgress(ctx, job.ID, progress.StageResults)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Processed)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, []string{"image 2: failed to publish task"}, env.reload(t, job.ID).Progress.Errors)

	_, err = env.ingestor.Ingest(ctx, job.ID, "reply.1", success("1"))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSuccess, env.reload(t, job.ID).Status)
}

func TestMLJobAsyncFailsWhenNothingPublished(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.queue.failFor = map[string]bool{"1": true, "2": true}
	runner := NewMLJobRunner(env.deps, env.ingestor, nil, 0)
	m := env.manager(runner)
	job := env.createMLJob(t, m, jobs.DispatchAsyncAPI, MLParams{Pipeline: "moths", EventIDs: []int64{7}})

	require.NoError(t, m.Execute(ctx, job.ID))

	stored := env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusFailure, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
	assert.Equal(t, []int64{job.ID}, env.queue.cleanups)
	p, err := env.progress.GetProgress(ctx, job.ID, progress.StageProcess)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMLJobWithoutImagesSucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runner := NewMLJobRunner(env.deps, env.ingestor, nil, 0)
	m := env.manager(runner)
	job := env.createMLJob(t, m, jobs.DispatchAsyncAPI, MLParams{Pipeline: "moths", EventIDs: []int64{99}})

	require.NoError(t, m.Execute(ctx, job.ID))

	stored := env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusSuccess, stored.Status)
	assert.True(t, stored.Progress.IsComplete())
	assert.Empty(t, env.queue.published)
}

func TestMLJobRequiresPipeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runner := NewMLJobRunner(env.deps, env.ingestor, nil, 0)
	m := env.manager(runner)
	job := env.createMLJob(t, m, jobs.DispatchAsyncAPI, MLParams{EventIDs: []int64{7}})

	require.NoError(t, m.Execute(ctx, job.ID))

	stored := env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusFailure, stored.Status)
	assert.Contains(t, stored.Progress.Errors, "ml job has no pipeline")
}

func TestMLJobSyncBatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	service := &fakeService{failFor: map[int64]bool{2: true}}
	runner := NewMLJobRunner(env.deps, env.ingestor, service, 0)
	m := env.manager(runner)
	job := env.createMLJob(t, m, jobs.DispatchSyncAPI, MLParams{
		Pipeline:       "moths",
		SourceImageIDs: []int64{1, 2, 3},
		BatchSize:      2,
	})

	require.NoError(t, m.Execute(ctx, job.ID))

	assert.Equal(t, [][]int64{{1, 2}, {3}}, service.calls)
	assert.Equal(t, map[string]int{"1": 1, "3": 1}, env.saver.saves)
	assert.Empty(t, env.queue.published)

	stored := env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusSuccess, stored.Status)
	var result map[string]int
	require.NoError(t, json.Unmarshal(stored.Result, &result))
	assert.Equal(t, map[string]int{"total": 3, "processed": 3, "failed": 1}, result)
	assert.ElementsMatch(t, []int64{7, 8}, env.tracker.tracked)
}

func TestMLJobSyncFailureThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	service := &fakeService{failFor: map[int64]bool{1: true, 2: true}}
	runner := NewMLJobRunner(env.deps, env.ingestor, service, 0)
	m := env.manager(runner)
	job := env.createMLJob(t, m, jobs.DispatchInternal, MLParams{Pipeline: "moths", EventIDs: []int64{7}})

	require.NoError(t, m.Execute(ctx, job.ID))

	stored := env.reload(t, job.ID)
	assert.Equal(t, jobs.StatusFailure, stored.Status)
	assert.Contains(t, stored.Progress.Errors, "2 of 2 images failed")
	assert.Empty(t, env.tracker.tracked)
}

func TestProcessingServiceClient(t *testing.T) {
	var got processRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [
			{"pipeline": "moths", "source_images": [{"id": "1"}], "detections": []},
			{"error": "bad image", "image_id": 2}
		]}`))
	}))
	defer srv.Close()

	client := NewProcessingServiceClient(srv.URL+"/", 0)
	results, err := client.Process(context.Background(), "moths", []SourceImage{
		{ID: 1, URL: "http://img/1.jpg"},
		{ID: 2, URL: "http://img/2.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, "moths", got.Pipeline)
	assert.Equal(t, []SourceImageRef{{ID: "1", URL: "http://img/1.jpg"}, {ID: "2", URL: "http://img/2.jpg"}}, got.SourceImages)

	require.Len(t, results, 2)
	assert.IsType(t, &SuccessResult{}, results[0])
	errRes, ok := results[1].(*ErrorResult)
	require.True(t, ok)
	assert.Equal(t, []string{"2"}, errRes.ImageIDs())
}

func TestProcessingServiceClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "pipeline not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewProcessingServiceClient(srv.URL, 0).Process(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "pipeline not found")
}
