package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/orchestration"
	"github.com/ami-platform/ami-jobs/app/progress"
)

type tasksBody struct {
	Tasks []Task `json:"tasks"`
}

type progressBody struct {
	JobID  int64                         `json:"job_id"`
	Stages map[string]*progress.Progress `json:"stages"`
}

// publishImages initializes progress and publishes one task per image
func (e *testEnv) publishImages(t *testing.T, job *jobs.Job, imageIDs ...string) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, e.progress.Initialize(ctx, job.ID, progress.DefaultStages, imageIDs))
	for _, id := range imageIDs {
		ok := e.tasks.PublishTask(ctx, job.ID, orchestration.TaskPayload{
			JobID:     job.ID,
			ImageID:   id,
			ImageURL:  "http://img/" + id + ".jpg",
			Pipeline:  "moths",
			Timestamp: time.Now(),
		}, 30*time.Second)
		require.True(t, ok)
	}
}

func successFor(imageID string) map[string]any {
	return map[string]any{
		"pipeline":      "moths",
		"source_images": []map[string]any{{"id": imageID}},
		"detections":    []map[string]any{},
	}
}

func TestTaskPullAndResultSubmission(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, jobs.DispatchAsyncAPI, false)
	env.publishImages(t, job, "1", "2")

	rec := env.do(t, http.MethodGet, "/jobs/1/tasks?batch=5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tasks := decode[tasksBody](t, rec).Tasks
	require.Len(t, tasks, 2)
	assert.Equal(t, "1", tasks[0].ImageID)
	assert.Equal(t, "http://img/1.jpg", tasks[0].ImageURL)
	assert.Equal(t, "moths", tasks[0].Pipeline)
	assert.NotEmpty(t, tasks[0].ReplySubject)
	assert.False(t, tasks[0].QueueTimestamp.IsZero())

	rec = env.do(t, http.MethodPost, "/jobs/1/result", map[string]any{
		"reply_subject": tasks[0].ReplySubject,
		"result":        successFor("1"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "done", decode[map[string]string](t, rec)["outcome"])
	assert.Equal(t, []string{"1"}, env.saver.saved)

	rec = env.do(t, http.MethodGet, "/jobs/1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[progressBody](t, rec)
	require.Contains(t, snap.Stages, progress.StageProcess)
	assert.Equal(t, 1, snap.Stages[progress.StageProcess].Remaining)
	assert.Equal(t, 0.5, snap.Stages[progress.StageResults].Percentage)

	rec = env.do(t, http.MethodPost, "/jobs/1/result", map[string]any{
		"reply_subject": tasks[1].ReplySubject,
		"result":        map[string]any{"error": "model crashed", "image_id": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := env.store.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusSuccess, stored.Status)
	assert.Equal(t, []string{"image 2: model crashed"}, stored.Progress.Errors)
	assert.JSONEq(t, `{"total": 2, "processed": 2, "failed": 1}`, string(stored.Result))

	// finished jobs hand out no more tasks and their progress is gone
	rec = env.do(t, http.MethodGet, "/jobs/1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[tasksBody](t, rec).Tasks)

	rec = env.do(t, http.MethodGet, "/jobs/1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[progressBody](t, rec).Stages)
}

func TestTasksAfterQueueCleanup(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, jobs.DispatchAsyncAPI, false)
	env.publishImages(t, job, "1")
	require.True(t, env.tasks.CleanupJobResources(t.Context(), job.ID))

	rec := env.do(t, http.MethodGet, "/jobs/1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[tasksBody](t, rec).Tasks)
}

func TestTasksRequireAsyncJob(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, jobs.DispatchInternal, false)

	rec := env.do(t, http.MethodGet, "/jobs/1/tasks", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/jobs/2/tasks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/jobs/1/tasks?batch=0", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSubmitResultWhileBusy(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, jobs.DispatchAsyncAPI, false)
	env.publishImages(t, job, "1")

	ok, err := env.lock.Acquire(t.Context(), job.ID, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := env.do(t, http.MethodPost, "/jobs/1/result", map[string]any{
		"reply_subject": "",
		"result":        successFor("1"),
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "retry", decode[map[string]string](t, rec)["outcome"])
	assert.Empty(t, env.saver.saved)

	p, err := env.progress.GetProgress(t.Context(), job.ID, progress.StageProcess)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Remaining)
}

func TestSubmitInvalidResult(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, jobs.DispatchAsyncAPI, false)

	tests := []struct {
		name   string
		result map[string]any
	}{
		{"no images", map[string]any{"pipeline": "moths"}},
		{"non numeric image", successFor("abc")},
		{"bad box", map[string]any{
			"source_images": []map[string]any{{"id": "1"}},
			"detections": []map[string]any{{
				"source_image_id": "1",
				"bbox":            map[string]any{"x1": 10, "y1": 10, "x2": 5, "y2": 20},
			}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/jobs/1/result", map[string]any{
				"reply_subject": "",
				"result":        tt.result,
			})
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmitResultForMissingJob(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/jobs/42/result", map[string]any{
		"reply_subject": "",
		"result":        successFor("1"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, env.saver.saved)
}

func TestSubmitResultBatch(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, jobs.DispatchAsyncAPI, false)

	var results []map[string]any
	for n := range 3 {
		results = append(results, map[string]any{
			"reply_subject": fmt.Sprintf("$JS.ACK.%d", n),
			"result":        successFor(fmt.Sprint(n + 1)),
		})
	}
	rec := env.do(t, http.MethodPost, "/jobs/1/results", map[string]any{"results": results})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	queued := decode[struct {
		TaskIDs []string `json:"task_ids"`
	}](t, rec)
	assert.Equal(t, []string{"ingest-1", "ingest-2", "ingest-3"}, queued.TaskIDs)

	require.Len(t, env.results.payloads, 3)
	assert.Equal(t, int64(1), env.results.payloads[2].JobID)
	assert.Equal(t, "$JS.ACK.2", env.results.payloads[2].ReplySubject)
	res, err := orchestration.ParseResult(env.results.payloads[2].Result)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, res.ImageIDs())

	rec = env.do(t, http.MethodPost, "/jobs/1/results", map[string]any{"results": []map[string]any{
		{"reply_subject": "", "result": successFor("1")},
		{"reply_subject": "", "result": map[string]any{}},
	}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Len(t, env.results.payloads, 3, "a rejected batch queues nothing")
}
