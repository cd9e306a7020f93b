package taskqueue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ami-platform/ami-jobs/testutil"
)

type testTask struct {
	ImageID  string `json:"image_id"`
	ImageURL string `json:"image_url"`
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	_, nc := testutil.NewJetStream(t)
	c, err := NewClient(nc, nil, nil, Options{})
	require.NoError(t, err)
	return c
}

func TestNames(t *testing.T) {
	assert.Equal(t, "job_42", StreamName(42))
	assert.Equal(t, "job.42.tasks", Subject(42))
	assert.Equal(t, "job-42-consumer", ConsumerName(42))
}

func TestPublishProvisionsOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.True(t, c.PublishTask(ctx, 1, testTask{ImageID: "10"}, 5*time.Second))

	stream, err := c.js.Stream(ctx, StreamName(1))
	require.NoError(t, err)
	cons, err := c.js.Consumer(ctx, StreamName(1), ConsumerName(1))
	require.NoError(t, err)

	info, err := cons.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, jetstream.AckExplicitPolicy, info.Config.AckPolicy)
	assert.Equal(t, 5*time.Second, info.Config.AckWait)
	assert.Equal(t, DefaultMaxDeliver, info.Config.MaxDeliver)
	created := info.Created

	require.True(t, c.PublishTask(ctx, 1, testTask{ImageID: "11"}, 5*time.Second))

	// Both provisioning calls now find existing resources
	streamCreated, err := c.EnsureStream(ctx, 1)
	require.NoError(t, err)
	assert.False(t, streamCreated)
	consumerCreated, err := c.EnsureConsumer(ctx, 1, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, consumerCreated)

	info, err = cons.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, created, info.Created, "consumer must not be recreated")

	sinfo, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sinfo.State.Msgs)
}

func TestReserveAndAcknowledge(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.True(t, c.PublishTask(ctx, 2, testTask{ImageID: "20", ImageURL: "http://img/20.jpg"}, 5*time.Second))

	task, err := c.ReserveTask(ctx, 2, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.NotEmpty(t, task.ReplySubject)
	assert.NotEmpty(t, task.ID)
	assert.False(t, task.QueueTimestamp.IsZero())

	var decoded testTask
	require.NoError(t, task.Decode(&decoded))
	assert.Equal(t, "20", decoded.ImageID)
	assert.Equal(t, "http://img/20.jpg", decoded.ImageURL)

	require.True(t, c.AcknowledgeTask(ctx, task.ReplySubject))

	drained := testutil.WaitForCondition(func() bool {
		pending, inFlight, err := c.QueueDepth(ctx, 2)
		return err == nil && pending == 0 && inFlight == 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.True(t, drained, "acknowledged task should leave the queue")
}

func TestAcknowledgeUnderRequestContext(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.True(t, c.PublishTask(ctx, 8, testTask{ImageID: "80"}, time.Second))
	task, err := c.ReserveTask(ctx, 8, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)

	reqCtx := httptest.NewRequest(http.MethodPost, "/jobs/8/result", nil).Context()
	_, hasDeadline := reqCtx.Deadline()
	require.False(t, hasDeadline)
	require.True(t, c.AcknowledgeTask(reqCtx, task.ReplySubject))

	// past the one second ack wait the task must not come back
	again, err := c.ReserveTask(ctx, 8, 2*time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestReserveTimesOutEmpty(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.EnsureStream(ctx, 3)
	require.NoError(t, err)
	_, err = c.EnsureConsumer(ctx, 3, time.Second)
	require.NoError(t, err)

	task, err := c.ReserveTask(ctx, 3, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestReserveBatch(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, c.PublishTask(ctx, 4, testTask{ImageID: id}, 5*time.Second))
	}

	tasks, err := c.ReserveTasks(ctx, 4, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	seen := map[string]bool{}
	for _, task := range tasks {
		var decoded testTask
		require.NoError(t, task.Decode(&decoded))
		seen[decoded.ImageID] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
}

func TestUnacknowledgedTaskIsRedelivered(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.True(t, c.PublishTask(ctx, 5, testTask{ImageID: "50"}, time.Second))

	first, err := c.ReserveTask(ctx, 5, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := c.ReserveTask(ctx, 5, 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second, "task should come back after the ack wait")
	assert.Equal(t, first.ID, second.ID)
	assert.Greater(t, second.NumDelivered, first.NumDelivered)
}

func TestReserveAfterCleanupReportsNotFound(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.True(t, c.PublishTask(ctx, 6, testTask{ImageID: "60"}, 5*time.Second))
	task, err := c.ReserveTask(ctx, 6, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.True(t, c.AcknowledgeTask(ctx, task.ReplySubject))

	assert.True(t, c.CleanupJobResources(ctx, 6))
	assert.True(t, c.CleanupJobResources(ctx, 6), "cleanup of missing resources still succeeds")

	_, err = c.ReserveTask(ctx, 6, 500*time.Millisecond)
	assert.ErrorIs(t, err, ErrJobQueueNotFound)

	_, _, err = c.QueueDepth(ctx, 6)
	assert.ErrorIs(t, err, ErrJobQueueNotFound)
}

func TestAcknowledgeWithoutReplySubject(t *testing.T) {
	c := newTestClient(t)
	assert.False(t, c.AcknowledgeTask(context.Background(), ""))
}

func TestPublishUnserializablePayload(t *testing.T) {
	c := newTestClient(t)
	assert.False(t, c.PublishTask(context.Background(), 7, map[string]any{"bad": make(chan int)}, time.Second))
}
