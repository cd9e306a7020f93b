// Package taskqueue distributes per-job tasks to pulling workers over NATS
// JetStream. Each job gets its own stream and durable pull consumer, and
// workers acknowledge through the reply subject handed out with each task.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ami-platform/ami-jobs/app/metrics"
)

const (
	DefaultTTR        = 30 * time.Second
	DefaultMaxDeliver = 5
	DefaultMaxAge     = 7 * 24 * time.Hour

	ackPayload   = "+ACK"
	flushTimeout = 5 * time.Second
)

// ErrJobQueueNotFound is returned when the stream or consumer for a job no
// longer exists, typically after CleanupJobResources.
var ErrJobQueueNotFound = errors.New("job queue not found")

// ReservedTask is one message pulled from a job's stream. ReplySubject is
// the only handle needed to acknowledge it.
type ReservedTask struct {
	ID             string    `json:"id"`
	Body           []byte    `json:"body"`
	ReplySubject   string    `json:"reply_subject"`
	NumDelivered   uint64    `json:"num_delivered"`
	QueueTimestamp time.Time `json:"queue_timestamp"`
}

// Decode unmarshals the task body into v
func (t *ReservedTask) Decode(v any) error {
	if err := json.Unmarshal(t.Body, v); err != nil {
		return fmt.Errorf("failed to decode task %s: %w", t.ID, err)
	}
	return nil
}

// Options tune stream and consumer provisioning
type Options struct {
	MaxDeliver int
	MaxAge     time.Duration
}

// Client wraps a NATS connection and its JetStream context
type Client struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    Options
	ownConn bool
}

// Connect dials the broker and returns a client that owns the connection
func Connect(url string, logger *slog.Logger, m *metrics.Metrics, opts Options) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("ami-jobs"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	c, err := NewClient(nc, logger, m, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.ownConn = true
	return c, nil
}

// NewClient builds a client on an existing connection
func NewClient(nc *nats.Conn, logger *slog.Logger, m *metrics.Metrics, opts Options) (*Client, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = DefaultMaxDeliver
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{nc: nc, js: js, logger: logger, metrics: m, opts: opts}, nil
}

// Close drains the connection if the client created it
func (c *Client) Close() {
	if c.ownConn {
		_ = c.nc.Drain()
	}
}

func StreamName(jobID int64) string {
	return fmt.Sprintf("job_%d", jobID)
}

func Subject(jobID int64) string {
	return fmt.Sprintf("job.%d.tasks", jobID)
}

func ConsumerName(jobID int64) string {
	return fmt.Sprintf("job-%d-consumer", jobID)
}

// EnsureStream creates the job's stream when absent. It reports whether a
// stream was created.
func (c *Client) EnsureStream(ctx context.Context, jobID int64) (bool, error) {
	name := StreamName(jobID)
	_, err := c.js.Stream(ctx, name)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return false, fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	_, err = c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{Subject(jobID)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    c.opts.MaxAge,
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return false, fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	c.logger.Debug("created job stream", "stream", name)
	return err == nil, nil
}

// EnsureConsumer creates the job's durable pull consumer when absent. The
// visibility timeout becomes the consumer's ack wait.
func (c *Client) EnsureConsumer(ctx context.Context, jobID int64, ttr time.Duration) (bool, error) {
	if ttr <= 0 {
		ttr = DefaultTTR
	}
	stream, name := StreamName(jobID), ConsumerName(jobID)
	_, err := c.js.Consumer(ctx, stream, name)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return false, fmt.Errorf("failed to look up consumer %s: %w", name, err)
	}

	_, err = c.js.CreateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: Subject(jobID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ttr,
		MaxDeliver:    c.opts.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil && !errors.Is(err, jetstream.ErrConsumerExists) {
		return false, fmt.Errorf("failed to create consumer %s: %w", name, err)
	}
	c.logger.Debug("created job consumer", "consumer", name, "ack_wait", ttr)
	return err == nil, nil
}

// PublishTask provisions the job's stream and consumer if needed and
// publishes payload as JSON. Failures are logged and reported as false.
func (c *Client) PublishTask(ctx context.Context, jobID int64, payload any, ttr time.Duration) bool {
	ok := c.publish(ctx, jobID, payload, ttr)
	c.metrics.TaskPublished(ok)
	return ok
}

func (c *Client) publish(ctx context.Context, jobID int64, payload any, ttr time.Duration) bool {
	if _, err := c.EnsureStream(ctx, jobID); err != nil {
		c.logger.Error("failed to provision stream", "job_id", jobID, "error", err)
		return false
	}
	if _, err := c.EnsureConsumer(ctx, jobID, ttr); err != nil {
		c.logger.Error("failed to provision consumer", "job_id", jobID, "error", err)
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to serialize task", "job_id", jobID, "error", err)
		return false
	}

	ack, err := c.js.Publish(ctx, Subject(jobID), data)
	if err != nil {
		c.logger.Error("failed to publish task", "job_id", jobID, "error", err)
		return false
	}
	c.logger.Debug("published task", "job_id", jobID, "stream", ack.Stream, "seq", ack.Sequence)
	return true
}

// ReserveTask pulls at most one task, waiting up to timeout. It returns nil
// without error when no task arrived in time, and ErrJobQueueNotFound when the
// job's stream or consumer has been deleted.
func (c *Client) ReserveTask(ctx context.Context, jobID int64, timeout time.Duration) (*ReservedTask, error) {
	tasks, err := c.ReserveTasks(ctx, jobID, 1, timeout)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// ReserveTasks pulls up to batch tasks, waiting up to timeout for the batch
// to fill.
func (c *Client) ReserveTasks(ctx context.Context, jobID int64, batch int, timeout time.Duration) ([]*ReservedTask, error) {
	if batch <= 0 {
		batch = 1
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	cons, err := c.js.Consumer(ctx, StreamName(jobID), ConsumerName(jobID))
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) || errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, fmt.Errorf("%w: job %d", ErrJobQueueNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to look up consumer for job %d: %w", jobID, err)
	}

	msgs, err := cons.Fetch(batch, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks for job %d: %w", jobID, err)
	}

	var tasks []*ReservedTask
	for msg := range msgs.Messages() {
		tasks = append(tasks, toReserved(msg))
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
			return tasks, fmt.Errorf("%w: job %d", ErrJobQueueNotFound, jobID)
		}
		return tasks, fmt.Errorf("failed to fetch tasks for job %d: %w", jobID, err)
	}

	c.metrics.TaskReserved(len(tasks))
	return tasks, nil
}

func toReserved(msg jetstream.Msg) *ReservedTask {
	task := &ReservedTask{
		Body:         msg.Data(),
		ReplySubject: msg.Reply(),
	}
	if meta, err := msg.Metadata(); err == nil {
		task.ID = fmt.Sprintf("%s-%d", meta.Stream, meta.Sequence.Stream)
		task.NumDelivered = meta.NumDelivered
		task.QueueTimestamp = meta.Timestamp
	}
	return task
}

// AcknowledgeTask confirms processing of a reserved task. Failures are
// logged; an unacknowledged task is redelivered after its visibility timeout.
func (c *Client) AcknowledgeTask(ctx context.Context, replySubject string) bool {
	ok := c.acknowledge(ctx, replySubject)
	c.metrics.TaskAcknowledged(ok)
	return ok
}

func (c *Client) acknowledge(ctx context.Context, replySubject string) bool {
	if replySubject == "" {
		c.logger.Warn("cannot acknowledge task without a reply subject")
		return false
	}
	if err := c.nc.Publish(replySubject, []byte(ackPayload)); err != nil {
		c.logger.Error("failed to acknowledge task", "reply_subject", replySubject, "error", err)
		return false
	}
	// FlushWithContext rejects contexts without a deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		c.logger.Error("failed to flush task acknowledgement", "reply_subject", replySubject, "error", err)
		return false
	}
	return true
}

// CleanupJobResources deletes the job's consumer and then its stream. It
// returns true only if both deletions succeeded or were already gone.
func (c *Client) CleanupJobResources(ctx context.Context, jobID int64) bool {
	stream, consumer := StreamName(jobID), ConsumerName(jobID)

	consumerOK := true
	if err := c.js.DeleteConsumer(ctx, stream, consumer); err != nil &&
		!errors.Is(err, jetstream.ErrConsumerNotFound) && !errors.Is(err, jetstream.ErrStreamNotFound) {
		c.logger.Error("failed to delete consumer", "job_id", jobID, "consumer", consumer, "error", err)
		consumerOK = false
	}

	streamOK := true
	if err := c.js.DeleteStream(ctx, stream); err != nil && !errors.Is(err, jetstream.ErrStreamNotFound) {
		c.logger.Error("failed to delete stream", "job_id", jobID, "stream", stream, "error", err)
		streamOK = false
	}

	if consumerOK && streamOK {
		c.logger.Info("cleaned up job queue", "job_id", jobID)
	}
	return consumerOK && streamOK
}

// QueueDepth reports the tasks waiting for delivery and the tasks delivered
// but not yet acknowledged.
func (c *Client) QueueDepth(ctx context.Context, jobID int64) (pending, inFlight uint64, err error) {
	cons, err := c.js.Consumer(ctx, StreamName(jobID), ConsumerName(jobID))
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) || errors.Is(err, jetstream.ErrConsumerNotFound) {
			return 0, 0, fmt.Errorf("%w: job %d", ErrJobQueueNotFound, jobID)
		}
		return 0, 0, fmt.Errorf("failed to look up consumer for job %d: %w", jobID, err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read consumer info for job %d: %w", jobID, err)
	}
	return info.NumPending, uint64(info.NumAckPending), nil
}
