package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// jobHandler forwards records to the service handler and copies them into
// the job's progress logs. ERROR records are also copied into progress errors.
type jobHandler struct {
	next  slog.Handler
	job   *Job
	mu    *sync.Mutex
	attrs []slog.Attr
}

// NewJobLogger returns a logger whose lines are also kept on the job record.
// Callers persist them by saving the job.
func NewJobLogger(base *slog.Logger, job *Job) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	h := &jobHandler{
		next: base.Handler(),
		job:  job,
		mu:   &sync.Mutex{},
	}
	return slog.New(h).With("job_id", job.ID)
}

func (h *jobHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || h.next.Enabled(ctx, level)
}

func (h *jobHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		line := h.format(r)
		h.mu.Lock()
		h.job.Progress.AddLog(line)
		if r.Level >= slog.LevelError {
			h.job.Progress.AddError(r.Message)
		}
		h.mu.Unlock()
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *jobHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &jobHandler{next: h.next.WithAttrs(attrs), job: h.job, mu: h.mu, attrs: merged}
}

func (h *jobHandler) WithGroup(name string) slog.Handler {
	return &jobHandler{next: h.next.WithGroup(name), job: h.job, mu: h.mu, attrs: h.attrs}
}

func (h *jobHandler) format(r slog.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", r.Time.UTC().Format(time.DateTime), r.Level, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	return b.String()
}
