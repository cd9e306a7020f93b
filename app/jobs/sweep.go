package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultStaleCutoff = 72 * time.Hour

// SweepReport summarizes one staleness sweep
type SweepReport struct {
	Checked int      `json:"checked"`
	Changed int      `json:"changed"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// SweepStale re-checks every running job not updated since now-cutoff
func (m *Manager) SweepStale(ctx context.Context, cutoff time.Duration) (SweepReport, error) {
	if cutoff <= 0 {
		cutoff = DefaultStaleCutoff
	}
	var report SweepReport

	stale, err := m.store.ListStale(ctx, RunningStates, m.now().Add(-cutoff))
	if err != nil {
		return report, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	for _, job := range stale {
		report.Checked++
		changed, err := m.CheckStatus(ctx, job, CheckOptions{Save: true, AutoRetry: true})
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("job %d: %v", job.ID, err))
			m.logger.Error("failed to check stale job", "job_id", job.ID, "error", err)
			m.metrics.StaleChecked("error")
			continue
		}
		if changed {
			report.Changed++
			m.metrics.StaleChecked("changed")
		} else {
			m.metrics.StaleChecked("unchanged")
		}
	}
	return report, nil
}

// StaleJobChecker periodically sweeps jobs stuck in a running state
type StaleJobChecker struct {
	manager *Manager
	cutoff  time.Duration
	logger  *slog.Logger
}

func NewStaleJobChecker(m *Manager, cutoff time.Duration) *StaleJobChecker {
	return &StaleJobChecker{manager: m, cutoff: cutoff, logger: m.logger.With("component", "stale_job_checker")}
}

// Start blocks, sweeping every interval until ctx is cancelled
func (c *StaleJobChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping stale job checker")
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *StaleJobChecker) sweep(ctx context.Context) {
	report, err := c.manager.SweepStale(ctx, c.cutoff)
	if err != nil {
		c.logger.Error("stale job sweep failed", "error", err)
		return
	}
	if report.Checked > 0 {
		c.logger.Info("stale job sweep finished",
			"checked", report.Checked,
			"changed", report.Changed,
			"failed", report.Failed,
		)
	}
}
