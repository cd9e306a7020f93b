// Package jobs implements the job lifecycle: creation, dispatch to an
// execution backend, staged progress, status reconciliation and the hooks
// run around a worker's execution of a job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ami-platform/ami-jobs/app/metrics"
)

// MaxAutoRetries bounds how often CheckStatus re-enqueues a disappeared task
const MaxAutoRetries = 1

// CancelHook is invoked after a job is revoked
type CancelHook func(ctx context.Context, job *Job)

// DeferredResolver settles an async job whose worker task finished while its
// results stopped arriving. It returns the job as stored afterwards, or nil
// while results may still come in.
type DeferredResolver interface {
	ResolveDeferred(ctx context.Context, job *Job) (*Job, error)
}

// Manager drives jobs through their lifecycle
type Manager struct {
	store    Store
	backend  Backend
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu          sync.RWMutex
	cancelHooks []CancelHook
	resolver    DeferredResolver
}

func NewManager(store Store, backend Backend, registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		backend:  backend,
		registry: registry,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

func (m *Manager) Store() Store { return m.store }

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) Logger() *slog.Logger { return m.logger }

// OnCancel registers a hook run whenever a job is revoked
func (m *Manager) OnCancel(hook CancelHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelHooks = append(m.cancelHooks, hook)
}

// SetDeferredResolver installs the resolver consulted by CheckStatus for
// async jobs whose worker task already succeeded
func (m *Manager) SetDeferredResolver(r DeferredResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolver = r
}

func (m *Manager) timestamp() *time.Time {
	t := m.now().UTC()
	return &t
}

func (m *Manager) setStatus(job *Job, status Status) {
	if job.SetStatus(status) {
		m.metrics.StatusChanged(string(status))
	}
}

// Create validates the job type, lets its runner declare stages and persists
// the job in CREATED state.
func (m *Manager) Create(ctx context.Context, job *Job) error {
	runner, err := m.registry.Get(job.JobTypeKey)
	if err != nil {
		return err
	}
	if job.DispatchMode == "" {
		job.DispatchMode = DispatchInternal
	}
	if !job.DispatchMode.Valid() {
		return fmt.Errorf("invalid dispatch mode %q", job.DispatchMode)
	}
	if job.Name == "" {
		job.Name = runner.Name()
	}
	job.Status = StatusCreated
	job.Progress = JobProgress{Summary: Summary{Status: StatusCreated}}
	runner.Setup(job)

	if err := m.store.Create(ctx, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	m.metrics.StatusChanged(string(StatusCreated))
	m.logger.Info("created job", "job_id", job.ID, "type", job.JobTypeKey, "dispatch_mode", job.DispatchMode)
	return nil
}

// Enqueue hands the job to the execution backend
func (m *Manager) Enqueue(ctx context.Context, job *Job) error {
	taskID, state, err := m.backend.Submit(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %d: %w", job.ID, err)
	}

	job.TaskID = taskID
	job.StartedAt = nil
	job.FinishedAt = nil
	job.ScheduledAt = m.timestamp()
	m.setStatus(job, state)

	if err := m.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to save enqueued job %d: %w", job.ID, err)
	}
	m.logger.Info("enqueued job", "job_id", job.ID, "task_id", taskID, "status", state)
	return nil
}

// Run executes the job's runner in the calling goroutine. Errors from the
// runner are returned to the caller unchanged; the job is left in whatever
// state the runner reached.
func (m *Manager) Run(ctx context.Context, job *Job) (RunOutcome, error) {
	runner, err := m.registry.Get(job.JobTypeKey)
	if err != nil {
		return RunComplete, err
	}

	job.StartedAt = m.timestamp()
	job.FinishedAt = nil
	m.setStatus(job, StatusStarted)
	if err := m.store.Save(ctx, job); err != nil {
		return RunComplete, fmt.Errorf("failed to save started job %d: %w", job.ID, err)
	}

	rc := &RunContext{
		Job:    job,
		Logger: NewJobLogger(m.logger, job),
		save:   func(ctx context.Context) error { return m.store.Save(ctx, job) },
	}
	rc.Logger.Info("running job", "type", job.JobTypeKey, "dispatch_mode", job.DispatchMode)

	outcome, err := runner.Run(ctx, rc)
	if err != nil {
		return outcome, err
	}

	// Deferred runners persist the job before handing work off, since results
	// may be ingested before Run returns.
	if outcome == RunDeferred {
		return outcome, nil
	}

	if incomplete := job.Progress.IncompleteStages(); len(incomplete) > 0 {
		return outcome, fmt.Errorf("job %d finished with incomplete stages: %s", job.ID, strings.Join(incomplete, ", "))
	}
	job.FinishedAt = m.timestamp()
	m.setStatus(job, StatusSuccess)
	rc.Logger.Info("job finished")
	if err := m.store.Save(ctx, job); err != nil {
		return outcome, fmt.Errorf("failed to save finished job %d: %w", job.ID, err)
	}
	return outcome, nil
}

// BeforeRun marks a job as picked up by a worker
func (m *Manager) BeforeRun(ctx context.Context, job *Job) error {
	m.setStatus(job, StatusPending)
	return m.store.Save(ctx, job)
}

// AfterRun records the state the worker reported. States that are not final
// become UNKNOWN. Async jobs that deferred to external workers are left
// running because their results have not arrived yet.
func (m *Manager) AfterRun(ctx context.Context, job *Job, reported Status, outcome RunOutcome) error {
	if outcome == RunDeferred && job.DispatchMode == DispatchAsyncAPI && !reported.IsFinal() {
		return nil
	}
	if !reported.IsFinal() {
		m.logger.Warn("worker reported non-final state", "job_id", job.ID, "state", reported)
		reported = StatusUnknown
	}
	m.setStatus(job, reported)
	job.FinishedAt = m.timestamp()
	return m.store.Save(ctx, job)
}

// OnFailure marks the job failed and logs the error. It never returns an
// error; persistence failures are only logged.
func (m *Manager) OnFailure(ctx context.Context, job *Job, runErr error) {
	m.setStatus(job, StatusFailure)
	job.Progress.AddError(runErr.Error())
	job.Progress.AddLog(fmt.Sprintf("[%s] ERROR job failed: %v", m.now().UTC().Format(time.DateTime), runErr))
	if err := m.store.Save(ctx, job); err != nil {
		m.logger.Error("failed to save failed job", "job_id", job.ID, "error", err)
	}
	m.logger.Error("job failed", "job_id", job.ID, "error", runErr)
}

// Execute is the worker entry point for one queued job
func (m *Manager) Execute(ctx context.Context, jobID int64) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", jobID, err)
	}
	if job == nil {
		m.logger.Warn("job disappeared before it ran", "job_id", jobID)
		return nil
	}
	if job.Status == StatusRevoked {
		m.logger.Info("skipping revoked job", "job_id", jobID)
		return nil
	}

	if err := m.BeforeRun(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job %d pending: %w", jobID, err)
	}

	outcome, runErr := m.Run(ctx, job)
	reported := job.Status
	if runErr != nil {
		m.OnFailure(ctx, job, runErr)
		reported = StatusFailure
	}

	if err := m.AfterRun(ctx, job, reported, outcome); err != nil {
		m.logger.Error("failed to record job completion", "job_id", jobID, "error", err)
	}
	return nil
}

// CheckOptions controls CheckStatus
type CheckOptions struct {
	// Force checks jobs that are already in a final state
	Force bool
	// Save persists the job after the check
	Save bool
	// AutoRetry re-enqueues a job whose task disappeared, at most MaxAutoRetries times
	AutoRetry bool
}

// CheckStatus reconciles the stored status with the backend and reports
// whether the stored status changed.
func (m *Manager) CheckStatus(ctx context.Context, job *Job, opts CheckOptions) (bool, error) {
	if job.Status.IsFinal() && !opts.Force {
		return false, nil
	}
	before := job.Status
	job.LastCheckedAt = m.timestamp()

	if err := m.reconcile(ctx, job, opts); err != nil {
		return false, err
	}

	changed := job.Status != before
	if changed {
		m.logger.Info("job status reconciled", "job_id", job.ID, "from", before, "to", job.Status)
	}
	if opts.Save {
		if err := m.store.Save(ctx, job); err != nil {
			return changed, fmt.Errorf("failed to save checked job %d: %w", job.ID, err)
		}
	}
	return changed, nil
}

func (m *Manager) reconcile(ctx context.Context, job *Job, opts CheckOptions) error {
	if job.TaskID == "" {
		if job.Status.IsRunning() {
			m.setStatus(job, StatusUnknown)
		}
		return nil
	}

	state, err := m.backend.Status(ctx, job.TaskID)
	if errors.Is(err, ErrTaskDisappeared) {
		if job.Status.IsFinal() {
			return nil
		}
		if opts.AutoRetry && job.AutoRetries < MaxAutoRetries {
			job.AutoRetries++
			m.logger.Warn("task disappeared, re-enqueueing job", "job_id", job.ID, "task_id", job.TaskID)
			return m.Enqueue(ctx, job)
		}
		m.logger.Warn("task disappeared, marking job unknown", "job_id", job.ID, "task_id", job.TaskID)
		m.setStatus(job, StatusUnknown)
		job.FinishedAt = m.timestamp()
		return nil
	}
	if err != nil {
		return err
	}

	// The worker finishes its task as soon as async work is published; the
	// job itself completes when the last result is ingested.
	if job.DispatchMode == DispatchAsyncAPI && job.Status.IsRunning() && state == StatusSuccess {
		return m.resolveDeferred(ctx, job)
	}
	if state.IsFinal() && !job.Status.IsFinal() {
		job.FinishedAt = m.timestamp()
	}
	m.setStatus(job, state)
	return nil
}

func (m *Manager) resolveDeferred(ctx context.Context, job *Job) error {
	m.mu.RLock()
	r := m.resolver
	m.mu.RUnlock()
	if r == nil {
		return nil
	}
	settled, err := r.ResolveDeferred(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to resolve deferred job %d: %w", job.ID, err)
	}
	if settled != nil {
		checked := job.LastCheckedAt
		*job = *settled
		job.LastCheckedAt = checked
	}
	return nil
}

// Cancel revokes the job's backend task and marks it REVOKED
func (m *Manager) Cancel(ctx context.Context, job *Job) error {
	if job.Status.IsFinal() {
		return nil
	}
	if job.TaskID != "" {
		if err := m.backend.Revoke(ctx, job.TaskID); err != nil {
			return fmt.Errorf("failed to revoke job %d: %w", job.ID, err)
		}
	}
	m.setStatus(job, StatusRevoked)
	job.FinishedAt = m.timestamp()
	job.Progress.AddLog(fmt.Sprintf("[%s] INFO job cancelled", m.now().UTC().Format(time.DateTime)))
	if err := m.store.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to save cancelled job %d: %w", job.ID, err)
	}

	m.mu.RLock()
	hooks := append([]CancelHook(nil), m.cancelHooks...)
	m.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, job)
	}
	m.logger.Info("cancelled job", "job_id", job.ID)
	return nil
}

// Retry resets the job's progress and enqueues it again
func (m *Manager) Retry(ctx context.Context, job *Job) error {
	if job.Status.IsRunning() {
		return fmt.Errorf("job %d is still running", job.ID)
	}
	job.Progress.Reset()
	job.Result = nil
	m.setStatus(job, StatusCreated)
	job.Progress.AddLog(fmt.Sprintf("[%s] INFO job retried", m.now().UTC().Format(time.DateTime)))
	return m.Enqueue(ctx, job)
}
