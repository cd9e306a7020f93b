package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is one schedulable unit of work tracked through the status state machine
type Job struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	ProjectID     int64           `json:"project_id"`
	JobTypeKey    string          `json:"job_type_key"`
	Status        Status          `json:"status"`
	DispatchMode  DispatchMode    `json:"dispatch_mode"`
	Progress      JobProgress     `json:"progress"`
	Params        json.RawMessage `json:"params,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	AutoRetries   int             `json:"auto_retries"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	LastCheckedAt *time.Time      `json:"last_checked_at,omitempty"`
}

// DecodeParams unmarshals the job-type specific parameters into v
func (j *Job) DecodeParams(v any) error {
	if len(j.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Params, v); err != nil {
		return fmt.Errorf("failed to decode params for job %d: %w", j.ID, err)
	}
	return nil
}

// SetResult stores a JSON encoded result payload
func (j *Job) SetResult(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode result for job %d: %w", j.ID, err)
	}
	j.Result = raw
	return nil
}

// SetStatus updates the job and summary status and reports whether it changed
func (j *Job) SetStatus(status Status) bool {
	changed := j.Status != status
	j.Status = status
	j.Progress.Summary.Status = status
	return changed
}

// JobProgress aggregates the per-stage progress of a job
type JobProgress struct {
	Summary Summary  `json:"summary"`
	Stages  []Stage  `json:"stages"`
	Errors  []string `json:"errors"`
	Logs    []string `json:"logs"`
}

type Summary struct {
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
}

// Stage is a named phase of a job
type Stage struct {
	Key        string  `json:"key"`
	Name       string  `json:"name"`
	Status     Status  `json:"status"`
	Progress   float64 `json:"progress"`
	InputSize  *int    `json:"input_size,omitempty"`
	OutputSize *int    `json:"output_size,omitempty"`
	Params     []Param `json:"params,omitempty"`
}

// Param is a displayed stage setting or live counter
type Param struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Value    any    `json:"value"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// AddStage declares a stage. Declaring an existing key returns the existing stage.
func (p *JobProgress) AddStage(key, name string) *Stage {
	if s := p.Stage(key); s != nil {
		return s
	}
	p.Stages = append(p.Stages, Stage{Key: key, Name: name, Status: StatusCreated})
	return &p.Stages[len(p.Stages)-1]
}

// Stage returns the stage with the given key, or nil
func (p *JobProgress) Stage(key string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].Key == key {
			return &p.Stages[i]
		}
	}
	return nil
}

// UpdateStage sets a stage's status and progress and recomputes the summary
func (p *JobProgress) UpdateStage(key string, status Status, progress float64) error {
	s := p.Stage(key)
	if s == nil {
		return fmt.Errorf("stage %q not declared", key)
	}
	s.Status = status
	s.Progress = clamp01(progress)
	p.recompute()
	return nil
}

// SetParam adds or replaces a stage param
func (s *Stage) SetParam(key, name string, value any) {
	for i := range s.Params {
		if s.Params[i].Key == key {
			s.Params[i].Value = value
			return
		}
	}
	s.Params = append(s.Params, Param{Key: key, Name: name, Value: value, ReadOnly: true})
}

// Param returns a stage param value by key
func (s *Stage) Param(key string) (any, bool) {
	for _, p := range s.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// recompute sets the summary progress to the mean of all stages
func (p *JobProgress) recompute() {
	if len(p.Stages) == 0 {
		p.Summary.Progress = 0
		return
	}
	var sum float64
	for _, s := range p.Stages {
		sum += s.Progress
	}
	p.Summary.Progress = sum / float64(len(p.Stages))
}

// IsComplete is true only when every declared stage succeeded
func (p *JobProgress) IsComplete() bool {
	if len(p.Stages) == 0 {
		return false
	}
	for _, s := range p.Stages {
		if s.Status != StatusSuccess {
			return false
		}
	}
	return true
}

// IncompleteStages lists the keys of stages that have not succeeded
func (p *JobProgress) IncompleteStages() []string {
	var keys []string
	for _, s := range p.Stages {
		if s.Status != StatusSuccess {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

// Reset returns every stage to CREATED with no progress. Logs are kept.
func (p *JobProgress) Reset() {
	for i := range p.Stages {
		p.Stages[i].Status = StatusCreated
		p.Stages[i].Progress = 0
	}
	p.Summary = Summary{Status: StatusCreated}
	p.Errors = nil
}

const maxLogLines = 1000

func (p *JobProgress) AddLog(line string) {
	p.Logs = appendCapped(p.Logs, line)
}

func (p *JobProgress) AddError(line string) {
	p.Errors = appendCapped(p.Errors, line)
}

func appendCapped(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	return lines
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
