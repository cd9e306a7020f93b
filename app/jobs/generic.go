package jobs

import (
	"context"
	"fmt"
	"time"
)

const GenericJobKey = "generic"

// GenericStage configures one stage of a GenericRunner
type GenericStage struct {
	Key   string
	Name  string
	Delay time.Duration
}

// GenericParams may override the stage delays for a single job
type GenericParams struct {
	DelaySeconds map[string]float64 `json:"delay_seconds,omitempty"`
}

// GenericRunner walks through fixed stages, sleeping for each stage's delay.
// It is used for smoke tests of the execution path.
type GenericRunner struct {
	Stages []GenericStage
	steps  int
}

func NewGenericRunner(stages ...GenericStage) *GenericRunner {
	if len(stages) == 0 {
		stages = []GenericStage{
			{Key: "delay", Name: "Delay"},
		}
	}
	return &GenericRunner{Stages: stages, steps: 4}
}

func (r *GenericRunner) Key() string  { return GenericJobKey }
func (r *GenericRunner) Name() string { return "Generic job" }

func (r *GenericRunner) Setup(job *Job) {
	for _, s := range r.Stages {
		stage := job.Progress.AddStage(s.Key, s.Name)
		stage.SetParam("delay", "Delay (seconds)", s.Delay.Seconds())
	}
}

func (r *GenericRunner) Run(ctx context.Context, rc *RunContext) (RunOutcome, error) {
	var params GenericParams
	if err := rc.Job.DecodeParams(&params); err != nil {
		return RunComplete, err
	}

	for _, s := range r.Stages {
		delay := s.Delay
		if secs, ok := params.DelaySeconds[s.Key]; ok {
			delay = time.Duration(secs * float64(time.Second))
		}
		rc.Logger.Info("running stage", "stage", s.Key, "delay", delay)

		if err := rc.UpdateStage(ctx, s.Key, StatusStarted, 0); err != nil {
			return RunComplete, err
		}
		step := delay / time.Duration(r.steps)
		for i := 1; i <= r.steps; i++ {
			if step > 0 {
				select {
				case <-ctx.Done():
					return RunComplete, fmt.Errorf("stage %s interrupted: %w", s.Key, ctx.Err())
				case <-time.After(step):
				}
			}
			status := StatusStarted
			if i == r.steps {
				status = StatusSuccess
			}
			if err := rc.UpdateStage(ctx, s.Key, status, float64(i)/float64(r.steps)); err != nil {
				return RunComplete, err
			}
		}
	}
	return RunComplete, nil
}
