// Package training runs model training jobs and tracks their lifecycle.
package training

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// ErrInvalidTransition is returned for a state change the job lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid job transition")

// Job is the state machine behind a domain.TrainingJob.
//
//	pending -> running -> completed
//	pending -> failed
//	running -> failed
//
// Terminal states absorb every further transition. Progress never decreases
// and is frozen by a failure.
type Job struct {
	mu    sync.Mutex
	state domain.TrainingJob
	now   func() time.Time
}

// NewJob creates a pending job.
func NewJob(id string, modelType domain.ModelType) *Job {
	j := &Job{now: func() time.Time { return time.Now().UTC() }}
	ts := j.now()
	j.state = domain.TrainingJob{
		ID:        id,
		ModelType: modelType,
		Status:    domain.JobPending,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	return j
}

// RestoreJob resumes the state machine from a persisted job.
func RestoreJob(tj *domain.TrainingJob) *Job {
	j := &Job{now: func() time.Time { return time.Now().UTC() }, state: *tj}
	j.state.Metrics = maps.Clone(tj.Metrics)
	return j
}

// ID returns the job id.
func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.ID
}

// Start moves a pending job to running.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Status != domain.JobPending {
		return j.invalid("start")
	}
	j.state.Status = domain.JobRunning
	j.touch()
	return nil
}

// Advance raises the progress of a running job.
func (j *Job) Advance(p float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Status != domain.JobRunning {
		return j.invalid("advance")
	}
	if p < j.state.Progress || p > 1 {
		return fmt.Errorf("%w: progress %.2f -> %.2f", ErrInvalidTransition, j.state.Progress, p)
	}
	j.state.Progress = p
	j.touch()
	return nil
}

// Complete finishes a running job with its metrics.
func (j *Job) Complete(metrics map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Status != domain.JobRunning {
		return j.invalid("complete")
	}
	j.state.Status = domain.JobCompleted
	j.state.Progress = 1
	j.state.Metrics = maps.Clone(metrics)
	j.touch()
	return nil
}

// Fail records err on a pending or running job.
func (j *Job) Fail(err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Status.Terminal() {
		return j.invalid("fail")
	}
	j.state.Status = domain.JobFailed
	if err != nil {
		j.state.Error = err.Error()
	}
	j.touch()
	return nil
}

// Snapshot returns a copy of the current state.
func (j *Job) Snapshot() *domain.TrainingJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.state
	s.Metrics = maps.Clone(j.state.Metrics)
	return &s
}

func (j *Job) touch() {
	j.state.UpdatedAt = j.now()
}

func (j *Job) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s job %s in state %s", ErrInvalidTransition, op, j.state.ID, j.state.Status)
}
