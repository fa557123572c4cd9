package domain

import (
	"context"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a training job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ModelType selects which models a training job retrains.
type ModelType string

const (
	ModelTypeAll     ModelType = "all"
	ModelTypeAnomaly ModelType = "anomaly"
	ModelTypePattern ModelType = "pattern"
	ModelTypeRisk    ModelType = "risk"
)

// ParseModelType validates a raw model type. Empty means "all".
func ParseModelType(s string) (ModelType, error) {
	switch ModelType(s) {
	case "":
		return ModelTypeAll, nil
	case ModelTypeAll, ModelTypeAnomaly, ModelTypePattern, ModelTypeRisk:
		return ModelType(s), nil
	default:
		return "", fmt.Errorf("%w: unknown model_type %q", ErrInvalidInput, s)
	}
}

// Includes reports whether a job of this type retrains the given model type.
func (m ModelType) Includes(other ModelType) bool {
	return m == ModelTypeAll || m == other
}

// TrainingJob is the persisted view of a training job.
type TrainingJob struct {
	ID        string         `json:"job_id"`
	ModelType ModelType      `json:"model_type"`
	Status    JobStatus      `json:"status"`
	Progress  float64        `json:"progress"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// JobStore persists training jobs. Put is an upsert keyed by job ID.
type JobStore interface {
	PutJob(ctx context.Context, job *TrainingJob) error
	GetJob(ctx context.Context, jobID string) (*TrainingJob, error)
	ListJobs(ctx context.Context, limit int) ([]*TrainingJob, error)
}
