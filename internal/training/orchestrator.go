package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/ensemble"
	"github.com/opensource-finance/splitguard/internal/metrics"
)

// DeployFunc installs a freshly trained ensemble as the serving ensemble.
type DeployFunc func(ctx context.Context, ens *ensemble.Ensemble) error

// Orchestrator accepts training jobs and drives them through the pipeline.
//
// Jobs are not serialized against each other. Two concurrent jobs race on the
// serving swap and the registry's current pointer; the last one to finish wins.
type Orchestrator struct {
	store    domain.JobStore
	bus      domain.EventBus
	pipeline *Pipeline
	deploy   DeployFunc
}

// NewOrchestrator wires the job store, bus and pipeline. deploy may be nil,
// in which case completed ensembles are saved but not served.
func NewOrchestrator(store domain.JobStore, bus domain.EventBus, pipeline *Pipeline, deploy DeployFunc) *Orchestrator {
	return &Orchestrator{
		store:    store,
		bus:      bus,
		pipeline: pipeline,
		deploy:   deploy,
	}
}

// Submit validates the model type, records a pending job and queues it on the bus.
func (o *Orchestrator) Submit(ctx context.Context, modelType string) (string, error) {
	mt, err := domain.ParseModelType(modelType)
	if err != nil {
		return "", err
	}

	job := NewJob(uuid.New().String(), mt)
	snap := job.Snapshot()
	if err := o.store.PutJob(ctx, snap); err != nil {
		return "", fmt.Errorf("failed to store job: %w", err)
	}

	payload, err := json.Marshal(JobSpec{JobID: snap.ID, ModelType: mt, SubmittedAt: snap.CreatedAt})
	if err != nil {
		return "", fmt.Errorf("failed to encode job spec: %w", err)
	}
	if err := o.bus.Publish(ctx, domain.TopicTrainingSubmit, payload); err != nil {
		o.fail(ctx, job, fmt.Errorf("failed to queue job: %w", err))
		return "", fmt.Errorf("failed to queue job: %w", err)
	}

	metrics.TrainingJob(string(domain.JobPending))
	slog.Info("training job submitted",
		"job_id", snap.ID,
		"model_type", mt,
	)
	return snap.ID, nil
}

// Status returns the persisted state of a job.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*domain.TrainingJob, error) {
	return o.store.GetJob(ctx, jobID)
}

// Execute runs a queued job to a terminal state. Every transition is
// persisted and published on the status topic. Stage errors fail the job and
// are returned; they never panic the caller.
func (o *Orchestrator) Execute(ctx context.Context, spec JobSpec) error {
	job, err := o.loadJob(ctx, spec)
	if err != nil {
		return err
	}
	if err := job.Start(); err != nil {
		return err
	}
	o.record(ctx, job)

	updates := make(chan Update, 8)
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		// Run closes updates on the way out, so a panicking stage still
		// ends the progress loop below.
		defer func() {
			if r := recover(); r != nil {
				slog.Error("training pipeline panicked",
					"job_id", spec.JobID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				done <- outcome{nil, fmt.Errorf("%w: panic: %v", domain.ErrTrainingFailure, r)}
			}
		}()
		res, err := o.pipeline.Run(ctx, spec, updates)
		done <- outcome{res, err}
	}()

	for u := range updates {
		if err := job.Advance(u.Progress); err != nil {
			slog.Warn("ignoring progress update",
				"job_id", spec.JobID,
				"stage", u.Stage,
				"error", err,
			)
			continue
		}
		o.record(ctx, job)
	}

	out := <-done
	if out.err != nil {
		o.fail(ctx, job, out.err)
		return out.err
	}

	if o.deploy != nil {
		if err := o.deploy(ctx, out.res.Ensemble); err != nil {
			slog.Error("failed to deploy trained ensemble",
				"job_id", spec.JobID,
				"version", out.res.EnsembleVersion,
				"error", err,
			)
			out.res.Metrics["deploy_error"] = err.Error()
		} else {
			out.res.Metrics["deployed"] = true
		}
	}

	if err := job.Complete(out.res.Metrics); err != nil {
		return err
	}
	o.record(ctx, job)
	return nil
}

// loadJob resumes a stored job, or creates one for specs that were never submitted
// through Submit (the offline train command).
func (o *Orchestrator) loadJob(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.JobID == "" {
		return nil, fmt.Errorf("%w: job_id is required", domain.ErrInvalidInput)
	}
	tj, err := o.store.GetJob(ctx, spec.JobID)
	switch {
	case err == nil:
		return RestoreJob(tj), nil
	case errors.Is(err, domain.ErrNotFound):
		mt := spec.ModelType
		if mt == "" {
			mt = domain.ModelTypeAll
		}
		job := NewJob(spec.JobID, mt)
		if err := o.store.PutJob(ctx, job.Snapshot()); err != nil {
			return nil, fmt.Errorf("failed to store job: %w", err)
		}
		return job, nil
	default:
		return nil, fmt.Errorf("failed to load job %s: %w", spec.JobID, err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, job *Job, cause error) {
	if err := job.Fail(cause); err != nil {
		slog.Warn("failed to mark job failed", "job_id", job.ID(), "error", err)
		return
	}
	slog.Error("training job failed",
		"job_id", job.ID(),
		"error", cause,
	)
	o.record(ctx, job)
}

// record persists and publishes the current job state. Failures are logged;
// the job keeps running.
func (o *Orchestrator) record(ctx context.Context, job *Job) {
	snap := job.Snapshot()
	if err := o.store.PutJob(ctx, snap); err != nil {
		slog.Error("failed to persist job",
			"job_id", snap.ID,
			"status", snap.Status,
			"error", err,
		)
	}

	payload, err := json.Marshal(snap)
	if err == nil {
		err = o.bus.Publish(ctx, domain.TopicTrainingStatus, payload)
	}
	if err != nil {
		slog.Warn("failed to publish job status",
			"job_id", snap.ID,
			"status", snap.Status,
			"error", err,
		)
	}

	if snap.Status != domain.JobRunning || snap.Progress == 0 {
		metrics.TrainingJob(string(snap.Status))
	}
	slog.Debug("job state recorded",
		"job_id", snap.ID,
		"status", snap.Status,
		"progress", snap.Progress,
		"updated_at", snap.UpdatedAt.Format(time.RFC3339Nano),
	)
}
