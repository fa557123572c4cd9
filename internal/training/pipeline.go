package training

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/ensemble"
	"github.com/opensource-finance/splitguard/internal/models"
	"github.com/opensource-finance/splitguard/internal/normalize"
)

// Progress checkpoints emitted by Pipeline.Run.
const (
	ProgressAnomaly  = 0.25
	ProgressPattern  = 0.50
	ProgressRisk     = 0.75
	ProgressEnsemble = 0.90
	ProgressDone     = 1.0
)

// JobSpec is the message published on the training submit topic.
type JobSpec struct {
	JobID       string           `json:"job_id"`
	ModelType   domain.ModelType `json:"model_type"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// Update is a progress report from a running pipeline.
type Update struct {
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
}

// Result describes a completed pipeline run.
type Result struct {
	EnsembleVersion string
	Ensemble        *ensemble.Ensemble
	Metrics         map[string]any
	Samples         int
	Synthetic       bool
}

// Pipeline trains the requested models and saves a new ensemble version.
type Pipeline struct {
	Store   models.ArtifactStore
	Factory *ensemble.Factory
	Data    DatasetProvider

	// Serving returns the ensemble currently used for scoring, or nil.
	// Partial runs take their normalizer and untouched models from it.
	Serving func() *ensemble.Ensemble

	// EnsembleOptions configure the saved ensemble (weights, thresholds, flags).
	EnsembleOptions []ensemble.Option

	MinSamples       int
	SyntheticSamples int
	Seed             int64
}

// Run executes one job. Progress updates are sent on updates, which Run
// closes before returning. Any stage error is wrapped in domain.ErrTrainingFailure.
func (p *Pipeline) Run(ctx context.Context, spec JobSpec, updates chan<- Update) (*Result, error) {
	defer close(updates)
	start := time.Now()

	emit := func(stage string, progress float64) error {
		select {
		case updates <- Update{Stage: stage, Progress: progress}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fail := func(stage string, err error) error {
		return fmt.Errorf("%w: %s: %v", domain.ErrTrainingFailure, stage, err)
	}

	modelType := spec.ModelType
	if modelType == "" {
		modelType = domain.ModelTypeAll
	}

	var serving *ensemble.Ensemble
	if modelType != domain.ModelTypeAll {
		if p.Serving != nil {
			serving = p.Serving()
		}
		if serving == nil {
			return nil, fail("load", fmt.Errorf("partial %s retraining needs a loaded ensemble", modelType))
		}
	}

	ds, err := p.dataset(ctx)
	if err != nil {
		return nil, fail("dataset", err)
	}

	norm := normalize.New()
	if serving != nil {
		norm = serving.Normalizer()
	} else if err := norm.Fit(ds.Vectors); err != nil {
		return nil, fail("normalize", err)
	}

	X, err := norm.TransformBatch(ds.Vectors)
	if err != nil {
		return nil, fail("normalize", err)
	}
	names := norm.Names()
	yClass := ds.Labels
	yRisk := riskTargets(ds.Labels)

	metrics := map[string]any{
		"samples":   ds.Len(),
		"synthetic": ds.Synthetic,
		"features":  len(names),
	}

	type stage struct {
		modelType domain.ModelType
		name      string
		progress  float64
		build     func() (models.Model, error)
		labels    []float64
	}
	stages := []stage{
		{domain.ModelTypeAnomaly, models.AnomalyDetector, ProgressAnomaly,
			func() (models.Model, error) { return p.Factory.Anomaly(), nil }, nil},
		{domain.ModelTypePattern, models.PatternRecognizer, ProgressPattern,
			p.Factory.Pattern, yClass},
		{domain.ModelTypeRisk, models.RiskScorer, ProgressRisk,
			func() (models.Model, error) { return p.Factory.Risk(), nil }, yRisk},
	}

	trained := make(map[string]models.Model, len(stages))
	for _, st := range stages {
		if !modelType.Includes(st.modelType) {
			m, _ := serving.Constituent(st.name)
			trained[st.name] = m
			continue
		}

		stageStart := time.Now()
		m, err := st.build()
		if err != nil {
			return nil, fail(st.name, err)
		}
		mm, err := m.Train(ctx, X, st.labels, names)
		if err != nil {
			return nil, fail(st.name, err)
		}
		trained[st.name] = m
		metrics[st.name] = map[string]float64(mm)

		slog.Info("model trained",
			"job_id", spec.JobID,
			"model", st.name,
			"samples", len(X),
			"duration_ms", time.Since(stageStart).Milliseconds(),
		)
		if err := emit(st.name, st.progress); err != nil {
			return nil, fail(st.name, err)
		}
	}

	if err := emit(models.EnsembleName, ProgressEnsemble); err != nil {
		return nil, fail(models.EnsembleName, err)
	}
	ens, err := ensemble.New(
		trained[models.AnomalyDetector],
		trained[models.PatternRecognizer],
		trained[models.RiskScorer],
		norm,
		p.ensembleOptions(serving)...,
	)
	if err != nil {
		return nil, fail(models.EnsembleName, err)
	}
	version, err := ens.Save(ctx, p.Store)
	if err != nil {
		return nil, fail(models.EnsembleName, err)
	}
	metrics["ensemble_version"] = version
	metrics["model_versions"] = ens.Metadata().ModelVersions

	if err := emit("done", ProgressDone); err != nil {
		return nil, fail("done", err)
	}

	slog.Info("training pipeline completed",
		"job_id", spec.JobID,
		"model_type", modelType,
		"version", version,
		"samples", ds.Len(),
		"synthetic", ds.Synthetic,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Result{
		EnsembleVersion: version,
		Ensemble:        ens,
		Metrics:         metrics,
		Samples:         ds.Len(),
		Synthetic:       ds.Synthetic,
	}, nil
}

// dataset loads real samples, falling back to synthetic data below MinSamples.
func (p *Pipeline) dataset(ctx context.Context) (*Dataset, error) {
	if p.Data != nil {
		ds, err := p.Data.Dataset(ctx)
		if err != nil {
			return nil, err
		}
		if ds.Len() >= p.MinSamples && ds.Len() > 0 {
			return ds, nil
		}
		slog.Warn("insufficient training data, using synthetic samples",
			"samples", ds.Len(),
			"min_training_samples", p.MinSamples,
		)
	}

	n := p.SyntheticSamples
	if n <= 0 {
		n = 2000
	}
	seed := p.Seed
	if seed == 0 {
		seed = 42
	}
	return Synthesize(n, seed), nil
}

// ensembleOptions carries the serving weights into partial runs.
func (p *Pipeline) ensembleOptions(serving *ensemble.Ensemble) []ensemble.Option {
	opts := slices.Clone(p.EnsembleOptions)
	if serving != nil {
		opts = append(opts, ensemble.WithWeights(serving.Weights()))
	}
	return opts
}

// riskTargets scales binary labels to the 0-100 risk range.
func riskTargets(labels []float64) []float64 {
	if len(labels) == 0 || slices.Max(labels) > 1 {
		return labels
	}
	out := make([]float64, len(labels))
	for i, y := range labels {
		out[i] = y * 100
	}
	return out
}
