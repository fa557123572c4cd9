// Package ensemble combines the anomaly, pattern and risk models into one decision.
package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/features"
	"github.com/opensource-finance/splitguard/internal/models"
	"github.com/opensource-finance/splitguard/internal/normalize"
	"github.com/opensource-finance/splitguard/internal/rules"
)

// Ensemble scores normalized feature vectors with three constituent models.
// An Ensemble is immutable once built; retraining produces a new instance.
type Ensemble struct {
	anomaly    models.Model
	pattern    models.Model
	risk       models.Model
	normalizer *normalize.Normalizer
	flags      *rules.FlagEngine

	weights domain.Weights
	high    float64
	medium  float64

	meta models.Version
}

// Option configures an Ensemble.
type Option func(*Ensemble)

// WithWeights overrides the default 0.3/0.3/0.4 weights.
func WithWeights(w domain.Weights) Option {
	return func(e *Ensemble) {
		e.weights = w
	}
}

// WithThresholds sets the high and medium risk-level cutoffs.
func WithThresholds(high, medium float64) Option {
	return func(e *Ensemble) {
		e.high = high
		e.medium = medium
	}
}

// WithFlagEngine sets the flag rule engine. Without it only built-in rules run.
func WithFlagEngine(fe *rules.FlagEngine) Option {
	return func(e *Ensemble) {
		e.flags = fe
	}
}

// New assembles an ensemble from trained (or loaded) models and a fitted normalizer.
func New(anomaly, pattern, risk models.Model, norm *normalize.Normalizer, opts ...Option) (*Ensemble, error) {
	e := &Ensemble{
		anomaly:    anomaly,
		pattern:    pattern,
		risk:       risk,
		normalizer: norm,
		weights:    domain.Weights{Anomaly: 0.3, Pattern: 0.3, Risk: 0.4},
		high:       80,
		medium:     50,
	}
	for _, opt := range opts {
		opt(e)
	}

	if anomaly == nil || pattern == nil || risk == nil || norm == nil {
		return nil, fmt.Errorf("%w: ensemble needs three models and a normalizer", domain.ErrInvalidConfiguration)
	}
	if err := domain.ValidateWeights(e.weights); err != nil {
		return nil, err
	}
	if err := domain.ValidateThresholds(e.high, e.medium); err != nil {
		return nil, err
	}
	if e.flags == nil {
		fe, err := rules.NewFlagEngine(nil, 0)
		if err != nil {
			return nil, err
		}
		e.flags = fe
	}
	return e, nil
}

// Score runs one vector through the normalizer, the three models and the flag rules.
func (e *Ensemble) Score(ctx context.Context, v *features.Vector, kind domain.EntityType) (*domain.EnsembleResult, error) {
	if v.Schema().Entity != kind {
		return nil, fmt.Errorf("%w: %s vector scored as %s", domain.ErrInvalidInput, v.Schema(), kind)
	}
	if !e.normalizer.Covers(v.Schema()) {
		return nil, fmt.Errorf("%w: no model trained for %s", domain.ErrNotTrained, v.Schema())
	}

	row, err := e.normalizer.Transform(v)
	if err != nil {
		return nil, err
	}

	anomaly, err := e.anomaly.Predict(row)
	if err != nil {
		return nil, err
	}
	pattern, err := e.pattern.Predict(row)
	if err != nil {
		return nil, err
	}
	risk, err := e.risk.Predict(row)
	if err != nil {
		return nil, err
	}

	score := round2(e.weights.Anomaly*anomaly.Score + e.weights.Pattern*pattern.Score + e.weights.Risk*risk.Score)
	score = models.Clip(score, 0, 100)

	flags := e.flags.Evaluate(ctx, &rules.FlagInput{
		Anomaly:   anomaly,
		Pattern:   pattern,
		Features:  v.Map(),
		IsPayment: kind == domain.EntityPayment,
	})

	return &domain.EnsembleResult{
		RiskScore:         score,
		RiskLevel:         e.Level(score),
		AnomalyScore:      round2(anomaly.Score),
		PatternMatchScore: round2(pattern.Score),
		Flags:             flags,
		ModelVersion:      e.meta.VersionID,
		Details: domain.ModelDetails{
			Anomaly: anomaly,
			Pattern: pattern,
			Risk:    risk,
		},
	}, nil
}

// Level classifies a (rounded) risk score.
func (e *Ensemble) Level(score float64) domain.RiskLevel {
	switch {
	case score >= e.high:
		return domain.RiskHigh
	case score >= e.medium:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// Version returns the ensemble version id, empty until saved or loaded.
func (e *Ensemble) Version() string { return e.meta.VersionID }

// Metadata returns the ensemble version metadata.
func (e *Ensemble) Metadata() models.Version { return e.meta }

// Weights returns the combination weights.
func (e *Ensemble) Weights() domain.Weights { return e.weights }

// Normalizer returns the fitted normalizer.
func (e *Ensemble) Normalizer() *normalize.Normalizer { return e.normalizer }

// Anomaly returns the anomaly constituent.
func (e *Ensemble) Anomaly() models.Model { return e.anomaly }

// Pattern returns the pattern constituent.
func (e *Ensemble) Pattern() models.Model { return e.pattern }

// Risk returns the risk constituent.
func (e *Ensemble) Risk() models.Model { return e.risk }

// Constituent returns a model by registry name.
func (e *Ensemble) Constituent(name string) (models.Model, bool) {
	switch name {
	case models.AnomalyDetector:
		return e.anomaly, true
	case models.PatternRecognizer:
		return e.pattern, true
	case models.RiskScorer:
		return e.risk, true
	}
	return nil, false
}

// Save persists every constituent that has no version yet, then the normalizer
// and the ensemble metadata. Constituents already loaded from the store are
// referenced by their existing version.
func (e *Ensemble) Save(ctx context.Context, store models.ArtifactStore) (string, error) {
	versions := make(map[string]string, 3)
	for _, m := range []models.Model{e.anomaly, e.pattern, e.risk} {
		v := m.Version()
		if v == "" {
			var err error
			if v, err = m.Save(ctx, store); err != nil {
				return "", fmt.Errorf("failed to save %s: %w", m.Name(), err)
			}
		}
		versions[m.Name()] = v
	}

	artifact, err := json.Marshal(e.normalizer)
	if err != nil {
		return "", fmt.Errorf("failed to encode normalizer: %w", err)
	}

	meta := models.Version{
		VersionID: models.NewVersionID(),
		ModelName: models.EnsembleName,
		TrainedAt: time.Now().UTC(),
		Hyperparameters: map[string]any{
			"high_threshold":   e.high,
			"medium_threshold": e.medium,
			"flag_rules":       len(e.flags.Rules()),
		},
		FeatureNames:  e.normalizer.Names(),
		IsTrained:     true,
		Weights:       e.weights.Map(),
		ModelVersions: versions,
	}
	if err := store.Put(ctx, meta, artifact); err != nil {
		return "", err
	}
	e.meta = meta
	return meta.VersionID, nil
}

// Constituents builds untrained models for Load to fill.
type Constituents func() (anomaly, pattern, risk models.Model, err error)

// Load restores an ensemble version into a fresh instance. Callers either get
// a fully loaded ensemble or an error; a missing or untrained constituent is
// reported as domain.ErrRegistryCorruption.
func Load(ctx context.Context, store models.ArtifactStore, versionID string, build Constituents, opts ...Option) (*Ensemble, error) {
	meta, artifact, err := models.LoadVersion(ctx, store, models.EnsembleName, versionID)
	if err != nil {
		return nil, err
	}

	weights, err := domain.WeightsFromMap(meta.Weights)
	if err != nil {
		return nil, fmt.Errorf("%w: ensemble %s: %v", domain.ErrRegistryCorruption, versionID, err)
	}

	norm := normalize.New()
	if err := json.Unmarshal(artifact, norm); err != nil {
		if errors.Is(err, domain.ErrRegistryCorruption) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: ensemble %s normalizer: %v", domain.ErrRegistryCorruption, versionID, err)
	}

	anomaly, pattern, risk, err := build()
	if err != nil {
		return nil, err
	}
	for _, m := range []models.Model{anomaly, pattern, risk} {
		v, ok := meta.ModelVersions[m.Name()]
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: ensemble %s does not reference %s", domain.ErrRegistryCorruption, versionID, m.Name())
		}
		if err := m.Load(ctx, store, v); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: ensemble %s references missing %s version %s",
					domain.ErrRegistryCorruption, versionID, m.Name(), v)
			}
			return nil, err
		}
	}

	e, err := New(anomaly, pattern, risk, norm, append([]Option{WithWeights(weights)}, opts...)...)
	if err != nil {
		return nil, err
	}
	e.meta = meta
	return e, nil
}
