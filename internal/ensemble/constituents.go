package ensemble

import (
	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/models"
	"github.com/opensource-finance/splitguard/internal/models/anomaly"
	"github.com/opensource-finance/splitguard/internal/models/pattern"
	"github.com/opensource-finance/splitguard/internal/models/risk"
	"github.com/opensource-finance/splitguard/internal/rules"
)

// Factory creates untrained constituent models from configuration.
type Factory struct {
	Models        domain.ModelsConfig
	HighThreshold float64
}

// NewFactory returns a factory for the configured hyperparameters.
func NewFactory(cfg *domain.Config) *Factory {
	return &Factory{Models: cfg.Models, HighThreshold: cfg.Scoring.HighThreshold}
}

// Anomaly returns a fresh isolation forest.
func (f *Factory) Anomaly() models.Model {
	return anomaly.New(
		anomaly.WithTrees(f.Models.Estimators),
		anomaly.WithContamination(f.Models.Contamination),
	)
}

// Pattern returns a fresh pattern recognizer, or domain.ErrUnavailable
// when the configured backend cannot be used.
func (f *Factory) Pattern() (models.Model, error) {
	var opts []pattern.Option
	if f.Models.PatternEpochs > 0 {
		opts = append(opts, pattern.WithEpochs(f.Models.PatternEpochs))
	}
	return pattern.New(f.Models.PatternBackend, opts...)
}

// Risk returns a fresh gradient-boosted scorer.
func (f *Factory) Risk() models.Model {
	return risk.New(
		risk.WithEstimators(f.Models.Estimators),
		risk.WithHighThreshold(f.HighThreshold),
	)
}

// Constituents adapts the factory for Load.
func (f *Factory) Constituents() Constituents {
	return func() (models.Model, models.Model, models.Model, error) {
		p, err := f.Pattern()
		if err != nil {
			return nil, nil, nil, err
		}
		return f.Anomaly(), p, f.Risk(), nil
	}
}

// OptionsFromConfig turns the scoring section into ensemble options. Custom
// flag rules are compiled here so a bad expression fails at startup.
func OptionsFromConfig(cfg *domain.Config) ([]Option, error) {
	fe, err := rules.NewFlagEngine(cfg.Scoring.CustomFlags, 0)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithWeights(cfg.Scoring.Weights),
		WithThresholds(cfg.Scoring.HighThreshold, cfg.Scoring.MediumThreshold),
		WithFlagEngine(fe),
	}, nil
}
