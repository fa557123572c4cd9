// Package scoring serves ensemble decisions for splits and payments and owns
// the ensemble currently used for serving.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/ensemble"
	"github.com/opensource-finance/splitguard/internal/features"
	"github.com/opensource-finance/splitguard/internal/metrics"
	"github.com/opensource-finance/splitguard/internal/models"
)

// Registry is the slice of the model registry the service needs.
type Registry interface {
	models.ArtifactStore
	Latest(modelName string) (string, error)
	MarkCurrent(modelName, versionID string)
}

// ContextProvider fills in creator history and network context the caller
// did not send.
type ContextProvider interface {
	UserHistory(ctx context.Context, creatorID string) (*domain.UserHistory, error)
	NetworkPatterns(ctx context.Context, split *domain.Split) (*domain.NetworkPatterns, error)
}

// Recorder persists scored entities and their alerts.
type Recorder interface {
	SaveSplit(ctx context.Context, split *domain.Split) error
	SaveAlert(ctx context.Context, alert *domain.Alert) error
}

// SplitRequest is a split with optional caller-supplied context.
type SplitRequest struct {
	domain.Split
	UserHistory     *domain.UserHistory     `json:"user_history,omitempty"`
	NetworkPatterns *domain.NetworkPatterns `json:"network_patterns,omitempty"`
}

// PaymentRequest is a payment with its optional split context.
type PaymentRequest struct {
	domain.Payment
	SplitContext *domain.SplitContext `json:"split_context,omitempty"`
}

// BatchItem is one entry of a batch response. Failed entities carry
// risk_level "error" and a processing_error flag.
type BatchItem struct {
	Index    int    `json:"index"`
	EntityID string `json:"entity_id,omitempty"`
	domain.EnsembleResult
}

// Service scores entities against the serving ensemble.
//
// The serving ensemble is swapped atomically. Calls that span a swap, such as
// a long batch, may score entities with two different versions.
type Service struct {
	current atomic.Pointer[ensemble.Ensemble]

	registry     Registry
	constituents ensemble.Constituents
	ensembleOpts []ensemble.Option

	splits   *features.SplitExtractor
	payments *features.PaymentExtractor
	provider ContextProvider
	recorder Recorder
}

// Option configures a Service.
type Option func(*Service)

// WithContextProvider consults p for missing split context.
func WithContextProvider(p ContextProvider) Option {
	return func(s *Service) { s.provider = p }
}

// WithRecorder persists every scored split and alert.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithEnsembleOptions applies opts to every ensemble loaded from the registry.
func WithEnsembleOptions(opts ...ensemble.Option) Option {
	return func(s *Service) { s.ensembleOpts = append(s.ensembleOpts, opts...) }
}

// WithExtractors replaces the feature extractors.
func WithExtractors(splits *features.SplitExtractor, payments *features.PaymentExtractor) Option {
	return func(s *Service) {
		s.splits = splits
		s.payments = payments
	}
}

// NewService creates a scoring service with no serving ensemble.
func NewService(registry Registry, constituents ensemble.Constituents, opts ...Option) *Service {
	s := &Service{
		registry:     registry,
		constituents: constituents,
		splits:       features.NewSplitExtractor(),
		payments:     features.NewPaymentExtractor(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the serving ensemble, or nil before one is loaded.
func (s *Service) Current() *ensemble.Ensemble {
	return s.current.Load()
}

// Ready reports whether an ensemble is serving.
func (s *Service) Ready() bool {
	return s.current.Load() != nil
}

// Install makes ens the serving ensemble and marks its versions current in
// the registry. It matches training.DeployFunc.
func (s *Service) Install(_ context.Context, ens *ensemble.Ensemble) error {
	if ens == nil {
		return fmt.Errorf("%w: nil ensemble", domain.ErrInvalidInput)
	}
	prev := s.current.Swap(ens)

	if s.registry != nil {
		for name, version := range ens.Metadata().ModelVersions {
			s.registry.MarkCurrent(name, version)
		}
		s.registry.MarkCurrent(models.EnsembleName, ens.Version())
	}

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version()
	}
	slog.Info("serving ensemble installed",
		"version", ens.Version(),
		"previous_version", prevVersion,
		"model_versions", ens.Metadata().ModelVersions,
	)
	return nil
}

// LoadEnsembleVersion loads a stored ensemble and installs it. The serving
// ensemble is untouched when loading fails.
func (s *Service) LoadEnsembleVersion(ctx context.Context, version string) (*ensemble.Ensemble, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("%w: no model registry configured", domain.ErrUnavailable)
	}
	ens, err := ensemble.Load(ctx, s.registry, version, s.constituents, s.ensembleOpts...)
	if err != nil {
		return nil, err
	}
	if err := s.Install(ctx, ens); err != nil {
		return nil, err
	}
	return ens, nil
}

// LoadLatest installs the newest stored ensemble. It returns domain.ErrNotFound
// when the registry holds none.
func (s *Service) LoadLatest(ctx context.Context) (*ensemble.Ensemble, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("%w: no model registry configured", domain.ErrUnavailable)
	}
	version, err := s.registry.Latest(models.EnsembleName)
	if err != nil {
		return nil, err
	}
	return s.LoadEnsembleVersion(ctx, version)
}

func (s *Service) serving() (*ensemble.Ensemble, error) {
	ens := s.current.Load()
	if ens == nil {
		return nil, fmt.Errorf("%w: no ensemble loaded", domain.ErrNotTrained)
	}
	return ens, nil
}

// ScoreSplit scores a split. Missing history or network context is looked up
// through the context provider; lookup failures score with empty context.
func (s *Service) ScoreSplit(ctx context.Context, split *domain.Split, history *domain.UserHistory, network *domain.NetworkPatterns) (*domain.EnsembleResult, error) {
	start := time.Now()
	if split == nil {
		return nil, fmt.Errorf("%w: split is required", domain.ErrInvalidInput)
	}
	if err := split.Validate(); err != nil {
		return nil, err
	}
	ens, err := s.serving()
	if err != nil {
		return nil, err
	}

	history, network = s.resolveContext(ctx, split, history, network)

	v := s.splits.Extract(split, history, network)
	res, err := ens.Score(ctx, v, domain.EntitySplit)
	if err != nil {
		return nil, err
	}

	if s.recorder != nil {
		if err := s.recorder.SaveSplit(ctx, split); err != nil {
			slog.Warn("failed to save split",
				"split_id", split.ID,
				"error", err,
			)
		}
	}
	s.finish(ctx, res, v, domain.EntitySplit, split.ID, start)
	return res, nil
}

// ScorePayment scores a payment against its optional split context.
func (s *Service) ScorePayment(ctx context.Context, payment *domain.Payment, sc *domain.SplitContext) (*domain.EnsembleResult, error) {
	start := time.Now()
	if payment == nil {
		return nil, fmt.Errorf("%w: payment is required", domain.ErrInvalidInput)
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}
	ens, err := s.serving()
	if err != nil {
		return nil, err
	}

	v := s.payments.Extract(payment, sc)
	res, err := ens.Score(ctx, v, domain.EntityPayment)
	if err != nil {
		return nil, err
	}

	s.finish(ctx, res, v, domain.EntityPayment, payment.ID, start)
	return res, nil
}

// ScoreBatch scores entities in input order. Entity failures become error
// items; only an unknown entity type fails the whole batch.
func (s *Service) ScoreBatch(ctx context.Context, entities []json.RawMessage, entityType string) ([]BatchItem, error) {
	kind, err := domain.ParseEntityType(entityType)
	if err != nil {
		return nil, err
	}

	items := make([]BatchItem, 0, len(entities))
	failed := 0
	for i, raw := range entities {
		item := BatchItem{Index: i}
		res, id, err := s.scoreRaw(ctx, kind, raw)
		item.EntityID = id
		if err != nil {
			failed++
			item.EnsembleResult = domain.EnsembleResult{
				RiskLevel: domain.RiskError,
				Flags:     []string{"processing_error: " + err.Error()},
			}
			if ens := s.current.Load(); ens != nil {
				item.ModelVersion = ens.Version()
			}
			metrics.ObserveScore(string(kind), string(domain.RiskError), 0)
		} else {
			item.EnsembleResult = *res
		}
		items = append(items, item)
	}

	if failed > 0 {
		slog.Warn("batch entities failed",
			"entity_type", kind,
			"total", len(entities),
			"failed", failed,
		)
	}
	return items, nil
}

func (s *Service) scoreRaw(ctx context.Context, kind domain.EntityType, raw json.RawMessage) (*domain.EnsembleResult, string, error) {
	switch kind {
	case domain.EntitySplit:
		var req SplitRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		res, err := s.ScoreSplit(ctx, &req.Split, req.UserHistory, req.NetworkPatterns)
		return res, req.ID, err
	default:
		var req PaymentRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		res, err := s.ScorePayment(ctx, &req.Payment, req.SplitContext)
		return res, req.ID, err
	}
}

func (s *Service) resolveContext(ctx context.Context, split *domain.Split, history *domain.UserHistory, network *domain.NetworkPatterns) (*domain.UserHistory, *domain.NetworkPatterns) {
	if s.provider == nil {
		return history, network
	}

	if history == nil && split.CreatorID != "" {
		h, err := s.provider.UserHistory(ctx, split.CreatorID)
		if err != nil {
			slog.Warn("user history unavailable, scoring without it",
				"split_id", split.ID,
				"creator_id", split.CreatorID,
				"error", err,
			)
		} else {
			history = h
		}
	}

	if network == nil {
		np, err := s.provider.NetworkPatterns(ctx, split)
		if err != nil {
			slog.Warn("network patterns unavailable, scoring without them",
				"split_id", split.ID,
				"error", err,
			)
		} else {
			network = np
		}
	}
	return history, network
}

// finish records the decision as an alert and stamps the result.
func (s *Service) finish(ctx context.Context, res *domain.EnsembleResult, v *features.Vector, kind domain.EntityType, entityID string, start time.Time) {
	if s.recorder != nil {
		alert := &domain.Alert{
			ID:            uuid.New().String(),
			EntityType:    kind,
			EntityID:      entityID,
			RiskScore:     res.RiskScore,
			RiskLevel:     res.RiskLevel,
			Flags:         res.Flags,
			ModelVersion:  res.ModelVersion,
			CreatedAt:     time.Now().UTC(),
			Schema:        v.Schema().String(),
			FeatureNames:  v.Names(),
			FeatureValues: v.Values(),
		}
		if err := s.recorder.SaveAlert(ctx, alert); err != nil {
			slog.Warn("failed to save alert",
				"entity_type", kind,
				"entity_id", entityID,
				"error", err,
			)
		} else {
			res.AlertID = alert.ID
		}
	}

	elapsed := time.Since(start)
	res.ProcessingTimeMs = elapsed.Milliseconds()
	metrics.ObserveScore(string(kind), string(res.RiskLevel), elapsed)

	slog.Debug("entity scored",
		"entity_type", kind,
		"entity_id", entityID,
		"risk_score", res.RiskScore,
		"risk_level", res.RiskLevel,
		"model_version", res.ModelVersion,
		"duration_ms", res.ProcessingTimeMs,
	)
}
