// Package models defines the scoring model contract shared by the anomaly,
// pattern and risk variants, plus their persisted version metadata.
package models

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// Registered model names. They double as registry directory names.
const (
	AnomalyDetector   = "anomaly_detector"
	PatternRecognizer = "pattern_recognizer"
	RiskScorer        = "risk_scorer"
	EnsembleName      = "ensemble"
)

// ScoreResult is the per-row output of a model.
type ScoreResult = domain.ScoreResult

// Metrics are training metrics keyed by name.
type Metrics map[string]float64

// Model is a trainable, persistable scorer over normalized rows.
// Predict and PredictBatch return domain.ErrNotTrained before Train or Load.
type Model interface {
	Name() string
	Train(ctx context.Context, X [][]float64, y []float64, featureNames []string) (Metrics, error)
	Predict(x []float64) (ScoreResult, error)
	PredictBatch(X [][]float64) ([]ScoreResult, error)
	Save(ctx context.Context, store ArtifactStore) (string, error)
	Load(ctx context.Context, store ArtifactStore, versionID string) error
	Version() string
	Metadata() Version
}

// Version is the metadata persisted next to every model artifact.
type Version struct {
	VersionID       string         `json:"version_id"`
	ModelName       string         `json:"model_name"`
	TrainedAt       time.Time      `json:"trained_at"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
	FeatureNames    []string       `json:"feature_names,omitempty"`
	TrainingMetrics Metrics        `json:"training_metrics,omitempty"`
	IsTrained       bool           `json:"is_trained"`

	// Ensemble-only fields.
	Weights       map[string]float64 `json:"weights,omitempty"`
	ModelVersions map[string]string  `json:"model_versions,omitempty"`

	// SHA256 of the artifact, filled in by the store.
	SHA256 string `json:"sha256,omitempty"`
}

// ArtifactStore persists a model artifact together with its metadata.
type ArtifactStore interface {
	Put(ctx context.Context, meta Version, artifact []byte) error
	Get(ctx context.Context, modelName, versionID string) (Version, []byte, error)
}

const versionLayout = "20060102_150405"

var (
	versionMu   sync.Mutex
	lastVersion time.Time
)

// NewVersionID returns a timestamp id of the form YYYYMMDD_HHMMSS_ffffff.
// Ids strictly increase within a process.
func NewVersionID() string {
	versionMu.Lock()
	defer versionMu.Unlock()

	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(lastVersion) {
		now = lastVersion.Add(time.Microsecond)
	}
	lastVersion = now
	return fmt.Sprintf("%s_%06d", now.Format(versionLayout), now.Nanosecond()/1000)
}

// EncodeGob serializes a model snapshot.
func EncodeGob(snapshot any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot); err != nil {
		return nil, fmt.Errorf("failed to encode model: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeGob restores a model snapshot. Decode failures are reported as corruption.
func DecodeGob(data []byte, snapshot any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(snapshot); err != nil {
		return fmt.Errorf("%w: failed to decode model: %v", domain.ErrRegistryCorruption, err)
	}
	return nil
}

// LoadVersion fetches metadata and artifact, rejecting untrained versions.
func LoadVersion(ctx context.Context, store ArtifactStore, modelName, versionID string) (Version, []byte, error) {
	meta, artifact, err := store.Get(ctx, modelName, versionID)
	if err != nil {
		return Version{}, nil, err
	}
	if !meta.IsTrained {
		return Version{}, nil, fmt.Errorf("%w: %s version %s is not trained", domain.ErrRegistryCorruption, modelName, versionID)
	}
	return meta, artifact, nil
}

// ValidateTrainingSet checks that X is a non-empty rectangular matrix matching y and names.
func ValidateTrainingSet(X [][]float64, y []float64, featureNames []string, needLabels bool) error {
	if len(X) == 0 {
		return fmt.Errorf("%w: empty training data", domain.ErrInvalidInput)
	}
	width := len(X[0])
	if width == 0 {
		return fmt.Errorf("%w: training rows have no features", domain.ErrInvalidInput)
	}
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", domain.ErrInvalidInput, i, len(row), width)
		}
	}
	if len(featureNames) != 0 && len(featureNames) != width {
		return fmt.Errorf("%w: %d feature names for %d columns", domain.ErrInvalidInput, len(featureNames), width)
	}
	if needLabels && len(y) != len(X) {
		return fmt.Errorf("%w: %d labels for %d rows", domain.ErrInvalidInput, len(y), len(X))
	}
	return nil
}

// CheckWidth validates a prediction row against the trained width.
func CheckWidth(x []float64, width int) error {
	if len(x) != width {
		return fmt.Errorf("%w: row has %d features, model expects %d", domain.ErrInvalidInput, len(x), width)
	}
	return nil
}

// Clip bounds v to [lo, hi].
func Clip(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
