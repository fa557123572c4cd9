package domain

import (
	"time"
)

// ScoreResult is the output of a single scoring model for one row.
type ScoreResult struct {
	// Score is on a 0-100 scale for every model.
	Score float64 `json:"score"`

	// RawScore is the model's native output (decision value, probability, regression output).
	RawScore float64 `json:"raw_score"`

	// Confidence is in [0, 1].
	Confidence float64 `json:"confidence"`

	// Label is the model's binary verdict (anomaly, suspicious pattern, high risk).
	Label bool `json:"label"`
}

// RiskLevel is the coarse classification of a risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"

	// RiskError marks a batch entry that could not be scored.
	RiskError RiskLevel = "error"
)

// ModelDetails holds the per-model results behind an ensemble decision.
type ModelDetails struct {
	Anomaly ScoreResult `json:"anomaly"`
	Pattern ScoreResult `json:"pattern"`
	Risk    ScoreResult `json:"risk"`
}

// EnsembleResult is the combined decision for one entity.
type EnsembleResult struct {
	RiskScore         float64      `json:"risk_score"`
	RiskLevel         RiskLevel    `json:"risk_level"`
	AnomalyScore      float64      `json:"anomaly_score"`
	PatternMatchScore float64      `json:"pattern_match_score"`
	Flags             []string     `json:"flags"`
	ModelVersion      string       `json:"model_version"`
	Details           ModelDetails `json:"details"`

	// Set by the scoring service once the decision is recorded.
	AlertID          string `json:"alert_id,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// Alert is the persisted record of one scoring call.
// Feedback references alerts by ID.
type Alert struct {
	ID           string     `json:"alert_id"`
	EntityType   EntityType `json:"entity_type"`
	EntityID     string     `json:"entity_id"`
	RiskScore    float64    `json:"risk_score"`
	RiskLevel    RiskLevel  `json:"risk_level"`
	Flags        []string   `json:"flags"`
	ModelVersion string     `json:"model_version"`
	CreatedAt    time.Time  `json:"created_at"`

	// Feature snapshot used for the decision, kept for retraining.
	Schema        string    `json:"-"`
	FeatureNames  []string  `json:"-"`
	FeatureValues []float64 `json:"-"`
}

// LabeledSample is one reviewed alert turned into a training row.
type LabeledSample struct {
	AlertID string
	Schema  string
	Names   []string
	Values  []float64
	IsFraud bool
}
