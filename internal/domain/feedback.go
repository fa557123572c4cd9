package domain

import (
	"context"
	"time"
)

// FeedbackType is a reviewer's classification of an alert.
type FeedbackType string

const (
	TruePositive  FeedbackType = "true_positive"
	FalsePositive FeedbackType = "false_positive"
	FalseNegative FeedbackType = "false_negative"
	TrueNegative  FeedbackType = "true_negative"
)

// Valid reports whether t is one of the four known feedback types.
func (t FeedbackType) Valid() bool {
	switch t {
	case TruePositive, FalsePositive, FalseNegative, TrueNegative:
		return true
	}
	return false
}

// FeedbackRecord is an append-only review label for an alert.
type FeedbackRecord struct {
	ID           string       `json:"feedback_id"`
	AlertID      string       `json:"alert_id"`
	IsFraud      bool         `json:"is_fraud"`
	FeedbackType FeedbackType `json:"feedback_type"`
	Notes        string       `json:"notes,omitempty"`
	ReviewedBy   string       `json:"reviewed_by"`
	CreatedAt    time.Time    `json:"created_at"`
}

// FeedbackStore persists feedback records.
// ListFeedback returns newest first; limit <= 0 means no limit.
type FeedbackStore interface {
	PutFeedback(ctx context.Context, fb *FeedbackRecord) error
	GetFeedback(ctx context.Context, feedbackID string) (*FeedbackRecord, error)
	ListFeedback(ctx context.Context, limit int) ([]*FeedbackRecord, error)
}
