// Package feedback records reviewer labels on alerts and reports how well
// the ensemble's alerts hold up against them.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/splitguard/internal/domain"
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 500
)

// Input is a review submitted for an alert.
type Input struct {
	AlertID      string              `json:"alert_id"`
	IsFraud      bool                `json:"is_fraud"`
	FeedbackType domain.FeedbackType `json:"feedback_type"`
	Notes        string              `json:"notes,omitempty"`
	ReviewedBy   string              `json:"reviewed_by"`
}

// Validate checks the required fields and the feedback type.
func (in *Input) Validate() error {
	if strings.TrimSpace(in.AlertID) == "" {
		return fmt.Errorf("%w: alert_id is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(in.ReviewedBy) == "" {
		return fmt.Errorf("%w: reviewed_by is required", domain.ErrInvalidInput)
	}
	if !in.FeedbackType.Valid() {
		return fmt.Errorf("%w: unknown feedback_type %q", domain.ErrInvalidInput, in.FeedbackType)
	}
	return nil
}

// Stats summarizes all recorded feedback.
type Stats struct {
	Total          int     `json:"total"`
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	TrueNegatives  int     `json:"true_negatives"`
	Accuracy       float64 `json:"accuracy"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1_score"`
}

// AlertLookup resolves alerts referenced by feedback.
type AlertLookup interface {
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
}

// Collector appends feedback records and computes review statistics.
type Collector struct {
	store  domain.FeedbackStore
	alerts AlertLookup
	now    func() time.Time
}

// NewCollector creates a collector over store. When alerts is non-nil,
// feedback for unknown alerts is rejected with domain.ErrNotFound.
func NewCollector(store domain.FeedbackStore, alerts AlertLookup) *Collector {
	return &Collector{store: store, alerts: alerts, now: time.Now}
}

// Submit validates and stores one review.
func (c *Collector) Submit(ctx context.Context, in Input) (*domain.FeedbackRecord, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if c.alerts != nil {
		if _, err := c.alerts.GetAlert(ctx, in.AlertID); err != nil {
			return nil, err
		}
	}

	rec := &domain.FeedbackRecord{
		ID:           uuid.New().String(),
		AlertID:      in.AlertID,
		IsFraud:      in.IsFraud,
		FeedbackType: in.FeedbackType,
		Notes:        in.Notes,
		ReviewedBy:   in.ReviewedBy,
		CreatedAt:    c.now().UTC(),
	}
	if err := c.store.PutFeedback(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store feedback: %w", err)
	}

	slog.Info("feedback recorded",
		"feedback_id", rec.ID,
		"alert_id", rec.AlertID,
		"feedback_type", rec.FeedbackType,
		"is_fraud", rec.IsFraud,
	)
	return rec, nil
}

// Stats counts every record by type.
func (c *Collector) Stats(ctx context.Context) (*Stats, error) {
	records, err := c.store.ListFeedback(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}

	s := &Stats{Total: len(records)}
	for _, r := range records {
		switch r.FeedbackType {
		case domain.TruePositive:
			s.TruePositives++
		case domain.FalsePositive:
			s.FalsePositives++
		case domain.FalseNegative:
			s.FalseNegatives++
		case domain.TrueNegative:
			s.TrueNegatives++
		}
	}

	s.Accuracy = ratio(s.TruePositives+s.TrueNegatives, s.Total)
	s.Precision = ratio(s.TruePositives, s.TruePositives+s.FalsePositives)
	s.Recall = ratio(s.TruePositives, s.TruePositives+s.FalseNegatives)
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s, nil
}

// Recent returns the newest records first. limit is clamped to
// [1, MaxRecentLimit]; zero or less means DefaultRecentLimit.
func (c *Collector) Recent(ctx context.Context, limit int) ([]*domain.FeedbackRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultRecentLimit
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}
	records, err := c.store.ListFeedback(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	return records, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
