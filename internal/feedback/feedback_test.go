package feedback

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/splitguard/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	records []*domain.FeedbackRecord
	err     error
}

func (m *memStore) PutFeedback(_ context.Context, fb *domain.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, fb)
	return nil
}

func (m *memStore) GetFeedback(_ context.Context, id string) (*domain.FeedbackRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) ListFeedback(_ context.Context, limit int) ([]*domain.FeedbackRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := slices.Clone(m.records)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type alertSet map[string]bool

func (a alertSet) GetAlert(_ context.Context, id string) (*domain.Alert, error) {
	if !a[id] {
		return nil, fmt.Errorf("%w: alert %s", domain.ErrNotFound, id)
	}
	return &domain.Alert{ID: id}, nil
}

func review(alertID string, t domain.FeedbackType) Input {
	return Input{
		AlertID:      alertID,
		IsFraud:      t == domain.TruePositive || t == domain.FalseNegative,
		FeedbackType: t,
		ReviewedBy:   "analyst@example.com",
	}
}

func TestSubmit(t *testing.T) {
	store := &memStore{}
	c := NewCollector(store, nil)
	c.now = func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)) }

	rec, err := c.Submit(context.Background(), review("a-1", domain.TruePositive))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "a-1", rec.AlertID)
	assert.True(t, rec.IsFraud)
	assert.Equal(t, time.UTC, rec.CreatedAt.Location())
	assert.Equal(t, 11, rec.CreatedAt.Hour())

	stored, err := store.GetFeedback(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
}

func TestSubmitValidates(t *testing.T) {
	c := NewCollector(&memStore{}, nil)

	tests := []struct {
		name string
		in   Input
	}{
		{"missing alert", Input{ReviewedBy: "x", FeedbackType: domain.TruePositive}},
		{"blank alert", Input{AlertID: "  ", ReviewedBy: "x", FeedbackType: domain.TruePositive}},
		{"missing reviewer", Input{AlertID: "a-1", FeedbackType: domain.TruePositive}},
		{"unknown type", Input{AlertID: "a-1", ReviewedBy: "x", FeedbackType: "maybe"}},
		{"empty type", Input{AlertID: "a-1", ReviewedBy: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(context.Background(), tt.in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestSubmitChecksAlertExists(t *testing.T) {
	c := NewCollector(&memStore{}, alertSet{"a-1": true})

	_, err := c.Submit(context.Background(), review("a-1", domain.FalsePositive))
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), review("a-2", domain.FalsePositive))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmitStoreError(t *testing.T) {
	boom := errors.New("boom")
	c := NewCollector(&memStore{err: boom}, nil)
	_, err := c.Submit(context.Background(), review("a-1", domain.TrueNegative))
	assert.ErrorIs(t, err, boom)
}

func TestStats(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s, err := NewCollector(&memStore{}, nil).Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, &Stats{}, s)
	})

	t.Run("mixed", func(t *testing.T) {
		c := NewCollector(&memStore{}, nil)
		counts := map[domain.FeedbackType]int{
			domain.TruePositive:  6,
			domain.FalsePositive: 2,
			domain.FalseNegative: 3,
			domain.TrueNegative:  9,
		}
		for ft, n := range counts {
			for i := 0; i < n; i++ {
				_, err := c.Submit(context.Background(), review(fmt.Sprintf("%s-%d", ft, i), ft))
				require.NoError(t, err)
			}
		}

		s, err := c.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 20, s.Total)
		assert.Equal(t, 6, s.TruePositives)
		assert.Equal(t, 2, s.FalsePositives)
		assert.Equal(t, 3, s.FalseNegatives)
		assert.Equal(t, 9, s.TrueNegatives)
		assert.InDelta(t, 0.75, s.Accuracy, 1e-9)
		assert.InDelta(t, 0.75, s.Precision, 1e-9)
		assert.InDelta(t, 2.0/3.0, s.Recall, 1e-9)
		assert.InDelta(t, 2*0.75*(2.0/3.0)/(0.75+2.0/3.0), s.F1, 1e-9)
	})

	t.Run("only negatives", func(t *testing.T) {
		c := NewCollector(&memStore{}, nil)
		_, err := c.Submit(context.Background(), review("a-1", domain.TrueNegative))
		require.NoError(t, err)

		s, err := c.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1.0, s.Accuracy)
		assert.Zero(t, s.Precision)
		assert.Zero(t, s.Recall)
		assert.Zero(t, s.F1)
	})
}

func TestRecent(t *testing.T) {
	store := &memStore{}
	c := NewCollector(store, nil)
	for i := 0; i < 600; i++ {
		_, err := c.Submit(context.Background(), review(fmt.Sprintf("a-%d", i), domain.TruePositive))
		require.NoError(t, err)
	}

	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultRecentLimit},
		{-3, DefaultRecentLimit},
		{10, 10},
		{1000, MaxRecentLimit},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.limit), func(t *testing.T) {
			records, err := c.Recent(context.Background(), tt.limit)
			require.NoError(t, err)
			require.Len(t, records, tt.want)
			assert.Equal(t, "a-599", records[0].AlertID)
		})
	}
}
