package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
)

func newTestRepo(t *testing.T) (*SQLRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "splitguard-test.db")
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: path,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo, path
}

var base = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

func TestSQLiteRepository(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetSplit", func(t *testing.T) {
		split := &domain.Split{
			ID:                   "split-001",
			CreatorID:            "creator-001",
			TotalAmount:          120.50,
			ParticipantCount:     2,
			PreferredCurrency:    "USDC",
			CreatorWalletAddress: "GCREATOR",
			CreatedAt:            base,
			Participants: []domain.Participant{
				{UserID: "u1", AmountOwed: 60.25, WalletAddress: "GA"},
				{UserID: "u2", AmountOwed: 60.25, WalletAddress: "GB"},
			},
		}
		if err := repo.SaveSplit(ctx, split); err != nil {
			t.Fatalf("SaveSplit failed: %v", err)
		}

		got, err := repo.GetSplit(ctx, "split-001")
		if err != nil {
			t.Fatalf("GetSplit failed: %v", err)
		}
		if got.TotalAmount != 120.50 || len(got.Participants) != 2 {
			t.Errorf("unexpected split: %+v", got)
		}

		// Saving again updates in place.
		split.Status = domain.SplitCompleted
		if err := repo.SaveSplit(ctx, split); err != nil {
			t.Fatalf("second SaveSplit failed: %v", err)
		}
		got, _ = repo.GetSplit(ctx, "split-001")
		if got.Status != domain.SplitCompleted {
			t.Errorf("expected status %q, got %q", domain.SplitCompleted, got.Status)
		}
	})

	t.Run("GetSplitNotFound", func(t *testing.T) {
		_, err := repo.GetSplit(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UserHistory", func(t *testing.T) {
		for i, status := range []string{domain.SplitCompleted, "", domain.SplitCompleted} {
			split := &domain.Split{
				ID:               "hist-" + string(rune('a'+i)),
				CreatorID:        "creator-hist",
				TotalAmount:      float64(10 * (i + 1)),
				ParticipantCount: 2,
				Status:           status,
				CreatedAt:        base.Add(time.Duration(i) * 24 * time.Hour),
			}
			if err := repo.SaveSplit(ctx, split); err != nil {
				t.Fatalf("SaveSplit failed: %v", err)
			}
		}

		h, err := repo.GetUserHistory(ctx, "creator-hist")
		if err != nil {
			t.Fatalf("GetUserHistory failed: %v", err)
		}
		if h.TotalSplits != 3 || h.CompletedSplits != 2 {
			t.Errorf("expected 3 total / 2 completed, got %d / %d", h.TotalSplits, h.CompletedSplits)
		}
		if h.AvgAmount != 20 {
			t.Errorf("expected avg 20, got %.2f", h.AvgAmount)
		}
		if h.FirstSplitAt == nil || !h.FirstSplitAt.Equal(base) {
			t.Errorf("expected first split at %v, got %v", base, h.FirstSplitAt)
		}
		if h.LastSplitAt == nil || !h.LastSplitAt.Equal(base.Add(48*time.Hour)) {
			t.Errorf("expected last split at %v, got %v", base.Add(48*time.Hour), h.LastSplitAt)
		}
	})

	t.Run("UserHistoryUnknownCreator", func(t *testing.T) {
		h, err := repo.GetUserHistory(ctx, "nobody")
		if err != nil {
			t.Fatalf("GetUserHistory failed: %v", err)
		}
		if h.TotalSplits != 0 || h.FirstSplitAt != nil {
			t.Errorf("expected empty history, got %+v", h)
		}
	})

	t.Run("Alerts", func(t *testing.T) {
		for i, id := range []string{"alert-1", "alert-2", "alert-3"} {
			alert := &domain.Alert{
				ID:            id,
				EntityType:    domain.EntitySplit,
				EntityID:      "split-" + id,
				RiskScore:     float64(40 + 20*i),
				RiskLevel:     domain.RiskMedium,
				Flags:         []string{"large_amount"},
				ModelVersion:  "20250101_000000_000001",
				Schema:        "split/v1",
				FeatureNames:  []string{"total_amount", "is_night"},
				FeatureValues: []float64{float64(100 * i), 1},
				CreatedAt:     base.Add(time.Duration(i) * time.Minute),
			}
			if err := repo.SaveAlert(ctx, alert); err != nil {
				t.Fatalf("SaveAlert failed: %v", err)
			}
		}

		got, err := repo.GetAlert(ctx, "alert-2")
		if err != nil {
			t.Fatalf("GetAlert failed: %v", err)
		}
		if got.RiskScore != 60 || got.Schema != "split/v1" || len(got.FeatureValues) != 2 || got.FeatureValues[0] != 100 {
			t.Errorf("unexpected alert: %+v", got)
		}
		if len(got.Flags) != 1 || got.Flags[0] != "large_amount" {
			t.Errorf("unexpected flags: %v", got.Flags)
		}

		list, err := repo.ListAlerts(ctx, 2)
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != "alert-3" || list[1].ID != "alert-2" {
			t.Errorf("expected newest two alerts, got %d", len(list))
		}

		if _, err := repo.GetAlert(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("FeedbackAndLabeledSamples", func(t *testing.T) {
		records := []*domain.FeedbackRecord{
			{ID: "fb-1", AlertID: "alert-1", IsFraud: false, FeedbackType: domain.FalsePositive, ReviewedBy: "ana", CreatedAt: base.Add(time.Hour)},
			{ID: "fb-2", AlertID: "alert-1", IsFraud: true, FeedbackType: domain.TruePositive, ReviewedBy: "ben", CreatedAt: base.Add(2 * time.Hour)},
			{ID: "fb-3", AlertID: "alert-3", IsFraud: false, FeedbackType: domain.TrueNegative, Notes: "known user", ReviewedBy: "ana", CreatedAt: base.Add(3 * time.Hour)},
		}
		for _, fb := range records {
			if err := repo.PutFeedback(ctx, fb); err != nil {
				t.Fatalf("PutFeedback failed: %v", err)
			}
		}

		got, err := repo.GetFeedback(ctx, "fb-3")
		if err != nil {
			t.Fatalf("GetFeedback failed: %v", err)
		}
		if got.Notes != "known user" || got.FeedbackType != domain.TrueNegative || got.IsFraud {
			t.Errorf("unexpected feedback: %+v", got)
		}

		list, err := repo.ListFeedback(ctx, 0)
		if err != nil {
			t.Fatalf("ListFeedback failed: %v", err)
		}
		if len(list) != 3 || list[0].ID != "fb-3" || list[2].ID != "fb-1" {
			t.Errorf("expected newest first, got %d records", len(list))
		}

		limited, _ := repo.ListFeedback(ctx, 1)
		if len(limited) != 1 {
			t.Errorf("expected 1 record with limit, got %d", len(limited))
		}

		samples, err := repo.LabeledSamples(ctx, 100)
		if err != nil {
			t.Fatalf("LabeledSamples failed: %v", err)
		}
		if len(samples) != 2 {
			t.Fatalf("expected 2 labeled alerts, got %d", len(samples))
		}
		if samples[0].AlertID != "alert-3" || samples[0].IsFraud {
			t.Errorf("unexpected first sample: %+v", samples[0])
		}
		// The latest review of alert-1 wins.
		if samples[1].AlertID != "alert-1" || !samples[1].IsFraud {
			t.Errorf("unexpected second sample: %+v", samples[1])
		}
		if samples[1].Schema != "split/v1" || len(samples[1].Names) != 2 {
			t.Errorf("expected feature snapshot, got %+v", samples[1])
		}
	})

	t.Run("Jobs", func(t *testing.T) {
		job := &domain.TrainingJob{
			ID:        "job-1",
			ModelType: domain.ModelTypeAll,
			Status:    domain.JobPending,
			CreatedAt: base,
			UpdatedAt: base,
		}
		if err := repo.PutJob(ctx, job); err != nil {
			t.Fatalf("PutJob failed: %v", err)
		}

		job.Status = domain.JobCompleted
		job.Progress = 1
		job.Metrics = map[string]any{"samples": 2000.0, "synthetic": true}
		job.UpdatedAt = base.Add(time.Minute)
		if err := repo.PutJob(ctx, job); err != nil {
			t.Fatalf("PutJob update failed: %v", err)
		}

		got, err := repo.GetJob(ctx, "job-1")
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got.Status != domain.JobCompleted || got.Progress != 1 {
			t.Errorf("unexpected job: %+v", got)
		}
		if got.Metrics["samples"] != 2000.0 || got.Metrics["synthetic"] != true {
			t.Errorf("unexpected metrics: %v", got.Metrics)
		}
		if !got.CreatedAt.Equal(base) || !got.UpdatedAt.Equal(base.Add(time.Minute)) {
			t.Errorf("unexpected timestamps: %v / %v", got.CreatedAt, got.UpdatedAt)
		}

		failed := &domain.TrainingJob{
			ID:        "job-2",
			ModelType: domain.ModelTypeRisk,
			Status:    domain.JobFailed,
			Error:     "training failure: risk: boom",
			CreatedAt: base.Add(time.Hour),
			UpdatedAt: base.Add(time.Hour),
		}
		if err := repo.PutJob(ctx, failed); err != nil {
			t.Fatalf("PutJob failed: %v", err)
		}

		jobs, err := repo.ListJobs(ctx, 10)
		if err != nil {
			t.Fatalf("ListJobs failed: %v", err)
		}
		if len(jobs) != 2 || jobs[0].ID != "job-2" || jobs[0].Error == "" || jobs[0].Metrics != nil {
			t.Errorf("unexpected job list: %+v", jobs)
		}

		if _, err := repo.GetJob(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	repo, path := newTestRepo(t)
	ctx := context.Background()

	if err := repo.PutJob(ctx, &domain.TrainingJob{
		ID: "job-keep", ModelType: domain.ModelTypeAll, Status: domain.JobPending, CreatedAt: base, UpdatedAt: base,
	}); err != nil {
		t.Fatalf("PutJob failed: %v", err)
	}
	repo.Close()

	reopened, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetJob(ctx, "job-keep"); err != nil {
		t.Errorf("expected job to survive reopen: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "mysql"})
	if !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected postgres query: %s", got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite query should be unchanged: %s", got)
	}
}
