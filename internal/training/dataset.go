package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/features"
)

// Dataset is a labeled set of feature vectors. Labels are 0 (legitimate) or 1 (fraud).
type Dataset struct {
	Vectors   []*features.Vector
	Labels    []float64
	Synthetic bool
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.Vectors) }

// DatasetProvider supplies labeled training data.
type DatasetProvider interface {
	Dataset(ctx context.Context) (*Dataset, error)
}

// SampleSource is the slice of domain.Repository the feedback dataset reads.
type SampleSource interface {
	LabeledSamples(ctx context.Context, limit int) ([]domain.LabeledSample, error)
}

// FeedbackDataset builds training data from reviewed alerts.
type FeedbackDataset struct {
	Source SampleSource
	Limit  int
}

// Dataset implements DatasetProvider. Samples whose snapshot cannot be
// rebuilt are skipped with a warning.
func (f *FeedbackDataset) Dataset(ctx context.Context) (*Dataset, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}
	samples, err := f.Source.LabeledSamples(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load labeled samples: %w", err)
	}

	ds := &Dataset{}
	for _, s := range samples {
		v, err := features.FromSnapshot(s.Schema, s.Names, s.Values)
		if err != nil {
			slog.Warn("skipping labeled sample",
				"alert_id", s.AlertID,
				"error", err,
			)
			continue
		}
		ds.Vectors = append(ds.Vectors, v)
		ds.Labels = append(ds.Labels, labelOf(s.IsFraud))
	}
	return ds, nil
}

func labelOf(fraud bool) float64 {
	if fraud {
		return 1
	}
	return 0
}

// syntheticFraudRate is the share of generated samples labeled fraud.
const syntheticFraudRate = 0.1

// Synthesize generates n labeled split and payment vectors, about a quarter
// of them payments. Fraudulent samples lean on the traits the flag rules
// look for: night activity, large amounts, lone participants, new creators,
// bursts of splits and instant payments.
func Synthesize(n int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	base := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return base.Add(60 * 24 * time.Hour) }
	splits := &features.SplitExtractor{Now: now}
	payments := &features.PaymentExtractor{Now: now}

	ds := &Dataset{Synthetic: true}
	for i := 0; i < n; i++ {
		fraud := rng.Float64() < syntheticFraudRate
		created := base.Add(time.Duration(rng.Intn(59*24)) * time.Hour).Add(time.Duration(rng.Intn(60)) * time.Minute)

		if i%4 == 3 {
			p, sc := syntheticPayment(rng, fraud, created)
			ds.Vectors = append(ds.Vectors, payments.Extract(p, sc))
		} else {
			s, h, np := syntheticSplit(rng, fraud, created, now())
			ds.Vectors = append(ds.Vectors, splits.Extract(s, h, np))
		}
		ds.Labels = append(ds.Labels, labelOf(fraud))
	}
	return ds
}

func syntheticSplit(rng *rand.Rand, fraud bool, created, now time.Time) (*domain.Split, *domain.UserHistory, *domain.NetworkPatterns) {
	count := 2 + rng.Intn(6)
	amount := math.Round(math.Exp(3+rng.NormFloat64())*100) / 100
	hour := 9 + rng.Intn(12)
	ageDays := 30 + rng.Intn(400)
	totalSplits := 3 + rng.Intn(40)
	completion := 0.8 + rng.Float64()*0.2
	recent := rng.Intn(3)

	if fraud {
		if rng.Float64() < 0.6 {
			amount = 1000 + rng.Float64()*9000
		}
		if rng.Float64() < 0.5 {
			count = 1
		}
		if rng.Float64() < 0.6 {
			hour = []int{0, 1, 2, 3, 4, 23}[rng.Intn(6)]
		}
		if rng.Float64() < 0.6 {
			ageDays = rng.Intn(7)
			totalSplits = rng.Intn(3)
		}
		if rng.Float64() < 0.5 {
			recent = 6 + rng.Intn(10)
		}
		completion = rng.Float64() * 0.6
	}

	created = time.Date(created.Year(), created.Month(), created.Day(), hour, created.Minute(), 0, 0, time.UTC)
	split := &domain.Split{
		ID:                "synthetic",
		TotalAmount:       amount,
		ParticipantCount:  count,
		PreferredCurrency: []string{"XLM", "XLM", "USDC", "EURC"}[rng.Intn(4)],
		CreatedAt:         created,
	}
	share := amount / float64(count)
	for i := 0; i < count; i++ {
		owed := share * (0.8 + rng.Float64()*0.4)
		split.Participants = append(split.Participants, domain.Participant{
			AmountOwed:    math.Round(owed*100) / 100,
			WalletAddress: fmt.Sprintf("G%055d", rng.Intn(1_000_000)),
		})
	}
	for i := rng.Intn(5); i > 0; i-- {
		split.Items = append(split.Items, domain.Item{Amount: amount / float64(i+1)})
	}

	first := now.Add(-time.Duration(ageDays) * 24 * time.Hour)
	history := &domain.UserHistory{
		TotalSplits:     totalSplits,
		CompletedSplits: int(float64(totalSplits) * completion),
		AvgAmount:       amount * (0.5 + rng.Float64()),
		FirstSplitAt:    &first,
	}
	network := &domain.NetworkPatterns{
		UniqueWalletCount:  count,
		RecentSplitsCount:  recent,
		IsRapidCreation:    recent > 5,
		HasCircularPattern: fraud && rng.Float64() < 0.2,
	}
	return split, history, network
}

func syntheticPayment(rng *rand.Rand, fraud bool, created time.Time) (*domain.Payment, *domain.SplitContext) {
	total := math.Round(math.Exp(3.5+rng.NormFloat64())*100) / 100
	count := 2 + rng.Intn(6)
	amount := total / float64(count)
	delay := time.Duration(2+rng.Intn(96)) * time.Hour
	paid := amount * float64(rng.Intn(count))

	if fraud {
		if rng.Float64() < 0.6 {
			delay = time.Duration(rng.Intn(5)) * time.Minute
		}
		if rng.Float64() < 0.4 {
			amount = 1000 + rng.Float64()*5000
			total = amount
		}
	}

	return &domain.Payment{
			ID:        "synthetic",
			Amount:    amount,
			Asset:     []string{"XLM", "USDC"}[rng.Intn(2)],
			Timestamp: created.Add(delay),
		}, &domain.SplitContext{
			TotalAmount:      total,
			AmountPaid:       paid,
			ParticipantCount: count,
			CreatedAt:        &created,
		}
}
