package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/ensemble"
	"github.com/opensource-finance/splitguard/internal/features"
	"github.com/opensource-finance/splitguard/internal/models"
)

// memJobs is an in-memory domain.JobStore.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.TrainingJob
}

func newMemJobs() *memJobs { return &memJobs{jobs: make(map[string]domain.TrainingJob)} }

func (m *memJobs) PutJob(_ context.Context, job *domain.TrainingJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (*domain.TrainingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return &j, nil
}

func (m *memJobs) ListJobs(_ context.Context, limit int) ([]*domain.TrainingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TrainingJob
	for _, j := range m.jobs {
		out = append(out, &j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// recordingBus captures published payloads by topic.
type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	err       error
}

func newRecordingBus() *recordingBus { return &recordingBus{published: make(map[string][][]byte)} }

func (b *recordingBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func (b *recordingBus) statuses(t *testing.T) []domain.JobStatus {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.JobStatus
	for _, p := range b.published[domain.TopicTrainingStatus] {
		var j domain.TrainingJob
		require.NoError(t, json.Unmarshal(p, &j))
		out = append(out, j.Status)
	}
	return out
}

func testFactory(backend string) *ensemble.Factory {
	return &ensemble.Factory{
		Models: domain.ModelsConfig{
			PatternBackend: backend,
			Contamination:  0.05,
			Estimators:     10,
			PatternEpochs:  2,
		},
		HighThreshold: 80,
	}
}

func testPipeline(store models.ArtifactStore, backend string) *Pipeline {
	return &Pipeline{
		Store:            store,
		Factory:          testFactory(backend),
		MinSamples:       1000,
		SyntheticSamples: 240,
	}
}

func runCollect(t *testing.T, p *Pipeline, spec JobSpec) (*Result, []float64, error) {
	t.Helper()
	updates := make(chan Update, 16)
	res, err := p.Run(context.Background(), spec, updates)
	var progress []float64
	for u := range updates {
		progress = append(progress, u.Progress)
	}
	return res, progress, err
}

func TestJobLifecycle(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		j := NewJob("job-1", domain.ModelTypeAll)
		assert.Equal(t, domain.JobPending, j.Snapshot().Status)

		require.NoError(t, j.Start())
		require.NoError(t, j.Advance(0.25))
		require.NoError(t, j.Advance(0.25))
		require.NoError(t, j.Advance(0.9))
		require.NoError(t, j.Complete(map[string]any{"samples": 10}))

		s := j.Snapshot()
		assert.Equal(t, domain.JobCompleted, s.Status)
		assert.Equal(t, 1.0, s.Progress)
		assert.Equal(t, 10, s.Metrics["samples"])
		assert.False(t, s.UpdatedAt.Before(s.CreatedAt))
	})

	t.Run("progress never decreases", func(t *testing.T) {
		j := NewJob("job-2", domain.ModelTypeAll)
		require.NoError(t, j.Start())
		require.NoError(t, j.Advance(0.5))
		assert.ErrorIs(t, j.Advance(0.25), ErrInvalidTransition)
		assert.ErrorIs(t, j.Advance(1.5), ErrInvalidTransition)
		assert.Equal(t, 0.5, j.Snapshot().Progress)
	})

	t.Run("failure freezes progress", func(t *testing.T) {
		j := NewJob("job-3", domain.ModelTypeRisk)
		require.NoError(t, j.Start())
		require.NoError(t, j.Advance(0.75))
		require.NoError(t, j.Fail(errors.New("boom")))

		s := j.Snapshot()
		assert.Equal(t, domain.JobFailed, s.Status)
		assert.Equal(t, 0.75, s.Progress)
		assert.Equal(t, "boom", s.Error)

		assert.ErrorIs(t, j.Advance(0.9), ErrInvalidTransition)
		assert.ErrorIs(t, j.Complete(nil), ErrInvalidTransition)
		assert.ErrorIs(t, j.Start(), ErrInvalidTransition)
		assert.ErrorIs(t, j.Fail(errors.New("again")), ErrInvalidTransition)
	})

	t.Run("illegal from pending", func(t *testing.T) {
		j := NewJob("job-4", domain.ModelTypeAll)
		assert.ErrorIs(t, j.Advance(0.1), ErrInvalidTransition)
		assert.ErrorIs(t, j.Complete(nil), ErrInvalidTransition)
		require.NoError(t, j.Fail(errors.New("queue down")))
		assert.Equal(t, domain.JobFailed, j.Snapshot().Status)
	})

	t.Run("completed absorbs", func(t *testing.T) {
		j := NewJob("job-5", domain.ModelTypeAll)
		require.NoError(t, j.Start())
		require.NoError(t, j.Complete(nil))
		assert.ErrorIs(t, j.Fail(errors.New("late")), ErrInvalidTransition)
		assert.Equal(t, domain.JobCompleted, j.Snapshot().Status)
	})
}

func TestPipelineFullRun(t *testing.T) {
	store := models.NewMemoryStore()
	p := testPipeline(store, "mlp")

	res, progress, err := runCollect(t, p, JobSpec{JobID: "full", ModelType: domain.ModelTypeAll})
	require.NoError(t, err)

	assert.Equal(t, []float64{ProgressAnomaly, ProgressPattern, ProgressRisk, ProgressEnsemble, ProgressDone}, progress)
	assert.True(t, res.Synthetic)
	assert.Equal(t, 240, res.Samples)
	assert.NotEmpty(t, res.EnsembleVersion)
	for _, name := range []string{models.AnomalyDetector, models.PatternRecognizer, models.RiskScorer} {
		assert.Contains(t, res.Metrics, name)
	}

	// The fitted normalizer covers both entity schemas.
	ctx := context.Background()
	split := features.NewVector(features.SplitV1)
	split.Set("total_amount", 5000)
	r, err := res.Ensemble.Score(ctx, split, domain.EntitySplit)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.RiskScore, 0.0)
	assert.LessOrEqual(t, r.RiskScore, 100.0)

	payment := features.NewVector(features.PaymentV1)
	payment.Set("payment_amount", 20)
	_, err = res.Ensemble.Score(ctx, payment, domain.EntityPayment)
	require.NoError(t, err)

	// The saved version loads into a fresh ensemble.
	loaded, err := ensemble.Load(ctx, store, res.EnsembleVersion, p.Factory.Constituents())
	require.NoError(t, err)
	assert.Equal(t, res.EnsembleVersion, loaded.Version())
}

func TestPipelinePartialRun(t *testing.T) {
	store := models.NewMemoryStore()
	p := testPipeline(store, "mlp")

	t.Run("needs serving ensemble", func(t *testing.T) {
		_, progress, err := runCollect(t, p, JobSpec{JobID: "partial", ModelType: domain.ModelTypePattern})
		assert.ErrorIs(t, err, domain.ErrTrainingFailure)
		assert.Empty(t, progress)
	})

	base, _, err := runCollect(t, p, JobSpec{JobID: "base", ModelType: domain.ModelTypeAll})
	require.NoError(t, err)
	p.Serving = func() *ensemble.Ensemble { return base.Ensemble }

	res, progress, err := runCollect(t, p, JobSpec{JobID: "pattern-only", ModelType: domain.ModelTypePattern})
	require.NoError(t, err)
	assert.Equal(t, []float64{ProgressPattern, ProgressEnsemble, ProgressDone}, progress)

	before := base.Ensemble.Metadata().ModelVersions
	after := res.Ensemble.Metadata().ModelVersions
	assert.Equal(t, before[models.AnomalyDetector], after[models.AnomalyDetector])
	assert.Equal(t, before[models.RiskScorer], after[models.RiskScorer])
	assert.NotEqual(t, before[models.PatternRecognizer], after[models.PatternRecognizer])
	assert.Same(t, base.Ensemble.Normalizer(), res.Ensemble.Normalizer())
}

func TestPipelineStageFailure(t *testing.T) {
	p := testPipeline(models.NewMemoryStore(), "none")

	_, progress, err := runCollect(t, p, JobSpec{JobID: "broken", ModelType: domain.ModelTypeAll})
	assert.ErrorIs(t, err, domain.ErrTrainingFailure)
	assert.Equal(t, []float64{ProgressAnomaly}, progress)
}

type staticDataset struct {
	ds  *Dataset
	err error
}

func (s staticDataset) Dataset(context.Context) (*Dataset, error) { return s.ds, s.err }

type panickingDataset struct{}

func (panickingDataset) Dataset(context.Context) (*Dataset, error) { panic("dataset exploded") }

func TestDatasetFallback(t *testing.T) {
	real := Synthesize(30, 7)
	real.Synthetic = false

	p := &Pipeline{Data: staticDataset{ds: real}, MinSamples: 20, SyntheticSamples: 50}
	ds, err := p.dataset(context.Background())
	require.NoError(t, err)
	assert.False(t, ds.Synthetic)
	assert.Equal(t, 30, ds.Len())

	p.MinSamples = 100
	ds, err = p.dataset(context.Background())
	require.NoError(t, err)
	assert.True(t, ds.Synthetic)
	assert.Equal(t, 50, ds.Len())

	p.Data = staticDataset{err: errors.New("db down")}
	_, err = p.dataset(context.Background())
	assert.Error(t, err)
}

type sampleSource []domain.LabeledSample

func (s sampleSource) LabeledSamples(context.Context, int) ([]domain.LabeledSample, error) {
	return s, nil
}

func TestFeedbackDataset(t *testing.T) {
	src := sampleSource{
		{AlertID: "a1", Schema: "split/v1", Names: []string{"total_amount"}, Values: []float64{10}, IsFraud: false},
		{AlertID: "a2", Schema: "bogus", Names: []string{"x"}, Values: []float64{1}, IsFraud: true},
		{AlertID: "a3", Schema: "payment/v1", Names: []string{"payment_amount"}, Values: []float64{5000}, IsFraud: true},
	}
	ds, err := (&FeedbackDataset{Source: src}).Dataset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, []float64{0, 1}, ds.Labels)
	assert.Equal(t, features.PaymentV1, ds.Vectors[1].Schema())
}

func TestSynthesize(t *testing.T) {
	a := Synthesize(400, 3)
	b := Synthesize(400, 3)
	require.Equal(t, a.Len(), b.Len())
	for i := range a.Vectors {
		assert.Equal(t, a.Vectors[i].Values(), b.Vectors[i].Values())
	}

	var fraud, payments int
	for i, v := range a.Vectors {
		fraud += int(a.Labels[i])
		if v.Schema() == features.PaymentV1 {
			payments++
		}
	}
	assert.Equal(t, 100, payments)
	assert.Greater(t, fraud, 10)
	assert.Less(t, fraud, 80)
}

func TestRiskTargets(t *testing.T) {
	assert.Equal(t, []float64{0, 100, 100}, riskTargets([]float64{0, 1, 1}))
	assert.Equal(t, []float64{10, 55}, riskTargets([]float64{10, 55}))
	assert.Empty(t, riskTargets(nil))
}

func TestOrchestratorSubmit(t *testing.T) {
	jobs := newMemJobs()
	bus := newRecordingBus()
	o := NewOrchestrator(jobs, bus, testPipeline(models.NewMemoryStore(), "mlp"), nil)
	ctx := context.Background()

	_, err := o.Submit(ctx, "everything")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	id, err := o.Submit(ctx, "")
	require.NoError(t, err)

	job, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, domain.ModelTypeAll, job.ModelType)

	require.Len(t, bus.published[domain.TopicTrainingSubmit], 1)
	var spec JobSpec
	require.NoError(t, json.Unmarshal(bus.published[domain.TopicTrainingSubmit][0], &spec))
	assert.Equal(t, id, spec.JobID)

	_, err = o.Status(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrchestratorSubmitQueueFailure(t *testing.T) {
	jobs := newMemJobs()
	bus := newRecordingBus()
	bus.err = errors.New("bus closed")
	o := NewOrchestrator(jobs, bus, testPipeline(models.NewMemoryStore(), "mlp"), nil)

	_, err := o.Submit(context.Background(), "risk")
	require.Error(t, err)

	all, _ := jobs.ListJobs(context.Background(), 0)
	require.Len(t, all, 1)
	assert.Equal(t, domain.JobFailed, all[0].Status)
}

func TestOrchestratorExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("success deploys", func(t *testing.T) {
		jobs := newMemJobs()
		bus := newRecordingBus()
		var deployed *ensemble.Ensemble
		deploy := func(_ context.Context, e *ensemble.Ensemble) error {
			deployed = e
			return nil
		}
		o := NewOrchestrator(jobs, bus, testPipeline(models.NewMemoryStore(), "mlp"), deploy)

		id, err := o.Submit(ctx, "all")
		require.NoError(t, err)
		require.NoError(t, o.Execute(ctx, JobSpec{JobID: id, ModelType: domain.ModelTypeAll}))

		job, err := o.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, job.Status)
		assert.Equal(t, 1.0, job.Progress)
		assert.Equal(t, true, job.Metrics["deployed"])
		require.NotNil(t, deployed)
		assert.Equal(t, job.Metrics["ensemble_version"], deployed.Version())

		statuses := bus.statuses(t)
		assert.Equal(t, domain.JobRunning, statuses[0])
		assert.Equal(t, domain.JobCompleted, statuses[len(statuses)-1])
		assert.Len(t, statuses, 7) // start, five checkpoints, completion

		assert.ErrorIs(t, o.Execute(ctx, JobSpec{JobID: id}), ErrInvalidTransition)
	})

	t.Run("stage failure", func(t *testing.T) {
		jobs := newMemJobs()
		bus := newRecordingBus()
		o := NewOrchestrator(jobs, bus, testPipeline(models.NewMemoryStore(), "none"), nil)

		id, err := o.Submit(ctx, "all")
		require.NoError(t, err)
		err = o.Execute(ctx, JobSpec{JobID: id, ModelType: domain.ModelTypeAll})
		assert.ErrorIs(t, err, domain.ErrTrainingFailure)

		job, err := o.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobFailed, job.Status)
		assert.Equal(t, ProgressAnomaly, job.Progress)
		assert.Contains(t, job.Error, "pattern_recognizer")
	})

	t.Run("panicking stage fails the job", func(t *testing.T) {
		jobs := newMemJobs()
		bus := newRecordingBus()
		p := testPipeline(models.NewMemoryStore(), "mlp")
		p.Data = panickingDataset{}
		o := NewOrchestrator(jobs, bus, p, nil)

		id, err := o.Submit(ctx, "all")
		require.NoError(t, err)
		require.NotPanics(t, func() {
			err = o.Execute(ctx, JobSpec{JobID: id, ModelType: domain.ModelTypeAll})
		})
		assert.ErrorIs(t, err, domain.ErrTrainingFailure)

		job, err := o.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobFailed, job.Status)
		assert.Contains(t, job.Error, "dataset exploded")

		statuses := bus.statuses(t)
		assert.Equal(t, domain.JobFailed, statuses[len(statuses)-1])
	})

	t.Run("unsubmitted spec creates job", func(t *testing.T) {
		jobs := newMemJobs()
		o := NewOrchestrator(jobs, newRecordingBus(), testPipeline(models.NewMemoryStore(), "mlp"), nil)

		require.NoError(t, o.Execute(ctx, JobSpec{JobID: "offline"}))
		job, err := o.Status(ctx, "offline")
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, job.Status)
	})
}

func TestNightLargeSingleSplitOutscoresDaytimeSplit(t *testing.T) {
	ctx := context.Background()
	p := &Pipeline{
		Store:            models.NewMemoryStore(),
		Factory:          ensemble.NewFactory(domain.DefaultConfig()),
		MinSamples:       1000,
		SyntheticSamples: 2000,
		Seed:             42,
	}
	res, _, err := runCollect(t, p, JobSpec{JobID: "worked-example", ModelType: domain.ModelTypeAll})
	require.NoError(t, err)

	ext := features.NewSplitExtractor()
	night := ext.Extract(&domain.Split{
		ID:               "night",
		TotalAmount:      5000,
		ParticipantCount: 1,
		CreatedAt:        time.Date(2025, 3, 4, 2, 30, 0, 0, time.UTC),
		Participants:     []domain.Participant{{AmountOwed: 5000}},
	}, nil, nil)
	day := ext.Extract(&domain.Split{
		ID:               "day",
		TotalAmount:      90,
		ParticipantCount: 3,
		CreatedAt:        time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC),
		Participants:     []domain.Participant{{AmountOwed: 30}, {AmountOwed: 30}, {AmountOwed: 30}},
	}, nil, nil)

	nightRes, err := res.Ensemble.Score(ctx, night, domain.EntitySplit)
	require.NoError(t, err)
	dayRes, err := res.Ensemble.Score(ctx, day, domain.EntitySplit)
	require.NoError(t, err)

	for _, flag := range []string{"night_time_activity", "large_amount", "single_participant_split"} {
		assert.Contains(t, nightRes.Flags, flag)
		assert.NotContains(t, dayRes.Flags, flag)
	}
	assert.Greater(t, nightRes.RiskScore, dayRes.RiskScore)
	assert.NotEqual(t, domain.RiskLow, nightRes.RiskLevel)

	again, err := res.Ensemble.Score(ctx, night, domain.EntitySplit)
	require.NoError(t, err)
	assert.Equal(t, nightRes.RiskScore, again.RiskScore)
	assert.Equal(t, nightRes.Flags, again.Flags)
}
