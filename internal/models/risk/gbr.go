// Package risk implements the gradient-boosted regression risk scorer.
package risk

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/models"
)

// stagedWindow is how many trailing boosting stages feed the confidence estimate.
const stagedWindow = 10

// Scorer regresses a 0-100 risk score with boosted squared-loss trees.
type Scorer struct {
	mu sync.RWMutex

	// Configuration
	nEstimators   int
	learningRate  float64
	maxDepth      int
	subsample     float64
	seed          int64
	highThreshold float64
	valSplit      float64

	// Trained model
	init       float64
	trees      []*treeNode
	nFeatures  int
	importance []float64
	trained    bool
	version    models.Version
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithEstimators sets the number of boosting stages.
func WithEstimators(n int) Option {
	return func(s *Scorer) {
		s.nEstimators = n
	}
}

// WithLearningRate sets the shrinkage applied to every stage.
func WithLearningRate(lr float64) Option {
	return func(s *Scorer) {
		s.learningRate = lr
	}
}

// WithMaxDepth sets the depth limit of each regression tree.
func WithMaxDepth(d int) Option {
	return func(s *Scorer) {
		s.maxDepth = d
	}
}

// WithSubsample sets the fraction of rows drawn for each stage.
func WithSubsample(f float64) Option {
	return func(s *Scorer) {
		s.subsample = f
	}
}

// WithSeed sets the random seed for row subsampling.
func WithSeed(seed int64) Option {
	return func(s *Scorer) {
		s.seed = seed
	}
}

// WithHighThreshold sets the score at or above which a row is labeled high risk.
func WithHighThreshold(t float64) Option {
	return func(s *Scorer) {
		s.highThreshold = t
	}
}

// New creates a Scorer with the given options.
func New(opts ...Option) *Scorer {
	s := &Scorer{
		nEstimators:   100,
		learningRate:  0.1,
		maxDepth:      6,
		subsample:     0.8,
		seed:          42,
		highThreshold: 80,
		valSplit:      0.2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ models.Model = (*Scorer)(nil)

// Name implements models.Model.
func (s *Scorer) Name() string { return models.RiskScorer }

// Train fits the boosted ensemble on the first 80% of rows and reports
// fit quality on the trailing 20%.
func (s *Scorer) Train(ctx context.Context, X [][]float64, y []float64, featureNames []string) (models.Metrics, error) {
	if err := models.ValidateTrainingSet(X, y, featureNames, true); err != nil {
		return nil, err
	}

	nVal := int(float64(len(X)) * s.valSplit)
	if len(X)-nVal < 2 {
		nVal = 0
	}
	trainX, trainY := X[:len(X)-nVal], y[:len(X)-nVal]
	valX, valY := X[len(X)-nVal:], y[len(X)-nVal:]
	if nVal == 0 {
		valX, valY = trainX, trainY
	}

	nFeatures := len(X[0])
	rng := rand.New(rand.NewSource(s.seed))
	init := meanOf(trainY)

	pred := make([]float64, len(trainX))
	for i := range pred {
		pred[i] = init
	}
	residual := make([]float64, len(trainX))
	gain := make([]float64, nFeatures)
	trees := make([]*treeNode, 0, s.nEstimators)

	sampleSize := max(1, int(math.Round(s.subsample*float64(len(trainX)))))
	sampleSize = min(sampleSize, len(trainX))
	b := &builder{X: trainX, maxDepth: s.maxDepth, nFeatures: nFeatures, gain: gain}

	for stage := 0; stage < s.nEstimators; stage++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range residual {
			residual[i] = trainY[i] - pred[i]
		}
		rows := rng.Perm(len(trainX))[:sampleSize]
		b.y = residual

		tree, err := b.build(ctx, rows, 0)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", stage, err)
		}
		trees = append(trees, tree)
		for i, x := range trainX {
			pred[i] += s.learningRate * tree.predict(x)
		}
	}

	var total float64
	for _, g := range gain {
		total += g
	}
	if total > 0 {
		for i := range gain {
			gain[i] /= total
		}
	}

	valPred := make([]float64, len(valX))
	for i, x := range valX {
		valPred[i] = raw(init, s.learningRate, trees, x)
	}

	metrics := models.Metrics{
		"train_r2": r2(trainY, pred),
		"val_r2":   r2(valY, valPred),
		"val_mse":  mse(valY, valPred),
		"val_mae":  mae(valY, valPred),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.init = init
	s.trees = trees
	s.nFeatures = nFeatures
	s.importance = gain
	s.trained = true
	s.version = models.Version{
		ModelName: models.RiskScorer,
		TrainedAt: time.Now().UTC(),
		Hyperparameters: map[string]any{
			"n_estimators":  s.nEstimators,
			"learning_rate": s.learningRate,
			"max_depth":     s.maxDepth,
			"subsample":     s.subsample,
			"random_state":  s.seed,
		},
		FeatureNames:    slices.Clone(featureNames),
		TrainingMetrics: metrics,
		IsTrained:       true,
	}
	return metrics, nil
}

func raw(init, lr float64, trees []*treeNode, x []float64) float64 {
	out := init
	for _, t := range trees {
		out += lr * t.predict(x)
	}
	return out
}

// Predict implements models.Model.
func (s *Scorer) Predict(x []float64) (models.ScoreResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained {
		return models.ScoreResult{}, domain.ErrNotTrained
	}
	if err := models.CheckWidth(x, s.nFeatures); err != nil {
		return models.ScoreResult{}, err
	}
	return s.score(x), nil
}

// PredictBatch implements models.Model.
func (s *Scorer) PredictBatch(X [][]float64) ([]models.ScoreResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained {
		return nil, domain.ErrNotTrained
	}
	out := make([]models.ScoreResult, len(X))
	for i, x := range X {
		if err := models.CheckWidth(x, s.nFeatures); err != nil {
			return nil, err
		}
		out[i] = s.score(x)
	}
	return out, nil
}

// score walks the stages once, keeping the trailing staged predictions
// whose variance drives confidence.
func (s *Scorer) score(x []float64) models.ScoreResult {
	out := s.init
	var staged []float64
	for i, t := range s.trees {
		out += s.learningRate * t.predict(x)
		if i >= len(s.trees)-stagedWindow {
			staged = append(staged, out)
		}
	}

	confidence := 0.8
	if len(s.trees) >= stagedWindow {
		m := meanOf(staged)
		var v float64
		for _, p := range staged {
			v += (p - m) * (p - m)
		}
		v /= float64(len(staged))
		confidence = max(0, 1-v/100)
	}

	score := models.Clip(out, 0, 100)
	return models.ScoreResult{
		Score:      score,
		RawScore:   out,
		Confidence: confidence,
		Label:      score >= s.highThreshold,
	}
}

// FeatureImportance returns gain-based importances keyed by feature name.
// Unnamed models use feature_<i>.
func (s *Scorer) FeatureImportance() (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.trained {
		return nil, domain.ErrNotTrained
	}
	names := s.version.FeatureNames
	out := make(map[string]float64, len(s.importance))
	for i, imp := range s.importance {
		name := fmt.Sprintf("feature_%d", i)
		if i < len(names) {
			name = names[i]
		}
		out[name] = imp
	}
	return out, nil
}

// FeatureWeight is one entry of TopFeatures.
type FeatureWeight struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// TopFeatures returns the n most important features, highest first.
func (s *Scorer) TopFeatures(n int) ([]FeatureWeight, error) {
	imp, err := s.FeatureImportance()
	if err != nil {
		return nil, err
	}
	out := make([]FeatureWeight, 0, len(imp))
	for name, v := range imp {
		out = append(out, FeatureWeight{Feature: name, Importance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].Feature < out[j].Feature
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out, nil
}

// Version implements models.Model.
func (s *Scorer) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version.VersionID
}

// Metadata implements models.Model.
func (s *Scorer) Metadata() models.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

type snapshot struct {
	NEstimators   int
	LearningRate  float64
	MaxDepth      int
	Subsample     float64
	Seed          int64
	HighThreshold float64
	Init          float64
	Trees         []*treeNode
	NFeatures     int
	Importance    []float64
}

// Save implements models.Model.
func (s *Scorer) Save(ctx context.Context, store models.ArtifactStore) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.trained {
		return "", domain.ErrNotTrained
	}
	data, err := models.EncodeGob(snapshot{
		NEstimators:   s.nEstimators,
		LearningRate:  s.learningRate,
		MaxDepth:      s.maxDepth,
		Subsample:     s.subsample,
		Seed:          s.seed,
		HighThreshold: s.highThreshold,
		Init:          s.init,
		Trees:         s.trees,
		NFeatures:     s.nFeatures,
		Importance:    s.importance,
	})
	if err != nil {
		return "", err
	}
	meta := s.version
	meta.VersionID = models.NewVersionID()
	if err := store.Put(ctx, meta, data); err != nil {
		return "", err
	}
	s.version = meta
	return meta.VersionID, nil
}

// Load implements models.Model.
func (s *Scorer) Load(ctx context.Context, store models.ArtifactStore, versionID string) error {
	meta, data, err := models.LoadVersion(ctx, store, models.RiskScorer, versionID)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := models.DecodeGob(data, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nEstimators = snap.NEstimators
	s.learningRate = snap.LearningRate
	s.maxDepth = snap.MaxDepth
	s.subsample = snap.Subsample
	s.seed = snap.Seed
	s.highThreshold = snap.HighThreshold
	s.init = snap.Init
	s.trees = snap.Trees
	s.nFeatures = snap.NFeatures
	s.importance = snap.Importance
	s.trained = true
	s.version = meta
	return nil
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func r2(y, pred []float64) float64 {
	m := meanOf(y)
	var ssRes, ssTot float64
	for i := range y {
		ssRes += (y[i] - pred[i]) * (y[i] - pred[i])
		ssTot += (y[i] - m) * (y[i] - m)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - ssRes/ssTot
}

func mse(y, pred []float64) float64 {
	var sum float64
	for i := range y {
		sum += (y[i] - pred[i]) * (y[i] - pred[i])
	}
	return sum / float64(len(y))
}

func mae(y, pred []float64) float64 {
	var sum float64
	for i := range y {
		sum += math.Abs(y[i] - pred[i])
	}
	return sum / float64(len(y))
}
