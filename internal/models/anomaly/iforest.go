// Package anomaly implements the isolation forest anomaly detector.
package anomaly

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/models"
)

// eulerGamma approximates the harmonic number offset in c(n).
const eulerGamma = 0.5772156649

// Detector scores rows by how quickly random trees isolate them.
type Detector struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64

	// Trained model
	trees         []*node
	threshold     float64
	avgPathLength float64
	nFeatures     int
	trained       bool
	version       models.Version
}

// node is an isolation tree node. Leaves have nil children.
type node struct {
	SplitFeature int
	SplitValue   float64
	Left         *node
	Right        *node
	Size         int
}

// Option configures a Detector.
type Option func(*Detector)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(d *Detector) {
		d.nTrees = n
	}
}

// WithSampleSize sets the per-tree subsample size.
func WithSampleSize(n int) Option {
	return func(d *Detector) {
		d.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(d *Detector) {
		d.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(d *Detector) {
		d.seed = seed
	}
}

// New creates a Detector with the given options.
func New(opts ...Option) *Detector {
	d := &Detector{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.05,
		seed:          42,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ models.Model = (*Detector)(nil)

// Name implements models.Model.
func (d *Detector) Name() string { return models.AnomalyDetector }

// Train fits the forest. Labels are ignored.
func (d *Detector) Train(ctx context.Context, X [][]float64, _ []float64, featureNames []string) (models.Metrics, error) {
	if err := models.ValidateTrainingSet(X, nil, featureNames, false); err != nil {
		return nil, err
	}
	if d.contamination <= 0 || d.contamination >= 0.5 {
		return nil, errors.New("contamination must be in (0, 0.5)")
	}

	nSamples := len(X)
	nFeatures := len(X[0])
	sampleSize := min(d.sampleSize, nSamples)
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))
	rng := rand.New(rand.NewSource(d.seed))

	trees := make([]*node, d.nTrees)
	for i := range trees {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		indices := rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = X[idx]
		}
		trees[i] = buildNode(rng, sample, nFeatures, 0, maxDepth)
	}

	avgPath := averagePathLength(float64(sampleSize))
	scores := make([]float64, nSamples)
	for i, row := range X {
		scores[i] = isolationScore(trees, avgPath, row)
	}
	threshold := percentile(scores, 100*(1-d.contamination))

	metrics := models.Metrics{
		"contamination": d.contamination,
		"threshold":     threshold,
		"n_samples":     float64(nSamples),
		"n_features":    float64(nFeatures),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.trees = trees
	d.avgPathLength = avgPath
	d.threshold = threshold
	d.nFeatures = nFeatures
	d.trained = true
	d.version = models.Version{
		ModelName: models.AnomalyDetector,
		TrainedAt: time.Now().UTC(),
		Hyperparameters: map[string]any{
			"n_estimators":  d.nTrees,
			"max_samples":   sampleSize,
			"contamination": d.contamination,
			"random_state":  d.seed,
		},
		FeatureNames:    slices.Clone(featureNames),
		TrainingMetrics: metrics,
		IsTrained:       true,
	}
	return metrics, nil
}

func buildNode(rng *rand.Rand, data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)
	if depth >= maxDepth || n <= 1 {
		return &node{Size: n}
	}

	feature := rng.Intn(nFeatures)
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		minVal = min(minVal, row[feature])
		maxVal = max(maxVal, row[feature])
	}
	if minVal == maxVal {
		return &node{Size: n}
	}

	splitValue := minVal + rng.Float64()*(maxVal-minVal)

	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		SplitFeature: feature,
		SplitValue:   splitValue,
		Left:         buildNode(rng, leftData, nFeatures, depth+1, maxDepth),
		Right:        buildNode(rng, rightData, nFeatures, depth+1, maxDepth),
	}
}

// Predict implements models.Model.
func (d *Detector) Predict(x []float64) (models.ScoreResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.trained {
		return models.ScoreResult{}, domain.ErrNotTrained
	}
	if err := models.CheckWidth(x, d.nFeatures); err != nil {
		return models.ScoreResult{}, err
	}
	return d.score(x), nil
}

// PredictBatch implements models.Model.
func (d *Detector) PredictBatch(X [][]float64) ([]models.ScoreResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.trained {
		return nil, domain.ErrNotTrained
	}
	out := make([]models.ScoreResult, len(X))
	for i, x := range X {
		if err := models.CheckWidth(x, d.nFeatures); err != nil {
			return nil, err
		}
		out[i] = d.score(x)
	}
	return out, nil
}

// score maps the decision value (threshold minus isolation score) onto 0-100.
// Negative decision values are anomalies.
func (d *Detector) score(x []float64) models.ScoreResult {
	s := isolationScore(d.trees, d.avgPathLength, x)
	raw := d.threshold - s
	return models.ScoreResult{
		Score:      models.Clip(50-raw*100, 0, 100),
		RawScore:   raw,
		Confidence: min(math.Abs(raw)*2, 1),
		Label:      raw < 0,
	}
}

// isolationScore is 2^(-E[h(x)]/c(n)); higher is more anomalous.
func isolationScore(trees []*node, avgPath float64, x []float64) float64 {
	if len(trees) == 0 || avgPath == 0 {
		return 0.5
	}
	var total float64
	for _, t := range trees {
		total += pathLength(x, t, 0)
	}
	return math.Pow(2, -(total/float64(len(trees)))/avgPath)
}

func pathLength(x []float64, n *node, depth int) float64 {
	if n.Left == nil && n.Right == nil {
		return float64(depth) + averagePathLength(float64(n.Size))
	}
	if x[n.SplitFeature] < n.SplitValue {
		return pathLength(x, n.Left, depth+1)
	}
	return pathLength(x, n.Right, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful search length in a BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := slices.Clone(data)
	slices.Sort(sorted)
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

// Threshold returns the isolation score separating anomalies from normal rows.
func (d *Detector) Threshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.threshold
}

// Version implements models.Model. Empty until saved or loaded.
func (d *Detector) Version() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version.VersionID
}

// Metadata returns the current version metadata.
func (d *Detector) Metadata() models.Version {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

type snapshot struct {
	NTrees        int
	SampleSize    int
	Contamination float64
	Seed          int64
	Trees         []*node
	Threshold     float64
	AvgPathLength float64
	NFeatures     int
}

// Save implements models.Model.
func (d *Detector) Save(ctx context.Context, store models.ArtifactStore) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.trained {
		return "", domain.ErrNotTrained
	}

	data, err := models.EncodeGob(snapshot{
		NTrees:        d.nTrees,
		SampleSize:    d.sampleSize,
		Contamination: d.contamination,
		Seed:          d.seed,
		Trees:         d.trees,
		Threshold:     d.threshold,
		AvgPathLength: d.avgPathLength,
		NFeatures:     d.nFeatures,
	})
	if err != nil {
		return "", err
	}

	meta := d.version
	meta.VersionID = models.NewVersionID()
	if err := store.Put(ctx, meta, data); err != nil {
		return "", err
	}
	d.version = meta
	return meta.VersionID, nil
}

// Load implements models.Model.
func (d *Detector) Load(ctx context.Context, store models.ArtifactStore, versionID string) error {
	meta, data, err := models.LoadVersion(ctx, store, models.AnomalyDetector, versionID)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := models.DecodeGob(data, &snap); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nTrees = snap.NTrees
	d.sampleSize = snap.SampleSize
	d.contamination = snap.Contamination
	d.seed = snap.Seed
	d.trees = snap.Trees
	d.threshold = snap.Threshold
	d.avgPathLength = snap.AvgPathLength
	d.nFeatures = snap.NFeatures
	d.trained = true
	d.version = meta
	return nil
}
