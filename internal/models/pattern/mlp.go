// Package pattern implements the supervised fraud pattern recognizer.
package pattern

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/models"
)

// Backends.
const (
	BackendMLP  = "mlp"
	BackendNone = "none"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-7
	probEpsilon = 1e-7
)

// Recognizer is a multilayer perceptron binary classifier.
type Recognizer struct {
	mu sync.RWMutex

	// Configuration
	hidden       []int
	dropout      float64
	learningRate float64
	epochs       int
	batchSize    int
	patience     int
	valSplit     float64
	seed         int64

	// Trained model
	layers  []layer
	inputs  int
	trained bool
	version models.Version
}

// layer is a dense layer; W is indexed [out][in].
type layer struct {
	W [][]float64
	B []float64
}

// Option configures a Recognizer.
type Option func(*Recognizer)

// WithHiddenLayers sets the hidden layer widths.
func WithHiddenLayers(sizes ...int) Option {
	return func(r *Recognizer) {
		r.hidden = slices.Clone(sizes)
	}
}

// WithDropout sets the dropout rate applied after each hidden layer during training.
func WithDropout(rate float64) Option {
	return func(r *Recognizer) {
		r.dropout = rate
	}
}

// WithLearningRate sets the Adam learning rate.
func WithLearningRate(lr float64) Option {
	return func(r *Recognizer) {
		r.learningRate = lr
	}
}

// WithEpochs sets the maximum number of epochs.
func WithEpochs(n int) Option {
	return func(r *Recognizer) {
		r.epochs = n
	}
}

// WithBatchSize sets the minibatch size.
func WithBatchSize(n int) Option {
	return func(r *Recognizer) {
		r.batchSize = n
	}
}

// WithPatience sets the early stopping patience in epochs.
func WithPatience(n int) Option {
	return func(r *Recognizer) {
		r.patience = n
	}
}

// WithSeed sets the random seed for initialization, shuffling and dropout.
func WithSeed(seed int64) Option {
	return func(r *Recognizer) {
		r.seed = seed
	}
}

// New constructs a Recognizer for the named backend.
// Only the built-in "mlp" backend is available; anything else yields domain.ErrUnavailable.
func New(backend string, opts ...Option) (*Recognizer, error) {
	if backend != BackendMLP {
		return nil, fmt.Errorf("%w: pattern backend %q", domain.ErrUnavailable, backend)
	}
	r := &Recognizer{
		hidden:       []int{128, 64, 32},
		dropout:      0.3,
		learningRate: 0.001,
		epochs:       100,
		batchSize:    32,
		patience:     10,
		valSplit:     0.2,
		seed:         42,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

var _ models.Model = (*Recognizer)(nil)

// Name implements models.Model.
func (r *Recognizer) Name() string { return models.PatternRecognizer }

// Train fits the network on binary labels. The last 20% of rows are held out
// for early stopping; the best weights by validation loss are restored.
func (r *Recognizer) Train(ctx context.Context, X [][]float64, y []float64, featureNames []string) (models.Metrics, error) {
	if err := models.ValidateTrainingSet(X, y, featureNames, true); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(r.seed))
	inputs := len(X[0])
	batchSize := max(r.batchSize, 1)
	layers := initLayers(rng, inputs, r.hidden)
	opt := newAdam(layers)

	labels := make([]float64, len(y))
	for i, v := range y {
		if v > 0.5 {
			labels[i] = 1
		}
	}

	nVal := int(float64(len(X)) * r.valSplit)
	if len(X)-nVal < 1 {
		nVal = 0
	}
	trainX, trainY := X[:len(X)-nVal], labels[:len(X)-nVal]
	valX, valY := X[len(X)-nVal:], labels[len(X)-nVal:]

	var (
		best       = cloneLayers(layers)
		bestLoss   = math.Inf(1)
		wait       int
		epochsRun  int
		lastLoss   float64
		lastAcc    float64
		lastValAcc float64
	)

	order := make([]int, len(trainX))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < r.epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var lossSum float64
		var correct int
		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			grads := zeroLike(layers)
			for _, idx := range order[start:end] {
				p := r.backprop(rng, layers, grads, trainX[idx], trainY[idx])
				lossSum += bce(p, trainY[idx])
				if (p > 0.5) == (trainY[idx] == 1) {
					correct++
				}
			}
			opt.step(layers, grads, float64(end-start), r.learningRate)
		}
		epochsRun++
		lastLoss = lossSum / float64(len(trainX))
		lastAcc = float64(correct) / float64(len(trainX))

		monitor := lastLoss
		if nVal > 0 {
			monitor, lastValAcc = evaluate(layers, valX, valY)
		}
		if monitor < bestLoss {
			bestLoss = monitor
			best = cloneLayers(layers)
			wait = 0
		} else {
			wait++
			if r.patience > 0 && wait >= r.patience {
				break
			}
		}
	}

	layers = best
	if nVal > 0 {
		_, lastValAcc = evaluate(layers, valX, valY)
	}

	metrics := models.Metrics{
		"epochs_trained":     float64(epochsRun),
		"final_loss":         lastLoss,
		"final_accuracy":     lastAcc,
		"final_val_accuracy": lastValAcc,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers = layers
	r.inputs = inputs
	r.trained = true
	r.version = models.Version{
		ModelName: models.PatternRecognizer,
		TrainedAt: time.Now().UTC(),
		Hyperparameters: map[string]any{
			"hidden_layers": slices.Clone(r.hidden),
			"dropout_rate":  r.dropout,
			"learning_rate": r.learningRate,
			"epochs":        r.epochs,
			"batch_size":    r.batchSize,
			"patience":      r.patience,
			"input_dim":     inputs,
		},
		FeatureNames:    slices.Clone(featureNames),
		TrainingMetrics: metrics,
		IsTrained:       true,
	}
	return metrics, nil
}

// backprop runs one training forward/backward pass, accumulating into grads.
func (r *Recognizer) backprop(rng *rand.Rand, layers, grads []layer, x []float64, y float64) float64 {
	nHidden := len(layers) - 1
	acts := make([][]float64, nHidden+1)
	masks := make([][]float64, nHidden)
	acts[0] = x

	for l := 0; l < nHidden; l++ {
		a := dense(layers[l], acts[l])
		mask := make([]float64, len(a))
		for j := range a {
			a[j] = max(a[j], 0)
			mask[j] = 1
			if r.dropout > 0 {
				if rng.Float64() < r.dropout {
					mask[j] = 0
				} else {
					mask[j] = 1 / (1 - r.dropout)
				}
			}
			a[j] *= mask[j]
		}
		acts[l+1] = a
		masks[l] = mask
	}
	p := sigmoid(dense(layers[nHidden], acts[nHidden])[0])

	// BCE through sigmoid gives p - y at the output logit.
	delta := []float64{p - y}
	for l := nHidden; l >= 0; l-- {
		in := acts[l]
		var upstream []float64
		if l > 0 {
			upstream = make([]float64, len(in))
		}
		for j, d := range delta {
			if d == 0 {
				continue
			}
			grads[l].B[j] += d
			w := layers[l].W[j]
			g := grads[l].W[j]
			for k, v := range in {
				g[k] += d * v
				if upstream != nil {
					upstream[k] += w[k] * d
				}
			}
		}
		if l == 0 {
			break
		}
		for k := range upstream {
			if in[k] > 0 {
				upstream[k] *= masks[l-1][k]
			} else {
				upstream[k] = 0
			}
		}
		delta = upstream
	}
	return p
}

func evaluate(layers []layer, X [][]float64, y []float64) (loss, acc float64) {
	var correct int
	for i, x := range X {
		p := forward(layers, x)
		loss += bce(p, y[i])
		if (p > 0.5) == (y[i] == 1) {
			correct++
		}
	}
	n := float64(len(X))
	return loss / n, float64(correct) / n
}

// forward runs inference without dropout.
func forward(layers []layer, x []float64) float64 {
	a := x
	last := len(layers) - 1
	for l := 0; l < last; l++ {
		a = dense(layers[l], a)
		for j := range a {
			a[j] = max(a[j], 0)
		}
	}
	return sigmoid(dense(layers[last], a)[0])
}

func dense(l layer, in []float64) []float64 {
	out := make([]float64, len(l.W))
	for j, w := range l.W {
		sum := l.B[j]
		for k, v := range in {
			sum += w[k] * v
		}
		out[j] = sum
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func bce(p, y float64) float64 {
	p = models.Clip(p, probEpsilon, 1-probEpsilon)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}

// initLayers uses Glorot uniform weights and zero biases.
func initLayers(rng *rand.Rand, inputs int, hidden []int) []layer {
	sizes := append([]int{inputs}, hidden...)
	sizes = append(sizes, 1)
	layers := make([]layer, len(sizes)-1)
	for l := range layers {
		in, out := sizes[l], sizes[l+1]
		limit := math.Sqrt(6 / float64(in+out))
		w := make([][]float64, out)
		for j := range w {
			w[j] = make([]float64, in)
			for k := range w[j] {
				w[j][k] = (rng.Float64()*2 - 1) * limit
			}
		}
		layers[l] = layer{W: w, B: make([]float64, out)}
	}
	return layers
}

func zeroLike(layers []layer) []layer {
	out := make([]layer, len(layers))
	for l, src := range layers {
		w := make([][]float64, len(src.W))
		for j := range w {
			w[j] = make([]float64, len(src.W[j]))
		}
		out[l] = layer{W: w, B: make([]float64, len(src.B))}
	}
	return out
}

func cloneLayers(layers []layer) []layer {
	out := make([]layer, len(layers))
	for l, src := range layers {
		w := make([][]float64, len(src.W))
		for j := range w {
			w[j] = slices.Clone(src.W[j])
		}
		out[l] = layer{W: w, B: slices.Clone(src.B)}
	}
	return out
}

type adam struct {
	m, v []layer
	t    int
}

func newAdam(layers []layer) *adam {
	return &adam{m: zeroLike(layers), v: zeroLike(layers)}
}

// step applies one Adam update with gradients averaged over n rows.
func (a *adam) step(layers, grads []layer, n, lr float64) {
	a.t++
	c1 := 1 - math.Pow(adamBeta1, float64(a.t))
	c2 := 1 - math.Pow(adamBeta2, float64(a.t))
	update := func(param, grad, m, v *float64) {
		g := *grad / n
		*m = adamBeta1**m + (1-adamBeta1)*g
		*v = adamBeta2**v + (1-adamBeta2)*g*g
		*param -= lr * (*m / c1) / (math.Sqrt(*v/c2) + adamEpsilon)
	}
	for l := range layers {
		for j := range layers[l].W {
			for k := range layers[l].W[j] {
				update(&layers[l].W[j][k], &grads[l].W[j][k], &a.m[l].W[j][k], &a.v[l].W[j][k])
			}
			update(&layers[l].B[j], &grads[l].B[j], &a.m[l].B[j], &a.v[l].B[j])
		}
	}
}

// Predict implements models.Model. The score is the fraud probability times 100.
func (r *Recognizer) Predict(x []float64) (models.ScoreResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.trained {
		return models.ScoreResult{}, domain.ErrNotTrained
	}
	if err := models.CheckWidth(x, r.inputs); err != nil {
		return models.ScoreResult{}, err
	}
	return result(forward(r.layers, x)), nil
}

// PredictBatch implements models.Model.
func (r *Recognizer) PredictBatch(X [][]float64) ([]models.ScoreResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.trained {
		return nil, domain.ErrNotTrained
	}
	out := make([]models.ScoreResult, len(X))
	for i, x := range X {
		if err := models.CheckWidth(x, r.inputs); err != nil {
			return nil, err
		}
		out[i] = result(forward(r.layers, x))
	}
	return out, nil
}

func result(p float64) models.ScoreResult {
	return models.ScoreResult{
		Score:      p * 100,
		RawScore:   p,
		Confidence: math.Abs(p-0.5) * 2,
		Label:      p > 0.5,
	}
}

// Version implements models.Model.
func (r *Recognizer) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version.VersionID
}

// Metadata implements models.Model.
func (r *Recognizer) Metadata() models.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

type snapshot struct {
	Hidden       []int
	Dropout      float64
	LearningRate float64
	Epochs       int
	BatchSize    int
	Patience     int
	Seed         int64
	Inputs       int
	Layers       []layer
}

// Save implements models.Model.
func (r *Recognizer) Save(ctx context.Context, store models.ArtifactStore) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.trained {
		return "", domain.ErrNotTrained
	}
	data, err := models.EncodeGob(snapshot{
		Hidden:       r.hidden,
		Dropout:      r.dropout,
		LearningRate: r.learningRate,
		Epochs:       r.epochs,
		BatchSize:    r.batchSize,
		Patience:     r.patience,
		Seed:         r.seed,
		Inputs:       r.inputs,
		Layers:       r.layers,
	})
	if err != nil {
		return "", err
	}
	meta := r.version
	meta.VersionID = models.NewVersionID()
	if err := store.Put(ctx, meta, data); err != nil {
		return "", err
	}
	r.version = meta
	return meta.VersionID, nil
}

// Load implements models.Model.
func (r *Recognizer) Load(ctx context.Context, store models.ArtifactStore, versionID string) error {
	meta, data, err := models.LoadVersion(ctx, store, models.PatternRecognizer, versionID)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := models.DecodeGob(data, &snap); err != nil {
		return err
	}
	if len(snap.Layers) == 0 {
		return fmt.Errorf("%w: pattern artifact has no layers", domain.ErrRegistryCorruption)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.hidden = snap.Hidden
	r.dropout = snap.Dropout
	r.learningRate = snap.LearningRate
	r.epochs = snap.Epochs
	r.batchSize = snap.BatchSize
	r.patience = snap.Patience
	r.seed = snap.Seed
	r.inputs = snap.Inputs
	r.layers = snap.Layers
	r.trained = true
	r.version = meta
	return nil
}
