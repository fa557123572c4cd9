// Package normalize implements a standard scaler over a fixed feature ordering.
package normalize

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/features"
)

// Normalizer learns per-feature mean and standard deviation.
// It is safe for concurrent Transform calls; Fit replaces state under a lock.
type Normalizer struct {
	mu      sync.RWMutex
	fitted  bool
	names   []string
	mean    []float64
	std     []float64
	schemas map[string]bool
}

// New returns an unfitted normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Fit learns the union of names in first-seen order and their statistics.
// A zero standard deviation is replaced by 1. Any prior state is discarded.
func (n *Normalizer) Fit(vectors []*features.Vector) error {
	if len(vectors) == 0 {
		return fmt.Errorf("%w: cannot fit normalizer on zero vectors", domain.ErrInvalidInput)
	}

	var names []string
	index := make(map[string]int)
	schemas := make(map[string]bool)
	for _, v := range vectors {
		schemas[v.Schema().String()] = true
		for _, name := range v.Names() {
			if _, ok := index[name]; !ok {
				index[name] = len(names)
				names = append(names, name)
			}
		}
	}

	rows := float64(len(vectors))
	mean := make([]float64, len(names))
	for _, v := range vectors {
		for i, name := range names {
			x, _ := v.Get(name)
			mean[i] += x
		}
	}
	for i := range mean {
		mean[i] /= rows
	}

	std := make([]float64, len(names))
	for _, v := range vectors {
		for i, name := range names {
			x, _ := v.Get(name)
			d := x - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / rows)
		if std[i] == 0 {
			std[i] = 1
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.fitted = true
	n.names = names
	n.mean = mean
	n.std = std
	n.schemas = schemas
	return nil
}

// Fitted reports whether Fit or a successful unmarshal has happened.
func (n *Normalizer) Fitted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fitted
}

// Names returns the fitted column order.
func (n *Normalizer) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.names))
	copy(out, n.names)
	return out
}

// Covers reports whether vectors of the schema were part of the fit.
func (n *Normalizer) Covers(schema features.Schema) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.schemas[schema.String()]
}

// Transform scales a vector into the fitted column order.
// Absent names are treated as 0.0 and unknown names are ignored.
func (n *Normalizer) Transform(v *features.Vector) ([]float64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.fitted {
		return nil, domain.ErrNotFitted
	}
	return n.transform(v), nil
}

// TransformBatch scales vectors, preserving row order.
func (n *Normalizer) TransformBatch(vs []*features.Vector) ([][]float64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.fitted {
		return nil, domain.ErrNotFitted
	}
	out := make([][]float64, len(vs))
	for i, v := range vs {
		out[i] = n.transform(v)
	}
	return out, nil
}

func (n *Normalizer) transform(v *features.Vector) []float64 {
	row := make([]float64, len(n.names))
	for i, name := range n.names {
		x, _ := v.Get(name)
		row[i] = (x - n.mean[i]) / n.std[i]
	}
	return row
}

type state struct {
	Names   []string  `json:"feature_names"`
	Mean    []float64 `json:"mean"`
	Std     []float64 `json:"std"`
	Schemas []string  `json:"schemas"`
}

// MarshalJSON serializes the fitted state.
func (n *Normalizer) MarshalJSON() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.fitted {
		return nil, domain.ErrNotFitted
	}
	s := state{Names: n.names, Mean: n.mean, Std: n.std}
	s.Schemas = slices.Sorted(maps.Keys(n.schemas))
	return json.Marshal(s)
}

// UnmarshalJSON restores a fitted state.
func (n *Normalizer) UnmarshalJSON(data []byte) error {
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s.Names) != len(s.Mean) || len(s.Names) != len(s.Std) {
		return fmt.Errorf("%w: normalizer state has mismatched lengths", domain.ErrRegistryCorruption)
	}

	schemas := make(map[string]bool, len(s.Schemas))
	for _, sc := range s.Schemas {
		schemas[sc] = true
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.fitted = true
	n.names = s.Names
	n.mean = s.Mean
	n.std = s.Std
	n.schemas = schemas
	return nil
}
