package risk

import (
	"context"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

// minGain is the smallest squared-error reduction worth a split.
const minGain = 1e-12

// treeNode is a regression tree node. Exported fields are gob-encoded.
type treeNode struct {
	Leaf      bool
	Value     float64
	Feature   int
	Threshold float64
	Left      *treeNode
	Right     *treeNode
}

func (n *treeNode) predict(x []float64) float64 {
	for !n.Leaf {
		if x[n.Feature] <= n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Value
}

// builder grows one squared-error regression tree over a row subset.
type builder struct {
	X         [][]float64
	y         []float64
	maxDepth  int
	nFeatures int

	// gain accumulates split gain per feature across every tree built.
	gain []float64
}

type candidate struct {
	feature   int
	threshold float64
	gain      float64
	ok        bool
}

func (b *builder) build(ctx context.Context, rows []int, depth int) (*treeNode, error) {
	var sum float64
	for _, r := range rows {
		sum += b.y[r]
	}
	leaf := &treeNode{Leaf: true, Value: sum / float64(len(rows))}
	if depth >= b.maxDepth || len(rows) < 2 {
		return leaf, nil
	}

	best, err := b.bestSplit(ctx, rows)
	if err != nil {
		return nil, err
	}
	if !best.ok || best.gain <= minGain {
		return leaf, nil
	}

	var left, right []int
	for _, r := range rows {
		if b.X[r][best.feature] <= best.threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	b.gain[best.feature] += best.gain

	l, err := b.build(ctx, left, depth+1)
	if err != nil {
		return nil, err
	}
	r, err := b.build(ctx, right, depth+1)
	if err != nil {
		return nil, err
	}
	return &treeNode{Feature: best.feature, Threshold: best.threshold, Left: l, Right: r}, nil
}

// bestSplit scans every feature concurrently and keeps the highest gain.
// Ties resolve to the lowest feature index.
func (b *builder) bestSplit(ctx context.Context, rows []int) (candidate, error) {
	results := make([]candidate, b.nFeatures)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for f := 0; f < b.nFeatures; f++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[f] = b.scanFeature(rows, f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return candidate{}, err
	}

	var best candidate
	for _, c := range results {
		if c.ok && (!best.ok || c.gain > best.gain) {
			best = c
		}
	}
	return best, nil
}

// scanFeature finds the threshold on feature f with the largest reduction
// in squared error.
func (b *builder) scanFeature(rows []int, f int) candidate {
	idx := slices.Clone(rows)
	slices.SortFunc(idx, func(i, j int) int {
		switch {
		case b.X[i][f] < b.X[j][f]:
			return -1
		case b.X[i][f] > b.X[j][f]:
			return 1
		}
		return i - j
	})

	var total float64
	for _, r := range idx {
		total += b.y[r]
	}
	n := float64(len(idx))
	base := total * total / n

	best := candidate{feature: f}
	var leftSum float64
	for i := 0; i < len(idx)-1; i++ {
		leftSum += b.y[idx[i]]
		lo, hi := b.X[idx[i]][f], b.X[idx[i+1]][f]
		if lo == hi {
			continue
		}
		leftN := float64(i + 1)
		rightSum := total - leftSum
		gain := leftSum*leftSum/leftN + rightSum*rightSum/(n-leftN) - base
		if !best.ok || gain > best.gain {
			best.gain = gain
			best.threshold = (lo + hi) / 2
			best.ok = true
		}
	}
	return best
}
