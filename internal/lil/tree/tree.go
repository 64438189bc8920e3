// Package tree fits CART regression trees with axis-aligned, univariate
// threshold splits. Growth follows the usual recursive partitioning rules:
// a node is split on the variable and threshold giving the largest drop in
// squared error, subject to minimum node sizes, a depth limit, and a
// complexity parameter that requires every split to remove at least a fixed
// fraction of the root's squared error.
package tree

import (
	"sort"

	"go.uber.org/zap"

	"github.com/copyleftdev/hybridml/internal/lil"
)

// Regressor is a regression tree fitter. It holds only configuration, so a
// single Regressor can fit several batches concurrently.
type Regressor struct {
	MinSplit   int     // min node size for split
	MinLeaf    int     // min leaf size
	MaxDepth   int     // max depth, -1 for unlimited
	Complexity float64 // min relative SSE improvement per split

	logger *zap.Logger
}

var _ lil.Fitter = (*Regressor)(nil)

// Option configures a Regressor.
type Option func(*Regressor)

// MinSplit limits the size for a node to be split vs marked as a leaf
func MinSplit(n int) Option {
	return func(r *Regressor) {
		r.MinSplit = n
	}
}

// MinLeaf limits the size of a child node for a split threshold to be
// considered.
func MinLeaf(n int) Option {
	return func(r *Regressor) {
		r.MinLeaf = n
	}
}

// MaxDepth limits the depth of the fitted tree. Specifying -1 grows a full
// tree, subject to the other constraints.
func MaxDepth(n int) Option {
	return func(r *Regressor) {
		r.MaxDepth = n
	}
}

// Complexity sets the complexity parameter: a split is kept only if it
// reduces the squared error by at least cp times the root's squared error.
func Complexity(cp float64) Option {
	return func(r *Regressor) {
		r.Complexity = cp
	}
}

// WithLogger sets the logger used for fit diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Regressor) {
		r.logger = logger
	}
}

// New returns a configured regression tree fitter. Without options it is
// equivalent to
//
//	New(MinSplit(20), MinLeaf(7), MaxDepth(30), Complexity(0.01))
func New(options ...Option) *Regressor {
	r := &Regressor{
		MinSplit:   20,
		MinLeaf:    7,
		MaxDepth:   30,
		Complexity: 0.01,
		logger:     zap.NewNop(),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

type stackNode struct {
	inx   []int
	depth int
	path  []lil.Split
}

type nodeStack []*stackNode

func (s nodeStack) Empty() bool        { return len(s) == 0 }
func (s *nodeStack) Push(n *stackNode) { *s = append(*s, n) }
func (s *nodeStack) Pop() *stackNode {
	d := (*s)[len(*s)-1]
	*s = (*s)[:len(*s)-1]
	return d
}

// Fit grows a tree on features X and targets y and returns its leaves.
func (r *Regressor) Fit(X [][]float64, y []float64) (*lil.Fit, error) {
	const op = "Regressor.Fit"

	if len(X) == 0 {
		return nil, lil.WrapError(lil.ErrInvalidArgument, "no rows to fit").WithOperation(op).WithComponent("tree")
	}
	if len(X) != len(y) {
		return nil, lil.WrapErrorf(lil.ErrDimensionMismatch,
			"X has %d rows but y has length %d", len(X), len(y)).WithOperation(op).WithComponent("tree")
	}
	nFeatures := len(X[0])
	for i, row := range X {
		if len(row) != nFeatures {
			return nil, lil.WrapErrorf(lil.ErrDimensionMismatch,
				"row %d has %d features, expected %d", i, len(row), nFeatures).WithOperation(op).WithComponent("tree")
		}
	}

	minSplit := r.MinSplit
	if minSplit < 2 {
		minSplit = 2
	}
	minLeaf := r.MinLeaf
	if minLeaf < 1 {
		minLeaf = 1
	}

	inx := make([]int, len(y))
	for i := range inx {
		inx[i] = i
	}

	rootSSE := sse(y, inx)
	threshold := r.Complexity * rootSSE

	fit := &lil.Fit{Assign: make([]int, len(y))}
	maxDepth := 0

	var s nodeStack
	s.Push(&stackNode{inx: inx})

	for !s.Empty() {
		w := s.Pop()
		nodeSSE := sse(y, w.inx)

		split := false
		var best candidate
		if len(w.inx) >= minSplit &&
			len(w.inx) >= 2*minLeaf &&
			(r.MaxDepth < 0 || w.depth < r.MaxDepth) &&
			nodeSSE > 1e-12 {
			best = bestSplit(X, y, w.inx, nFeatures, minLeaf, nodeSSE)
			split = best.pos > 0 && best.gain > 0 && best.gain >= threshold
		}

		if !split {
			id := len(fit.Leaves)
			fit.Leaves = append(fit.Leaves, lil.Leaf{ID: id, Path: w.path})
			for _, i := range w.inx {
				fit.Assign[i] = id
			}
			if w.depth > maxDepth {
				maxDepth = w.depth
			}
			continue
		}

		// partition w.inx into left/right
		i, j := 0, len(w.inx)
		for i < j {
			if X[w.inx[i]][best.dim] < best.value {
				i++
			} else {
				j--
				w.inx[j], w.inx[i] = w.inx[i], w.inx[j]
			}
		}
		l, rt := w.inx[:i], w.inx[i:]

		// Right is pushed first so the left subtree gets the lower leaf ids.
		s.Push(&stackNode{inx: rt, depth: w.depth + 1,
			path: extend(w.path, lil.Split{Dim: best.dim, Threshold: best.value, Below: false})})
		s.Push(&stackNode{inx: l, depth: w.depth + 1,
			path: extend(w.path, lil.Split{Dim: best.dim, Threshold: best.value, Below: true})})
	}

	r.logger.Debug("Fitted regression tree",
		zap.Int("rows", len(y)),
		zap.Int("features", nFeatures),
		zap.Int("leaves", len(fit.Leaves)),
		zap.Int("depth", maxDepth),
		zap.Float64("root_sse", rootSSE),
	)

	return fit, nil
}

type candidate struct {
	dim   int
	value float64
	gain  float64
	pos   int // size of the left child
}

// bestSplit scans every feature of the node for the threshold with the
// largest squared-error reduction.
func bestSplit(X [][]float64, y []float64, inx []int, nFeatures, minLeaf int, nodeSSE float64) candidate {
	best := candidate{pos: -1}
	n := len(inx)
	order := make([]int, n)

	// Targets are centered on the node mean to keep the running sums small.
	var mean float64
	for _, i := range inx {
		mean += y[i]
	}
	mean /= float64(n)

	for d := 0; d < nFeatures; d++ {
		copy(order, inx)
		sort.SliceStable(order, func(a, b int) bool { return X[order[a]][d] < X[order[b]][d] })

		lo, hi := X[order[0]][d], X[order[n-1]][d]
		if hi <= lo {
			continue // constant feature
		}

		var sR, ssR float64
		for _, i := range order {
			v := y[i] - mean
			sR += v
			ssR += v * v
		}
		var sL, ssL float64

		for k := 1; k < n; k++ {
			v := y[order[k-1]] - mean
			sL += v
			ssL += v * v
			sR -= v
			ssR -= v * v

			prev, next := X[order[k-1]][d], X[order[k]][d]
			if next <= prev {
				continue // can't split between equal values
			}
			nLeft, nRight := k, n-k
			if nLeft < minLeaf || nRight < minLeaf {
				continue
			}

			sseL := ssL - sL*sL/float64(nLeft)
			sseR := ssR - sR*sR/float64(nRight)
			gain := nodeSSE - sseL - sseR
			if gain > best.gain {
				value := prev + (next-prev)/2
				if !(value > prev) {
					value = next
				}
				best = candidate{dim: d, value: value, gain: gain, pos: nLeft}
			}
		}
	}
	return best
}

// sse returns the sum of squared deviations of y[inx] from their mean.
func sse(y []float64, inx []int) float64 {
	if len(inx) == 0 {
		return 0
	}
	var mean float64
	for _, i := range inx {
		mean += y[i]
	}
	mean /= float64(len(inx))

	var ss float64
	for _, i := range inx {
		d := y[i] - mean
		ss += d * d
	}
	return ss
}

func extend(path []lil.Split, s lil.Split) []lil.Split {
	out := make([]lil.Split, len(path), len(path)+1)
	copy(out, path)
	return append(out, s)
}
