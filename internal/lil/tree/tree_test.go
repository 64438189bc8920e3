package tree

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/hybridml/internal/lil"
)

func uniformRows(rng *rand.Rand, n, d int) [][]float64 {
	X := make([][]float64, n)
	for i := range X {
		X[i] = make([]float64, d)
		for j := range X[i] {
			X[i][j] = rng.Float64()
		}
	}
	return X
}

// satisfies reports whether u meets every condition on the path.
func satisfies(u []float64, path []lil.Split) bool {
	for _, s := range path {
		if s.Below != (u[s.Dim] < s.Threshold) {
			return false
		}
	}
	return true
}

func TestFitStepFunction(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	X := uniformRows(rng, 200, 2)
	y := make([]float64, len(X))
	for i, row := range X {
		if row[1] >= 0.5 {
			y[i] = 1
		}
	}

	fit, err := New().Fit(X, y)
	require.NoError(t, err)
	require.Len(t, fit.Leaves, 2, "a single step should produce exactly two leaves")

	root := fit.Leaves[0].Path[0]
	assert.Equal(t, 1, root.Dim, "split should be on the informative dimension")
	assert.InDelta(t, 0.5, root.Threshold, 0.05)
	assert.True(t, fit.Leaves[0].Path[0].Below, "leaf 0 is the left child")
}

func TestFitConstantTarget(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	X := uniformRows(rng, 100, 3)
	y := make([]float64, len(X))

	fit, err := New().Fit(X, y)
	require.NoError(t, err)
	require.Len(t, fit.Leaves, 1)
	assert.Empty(t, fit.Leaves[0].Path)
	for _, id := range fit.Assign {
		assert.Equal(t, 0, id)
	}
}

func TestFitAssignmentMatchesPaths(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	X := uniformRows(rng, 500, 3)
	y := make([]float64, len(X))
	for i, row := range X {
		y[i] = row[0]*row[0] + 3*row[1] - row[2]
	}

	fit, err := New(MinSplit(10), MinLeaf(5), Complexity(0.001)).Fit(X, y)
	require.NoError(t, err)
	require.Greater(t, len(fit.Leaves), 4)

	counts := make([]int, len(fit.Leaves))
	for i, id := range fit.Assign {
		require.True(t, id >= 0 && id < len(fit.Leaves))
		assert.True(t, satisfies(X[i], fit.Leaves[id].Path), "row %d not inside leaf %d", i, id)
		counts[id]++
	}
	for id, c := range counts {
		assert.GreaterOrEqual(t, c, 5, "leaf %d smaller than MinLeaf", id)
		assert.Equal(t, id, fit.Leaves[id].ID)
	}
}

func TestFitLimits(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	X := uniformRows(rng, 300, 1)
	y := make([]float64, len(X))
	for i, row := range X {
		y[i] = row[0] * row[0]
	}

	tests := []struct {
		name      string
		opts      []Option
		maxLeaves int
		minLeaves int
	}{
		{"depth zero", []Option{MaxDepth(0)}, 1, 1},
		{"depth one", []Option{MaxDepth(1), Complexity(0)}, 2, 2},
		{"huge min split", []Option{MinSplit(1000)}, 1, 1},
		{"unlimited depth", []Option{MaxDepth(-1), Complexity(0), MinLeaf(20)}, 15, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fit, err := New(tt.opts...).Fit(X, y)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(fit.Leaves), tt.maxLeaves)
			assert.GreaterOrEqual(t, len(fit.Leaves), tt.minLeaves)
		})
	}
}

func TestFitErrors(t *testing.T) {
	r := New()

	t.Run("empty", func(t *testing.T) {
		_, err := r.Fit(nil, nil)
		require.ErrorIs(t, err, lil.ErrInvalidArgument)
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := r.Fit([][]float64{{1}, {2}}, []float64{1})
		require.ErrorIs(t, err, lil.ErrDimensionMismatch)
		assert.Contains(t, err.Error(), "X has 2 rows but y has length 1")
	})

	t.Run("ragged rows", func(t *testing.T) {
		_, err := r.Fit([][]float64{{1, 2}, {2}}, []float64{1, 2})
		require.ErrorIs(t, err, lil.ErrDimensionMismatch)
	})
}

func TestFitConcurrentUse(t *testing.T) {
	r := New(MinLeaf(3), MinSplit(6))
	rng := rand.New(rand.NewSource(5))
	X := uniformRows(rng, 200, 2)
	y := make([]float64, len(X))
	for i, row := range X {
		y[i] = row[0] + row[1]
	}
	want, err := r.Fit(X, y)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Fit(X, y)
			assert.NoError(t, err)
			assert.Equal(t, want.Assign, got.Assign)
		}()
	}
	wg.Wait()
}
