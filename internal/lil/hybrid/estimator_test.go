package hybrid

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hybridml/internal/lil"
	"github.com/copyleftdev/hybridml/internal/lil/numerics"
	"github.com/copyleftdev/hybridml/internal/lil/partition"
)

// singleLeaf puts every sample in one partition.
type singleLeaf struct{}

func (singleLeaf) Fit(X [][]float64, y []float64) (*lil.Fit, error) {
	return &lil.Fit{Assign: make([]int, len(X)), Leaves: []lil.Leaf{{ID: 0}}}, nil
}

func square() lil.Objective {
	return lil.Funcs{
		PsiFunc: func(u []float64) float64 {
			var s float64
			for _, x := range u {
				s += x * x
			}
			return s
		},
		LambdaFunc: func(dst, u []float64) []float64 {
			if dst == nil {
				dst = make([]float64, len(u))
			}
			for i, x := range u {
				dst[i] = 2 * x
			}
			return dst
		},
	}
}

func affine(c float64, w ...float64) lil.Objective {
	return lil.Funcs{
		PsiFunc: func(u []float64) float64 {
			s := c
			for i, x := range u {
				s += w[i] * x
			}
			return s
		},
		LambdaFunc: func(dst, u []float64) []float64 {
			if dst == nil {
				dst = make([]float64, len(u))
			}
			copy(dst, w)
			return dst
		},
	}
}

// fixedDim declares a dimension on top of a dimension-free objective.
type fixedDim struct {
	lil.Funcs
	d int
}

func (f fixedDim) Dim() int { return f.d }

func uniformPool(t testing.TB, seed int64, n, d int, obj lil.Objective) *lil.Pool {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	u := make([][]float64, n)
	for i := range u {
		u[i] = make([]float64, d)
		for j := range u[i] {
			u[i][j] = rng.Float64()
		}
	}
	pool, err := lil.NewPool(u, obj)
	require.NoError(t, err)
	return pool
}

func TestEstimateSquareOnUnitInterval(t *testing.T) {
	obj := square()
	pool := uniformPool(t, 42, 200, 1, obj)

	res, err := Estimate(context.Background(), obj, pool, 1, 200,
		WithLogger(zaptest.NewLogger(t)), WithVerify(true))
	require.NoError(t, err)
	require.Len(t, res.Hybrid, 1)

	// log of the integral of exp(-u^2) over [0, 1].
	want := math.Log(0.7468241328124271)
	assert.InDelta(t, want, res.Hybrid[0], 0.05)
	assert.InDelta(t, want, res.Taylor[0], 0.05)
	assert.NotNil(t, res.Last)
	assert.Nil(t, res.Batches)
}

func TestSingleLeafBatch(t *testing.T) {
	obj := square()
	pool := uniformPool(t, 3, 50, 1, obj)

	e, err := New(obj, WithFitter(singleLeaf{}))
	require.NoError(t, err)
	b, err := e.Batch(context.Background(), 0, pool.Samples)
	require.NoError(t, err)
	require.Len(t, b.Records, 1)

	xs := make([]float64, len(pool.Samples))
	for i, s := range pool.Samples {
		xs[i] = s.U[0]
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs {
		lo, hi = math.Min(lo, x), math.Max(hi, x)
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	r := b.Records[0]
	assert.Equal(t, 50, r.Count)
	assert.Equal(t, 1.0, r.Fraction)
	assert.InDelta(t, med, r.Point[0], 1e-12)
	assert.InDelta(t, -med*med+math.Log(hi-lo), b.Const, 1e-12)

	want := b.Const
	if r.SSETaylor < r.SSEConst {
		want = b.Taylor
	}
	assert.Equal(t, want, b.Hybrid)
	assert.Len(t, b.Annotations, 50)
}

func TestAffineObjectiveChoosesTaylorEverywhere(t *testing.T) {
	obj := affine(2, -1, 0.5)
	pool := uniformPool(t, 11, 300, 2, obj)

	e, err := New(obj)
	require.NoError(t, err)
	b, err := e.Batch(context.Background(), 0, pool.Samples)
	require.NoError(t, err)

	for _, r := range b.Records {
		assert.LessOrEqual(t, r.SSETaylor, r.SSEConst)
		if r.SSEConst > 0 {
			assert.Equal(t, MethodTaylor, r.Method, "leaf %d", r.Leaf)
		}
	}

	X := make([][]float64, pool.Len())
	for i, s := range pool.Samples {
		X[i] = s.U
	}
	lower, upper, err := partition.Support(X)
	require.NoError(t, err)
	exact := -2 + numerics.LogIntervalIntegral(-1, lower[0], upper[0]) +
		numerics.LogIntervalIntegral(0.5, lower[1], upper[1])
	assert.InDelta(t, exact, b.Taylor, 1e-9)
	assert.InDelta(t, b.Taylor, b.Hybrid, 1e-9)
}

func TestConstantObjectiveTiesToConstant(t *testing.T) {
	obj := affine(3, 0, 0)
	pool := uniformPool(t, 5, 100, 2, obj)

	res, err := Estimate(context.Background(), obj, pool, 1, 100)
	require.NoError(t, err)

	b := res.Last
	require.Len(t, b.Records, 1)
	assert.Equal(t, MethodConstant, b.Records[0].Method)
	assert.Equal(t, b.Const, b.Hybrid)
	assert.InDelta(t, b.Const, b.Taylor, 1e-12)
	assert.InDelta(t, -3+math.Log((b.Records[0].Upper[0]-b.Records[0].Lower[0])*(b.Records[0].Upper[1]-b.Records[0].Lower[1])), b.Const, 1e-12)
}

func TestRecordsSortedByFraction(t *testing.T) {
	obj := square()
	pool := uniformPool(t, 8, 400, 2, obj)

	e, err := New(obj)
	require.NoError(t, err)
	b, err := e.Batch(context.Background(), 0, pool.Samples)
	require.NoError(t, err)
	require.Greater(t, len(b.Records), 1)

	var total int
	for i, r := range b.Records {
		total += r.Count
		if i == 0 {
			continue
		}
		prev := b.Records[i-1]
		assert.True(t, prev.Fraction > r.Fraction || (prev.Fraction == r.Fraction && prev.Leaf < r.Leaf))
	}
	assert.Equal(t, 400, total)

	leaves := make(map[int]Record, len(b.Records))
	for _, r := range b.Records {
		leaves[r.Leaf] = r
	}
	for i, a := range b.Annotations {
		assert.Equal(t, i, a.Index)
		r, ok := leaves[a.Leaf]
		require.True(t, ok)
		assert.Equal(t, r.Psi, a.PredConst)
		assert.InDelta(t, pool.Samples[i].Psi-a.PredTaylor, a.ResidTaylor, 1e-12)
	}
}

func TestRunMatchesSequentialBatches(t *testing.T) {
	obj := square()
	pool := uniformPool(t, 21, 600, 2, obj)

	e, err := New(obj, WithWorkers(4), WithKeepAllBatches(true))
	require.NoError(t, err)
	res, err := e.Run(context.Background(), pool, 6, 100)
	require.NoError(t, err)
	require.Len(t, res.Batches, 6)
	assert.Equal(t, 5, res.Last.Index)

	for ti := 0; ti < 6; ti++ {
		samples, err := pool.Batch(ti, 100)
		require.NoError(t, err)
		b, err := e.Batch(context.Background(), ti, samples)
		require.NoError(t, err)
		assert.Equal(t, b.Hybrid, res.Hybrid[ti])
		assert.Equal(t, b.Const, res.Const[ti])
		assert.Equal(t, b.Taylor, res.Taylor[ti])
		assert.Equal(t, ti, res.Batches[ti].Index)
	}
}

func TestRunIgnoresTrailingSamples(t *testing.T) {
	obj := square()
	pool := uniformPool(t, 2, 250, 1, obj)

	res, err := Estimate(context.Background(), obj, pool, 2, 100)
	require.NoError(t, err)
	assert.Len(t, res.Hybrid, 2)
}

func TestRunErrors(t *testing.T) {
	obj := square()
	pool := uniformPool(t, 1, 100, 2, obj)
	ctx := context.Background()

	e, err := New(obj)
	require.NoError(t, err)

	t.Run("short pool", func(t *testing.T) {
		_, err := e.Run(ctx, pool, 3, 50)
		assert.ErrorIs(t, err, lil.ErrShortPool)
	})

	t.Run("no approximations", func(t *testing.T) {
		_, err := e.Run(ctx, pool, 0, 50)
		assert.ErrorIs(t, err, lil.ErrInvalidArgument)
	})

	t.Run("batch too small", func(t *testing.T) {
		_, err := e.Run(ctx, pool, 1, 1)
		assert.ErrorIs(t, err, lil.ErrInvalidArgument)
	})

	t.Run("nil pool", func(t *testing.T) {
		_, err := e.Run(ctx, nil, 1, 50)
		assert.ErrorIs(t, err, lil.ErrInvalidArgument)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		bad := &lil.Pool{Dim: 2, Samples: append([]lil.Sample(nil), pool.Samples...)}
		bad.Samples[7] = lil.Sample{U: []float64{0.1}, Psi: 0.01}
		_, err := e.Run(ctx, bad, 1, 50)
		assert.ErrorIs(t, err, lil.ErrDimensionMismatch)
	})

	t.Run("objective dimension", func(t *testing.T) {
		e3, err := New(fixedDim{Funcs: obj.(lil.Funcs), d: 3})
		require.NoError(t, err)
		_, err = e3.Run(ctx, pool, 1, 50)
		assert.ErrorIs(t, err, lil.ErrDimensionMismatch)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := e.Run(cctx, pool, 2, 50)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("nil objective", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, lil.ErrInvalidArgument)
	})
}

func TestMetrics(t *testing.T) {
	obj := square()
	pool := uniformPool(t, 4, 300, 2, obj)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	res, err := Estimate(context.Background(), obj, pool, 3, 100, WithMetrics(m), WithKeepAllBatches(true))
	require.NoError(t, err)

	var parts int
	for _, b := range res.Batches {
		parts += len(b.Records)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Batches))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BatchErrors))
	selected := testutil.ToFloat64(m.Selections.WithLabelValues("constant")) +
		testutil.ToFloat64(m.Selections.WithLabelValues("taylor"))
	assert.Equal(t, float64(parts), selected)

	_, err = Estimate(context.Background(), obj, pool, 1, 100, WithMetrics(m), WithFitter(badFitter{}))
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchErrors))
}

type badFitter struct{}

func (badFitter) Fit(X [][]float64, y []float64) (*lil.Fit, error) {
	assign := make([]int, len(X))
	assign[0] = 5
	return &lil.Fit{Assign: assign, Leaves: []lil.Leaf{{ID: 0}}}, nil
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Stats{}, Summarize(nil))
	assert.Equal(t, Stats{Mean: 4}, Summarize([]float64{4}))

	s := Summarize([]float64{1, 2, 3})
	assert.InDelta(t, 2, s.Mean, 1e-12)
	assert.InDelta(t, 1, s.Std, 1e-12)
}

func TestTableEncodesNonFinite(t *testing.T) {
	b := &Batch{Records: []Record{
		{Leaf: 2, Count: 3, Fraction: 1, LogConst: math.Inf(-1), LogTaylor: -1.5, Grad: []float64{math.NaN(), 1}, Method: MethodTaylor},
	}}
	rows := b.Table()
	require.Len(t, rows, 1)
	assert.Equal(t, "-Inf", rows[0]["log_const"])
	assert.Equal(t, -1.5, rows[0]["log_taylor"])
	assert.Equal(t, "taylor", rows[0]["method"])

	out, err := json.Marshal(rows)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"grad":["NaN",1]`)
}

func BenchmarkBatch(b *testing.B) {
	obj := square()
	pool := uniformPool(b, 1, 1000, 3, obj)
	e, err := New(obj)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Batch(context.Background(), 0, pool.Samples); err != nil {
			b.Fatal(err)
		}
	}
}
