// Package hybrid estimates the log integrated likelihood by piecewise
// approximation over tree partitions of the posterior samples. Each
// partition contributes either a constant or a first-order Taylor
// approximation of its integral, whichever fits the sampled objective values
// better, and the contributions are combined in log space.
package hybrid

import (
	"context"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hybridml/internal/lil"
	"github.com/copyleftdev/hybridml/internal/lil/partition"
	"github.com/copyleftdev/hybridml/internal/lil/tree"
)

// Estimator runs the hybrid approximation over batches of samples.
type Estimator struct {
	obj      lil.Objective
	fitter   lil.Fitter
	selector partition.Selector
	workers  int
	keepAll  bool
	verify   bool

	logger  *zap.Logger
	metrics *Metrics
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithFitter sets the partitioning tree fitter. The default is tree.New().
func WithFitter(f lil.Fitter) Option {
	return func(e *Estimator) { e.fitter = f }
}

// WithSelector sets the representative point strategy.
func WithSelector(s partition.Selector) Option {
	return func(e *Estimator) { e.selector = s }
}

// WithWorkers bounds the number of batches computed concurrently.
func WithWorkers(n int) Option {
	return func(e *Estimator) { e.workers = n }
}

// WithKeepAllBatches keeps the diagnostics of every batch in the Result, not
// only the last one.
func WithKeepAllBatches(keep bool) Option {
	return func(e *Estimator) { e.keepAll = keep }
}

// WithVerify checks every extracted partitioning for gaps and overlaps.
func WithVerify(verify bool) Option {
	return func(e *Estimator) { e.verify = verify }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Estimator) { e.logger = logger }
}

// WithMetrics sets the prometheus collectors to update.
func WithMetrics(m *Metrics) Option {
	return func(e *Estimator) { e.metrics = m }
}

// New creates an Estimator for the objective obj.
func New(obj lil.Objective, opts ...Option) (*Estimator, error) {
	if obj == nil {
		return nil, lil.WrapError(lil.ErrInvalidArgument, "objective must not be nil").WithOperation("New").WithComponent("hybrid")
	}
	e := &Estimator{
		obj:      obj,
		selector: partition.Median,
		workers:  runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("hybrid")
	if e.fitter == nil {
		e.fitter = tree.New(tree.WithLogger(e.logger))
	}
	if e.workers < 1 {
		e.workers = 1
	}
	return e, nil
}

// Batch is the outcome of approximating one batch of samples.
type Batch struct {
	Index  int     `json:"index"`
	Const  float64 `json:"const"`
	Taylor float64 `json:"taylor"`
	Hybrid float64 `json:"hybrid"`
	// Records are sorted by descending membership fraction.
	Records     []Record     `json:"records"`
	Annotations []Annotation `json:"annotations"`
}

// Batch fits, partitions, and approximates one batch of samples.
func (e *Estimator) Batch(ctx context.Context, index int, samples []lil.Sample) (b *Batch, err error) {
	const op = "Estimator.Batch"

	start := time.Now()
	defer func() {
		if e.metrics == nil {
			return
		}
		if err != nil {
			e.metrics.BatchErrors.Inc()
			return
		}
		e.metrics.Batches.Inc()
		e.metrics.BatchDuration.Observe(time.Since(start).Seconds())
		e.metrics.Partitions.Observe(float64(len(b.Records)))
		for _, r := range b.Records {
			e.metrics.Selections.WithLabelValues(r.Method.String()).Inc()
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, lil.WrapErrorf(lil.ErrInvalidArgument, "batch %d is empty", index).WithOperation(op).WithComponent("hybrid")
	}

	n := len(samples)
	X := make([][]float64, n)
	y := make([]float64, n)
	for i, s := range samples {
		X[i], y[i] = s.U, s.Psi
	}

	fit, err := e.fitter.Fit(X, y)
	if err != nil {
		return nil, lil.WrapErrorf(err, "fitting batch %d", index).WithOperation(op).WithComponent("hybrid")
	}
	lower, upper, err := partition.Support(X)
	if err != nil {
		return nil, lil.WrapErrorf(err, "support of batch %d", index).WithOperation(op).WithComponent("hybrid")
	}
	parts, err := partition.Extract(fit, lower, upper)
	if err != nil {
		return nil, lil.WrapErrorf(err, "partitioning batch %d", index).WithOperation(op).WithComponent("hybrid")
	}
	if e.verify {
		if err := partition.Verify(parts, lower, upper, n); err != nil {
			return nil, lil.WrapErrorf(err, "batch %d", index).WithOperation(op).WithComponent("hybrid")
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	partition.Represent(parts, samples, e.obj, e.selector)

	b = &Batch{
		Index:       index,
		Records:     make([]Record, len(parts)),
		Annotations: make([]Annotation, n),
	}
	var nTaylor int
	for k, p := range parts {
		sc, st := Score(p, samples, b.Annotations)
		m := Choose(sc, st)
		if m == MethodTaylor {
			nTaylor++
		}
		b.Records[k] = Record{
			Leaf:      p.Leaf,
			Count:     p.Count(),
			Fraction:  p.Fraction(n),
			LogConst:  LogConstant(p),
			LogTaylor: LogTaylor(p),
			SSEConst:  sc,
			SSETaylor: st,
			Method:    m,
			Psi:       p.Psi,
			Point:     p.Point,
			Grad:      p.Grad,
			Lower:     p.Lower,
			Upper:     p.Upper,
		}
	}

	sort.SliceStable(b.Records, func(i, j int) bool {
		if b.Records[i].Fraction != b.Records[j].Fraction {
			return b.Records[i].Fraction > b.Records[j].Fraction
		}
		return b.Records[i].Leaf < b.Records[j].Leaf
	})

	b.Const, b.Taylor, b.Hybrid, err = combine(b.Records)
	if err != nil {
		return nil, lil.WrapErrorf(err, "combining batch %d", index).WithOperation(op).WithComponent("hybrid")
	}

	e.logger.Debug("Approximated batch",
		zap.Int("batch", index),
		zap.Int("samples", n),
		zap.Int("partitions", len(parts)),
		zap.Int("taylor_partitions", nTaylor),
		zap.Float64("const", b.Const),
		zap.Float64("taylor", b.Taylor),
		zap.Float64("hybrid", b.Hybrid),
		zap.Duration("elapsed", time.Since(start)),
	)

	return b, nil
}

// Result collects the estimates of every batch in batch order.
type Result struct {
	Const  []float64 `json:"const"`
	Taylor []float64 `json:"taylor"`
	Hybrid []float64 `json:"hybrid"`
	// Last holds the diagnostics of the final batch.
	Last *Batch `json:"last"`
	// Batches holds every batch when the estimator keeps them all.
	Batches []*Batch `json:"batches,omitempty"`
}

// Run splits the first nApprox*j samples of pool into nApprox contiguous
// batches of j samples and approximates them concurrently.
func (e *Estimator) Run(ctx context.Context, pool *lil.Pool, nApprox, j int) (*Result, error) {
	const op = "Estimator.Run"

	if nApprox < 1 {
		return nil, lil.WrapErrorf(lil.ErrInvalidArgument, "number of approximations must be positive, got %d", nApprox).WithOperation(op).WithComponent("hybrid")
	}
	if j < 2 {
		return nil, lil.WrapErrorf(lil.ErrInvalidArgument, "batch size must be at least 2, got %d", j).WithOperation(op).WithComponent("hybrid")
	}
	if pool == nil {
		return nil, lil.WrapError(lil.ErrInvalidArgument, "pool must not be nil").WithOperation(op).WithComponent("hybrid")
	}
	if err := pool.Validate(); err != nil {
		return nil, err
	}
	if err := lil.CheckDim(e.obj, pool.Dim); err != nil {
		return nil, err
	}
	if need := nApprox * j; pool.Len() < need {
		return nil, lil.WrapErrorf(lil.ErrShortPool,
			"%d batches of %d samples need %d rows, pool has %d", nApprox, j, need, pool.Len()).WithOperation(op).WithComponent("hybrid")
	}

	e.logger.Info("Starting estimation",
		zap.Int("batches", nApprox),
		zap.Int("batch_size", j),
		zap.Int("dim", pool.Dim),
		zap.Int("workers", e.workers),
		zap.Stringer("representative", e.selector),
	)

	batches := make([]*Batch, nApprox)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for t := 0; t < nApprox; t++ {
		g.Go(func() error {
			samples, err := pool.Batch(t, j)
			if err != nil {
				return err
			}
			b, err := e.Batch(gctx, t, samples)
			if err != nil {
				return err
			}
			batches[t] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Const:  make([]float64, nApprox),
		Taylor: make([]float64, nApprox),
		Hybrid: make([]float64, nApprox),
		Last:   batches[nApprox-1],
	}
	for t, b := range batches {
		res.Const[t], res.Taylor[t], res.Hybrid[t] = b.Const, b.Taylor, b.Hybrid
	}
	if e.keepAll {
		res.Batches = batches
	}

	hs := res.Summary()
	e.logger.Info("Finished estimation",
		zap.Int("batches", nApprox),
		zap.Float64("hybrid_mean", hs.Hybrid.Mean),
		zap.Float64("hybrid_std", hs.Hybrid.Std),
	)
	return res, nil
}

// Estimate is a convenience wrapper around New and Run.
func Estimate(ctx context.Context, obj lil.Objective, pool *lil.Pool, nApprox, j int, opts ...Option) (*Result, error) {
	e, err := New(obj, opts...)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, pool, nApprox, j)
}

// Stats is the mean and standard deviation of a vector of estimates.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Summary holds Stats for each estimate vector.
type Summary struct {
	Const  Stats `json:"const"`
	Taylor Stats `json:"taylor"`
	Hybrid Stats `json:"hybrid"`
}

// Summary describes the spread of each estimate across batches.
func (r *Result) Summary() Summary {
	return Summary{
		Const:  Summarize(r.Const),
		Taylor: Summarize(r.Taylor),
		Hybrid: Summarize(r.Hybrid),
	}
}

// Summarize returns the mean and sample standard deviation of values. The
// standard deviation of fewer than two values is zero.
func Summarize(values []float64) Stats {
	switch len(values) {
	case 0:
		return Stats{}
	case 1:
		return Stats{Mean: values[0]}
	}
	mean, std := stat.MeanStdDev(values, nil)
	return Stats{Mean: mean, Std: std}
}
