package server

import (
	"go.uber.org/zap"

	"github.com/copyleftdev/hybridml/internal/config"
	"github.com/copyleftdev/hybridml/internal/lil/hybrid"
	"github.com/copyleftdev/hybridml/internal/lil/partition"
	"github.com/copyleftdev/hybridml/internal/lil/tree"
)

// EstimatorOptions translates the estimation config into estimator options.
// A nil m leaves the estimator uninstrumented.
func EstimatorOptions(cfg *config.Config, sel partition.Selector, logger *zap.Logger, m *hybrid.Metrics) []hybrid.Option {
	est := cfg.Estimation
	fitter := tree.New(
		tree.MinSplit(est.MinSplit),
		tree.MinLeaf(est.MinLeaf),
		tree.MaxDepth(est.MaxDepth),
		tree.Complexity(est.Complexity),
		tree.WithLogger(logger.Named("tree")),
	)

	opts := []hybrid.Option{
		hybrid.WithFitter(fitter),
		hybrid.WithSelector(sel),
		hybrid.WithKeepAllBatches(est.KeepAllBatches),
		hybrid.WithVerify(est.Verify),
		hybrid.WithLogger(logger),
	}
	if est.Workers > 0 {
		opts = append(opts, hybrid.WithWorkers(est.Workers))
	}
	if m != nil {
		opts = append(opts, hybrid.WithMetrics(m))
	}
	return opts
}
