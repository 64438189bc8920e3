// Command hybridml estimates a log integrated likelihood from posterior
// samples on the command line and prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/copyleftdev/hybridml/internal/config"
	errs "github.com/copyleftdev/hybridml/internal/errors"
	"github.com/copyleftdev/hybridml/internal/lil"
	"github.com/copyleftdev/hybridml/internal/lil/hybrid"
	"github.com/copyleftdev/hybridml/internal/lil/models"
	"github.com/copyleftdev/hybridml/internal/lil/partition"
	"github.com/copyleftdev/hybridml/internal/logging"
	"github.com/copyleftdev/hybridml/internal/samples"
	"github.com/copyleftdev/hybridml/internal/server"
)

type options struct {
	model          string
	prior          string
	samplesPath    string
	writeSamples   string
	codec          string
	nApprox        int
	batchSize      int
	seed           uint64
	representative string
	all            bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var opts options
	flag.StringVar(&opts.model, "model", "gaussian", "model providing psi and its gradient: "+strings.Join(models.Names(), ", "))
	flag.StringVar(&opts.prior, "prior", "", "model parameters as inline JSON or @file")
	flag.StringVar(&opts.samplesPath, "samples", "", "CSV of posterior samples, optionally compressed; drawn from the model when empty")
	flag.StringVar(&opts.writeSamples, "write-samples", "", "write the sample pool to this path")
	flag.StringVar(&opts.codec, "codec", "", "compression for -write-samples: none, gzip, zstd or lz4; taken from the extension when empty")
	flag.IntVar(&opts.nApprox, "n-approx", cfg.Estimation.NApprox, "number of independent batches")
	flag.IntVar(&opts.batchSize, "batch-size", cfg.Estimation.BatchSize, "samples per batch")
	flag.Uint64Var(&opts.seed, "seed", 1, "seed for drawing model samples")
	flag.StringVar(&opts.representative, "representative", cfg.Estimation.Representative, "representative point: median or min-psi")
	flag.BoolVar(&opts.all, "all", cfg.Estimation.KeepAllBatches, "report the partitions of every batch")
	flag.Parse()

	cfg.Logging.Output = "stderr"
	logger, err := logging.NewLogger(cfg.LoggingConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("Estimation failed", map[string]interface{}{"error": err})
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("Failed to write report", map[string]interface{}{"error": err})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *logging.Logger) (map[string]interface{}, error) {
	prior, err := readPrior(opts.prior)
	if err != nil {
		return nil, err
	}
	model, err := models.New(opts.model, prior)
	if err != nil {
		return nil, err
	}
	sel, err := partition.ParseSelector(opts.representative)
	if err != nil {
		return nil, err
	}

	var pool *lil.Pool
	if opts.samplesPath != "" {
		pool, err = samples.Open(opts.samplesPath, model)
	} else {
		n := opts.nApprox * opts.batchSize
		src := rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15)
		pool, err = lil.NewPool(model.Sample(n, src), model)
	}
	if err != nil {
		return nil, err
	}
	if pool.Dim != model.Dim() {
		return nil, errs.Wrapf(lil.ErrDimensionMismatch, "samples have dimension %d, model %q has %d", pool.Dim, opts.model, model.Dim())
	}

	if opts.writeSamples != "" {
		codec := samples.CodecForPath(opts.writeSamples)
		if opts.codec != "" {
			if codec, err = samples.ParseCodec(opts.codec); err != nil {
				return nil, err
			}
		}
		if err := samples.CreateCodec(opts.writeSamples, pool, codec); err != nil {
			return nil, err
		}
		logger.Info("Wrote samples", map[string]interface{}{"path": opts.writeSamples, "rows": pool.Len(), "codec": codec.String()})
	}

	estOpts := server.EstimatorOptions(cfg, sel, logger.Zap(), nil)
	estOpts = append(estOpts, hybrid.WithKeepAllBatches(opts.all))
	res, err := hybrid.Estimate(ctx, model, pool, opts.nApprox, opts.batchSize, estOpts...)
	if err != nil {
		return nil, err
	}

	sum := res.Summary()
	report := map[string]interface{}{
		"model":          opts.model,
		"n_approx":       opts.nApprox,
		"batch_size":     opts.batchSize,
		"representative": sel.String(),
		"samples":        pool.Len(),
		"fingerprint":    fmt.Sprintf("%016x", samples.Fingerprint(pool)),
		"log_marginal":   hybrid.Value(model.LogMarginal()),
		"const":          hybrid.Values(res.Const),
		"taylor":         hybrid.Values(res.Taylor),
		"hybrid":         hybrid.Values(res.Hybrid),
		"summary": map[string]interface{}{
			"const":  stats(sum.Const),
			"taylor": stats(sum.Taylor),
			"hybrid": stats(sum.Hybrid),
		},
	}
	if opts.all {
		tables := make([][]hybrid.Row, len(res.Batches))
		for i, b := range res.Batches {
			tables[i] = b.Table()
		}
		report["batches"] = tables
	} else if res.Last != nil {
		report["partitions"] = res.Last.Table()
	}
	return report, nil
}

func readPrior(arg string) (json.RawMessage, error) {
	if !strings.HasPrefix(arg, "@") {
		return json.RawMessage(arg), nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
	if err != nil {
		return nil, errs.Wrap(err, "failed to read prior")
	}
	return data, nil
}

func stats(s hybrid.Stats) map[string]interface{} {
	return map[string]interface{}{
		"mean": hybrid.Value(s.Mean),
		"std":  hybrid.Value(s.Std),
	}
}
