package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/copyleftdev/hybridml/internal/config"
	"github.com/copyleftdev/hybridml/internal/lil"
	"github.com/copyleftdev/hybridml/internal/logging"
	"github.com/copyleftdev/hybridml/internal/samples"
)

func testSetup(t *testing.T) (*config.Config, *logging.Logger) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg, logging.New(zaptest.NewLogger(t))
}

func TestRunDrawsFromModel(t *testing.T) {
	cfg, logger := testSetup(t)
	out := filepath.Join(t.TempDir(), "draws.csv")

	report, err := run(context.Background(), cfg, options{
		model:          "gaussian",
		prior:          `{"mean":[0.5],"cov":[[2]]}`,
		writeSamples:   out,
		codec:          "zstd",
		nApprox:        1,
		batchSize:      300,
		seed:           7,
		representative: "median",
	}, logger)
	require.NoError(t, err)

	assert.Equal(t, 300, report["samples"])
	assert.Len(t, report["hybrid"], 1)
	assert.Contains(t, report, "partitions")

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x28, 0xb5, 0x2f, 0xfd}, raw[:4])

	pool, err := samples.Open(out, nil)
	require.NoError(t, err)
	assert.Equal(t, 300, pool.Len())
}

func TestRunRejectsNarrowSampleFile(t *testing.T) {
	cfg, logger := testSetup(t)
	path := filepath.Join(t.TempDir(), "narrow.csv")
	require.NoError(t, os.WriteFile(path, []byte("0.1\n0.2\n0.3\n0.4\n"), 0o644))

	var err error
	require.NotPanics(t, func() {
		_, err = run(context.Background(), cfg, options{
			model:          "gaussian",
			prior:          `{"mean":[0,0],"cov":[[1,0],[0,1]]}`,
			samplesPath:    path,
			nApprox:        1,
			batchSize:      4,
			representative: "median",
		}, logger)
	})
	assert.ErrorIs(t, err, lil.ErrDimensionMismatch)
}

func TestRunRejectsUnknownCodec(t *testing.T) {
	cfg, logger := testSetup(t)
	_, err := run(context.Background(), cfg, options{
		model:          "gaussian",
		prior:          `{"mean":[0.5],"cov":[[2]]}`,
		writeSamples:   filepath.Join(t.TempDir(), "draws.csv"),
		codec:          "brotli",
		nApprox:        1,
		batchSize:      50,
		representative: "median",
	}, logger)
	assert.Error(t, err)
}

func TestReadPrior(t *testing.T) {
	inline, err := readPrior(`{"mean":[0]}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mean":[0]}`, string(inline))

	path := filepath.Join(t.TempDir(), "prior.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mean":[1]}`), 0o644))
	fromFile, err := readPrior("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mean":[1]}`, string(fromFile))

	_, err = readPrior("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
