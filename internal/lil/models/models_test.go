package models_test

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hybridml/internal/lil"
	"github.com/copyleftdev/hybridml/internal/lil/hybrid"
	"github.com/copyleftdev/hybridml/internal/lil/models"
)

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"gaussian", "normal-mean"}, models.Names())

	tests := []struct {
		name    string
		model   string
		prior   string
		wantErr error
		dim     int
	}{
		{name: "gaussian", model: "gaussian", prior: `{"mean":[0,1],"cov":[[1,0.2],[0.2,2]]}`, dim: 2},
		{name: "normal mean", model: "normal-mean", prior: `{"y":[[0.1],[0.4]],"sigma2":1,"mu0":0,"tau2":3}`, dim: 1},
		{name: "unknown model", model: "cauchy", prior: `{}`, wantErr: lil.ErrInvalidArgument},
		{name: "missing prior", model: "gaussian", prior: ``, wantErr: lil.ErrInvalidArgument},
		{name: "unknown field", model: "gaussian", prior: `{"mean":[0],"cov":[[1]],"scale":2}`, wantErr: lil.ErrInvalidArgument},
		{name: "ragged covariance", model: "gaussian", prior: `{"mean":[0,0],"cov":[[1,0],[0]]}`, wantErr: lil.ErrDimensionMismatch},
		{name: "asymmetric covariance", model: "gaussian", prior: `{"mean":[0,0],"cov":[[1,0.5],[0,1]]}`, wantErr: lil.ErrInvalidArgument},
		{name: "indefinite covariance", model: "gaussian", prior: `{"mean":[0,0],"cov":[[1,2],[2,1]]}`, wantErr: lil.ErrInvalidArgument},
		{name: "zero variance", model: "normal-mean", prior: `{"y":[[1]],"sigma2":0,"tau2":1}`, wantErr: lil.ErrInvalidArgument},
		{name: "ragged observations", model: "normal-mean", prior: `{"y":[[1,2],[1]],"sigma2":1,"tau2":1}`, wantErr: lil.ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := models.New(tt.model, json.RawMessage(tt.prior))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dim, m.Dim())
		})
	}
}

func TestGaussianObjective(t *testing.T) {
	g, err := models.NewGaussian([]float64{1, -1}, mat.NewSymDense(2, []float64{2, 0.3, 0.3, 1}))
	require.NoError(t, err)

	assert.Equal(t, 0.0, g.Psi([]float64{1, -1}))

	// Gradient against central differences.
	u := []float64{0.4, 0.2}
	grad := g.Lambda(nil, u)
	const h = 1e-6
	for i := range u {
		up := append([]float64(nil), u...)
		dn := append([]float64(nil), u...)
		up[i] += h
		dn[i] -= h
		assert.InDelta(t, (g.Psi(up)-g.Psi(dn))/(2*h), grad[i], 1e-6)
	}

	want := math.Log(2*math.Pi) + 0.5*math.Log(2*1-0.3*0.3)
	assert.InDelta(t, want, g.LogMarginal(), 1e-12)
}

func TestLogMarginalMatchesQuadrature(t *testing.T) {
	g, err := models.NewGaussian([]float64{1}, mat.NewSymDense(1, []float64{2}))
	require.NoError(t, err)

	nm, err := models.NewNormalMean([][]float64{{0.3}, {-0.2}, {1.1}, {0.7}, {0.4}}, 0.5, 0, 4)
	require.NoError(t, err)

	for name, m := range map[string]models.Model{"gaussian": g, "normal-mean": nm} {
		t.Run(name, func(t *testing.T) {
			// The mode of psi sits near the sample mean of the exact draws.
			draws := m.Sample(2000, rand.NewPCG(1, 2))
			xs := make([]float64, len(draws))
			for i, d := range draws {
				xs[i] = d[0]
			}
			mean, std := stat.MeanStdDev(xs, nil)

			f := func(x float64) float64 { return math.Exp(-m.Psi([]float64{x})) }
			integral := quad.Fixed(f, mean-15*std, mean+15*std, 200, nil, 1)
			assert.InDelta(t, math.Log(integral), m.LogMarginal(), 1e-6)
		})
	}
}

func TestNormalMeanPosterior(t *testing.T) {
	y := [][]float64{{1.2, -3}, {0.8, -2.5}, {1.0, -2.8}, {1.4, -3.1}}
	m, err := models.NewNormalMean(y, 0.25, 0, 10)
	require.NoError(t, err)

	draws := m.Sample(5000, rand.NewPCG(7, 7))
	for k, want := range []float64{1.1, -2.85} {
		xs := make([]float64, len(draws))
		for i, d := range draws {
			xs[i] = d[k]
		}
		assert.InDelta(t, want, stat.Mean(xs, nil), 0.05)
	}

	grad := m.Lambda(nil, []float64{0, 0})
	const h = 1e-6
	for k := range grad {
		up, dn := []float64{0, 0}, []float64{0, 0}
		up[k], dn[k] = h, -h
		assert.InDelta(t, (m.Psi(up)-m.Psi(dn))/(2*h), grad[k], 1e-4)
	}
}

func TestHybridRecoversLogMarginal(t *testing.T) {
	g, err := models.NewGaussian([]float64{1}, mat.NewSymDense(1, []float64{2}))
	require.NoError(t, err)
	nm, err := models.NewNormalMean([][]float64{{0.3}, {-0.2}, {1.1}, {0.7}, {0.4}}, 0.5, 0, 4)
	require.NoError(t, err)

	for name, m := range map[string]models.Model{"gaussian": g, "normal-mean": nm} {
		t.Run(name, func(t *testing.T) {
			pool, err := lil.NewPool(m.Sample(4000, rand.NewPCG(3, 4)), m)
			require.NoError(t, err)

			res, err := hybrid.Estimate(context.Background(), m, pool, 4, 1000)
			require.NoError(t, err)
			assert.InDelta(t, m.LogMarginal(), res.Summary().Hybrid.Mean, 0.1)
		})
	}
}
