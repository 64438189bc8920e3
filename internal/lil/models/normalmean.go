package models

import (
	"encoding/json"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/hybridml/internal/lil"
)

// NormalMean is the conjugate model y[i][k] ~ N(θ[k], σ²) with independent
// priors θ[k] ~ N(μ0, τ²). Psi is the negative log of likelihood times prior
// including both normalizing constants, so its log integral is the log
// marginal likelihood of Y.
type NormalMean struct {
	Y      [][]float64 `json:"y"`
	Sigma2 float64     `json:"sigma2"`
	Mu0    float64     `json:"mu0"`
	Tau2   float64     `json:"tau2"`

	// sufficient statistics per dimension
	sum   []float64
	sumSq []float64
}

// NewNormalMean validates the model and precomputes its sufficient
// statistics.
func NewNormalMean(y [][]float64, sigma2, mu0, tau2 float64) (*NormalMean, error) {
	const op = "NewNormalMean"

	if len(y) == 0 || len(y[0]) == 0 {
		return nil, lil.WrapError(lil.ErrInvalidArgument, "at least one observation is required").WithOperation(op).WithComponent("models")
	}
	if !(sigma2 > 0) || !(tau2 > 0) {
		return nil, lil.WrapErrorf(lil.ErrInvalidArgument,
			"variances must be positive, got sigma2=%g tau2=%g", sigma2, tau2).WithOperation(op).WithComponent("models")
	}
	d := len(y[0])
	m := &NormalMean{
		Y:      y,
		Sigma2: sigma2,
		Mu0:    mu0,
		Tau2:   tau2,
		sum:    make([]float64, d),
		sumSq:  make([]float64, d),
	}
	for i, row := range y {
		if len(row) != d {
			return nil, lil.WrapErrorf(lil.ErrDimensionMismatch,
				"observation %d has %d entries, want %d", i, len(row), d).WithOperation(op).WithComponent("models")
		}
		for k, v := range row {
			m.sum[k] += v
			m.sumSq[k] += v * v
		}
	}
	return m, nil
}

func newNormalMeanFromJSON(prior json.RawMessage) (Model, error) {
	var p struct {
		Y      [][]float64 `json:"y"`
		Sigma2 float64     `json:"sigma2"`
		Mu0    float64     `json:"mu0"`
		Tau2   float64     `json:"tau2"`
	}
	if err := decode(prior, &p, "newNormalMeanFromJSON"); err != nil {
		return nil, err
	}
	return NewNormalMean(p.Y, p.Sigma2, p.Mu0, p.Tau2)
}

// Dim implements Model
func (m *NormalMean) Dim() int { return len(m.sum) }

func (m *NormalMean) n() float64 { return float64(len(m.Y)) }

// psik is the contribution of dimension k at θ.
func (m *NormalMean) psik(k int, theta float64) float64 {
	n := m.n()
	rss := m.sumSq[k] - 2*theta*m.sum[k] + n*theta*theta
	dp := theta - m.Mu0
	return rss/(2*m.Sigma2) + 0.5*n*math.Log(2*math.Pi*m.Sigma2) +
		dp*dp/(2*m.Tau2) + 0.5*math.Log(2*math.Pi*m.Tau2)
}

// Psi implements lil.Objective
func (m *NormalMean) Psi(u []float64) float64 {
	var s float64
	for k, theta := range u {
		s += m.psik(k, theta)
	}
	return s
}

// Lambda implements lil.Objective
func (m *NormalMean) Lambda(dst, u []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(u))
	}
	n := m.n()
	for k, theta := range u {
		dst[k] = (n*theta-m.sum[k])/m.Sigma2 + (theta-m.Mu0)/m.Tau2
	}
	return dst
}

// posterior returns the posterior mean and precision of θ[k].
func (m *NormalMean) posterior(k int) (mean, prec float64) {
	prec = m.n()/m.Sigma2 + 1/m.Tau2
	mean = (m.sum[k]/m.Sigma2 + m.Mu0/m.Tau2) / prec
	return mean, prec
}

// LogMarginal implements Model. Psi is quadratic in every θ[k], so each
// dimension integrates to exp(-psi_k(mean)) · sqrt(2π/prec).
func (m *NormalMean) LogMarginal() float64 {
	var s float64
	for k := range m.sum {
		mean, prec := m.posterior(k)
		s += -m.psik(k, mean) + 0.5*math.Log(2*math.Pi/prec)
	}
	return s
}

// Sample implements Model
func (m *NormalMean) Sample(n int, src rand.Source) [][]float64 {
	d := m.Dim()
	dists := make([]distuv.Normal, d)
	for k := range dists {
		mean, prec := m.posterior(k)
		dists[k] = distuv.Normal{Mu: mean, Sigma: 1 / math.Sqrt(prec), Src: src}
	}
	out := make([][]float64, n)
	for i := range out {
		row := make([]float64, d)
		for k := range dists {
			row[k] = dists[k].Rand()
		}
		out[i] = row
	}
	return out
}
