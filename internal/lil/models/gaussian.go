package models

import (
	"encoding/json"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/copyleftdev/hybridml/internal/lil"
	"github.com/copyleftdev/hybridml/internal/lil/numerics"
)

// Gaussian is the unnormalized multivariate normal density
// psi(u) = ½(u-μ)ᵀΣ⁻¹(u-μ).
type Gaussian struct {
	mean   []float64
	cov    *mat.SymDense
	prec   *mat.SymDense
	logDet float64
}

// GaussianPrior is the JSON form of a Gaussian model.
type GaussianPrior struct {
	Mean []float64   `json:"mean"`
	Cov  [][]float64 `json:"cov"`
}

// NewGaussian creates a Gaussian with the given mean and positive definite
// covariance.
func NewGaussian(mean []float64, cov mat.Symmetric) (*Gaussian, error) {
	const op = "NewGaussian"

	d := len(mean)
	if d == 0 {
		return nil, lil.WrapError(lil.ErrInvalidArgument, "mean must not be empty").WithOperation(op).WithComponent("models")
	}
	if cov.SymmetricDim() != d {
		return nil, lil.WrapErrorf(lil.ErrDimensionMismatch,
			"covariance is %dx%d, mean has %d entries", cov.SymmetricDim(), cov.SymmetricDim(), d).WithOperation(op).WithComponent("models")
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, lil.WrapError(lil.ErrInvalidArgument, "covariance is not positive definite").WithOperation(op).WithComponent("models")
	}
	logDet, err := numerics.LogDet(cov)
	if err != nil {
		return nil, lil.WrapError(err, "covariance determinant").WithOperation(op).WithComponent("models")
	}

	g := &Gaussian{
		mean:   append([]float64(nil), mean...),
		cov:    mat.NewSymDense(d, nil),
		prec:   mat.NewSymDense(d, nil),
		logDet: logDet,
	}
	g.cov.CopySym(cov)
	if err := chol.InverseTo(g.prec); err != nil {
		return nil, lil.WrapError(err, "inverting covariance").WithOperation(op).WithComponent("models")
	}
	return g, nil
}

func newGaussianFromJSON(prior json.RawMessage) (Model, error) {
	const op = "newGaussianFromJSON"

	var p GaussianPrior
	if err := decode(prior, &p, op); err != nil {
		return nil, err
	}
	d := len(p.Mean)
	if d == 0 {
		return nil, lil.WrapError(lil.ErrInvalidArgument, "mean must not be empty").WithOperation(op).WithComponent("models")
	}
	if len(p.Cov) != d {
		return nil, lil.WrapErrorf(lil.ErrDimensionMismatch,
			"covariance has %d rows, mean has %d entries", len(p.Cov), d).WithOperation(op).WithComponent("models")
	}
	for i, row := range p.Cov {
		if len(row) != d {
			return nil, lil.WrapErrorf(lil.ErrDimensionMismatch,
				"covariance row %d has %d entries, want %d", i, len(row), d).WithOperation(op).WithComponent("models")
		}
	}
	data := make([]float64, 0, d*d)
	for i, row := range p.Cov {
		for j := range row {
			if row[j] != p.Cov[j][i] {
				return nil, lil.WrapErrorf(lil.ErrInvalidArgument, "covariance is not symmetric at (%d, %d)", i, j).WithOperation(op).WithComponent("models")
			}
		}
		data = append(data, row...)
	}
	return NewGaussian(p.Mean, mat.NewSymDense(d, data))
}

// Dim implements Model
func (g *Gaussian) Dim() int { return len(g.mean) }

func (g *Gaussian) centered(u []float64) *mat.VecDense {
	d := mat.NewVecDense(len(g.mean), nil)
	for i, m := range g.mean {
		d.SetVec(i, u[i]-m)
	}
	return d
}

// Psi implements lil.Objective
func (g *Gaussian) Psi(u []float64) float64 {
	d := g.centered(u)
	return 0.5 * mat.Inner(d, g.prec, d)
}

// Lambda implements lil.Objective
func (g *Gaussian) Lambda(dst, u []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(g.mean))
	}
	out := mat.NewVecDense(len(dst), dst)
	out.MulVec(g.prec, g.centered(u))
	return dst
}

// LogMarginal returns D/2·log 2π + ½·log|Σ|.
func (g *Gaussian) LogMarginal() float64 {
	return 0.5*float64(len(g.mean))*math.Log(2*math.Pi) + 0.5*g.logDet
}

// Sample implements Model
func (g *Gaussian) Sample(n int, src rand.Source) [][]float64 {
	normal, ok := distmv.NewNormal(g.mean, g.cov, src)
	if !ok {
		// The covariance was factorized in NewGaussian.
		panic("models: covariance lost positive definiteness")
	}
	out := make([][]float64, n)
	for i := range out {
		out[i] = normal.Rand(nil)
	}
	return out
}
