// Package lil holds the shared types of the log integrated likelihood
// estimator: sample pools, objective and tree-fitter contracts.
package lil

import (
	"fmt"
)

// Objective is the negative log-density psi and its gradient lambda. Any
// prior configuration is carried by the implementation.
type Objective interface {
	// Psi evaluates the negative log-density at u.
	Psi(u []float64) float64

	// Lambda writes the gradient of Psi at u into dst and returns it. A nil
	// dst is allocated.
	Lambda(dst, u []float64) []float64
}

// Funcs adapts a pair of plain functions to the Objective interface.
type Funcs struct {
	PsiFunc    func(u []float64) float64
	LambdaFunc func(dst, u []float64) []float64
}

// Psi implements Objective
func (f Funcs) Psi(u []float64) float64 { return f.PsiFunc(u) }

// Lambda implements Objective
func (f Funcs) Lambda(dst, u []float64) []float64 { return f.LambdaFunc(dst, u) }

// Sample is one posterior draw with its objective value.
type Sample struct {
	U   []float64
	Psi float64
}

// Pool is an ordered, read-only sequence of samples of a fixed dimension.
type Pool struct {
	Dim     int
	Samples []Sample
}

// Dimensioner is implemented by objectives defined on a fixed dimension.
type Dimensioner interface {
	Dim() int
}

// CheckDim returns ErrDimensionMismatch when obj declares a dimension other
// than dim. Objectives that do not implement Dimensioner always pass.
func CheckDim(obj Objective, dim int) error {
	d, ok := obj.(Dimensioner)
	if !ok || d.Dim() == dim {
		return nil
	}
	return WrapErrorf(ErrDimensionMismatch,
		"samples have %d coordinates, objective expects %d", dim, d.Dim()).WithOperation("CheckDim")
}

// NewPool evaluates obj at every row of u and returns the resulting pool.
// Row shapes are checked before obj is called.
func NewPool(u [][]float64, obj Objective) (*Pool, error) {
	const op = "NewPool"

	if len(u) == 0 {
		return nil, WrapError(ErrInvalidArgument, "no samples").WithOperation(op)
	}
	if obj == nil {
		return nil, WrapError(ErrInvalidArgument, "objective must not be nil").WithOperation(op)
	}
	p := &Pool{Dim: len(u[0]), Samples: make([]Sample, len(u))}
	for i, row := range u {
		p.Samples[i].U = row
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := CheckDim(obj, p.Dim); err != nil {
		return nil, err
	}
	for i := range p.Samples {
		p.Samples[i].Psi = obj.Psi(p.Samples[i].U)
	}
	return p, nil
}

// Len returns the number of samples in the pool.
func (p *Pool) Len() int { return len(p.Samples) }

// Validate checks that every sample has exactly Dim coordinates.
func (p *Pool) Validate() error {
	const op = "Pool.Validate"

	if p == nil || p.Dim < 1 {
		return WrapError(ErrDimensionMismatch, "pool dimension must be at least 1").WithOperation(op)
	}
	for i, s := range p.Samples {
		if len(s.U) != p.Dim {
			return WrapErrorf(ErrDimensionMismatch,
				"sample %d has %d coordinates, pool dimension is %d", i, len(s.U), p.Dim).WithOperation(op)
		}
	}
	return nil
}

// Batch returns the t-th contiguous slice of j samples. The slice shares
// storage with the pool and must not be modified.
func (p *Pool) Batch(t, j int) ([]Sample, error) {
	lo, hi := t*j, (t+1)*j
	if t < 0 || j < 1 || hi > len(p.Samples) {
		return nil, WrapErrorf(ErrShortPool,
			"batch %d of size %d needs %d samples, pool has %d", t, j, hi, len(p.Samples)).WithOperation("Pool.Batch")
	}
	return p.Samples[lo:hi:hi], nil
}

// Split is one ancestor condition of a tree leaf. Below reports that the leaf
// lies on the u[Dim] < Threshold side of the split.
type Split struct {
	Dim       int
	Threshold float64
	Below     bool
}

// Leaf is a terminal node of a fitted partitioning tree.
type Leaf struct {
	ID   int
	Path []Split
}

// Fit is the outcome of fitting a partitioning tree to a batch.
type Fit struct {
	// Assign holds the leaf id of every row the tree was fitted on.
	Assign []int
	// Leaves lists every leaf with its root-to-leaf split path.
	Leaves []Leaf
}

// Fitter fits an axis-aligned partitioning of X guided by the targets y.
type Fitter interface {
	Fit(X [][]float64, y []float64) (*Fit, error)
}

// String renders a split the way tree dumps print them.
func (s Split) String() string {
	if s.Below {
		return fmt.Sprintf("u[%d] < %g", s.Dim, s.Threshold)
	}
	return fmt.Sprintf("u[%d] >= %g", s.Dim, s.Threshold)
}
