// Package numerics provides the log-space primitives used by the hybrid
// estimator.
package numerics

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmpty is returned when a reduction receives no values.
	ErrEmpty = errors.New("numerics: empty input")
	// ErrSingular is returned by LogDet for a singular matrix.
	ErrSingular = errors.New("numerics: singular matrix")
	// ErrNotSquare is returned by LogDet for a non-square matrix.
	ErrNotSquare = errors.New("numerics: matrix is not square")
)

// LogSumExp returns log(Σ exp(xs[i])) shifted by max(xs). If the shifted sum
// still overflows the result falls back to the offset.
func LogSumExp(xs []float64) (float64, error) {
	if len(xs) == 0 {
		return math.NaN(), ErrEmpty
	}
	offset := floats.Max(xs)
	if math.IsInf(offset, 0) {
		// All -Inf (every contribution has zero mass) or a +Inf term.
		return offset, nil
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - offset)
	}
	res := offset + math.Log(sum)
	if math.IsNaN(res) || math.IsInf(res, 0) {
		return offset, nil
	}
	return res, nil
}

// LogDet returns log|det(m)|. A singular matrix yields the non-finite
// magnitude together with ErrSingular.
func LogDet(m mat.Matrix) (float64, error) {
	r, c := m.Dims()
	if r != c {
		return math.NaN(), ErrNotSquare
	}
	logAbs, sign := mat.LogDet(m)
	if sign == 0 || math.IsInf(logAbs, -1) || math.IsNaN(logAbs) {
		return logAbs, ErrSingular
	}
	return logAbs, nil
}

// Log1mExp computes log(1 - exp(-x)) for x >= 0 without cancellation near 0.
// See Mächler, "Accurately Computing log(1 - exp(-|a|))".
func Log1mExp(x float64) float64 {
	switch {
	case x < 0 || math.IsNaN(x):
		return math.NaN()
	case x == 0:
		return math.Inf(-1)
	case x <= math.Ln2:
		return math.Log(-math.Expm1(-x))
	default:
		return math.Log1p(-math.Exp(-x))
	}
}

// LogIntervalIntegral returns log ∫_lower^upper exp(-slope·t) dt.
func LogIntervalIntegral(slope, lower, upper float64) float64 {
	width := upper - lower
	switch {
	case slope > 0:
		return -slope*lower - math.Log(slope) + Log1mExp(slope*width)
	case slope < 0:
		s := -slope
		return s*upper - math.Log(s) + Log1mExp(s*width)
	default:
		return math.Log(width)
	}
}
