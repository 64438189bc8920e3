// Package partition turns a fitted tree into axis-aligned hyperrectangles
// over the data support and anchors each one at a representative point.
package partition

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/copyleftdev/hybridml/internal/lil"
)

// Partition is one leaf of a fitted tree viewed as a box in parameter space.
type Partition struct {
	// Leaf is the tree leaf id, unique within a batch.
	Leaf int
	// Lower and Upper are the per-dimension bounds of the box.
	Lower, Upper []float64
	// Members holds the batch indices of the samples inside the box.
	Members *roaring.Bitmap

	// Point is the representative point and Psi, Grad the objective and its
	// gradient evaluated there. They are set by Represent.
	Point []float64
	Psi   float64
	Grad  []float64
}

// Dim returns the dimension of the box.
func (p *Partition) Dim() int { return len(p.Lower) }

// Count returns the number of member samples.
func (p *Partition) Count() int { return int(p.Members.GetCardinality()) }

// Fraction returns the share of n batch samples that fall in the partition.
func (p *Partition) Fraction(n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(p.Count()) / float64(n)
}

// Contains reports whether u lies in the closed box.
func (p *Partition) Contains(u []float64) bool {
	if len(u) != len(p.Lower) {
		return false
	}
	for i, v := range u {
		if v < p.Lower[i] || v > p.Upper[i] {
			return false
		}
	}
	return true
}

// LogVolume returns the log of the box's Lebesgue measure. A zero-width
// dimension yields -Inf.
func (p *Partition) LogVolume() float64 {
	var lv float64
	for i := range p.Lower {
		lv += math.Log(p.Upper[i] - p.Lower[i])
	}
	return lv
}

// Indices returns the member indices in increasing order.
func (p *Partition) Indices() []int {
	out := make([]int, 0, p.Count())
	it := p.Members.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Support returns the per-dimension bounding box of X.
func Support(X [][]float64) (lower, upper []float64, err error) {
	if len(X) == 0 {
		return nil, nil, lil.WrapError(lil.ErrInvalidArgument, "no rows").WithOperation("Support").WithComponent("partition")
	}
	d := len(X[0])
	lower = make([]float64, d)
	upper = make([]float64, d)
	for j := 0; j < d; j++ {
		lower[j], upper[j] = math.Inf(1), math.Inf(-1)
	}
	for i, row := range X {
		if len(row) != d {
			return nil, nil, lil.WrapErrorf(lil.ErrDimensionMismatch,
				"row %d has %d coordinates, expected %d", i, len(row), d).WithOperation("Support").WithComponent("partition")
		}
		for j, v := range row {
			lower[j] = math.Min(lower[j], v)
			upper[j] = math.Max(upper[j], v)
		}
	}
	return lower, upper, nil
}

// Extract builds one partition per leaf: the support intersected with every
// split condition on the leaf's path. Partitions are returned in leaf order.
func Extract(fit *lil.Fit, lower, upper []float64) ([]*Partition, error) {
	const op = "Extract"

	if fit == nil || len(fit.Leaves) == 0 {
		return nil, lil.WrapError(lil.ErrInvalidArgument, "fit has no leaves").WithOperation(op).WithComponent("partition")
	}
	if len(lower) != len(upper) {
		return nil, lil.WrapErrorf(lil.ErrDimensionMismatch,
			"support has %d lower and %d upper bounds", len(lower), len(upper)).WithOperation(op).WithComponent("partition")
	}
	d := len(lower)

	parts := make([]*Partition, len(fit.Leaves))
	byID := make(map[int]*Partition, len(fit.Leaves))
	for k, leaf := range fit.Leaves {
		p := &Partition{
			Leaf:    leaf.ID,
			Lower:   append([]float64(nil), lower...),
			Upper:   append([]float64(nil), upper...),
			Members: roaring.New(),
		}
		for _, s := range leaf.Path {
			if s.Dim < 0 || s.Dim >= d {
				return nil, lil.WrapErrorf(lil.ErrDimensionMismatch,
					"leaf %d splits on dimension %d of %d", leaf.ID, s.Dim, d).WithOperation(op).WithComponent("partition")
			}
			if s.Below {
				p.Upper[s.Dim] = math.Min(p.Upper[s.Dim], s.Threshold)
			} else {
				p.Lower[s.Dim] = math.Max(p.Lower[s.Dim], s.Threshold)
			}
		}
		if _, dup := byID[leaf.ID]; dup {
			return nil, lil.NewErrorf("duplicate leaf id %d", leaf.ID).WithOperation(op).WithComponent("partition")
		}
		byID[leaf.ID] = p
		parts[k] = p
	}

	for i, id := range fit.Assign {
		p, ok := byID[id]
		if !ok {
			return nil, lil.NewErrorf("row %d assigned to unknown leaf %d", i, id).WithOperation(op).WithComponent("partition")
		}
		p.Members.Add(uint32(i))
	}

	return parts, nil
}

// Verify checks that parts tile the support box: no positive-volume overlap,
// volumes summing to the support volume, and every index in [0, n) owned by
// exactly one partition.
func Verify(parts []*Partition, lower, upper []float64, n int) error {
	const op = "Verify"

	var total uint64
	union := roaring.New()
	logVols := make([]float64, 0, len(parts))
	for _, p := range parts {
		total += p.Members.GetCardinality()
		union.Or(p.Members)
		logVols = append(logVols, p.LogVolume())
	}
	if total != uint64(n) || union.GetCardinality() != uint64(n) {
		return lil.NewErrorf("membership covers %d of %d samples with %d assignments",
			union.GetCardinality(), n, total).WithOperation(op).WithComponent("partition")
	}
	if n > 0 && int(union.Maximum()) >= n {
		return lil.NewErrorf("member index %d out of range", union.Maximum()).WithOperation(op).WithComponent("partition")
	}

	for a := 0; a < len(parts); a++ {
		for b := a + 1; b < len(parts); b++ {
			if overlaps(parts[a], parts[b]) {
				return lil.NewErrorf("leaves %d and %d overlap", parts[a].Leaf, parts[b].Leaf).WithOperation(op).WithComponent("partition")
			}
		}
	}

	var want float64
	for i := range lower {
		want += math.Log(upper[i] - lower[i])
	}
	if math.IsInf(want, -1) {
		return nil
	}
	var sum float64
	for _, lv := range logVols {
		sum += math.Exp(lv - want)
	}
	if math.Abs(sum-1) > 1e-9 {
		return lil.NewErrorf("partition volumes cover %.12f of the support", sum).WithOperation(op).WithComponent("partition")
	}
	return nil
}

// overlaps reports whether two boxes share positive volume.
func overlaps(p, q *Partition) bool {
	for i := range p.Lower {
		if math.Max(p.Lower[i], q.Lower[i]) >= math.Min(p.Upper[i], q.Upper[i]) {
			return false
		}
	}
	return true
}
