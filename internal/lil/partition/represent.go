package partition

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/hybridml/internal/lil"
)

// Selector chooses the representative point of a partition.
type Selector int

const (
	// Median takes the per-dimension median of the member samples.
	Median Selector = iota
	// MinPsi takes the member sample with the smallest objective value.
	MinPsi
)

// String returns the name accepted by ParseSelector.
func (s Selector) String() string {
	switch s {
	case Median:
		return "median"
	case MinPsi:
		return "min-psi"
	default:
		return fmt.Sprintf("Selector(%d)", int(s))
	}
}

// ParseSelector converts a configuration string to a Selector.
func ParseSelector(name string) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "median":
		return Median, nil
	case "min-psi", "minpsi", "mode":
		return MinPsi, nil
	default:
		return Median, lil.WrapErrorf(lil.ErrInvalidArgument, "unknown representative point selector %q", name)
	}
}

// Represent sets Point, Psi and Grad on every partition. samples are the
// batch the partitions were extracted from.
func Represent(parts []*Partition, samples []lil.Sample, obj lil.Objective, sel Selector) {
	for _, p := range parts {
		p.Point = point(p, samples, sel)
		p.Psi = obj.Psi(p.Point)
		p.Grad = obj.Lambda(make([]float64, p.Dim()), p.Point)
	}
}

func point(p *Partition, samples []lil.Sample, sel Selector) []float64 {
	d := p.Dim()
	u := make([]float64, d)

	if p.Members.IsEmpty() {
		for i := range u {
			u[i] = p.Lower[i] + (p.Upper[i]-p.Lower[i])/2
		}
		return u
	}

	members := p.Indices()
	switch sel {
	case MinPsi:
		best := members[0]
		for _, m := range members[1:] {
			if samples[m].Psi < samples[best].Psi {
				best = m
			}
		}
		copy(u, samples[best].U)
	default:
		x := make([]float64, len(members))
		for j := 0; j < d; j++ {
			for k, m := range members {
				x[k] = samples[m].U[j]
			}
			sort.Float64s(x)
			u[j] = stat.Quantile(0.5, stat.Empirical, x, nil)
		}
	}

	for j := range u {
		u[j] = math.Min(math.Max(u[j], p.Lower[j]), p.Upper[j])
	}
	return u
}
