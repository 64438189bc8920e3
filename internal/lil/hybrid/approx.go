package hybrid

import (
	"fmt"
	"math"

	"github.com/copyleftdev/hybridml/internal/lil"
	"github.com/copyleftdev/hybridml/internal/lil/numerics"
	"github.com/copyleftdev/hybridml/internal/lil/partition"
)

// Method identifies the approximation used for a partition.
type Method int

const (
	// MethodConstant approximates the integrand by its value at the
	// representative point.
	MethodConstant Method = iota
	// MethodTaylor integrates the first-order expansion of psi at the
	// representative point.
	MethodTaylor
)

// String returns the method name.
func (m Method) String() string {
	switch m {
	case MethodConstant:
		return "constant"
	case MethodTaylor:
		return "taylor"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// LogConstant returns log(exp(-psi(u*)) * vol(p)).
func LogConstant(p *partition.Partition) float64 {
	return -p.Psi + p.LogVolume()
}

// LogTaylor returns the log integral of exp(-psi) over p with psi replaced by
// its linearization at the representative point. The integrand is separable,
// so it is a sum of one-dimensional closed-form terms.
func LogTaylor(p *partition.Partition) float64 {
	v := -p.Psi
	for i, g := range p.Grad {
		v += g*p.Point[i] + numerics.LogIntervalIntegral(g, p.Lower[i], p.Upper[i])
	}
	return v
}

// Annotation describes one batch sample against its partition's
// approximations.
type Annotation struct {
	Index       int     `json:"index"`
	Leaf        int     `json:"leaf"`
	PredConst   float64 `json:"pred_const"`
	PredTaylor  float64 `json:"pred_taylor"`
	ResidConst  float64 `json:"resid_const"`
	ResidTaylor float64 `json:"resid_taylor"`
}

// Score computes the sum of squared residuals of the constant and taylor
// predictions of psi over the members of p. When ann is non-nil the
// per-sample annotations are written at each member's batch index.
func Score(p *partition.Partition, samples []lil.Sample, ann []Annotation) (sseConst, sseTaylor float64) {
	it := p.Members.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		s := samples[i]

		taylor := p.Psi
		for j, g := range p.Grad {
			taylor += g * (s.U[j] - p.Point[j])
		}

		rc := s.Psi - p.Psi
		rt := s.Psi - taylor
		sseConst += rc * rc
		sseTaylor += rt * rt

		if ann != nil {
			ann[i] = Annotation{
				Index:       i,
				Leaf:        p.Leaf,
				PredConst:   p.Psi,
				PredTaylor:  taylor,
				ResidConst:  rc,
				ResidTaylor: rt,
			}
		}
	}
	return sseConst, sseTaylor
}

// Choose returns MethodTaylor only when its error is strictly smaller.
func Choose(sseConst, sseTaylor float64) Method {
	if sseTaylor < sseConst {
		return MethodTaylor
	}
	return MethodConstant
}

// Record is the approximation record of one partition.
type Record struct {
	Leaf      int       `json:"leaf"`
	Count     int       `json:"count"`
	Fraction  float64   `json:"fraction"`
	LogConst  float64   `json:"log_const"`
	LogTaylor float64   `json:"log_taylor"`
	SSEConst  float64   `json:"sse_const"`
	SSETaylor float64   `json:"sse_taylor"`
	Method    Method    `json:"method"`
	Psi       float64   `json:"psi"`
	Point     []float64 `json:"point"`
	Grad      []float64 `json:"grad"`
	Lower     []float64 `json:"lower"`
	Upper     []float64 `json:"upper"`
}

// Contribution returns the log-space value of the chosen method.
func (r Record) Contribution() float64 {
	if r.Method == MethodTaylor {
		return r.LogTaylor
	}
	return r.LogConst
}

// combine reduces the records to the constant, taylor and hybrid estimates.
// The hybrid estimate is assembled from per-method groups; a group no
// partition chose is left out rather than reduced over an empty set.
func combine(records []Record) (c, t, h float64, err error) {
	consts := make([]float64, len(records))
	taylors := make([]float64, len(records))
	var chosenConst, chosenTaylor []float64
	for i, r := range records {
		consts[i] = r.LogConst
		taylors[i] = r.LogTaylor
		if r.Method == MethodTaylor {
			chosenTaylor = append(chosenTaylor, r.LogTaylor)
		} else {
			chosenConst = append(chosenConst, r.LogConst)
		}
	}

	if c, err = numerics.LogSumExp(consts); err != nil {
		return math.NaN(), math.NaN(), math.NaN(), err
	}
	if t, err = numerics.LogSumExp(taylors); err != nil {
		return math.NaN(), math.NaN(), math.NaN(), err
	}

	groups := make([]float64, 0, 2)
	for _, g := range [][]float64{chosenConst, chosenTaylor} {
		if len(g) == 0 {
			continue
		}
		v, err := numerics.LogSumExp(g)
		if err != nil {
			return math.NaN(), math.NaN(), math.NaN(), err
		}
		groups = append(groups, v)
	}
	if h, err = numerics.LogSumExp(groups); err != nil {
		return math.NaN(), math.NaN(), math.NaN(), err
	}
	return c, t, h, nil
}
