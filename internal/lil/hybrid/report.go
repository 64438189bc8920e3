package hybrid

import (
	"math"
	"strconv"
)

// Row is one line of the partition diagnostics table.
type Row map[string]interface{}

// Table renders the batch records as diagnostics rows, ordered by descending
// membership fraction. Non-finite values are rendered as strings so the rows
// can be JSON encoded.
func (b *Batch) Table() []Row {
	rows := make([]Row, len(b.Records))
	for i, r := range b.Records {
		grad := make([]interface{}, len(r.Grad))
		for j, g := range r.Grad {
			grad[j] = Value(g)
		}
		rows[i] = Row{
			"leaf":       r.Leaf,
			"count":      r.Count,
			"fraction":   r.Fraction,
			"log_const":  Value(r.LogConst),
			"log_taylor": Value(r.LogTaylor),
			"grad":       grad,
			"sse_const":  Value(r.SSEConst),
			"sse_taylor": Value(r.SSETaylor),
			"method":     r.Method.String(),
		}
	}
	return rows
}

// Value returns x unchanged when finite and its string form otherwise.
func Value(x float64) interface{} {
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return x
}

// Values applies Value to every element of xs.
func Values(xs []float64) []interface{} {
	out := make([]interface{}, len(xs))
	for i, x := range xs {
		out[i] = Value(x)
	}
	return out
}
