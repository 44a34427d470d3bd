package diffusion

import (
	"sort"

	"github.com/23skdu/longbow-stipple/internal/metrics"
)

// Quantizer snaps continuous sigmas onto the model's discrete noise table.
// The result is always a table entry: the first level >= sigma, or the
// nearest end of the table for sigmas outside the trained range.
type Quantizer struct {
	table []float64
}

func NewQuantizer(levels *Levels) *Quantizer {
	return &Quantizer{table: levels.Sigmas()}
}

// Index returns the clamped insertion point of sigma in the table.
func (q *Quantizer) Index(sigma float64) int {
	i := sort.SearchFloat64s(q.table, sigma)
	if i > len(q.table)-1 {
		i = len(q.table) - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func (q *Quantizer) Quantize(sigma float64) float64 {
	return q.table[q.Index(sigma)]
}

// QuantizeAll returns a new slice with every sigma snapped.
func (q *Quantizer) QuantizeAll(sigmas []float64) []float64 {
	out := make([]float64, len(sigmas))
	for i, s := range sigmas {
		out[i] = q.Quantize(s)
	}
	metrics.RecordQuantizedSigmas(len(sigmas))
	return out
}
