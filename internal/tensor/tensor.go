// Package tensor holds the dense float64 tensors passed between the sampler,
// the denoiser and the model service. Dimension 0 is always the batch.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

type Tensor struct {
	Shape []int
	Data  []float64
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zero tensor.
func New(shape ...int) *Tensor {
	s := append([]int(nil), shape...)
	return &Tensor{Shape: s, Data: make([]float64, numel(s))}
}

// FromData wraps data without copying.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Randn draws standard normal values from rng in row-major order.
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func (t *Tensor) Len() int { return len(t.Data) }

// Batch is the size of dimension 0.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowLen is the number of values per batch element.
func (t *Tensor) RowLen() int {
	if t.Batch() == 0 {
		return 0
	}
	return len(t.Data) / t.Batch()
}

// Row returns a view of batch element i.
func (t *Tensor) Row(i int) []float64 {
	n := t.RowLen()
	return t.Data[i*n : (i+1)*n]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// Concat joins a and b along the batch dimension.
func Concat(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != len(b.Shape) || a.RowLen() != b.RowLen() {
		return nil, fmt.Errorf("%w: concat %v with %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	for i := 1; i < len(a.Shape); i++ {
		if a.Shape[i] != b.Shape[i] {
			return nil, fmt.Errorf("%w: concat %v with %v", ErrShapeMismatch, a.Shape, b.Shape)
		}
	}
	shape := append([]int(nil), a.Shape...)
	shape[0] = a.Shape[0] + b.Shape[0]
	data := make([]float64, 0, len(a.Data)+len(b.Data))
	data = append(data, a.Data...)
	data = append(data, b.Data...)
	return &Tensor{Shape: shape, Data: data}, nil
}

// Chunk2 splits t into two equal halves along the batch dimension.
func (t *Tensor) Chunk2() (*Tensor, *Tensor, error) {
	if t.Batch()%2 != 0 {
		return nil, nil, fmt.Errorf("%w: cannot halve batch of %d", ErrShapeMismatch, t.Batch())
	}
	half := len(t.Data) / 2
	shape := append([]int(nil), t.Shape...)
	shape[0] = t.Batch() / 2
	first := &Tensor{Shape: shape, Data: t.Data[:half]}
	second := &Tensor{Shape: append([]int(nil), shape...), Data: t.Data[half:]}
	return first, second, nil
}

// Slice copies batch elements [start, end).
func (t *Tensor) Slice(start, end int) *Tensor {
	n := t.RowLen()
	shape := append([]int(nil), t.Shape...)
	shape[0] = end - start
	return &Tensor{Shape: shape, Data: append([]float64(nil), t.Data[start*n:end*n]...)}
}

// Scale multiplies every element by c in place.
func (t *Tensor) Scale(c float64) *Tensor {
	floats.Scale(c, t.Data)
	return t
}

// AddScaled performs t += alpha*s in place.
func (t *Tensor) AddScaled(alpha float64, s *Tensor) *Tensor {
	floats.AddScaled(t.Data, alpha, s.Data)
	return t
}

// Lerp returns a + w*(b-a) as a new tensor.
func Lerp(a, b *Tensor, w float64) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("%w: lerp %v with %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	out := a.Clone()
	diff := make([]float64, len(a.Data))
	floats.SubTo(diff, b.Data, a.Data)
	floats.AddScaled(out.Data, w, diff)
	return out, nil
}

// AddScaledTo returns y + alpha*s as a new tensor.
func AddScaledTo(y *Tensor, alpha float64, s *Tensor) *Tensor {
	out := New(y.Shape...)
	floats.AddScaledTo(out.Data, y.Data, alpha, s.Data)
	return out
}

// Clamp limits every element to [lo, hi] in place.
func (t *Tensor) Clamp(lo, hi float64) *Tensor {
	for i, v := range t.Data {
		t.Data[i] = math.Max(lo, math.Min(hi, v))
	}
	return t
}

// CountNonFinite reports how many elements are NaN and how many are infinite.
func (t *Tensor) CountNonFinite() (nan, inf int) {
	if !floats.HasNaN(t.Data) {
		for _, v := range t.Data {
			if math.IsInf(v, 0) {
				inf++
			}
		}
		return 0, inf
	}
	for _, v := range t.Data {
		switch {
		case math.IsNaN(v):
			nan++
		case math.IsInf(v, 0):
			inf++
		}
	}
	return nan, inf
}
