package diffusion

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-stipple/internal/tensor"
)

// rowModel fills each output row with the first value of its conditioning
// row, and records every call.
type rowModel struct {
	calls   int
	batches []int
	sigmas  [][]float64
}

func (m *rowModel) Predict(_ context.Context, x *tensor.Tensor, sigmas []float64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	m.calls++
	m.batches = append(m.batches, x.Batch())
	m.sigmas = append(m.sigmas, append([]float64(nil), sigmas...))
	out := tensor.New(x.Shape...)
	for b := 0; b < x.Batch(); b++ {
		v := cond.Row(b)[0]
		row := out.Row(b)
		for i := range row {
			row[i] = v
		}
	}
	return out, nil
}

func filled(v float64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func TestGuidedDenoiserScaleOneSkipsUncond(t *testing.T) {
	m := &rowModel{}
	cond := filled(3, 1, 2)
	d, err := NewGuidedDenoiser(m, nil, cond, 1)
	if err != nil {
		t.Fatal(err)
	}

	out, err := d.Denoise(context.Background(), tensor.New(1, 4), 2.5)
	if err != nil {
		t.Fatal(err)
	}
	if m.calls != 1 || m.batches[0] != 1 {
		t.Errorf("calls = %d batches = %v, want one call on the conditional batch", m.calls, m.batches)
	}
	if diff := cmp.Diff([]float64{3, 3, 3, 3}, out.Data); diff != "" {
		t.Errorf("scale 1 must equal the conditional estimate (-want +got):\n%s", diff)
	}
}

func TestGuidedDenoiserCombinedCall(t *testing.T) {
	m := &rowModel{}
	uncond := filled(1, 2, 2)
	cond := filled(3, 2, 2)
	d, err := NewGuidedDenoiser(m, uncond, cond, 7.5)
	if err != nil {
		t.Fatal(err)
	}

	out, err := d.Denoise(context.Background(), tensor.New(2, 3), 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if m.calls != 1 {
		t.Fatalf("calls = %d, want a single combined call", m.calls)
	}
	if m.batches[0] != 4 {
		t.Errorf("combined batch = %d, want 4", m.batches[0])
	}
	if diff := cmp.Diff([]float64{0.7, 0.7, 0.7, 0.7}, m.sigmas[0]); diff != "" {
		t.Errorf("sigma broadcast (-want +got):\n%s", diff)
	}

	// u + g*(c - u) = 1 + 7.5*2
	want := make([]float64, 6)
	for i := range want {
		want[i] = 16
	}
	if diff := cmp.Diff(want, out.Data, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("guided estimate (-want +got):\n%s", diff)
	}
}

func TestNewGuidedDenoiserValidates(t *testing.T) {
	m := &rowModel{}
	if _, err := NewGuidedDenoiser(m, nil, filled(1, 1, 2), 7.5); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("missing uncond: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := NewGuidedDenoiser(m, filled(1, 1, 3), filled(1, 1, 2), 7.5); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("mismatched uncond: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := NewGuidedDenoiser(m, nil, nil, 1); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("missing cond: expected ErrShapeMismatch, got %v", err)
	}

	d, err := NewGuidedDenoiser(m, nil, filled(1, 2, 2), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Denoise(context.Background(), tensor.New(3, 2), 1); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("batch mismatch: expected ErrShapeMismatch, got %v", err)
	}
}

type constEps struct {
	value     float64
	inputs    []*tensor.Tensor
	timesteps [][]float64
}

func (p *constEps) PredictNoise(_ context.Context, x *tensor.Tensor, ts []float64, _ *tensor.Tensor) (*tensor.Tensor, error) {
	p.inputs = append(p.inputs, x.Clone())
	p.timesteps = append(p.timesteps, append([]float64(nil), ts...))
	return filled(p.value, x.Shape...), nil
}

func TestEpsModelPredict(t *testing.T) {
	levels := sdLevels(t)
	p := &constEps{value: 1}
	m := &EpsModel{Predictor: p, Levels: levels}

	sigma := levels.At(500)
	x := filled(2, 1, 3)
	out, err := m.Predict(context.Background(), x, []float64{sigma}, filled(0, 1, 1))
	if err != nil {
		t.Fatal(err)
	}

	// denoised = x - sigma * eps
	want := []float64{2 - sigma, 2 - sigma, 2 - sigma}
	if diff := cmp.Diff(want, out.Data, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("denoised (-want +got):\n%s", diff)
	}

	cIn := 1 / math.Sqrt(sigma*sigma+1)
	if diff := cmp.Diff([]float64{2 * cIn, 2 * cIn, 2 * cIn}, p.inputs[0].Data, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("network input is not scaled by c_in (-want +got):\n%s", diff)
	}
	if p.timesteps[0][0] != 500 {
		t.Errorf("timestep = %v, want 500", p.timesteps[0][0])
	}
	if x.Data[0] != 2 {
		t.Error("Predict mutated its input")
	}
}

func TestEpsModelQuantizedTimesteps(t *testing.T) {
	levels := sdLevels(t)
	p := &constEps{}
	m := &EpsModel{Predictor: p, Levels: levels, Quantize: true}

	between := math.Sqrt(levels.At(300) * levels.At(301))
	if _, err := m.Predict(context.Background(), tensor.New(1, 2), []float64{between * 1.0001}, filled(0, 1, 1)); err != nil {
		t.Fatal(err)
	}
	ts := p.timesteps[0][0]
	if ts != math.Trunc(ts) || (ts != 300 && ts != 301) {
		t.Errorf("quantized timestep = %v, want 300 or 301", ts)
	}
}

func TestEpsModelRejectsSigmaCount(t *testing.T) {
	m := &EpsModel{Predictor: &constEps{}, Levels: sdLevels(t)}
	if _, err := m.Predict(context.Background(), tensor.New(2, 2), []float64{1}, filled(0, 2, 1)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}
