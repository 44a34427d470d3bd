package diffusion

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-stipple/internal/metrics"
	"github.com/23skdu/longbow-stipple/internal/tensor"
)

// Model returns denoised estimates for a batch of noisy latents, one sigma
// and one conditioning row per batch element.
type Model interface {
	Predict(ctx context.Context, x *tensor.Tensor, sigmas []float64, cond *tensor.Tensor) (*tensor.Tensor, error)
}

// EpsPredictor is a network trained to predict the added noise at a
// (possibly fractional) DDPM timestep.
type EpsPredictor interface {
	PredictNoise(ctx context.Context, x *tensor.Tensor, timesteps []float64, cond *tensor.Tensor) (*tensor.Tensor, error)
}

// Denoiser is what the sampler rules evaluate: a denoised estimate of x at
// noise level sigma.
type Denoiser interface {
	Denoise(ctx context.Context, x *tensor.Tensor, sigma float64) (*tensor.Tensor, error)
}

// DenoiserFunc adapts a function to Denoiser.
type DenoiserFunc func(ctx context.Context, x *tensor.Tensor, sigma float64) (*tensor.Tensor, error)

func (f DenoiserFunc) Denoise(ctx context.Context, x *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	return f(ctx, x, sigma)
}

// EpsModel wraps an eps-prediction network as a Model using the
// variance-exploding parameterization of a discrete DDPM.
type EpsModel struct {
	Predictor EpsPredictor
	Levels    *Levels
	// Quantize evaluates the network at the nearest integer timestep
	// instead of an interpolated one.
	Quantize bool
}

func (m *EpsModel) Predict(ctx context.Context, x *tensor.Tensor, sigmas []float64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	if len(sigmas) != x.Batch() {
		return nil, fmt.Errorf("%w: %d sigmas for batch of %d", ErrShapeMismatch, len(sigmas), x.Batch())
	}

	scaled := x.Clone()
	ts := make([]float64, len(sigmas))
	for b, sigma := range sigmas {
		cIn := 1 / math.Sqrt(sigma*sigma+1)
		row := scaled.Row(b)
		for i := range row {
			row[i] *= cIn
		}
		if m.Quantize {
			ts[b] = float64(m.Levels.NearestT(sigma))
		} else {
			ts[b] = m.Levels.SigmaToT(sigma)
		}
	}

	eps, err := m.Predictor.PredictNoise(ctx, scaled, ts, cond)
	if err != nil {
		return nil, fmt.Errorf("predict noise: %w", err)
	}
	if !tensor.SameShape(eps, x) {
		return nil, fmt.Errorf("%w: noise prediction %v for latent %v", ErrShapeMismatch, eps.Shape, x.Shape)
	}

	out := x.Clone()
	for b, sigma := range sigmas {
		row, e := out.Row(b), eps.Row(b)
		for i := range row {
			row[i] -= sigma * e[i]
		}
	}
	return out, nil
}

// GuidedDenoiser applies classifier-free guidance over a Model. Uncond may be
// nil when Scale is 1.
type GuidedDenoiser struct {
	Model  Model
	Uncond *tensor.Tensor
	Cond   *tensor.Tensor
	Scale  float64
}

func NewGuidedDenoiser(model Model, uncond, cond *tensor.Tensor, scale float64) (*GuidedDenoiser, error) {
	if cond == nil {
		return nil, fmt.Errorf("%w: conditioning embedding is required", ErrShapeMismatch)
	}
	if scale != 1 {
		if uncond == nil {
			return nil, fmt.Errorf("%w: unconditional embedding is required for guidance scale %v", ErrShapeMismatch, scale)
		}
		if !tensor.SameShape(uncond, cond) {
			return nil, fmt.Errorf("%w: uncond %v vs cond %v", ErrShapeMismatch, uncond.Shape, cond.Shape)
		}
	}
	return &GuidedDenoiser{Model: model, Uncond: uncond, Cond: cond, Scale: scale}, nil
}

func (d *GuidedDenoiser) Denoise(ctx context.Context, x *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	if x.Batch() != d.Cond.Batch() {
		return nil, fmt.Errorf("%w: latent batch %d vs conditioning batch %d", ErrShapeMismatch, x.Batch(), d.Cond.Batch())
	}

	if d.Scale == 1 {
		metrics.RecordModelCall("cond")
		return d.Model.Predict(ctx, x, fill(sigma, x.Batch()), d.Cond)
	}

	xIn, err := tensor.Concat(x, x)
	if err != nil {
		return nil, err
	}
	condIn, err := tensor.Concat(d.Uncond, d.Cond)
	if err != nil {
		return nil, err
	}

	metrics.RecordModelCall("combined")
	out, err := d.Model.Predict(ctx, xIn, fill(sigma, xIn.Batch()), condIn)
	if err != nil {
		return nil, err
	}
	uncond, cond, err := out.Chunk2()
	if err != nil {
		return nil, err
	}
	if !tensor.SameShape(uncond, x) {
		return nil, fmt.Errorf("%w: model output %v for latent %v", ErrShapeMismatch, out.Shape, x.Shape)
	}

	guided, err := tensor.Lerp(uncond, cond, d.Scale)
	if err != nil {
		return nil, err
	}
	return guided, nil
}

func fill(v float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}
