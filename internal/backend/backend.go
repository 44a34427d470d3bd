// Package backend is an in-process model service with closed-form parts:
// hashed token embeddings, the exact denoiser of a Gaussian data prior, a
// linear latent-to-RGB preview decoder and a safety checker that flags
// nothing. It needs no weights, so it serves dry runs, the local Flight
// endpoint and tests.
package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-stipple/internal/diffusion"
	"github.com/23skdu/longbow-stipple/internal/imageio"
	"github.com/23skdu/longbow-stipple/internal/tensor"
	"github.com/23skdu/longbow-stipple/internal/tokenizer"
)

// HashEncoder tokenizes each prompt and gives every token a deterministic
// pseudo-random embedding seeded by the xxhash of its id and position.
type HashEncoder struct {
	Tokens int
	Dim    int
	// Tokenizer defaults to tokenizer.Hashed.
	Tokenizer *tokenizer.Tokenizer
}

func (e *HashEncoder) EncodeText(_ context.Context, prompts []string) (*tensor.Tensor, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("no prompts to encode")
	}
	tk := e.Tokenizer
	if tk == nil {
		tk = tokenizer.Hashed()
	}
	out := tensor.New(len(prompts), e.Tokens, e.Dim)
	scale := 1 / math.Sqrt(float64(e.Dim))
	var key [16]byte
	for i, p := range prompts {
		row := out.Row(i)
		for pos, id := range tk.Encode(p, e.Tokens) {
			binary.LittleEndian.PutUint64(key[:8], uint64(id))
			binary.LittleEndian.PutUint64(key[8:], uint64(pos))
			rng := rand.New(rand.NewSource(int64(xxhash.Sum64(key[:]))))
			vec := row[pos*e.Dim : (pos+1)*e.Dim]
			for j := range vec {
				vec[j] = rng.NormFloat64() * scale
			}
		}
	}
	return out, nil
}

// GaussianPredictor predicts noise exactly for data drawn from a Gaussian
// whose mean pattern is derived from the conditioning. Inputs arrive scaled
// by c_in at fractional timesteps, as EpsModel sends them.
type GaussianPredictor struct {
	Levels  *diffusion.Levels
	DataStd float64
}

func (p *GaussianPredictor) PredictNoise(_ context.Context, x *tensor.Tensor, ts []float64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%w: latent must be [n, c, h, w], got %v", tensor.ErrShapeMismatch, x.Shape)
	}
	if len(ts) != x.Batch() || cond.Batch() != x.Batch() {
		return nil, fmt.Errorf("%w: %d timesteps and %d conditioning rows for batch %d", tensor.ErrShapeMismatch, len(ts), cond.Batch(), x.Batch())
	}

	s0 := p.DataStd
	if s0 == 0 {
		s0 = 0.5
	}
	eps := tensor.New(x.Shape...)
	for b, t := range ts {
		sigma := p.Levels.TToSigma(t)
		mean := MeanPattern(cond.Row(b), x.Shape[1], x.Shape[2], x.Shape[3])
		shrink := s0 * s0 / (s0*s0 + sigma*sigma)
		unscale := math.Sqrt(sigma*sigma + 1)
		in, out := x.Row(b), eps.Row(b)
		for i := range in {
			xi := in[i] * unscale
			denoised := mean[i] + shrink*(xi-mean[i])
			out[i] = (xi - denoised) / sigma
		}
	}
	return eps, nil
}

// MeanPattern is the prior mean for one conditioning row: a per-channel
// offset plus a low-frequency wave, both read off the embedding. Prompts
// differ by at most 2*(meanOffset+meanAmp) per element, so guidance at
// scale g moves the mean by at most g times that.
func MeanPattern(cond []float64, channels, h, w int) []float64 {
	out := make([]float64, channels*h*w)
	for c := 0; c < channels; c++ {
		var sum, wave float64
		n := 0
		for k := c; k < len(cond); k += channels {
			sum += cond[k]
			if n%2 == 0 {
				wave += cond[k]
			} else {
				wave -= cond[k]
			}
			n++
		}
		norm := math.Sqrt(float64(max(n, 1)))
		offset := meanOffset * math.Tanh(sum/norm)
		amp := meanAmp * math.Tanh(wave/norm)
		phase := float64(c) * math.Pi / 2
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				u := 2 * math.Pi * (float64(x)/float64(w) + float64(y)/float64(h))
				out[c*h*w+y*w+x] = offset + amp*math.Sin(u+phase)
			}
		}
	}
	return out
}

const (
	meanOffset = 0.1
	meanAmp    = 0.1
)

// latentRGB projects the four Stable Diffusion latent channels to RGB.
var latentRGB = [4][3]float64{
	{0.3512, 0.2297, 0.3227},
	{0.3250, 0.4974, 0.2350},
	{-0.2829, 0.1762, 0.2721},
	{-0.2120, -0.2616, -0.7177},
}

// PreviewDecoder approximates the VAE decoder with a linear projection
// squashed by tanh and Catmull-Rom upscaling by Factor. Output is in
// [-1, 1], and guided latents far outside the prior still keep contrast.
type PreviewDecoder struct {
	Factor int
}

func (d *PreviewDecoder) DecodeLatent(_ context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	if len(z.Shape) != 4 || z.Shape[1] != len(latentRGB) {
		return nil, fmt.Errorf("%w: preview decoder wants [n, 4, h, w], got %v", tensor.ErrShapeMismatch, z.Shape)
	}
	n, h, w := z.Shape[0], z.Shape[2], z.Shape[3]
	plane := h * w

	small := tensor.New(n, 3, h, w)
	for b := 0; b < n; b++ {
		in, out := z.Row(b), small.Row(b)
		for p := 0; p < plane; p++ {
			for ch := 0; ch < 3; ch++ {
				v := 0.0
				for l := range latentRGB {
					v += in[l*plane+p] * latentRGB[l][ch]
				}
				// into [0, 1] for resampling
				out[ch*plane+p] = (math.Tanh(v) + 1) / 2
			}
		}
	}

	f := max(d.Factor, 1)
	big, err := imageio.Resize(small, h*f, w*f)
	if err != nil {
		return nil, err
	}
	for i, v := range big.Data {
		big.Data[i] = 2*v - 1
	}
	return big, nil
}

// NoopSafety flags nothing and returns the images unchanged.
type NoopSafety struct{}

func (NoopSafety) CheckSafety(_ context.Context, images *tensor.Tensor) (*tensor.Tensor, []bool, error) {
	return images, make([]bool, images.Batch()), nil
}

// Analytic bundles the closed-form parts into one model service.
type Analytic struct {
	*HashEncoder
	*GaussianPredictor
	*PreviewDecoder
	NoopSafety
}

// Config sizes the analytic service.
type Config struct {
	Tokens  int
	Dim     int
	Factor  int
	DataStd float64
	// Tokenizer may be nil.
	Tokenizer *tokenizer.Tokenizer
}

// DefaultConfig matches the Stable Diffusion v1 text encoder and VAE.
func DefaultConfig() Config {
	return Config{Tokens: 77, Dim: 768, Factor: 8, DataStd: 0.5}
}

func New(levels *diffusion.Levels, cfg Config) *Analytic {
	return &Analytic{
		HashEncoder:       &HashEncoder{Tokens: cfg.Tokens, Dim: cfg.Dim, Tokenizer: cfg.Tokenizer},
		GaussianPredictor: &GaussianPredictor{Levels: levels, DataStd: cfg.DataStd},
		PreviewDecoder:    &PreviewDecoder{Factor: cfg.Factor},
	}
}

// EchoToken returns the token unchanged; the host is the accelerator.
func (a *Analytic) EchoToken(_ context.Context, token int64) (int64, error) {
	return token, nil
}
