package diffusion

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/integrate/quad"

	"github.com/23skdu/longbow-stipple/internal/tensor"
)

// DefaultLMSOrder is the derivative history length of the LMS rule.
const DefaultLMSOrder = 4

// Churn holds the stochastic sigma_hat parameters of the Euler, Heun and
// DPM2 rules. SNoise also scales the ancestral noise.
type Churn struct {
	SChurn float64
	STMin  float64
	STMax  float64
	SNoise float64
}

// DefaultChurn disables churn and keeps unit noise scale.
func DefaultChurn() Churn {
	return Churn{STMax: math.Inf(1), SNoise: 1}
}

// rule advances x from sigmas[i] to sigmas[i+1].
type rule interface {
	step(ctx context.Context, x *tensor.Tensor, sigmas []float64, i int) (*tensor.Tensor, error)
}

// stepEnv is shared by all rules of one run.
type stepEnv struct {
	den    Denoiser
	rng    *rand.Rand
	quanta *Quantizer
	churn  Churn
	eta    float64
}

func newRule(kind Kind, env *stepEnv, lmsOrder int) (rule, error) {
	switch kind {
	case LMS:
		return &lmsRule{env: env, order: lmsOrder}, nil
	case Euler:
		return &eulerRule{env: env}, nil
	case EulerAncestral:
		return &eulerAncestralRule{env: env}, nil
	case Heun:
		return &heunRule{env: env}, nil
	case DPM2:
		return &dpm2Rule{env: env}, nil
	case DPM2Ancestral:
		return &dpm2AncestralRule{env: env}, nil
	}
	return nil, fmt.Errorf("no update rule for sampler %d", kind)
}

// toD converts a denoised estimate into the ODE derivative dx/dsigma.
func toD(x *tensor.Tensor, sigma float64, denoised *tensor.Tensor) *tensor.Tensor {
	return tensor.AddScaledTo(x, -1, denoised).Scale(1 / sigma)
}

func (e *stepEnv) derivative(ctx context.Context, x *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	denoised, err := e.den.Denoise(ctx, x, sigma)
	if err != nil {
		return nil, fmt.Errorf("denoise at sigma %g: %w", sigma, err)
	}
	if !tensor.SameShape(denoised, x) {
		return nil, fmt.Errorf("%w: denoised %v for latent %v", ErrShapeMismatch, denoised.Shape, x.Shape)
	}
	return toD(x, sigma, denoised), nil
}

// sigmaHat applies churn and quanta to the step's starting level. When churn
// raises the level, matching noise is added to x.
func (e *stepEnv) sigmaHat(x *tensor.Tensor, sigmas []float64, i int) (*tensor.Tensor, float64) {
	sigma := sigmas[i]
	gamma := 0.0
	if e.churn.SChurn > 0 && sigma >= e.churn.STMin && sigma <= e.churn.STMax {
		gamma = math.Min(e.churn.SChurn/float64(len(sigmas)-1), math.Sqrt2-1)
	}
	hat := sigma * (gamma + 1)
	if e.quanta != nil {
		hat = e.quanta.Quantize(hat)
	}
	if gamma > 0 {
		eps := tensor.Randn(e.rng, x.Shape...)
		x = tensor.AddScaledTo(x, e.churn.SNoise*math.Sqrt(math.Max(0, hat*hat-sigma*sigma)), eps)
	}
	return x, hat
}

func (e *stepEnv) evalSigma(sigma float64) float64 {
	if e.quanta != nil {
		return e.quanta.Quantize(sigma)
	}
	return sigma
}

// ancestralStep splits the move from sigmaFrom to sigmaTo into a
// deterministic step down to sigmaDown and fresh noise of scale sigmaUp.
func ancestralStep(sigmaFrom, sigmaTo, eta float64) (sigmaDown, sigmaUp float64) {
	if eta == 0 || sigmaFrom == 0 {
		return sigmaTo, 0
	}
	sigmaUp = math.Min(sigmaTo, eta*math.Sqrt(sigmaTo*sigmaTo*(sigmaFrom*sigmaFrom-sigmaTo*sigmaTo)/(sigmaFrom*sigmaFrom)))
	sigmaDown = math.Sqrt(sigmaTo*sigmaTo - sigmaUp*sigmaUp)
	return sigmaDown, sigmaUp
}

func (e *stepEnv) injectNoise(x *tensor.Tensor, sigmaNext, sigmaUp float64) *tensor.Tensor {
	if sigmaNext <= 0 {
		return x
	}
	eps := tensor.Randn(e.rng, x.Shape...)
	return x.AddScaled(e.churn.SNoise*sigmaUp, eps)
}

func logMidpoint(a, b float64) float64 {
	return math.Exp(0.5 * (math.Log(a) + math.Log(b)))
}

type eulerRule struct{ env *stepEnv }

func (r *eulerRule) step(ctx context.Context, x *tensor.Tensor, sigmas []float64, i int) (*tensor.Tensor, error) {
	x, hat := r.env.sigmaHat(x, sigmas, i)
	d, err := r.env.derivative(ctx, x, hat)
	if err != nil {
		return nil, err
	}
	return tensor.AddScaledTo(x, sigmas[i+1]-hat, d), nil
}

type eulerAncestralRule struct{ env *stepEnv }

func (r *eulerAncestralRule) step(ctx context.Context, x *tensor.Tensor, sigmas []float64, i int) (*tensor.Tensor, error) {
	sigma, next := sigmas[i], sigmas[i+1]
	d, err := r.env.derivative(ctx, x, sigma)
	if err != nil {
		return nil, err
	}
	down, up := ancestralStep(sigma, next, r.env.eta)
	x = tensor.AddScaledTo(x, down-sigma, d)
	return r.env.injectNoise(x, next, up), nil
}

type heunRule struct{ env *stepEnv }

func (r *heunRule) step(ctx context.Context, x *tensor.Tensor, sigmas []float64, i int) (*tensor.Tensor, error) {
	x, hat := r.env.sigmaHat(x, sigmas, i)
	next := sigmas[i+1]
	d, err := r.env.derivative(ctx, x, hat)
	if err != nil {
		return nil, err
	}
	dt := next - hat
	if next == 0 {
		return tensor.AddScaledTo(x, dt, d), nil
	}

	x2 := tensor.AddScaledTo(x, dt, d)
	d2, err := r.env.derivative(ctx, x2, next)
	if err != nil {
		return nil, err
	}
	dPrime, err := tensor.Lerp(d, d2, 0.5)
	if err != nil {
		return nil, err
	}
	return tensor.AddScaledTo(x, dt, dPrime), nil
}

type dpm2Rule struct{ env *stepEnv }

func (r *dpm2Rule) step(ctx context.Context, x *tensor.Tensor, sigmas []float64, i int) (*tensor.Tensor, error) {
	x, hat := r.env.sigmaHat(x, sigmas, i)
	next := sigmas[i+1]
	d, err := r.env.derivative(ctx, x, hat)
	if err != nil {
		return nil, err
	}
	if next == 0 {
		return tensor.AddScaledTo(x, next-hat, d), nil
	}

	mid := r.env.evalSigma(logMidpoint(hat, next))
	x2 := tensor.AddScaledTo(x, mid-hat, d)
	d2, err := r.env.derivative(ctx, x2, mid)
	if err != nil {
		return nil, err
	}
	return tensor.AddScaledTo(x, next-hat, d2), nil
}

type dpm2AncestralRule struct{ env *stepEnv }

func (r *dpm2AncestralRule) step(ctx context.Context, x *tensor.Tensor, sigmas []float64, i int) (*tensor.Tensor, error) {
	sigma, next := sigmas[i], sigmas[i+1]
	d, err := r.env.derivative(ctx, x, sigma)
	if err != nil {
		return nil, err
	}
	down, up := ancestralStep(sigma, next, r.env.eta)
	if down == 0 {
		x = tensor.AddScaledTo(x, down-sigma, d)
	} else {
		mid := logMidpoint(sigma, down)
		x2 := tensor.AddScaledTo(x, mid-sigma, d)
		d2, err := r.env.derivative(ctx, x2, mid)
		if err != nil {
			return nil, err
		}
		x = tensor.AddScaledTo(x, down-sigma, d2)
	}
	return r.env.injectNoise(x, next, up), nil
}

type lmsRule struct {
	env   *stepEnv
	order int
	ds    []*tensor.Tensor
	ts    []float64
}

func (r *lmsRule) step(ctx context.Context, x *tensor.Tensor, sigmas []float64, i int) (*tensor.Tensor, error) {
	// a repeated level is a zero-length step and must not enter the
	// history, where it would give two coincident interpolation nodes
	if sigmas[i+1] == sigmas[i] {
		return x.Clone(), nil
	}
	d, err := r.env.derivative(ctx, x, sigmas[i])
	if err != nil {
		return nil, err
	}
	r.ds = append(r.ds, d)
	r.ts = append(r.ts, sigmas[i])
	if len(r.ds) > r.order {
		r.ds = r.ds[1:]
		r.ts = r.ts[1:]
	}

	// nodes run from the current level back through the history
	nodes := make([]float64, len(r.ts))
	for k := range nodes {
		nodes[k] = r.ts[len(r.ts)-1-k]
	}
	out := x.Clone()
	for j := range nodes {
		out.AddScaled(lmsCoeff(nodes, sigmas[i+1], j), r.ds[len(r.ds)-1-j])
	}
	return out, nil
}

// lmsCoeff integrates the j-th Lagrange basis polynomial through nodes
// over [nodes[0], next]. The integrand has degree len(nodes)-1, so a
// Gauss-Legendre rule with len(nodes) points is exact. Nodes must be
// distinct.
func lmsCoeff(nodes []float64, next float64, j int) float64 {
	fn := func(tau float64) float64 {
		prod := 1.0
		for k, tk := range nodes {
			if j == k {
				continue
			}
			prod *= (tau - tk) / (nodes[j] - tk)
		}
		return prod
	}
	// the schedule descends; integrate over the ordered interval and flip the sign
	return -quad.Fixed(fn, next, nodes[0], len(nodes), quad.Legendre{}, 0)
}
