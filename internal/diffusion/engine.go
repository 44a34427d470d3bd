package diffusion

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/metrics"
	"github.com/23skdu/longbow-stipple/internal/tensor"
)

// FallbackPolicy decides what happens when a Karras schedule is requested
// for a sampler outside the discretization-aware set.
type FallbackPolicy int

const (
	// FallbackWarn pre-quantizes the schedule and logs a warning.
	FallbackWarn FallbackPolicy = iota
	// FallbackFail rejects the configuration.
	FallbackFail
)

func ParseFallback(s string) (FallbackPolicy, error) {
	switch strings.ToLower(s) {
	case "", "warn":
		return FallbackWarn, nil
	case "fail":
		return FallbackFail, nil
	}
	return 0, fmt.Errorf("unknown karras fallback policy %q (want warn or fail)", s)
}

func (p FallbackPolicy) String() string {
	if p == FallbackFail {
		return "fail"
	}
	return "warn"
}

const approximationWarning = "Karras schedule requested for a sampler without sigma discretization support; " +
	"approximating by snapping sigmas to the model's trained noise levels"

type EngineConfig struct {
	Kind     Kind
	Steps    int
	Karras   bool
	Rho      float64 // 0 selects DefaultRho
	Fallback FallbackPolicy
	LMSOrder int     // 0 selects DefaultLMSOrder
	Eta      float64 // ancestral noise scale, 0 selects 1
	Churn    Churn   // zero value selects DefaultChurn
	Logger   *logger.Logger
}

// Plan is the schedule a run will integrate over.
type Plan struct {
	Kind   Kind
	Sigmas []float64
	// Quanta is set when the rule snaps evaluation points itself.
	Quanta *Quantizer
	Karras bool
	// Approximated is set when the Karras schedule was pre-quantized.
	Approximated bool
}

// Steps is the number of updates the plan performs.
func (p *Plan) Steps() int { return len(p.Sigmas) - 1 }

// PlanSchedule builds the outer schedule for cfg over the model's table.
func PlanSchedule(levels *Levels, cfg EngineConfig) (*Plan, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Log
	}
	plan := &Plan{Kind: cfg.Kind, Karras: cfg.Karras}

	if !cfg.Karras {
		sigmas, err := NativeSchedule(levels, cfg.Steps)
		if err != nil {
			return nil, err
		}
		plan.Sigmas = sigmas
		return plan, nil
	}

	rho := cfg.Rho
	if rho == 0 {
		rho = DefaultRho
	}
	sigmas, err := KarrasSigmas(cfg.Steps, levels.SigmaMin(), levels.SigmaMax(), rho)
	if err != nil {
		return nil, err
	}

	q := NewQuantizer(levels)
	if cfg.Kind.SupportsQuanta() {
		plan.Quanta = q
	} else {
		if cfg.Fallback == FallbackFail {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedDiscretization, cfg.Kind)
		}
		log.Warn(approximationWarning, "sampler", cfg.Kind.String(), "steps", cfg.Steps)
		metrics.RecordScheduleApproximation()
		sigmas = q.QuantizeAll(sigmas)
		plan.Approximated = true
	}
	plan.Sigmas = AppendZero(sigmas)
	return plan, nil
}

// StepInfo is passed to the per-step callback after each update.
type StepInfo struct {
	Index     int
	Sigma     float64
	SigmaNext float64
	X         *tensor.Tensor
}

// RunOptions parameterize a single integration over an explicit schedule.
type RunOptions struct {
	Kind     Kind
	Sigmas   []float64
	Quanta   *Quantizer
	Rand     *rand.Rand
	Churn    Churn
	Eta      float64
	LMSOrder int
	Callback func(StepInfo)
	Logger   *logger.Logger
}

// Run integrates x from Sigmas[0] down to the last level, one update per
// consecutive pair, in order. x must already carry noise at Sigmas[0].
// Non-finite values are not intercepted.
func Run(ctx context.Context, den Denoiser, x *tensor.Tensor, opts RunOptions) (*tensor.Tensor, error) {
	if den == nil {
		return nil, errors.New("sampler needs a denoiser")
	}
	if x == nil {
		return nil, errors.New("sampler needs an initial latent")
	}
	if err := validateSchedule(opts.Sigmas); err != nil {
		return nil, err
	}
	if opts.Churn == (Churn{}) {
		opts.Churn = DefaultChurn()
	}
	if opts.Eta == 0 {
		opts.Eta = 1
	}
	if opts.LMSOrder <= 0 {
		opts.LMSOrder = DefaultLMSOrder
	}
	if opts.Rand == nil && (opts.Kind.Ancestral() || opts.Churn.SChurn > 0) {
		return nil, fmt.Errorf("sampler %s needs a random source", opts.Kind)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Log
	}

	env := &stepEnv{den: den, rng: opts.Rand, quanta: opts.Quanta, churn: opts.Churn, eta: opts.Eta}
	r, err := newRule(opts.Kind, env, opts.LMSOrder)
	if err != nil {
		return nil, err
	}

	name := opts.Kind.String()
	runStart := time.Now()
	for i := 0; i < len(opts.Sigmas)-1; i++ {
		stepStart := time.Now()
		x, err = r.step(ctx, x, opts.Sigmas, i)
		if err != nil {
			return nil, fmt.Errorf("%s step %d: %w", name, i, err)
		}
		metrics.RecordSamplerStep(name, time.Since(stepStart))
		log.Debug("sampler step", "sampler", name, "step", i, "sigma", opts.Sigmas[i], "sigma_next", opts.Sigmas[i+1])
		if opts.Callback != nil {
			opts.Callback(StepInfo{Index: i, Sigma: opts.Sigmas[i], SigmaNext: opts.Sigmas[i+1], X: x})
		}
	}
	metrics.RecordSamplingRun(name, time.Since(runStart))

	nan, inf := x.CountNonFinite()
	metrics.RecordNumericalInstability("latent", nan, inf)
	return x, nil
}

// Engine owns a plan built once and runs it for every batch.
type Engine struct {
	cfg  EngineConfig
	plan *Plan
}

// NewEngine validates cfg and plans the schedule. Any approximation warning
// is emitted here, once, not per Sample call.
func NewEngine(levels *Levels, cfg EngineConfig) (*Engine, error) {
	if levels == nil {
		return nil, errors.New("engine needs the model's noise table")
	}
	plan, err := PlanSchedule(levels, cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, plan: plan}, nil
}

func (e *Engine) Plan() *Plan { return e.plan }

// InitialSigma is the noise level the starting latent must carry.
func (e *Engine) InitialSigma() float64 { return e.plan.Sigmas[0] }

// Sample runs the plan from x. rng feeds ancestral and churn noise.
func (e *Engine) Sample(ctx context.Context, den Denoiser, x *tensor.Tensor, rng *rand.Rand, cb func(StepInfo)) (*tensor.Tensor, error) {
	return Run(ctx, den, x, RunOptions{
		Kind:     e.plan.Kind,
		Sigmas:   e.plan.Sigmas,
		Quanta:   e.plan.Quanta,
		Rand:     rng,
		Churn:    e.cfg.Churn,
		Eta:      e.cfg.Eta,
		LMSOrder: e.cfg.LMSOrder,
		Callback: cb,
		Logger:   e.cfg.Logger,
	})
}
