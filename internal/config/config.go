package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-stipple/internal/diffusion"
)

// Backend names.
const (
	BackendAnalytic = "analytic"
	BackendRemote   = "remote"
)

type Config struct {
	Prompt   string
	FromFile string
	OutDir   string

	Steps          int
	Sampler        string
	Karras         bool
	KarrasFallback string
	Rho            float64
	Scale          float64

	Height   int
	Width    int
	Channels int
	Factor   int

	Samples int
	Iter    int
	Rows    int
	Seed    int64

	FixedCode bool
	SkipGrid  bool
	SkipSave  bool
	Safety    bool

	SChurn float64
	STMin  float64
	STMax  float64
	SNoise float64

	Checkpoint  string
	Backend     string
	ModelServer string

	SaveWorkers  int
	GridPadding  int
	MetricsAddr  string
	WriteRunFile bool
}

func (c *Config) Validate() error {
	if c.Prompt == "" && c.FromFile == "" {
		return fmt.Errorf("invalid prompt: empty (set a prompt or a prompt file)")
	}
	if c.OutDir == "" {
		return fmt.Errorf("invalid outdir: empty")
	}
	if c.Steps <= 0 {
		return fmt.Errorf("invalid steps: %d (must be positive)", c.Steps)
	}
	if _, err := diffusion.ParseKind(c.Sampler); err != nil {
		return err
	}
	if _, err := diffusion.ParseFallback(c.KarrasFallback); err != nil {
		return err
	}
	if c.Rho < 0 {
		return fmt.Errorf("invalid rho: %v (must be positive)", c.Rho)
	}
	if c.Scale <= 0 {
		return fmt.Errorf("invalid scale: %v (must be positive)", c.Scale)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("invalid latent channels: %d (must be positive)", c.Channels)
	}
	if c.Factor <= 0 {
		return fmt.Errorf("invalid downsampling factor: %d (must be positive)", c.Factor)
	}
	if c.Height <= 0 || c.Height%c.Factor != 0 {
		return fmt.Errorf("invalid height: %d (must be a positive multiple of %d)", c.Height, c.Factor)
	}
	if c.Width <= 0 || c.Width%c.Factor != 0 {
		return fmt.Errorf("invalid width: %d (must be a positive multiple of %d)", c.Width, c.Factor)
	}
	if c.Samples <= 0 {
		return fmt.Errorf("invalid n_samples: %d (must be positive)", c.Samples)
	}
	if c.Iter <= 0 {
		return fmt.Errorf("invalid n_iter: %d (must be positive)", c.Iter)
	}
	if c.Rows < 0 {
		return fmt.Errorf("invalid n_rows: %d (must be non-negative)", c.Rows)
	}
	if err := c.validateChurn(); err != nil {
		return err
	}

	switch c.GetBackend() {
	case BackendAnalytic:
	case BackendRemote:
		if c.ModelServer == "" {
			return fmt.Errorf("remote backend needs a model server address")
		}
	default:
		return fmt.Errorf("invalid backend: %q (want %s or %s)", c.Backend, BackendAnalytic, BackendRemote)
	}
	return nil
}

func (c *Config) validateChurn() error {
	if c.SChurn < 0 {
		return fmt.Errorf("invalid s_churn: %v (must be non-negative)", c.SChurn)
	}
	if c.SNoise < 0 {
		return fmt.Errorf("invalid s_noise: %v (must be non-negative)", c.SNoise)
	}
	if c.STMin < 0 || c.STMax < c.STMin {
		return fmt.Errorf("invalid churn window: [%v, %v]", c.STMin, c.STMax)
	}
	return nil
}

func (c *Config) GetBackend() string {
	return strings.ToLower(c.Backend)
}

// Kind returns the parsed sampler. Call Validate first.
func (c *Config) Kind() diffusion.Kind {
	k, _ := diffusion.ParseKind(c.Sampler)
	return k
}

// Churn returns the churn settings for the sampler rules.
func (c *Config) Churn() diffusion.Churn {
	return diffusion.Churn{SChurn: c.SChurn, STMin: c.STMin, STMax: c.STMax, SNoise: c.SNoise}
}

// Engine builds the sampler configuration.
func (c *Config) Engine() diffusion.EngineConfig {
	fb, _ := diffusion.ParseFallback(c.KarrasFallback)
	return diffusion.EngineConfig{
		Kind:     c.Kind(),
		Steps:    c.Steps,
		Karras:   c.Karras,
		Rho:      c.Rho,
		Fallback: fb,
		Churn:    c.Churn(),
	}
}

// GridRows is the number of images per grid row.
func (c *Config) GridRows() int {
	if c.Rows > 0 {
		return c.Rows
	}
	return c.Samples
}

// LatentShape is [n_samples, C, H/f, W/f].
func (c *Config) LatentShape() []int {
	return []int{c.Samples, c.Channels, c.Height / c.Factor, c.Width / c.Factor}
}

func Default() Config {
	return Config{
		Prompt:         "a painting of a virus monster playing guitar",
		OutDir:         "outputs/txt2img-samples",
		Steps:          50,
		Sampler:        "lms",
		KarrasFallback: "warn",
		Rho:            diffusion.DefaultRho,
		Scale:          7.5,

		Height:   512,
		Width:    512,
		Channels: 4,
		Factor:   8,

		Samples: 3,
		Iter:    2,
		Seed:    42,

		Safety: true,

		STMax:  math.Inf(1),
		SNoise: 1,

		Backend:      BackendAnalytic,
		GridPadding:  2,
		WriteRunFile: true,
	}
}
