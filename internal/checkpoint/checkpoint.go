// Package checkpoint reads latent-diffusion checkpoint descriptions and
// textual-inversion embedding files stored in GGUF containers.
package checkpoint

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-stipple/internal/diffusion"
	"github.com/23skdu/longbow-stipple/internal/gguf"
	"github.com/23skdu/longbow-stipple/internal/logger"
)

// GGUF metadata keys.
const (
	KeyArchitecture     = "general.architecture"
	KeyName             = "general.name"
	KeyTimesteps        = "diffusion.timesteps"
	KeyLinearStart      = "diffusion.linear_start"
	KeyLinearEnd        = "diffusion.linear_end"
	KeyBetaSchedule     = "diffusion.beta_schedule"
	KeyLatentChannels   = "diffusion.latent_channels"
	KeyDownsample       = "diffusion.downsample_factor"
	KeyScaleFactor      = "diffusion.scale_factor"
	KeyContextDim       = "diffusion.context_dim"
	KeyParameterization = "diffusion.parameterization"

	TensorAlphasCumprod = "alphas_cumprod"

	Architecture = "latent-diffusion"
)

// Checkpoint is what the sampler needs to know about a model.
type Checkpoint struct {
	Path             string
	Name             string
	Timesteps        int
	LinearStart      float64
	LinearEnd        float64
	BetaSchedule     diffusion.BetaSchedule
	LatentChannels   int
	DownsampleFactor int
	ScaleFactor      float64
	ContextDim       int
	Parameterization string
	// AlphasCumprod is read from the file when present, else rebuilt from
	// the beta schedule.
	AlphasCumprod []float64
	StoredTable   bool
}

// Default describes Stable Diffusion v1.
func Default() *Checkpoint {
	c := &Checkpoint{
		Name:             "stable-diffusion-v1",
		Timesteps:        1000,
		LinearStart:      0.00085,
		LinearEnd:        0.012,
		BetaSchedule:     diffusion.BetaLinear,
		LatentChannels:   4,
		DownsampleFactor: 8,
		ScaleFactor:      0.18215,
		ContextDim:       768,
		Parameterization: "eps",
	}
	c.AlphasCumprod, _ = diffusion.AlphasCumprod(c.BetaSchedule, c.Timesteps, c.LinearStart, c.LinearEnd)
	return c
}

// Load opens a checkpoint file. Missing optional keys keep their Default values.
func Load(path string) (*Checkpoint, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	c, err := FromGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	c.Path = path
	logger.Log.Debug("checkpoint loaded", "path", path, "timesteps", c.Timesteps,
		"stored_table", c.StoredTable, "parameterization", c.Parameterization)
	return c, nil
}

// FromGGUF interprets parsed GGUF metadata. Tensor data is copied out, so f
// may be closed afterwards.
func FromGGUF(f *gguf.GGUFFile) (*Checkpoint, error) {
	arch, err := f.GetString(KeyArchitecture)
	if err != nil {
		return nil, err
	}
	if arch != Architecture {
		return nil, fmt.Errorf("architecture %q is not %s", arch, Architecture)
	}

	c := Default()
	c.AlphasCumprod = nil
	if name, err := f.GetString(KeyName); err == nil {
		c.Name = name
	}

	ints := []struct {
		key string
		dst *int
	}{
		{KeyTimesteps, &c.Timesteps},
		{KeyLatentChannels, &c.LatentChannels},
		{KeyDownsample, &c.DownsampleFactor},
		{KeyContextDim, &c.ContextDim},
	}
	for _, e := range ints {
		v, err := f.GetUint(e.key)
		if err == nil {
			*e.dst = int(v)
		} else if !isMissing(err) {
			return nil, err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{KeyLinearStart, &c.LinearStart},
		{KeyLinearEnd, &c.LinearEnd},
		{KeyScaleFactor, &c.ScaleFactor},
	}
	for _, e := range floats {
		v, err := f.GetFloat(e.key)
		if err == nil {
			*e.dst = v
		} else if !isMissing(err) {
			return nil, err
		}
	}

	if s, err := f.GetString(KeyBetaSchedule); err == nil {
		c.BetaSchedule = diffusion.BetaSchedule(s)
	}
	if p, err := f.GetString(KeyParameterization); err == nil {
		c.Parameterization = p
	}

	if t, ok := f.Tensor(TensorAlphasCumprod); ok {
		ac, err := t.Float64s()
		if err != nil {
			return nil, err
		}
		c.AlphasCumprod = ac
		c.StoredTable = true
	} else {
		ac, err := diffusion.AlphasCumprod(c.BetaSchedule, c.Timesteps, c.LinearStart, c.LinearEnd)
		if err != nil {
			return nil, err
		}
		c.AlphasCumprod = ac
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func isMissing(err error) bool {
	var m gguf.ErrMissingKey
	return errors.As(err, &m)
}

func (c *Checkpoint) Validate() error {
	if c.Parameterization != "eps" {
		return fmt.Errorf("parameterization %q is not supported (want eps)", c.Parameterization)
	}
	if c.LatentChannels < 1 || c.DownsampleFactor < 1 {
		return fmt.Errorf("invalid latent geometry: %d channels, downsample %d", c.LatentChannels, c.DownsampleFactor)
	}
	if len(c.AlphasCumprod) != c.Timesteps {
		return fmt.Errorf("alphas_cumprod has %d entries for %d timesteps", len(c.AlphasCumprod), c.Timesteps)
	}
	return nil
}

// Levels builds the discrete noise-level table.
func (c *Checkpoint) Levels() (*diffusion.Levels, error) {
	return diffusion.LevelsFromAlphasCumprod(c.AlphasCumprod)
}

// Write stores c as a GGUF file. alphas_cumprod is included only when
// withTable is set.
func Write(path string, c *Checkpoint, withTable bool) error {
	w := gguf.NewWriter()
	kv := []struct {
		key   string
		value interface{}
	}{
		{KeyArchitecture, Architecture},
		{KeyName, c.Name},
		{KeyTimesteps, uint32(c.Timesteps)},
		{KeyLinearStart, float32(c.LinearStart)},
		{KeyLinearEnd, float32(c.LinearEnd)},
		{KeyBetaSchedule, string(c.BetaSchedule)},
		{KeyLatentChannels, uint32(c.LatentChannels)},
		{KeyDownsample, uint32(c.DownsampleFactor)},
		{KeyScaleFactor, float32(c.ScaleFactor)},
		{KeyContextDim, uint32(c.ContextDim)},
		{KeyParameterization, c.Parameterization},
	}
	for _, e := range kv {
		if err := w.Set(e.key, e.value); err != nil {
			return err
		}
	}
	if withTable {
		ac := make([]float32, len(c.AlphasCumprod))
		for i, v := range c.AlphasCumprod {
			ac[i] = float32(v)
		}
		if err := w.AddF32(TensorAlphasCumprod, []uint64{uint64(len(ac))}, ac); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}
