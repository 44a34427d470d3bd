// Package pipeline runs text-to-image sampling end to end: prompt batches,
// conditioning, sampling, decoding, safety checking and image output.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-stipple/internal/checkpoint"
	"github.com/23skdu/longbow-stipple/internal/config"
	"github.com/23skdu/longbow-stipple/internal/diffusion"
	"github.com/23skdu/longbow-stipple/internal/imageio"
	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/metrics"
	"github.com/23skdu/longbow-stipple/internal/tensor"
)

type TextEncoder interface {
	EncodeText(ctx context.Context, prompts []string) (*tensor.Tensor, error)
}

// Decoder maps sampler latents to pixels in [-1, 1].
type Decoder interface {
	DecodeLatent(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error)
}

// SafetyChecker flags images that must not be written. Pixels are in [0, 1].
type SafetyChecker interface {
	CheckSafety(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, []bool, error)
}

type TokenEchoer interface {
	EchoToken(ctx context.Context, token int64) (int64, error)
}

// Models are the collaborators a run needs. Safety may be nil.
type Models struct {
	Predictor diffusion.EpsPredictor
	Encoder   TextEncoder
	Decoder   Decoder
	Safety    SafetyChecker
}

// Result describes what a run wrote.
type Result struct {
	ID       string
	Samples  []string
	Grid     string
	Flagged  int
	Manifest string
	Plan     *diffusion.Plan
}

// LoadPrompts returns the prompt batches for cfg: n_samples copies of the
// prompt, or the lines of the prompt file chunked by n_samples.
func LoadPrompts(cfg *config.Config) ([][]string, error) {
	if cfg.FromFile == "" {
		batch := make([]string, cfg.Samples)
		for i := range batch {
			batch[i] = cfg.Prompt
		}
		return [][]string{batch}, nil
	}

	f, err := os.Open(cfg.FromFile)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts %s: %w", cfg.FromFile, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("prompt file %s is empty", cfg.FromFile)
	}

	var batches [][]string
	for len(lines) > 0 {
		n := min(cfg.Samples, len(lines))
		batches = append(batches, lines[:n])
		lines = lines[n:]
	}
	return batches, nil
}

// Runner holds what stays fixed across the batches of one run.
type Runner struct {
	cfg    config.Config
	ckpt   *checkpoint.Checkpoint
	levels *diffusion.Levels
	engine *diffusion.Engine
	models Models
	log    *logger.Logger
	hook   BatchHook
}

// BatchHook observes every sampled batch.
type BatchHook func(images int, duration time.Duration, nonFinite int)

// NewRunner validates cfg and plans the sampling schedule once.
func NewRunner(cfg config.Config, ckpt *checkpoint.Checkpoint, models Models, log *logger.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("txt2img", "config")
		return nil, err
	}
	if log == nil {
		log = logger.Log
	}
	if models.Predictor == nil || models.Encoder == nil || models.Decoder == nil {
		return nil, errors.New("txt2img needs a noise predictor, a text encoder and a decoder")
	}
	if cfg.Channels != ckpt.LatentChannels {
		return nil, fmt.Errorf("latent channels %d do not match checkpoint %s (%d)", cfg.Channels, ckpt.Name, ckpt.LatentChannels)
	}

	levels, err := ckpt.Levels()
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", ckpt.Name, err)
	}
	ec := cfg.Engine()
	ec.Logger = log
	engine, err := diffusion.NewEngine(levels, ec)
	if err != nil {
		return nil, err
	}
	if !cfg.Safety {
		models.Safety = nil
	}
	return &Runner{cfg: cfg, ckpt: ckpt, levels: levels, engine: engine, models: models, log: log}, nil
}

func (r *Runner) Plan() *diffusion.Plan { return r.engine.Plan() }

// OnBatch registers fn to run after each batch is sampled and decoded.
func (r *Runner) OnBatch(fn BatchHook) { r.hook = fn }

// Run samples every batch n_iter times and writes the outputs.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	cfg := &r.cfg
	started := time.Now()
	batches, err := LoadPrompts(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, err
	}
	samplePath := filepath.Join(cfg.OutDir, "samples")
	if err := os.MkdirAll(samplePath, 0o755); err != nil {
		return nil, err
	}
	baseCount, err := imageio.CountEntries(samplePath)
	if err != nil {
		return nil, err
	}
	entries, err := imageio.CountEntries(cfg.OutDir)
	if err != nil {
		return nil, err
	}
	// the samples and runs directories are not grids
	reserved := 1
	if fi, err := os.Stat(filepath.Join(cfg.OutDir, "runs")); err == nil && fi.IsDir() {
		reserved++
	}
	gridCount := max(entries-reserved, 0)

	rng := rand.New(rand.NewSource(cfg.Seed))
	shape := cfg.LatentShape()
	var startCode *tensor.Tensor
	if cfg.FixedCode {
		startCode = tensor.Randn(rng, shape...)
	}

	res := &Result{ID: uuid.NewString(), Plan: r.Plan()}
	var all []image.Image
	for iter := 0; iter < cfg.Iter; iter++ {
		for bi, prompts := range batches {
			batchStart := time.Now()
			imgs, flagged, nonFinite, err := r.sampleBatch(ctx, prompts, rng, startCode)
			if err != nil {
				return nil, fmt.Errorf("iteration %d batch %d: %w", iter, bi, err)
			}
			if r.hook != nil {
				r.hook(len(imgs), time.Since(batchStart), nonFinite)
			}
			res.Flagged += flagged

			if !cfg.SkipSave {
				paths, err := imageio.SaveSamples(ctx, samplePath, baseCount, imgs, cfg.SaveWorkers)
				if err != nil {
					return nil, err
				}
				baseCount += len(paths)
				res.Samples = append(res.Samples, paths...)
			}
			if !cfg.SkipGrid {
				all = append(all, imgs...)
			}
			r.log.Info("batch done", "iteration", iter, "batch", bi, "images", len(imgs), "flagged", flagged)
		}
	}

	if !cfg.SkipGrid && len(all) > 0 {
		grid, err := imageio.Grid(all, cfg.GridRows(), cfg.GridPadding)
		if err != nil {
			return nil, err
		}
		if res.Grid, err = imageio.SaveGrid(cfg.OutDir, gridCount, grid); err != nil {
			return nil, err
		}
	}

	if cfg.WriteRunFile {
		if res.Manifest, err = writeManifest(cfg, r.ckpt, res, batches, started); err != nil {
			return nil, err
		}
	}
	r.log.Info("txt2img done", "outdir", cfg.OutDir, "samples", len(res.Samples), "grid", res.Grid, "duration", time.Since(started).String())
	return res, nil
}

func (r *Runner) sampleBatch(ctx context.Context, prompts []string, rng *rand.Rand, startCode *tensor.Tensor) ([]image.Image, int, int, error) {
	cfg := &r.cfg
	n := len(prompts)

	cond, err := r.models.Encoder.EncodeText(ctx, prompts)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("encode prompts: %w", err)
	}
	var uncond *tensor.Tensor
	if cfg.Scale != 1 {
		empty := make([]string, n)
		if uncond, err = r.models.Encoder.EncodeText(ctx, empty); err != nil {
			return nil, 0, 0, fmt.Errorf("encode empty prompt: %w", err)
		}
	}

	model := &diffusion.EpsModel{Predictor: r.models.Predictor, Levels: r.levels}
	den, err := diffusion.NewGuidedDenoiser(model, uncond, cond, cfg.Scale)
	if err != nil {
		return nil, 0, 0, err
	}

	var x *tensor.Tensor
	if startCode != nil {
		x = startCode.Slice(0, n)
	} else {
		shape := cfg.LatentShape()
		shape[0] = n
		x = tensor.Randn(rng, shape...)
	}
	x.Scale(r.engine.InitialSigma())

	z, err := r.engine.Sample(ctx, den, x, rng, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	nan, inf := z.CountNonFinite()

	px, err := r.models.Decoder.DecodeLatent(ctx, z)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode latents: %w", err)
	}
	for i, v := range px.Data {
		px.Data[i] = (v + 1) / 2
	}
	px.Clamp(0, 1)

	var flags []bool
	if r.models.Safety != nil {
		if px, flags, err = r.models.Safety.CheckSafety(ctx, px); err != nil {
			return nil, 0, 0, fmt.Errorf("safety check: %w", err)
		}
		if len(flags) != px.Batch() {
			return nil, 0, 0, fmt.Errorf("safety checker returned %d flags for %d images", len(flags), px.Batch())
		}
	}

	imgs := make([]image.Image, px.Batch())
	flagged := 0
	for i := range imgs {
		if flags != nil && flags[i] {
			imgs[i] = imageio.Placeholder(px.Shape[3], px.Shape[2])
			flagged++
			continue
		}
		img, err := imageio.ToRGBA(px, i)
		if err != nil {
			return nil, 0, 0, err
		}
		imgs[i] = img
	}
	metrics.RecordSafetyFlagged(flagged)
	return imgs, flagged, nan + inf, nil
}
