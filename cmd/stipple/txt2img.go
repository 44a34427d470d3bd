package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-stipple/internal/config"
	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/pipeline"
)

func newTxt2ImgCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "txt2img",
		Short: "Sample images from a text prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := cfg.Validate(); err != nil {
				return err
			}
			hm := startMonitor(ctx, cfg.MetricsAddr)

			ckpt, err := openCheckpoint(cfg.Checkpoint)
			if err != nil {
				return err
			}
			svc, closeFn, err := openBackend(cfg.GetBackend(), cfg.ModelServer, ckpt)
			if err != nil {
				return err
			}
			defer closeFn()

			r, err := pipeline.NewRunner(cfg, ckpt, modelsFor(svc), logger.Log)
			if err != nil {
				return err
			}
			plan := r.Plan()
			hm.SetSampling(plan.Kind.String(), ckpt.Name, plan.Steps())
			r.OnBatch(hm.RecordBatch)
			logger.Log.Info("sampling",
				"sampler", plan.Kind.String(),
				"steps", plan.Steps(),
				"karras", plan.Karras,
				"approximated", plan.Approximated,
				"sigma_max", plan.Sigmas[0],
			)

			res, err := r.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Your samples are ready and waiting for you here: \n%s \n\nEnjoy.\n", cfg.OutDir)
			if res.Flagged > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d image(s) were replaced by the safety placeholder.\n", res.Flagged)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Prompt, "prompt", cfg.Prompt, "the prompt to render")
	f.StringVar(&cfg.FromFile, "from-file", "", "if specified, load prompts from this file, one per line")
	f.StringVar(&cfg.OutDir, "outdir", cfg.OutDir, "dir to write results to")
	f.IntVar(&cfg.Steps, "steps", cfg.Steps, "number of sampling steps")
	f.StringVar(&cfg.Sampler, "sampler", cfg.Sampler, "sampler: lms, euler, euler_ancestral, heun, dpm2, dpm2_ancestral (k_* aliases accepted)")
	f.BoolVar(&cfg.Karras, "karras", false, "use the Karras noise schedule")
	f.StringVar(&cfg.KarrasFallback, "karras-fallback", cfg.KarrasFallback, "for samplers without discretization support: warn (approximate) or fail")
	f.Float64Var(&cfg.Rho, "rho", cfg.Rho, "Karras schedule rho")
	f.Float64Var(&cfg.Scale, "scale", cfg.Scale, "unconditional guidance scale: eps = eps(x, empty) + scale * (eps(x, cond) - eps(x, empty))")
	f.IntVar(&cfg.Height, "H", cfg.Height, "image height, in pixel space")
	f.IntVar(&cfg.Width, "W", cfg.Width, "image width, in pixel space")
	f.IntVar(&cfg.Channels, "C", cfg.Channels, "latent channels")
	f.IntVar(&cfg.Factor, "f", cfg.Factor, "downsampling factor")
	f.IntVar(&cfg.Samples, "n-samples", cfg.Samples, "how many samples to produce for each given prompt, the batch size")
	f.IntVar(&cfg.Iter, "n-iter", cfg.Iter, "sample this often")
	f.IntVar(&cfg.Rows, "n-rows", 0, "rows in the grid (default: n-samples)")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "the seed (for reproducible sampling)")
	f.BoolVar(&cfg.FixedCode, "fixed-code", false, "if enabled, uses the same starting code across samples")
	f.BoolVar(&cfg.SkipGrid, "skip-grid", false, "do not save a grid, only individual samples")
	f.BoolVar(&cfg.SkipSave, "skip-save", false, "do not save individual samples")
	f.StringVar(&cfg.Checkpoint, "ckpt", "", "checkpoint file or model-store name (default: built-in Stable Diffusion v1)")
	f.StringVar(&cfg.Backend, "backend", cfg.Backend, "model backend: analytic or remote")
	f.StringVar(&cfg.ModelServer, "model-server", "", "Flight model server address for the remote backend")
	f.BoolVar(&cfg.Safety, "safety", cfg.Safety, "run the safety checker")
	f.Float64Var(&cfg.SChurn, "s-churn", 0, "churn amount for euler, heun and dpm2")
	f.Float64Var(&cfg.STMin, "s-tmin", 0, "lowest sigma that receives churn")
	f.Float64Var(&cfg.STMax, "s-tmax", cfg.STMax, "highest sigma that receives churn")
	f.Float64Var(&cfg.SNoise, "s-noise", cfg.SNoise, "noise scale for churn and ancestral steps")
	f.IntVar(&cfg.SaveWorkers, "save-workers", 0, "concurrent PNG encoders (default: GOMAXPROCS)")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve health and Prometheus metrics on this address")
	return cmd
}
