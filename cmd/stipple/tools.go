package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-stipple/internal/checkpoint"
	"github.com/23skdu/longbow-stipple/internal/diffusion"
	"github.com/23skdu/longbow-stipple/internal/gguf"
	"github.com/23skdu/longbow-stipple/internal/modelstore"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func newScheduleCmd() *cobra.Command {
	var (
		ckptRef  string
		sampler  string
		fallback string
		cfg      = diffusion.EngineConfig{Steps: 50, Rho: diffusion.DefaultRho}
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the noise levels a sampler will visit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg.Kind, err = diffusion.ParseKind(sampler); err != nil {
				return err
			}
			if cfg.Fallback, err = diffusion.ParseFallback(fallback); err != nil {
				return err
			}
			ckpt, err := openCheckpoint(ckptRef)
			if err != nil {
				return err
			}
			levels, err := ckpt.Levels()
			if err != nil {
				return err
			}
			plan, err := diffusion.PlanSchedule(levels, cfg)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "sampler %s, %d steps, karras %t, approximated %t, snapped evaluation %t\n\n",
				plan.Kind, plan.Steps(), plan.Karras, plan.Approximated, plan.Quanta != nil)
			table := newTable(w, []string{"STEP", "SIGMA", "TIMESTEP"})
			for i, s := range plan.Sigmas {
				t := "-"
				if s > 0 {
					t = formatFloat(levels.SigmaToT(s))
				}
				table.Append([]string{strconv.Itoa(i), formatFloat(s), t})
			}
			table.Render()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&ckptRef, "ckpt", "", "checkpoint file or model-store name")
	f.StringVar(&sampler, "sampler", "lms", "sampler name")
	f.IntVar(&cfg.Steps, "steps", cfg.Steps, "number of sampling steps")
	f.BoolVar(&cfg.Karras, "karras", false, "use the Karras noise schedule")
	f.StringVar(&fallback, "karras-fallback", "warn", "warn or fail for samplers without discretization support")
	f.Float64Var(&cfg.Rho, "rho", cfg.Rho, "Karras schedule rho")
	return cmd
}

func newSamplersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "samplers",
		Short: "List the available samplers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := newTable(cmd.OutOrStdout(), []string{"NAME", "ANCESTRAL", "KARRAS"})
			for _, k := range diffusion.Kinds() {
				karras := "approximated"
				if k.SupportsQuanta() {
					karras = "discretized"
				}
				table.Append([]string{k.String(), strconv.FormatBool(k.Ancestral()), karras})
			}
			table.Render()
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Show checkpoint metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := modelstore.Open()
			if err != nil {
				return err
			}
			path, err := store.Resolve(args[0])
			if err != nil {
				return err
			}

			f, err := gguf.LoadFile(path)
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			defer func() {
				_ = f.Close()
			}()

			a := gguf.NewMetadataAnalyzer(f)
			report, err := a.Analyze()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, report.String())
			for _, issue := range a.ValidateTensors() {
				fmt.Fprintln(w, "warning:", issue)
			}

			ckpt, err := checkpoint.FromGGUF(f)
			if err != nil {
				return err
			}
			levels, err := ckpt.Levels()
			if err != nil {
				return err
			}
			source := "rebuilt from " + string(ckpt.BetaSchedule) + " betas"
			if ckpt.StoredTable {
				source = "stored"
			}

			fmt.Fprintln(w)
			table := newTable(w, []string{"KEY", "VALUE"})
			table.AppendBulk([][]string{
				{"name", ckpt.Name},
				{"timesteps", strconv.Itoa(ckpt.Timesteps)},
				{"betas", fmt.Sprintf("%s [%g, %g]", ckpt.BetaSchedule, ckpt.LinearStart, ckpt.LinearEnd)},
				{"noise table", source},
				{"sigma range", fmt.Sprintf("[%s, %s]", formatFloat(levels.SigmaMin()), formatFloat(levels.SigmaMax()))},
				{"latent", fmt.Sprintf("%d channels, downsample %d, scale %g", ckpt.LatentChannels, ckpt.DownsampleFactor, ckpt.ScaleFactor)},
				{"context dim", strconv.Itoa(ckpt.ContextDim)},
				{"parameterization", ckpt.Parameterization},
			})
			table.Render()

			if keys := f.Keys("string_to_token."); len(keys) > 0 {
				fmt.Fprintln(w, "\nembeddings:", strings.Join(keys, ", "))
			}
			return nil
		},
	}
}
