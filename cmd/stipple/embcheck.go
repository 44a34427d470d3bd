package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-stipple/internal/checkpoint"
	"github.com/23skdu/longbow-stipple/internal/config"
	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/pipeline"
)

func newEmbCheckCmd() *cobra.Command {
	var (
		check       pipeline.EmbeddingCheck
		backendKind string
		addr        string
		ckptRef     string
		warmup      bool
	)

	cmd := &cobra.Command{
		Use:   "embcheck",
		Short: "Verify a textual-inversion placeholder token survives a round trip to the model service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if check.Path == "" {
				return errors.New("--embeddings is required")
			}
			if backendKind == config.BackendRemote && addr == "" {
				return errors.New("remote backend needs --model-server")
			}
			ckpt, err := openCheckpoint(ckptRef)
			if err != nil {
				return err
			}
			svc, closeFn, err := openBackend(backendKind, addr, ckpt)
			if err != nil {
				return err
			}
			defer closeFn()

			if check.Tokenizer, err = openTokenizer(ckpt); err != nil {
				return err
			}
			check.Echo = svc
			if warmup {
				check.Warmup = svc
			}
			check.Log = logger.Log
			if err := check.Run(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Okay, if you got this far then there's no problem.")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&check.Path, "embeddings", "", "textual-inversion embeddings file")
	f.StringVar(&check.Placeholder, "placeholder", checkpoint.DefaultPlaceholder, "placeholder string to check")
	f.Int64Var(&check.Expect, "expect", 265, "expected token id")
	f.BoolVar(&warmup, "warmup", true, "encode an empty prompt before the round trip")
	f.StringVar(&backendKind, "backend", config.BackendAnalytic, "model backend: analytic or remote")
	f.StringVar(&addr, "model-server", "", "Flight model server address for the remote backend")
	f.StringVar(&ckptRef, "ckpt", "", "checkpoint file or model-store name")
	return cmd
}
