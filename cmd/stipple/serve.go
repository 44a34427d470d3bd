package main

import (
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-stipple/internal/arrowrpc"
	"github.com/23skdu/longbow-stipple/internal/logger"
)

func newServeCmd() *cobra.Command {
	var addr, ckptRef, metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analytic backend over Arrow Flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			hm := startMonitor(ctx, metricsAddr)

			ckpt, err := openCheckpoint(ckptRef)
			if err != nil {
				return err
			}
			a, err := analyticBackend(ckpt)
			if err != nil {
				return err
			}
			srv, err := arrowrpc.Listen(addr, a, logger.Log)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve() }()
			hm.SetSampling("", ckpt.Name, 0)
			logger.Log.Info("model server listening", "addr", srv.Addr().String(), "checkpoint", ckpt.Name)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Log.Info("shutting down model server")
				srv.Shutdown()
				return nil
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "localhost:3000", "listen address")
	f.StringVar(&ckptRef, "ckpt", "", "checkpoint file or model-store name")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve health and Prometheus metrics on this address")
	return cmd
}
