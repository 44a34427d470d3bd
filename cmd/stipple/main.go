package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/monitoring"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel, logFormat string

	root := &cobra.Command{
		Use:           "stipple",
		Short:         "Text-to-image latent diffusion sampling",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(logLevel, logFormat)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	cobra.EnableCommandSorting = false
	root.AddCommand(
		newTxt2ImgCmd(),
		newScheduleCmd(),
		newSamplersCmd(),
		newInspectCmd(),
		newEmbCheckCmd(),
		newServeCmd(),
	)
	return root
}

// startMonitor serves health and metrics endpoints on addr until ctx is
// done. Empty addr leaves the monitor unserved.
func startMonitor(ctx context.Context, addr string) *monitoring.HealthMonitor {
	hm := monitoring.NewHealthMonitor(logger.Log)
	if addr == "" {
		return hm
	}
	hm.Start(addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hm.Stop(shutdownCtx)
	}()
	return hm
}
