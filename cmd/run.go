package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/app"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the worker pool and HTTP API until interrupted",
		Long: `Connects to the broker and every configured store, then processes jobs
until SIGINT or SIGTERM. In-flight jobs get worker.drain_timeout to finish;
anything still running after that is released back to the queue.`,
		RunE: runPipeline,
	}
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, e.cfg, e.logger)
	if err != nil {
		e.logger.Error("startup failed", zap.Error(err))
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close(context.WithoutCancel(ctx))

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}
	e.logger.Info("shutdown complete")
	return nil
}
