package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelmedia/upscaled/internal/config"
	"github.com/kestrelmedia/upscaled/internal/upscaler"
	"github.com/kestrelmedia/upscaled/internal/version"
	"github.com/kestrelmedia/upscaled/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker",
	Long: `Start the worker daemon. The worker connects to the coordinator,
completes the encrypted handshake and processes assigned frame batches
until stopped.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("coordinator-url", "", "Coordinator websocket URL (ws://host:port/ws)")
	serveCmd.Flags().String("work-dir", "./work", "Scratch directory for batch processing")
	serveCmd.Flags().String("worker-id", "", "Stable worker id (default derives from hardware)")
	serveCmd.Flags().String("upscaler", "", "Upscaler binary path (default searches PATH)")

	viper.BindPFlag("worker.coordinator_url", serveCmd.Flags().Lookup("coordinator-url"))
	viper.BindPFlag("worker.work_dir", serveCmd.Flags().Lookup("work-dir"))
	viper.BindPFlag("worker.id", serveCmd.Flags().Lookup("worker-id"))
	viper.BindPFlag("upscaler.binary_path", serveCmd.Flags().Lookup("upscaler"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := os.MkdirAll(cfg.Worker.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	runner, err := upscaler.NewRunner(logger, cfg.Upscaler.BinaryPath, cfg.Upscaler.Timeout)
	if err != nil {
		return err
	}

	caps := worker.DetectCapabilities(runner.BinaryPath())
	executor := worker.NewExecutor(logger, runner, cfg.Worker.WorkDir)

	client, err := worker.NewClient(logger, cfg.Worker, caps, version.Version, executor)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker",
		slog.String("worker_id", client.WorkerID()),
		slog.String("version", version.String()),
		slog.String("coordinator", cfg.Worker.CoordinatorURL),
	)
	return client.Run(ctx)
}
