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
	"github.com/kestrelmedia/upscaled/internal/coordinator"
	"github.com/kestrelmedia/upscaled/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator",
	Long: `Start the coordinator daemon.

The coordinator provides:
- REST API for job submission and control
- WebSocket endpoint for worker connections
- Prometheus metrics at /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind the API to")
	serveCmd.Flags().Int("port", 8080, "API port")
	serveCmd.Flags().Int("transport-port", 8090, "Worker transport port")
	serveCmd.Flags().String("work-dir", "./data", "Work directory for job files")
	serveCmd.Flags().String("database", "upscaled.db", "Job history database path")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("transport.port", serveCmd.Flags().Lookup("transport-port"))
	viper.BindPFlag("storage.work_dir", serveCmd.Flags().Lookup("work-dir"))
	viper.BindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	coord, err := coordinator.New(logger, &cfg, version.Version)
	if err != nil {
		return fmt.Errorf("initializing coordinator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting coordinator", slog.String("version", version.String()))
	return coord.Run(ctx)
}
