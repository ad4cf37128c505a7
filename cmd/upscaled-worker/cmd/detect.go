package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelmedia/upscaled/internal/worker"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Print the detected hardware capabilities",
	Long: `Inspect the host and print the capability descriptor this worker
would report to the coordinator, as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		caps := worker.DetectCapabilities(viper.GetString("upscaler.binary_path"))

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(caps); err != nil {
			return fmt.Errorf("encoding capabilities: %w", err)
		}
		fmt.Fprintln(os.Stdout, "worker id:", worker.DeriveWorkerID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
