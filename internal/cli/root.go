package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trailmail",
	Short: "Trailmail email event ingestion service",
	Long: `trailmail receives push-delivered email event notifications,
verifies their transport envelopes, normalizes the event payloads,
and persists them idempotently.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
}
