package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/trailmail-systems/trailmail/internal/logging"
	"github.com/trailmail-systems/trailmail/internal/seeder"
)

var (
	seedScenarioFile string
	seedEndpoint     string
	seedToken        string
	seedSeed         int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate synthetic envelopes and post them to a running instance",
	Long: `seed generates realistic notification envelopes (deliveries, opens,
bounces, complaints) and posts them to the webhook endpoint. The target
instance must run with signature verification disabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New(slog.LevelInfo, "text")

		var scenario *seeder.Scenario
		var err error
		if seedScenarioFile != "" {
			scenario, err = seeder.LoadScenario(seedScenarioFile)
			if err != nil {
				return err
			}
		} else {
			if seedToken == "" {
				return fmt.Errorf("either --scenario or --token is required")
			}
			scenario = seeder.DefaultScenario(seedEndpoint, seedToken)
		}

		seed := seedSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		result, err := seeder.NewRunner(logger).Run(cmd.Context(), scenario, seed)
		if err != nil {
			return err
		}

		fmt.Printf("sent=%d accepted=%d rejected=%d\n",
			result.Sent, result.Accepted, result.Rejected)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedScenarioFile, "scenario", "", "scenario YAML file")
	seedCmd.Flags().StringVar(&seedEndpoint, "endpoint", "http://localhost:8092", "base URL of the target instance")
	seedCmd.Flags().StringVar(&seedToken, "token", "", "source webhook token")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 = time-based)")
	rootCmd.AddCommand(seedCmd)
}
