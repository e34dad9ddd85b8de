package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"citypulse/internal/app"
)

var (
	simulateSource      string
	simulateFailures    int
	simulateReliability float64
	simulateSilentFor   time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Feed a made-up source status to the alert engine and deliver the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateReliability < 0 || simulateReliability > 1 {
			return errors.New("--reliability must be within [0, 1]")
		}
		if simulateFailures < 0 || simulateSilentFor < 0 {
			return errors.New("--failures and --silent-for must not be negative")
		}

		return getApp().SimulateAlert(cmd.Context(), cmd.OutOrStdout(), app.SimulateOptions{
			SourceID:            simulateSource,
			ConsecutiveFailures: simulateFailures,
			Reliability:         simulateReliability,
			SilentFor:           simulateSilentFor,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", "", "Source identifier used in the alert")
	simulateCmd.Flags().IntVar(&simulateFailures, "failures", 5, "Consecutive failures of the simulated source")
	simulateCmd.Flags().Float64Var(&simulateReliability, "reliability", 0.5, "Reliability score of the simulated source")
	simulateCmd.Flags().DurationVar(&simulateSilentFor, "silent-for", 0, "Time since the simulated source last delivered data")
}
