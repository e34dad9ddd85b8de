package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"citypulse/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var (
	cycleCount    int
	cycleInterval time.Duration
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run monitoring cycles once and persist the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cycleCount <= 0 {
			return fmt.Errorf("--count must be greater than zero")
		}
		if cycleInterval < 0 {
			return fmt.Errorf("--interval must not be negative")
		}
		return getApp().Cycle(cmd.Context(), cmd.OutOrStdout(), app.CycleOptions{
			Count:    cycleCount,
			Interval: cycleInterval,
		})
	},
}

func init() {
	cycleCmd.Flags().IntVar(&cycleCount, "count", 1, "Number of cycles to run")
	cycleCmd.Flags().DurationVar(&cycleInterval, "interval", 0, "Pause between consecutive cycles")
}
