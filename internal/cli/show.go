package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"citypulse/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the monitoring overview",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), cmd.OutOrStdout())
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Rank tracked sources by reliability",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Report(cmd.Context(), cmd.OutOrStdout())
	},
}

var (
	alertsHours int
	alertsLimit int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if alertsHours <= 0 {
			return fmt.Errorf("--hours must be greater than zero")
		}

		opts := app.ShowOptions{
			Hours: alertsHours,
			Limit: alertsLimit,
		}

		return getApp().Alerts(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

var resetSourceID string

var resetSourceCmd = &cobra.Command{
	Use:   "reset-source",
	Short: "Forget the health history of one source",
	RunE: func(cmd *cobra.Command, args []string) error {
		if resetSourceID == "" {
			return fmt.Errorf("--id must be provided")
		}
		return getApp().ResetSource(cmd.Context(), cmd.OutOrStdout(), resetSourceID)
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsHours, "hours", 24, "Look-back window in hours")
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")

	resetSourceCmd.Flags().StringVar(&resetSourceID, "id", "", "Source identifier to reset")
}
