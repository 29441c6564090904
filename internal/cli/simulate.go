package cli

import (
	"github.com/spf13/cobra"
)

var (
	simulateRule  string
	simulateValue float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateRule, simulateValue)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRule, "rule", "", "Rule id to simulate (defaults to the first configured rule)")
	simulateCmd.Flags().Float64Var(&simulateValue, "value", 1, "Metric value to report")
}
