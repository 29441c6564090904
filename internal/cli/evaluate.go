package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var evaluateScope string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate-alerts",
	Short: "Evaluate alert rules against recent telemetry",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().EvaluateAlerts(cmd.Context(), evaluateScope)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rules evaluated: %d\n", report.Evaluated)
		for _, a := range report.Opened {
			fmt.Fprintf(out, "opened    #%d %s: %s\n", a.ID, a.RuleID, a.Message)
		}
		for _, a := range report.Refreshed {
			fmt.Fprintf(out, "ongoing   #%d %s: %s\n", a.ID, a.RuleID, a.Message)
		}
		for _, a := range report.Resolved {
			fmt.Fprintf(out, "resolved  #%d %s\n", a.ID, a.RuleID)
		}
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateScope, "scope", "", "Only evaluate rules for this scope")
}
