package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one dispatch cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().DispatchOnce(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if report.Skipped {
			fmt.Fprintln(out, "cycle skipped: another dispatcher holds the lock")
			return nil
		}
		fmt.Fprintf(out, "due: %d\ntracked: %d\npromoted: %d\ndemoted: %d\nfell back: %d\npolled: %d\npoll failed: %d\nmovements: %d\nfailed: %d\ntook: %s\n",
			report.Due, report.Tracked, report.Promoted, report.Demoted, report.FellBack,
			report.Polled, report.PollFailed, report.Movements, report.Failed,
			report.CompletedAt.Sub(report.StartedAt))
		return nil
	},
}
