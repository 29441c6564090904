package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"case-monitor/internal/app"
)

var resolveBy string

var resolveCmd = &cobra.Command{
	Use:   "resolve-alert <id>",
	Short: "Resolve an open alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid alert id %q: %w", args[0], err)
		}

		alert, err := getApp().ResolveAlert(cmd.Context(), app.ResolveOptions{ID: id, By: resolveBy})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "alert #%d (%s) resolved by %s\n", alert.ID, alert.RuleID, resolveBy)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveBy, "by", "operator", "Who resolved the alert")
}
