package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"case-monitor/internal/app"
)

var (
	trackFile   string
	trackSource string
	trackTenant string
	trackDryRun bool
)

var trackCmd = &cobra.Command{
	Use:   "track [ref...]",
	Short: "Register external references for monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.TrackOptions{
			Refs:     args,
			File:     trackFile,
			Source:   trackSource,
			TenantID: trackTenant,
			DryRun:   trackDryRun,
		}

		results, err := getApp().Track(cmd.Context(), opts)
		out := cmd.OutOrStdout()
		for _, r := range results {
			status := "exists"
			switch {
			case trackDryRun:
				status = "dry-run"
			case r.Created:
				status = "created"
			}
			fmt.Fprintf(out, "%-8s %s %s %s\n", status, r.Entity.ExternalRef, r.Entity.Mode, r.Entity.ID)
		}
		return err
	},
}

func init() {
	trackCmd.Flags().StringVar(&trackFile, "file", "", "File with one reference per line (- for stdin)")
	trackCmd.Flags().StringVar(&trackSource, "source", "court", "Source system of the references")
	trackCmd.Flags().StringVar(&trackTenant, "tenant", "", "Tenant the entities belong to")
	trackCmd.Flags().BoolVar(&trackDryRun, "dry-run", false, "Print what would be registered without writing")
}
