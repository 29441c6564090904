package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"case-monitor/internal/storage"
)

// Show prints monitored entities, or recent alerts with --alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show entities")
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeAlerts(os.Stdout, alerts)
	}

	entities, err := store.ListEntities(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeEntities(os.Stdout, entities)
}

func writeEntities(out io.Writer, entities []storage.MonitoredEntity) error {
	if len(entities) == 0 {
		fmt.Fprintln(out, "no entities found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTenant\tSource\tRef\tMode\tSubscription\tLast synced (UTC)")
	for _, e := range entities {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			orDash(e.TenantID),
			e.Source,
			sanitizeInline(e.ExternalRef),
			e.Mode,
			orDash(deref(e.SubscriptionID)),
			formatTime(e.LastSyncedAt),
		)
	}
	return writer.Flush()
}

func writeAlerts(out io.Writer, alerts []storage.Alert) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tRule\tScope\tSeverity\tValue\tThreshold\tDetected (UTC)\tResolved\tMessage")
	for _, alert := range alerts {
		resolved := "open"
		if !alert.Open() {
			resolved = formatTime(alert.ResolvedAt) + " by " + orDash(deref(alert.ResolvedBy))
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%.4f\t%.4f\t%s\t%s\t%s\n",
			alert.ID,
			alert.RuleID,
			orDash(alert.Scope),
			alert.Severity,
			alert.Value,
			alert.Threshold,
			alert.DetectedAt.UTC().Format(time.RFC3339),
			resolved,
			sanitizeInline(alert.Message),
		)
	}
	return writer.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
