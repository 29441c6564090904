package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"case-monitor/internal/storage"
)

const defaultExportWindow = 24 * time.Hour

// telemetryBucket aggregates telemetry over one chart interval.
type telemetryBucket struct {
	Start    time.Time
	Calls    int64
	Failures int64
	Cost     decimal.Decimal
}

func (b telemetryBucket) errorRate() float64 {
	if b.Calls == 0 {
		return 0
	}
	return float64(b.Failures) / float64(b.Calls)
}

// Export renders telemetry as CSV and/or a cost and error-rate PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)
	if opts.Bucket <= 0 {
		opts.Bucket = time.Hour
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := store.ListTelemetryBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		a.Logger.Info().Msg("no telemetry found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		downsampled := downsample(events, opts.MaxPoints)
		a.Logger.Info().Int("total", len(events)).Int("exported", len(downsampled)).Msg("exporting telemetry")
		if err := writeTelemetryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		buckets := bucketTelemetry(events, opts.Bucket)
		if err := writeTelemetryPNG(opts.PNGPath, downsample(buckets, opts.MaxPoints)); err != nil {
			return err
		}
	}

	return nil
}

func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[:1]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

// bucketTelemetry groups events into consecutive intervals, oldest first.
func bucketTelemetry(events []storage.TelemetryEvent, interval time.Duration) []telemetryBucket {
	byStart := make(map[time.Time]*telemetryBucket)
	for _, ev := range events {
		start := ev.Timestamp.UTC().Truncate(interval)
		b, ok := byStart[start]
		if !ok {
			b = &telemetryBucket{Start: start, Cost: decimal.Zero}
			byStart[start] = b
		}
		b.Calls++
		if !ev.Success {
			b.Failures++
		}
		b.Cost = b.Cost.Add(ev.Cost)
	}

	buckets := make([]telemetryBucket, 0, len(byStart))
	for _, b := range byStart {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })
	return buckets
}

func writeTelemetryCSV(path string, events []storage.TelemetryEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "kind", "scope", "entity_id", "tenant_id", "success", "error_code", "attempts", "duration_ms", "cost"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, ev := range events {
		record := []string{
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.Kind,
			ev.Scope,
			deref(ev.EntityID),
			deref(ev.TenantID),
			strconv.FormatBool(ev.Success),
			deref(ev.ErrorCode),
			strconv.Itoa(ev.Attempts),
			strconv.FormatInt(ev.Duration.Milliseconds(), 10),
			ev.Cost.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeTelemetryPNG(path string, buckets []telemetryBucket) error {
	if len(buckets) < 2 {
		return errors.New("need at least two telemetry buckets to draw a chart; widen the window or shrink --bucket")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(buckets))
	cost := make([]float64, len(buckets))
	errorRate := make([]float64, len(buckets))
	for i, b := range buckets {
		x[i] = b.Start
		cost[i] = b.Cost.InexactFloat64()
		errorRate[i] = b.errorRate() * 100
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cost",
			ValueFormatter: formatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Error rate (%)",
			ValueFormatter: formatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Cost",
				XValues: x,
				YValues: cost,
			},
			chart.TimeSeries{
				Name:    "Error rate %",
				XValues: x,
				YValues: errorRate,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
