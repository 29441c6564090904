package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"case-monitor/internal/metrics"
	"case-monitor/internal/storage"
)

// RecorderOptions size the buffer and flush cadence.
type RecorderOptions struct {
	BufferSize    int
	FlushInterval time.Duration
	FlushBatch    int
}

// Recorder buffers telemetry and persists it in batches off the caller's path.
type Recorder struct {
	store   storage.TelemetryStore
	logger  zerolog.Logger
	events  chan storage.TelemetryEvent
	opts    RecorderOptions
	dropped atomic.Int64
}

// NewRecorder creates a recorder. Call Serve (or Flush) to persist buffered events.
func NewRecorder(opts RecorderOptions, store storage.TelemetryStore, logger zerolog.Logger) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.FlushBatch <= 0 {
		opts.FlushBatch = 256
	}
	return &Recorder{
		store:  store,
		logger: logger.With().Str("component", "telemetry_recorder").Logger(),
		events: make(chan storage.TelemetryEvent, opts.BufferSize),
		opts:   opts,
	}
}

// Record enqueues an event. It never blocks; a full buffer drops the event.
func (r *Recorder) Record(event storage.TelemetryEvent) {
	select {
	case r.events <- event:
	default:
		n := r.dropped.Add(1)
		metrics.TelemetryDropped.Inc()
		if n == 1 || n%1000 == 0 {
			r.logger.Warn().Int64("dropped_total", n).Str("kind", event.Kind).Msg("telemetry buffer full, dropping event")
		}
	}
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Pending returns the number of buffered events.
func (r *Recorder) Pending() int {
	return len(r.events)
}

// Serve drains the buffer until ctx is cancelled, then flushes what is left.
func (r *Recorder) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]storage.TelemetryEvent, 0, r.opts.FlushBatch)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.write(flushCtx, batch)
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Error().Err(err).Msg("final telemetry flush failed")
			}
			cancel()
			return ctx.Err()
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.opts.FlushBatch {
				r.write(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.write(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// Flush synchronously persists everything currently buffered.
func (r *Recorder) Flush(ctx context.Context) error {
	for {
		batch := r.drain(r.opts.FlushBatch)
		if len(batch) == 0 {
			return nil
		}
		if err := r.store.AppendTelemetryEvents(ctx, batch); err != nil {
			metrics.TelemetryFlushErrors.Inc()
			return err
		}
	}
}

func (r *Recorder) drain(max int) []storage.TelemetryEvent {
	batch := make([]storage.TelemetryEvent, 0, max)
	for len(batch) < max {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) write(ctx context.Context, batch []storage.TelemetryEvent) {
	if len(batch) == 0 {
		return
	}
	out := make([]storage.TelemetryEvent, len(batch))
	copy(out, batch)
	if err := r.store.AppendTelemetryEvents(ctx, out); err != nil {
		metrics.TelemetryFlushErrors.Inc()
		r.logger.Error().Err(err).Int("events", len(out)).Msg("persist telemetry batch failed")
	}
}

// String names the service for supervision.
func (r *Recorder) String() string {
	return "telemetry-recorder"
}
