package app

import (
	"context"
	"errors"
	"time"

	"case-monitor/internal/dispatcher"
	"case-monitor/internal/storage"
	"case-monitor/internal/telemetry"
)

// DispatchOnce runs a single dispatch cycle and persists its telemetry before returning.
func (a *App) DispatchOnce(ctx context.Context) (dispatcher.CycleReport, error) {
	store, closeStore, err := a.requireStore(ctx, "dispatch")
	if err != nil {
		return dispatcher.CycleReport{}, err
	}
	defer closeStore()

	publisher, err := a.newPublisher()
	if err != nil {
		return dispatcher.CycleReport{}, err
	}
	defer publisher.Close()

	recorder := a.newRecorder(store)
	disp := a.newDispatcher(store, a.newClient(recorder), publisher)

	report, runErr := disp.RunCycle(ctx)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := recorder.Flush(flushCtx); err != nil {
		a.Logger.Error().Err(err).Msg("flush telemetry failed")
	}
	if dropped := recorder.Dropped(); dropped > 0 {
		a.Logger.Warn().Int64("dropped", dropped).Msg("telemetry events dropped during cycle")
	}
	return report, runErr
}

// EvaluateAlerts runs the alert rules once; an empty scope evaluates every rule.
func (a *App) EvaluateAlerts(ctx context.Context, scope string) (telemetry.EvaluationReport, error) {
	store, closeStore, err := a.requireStore(ctx, "evaluate alerts")
	if err != nil {
		return telemetry.EvaluationReport{}, err
	}
	defer closeStore()

	return a.newEvaluator(store).Evaluate(ctx, scope)
}

// ResolveAlert closes an open alert on behalf of an operator.
func (a *App) ResolveAlert(ctx context.Context, opts ResolveOptions) (storage.Alert, error) {
	if opts.ID <= 0 {
		return storage.Alert{}, errors.New("alert id must be positive")
	}
	store, closeStore, err := a.requireStore(ctx, "resolve alerts")
	if err != nil {
		return storage.Alert{}, err
	}
	defer closeStore()

	return a.newEvaluator(store).Resolve(ctx, opts.ID, opts.By)
}
