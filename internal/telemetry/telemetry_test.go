package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"case-monitor/internal/clock"
	"case-monitor/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(scope string, ok bool, code string, at time.Time) storage.TelemetryEvent {
	ev := storage.TelemetryEvent{
		ID:        uuid.NewString(),
		Kind:      "create_subscription",
		Scope:     scope,
		Success:   ok,
		Cost:      decimal.Zero,
		Timestamp: at,
	}
	if code != "" {
		ev.ErrorCode = &code
	}
	return ev
}

func TestRecorderNeverBlocksAndCountsDrops(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := NewRecorder(RecorderOptions{BufferSize: 3}, store, zerolog.Nop())

	for i := 0; i < 5; i++ {
		rec.Record(event("tracking", true, "", epoch))
	}
	if rec.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", rec.Dropped())
	}
	if err := rec.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n := len(store.TelemetryEvents()); n != 3 {
		t.Fatalf("expected 3 persisted events, got %d", n)
	}
	if rec.Pending() != 0 {
		t.Fatalf("buffer should be empty after flush")
	}
}

func TestRecorderServeFlushesOnShutdown(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := NewRecorder(RecorderOptions{BufferSize: 100, FlushBatch: 50, FlushInterval: time.Hour}, store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Serve(ctx) }()

	for i := 0; i < 10; i++ {
		rec.Record(event("polling", true, "", epoch))
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected serve error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	if n := len(store.TelemetryEvents()); n != 10 {
		t.Fatalf("expected all 10 events persisted, got %d", n)
	}
}

func TestRecorderConcurrentRecord(t *testing.T) {
	store := storage.NewMemoryStore()
	rec := NewRecorder(RecorderOptions{BufferSize: 1000}, store, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				rec.Record(event("tracking", true, "", epoch))
			}
		}()
	}
	wg.Wait()
	if err := rec.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n := len(store.TelemetryEvents()); n != 500 {
		t.Fatalf("expected 500 events, got %d", n)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []storage.Alert
}

func (n *recordingNotifier) Send(_ context.Context, a storage.Alert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) sent() []storage.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]storage.Alert(nil), n.alerts...)
}

func TestEvaluatorAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(epoch)
	notifier := &recordingNotifier{}
	rules := []Rule{{ID: "tracking_error_rate", Metric: MetricErrorRate, Scope: "tracking", Threshold: 0.5, Window: 10 * time.Minute, Severity: "warning", MinCalls: 4}}
	eval := NewEvaluator(rules, store, notifier, clk, zerolog.Nop())

	// 3 of 4 failing: breach.
	_ = store.AppendTelemetryEvents(ctx, []storage.TelemetryEvent{
		event("tracking", false, "server_error", epoch.Add(-time.Minute)),
		event("tracking", false, "server_error", epoch.Add(-time.Minute)),
		event("tracking", false, "timeout", epoch.Add(-time.Minute)),
		event("tracking", true, "", epoch.Add(-time.Minute)),
		event("polling", false, "server_error", epoch.Add(-time.Minute)),
	})

	report, err := eval.Evaluate(ctx, "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(report.Opened) != 1 || report.Opened[0].Value != 0.75 {
		t.Fatalf("expected one opened alert at 0.75, got %+v", report)
	}

	// Still breached: refreshed, not duplicated.
	clk.Advance(time.Minute)
	report, err = eval.Evaluate(ctx, "tracking")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(report.Opened) != 0 || len(report.Refreshed) != 1 {
		t.Fatalf("expected refresh only, got %+v", report)
	}
	recent, _ := store.ListRecentAlerts(ctx, 10)
	if len(recent) != 1 {
		t.Fatalf("expected exactly one alert row, got %d", len(recent))
	}

	// Failures age out of the window: resolved automatically.
	clk.Advance(15 * time.Minute)
	report, err = eval.Evaluate(ctx, "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(report.Resolved) != 1 {
		t.Fatalf("expected auto resolution, got %+v", report)
	}
	resolved := report.Resolved[0]
	if resolved.ResolvedAt == nil || !resolved.ResolvedAt.Equal(clk.Now()) || *resolved.ResolvedBy != ResolvedByAuto {
		t.Fatalf("unexpected resolved alert %+v", resolved)
	}

	sent := notifier.sent()
	if len(sent) != 2 || !sent[0].Open() || sent[1].Open() {
		t.Fatalf("expected open then resolved notifications, got %+v", sent)
	}
}

func TestEvaluatorMinCallsSuppressesSmallSamples(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(epoch)
	rules := []Rule{{ID: "r", Metric: MetricErrorRate, Scope: "polling", Threshold: 0.1, Window: time.Hour, MinCalls: 10}}
	eval := NewEvaluator(rules, store, &recordingNotifier{}, clk, zerolog.Nop())

	_ = store.AppendTelemetryEvents(ctx, []storage.TelemetryEvent{event("polling", false, "timeout", epoch)})
	report, err := eval.Evaluate(ctx, "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(report.Opened) != 0 {
		t.Fatalf("one failure out of one call is below min_calls")
	}
}

func TestEvaluatorCircuitOpenAndCostRules(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(epoch)
	rules := []Rule{
		{ID: "open", Metric: MetricCircuitOpen, Scope: "tracking", Threshold: 1, Window: 5 * time.Minute, Severity: "critical"},
		{ID: "cost", Metric: MetricTotalCost, Scope: "", Threshold: 1, Window: time.Hour},
	}
	eval := NewEvaluator(rules, store, nil, clk, zerolog.Nop())

	paid := event("polling", true, "", epoch)
	paid.Cost = decimal.RequireFromString("0.60")
	paid2 := event("tracking", true, "", epoch)
	paid2.Cost = decimal.RequireFromString("0.40")
	_ = store.AppendTelemetryEvents(ctx, []storage.TelemetryEvent{
		event("tracking", false, "circuit_open", epoch),
		paid,
		paid2,
	})

	report, err := eval.Evaluate(ctx, "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(report.Opened) != 2 {
		t.Fatalf("expected both rules to open, got %+v", report)
	}
	for _, a := range report.Opened {
		if a.RuleID == "open" && a.Severity != "critical" {
			t.Fatalf("severity not carried: %+v", a)
		}
	}
}

func TestEvaluatorOperatorResolve(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(epoch)
	notifier := &recordingNotifier{}
	eval := NewEvaluator(nil, store, notifier, clk, zerolog.Nop())

	alert, _ := store.UpsertAlert(ctx, storage.Alert{RuleID: "r", Scope: "tracking", DetectedAt: epoch})
	resolved, err := eval.Resolve(ctx, alert.ID, "alice")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *resolved.ResolvedBy != "alice" {
		t.Fatalf("unexpected resolver %v", *resolved.ResolvedBy)
	}
	if _, err := eval.Resolve(ctx, alert.ID, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second resolve, got %v", err)
	}
	if len(notifier.sent()) != 1 {
		t.Fatalf("expected one resolution notification")
	}
}

// resolvingStore resolves the open alert right after handing it out, as an operator would between the read and the refresh.
type resolvingStore struct {
	*storage.MemoryStore
	at time.Time
}

func (s resolvingStore) FindOpenAlert(ctx context.Context, ruleID, scope string) (storage.Alert, bool, error) {
	alert, found, err := s.MemoryStore.FindOpenAlert(ctx, ruleID, scope)
	if found {
		_, _ = s.MemoryStore.ResolveAlert(ctx, alert.ID, s.at, "alice")
	}
	return alert, found, err
}

func TestEvaluatorRefreshDoesNotReopenResolvedAlert(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	clk := clock.NewFake(epoch)
	rules := []Rule{{ID: "calls", Metric: MetricCallCount, Scope: "tracking", Threshold: 1, Window: time.Hour}}
	_ = mem.AppendTelemetryEvents(ctx, []storage.TelemetryEvent{event("tracking", true, "", epoch)})

	opened, err := NewEvaluator(rules, mem, &recordingNotifier{}, clk, zerolog.Nop()).Evaluate(ctx, "")
	if err != nil || len(opened.Opened) != 1 {
		t.Fatalf("expected an opened alert, got %+v %v", opened, err)
	}

	eval := NewEvaluator(rules, resolvingStore{MemoryStore: mem, at: epoch}, &recordingNotifier{}, clk, zerolog.Nop())
	report, err := eval.Evaluate(ctx, "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(report.Refreshed) != 0 || len(report.Opened) != 0 {
		t.Fatalf("resolved alert must not be refreshed, got %+v", report)
	}
	recent, _ := mem.ListRecentAlerts(ctx, 10)
	if len(recent) != 1 || recent[0].Open() || *recent[0].ResolvedBy != "alice" {
		t.Fatalf("operator resolution must stick, got %+v", recent)
	}
}
