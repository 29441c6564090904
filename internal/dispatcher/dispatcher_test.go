package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"case-monitor/internal/clock"
	"case-monitor/internal/provider"
	"case-monitor/internal/resilience"
	"case-monitor/internal/storage"
	"case-monitor/internal/telemetry"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeProvider serves the provider API. Searches are pending on the first poll and complete on the
// second with two movements, one carrying an id and one without.
type fakeProvider struct {
	mu             sync.Mutex
	creates        int
	createStatus   int
	idemKeys       map[string]string
	subscriptions  []provider.Subscription
	polls          map[string]int
	listCalls      int
	searchRequests int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{idemKeys: map[string]string{}, polls: map[string]int{}}
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/tracking/subscriptions":
		f.creates++
		if f.createStatus != 0 {
			w.WriteHeader(f.createStatus)
			_, _ = w.Write([]byte(`{"code":"unsupported","message":"reference not trackable"}`))
			return
		}
		var body struct {
			ExternalRef string `json:"externalRef"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.idemKeys[body.ExternalRef] = r.Header.Get("Idempotency-Key")
		sub := provider.Subscription{ID: "sub-" + body.ExternalRef, ExternalRef: body.ExternalRef, Status: "active"}
		f.subscriptions = append(f.subscriptions, sub)
		_ = json.NewEncoder(w).Encode(sub)

	case r.Method == http.MethodGet && r.URL.Path == "/tracking/subscriptions":
		f.listCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{"items": f.subscriptions})

	case r.Method == http.MethodPost && r.URL.Path == "/searches":
		f.searchRequests++
		var body struct {
			ExternalRef string `json:"externalRef"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{"requestId": "req-" + body.ExternalRef})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/searches/"):
		id := strings.TrimPrefix(r.URL.Path, "/searches/")
		f.polls[id]++
		if f.polls[id] == 1 {
			_, _ = w.Write([]byte(fmt.Sprintf(`{"id":%q,"status":"pending"}`, id)))
			return
		}
		ref := strings.TrimPrefix(id, "req-")
		_, _ = w.Write([]byte(fmt.Sprintf(`{"id":%q,"status":"completed","data":{"movements":[`+
			`{"id":"mv-%s-1","date":"2026-02-20T10:00:00Z","type":"decision","description":"judgment"},`+
			`{"date":"2026-02-21T10:00:00Z","type":"hearing"}]}}`, id, ref)))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeProvider) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type captureRecorder struct {
	mu     sync.Mutex
	events []storage.TelemetryEvent
}

func (r *captureRecorder) Record(ev storage.TelemetryEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *captureRecorder) countBy(kind string, success bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind && ev.Success == success {
			n++
		}
	}
	return n
}

type capturePublisher struct {
	mu    sync.Mutex
	moves []storage.Movement
}

func (p *capturePublisher) PublishMovement(_ context.Context, _ storage.MonitoredEntity, mv storage.Movement) error {
	p.mu.Lock()
	p.moves = append(p.moves, mv)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) Close() {}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.moves)
}

type fixture struct {
	store     *storage.MemoryStore
	clock     *clock.Fake
	client    *provider.Client
	recorder  *captureRecorder
	publisher *capturePublisher
	server    *fakeProvider
}

func newFixture(t *testing.T, recorder provider.Recorder) fixture {
	t.Helper()
	server := newFakeProvider()
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	clk := clock.NewFake(epoch)
	store := storage.NewMemoryStore()
	store.SetNow(clk.Now)

	capture := &captureRecorder{}
	if recorder == nil {
		recorder = capture
	}
	breaker := resilience.BreakerSettings{FailureThreshold: 5, Cooldown: 24 * time.Hour}
	tracking := breaker
	tracking.Name = "tracking"
	polling := breaker
	polling.Name = "polling"

	client := provider.New(provider.Options{
		BaseURL:    srv.URL,
		Token:      "token",
		Timeout:    5 * time.Second,
		BatchLimit: 4,
		Retry: resilience.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    time.Second,
			Jitter:      func(int64) int64 { return 0 },
		},
		Clock: clk,
	}, provider.Dependencies{
		Tracking: resilience.NewCircuitBreaker(tracking, clk),
		Polling:  resilience.NewCircuitBreaker(polling, clk),
		Recorder: recorder,
	}, zerolog.Nop())

	return fixture{store: store, clock: clk, client: client, recorder: capture, publisher: &capturePublisher{}, server: server}
}

func (f fixture) dispatcher(client ProviderClient, tweak func(*Options)) *Dispatcher {
	opts := Options{
		BatchSize:          500,
		Concurrency:        1,
		MonitoringInterval: time.Hour,
		Reconcile:          true,
		Poll:               provider.PollPolicy{Interval: time.Second, MaxInterval: 4 * time.Second, MaxTotalWait: time.Minute},
	}
	if tweak != nil {
		tweak(&opts)
	}
	return New(opts, f.store, client, f.publisher, f.clock, zerolog.Nop())
}

func seed(t *testing.T, store *storage.MemoryStore, n int, mode storage.MonitoringMode) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("ent-%03d", i)
		ids[i] = id
		if err := store.UpsertEntity(context.Background(), storage.MonitoredEntity{
			ID:          id,
			ExternalRef: fmt.Sprintf("ref-%03d", i),
			Source:      "tjsp",
			Mode:        mode,
			TenantID:    "tenant-1",
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return ids
}

// openAfter forces the tracking breaker open once `after` subscriptions have succeeded.
type openAfter struct {
	*provider.Client
	after     int
	succeeded int
}

func (o *openAfter) CreateSubscription(ctx context.Context, ref, key string) (string, error) {
	id, err := o.Client.CreateSubscription(ctx, ref, key)
	if err == nil {
		o.succeeded++
		if o.succeeded == o.after {
			o.Client.Breaker(provider.FamilyTracking).ForceOpen()
		}
	}
	return id, err
}

func TestRunCycleEndToEndWithTrackingOutage(t *testing.T) {
	store := storage.NewMemoryStore()
	recorder := telemetry.NewRecorder(telemetry.RecorderOptions{BufferSize: 10000}, store, zerolog.Nop())
	f := newFixture(t, recorder)
	f.store = store
	store.SetNow(f.clock.Now)
	seed(t, store, 200, storage.ModeUnassigned)

	d := f.dispatcher(&openAfter{Client: f.client, after: 150}, nil)
	report, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Due != 200 || report.Promoted != 150 || report.FellBack != 50 || report.Polled != 50 {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.server.createCount() != 150 {
		t.Fatalf("open circuit must not reach the provider, creates=%d", f.server.createCount())
	}

	entities, err := store.ListEntities(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var tracking, polling int
	for _, e := range entities {
		if e.LastSyncedAt == nil || !e.LastSyncedAt.Equal(epoch) {
			t.Fatalf("entity %s last synced %v, want %v", e.ID, e.LastSyncedAt, epoch)
		}
		switch e.Mode {
		case storage.ModeTracking:
			if !e.HasSubscription() {
				t.Fatalf("tracked entity %s without subscription", e.ID)
			}
			tracking++
		case storage.ModePolling:
			if e.SubscriptionID != nil {
				t.Fatalf("polling entity %s kept a subscription", e.ID)
			}
			polling++
		default:
			t.Fatalf("entity %s left in mode %s", e.ID, e.Mode)
		}
	}
	if tracking != 150 || polling != 50 {
		t.Fatalf("tracking=%d polling=%d", tracking, polling)
	}

	if err := recorder.Flush(context.Background()); err != nil {
		t.Fatalf("flush telemetry: %v", err)
	}
	counts := map[string]int{}
	withEntity := 0
	for _, ev := range store.TelemetryEvents() {
		counts[ev.Kind]++
		if ev.EntityID != nil {
			withEntity++
		}
	}
	if counts[provider.KindCreateSubscription] != 200 {
		t.Fatalf("expected 200 subscription events, got %d", counts[provider.KindCreateSubscription])
	}
	if counts[provider.KindSubmitSearch] != 50 || counts[provider.KindPollResult] != 100 {
		t.Fatalf("expected 50 submits and 100 polls, got %v", counts)
	}
	if withEntity != 350 {
		t.Fatalf("every event should be tagged with its entity, got %d", withEntity)
	}

	if store.MovementCount() != 100 || report.Movements != 100 || f.publisher.count() != 100 {
		t.Fatalf("expected 100 movements stored and published, got store=%d report=%d published=%d",
			store.MovementCount(), report.Movements, f.publisher.count())
	}
}

func TestRunCycleFallsBackWhenTrackingCircuitOpen(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f.store, 3, storage.ModeUnassigned)
	f.client.Breaker(provider.FamilyTracking).ForceOpen()

	report, err := f.dispatcher(f.client, nil).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.FellBack != 3 || report.Failed != 0 || report.Polled != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.server.createCount() != 0 {
		t.Fatalf("no subscription request should be sent")
	}
	for _, id := range []string{"ent-000", "ent-001", "ent-002"} {
		e, _ := f.store.GetEntity(context.Background(), id)
		if e.Mode != storage.ModePolling || e.LastSyncedAt == nil {
			t.Fatalf("entity %s: %+v", id, e)
		}
	}
	if got := f.recorder.countBy(provider.KindCreateSubscription, false); got != 3 {
		t.Fatalf("circuit-open attempts still produce telemetry, got %d", got)
	}
}

func TestRunCycleTerminalErrorStillSyncs(t *testing.T) {
	f := newFixture(t, nil)
	f.server.createStatus = http.StatusUnprocessableEntity
	seed(t, f.store, 1, storage.ModeUnassigned)

	report, err := f.dispatcher(f.client, nil).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Failed != 1 || report.FellBack != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.server.createCount() != 1 {
		t.Fatalf("terminal errors are not retried, creates=%d", f.server.createCount())
	}
	if f.client.Breaker(provider.FamilyTracking).Snapshot().State != resilience.StateClosed {
		t.Fatalf("terminal error must not trip the breaker")
	}
	e, _ := f.store.GetEntity(context.Background(), "ent-000")
	if e.Mode != storage.ModePolling || e.LastSyncedAt == nil || !e.LastSyncedAt.Equal(epoch) {
		t.Fatalf("unexpected entity %+v", e)
	}

	// Not due again until the monitoring interval passes.
	f.clock.Advance(30 * time.Minute)
	report, err = f.dispatcher(f.client, nil).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if report.Due != 0 || f.server.createCount() != 1 {
		t.Fatalf("entity should not be retried before it is stale, report=%+v", report)
	}
}

func TestRunCyclePromotesPollingEntityOnceTrackingRecovers(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f.store, 1, storage.ModePolling)

	report, err := f.dispatcher(f.client, nil).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Promoted != 1 || report.Polled != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	e, _ := f.store.GetEntity(context.Background(), "ent-000")
	if e.Mode != storage.ModeTracking || *e.SubscriptionID != "sub-ref-000" {
		t.Fatalf("unexpected entity %+v", e)
	}
	if key := f.server.idemKeys["ref-000"]; key != "sub:ent-000" {
		t.Fatalf("unexpected idempotency key %q", key)
	}
}

func TestRunCycleReconcilesMissingSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	old := epoch.Add(-2 * time.Hour)
	for _, e := range []storage.MonitoredEntity{
		{ID: "kept", ExternalRef: "ref-kept", Mode: storage.ModeTracking, SubscriptionID: strPtr("sub-ref-kept"), LastSyncedAt: &old, TenantID: "t"},
		{ID: "gone", ExternalRef: "ref-gone", Mode: storage.ModeTracking, SubscriptionID: strPtr("sub-vanished"), LastSyncedAt: &old, TenantID: "t"},
	} {
		if err := f.store.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	f.server.subscriptions = []provider.Subscription{{ID: "sub-ref-kept", ExternalRef: "ref-kept", Status: "active"}}

	report, err := f.dispatcher(f.client, nil).RunCycle(ctx)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Tracked != 1 || report.Demoted != 1 || report.Promoted != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.server.listCalls != 1 {
		t.Fatalf("subscriptions should be listed once per cycle, got %d", f.server.listCalls)
	}

	gone, _ := f.store.GetEntity(ctx, "gone")
	if gone.Mode != storage.ModeTracking || *gone.SubscriptionID != "sub-ref-gone" {
		t.Fatalf("vanished subscription should be recreated, got %+v", gone)
	}
	if key := f.server.idemKeys["ref-gone"]; key != "sub:gone:sub-vanished" {
		t.Fatalf("recreation needs a fresh idempotency key, got %q", key)
	}
	kept, _ := f.store.GetEntity(ctx, "kept")
	if !kept.LastSyncedAt.Equal(epoch) || *kept.SubscriptionID != "sub-ref-kept" {
		t.Fatalf("healthy subscription should only be touched, got %+v", kept)
	}
}

func TestRunCyclePollingIsIdempotentAcrossCycles(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f.store, 2, storage.ModePolling)
	f.client.Breaker(provider.FamilyTracking).ForceOpen()
	d := f.dispatcher(f.client, func(o *Options) { o.Concurrency = 4 })

	first, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if first.Movements != 4 {
		t.Fatalf("expected 4 new movements, got %+v", first)
	}

	f.server.mu.Lock()
	f.server.polls = map[string]int{}
	f.server.mu.Unlock()
	f.clock.Advance(2 * time.Hour)

	second, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.Polled != 2 || second.Movements != 0 {
		t.Fatalf("re-polled movements must be deduplicated, got %+v", second)
	}
	if f.store.MovementCount() != 4 || f.publisher.count() != 4 {
		t.Fatalf("store=%d published=%d", f.store.MovementCount(), f.publisher.count())
	}

	mvs, _ := f.store.ListMovements(context.Background(), "ent-000", 10)
	keys := map[string]bool{}
	for _, mv := range mvs {
		keys[mv.IdempotencyKey] = true
		if mv.Source != storage.SourcePoll {
			t.Fatalf("unexpected source %s", mv.Source)
		}
	}
	if !keys["evt:mv-ref-000-1"] {
		t.Fatalf("provider id should be the key, got %v", keys)
	}
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f.store, 1, storage.ModeUnassigned)
	unlock, ok, err := f.store.TryAdvisoryLock(context.Background(), 42)
	if err != nil || !ok {
		t.Fatalf("lock: ok=%v err=%v", ok, err)
	}
	defer unlock()

	report, err := f.dispatcher(f.client, func(o *Options) { o.LockKey = 42 }).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !report.Skipped || f.server.createCount() != 0 {
		t.Fatalf("cycle should be skipped, got %+v", report)
	}
}

func TestRunCycleStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f.store, 5, storage.ModeUnassigned)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.dispatcher(f.client, nil).RunCycle(ctx)
	if err == nil {
		t.Fatal("cancelled cycle should report the context error")
	}
	if f.server.createCount() != 0 {
		t.Fatalf("cancelled cycle sent %d requests", f.server.createCount())
	}
}

func strPtr(s string) *string { return &s }
