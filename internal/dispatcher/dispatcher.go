package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"case-monitor/internal/bus"
	"case-monitor/internal/clock"
	"case-monitor/internal/metrics"
	"case-monitor/internal/provider"
	"case-monitor/internal/storage"
)

// ProviderClient is the slice of the provider client the dispatcher drives.
type ProviderClient interface {
	CreateSubscription(ctx context.Context, ref, idempotencyKey string) (string, error)
	ListSubscriptions(ctx context.Context) ([]provider.Subscription, error)
	SearchBatchFor(ctx context.Context, reqs []provider.SearchRequest) []provider.BatchResult
	PollForResult(ctx context.Context, requestID string, policy provider.PollPolicy) (provider.SearchResult, error)
}

// Store is the persistence the dispatcher needs.
type Store interface {
	storage.EntityStore
	storage.MovementStore
}

// Options tune a dispatch cycle.
type Options struct {
	BatchSize          int
	Concurrency        int
	MonitoringInterval time.Duration
	Reconcile          bool
	LockKey            int64
	Poll               provider.PollPolicy
}

// Dispatcher moves monitored entities between tracking and polling and syncs the ones that come due.
type Dispatcher struct {
	opts      Options
	store     Store
	client    ProviderClient
	publisher bus.Publisher
	locker    storage.AdvisoryLocker
	clock     clock.Clock
	logger    zerolog.Logger
}

// New constructs a dispatcher. A nil publisher discards movements.
func New(opts Options, store Store, client ProviderClient, publisher bus.Publisher, clk clock.Clock, logger zerolog.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.MonitoringInterval <= 0 {
		opts.MonitoringInterval = 6 * time.Hour
	}
	if publisher == nil {
		publisher = bus.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Dispatcher{
		opts:      opts,
		store:     store,
		client:    client,
		publisher: publisher,
		locker:    locker,
		clock:     clk,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// CycleReport summarises one dispatch cycle.
type CycleReport struct {
	Skipped     bool
	Due         int
	Tracked     int
	Promoted    int
	Demoted     int
	FellBack    int
	Polled      int
	PollFailed  int
	Movements   int
	Failed      int
	Touched     int
	StartedAt   time.Time
	CompletedAt time.Time
}

type cycleState struct {
	mu     sync.Mutex
	report CycleReport
	now    time.Time
}

func (s *cycleState) add(fn func(r *CycleReport)) {
	s.mu.Lock()
	fn(&s.report)
	s.mu.Unlock()
}

// RunCycle runs one dispatch cycle. It is safe to invoke concurrently: work is claimed through the
// due-for-sync query and every write is idempotent. The advisory lock only avoids duplicated effort.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleReport, error) {
	start := d.clock.Now()

	unlock, proceed, err := d.acquireLock(ctx)
	if err != nil {
		metrics.RecordDispatchCycle("error", d.clock.Now().Sub(start))
		return CycleReport{}, err
	}
	if !proceed {
		d.logger.Debug().Msg("skip dispatch cycle because advisory lock held elsewhere")
		metrics.RecordDispatchCycle("skipped", d.clock.Now().Sub(start))
		return CycleReport{Skipped: true, StartedAt: start, CompletedAt: start}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	report, err := d.executeCycle(ctx, start)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordDispatchCycle(result, d.clock.Now().Sub(start))
	return report, err
}

func (d *Dispatcher) executeCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	due, err := d.store.FindEntitiesDueForSync(ctx, now.Add(-d.opts.MonitoringInterval), d.opts.BatchSize)
	if err != nil {
		return CycleReport{}, fmt.Errorf("load due entities: %w", err)
	}
	state := &cycleState{now: now}
	state.report.StartedAt = now
	state.report.Due = len(due)
	if len(due) == 0 {
		state.report.CompletedAt = d.clock.Now()
		return state.report, nil
	}

	var tracking, ensure []storage.MonitoredEntity
	for _, e := range due {
		switch e.Mode {
		case storage.ModeTracking:
			tracking = append(tracking, e)
		case storage.ModeUnassigned, storage.ModePolling:
			ensure = append(ensure, e)
		default:
			d.logger.Warn().Str("entity_id", e.ID).Str("mode", string(e.Mode)).Msg("unknown monitoring mode, treating as unassigned")
			e.Mode = storage.ModeUnassigned
			ensure = append(ensure, e)
		}
	}

	healthy, missing := d.reconcile(ctx, tracking)
	for _, e := range healthy {
		if err := d.store.TouchEntity(ctx, e.ID, now); err != nil {
			d.logger.Error().Err(err).Str("entity_id", e.ID).Msg("touch tracked entity failed")
			continue
		}
		state.add(func(r *CycleReport) { r.Tracked++; r.Touched++ })
		metrics.DispatchEntities.WithLabelValues(string(storage.ModeTracking)).Inc()
	}
	keys := make(map[string]string, len(missing))
	for i := range missing {
		old := deref(missing[i].SubscriptionID)
		d.logger.Warn().Str("entity_id", missing[i].ID).Str("subscription_id", old).Msg("subscription missing at provider, re-ensuring tracking")
		keys[missing[i].ID] = subscriptionKey(missing[i].ID, old)
		missing[i].Mode = storage.ModeUnassigned
		missing[i].SubscriptionID = nil
		state.add(func(r *CycleReport) { r.Demoted++ })
	}
	ensure = append(ensure, missing...)

	fallback := d.ensureTracking(ctx, state, ensure, keys)
	if ctx.Err() != nil {
		return d.finish(state), ctx.Err()
	}
	d.pollEntities(ctx, state, fallback)

	report := d.finish(state)
	d.logger.Info().
		Int("due", report.Due).
		Int("tracked", report.Tracked).
		Int("promoted", report.Promoted).
		Int("demoted", report.Demoted).
		Int("fell_back", report.FellBack).
		Int("polled", report.Polled).
		Int("poll_failed", report.PollFailed).
		Int("movements", report.Movements).
		Dur("took", report.CompletedAt.Sub(report.StartedAt)).
		Msg("dispatch cycle complete")
	return report, ctx.Err()
}

func (d *Dispatcher) finish(state *cycleState) CycleReport {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.report.CompletedAt = d.clock.Now()
	return state.report
}

// reconcile splits tracked entities into those whose subscription the provider still lists and
// those it no longer knows. When the listing fails every entity is kept as is.
func (d *Dispatcher) reconcile(ctx context.Context, tracking []storage.MonitoredEntity) (healthy, missing []storage.MonitoredEntity) {
	if len(tracking) == 0 {
		return nil, nil
	}
	if !d.opts.Reconcile {
		return tracking, nil
	}
	subs, err := d.client.ListSubscriptions(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Str("error_code", provider.ErrorCode(err)).Msg("list subscriptions failed, skipping reconciliation")
		return tracking, nil
	}
	active := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		if subscriptionActive(s.Status) {
			active[s.ID] = struct{}{}
		}
	}
	for _, e := range tracking {
		if _, ok := active[deref(e.SubscriptionID)]; ok && e.HasSubscription() {
			healthy = append(healthy, e)
			continue
		}
		missing = append(missing, e)
	}
	return healthy, missing
}

func subscriptionActive(status string) bool {
	switch status {
	case "", "active", "ACTIVE":
		return true
	default:
		return false
	}
}

// ensureTracking tries to subscribe every entity. Entities that could not be subscribed are
// persisted as POLLING and returned for a polling pass in the same cycle. keys overrides the
// idempotency key for entities whose previous subscription vanished.
func (d *Dispatcher) ensureTracking(ctx context.Context, state *cycleState, entities []storage.MonitoredEntity, keys map[string]string) []storage.MonitoredEntity {
	if len(entities) == 0 {
		return nil
	}
	var (
		mu       sync.Mutex
		fallback []storage.MonitoredEntity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)

	for _, e := range entities {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			key, replaced := keys[e.ID]
			if !replaced {
				key = subscriptionKey(e.ID, "")
			}
			next, ok := d.ensureOne(gctx, state, e, key)
			if !ok {
				mu.Lock()
				fallback = append(fallback, next)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return fallback
}

func (d *Dispatcher) ensureOne(ctx context.Context, state *cycleState, e storage.MonitoredEntity, key string) (storage.MonitoredEntity, bool) {
	log := d.logger.With().Str("entity_id", e.ID).Str("external_ref", e.ExternalRef).Logger()
	callCtx := provider.WithEntity(ctx, e.ID, e.TenantID)
	now := state.now

	subID, err := d.client.CreateSubscription(callCtx, e.ExternalRef, key)
	if err == nil {
		previous := e.Mode
		e.Mode = storage.ModeTracking
		e.SubscriptionID = &subID
		e.LastSyncedAt = &now
		if err := d.store.UpsertEntity(ctx, e); err != nil {
			log.Error().Err(err).Msg("persist tracked entity failed")
			state.add(func(r *CycleReport) { r.Failed++ })
			return e, true
		}
		state.add(func(r *CycleReport) { r.Promoted++; r.Touched++ })
		metrics.DispatchEntities.WithLabelValues(string(storage.ModeTracking)).Inc()
		log.Debug().Str("from", string(previous)).Str("subscription_id", subID).Msg("tracking ensured")
		return e, true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return e, true
	}

	switch {
	case errors.Is(err, provider.ErrCircuitOpen):
		log.Debug().Msg("tracking circuit open, falling back to polling")
	default:
		log.Warn().Err(err).Str("error_code", provider.ErrorCode(err)).Msg("create subscription failed, falling back to polling")
		state.add(func(r *CycleReport) { r.Failed++ })
	}

	e.Mode = storage.ModePolling
	e.SubscriptionID = nil
	e.LastSyncedAt = &now
	if err := d.store.UpsertEntity(ctx, e); err != nil {
		log.Error().Err(err).Msg("persist polling entity failed")
	}
	state.add(func(r *CycleReport) { r.FellBack++; r.Touched++ })
	metrics.DispatchEntities.WithLabelValues(string(storage.ModePolling)).Inc()
	return e, false
}

// pollEntities submits one search per entity and polls each to completion, merging movements.
func (d *Dispatcher) pollEntities(ctx context.Context, state *cycleState, entities []storage.MonitoredEntity) {
	if len(entities) == 0 {
		return
	}
	reqs := make([]provider.SearchRequest, len(entities))
	for i, e := range entities {
		reqs[i] = provider.SearchRequest{Ref: e.ExternalRef, EntityID: e.ID, TenantID: e.TenantID}
	}
	submitted := d.client.SearchBatchFor(ctx, reqs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, res := range submitted {
		e := entities[i]
		if res.Err != nil {
			d.logger.Warn().Err(res.Err).Str("entity_id", e.ID).Str("error_code", provider.ErrorCode(res.Err)).Msg("submit search failed")
			state.add(func(r *CycleReport) { r.PollFailed++ })
			continue
		}
		g.Go(func() error {
			d.pollOne(gctx, state, e, res.RequestID)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) pollOne(ctx context.Context, state *cycleState, e storage.MonitoredEntity, requestID string) {
	log := d.logger.With().Str("entity_id", e.ID).Str("request_id", requestID).Logger()
	result, err := d.client.PollForResult(provider.WithEntity(ctx, e.ID, e.TenantID), requestID, d.opts.Poll)
	if err != nil {
		log.Warn().Err(err).Str("error_code", provider.ErrorCode(err)).Msg("poll for result failed")
		state.add(func(r *CycleReport) { r.PollFailed++ })
		return
	}
	if result.Status == provider.SearchFailed {
		log.Warn().Str("reason", result.Error).Msg("provider search failed")
		state.add(func(r *CycleReport) { r.PollFailed++ })
		return
	}

	stored := 0
	for _, rm := range result.Movements {
		inserted, err := d.storeMovement(ctx, e, rm)
		if err != nil {
			log.Error().Err(err).Msg("store polled movement failed")
			continue
		}
		if inserted {
			stored++
		}
	}
	state.add(func(r *CycleReport) { r.Polled++; r.Movements += stored })
	log.Debug().Int("movements", len(result.Movements)).Int("new", stored).Msg("poll merged")
}

func (d *Dispatcher) storeMovement(ctx context.Context, e storage.MonitoredEntity, rm provider.RemoteMovement) (bool, error) {
	mv := storage.Movement{
		EntityID:       e.ID,
		IdempotencyKey: storage.IdempotencyKey(rm.ID, e.ExternalRef, rm.Type, rm.Date, rm.Raw),
		EventDate:      rm.Date,
		Type:           rm.Type,
		Description:    rm.Description,
		Source:         storage.SourcePoll,
		Payload:        rm.Raw,
	}
	if rm.ID != "" {
		id := rm.ID
		mv.ExternalID = &id
	}
	if mv.EventDate.IsZero() {
		mv.EventDate = d.clock.Now()
	}
	inserted, err := d.store.InsertMovementIfAbsent(ctx, mv)
	if err != nil {
		return false, fmt.Errorf("insert movement: %w", err)
	}
	if !inserted {
		return false, nil
	}
	metrics.MovementsStored.WithLabelValues(string(storage.SourcePoll)).Inc()
	if err := d.publisher.PublishMovement(ctx, e, mv); err != nil {
		d.logger.Warn().Err(err).Str("entity_id", e.ID).Msg("publish movement failed")
	}
	return true, nil
}

func (d *Dispatcher) acquireLock(ctx context.Context) (func(), bool, error) {
	if d.opts.LockKey == 0 || d.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := d.locker.TryAdvisoryLock(ctx, d.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// subscriptionKey is stable per entity so retried creates collapse into one subscription.
// Replacing a vanished subscription needs a fresh key.
func subscriptionKey(entityID, replaces string) string {
	if replaces != "" {
		return "sub:" + entityID + ":" + replaces
	}
	return "sub:" + entityID
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ ProviderClient = (*provider.Client)(nil)
