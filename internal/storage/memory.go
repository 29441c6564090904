package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type movementKey struct {
	entityID string
	key      string
}

// MemoryStore is an in-process Repository used by tests and database-less runs.
// Every method holds one mutex, so check-and-insert is atomic.
type MemoryStore struct {
	mu        sync.Mutex
	entities  map[string]MonitoredEntity
	movements map[movementKey]Movement
	nextMove  int64
	telemetry []TelemetryEvent
	alerts    []Alert
	nextAlert int64
	locks     map[int64]bool
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[string]MonitoredEntity),
		movements: make(map[movementKey]Movement),
		locks:     make(map[int64]bool),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the timestamp source for created/updated columns.
func (m *MemoryStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// TryAdvisoryLock emulates a process-local advisory lock.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

func (m *MemoryStore) FindEntitiesDueForSync(_ context.Context, staleBefore time.Time, limit int) ([]MonitoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]MonitoredEntity, 0)
	for _, e := range m.entities {
		if e.LastSyncedAt == nil || e.LastSyncedAt.Before(staleBefore) {
			due = append(due, cloneEntity(e))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].LastSyncedAt, due[j].LastSyncedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) UpsertEntity(_ context.Context, e MonitoredEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.entities[e.ID]; ok {
		existing.Mode = e.Mode
		existing.LastSyncedAt = copyTime(e.LastSyncedAt)
		existing.SubscriptionID = copyString(e.SubscriptionID)
		existing.UpdatedAt = now
		m.entities[e.ID] = existing
		return nil
	}
	e = cloneEntity(e)
	if e.Mode == "" {
		e.Mode = ModeUnassigned
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	m.entities[e.ID] = e
	return nil
}

func (m *MemoryStore) RegisterEntity(_ context.Context, e MonitoredEntity) (MonitoredEntity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.entities {
		if existing.TenantID == e.TenantID && existing.Source == e.Source && existing.ExternalRef == e.ExternalRef {
			return cloneEntity(existing), false, nil
		}
	}
	now := m.now()
	e = MonitoredEntity{
		ID:          e.ID,
		ExternalRef: e.ExternalRef,
		Source:      e.Source,
		Mode:        ModeUnassigned,
		TenantID:    e.TenantID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.entities[e.ID] = e
	return cloneEntity(e), true, nil
}

func (m *MemoryStore) TouchEntity(_ context.Context, id string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[id]
	if !ok {
		return ErrNotFound
	}
	if e.LastSyncedAt == nil || syncedAt.After(*e.LastSyncedAt) {
		e.LastSyncedAt = &syncedAt
	}
	e.UpdatedAt = m.now()
	m.entities[id] = e
	return nil
}

func (m *MemoryStore) GetEntity(_ context.Context, id string) (MonitoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return MonitoredEntity{}, ErrNotFound
	}
	return cloneEntity(e), nil
}

func (m *MemoryStore) GetEntityBySubscription(_ context.Context, subscriptionID string) (MonitoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entities {
		if e.SubscriptionID != nil && *e.SubscriptionID == subscriptionID {
			return cloneEntity(e), nil
		}
	}
	return MonitoredEntity{}, ErrNotFound
}

func (m *MemoryStore) ListEntitiesByRef(_ context.Context, ref string) ([]MonitoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MonitoredEntity, 0)
	for _, e := range m.entities {
		if e.ExternalRef == ref {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListEntities(_ context.Context, limit int) ([]MonitoredEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MonitoredEntity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, cloneEntity(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertMovementIfAbsent(_ context.Context, mv Movement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := movementKey{entityID: mv.EntityID, key: mv.IdempotencyKey}
	if _, exists := m.movements[key]; exists {
		return false, nil
	}
	m.nextMove++
	mv.ID = m.nextMove
	mv.CreatedAt = m.now()
	m.movements[key] = mv
	return true, nil
}

func (m *MemoryStore) ListMovements(_ context.Context, entityID string, limit int) ([]Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Movement, 0)
	for _, mv := range m.movements {
		if mv.EntityID == entityID {
			out = append(out, mv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventDate.Equal(out[j].EventDate) {
			return out[i].EventDate.After(out[j].EventDate)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MovementCount returns the number of stored movements.
func (m *MemoryStore) MovementCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.movements)
}

func (m *MemoryStore) AppendTelemetryEvents(_ context.Context, events []TelemetryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = append(m.telemetry, events...)
	return nil
}

func (m *MemoryStore) TelemetryStats(_ context.Context, scope string, since time.Time) (TelemetryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := TelemetryStats{Cost: decimal.Zero}
	for _, ev := range m.telemetry {
		if ev.Timestamp.Before(since) {
			continue
		}
		if scope != "" && ev.Scope != scope {
			continue
		}
		stats.Calls++
		if !ev.Success {
			stats.Failures++
		}
		if ev.ErrorCode != nil && *ev.ErrorCode == "circuit_open" {
			stats.CircuitOpen++
		}
		stats.Cost = stats.Cost.Add(ev.Cost)
	}
	return stats, nil
}

func (m *MemoryStore) ListTelemetryBetween(_ context.Context, from, to time.Time) ([]TelemetryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TelemetryEvent, 0)
	for _, ev := range m.telemetry {
		if !ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// TelemetryEvents returns a copy of every recorded event.
func (m *MemoryStore) TelemetryEvents() []TelemetryEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TelemetryEvent, len(m.telemetry))
	copy(out, m.telemetry)
	return out
}

func (m *MemoryStore) UpsertAlert(_ context.Context, a Alert) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for i, existing := range m.alerts {
		if existing.Open() && existing.RuleID == a.RuleID && existing.Scope == a.Scope {
			existing.Value = a.Value
			existing.Threshold = a.Threshold
			existing.Severity = a.Severity
			existing.Message = a.Message
			existing.UpdatedAt = now
			m.alerts[i] = existing
			return existing, nil
		}
	}
	m.nextAlert++
	a.ID = m.nextAlert
	a.UpdatedAt = now
	a.ResolvedAt = nil
	a.ResolvedBy = nil
	m.alerts = append(m.alerts, a)
	return a, nil
}

func (m *MemoryStore) RefreshAlert(_ context.Context, id int64, value float64, message string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.alerts {
		if a.ID != id || !a.Open() {
			continue
		}
		a.Value = value
		a.Message = message
		a.UpdatedAt = m.now()
		m.alerts[i] = a
		return a, nil
	}
	return Alert{}, ErrNotFound
}

func (m *MemoryStore) FindOpenAlert(_ context.Context, ruleID, scope string) (Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.Open() && a.RuleID == ruleID && a.Scope == scope {
			return a, true, nil
		}
	}
	return Alert{}, false, nil
}

func (m *MemoryStore) ResolveAlert(_ context.Context, id int64, at time.Time, by string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.alerts {
		if a.ID != id || !a.Open() {
			continue
		}
		a.ResolvedAt = &at
		a.ResolvedBy = &by
		a.UpdatedAt = m.now()
		m.alerts[i] = a
		return a, nil
	}
	return Alert{}, ErrNotFound
}

func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneEntity(e MonitoredEntity) MonitoredEntity {
	e.LastSyncedAt = copyTime(e.LastSyncedAt)
	e.SubscriptionID = copyString(e.SubscriptionID)
	return e
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var (
	_ Repository     = (*MemoryStore)(nil)
	_ AdvisoryLocker = (*MemoryStore)(nil)
)
