package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
)

//go:embed schema.sql
var schemaSQL string

const (
	entityColumns = `id::text, external_ref, source, monitoring_mode, last_synced_at, subscription_id, tenant_id, created_at, updated_at`

	findEntitiesDueSQL = `SELECT ` + entityColumns + `
    FROM monitored_entities
    WHERE last_synced_at IS NULL OR last_synced_at < $1
    ORDER BY last_synced_at NULLS FIRST, id
    LIMIT $2;`

	upsertEntitySQL = `INSERT INTO monitored_entities (
        id, external_ref, source, monitoring_mode, last_synced_at, subscription_id, tenant_id
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (id) DO UPDATE
    SET monitoring_mode = EXCLUDED.monitoring_mode,
        last_synced_at  = EXCLUDED.last_synced_at,
        subscription_id = EXCLUDED.subscription_id,
        updated_at      = now();`

	registerEntitySQL = `INSERT INTO monitored_entities (
        id, external_ref, source, monitoring_mode, tenant_id
    ) VALUES ($1,$2,$3,'UNASSIGNED',$4)
    ON CONFLICT (tenant_id, source, external_ref) DO NOTHING
    RETURNING ` + entityColumns + `;`

	selectEntityByNaturalKeySQL = `SELECT ` + entityColumns + `
    FROM monitored_entities
    WHERE tenant_id = $1 AND source = $2 AND external_ref = $3;`

	touchEntitySQL = `UPDATE monitored_entities
    SET last_synced_at = GREATEST(COALESCE(last_synced_at, $2), $2), updated_at = now()
    WHERE id = $1;`

	selectEntityByIDSQL           = `SELECT ` + entityColumns + ` FROM monitored_entities WHERE id = $1;`
	selectEntityBySubscriptionSQL = `SELECT ` + entityColumns + ` FROM monitored_entities WHERE subscription_id = $1;`
	selectEntitiesByRefSQL        = `SELECT ` + entityColumns + ` FROM monitored_entities WHERE external_ref = $1 ORDER BY id;`
	listEntitiesSQL               = `SELECT ` + entityColumns + ` FROM monitored_entities ORDER BY updated_at DESC LIMIT $1;`

	insertMovementSQL = `INSERT INTO movements (
        entity_id, idempotency_key, external_id, event_date, movement_type, description, source, payload
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (entity_id, idempotency_key) DO NOTHING;`

	listMovementsSQL = `SELECT id, entity_id::text, idempotency_key, external_id, event_date, movement_type, description, source, payload, created_at
    FROM movements
    WHERE entity_id = $1
    ORDER BY event_date DESC, id DESC
    LIMIT $2;`

	insertTelemetrySQL = `INSERT INTO telemetry_events (
        id, entity_id, tenant_id, call_kind, scope, duration_ms, success, cost, error_code, attempts, occurred_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
    ON CONFLICT (id) DO NOTHING;`

	telemetryStatsSQL = `SELECT
        COUNT(*),
        COUNT(*) FILTER (WHERE NOT success),
        COUNT(*) FILTER (WHERE error_code = 'circuit_open'),
        COALESCE(SUM(cost), 0)::text
    FROM telemetry_events
    WHERE occurred_at >= $1
      AND ($2 = '' OR scope = $2);`

	listTelemetryBetweenSQL = `SELECT id::text, entity_id::text, tenant_id, call_kind, scope, duration_ms, success, cost::text, error_code, attempts, occurred_at
    FROM telemetry_events
    WHERE occurred_at >= $1 AND occurred_at < $2
    ORDER BY occurred_at;`

	alertColumns = `id, rule_id, scope, severity, value, threshold, message, detected_at, updated_at, resolved_at, resolved_by`

	insertAlertSQL = `INSERT INTO alerts (
        rule_id, scope, severity, value, threshold, message, detected_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (rule_id, scope) WHERE resolved_at IS NULL DO UPDATE
    SET value      = EXCLUDED.value,
        threshold  = EXCLUDED.threshold,
        severity   = EXCLUDED.severity,
        message    = EXCLUDED.message,
        updated_at = now()
    RETURNING ` + alertColumns + `;`

	refreshAlertSQL = `UPDATE alerts
    SET value = $2, message = $3, updated_at = now()
    WHERE id = $1 AND resolved_at IS NULL
    RETURNING ` + alertColumns + `;`

	findOpenAlertSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE rule_id = $1 AND scope = $2 AND resolved_at IS NULL;`

	resolveAlertSQL = `UPDATE alerts
    SET resolved_at = $2, resolved_by = $3, updated_at = now()
    WHERE id = $1 AND resolved_at IS NULL
    RETURNING ` + alertColumns + `;`

	listRecentAlertsSQL = `SELECT ` + alertColumns + ` FROM alerts ORDER BY detected_at DESC LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EntityStore persists monitored entities.
type EntityStore interface {
	FindEntitiesDueForSync(ctx context.Context, staleBefore time.Time, limit int) ([]MonitoredEntity, error)
	UpsertEntity(ctx context.Context, entity MonitoredEntity) error
	RegisterEntity(ctx context.Context, entity MonitoredEntity) (MonitoredEntity, bool, error)
	TouchEntity(ctx context.Context, id string, syncedAt time.Time) error
	GetEntity(ctx context.Context, id string) (MonitoredEntity, error)
	GetEntityBySubscription(ctx context.Context, subscriptionID string) (MonitoredEntity, error)
	ListEntitiesByRef(ctx context.Context, ref string) ([]MonitoredEntity, error)
	ListEntities(ctx context.Context, limit int) ([]MonitoredEntity, error)
}

// MovementStore persists movements with at-most-once semantics per idempotency key.
type MovementStore interface {
	InsertMovementIfAbsent(ctx context.Context, movement Movement) (bool, error)
	ListMovements(ctx context.Context, entityID string, limit int) ([]Movement, error)
}

// TelemetryStore appends and aggregates telemetry.
type TelemetryStore interface {
	AppendTelemetryEvents(ctx context.Context, events []TelemetryEvent) error
	TelemetryStats(ctx context.Context, scope string, since time.Time) (TelemetryStats, error)
	ListTelemetryBetween(ctx context.Context, from, to time.Time) ([]TelemetryEvent, error)
}

// AlertStore persists alert lifecycle.
type AlertStore interface {
	UpsertAlert(ctx context.Context, alert Alert) (Alert, error)
	RefreshAlert(ctx context.Context, id int64, value float64, message string) (Alert, error)
	FindOpenAlert(ctx context.Context, ruleID, scope string) (Alert, bool, error)
	ResolveAlert(ctx context.Context, id int64, at time.Time, by string) (Alert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the monitoring subsystem needs from persistence.
type Repository interface {
	EntityStore
	MovementStore
	TelemetryStore
	AlertStore
}

// Store implements Repository on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// FindEntitiesDueForSync returns entities never synced or synced before staleBefore, oldest first.
func (s *Store) FindEntitiesDueForSync(ctx context.Context, staleBefore time.Time, limit int) ([]MonitoredEntity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, findEntitiesDueSQL, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("find entities due: %w", err)
	}
	return collectEntities(rows)
}

// UpsertEntity writes status fields; last write wins per row.
func (s *Store) UpsertEntity(ctx context.Context, e MonitoredEntity) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if !e.Mode.Valid() {
		return fmt.Errorf("upsert entity %s: invalid mode %q", e.ID, e.Mode)
	}
	if _, err := pool.Exec(ctx, upsertEntitySQL,
		e.ID, e.ExternalRef, e.Source, string(e.Mode), e.LastSyncedAt, e.SubscriptionID, e.TenantID,
	); err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// RegisterEntity inserts an UNASSIGNED entity unless the tenant already monitors the reference.
// The boolean reports whether a new row was created.
func (s *Store) RegisterEntity(ctx context.Context, e MonitoredEntity) (MonitoredEntity, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return MonitoredEntity{}, false, err
	}
	created, err := scanEntity(pool.QueryRow(ctx, registerEntitySQL, e.ID, e.ExternalRef, e.Source, e.TenantID))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return MonitoredEntity{}, false, fmt.Errorf("register entity: %w", err)
	}
	existing, err := scanEntity(pool.QueryRow(ctx, selectEntityByNaturalKeySQL, e.TenantID, e.Source, e.ExternalRef))
	if err != nil {
		return MonitoredEntity{}, false, fmt.Errorf("load existing entity: %w", err)
	}
	return existing, false, nil
}

// TouchEntity advances last-synced without changing the monitoring mode.
func (s *Store) TouchEntity(ctx context.Context, id string, syncedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, touchEntitySQL, id, syncedAt)
	if err != nil {
		return fmt.Errorf("touch entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEntity loads an entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (MonitoredEntity, error) {
	return s.getOneEntity(ctx, selectEntityByIDSQL, id)
}

// GetEntityBySubscription loads the entity owning a tracking subscription.
func (s *Store) GetEntityBySubscription(ctx context.Context, subscriptionID string) (MonitoredEntity, error) {
	return s.getOneEntity(ctx, selectEntityBySubscriptionSQL, subscriptionID)
}

func (s *Store) getOneEntity(ctx context.Context, query string, arg string) (MonitoredEntity, error) {
	pool, err := s.getPool()
	if err != nil {
		return MonitoredEntity{}, err
	}
	entity, err := scanEntity(pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return MonitoredEntity{}, ErrNotFound
	}
	if err != nil {
		return MonitoredEntity{}, fmt.Errorf("get entity: %w", err)
	}
	return entity, nil
}

// ListEntitiesByRef lists every tenant's entity for an external reference.
func (s *Store) ListEntitiesByRef(ctx context.Context, ref string) ([]MonitoredEntity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, selectEntitiesByRefSQL, ref)
	if err != nil {
		return nil, fmt.Errorf("list entities by ref: %w", err)
	}
	return collectEntities(rows)
}

// ListEntities lists recently updated entities.
func (s *Store) ListEntities(ctx context.Context, limit int) ([]MonitoredEntity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listEntitiesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return collectEntities(rows)
}

// InsertMovementIfAbsent inserts the movement unless (entity, key) already exists.
// The existence check and insert are one statement, so concurrent duplicates cannot both win.
func (s *Store) InsertMovementIfAbsent(ctx context.Context, m Movement) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var payload []byte
	if len(m.Payload) > 0 {
		payload = []byte(m.Payload)
	}
	tag, err := pool.Exec(ctx, insertMovementSQL,
		m.EntityID, m.IdempotencyKey, m.ExternalID, m.EventDate, m.Type, m.Description, string(m.Source), payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert movement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListMovements lists an entity's movements, newest first.
func (s *Store) ListMovements(ctx context.Context, entityID string, limit int) ([]Movement, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listMovementsSQL, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	movements := make([]Movement, 0, limit)
	for rows.Next() {
		var (
			m       Movement
			source  string
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.EntityID, &m.IdempotencyKey, &m.ExternalID, &m.EventDate,
			&m.Type, &m.Description, &source, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Source = IngestionSource(source)
		m.Payload = payload
		movements = append(movements, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return movements, nil
}

// AppendTelemetryEvents writes a batch of telemetry events.
func (s *Store) AppendTelemetryEvents(ctx context.Context, events []TelemetryEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(insertTelemetrySQL,
			ev.ID,
			ev.EntityID,
			ev.TenantID,
			ev.Kind,
			ev.Scope,
			ev.Duration.Milliseconds(),
			ev.Success,
			ev.Cost.String(),
			ev.ErrorCode,
			ev.Attempts,
			ev.Timestamp,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append telemetry events: %w", err)
	}
	return nil
}

// TelemetryStats aggregates events at or after since. An empty scope covers every scope.
func (s *Store) TelemetryStats(ctx context.Context, scope string, since time.Time) (TelemetryStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return TelemetryStats{}, err
	}
	var (
		stats   TelemetryStats
		costStr string
	)
	if err := pool.QueryRow(ctx, telemetryStatsSQL, since, scope).Scan(
		&stats.Calls, &stats.Failures, &stats.CircuitOpen, &costStr,
	); err != nil {
		return TelemetryStats{}, fmt.Errorf("telemetry stats: %w", err)
	}
	stats.Cost, err = decimal.NewFromString(costStr)
	if err != nil {
		return TelemetryStats{}, fmt.Errorf("parse telemetry cost: %w", err)
	}
	return stats, nil
}

// ListTelemetryBetween lists events in [from, to).
func (s *Store) ListTelemetryBetween(ctx context.Context, from, to time.Time) ([]TelemetryEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listTelemetryBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list telemetry: %w", err)
	}
	defer rows.Close()

	events := make([]TelemetryEvent, 0)
	for rows.Next() {
		var (
			ev         TelemetryEvent
			durationMS int64
			costStr    string
		)
		if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.TenantID, &ev.Kind, &ev.Scope, &durationMS,
			&ev.Success, &costStr, &ev.ErrorCode, &ev.Attempts, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		if ev.Cost, err = decimal.NewFromString(costStr); err != nil {
			return nil, fmt.Errorf("parse telemetry cost: %w", err)
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// UpsertAlert inserts a new open alert, or refreshes the open alert for the same rule and scope.
func (s *Store) UpsertAlert(ctx context.Context, a Alert) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	rec, err := scanAlert(pool.QueryRow(ctx, insertAlertSQL, a.RuleID, a.Scope, a.Severity, a.Value, a.Threshold, a.Message, a.DetectedAt))
	if err != nil {
		return Alert{}, fmt.Errorf("upsert alert: %w", err)
	}
	return rec, nil
}

// RefreshAlert updates the value and message of an alert that is still open.
// It returns ErrNotFound when the alert was resolved in the meantime.
func (s *Store) RefreshAlert(ctx context.Context, id int64, value float64, message string) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	rec, err := scanAlert(pool.QueryRow(ctx, refreshAlertSQL, id, value, message))
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	if err != nil {
		return Alert{}, fmt.Errorf("refresh alert: %w", err)
	}
	return rec, nil
}

// FindOpenAlert returns the unresolved alert for rule and scope, if any.
func (s *Store) FindOpenAlert(ctx context.Context, ruleID, scope string) (Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, false, err
	}
	rec, err := scanAlert(pool.QueryRow(ctx, findOpenAlertSQL, ruleID, scope))
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, false, nil
	}
	if err != nil {
		return Alert{}, false, fmt.Errorf("find open alert: %w", err)
	}
	return rec, true, nil
}

// ResolveAlert marks an open alert resolved.
func (s *Store) ResolveAlert(ctx context.Context, id int64, at time.Time, by string) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	rec, err := scanAlert(pool.QueryRow(ctx, resolveAlertSQL, id, at, by))
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, ErrNotFound
	}
	if err != nil {
		return Alert{}, fmt.Errorf("resolve alert: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]Alert, 0, limit)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func collectEntities(rows pgx.Rows) ([]MonitoredEntity, error) {
	defer rows.Close()
	entities := make([]MonitoredEntity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entities, nil
}

func scanEntity(row pgx.Row) (MonitoredEntity, error) {
	var (
		e    MonitoredEntity
		mode string
	)
	if err := row.Scan(&e.ID, &e.ExternalRef, &e.Source, &mode, &e.LastSyncedAt,
		&e.SubscriptionID, &e.TenantID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return MonitoredEntity{}, err
	}
	e.Mode = MonitoringMode(mode)
	return e, nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var a Alert
	if err := row.Scan(&a.ID, &a.RuleID, &a.Scope, &a.Severity, &a.Value, &a.Threshold,
		&a.Message, &a.DetectedAt, &a.UpdatedAt, &a.ResolvedAt, &a.ResolvedBy); err != nil {
		return Alert{}, err
	}
	return a, nil
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
