package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"case-monitor/internal/bus"
	"case-monitor/internal/clock"
	"case-monitor/internal/metrics"
	"case-monitor/internal/provider"
	"case-monitor/internal/storage"
)

// Status is the outcome of one delivery.
type Status string

const (
	StatusProcessed        Status = "processed"
	StatusDuplicateIgnored Status = "duplicate_ignored"
	StatusEntityNotFound   Status = "entity_not_found"
	StatusRejected         Status = "rejected"
)

// ErrInvalidPayload marks deliveries that can never be processed, so redelivery is pointless.
var ErrInvalidPayload = errors.New("invalid payload")

// KindWebhookDelivery tags telemetry for inbound deliveries.
const KindWebhookDelivery = "webhook_delivery"

// TelemetryScope groups webhook telemetry.
const TelemetryScope = "webhook"

// Payload is the body the provider pushes on every tracked change.
type Payload struct {
	EventID     string          `json:"eventId,omitempty" validate:"omitempty,max=200"`
	TrackingID  string          `json:"trackingId" validate:"required_without=ExternalRef,max=200"`
	ExternalRef string          `json:"externalRef" validate:"required_without=TrackingID,max=200"`
	EventType   string          `json:"eventType" validate:"required,max=100"`
	Timestamp   time.Time       `json:"timestamp" validate:"required"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type payloadData struct {
	Description string `json:"description"`
	Title       string `json:"title"`
}

// Result reports what Ingest did.
type Result struct {
	Status    Status
	EntityIDs []string
	Key       string
}

// Store is the persistence the ingestor needs.
type Store interface {
	GetEntityBySubscription(ctx context.Context, subscriptionID string) (storage.MonitoredEntity, error)
	ListEntitiesByRef(ctx context.Context, ref string) ([]storage.MonitoredEntity, error)
	InsertMovementIfAbsent(ctx context.Context, mv storage.Movement) (bool, error)
	TouchEntity(ctx context.Context, id string, syncedAt time.Time) error
}

// IngestorOptions tune the ingestor.
type IngestorOptions struct {
	// Cost is charged per delivery when the provider bills pushes.
	Cost decimal.Decimal
}

// Ingestor turns provider pushes into movements exactly once.
type Ingestor struct {
	opts      IngestorOptions
	store     Store
	recorder  provider.Recorder
	publisher bus.Publisher
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewIngestor constructs an ingestor. Nil recorder and publisher are allowed.
func NewIngestor(opts IngestorOptions, store Store, recorder provider.Recorder, publisher bus.Publisher, clk clock.Clock, logger zerolog.Logger) *Ingestor {
	if recorder == nil {
		recorder = provider.RecorderFunc(func(storage.TelemetryEvent) {})
	}
	if publisher == nil {
		publisher = bus.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ingestor{
		opts:      opts,
		store:     store,
		recorder:  recorder,
		publisher: publisher,
		clock:     clk,
		logger:    logger.With().Str("component", "webhook_ingestor").Logger(),
	}
}

// Ingest stores the movement carried by p. Redeliveries report duplicate_ignored and unknown
// references report entity_not_found; both are successes. An error means redelivery is wanted.
func (i *Ingestor) Ingest(ctx context.Context, p Payload) (Result, error) {
	start := i.clock.Now()
	log := i.logger.With().Str("tracking_id", p.TrackingID).Str("external_ref", p.ExternalRef).Str("event_type", p.EventType).Logger()

	entities, err := i.resolve(ctx, p)
	if err != nil {
		i.record(start, nil, err)
		metrics.WebhookEvents.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if len(entities) == 0 {
		log.Warn().Msg("webhook for unknown entity acknowledged")
		i.record(start, nil, nil)
		metrics.WebhookEvents.WithLabelValues(string(StatusEntityNotFound)).Inc()
		return Result{Status: StatusEntityNotFound}, nil
	}

	result := Result{Status: StatusDuplicateIgnored}
	for _, e := range entities {
		mv := i.normalize(e, p)
		result.Key = mv.IdempotencyKey
		result.EntityIDs = append(result.EntityIDs, e.ID)

		inserted, err := i.store.InsertMovementIfAbsent(ctx, mv)
		if err != nil {
			err = fmt.Errorf("insert movement for entity %s: %w", e.ID, err)
			i.record(start, &e, err)
			metrics.WebhookEvents.WithLabelValues("error").Inc()
			return Result{}, err
		}
		if err := i.store.TouchEntity(ctx, e.ID, start); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("entity_id", e.ID).Msg("touch entity failed")
		}
		if !inserted {
			log.Debug().Str("entity_id", e.ID).Str("key", mv.IdempotencyKey).Msg("duplicate delivery ignored")
			continue
		}

		result.Status = StatusProcessed
		metrics.MovementsStored.WithLabelValues(string(storage.SourceWebhook)).Inc()
		if err := i.publisher.PublishMovement(ctx, e, mv); err != nil {
			log.Warn().Err(err).Str("entity_id", e.ID).Msg("publish movement failed")
		}
		log.Info().Str("entity_id", e.ID).Str("key", mv.IdempotencyKey).Msg("movement ingested")
	}

	i.record(start, &entities[0], nil)
	metrics.WebhookEvents.WithLabelValues(string(result.Status)).Inc()
	return result, nil
}

// resolve finds the entities a payload belongs to: the subscription owner first, then every
// entity following the reference.
func (i *Ingestor) resolve(ctx context.Context, p Payload) ([]storage.MonitoredEntity, error) {
	if p.TrackingID != "" {
		e, err := i.store.GetEntityBySubscription(ctx, p.TrackingID)
		switch {
		case err == nil:
			return []storage.MonitoredEntity{e}, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("resolve subscription %s: %w", p.TrackingID, err)
		}
	}
	if p.ExternalRef == "" {
		return nil, nil
	}
	entities, err := i.store.ListEntitiesByRef(ctx, p.ExternalRef)
	if err != nil {
		return nil, fmt.Errorf("resolve reference %s: %w", p.ExternalRef, err)
	}
	return entities, nil
}

func (i *Ingestor) normalize(e storage.MonitoredEntity, p Payload) storage.Movement {
	var data payloadData
	if len(p.Data) > 0 {
		_ = json.Unmarshal(p.Data, &data)
	}
	description := data.Description
	if description == "" {
		description = data.Title
	}
	mv := storage.Movement{
		EntityID:       e.ID,
		IdempotencyKey: storage.IdempotencyKey(p.EventID, e.ExternalRef, p.EventType, p.Timestamp, p.Data),
		EventDate:      p.Timestamp.UTC(),
		Type:           p.EventType,
		Description:    description,
		Source:         storage.SourceWebhook,
		Payload:        []byte(p.Data),
	}
	if p.EventID != "" {
		id := p.EventID
		mv.ExternalID = &id
	}
	return mv
}

// Reject records a delivery the handler refused before ingestion.
func (i *Ingestor) Reject(cause error) {
	i.record(i.clock.Now(), nil, fmt.Errorf("%w: %w", ErrInvalidPayload, cause))
}

func (i *Ingestor) record(start time.Time, e *storage.MonitoredEntity, err error) {
	now := i.clock.Now()
	event := storage.TelemetryEvent{
		ID:        uuid.NewString(),
		Kind:      KindWebhookDelivery,
		Scope:     TelemetryScope,
		Duration:  now.Sub(start),
		Success:   err == nil,
		Cost:      decimal.Zero,
		Attempts:  1,
		Timestamp: now,
	}
	if e != nil {
		entityID, tenantID := e.ID, e.TenantID
		event.EntityID = &entityID
		if tenantID != "" {
			event.TenantID = &tenantID
		}
	}
	if err != nil {
		code := "internal"
		switch {
		case errors.Is(err, ErrInvalidPayload):
			code = "invalid_payload"
		case errors.Is(err, context.Canceled):
			code = "canceled"
		}
		event.ErrorCode = &code
	} else {
		event.Cost = i.opts.Cost
	}
	i.recorder.Record(event)
}
