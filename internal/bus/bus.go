package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"case-monitor/internal/metrics"
	"case-monitor/internal/storage"
)

// Publisher fans out newly stored movements to downstream consumers.
type Publisher interface {
	PublishMovement(ctx context.Context, entity storage.MonitoredEntity, mv storage.Movement) error
	Close()
}

// MovementEvent is the message body published for each new movement.
type MovementEvent struct {
	EntityID       string          `json:"entity_id"`
	TenantID       string          `json:"tenant_id"`
	ExternalRef    string          `json:"external_ref"`
	IdempotencyKey string          `json:"idempotency_key"`
	ExternalID     *string         `json:"external_id,omitempty"`
	EventDate      time.Time       `json:"event_date"`
	Type           string          `json:"type"`
	Description    string          `json:"description"`
	Source         string          `json:"source"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewMovementEvent builds the published form of a movement.
func NewMovementEvent(entity storage.MonitoredEntity, mv storage.Movement) MovementEvent {
	return MovementEvent{
		EntityID:       mv.EntityID,
		TenantID:       entity.TenantID,
		ExternalRef:    entity.ExternalRef,
		IdempotencyKey: mv.IdempotencyKey,
		ExternalID:     mv.ExternalID,
		EventDate:      mv.EventDate,
		Type:           mv.Type,
		Description:    mv.Description,
		Source:         string(mv.Source),
		Payload:        json.RawMessage(mv.Payload),
	}
}

// Subject returns the subject a movement from source is published on.
func Subject(prefix string, source storage.IngestionSource) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = "casemonitor.movements"
	}
	return prefix + "." + strings.ToLower(string(source))
}

// NATSOptions configure the NATS publisher.
type NATSOptions struct {
	URL           string
	Name          string
	SubjectPrefix string
}

// NATSPublisher publishes movements as JSON messages on core NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSPublisher connects to the server at opts.URL.
func NewNATSPublisher(opts NATSOptions, logger zerolog.Logger) (*NATSPublisher, error) {
	log := logger.With().Str("component", "nats_publisher").Logger()
	name := opts.Name
	if name == "" {
		name = "case-monitor"
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: opts.SubjectPrefix, logger: log}, nil
}

// PublishMovement publishes mv on the subject for its source.
func (p *NATSPublisher) PublishMovement(ctx context.Context, entity storage.MonitoredEntity, mv storage.Movement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(NewMovementEvent(entity, mv))
	if err != nil {
		metrics.BusPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("encode movement: %w", err)
	}
	subject := Subject(p.prefix, mv.Source)
	if err := p.conn.Publish(subject, data); err != nil {
		metrics.BusPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	metrics.BusPublishes.WithLabelValues("ok").Inc()
	p.logger.Debug().Str("subject", subject).Str("entity_id", mv.EntityID).Msg("movement published")
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.logger.Warn().Err(err).Msg("nats drain failed")
		}
		p.conn.Close()
	}
}

// Nop discards every movement.
type Nop struct{}

func (Nop) PublishMovement(context.Context, storage.MonitoredEntity, storage.Movement) error {
	return nil
}

func (Nop) Close() {}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = Nop{}
)
