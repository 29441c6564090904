package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MonitoringMode is the channel an entity is currently synced through.
type MonitoringMode string

const (
	ModeUnassigned MonitoringMode = "UNASSIGNED"
	ModeTracking   MonitoringMode = "TRACKING"
	ModePolling    MonitoringMode = "POLLING"
)

// Valid reports whether m is a known mode.
func (m MonitoringMode) Valid() bool {
	switch m {
	case ModeUnassigned, ModeTracking, ModePolling:
		return true
	default:
		return false
	}
}

// IngestionSource records how a movement arrived.
type IngestionSource string

const (
	SourceWebhook IngestionSource = "WEBHOOK"
	SourcePoll    IngestionSource = "POLL"
)

// MonitoredEntity is an external case followed on behalf of a tenant.
type MonitoredEntity struct {
	ID             string
	ExternalRef    string
	Source         string
	Mode           MonitoringMode
	LastSyncedAt   *time.Time
	SubscriptionID *string
	TenantID       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasSubscription reports whether a tracking subscription is attached.
func (e MonitoredEntity) HasSubscription() bool {
	return e.SubscriptionID != nil && *e.SubscriptionID != ""
}

// Movement is a single status change of a monitored case.
type Movement struct {
	ID             int64
	EntityID       string
	IdempotencyKey string
	ExternalID     *string
	EventDate      time.Time
	Type           string
	Description    string
	Source         IngestionSource
	Payload        json.RawMessage
	CreatedAt      time.Time
}

// TelemetryEvent records one provider call or webhook delivery.
type TelemetryEvent struct {
	ID        string
	EntityID  *string
	TenantID  *string
	Kind      string
	Scope     string
	Duration  time.Duration
	Success   bool
	Cost      decimal.Decimal
	ErrorCode *string
	Attempts  int
	Timestamp time.Time
}

// TelemetryStats aggregates telemetry over a window.
type TelemetryStats struct {
	Calls       int64
	Failures    int64
	CircuitOpen int64
	Cost        decimal.Decimal
}

// ErrorRate returns failures over calls, or zero without calls.
func (s TelemetryStats) ErrorRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Calls)
}

// Alert is a threshold breach derived from telemetry.
type Alert struct {
	ID         int64
	RuleID     string
	Scope      string
	Severity   string
	Value      float64
	Threshold  float64
	Message    string
	DetectedAt time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
	ResolvedBy *string
}

// Open reports whether the alert is unresolved.
func (a Alert) Open() bool {
	return a.ResolvedAt == nil
}
