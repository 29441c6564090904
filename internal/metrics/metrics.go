package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider calls
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_provider_calls_total",
			Help: "Logical provider calls by kind and outcome code",
		},
		[]string{"kind", "code"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "casemonitor_provider_call_duration_seconds",
			Help:    "Duration of logical provider calls including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_provider_attempts_total",
			Help: "Physical HTTP attempts against the provider",
		},
		[]string{"kind"},
	)

	ProviderCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_provider_cost_total",
			Help: "Accumulated provider cost in configured currency units",
		},
		[]string{"kind"},
	)

	RateLimitWaitSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_rate_limit_wait_seconds_total",
			Help: "Time spent waiting for rate limit tokens",
		},
		[]string{"scope"},
	)

	// Circuit breakers
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casemonitor_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Dispatcher
	DispatchCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_dispatch_cycles_total",
			Help: "Dispatch cycles by result",
		},
		[]string{"result"}, // "completed", "skipped_locked", "failed"
	)

	DispatchCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "casemonitor_dispatch_cycle_duration_seconds",
			Help:    "Duration of dispatch cycles",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	DispatchEntities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_dispatch_entities_total",
			Help: "Entities processed per resulting mode",
		},
		[]string{"mode"},
	)

	// Webhook ingestion
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_webhook_events_total",
			Help: "Webhook deliveries by ingestion status",
		},
		[]string{"status"},
	)

	MovementsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_movements_stored_total",
			Help: "Movements persisted for the first time",
		},
		[]string{"source"},
	)

	// Telemetry and alerts
	TelemetryDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casemonitor_telemetry_dropped_total",
			Help: "Telemetry events dropped because the buffer was full",
		},
	)

	TelemetryFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casemonitor_telemetry_flush_errors_total",
			Help: "Failed telemetry batch writes",
		},
	)

	AlertsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casemonitor_alerts_open",
			Help: "Open alerts by rule and scope",
		},
		[]string{"rule", "scope"},
	)

	AlertNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_alert_notifications_total",
			Help: "Alert notifications by channel and result",
		},
		[]string{"channel", "result"},
	)

	BusPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casemonitor_bus_publishes_total",
			Help: "Movement bus publishes by result",
		},
		[]string{"result"},
	)
)

// RecordProviderCall records one logical provider call.
func RecordProviderCall(kind, code string, duration time.Duration, attempts int, cost float64) {
	ProviderCalls.WithLabelValues(kind, code).Inc()
	ProviderCallDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if attempts > 0 {
		ProviderAttempts.WithLabelValues(kind).Add(float64(attempts))
	}
	if cost > 0 {
		ProviderCost.WithLabelValues(kind).Add(cost)
	}
}

// RecordBreakerTransition exports a breaker state change.
// state is 0 for closed, 1 for half-open and 2 for open.
func RecordBreakerTransition(name, from, to string, state int) {
	BreakerState.WithLabelValues(name).Set(float64(state))
	BreakerTransitions.WithLabelValues(name, from, to).Inc()
}

// RecordDispatchCycle records a finished cycle.
func RecordDispatchCycle(result string, duration time.Duration) {
	DispatchCycles.WithLabelValues(result).Inc()
	if duration > 0 {
		DispatchCycleDuration.Observe(duration.Seconds())
	}
}
