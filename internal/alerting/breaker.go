package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"case-monitor/internal/metrics"
	"case-monitor/internal/storage"
)

// ErrChannelUnavailable is returned while a channel's breaker is open.
var ErrChannelUnavailable = errors.New("alert channel unavailable")

// BreakerOptions tune BreakerNotifier.
type BreakerOptions struct {
	Name             string
	FailureThreshold uint32
	Cooldown         time.Duration
}

// BreakerNotifier stops hammering a failing alert channel.
type BreakerNotifier struct {
	next   Notifier
	cb     *gobreaker.CircuitBreaker[struct{}]
	logger zerolog.Logger
}

// NewBreakerNotifier wraps next with a circuit breaker.
func NewBreakerNotifier(next Notifier, opts BreakerOptions, logger zerolog.Logger) *BreakerNotifier {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	if opts.Name == "" {
		opts.Name = "alert-channel"
	}
	log := logger.With().Str("component", "alert_breaker").Str("channel", opts.Name).Logger()

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("alert channel breaker transition")
			metrics.RecordBreakerTransition(name, from.String(), to.String(), stateValue(to))
		},
	})

	return &BreakerNotifier{next: next, cb: cb, logger: log}
}

// Send delivers through the breaker.
func (b *BreakerNotifier) Send(ctx context.Context, alert storage.Alert) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, alert)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Warn().Int64("alert_id", alert.ID).Msg("alert dropped, channel breaker open")
		return ErrChannelUnavailable
	}
	return err
}

// State reports the breaker state name.
func (b *BreakerNotifier) State() string {
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

var _ Notifier = (*BreakerNotifier)(nil)
