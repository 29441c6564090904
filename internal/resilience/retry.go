package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"case-monitor/internal/clock"
)

// JitterFunc returns a value in [0, n).
type JitterFunc func(n int64) int64

// RetryPolicy retries transient failures with capped exponential backoff plus jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Clock       clock.Clock
	Jitter      JitterFunc
	// Classify overrides the default retryable check.
	Classify func(error) bool
	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Outcome summarises an Execute call.
type Outcome struct {
	Err        error
	Attempts   int
	TotalDelay time.Duration
}

// Operation is one attempt of a retried call.
type Operation func(ctx context.Context) error

// Execute runs op until it succeeds, fails terminally, or exhausts MaxAttempts.
func (p RetryPolicy) Execute(ctx context.Context, op Operation) Outcome {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	retryable := p.Classify
	if retryable == nil {
		retryable = Retryable
	}

	var out Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		err := op(ctx)
		out.Err = err
		if err == nil {
			return out
		}
		if !retryable(err) || attempt == maxAttempts {
			return out
		}
		if ctx.Err() != nil {
			return out
		}

		delay := p.Delay(attempt)
		var perr *ProviderError
		if errors.As(err, &perr) && perr.RetryAfter > delay {
			delay = perr.RetryAfter
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := clk.Sleep(ctx, delay); serr != nil {
			out.Err = errors.Join(serr, err)
			return out
		}
		out.TotalDelay += delay
	}
	return out
}

// Delay returns the backoff after the given failed attempt (1-based), jitter included.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.backoff(attempt)
	if base <= 0 {
		return 0
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	return base + time.Duration(jitter(int64(base)))
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs fn under p and returns its value alongside the outcome.
func Do[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, Outcome) {
	var result T
	out := p.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, out
}
