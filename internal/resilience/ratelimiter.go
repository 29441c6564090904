package resilience

import (
	"math"
	"time"

	"golang.org/x/time/rate"

	"case-monitor/internal/clock"
)

// RateLimitOptions configure a token bucket.
type RateLimitOptions struct {
	Scope    string
	Capacity int
	// Refill tokens are added every RefillEvery.
	Refill      float64
	RefillEvery time.Duration
}

// PerSecond returns the steady-state refill rate.
func (o RateLimitOptions) PerSecond() float64 {
	if o.RefillEvery <= 0 {
		return 0
	}
	return o.Refill / o.RefillEvery.Seconds()
}

// RateBucket is a point-in-time view of a limiter.
type RateBucket struct {
	Scope      string
	Tokens     float64
	Capacity   int
	RefillRate float64
}

// RateLimiter is a token bucket shared by every caller of one provider scope.
type RateLimiter struct {
	scope    string
	capacity int
	perSec   float64
	lim      *rate.Limiter
	clock    clock.Clock
}

// NewRateLimiter builds a limiter starting with a full bucket.
func NewRateLimiter(opts RateLimitOptions, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	perSec := opts.PerSecond()
	return &RateLimiter{
		scope:    opts.Scope,
		capacity: capacity,
		perSec:   perSec,
		lim:      rate.NewLimiter(rate.Limit(perSec), capacity),
		clock:    clk,
	}
}

// TryConsume takes cost tokens if they are available right now.
func (r *RateLimiter) TryConsume(cost int) bool {
	if cost <= 0 {
		return true
	}
	return r.lim.AllowN(r.clock.Now(), cost)
}

// TimeUntilAvailable returns how long until cost tokens exist. A cost above capacity never fits.
func (r *RateLimiter) TimeUntilAvailable(cost int) time.Duration {
	if cost <= 0 {
		return 0
	}
	if cost > r.capacity || r.perSec <= 0 {
		return rate.InfDuration
	}
	tokens := r.lim.TokensAt(r.clock.Now())
	deficit := float64(cost) - tokens
	if deficit <= 0 {
		return 0
	}
	wait := time.Duration(math.Ceil(deficit / r.perSec * float64(time.Second)))
	return wait
}

// Snapshot reports the current bucket state.
func (r *RateLimiter) Snapshot() RateBucket {
	return RateBucket{
		Scope:      r.scope,
		Tokens:     r.lim.TokensAt(r.clock.Now()),
		Capacity:   r.capacity,
		RefillRate: r.perSec,
	}
}

// Scope names the bucket.
func (r *RateLimiter) Scope() string { return r.scope }
