package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval with the tick's slot time.
type TickFunc func(ctx context.Context, slot time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires one tick right after the startup delay.
	RunOnStart bool
}

// Scheduler runs a job periodically. It is a supervised service: Serve blocks until ctx ends.
type Scheduler struct {
	name   string
	opts   Options
	tick   TickFunc
	logger zerolog.Logger
}

// New constructs a named Scheduler for tick.
func New(name string, opts Options, tick TickFunc, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		name:   name,
		opts:   opts,
		tick:   tick,
		logger: logger.With().Str("component", "scheduler").Str("job", name).Logger(),
	}
}

// Serve invokes the tick function at each interval until ctx is cancelled.
// Tick errors are logged; the next slot still runs.
func (s *Scheduler) Serve(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if s.opts.RunOnStart {
		s.run(ctx, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_slot", next).Msg("waiting for next slot")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.run(ctx, s.slotStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) run(ctx context.Context, slot time.Time) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	s.logger.Debug().Time("slot", slot).Msg("executing scheduled tick")
	if err := s.tick(ctx, slot); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Time("slot", slot).Msg("tick execution failed")
		return
	}
	s.logger.Debug().Time("slot", slot).Dur("took", time.Since(start)).Msg("tick complete")
}

// String names the job for supervision logs.
func (s *Scheduler) String() string {
	return "scheduler:" + s.name
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func (s *Scheduler) slotStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
