package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// TreeConfig tunes restart behaviour.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay in seconds.
	FailureDecay float64
	// FailureBackoff is the pause once the threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long each service gets to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns production defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree supervises the long-running services of `run`: telemetry flushing in the core layer,
// periodic jobs in the jobs layer, and the inbound HTTP server in the api layer.
type Tree struct {
	root *suture.Supervisor
	core *suture.Supervisor
	jobs *suture.Supervisor
	api  *suture.Supervisor
}

// NewTree builds the supervisor hierarchy. Supervisor events are logged through logger.
func NewTree(logger zerolog.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	log := logger.With().Str("component", "supervisor").Logger()
	rootSpec := suture.Spec{
		EventHook:        EventHook(log),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := rootSpec
	childSpec.EventHook = nil

	root := suture.New("case-monitor", rootSpec)
	core := suture.New("core", childSpec)
	jobs := suture.New("jobs", childSpec)
	api := suture.New("api", childSpec)
	root.Add(core)
	root.Add(jobs)
	root.Add(api)

	return &Tree{root: root, core: core, jobs: jobs, api: api}
}

// EventHook logs suture events with zerolog.
func EventHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		var ev *zerolog.Event
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			ev = logger.Error()
		case suture.EventTypeResume:
			ev = logger.Info()
		default:
			ev = logger.Warn()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}

// AddCore adds a service that other layers depend on.
func (t *Tree) AddCore(svc suture.Service) suture.ServiceToken { return t.core.Add(svc) }

// AddJob adds a periodic job.
func (t *Tree) AddJob(svc suture.Service) suture.ServiceToken { return t.jobs.Add(svc) }

// AddAPI adds a network-facing service.
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken { return t.api.Add(svc) }

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
