package resilience

import (
	"sync"
	"time"

	"case-monitor/internal/clock"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerSettings tune one breaker. Zero values fall back to conservative defaults.
type BreakerSettings struct {
	Name string
	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold int
	// ErrorRateThreshold trips on failures/requests within Window; 0 disables it.
	ErrorRateThreshold float64
	MinRequests        int
	Window             time.Duration
	Cooldown           time.Duration
	MaxCooldown        time.Duration
	HalfOpenProbes     int
	OnStateChange      func(name string, from, to State)
}

// CircuitState is a snapshot of a breaker.
type CircuitState struct {
	Name                string
	State               State
	ConsecutiveFailures int
	LastFailure         time.Time
	OpenUntil           time.Time
	Cooldown            time.Duration
}

// Admission ties a call to the breaker generation that let it through. Results from an
// older generation are ignored.
type Admission struct {
	generation uint64
}

type outcome struct {
	at time.Time
	ok bool
}

// CircuitBreaker guards one endpoint group.
type CircuitBreaker struct {
	mu       sync.Mutex
	settings BreakerSettings
	clock    clock.Clock

	state          State
	generation     uint64
	consecutive    int
	lastFailure    time.Time
	openUntil      time.Time
	cooldown       time.Duration
	probesIssued   int
	probeSuccesses int
	window         []outcome
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(settings BreakerSettings, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.Real{}
	}
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.MaxCooldown < settings.Cooldown {
		settings.MaxCooldown = settings.Cooldown
	}
	if settings.HalfOpenProbes <= 0 {
		settings.HalfOpenProbes = 1
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	return &CircuitBreaker{
		settings: settings,
		clock:    clk,
		state:    StateClosed,
		cooldown: settings.Cooldown,
	}
}

// Name returns the endpoint group name.
func (cb *CircuitBreaker) Name() string { return cb.settings.Name }

// BeforeCall reports whether a call may proceed. Every admitted call must be followed by
// OnResult or Release with the returned Admission.
func (cb *CircuitBreaker) BeforeCall() (Admission, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.setState(StateHalfOpen)
	}

	admission := Admission{generation: cb.generation}
	switch cb.state {
	case StateClosed:
		return admission, true
	case StateHalfOpen:
		if cb.probesIssued < cb.settings.HalfOpenProbes {
			cb.probesIssued++
			return admission, true
		}
		return Admission{}, false
	default:
		return Admission{}, false
	}
}

// OnResult records the outcome of an admitted call. A result admitted before the last
// state change is dropped, so a slow call from CLOSED cannot decide a HALF_OPEN probe.
func (cb *CircuitBreaker) OnResult(a Admission, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if a.generation != cb.generation {
		return
	}
	now := cb.clock.Now()
	if !success {
		cb.lastFailure = now
	}

	switch cb.state {
	case StateClosed:
		cb.record(now, success)
		if success {
			cb.consecutive = 0
			return
		}
		cb.consecutive++
		if cb.shouldTrip(now) {
			cb.trip(now, cb.settings.Cooldown)
		}
	case StateHalfOpen:
		if !success {
			next := cb.cooldown * 2
			if next > cb.settings.MaxCooldown {
				next = cb.settings.MaxCooldown
			}
			cb.trip(now, next)
			return
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.settings.HalfOpenProbes {
			cb.close()
		}
	}
}

// Release returns an admission that never reached the provider.
func (cb *CircuitBreaker) Release(a Admission) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if a.generation != cb.generation {
		return
	}
	if cb.state == StateHalfOpen && cb.probesIssued > cb.probeSuccesses {
		cb.probesIssued--
	}
}

// ForceOpen trips the breaker immediately for the base cooldown.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(cb.clock.Now(), cb.settings.Cooldown)
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
}

// Snapshot returns the current state without mutating it.
func (cb *CircuitBreaker) Snapshot() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state := cb.state
	if state == StateOpen && !cb.clock.Now().Before(cb.openUntil) {
		state = StateHalfOpen
	}
	return CircuitState{
		Name:                cb.settings.Name,
		State:               state,
		ConsecutiveFailures: cb.consecutive,
		LastFailure:         cb.lastFailure,
		OpenUntil:           cb.openUntil,
		Cooldown:            cb.cooldown,
	}
}

func (cb *CircuitBreaker) shouldTrip(now time.Time) bool {
	if cb.consecutive >= cb.settings.FailureThreshold {
		return true
	}
	if cb.settings.ErrorRateThreshold <= 0 {
		return false
	}
	total := len(cb.window)
	if total == 0 || total < cb.settings.MinRequests {
		return false
	}
	failures := 0
	for _, o := range cb.window {
		if !o.ok {
			failures++
		}
	}
	return float64(failures)/float64(total) >= cb.settings.ErrorRateThreshold
}

func (cb *CircuitBreaker) record(now time.Time, ok bool) {
	cutoff := now.Add(-cb.settings.Window)
	keep := cb.window[:0]
	for _, o := range cb.window {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	cb.window = append(keep, outcome{at: now, ok: ok})
}

func (cb *CircuitBreaker) trip(now time.Time, cooldown time.Duration) {
	cb.cooldown = cooldown
	cb.openUntil = now.Add(cooldown)
	cb.probesIssued = 0
	cb.probeSuccesses = 0
	cb.setState(StateOpen)
}

func (cb *CircuitBreaker) close() {
	cb.consecutive = 0
	cb.cooldown = cb.settings.Cooldown
	cb.openUntil = time.Time{}
	cb.probesIssued = 0
	cb.probeSuccesses = 0
	cb.window = cb.window[:0]
	cb.setState(StateClosed)
}

// setState requires cb.mu.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++
	if to == StateHalfOpen {
		cb.probesIssued = 0
		cb.probeSuccesses = 0
	}
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.settings.Name, from, to)
	}
}
