package worker

import (
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/schema"
)

// BreakerState is the dispatch gate for a single worker target.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // rejecting calls until cooldown
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-target circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects before probing again.
	Cooldown time.Duration
	// HalfOpenMax caps probe requests while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the stock tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks failure state for one target.
type breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
	config      BreakerConfig
}

// Breakers manages a circuit per worker target.
type Breakers struct {
	mu       sync.Mutex
	byTarget map[string]*breaker
	config   BreakerConfig
}

// NewBreakers creates the set with the given tuning.
func NewBreakers(config BreakerConfig) *Breakers {
	return &Breakers{
		byTarget: make(map[string]*breaker),
		config:   config,
	}
}

// Allow reports whether a call to the target may proceed. An open circuit
// returns CIRCUIT_OPEN, which the retry policy treats like transport
// trouble: retryable, and the target never sees the call.
func (b *Breakers) Allow(target string) error {
	cb := b.get(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(cb.lastFailure) >= cb.config.Cooldown {
			cb.state = BreakerHalfOpen
			cb.probes = 1 // this call is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"worker %q circuit open after %d consecutive failures", target, cb.failures).
			WithDetails(map[string]any{
				"worker":             target,
				"failures":           cb.failures,
				"state":              cb.state.String(),
				"cooldown_remaining": (cb.config.Cooldown - time.Since(cb.lastFailure)).String(),
			})

	case BreakerHalfOpen:
		if cb.probes >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"worker %q circuit half-open: probe limit reached", target)
		}
		cb.probes++
		return nil
	}

	return nil
}

// Success closes the target's circuit and clears its failure count.
func (b *Breakers) Success(target string) {
	cb := b.get(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probes = 0
	cb.state = BreakerClosed
}

// Failure records a failed call and returns the resulting state. Any
// failure while half-open reopens the circuit immediately.
func (b *Breakers) Failure(target string) BreakerState {
	cb := b.get(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == BreakerHalfOpen {
		cb.state = BreakerOpen
		return BreakerOpen
	}

	if cb.failures >= cb.config.FailureThreshold {
		cb.state = BreakerOpen
		return BreakerOpen
	}

	return cb.state
}

// State returns the target's current state, applying cooldown expiry.
func (b *Breakers) State(target string) BreakerState {
	cb := b.get(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && time.Since(cb.lastFailure) >= cb.config.Cooldown {
		cb.state = BreakerHalfOpen
		cb.probes = 0
	}

	return cb.state
}

// Stats exposes per-target diagnostics for the control surface.
func (b *Breakers) Stats(target string) map[string]any {
	cb := b.get(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"worker":            target,
		"state":             cb.state.String(),
		"failures":          cb.failures,
		"failure_threshold": cb.config.FailureThreshold,
		"cooldown":          cb.config.Cooldown.String(),
	}
}

func (b *Breakers) get(target string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byTarget[target]
	if !ok {
		cb = &breaker{state: BreakerClosed, config: b.config}
		b.byTarget[target] = cb
	}
	return cb
}
