// Package breaker implements the per-dependency circuit breaker gating
// outbound calls, with a forced-open path driven by health monitoring.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codectx/internal/core"
)

// State is the breaker phase.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenTrials   int
}

// DefaultConfig returns the standard breaker parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenTrials:   1,
	}
}

// StateChange notifies listeners of a transition.
type StateChange struct {
	Service string
	From    State
	To      State
	At      time.Time
}

// Breaker is a count-based circuit breaker for one dependency.
type Breaker struct {
	service string
	cfg     Config
	logger  core.Logger

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	trialsUsed   int
	forced       bool
	listeners    []func(StateChange)
	now          func() time.Time
}

// New creates a closed breaker for service.
func New(service string, cfg Config, logger core.Logger) *Breaker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	return &Breaker{
		service: service,
		cfg:     cfg,
		logger:  logger,
		state:   StateClosed,
		now:     time.Now,
	}
}

// OnStateChange registers a listener for transitions.
func (b *Breaker) OnStateChange(fn func(StateChange)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// State returns the current phase, applying the open → half-open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Allow reports whether a call may proceed. In half-open it consumes a trial
// permit.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialsUsed < b.cfg.HalfOpenTrials {
			b.trialsUsed++
			return nil
		}
		return fmt.Errorf("%s: %w", b.service, core.ErrCircuitOpen)
	default:
		return fmt.Errorf("%s: %w", b.service, core.ErrCircuitOpen)
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.forced = false
		b.transition(StateClosed)
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// ForceOpen opens the breaker regardless of call outcomes. Used when the
// health monitor reports the dependency unhealthy. The breaker recovers
// through the normal half-open path after ClearForce.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	if b.state != StateOpen {
		b.openedAt = b.now()
		b.transition(StateOpen)
	} else {
		b.openedAt = b.now()
	}
}

// ClearForce releases a forced-open hold; the reset timeout then applies
// from the last open timestamp.
func (b *Breaker) ClearForce() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
}

// Execute runs fn under the breaker: fail fast when open, record the outcome
// otherwise.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// refresh applies the open → half-open timeout. Forced-open breakers stay
// open until the force is cleared.
func (b *Breaker) refresh() {
	if b.state == StateOpen && !b.forced && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.trialsUsed = 0
		b.transition(StateHalfOpen)
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to != StateOpen {
		b.failures = 0
	}
	change := StateChange{Service: b.service, From: from, To: to, At: b.now()}
	b.logger.Info("Circuit breaker state change", map[string]interface{}{
		"service": b.service,
		"from":    string(from),
		"to":      string(to),
	})
	for _, fn := range b.listeners {
		go fn(change)
	}
}

// Registry holds one breaker per outbound dependency.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   core.Logger
}

// NewRegistry creates a registry; breakers are created on first use with cfg.
func NewRegistry(cfg Config, logger core.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the breaker for service, creating it if needed.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[service]; ok {
		return b
	}
	b = New(service, r.cfg, r.logger)
	r.breakers[service] = b
	return b
}

// States returns the current phase of every breaker, for health reporting.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
