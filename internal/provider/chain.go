package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codectx/internal/core"
)

// backoffSteps are the waits before attempt 1, 2, and 3 within one request.
// The chain never sleeps past the caller's deadline.
var backoffSteps = []time.Duration{0, 50 * time.Millisecond, 200 * time.Millisecond}

// ChainConfig bounds the chain's per-provider failure bookkeeping.
type ChainConfig struct {
	// FailureLimit failures within FailureWindow demote a provider.
	FailureLimit  int
	FailureWindow time.Duration
	// Cooldown is how long a demoted provider sits out before it is
	// tried again.
	Cooldown time.Duration
}

// DefaultChainConfig returns the standard demotion policy.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		FailureLimit:  3,
		FailureWindow: time.Minute,
		Cooldown:      30 * time.Second,
	}
}

// ProviderState is one provider's entry in a chain snapshot.
type ProviderState struct {
	Name          string     `json:"name"`
	Position      int        `json:"position"`
	Demoted       bool       `json:"demoted"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Failures      int        `json:"recent_failures"`
}

// entry tracks one provider's recent failures.
type entry struct {
	name          string
	failures      []time.Time
	cooldownUntil time.Time
}

// chainState holds the bookkeeping shared by both chain kinds.
type chainState struct {
	mu      sync.Mutex
	cfg     ChainConfig
	entries []*entry
	logger  core.Logger
	kind    string
	now     func() time.Time
}

func newChainState(kind string, names []string, cfg ChainConfig, logger core.Logger) *chainState {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	entries := make([]*entry, len(names))
	for i, n := range names {
		entries[i] = &entry{name: n}
	}
	return &chainState{
		cfg:     cfg,
		entries: entries,
		logger:  logger,
		kind:    kind,
		now:     time.Now,
	}
}

// order returns provider indices to try for this request: healthy providers
// in configured order, then demoted ones as a last resort. A fully demoted
// chain still gets attempted rather than failing without trying.
func (s *chainState) order() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	healthy := make([]int, 0, len(s.entries))
	demoted := make([]int, 0)
	for i, e := range s.entries {
		if e.cooldownUntil.After(now) {
			demoted = append(demoted, i)
		} else {
			healthy = append(healthy, i)
		}
	}
	return append(healthy, demoted...)
}

func (s *chainState) recordSuccess(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[idx]
	e.failures = e.failures[:0]
	e.cooldownUntil = time.Time{}
}

func (s *chainState) recordFailure(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e := s.entries[idx]

	kept := e.failures[:0]
	cutoff := now.Add(-s.cfg.FailureWindow)
	for _, t := range e.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failures = append(kept, now)

	if len(e.failures) >= s.cfg.FailureLimit && !e.cooldownUntil.After(now) {
		e.cooldownUntil = now.Add(s.cfg.Cooldown)
		s.logger.Warn("Provider demoted after repeated failures", map[string]interface{}{
			"chain":          s.kind,
			"provider":       e.name,
			"failures":       len(e.failures),
			"cooldown_until": e.cooldownUntil.Format(time.RFC3339),
		})
	}
}

// Snapshot reports per-provider chain state for the health endpoint.
func (s *chainState) Snapshot() []ProviderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	out := make([]ProviderState, len(s.entries))
	for i, e := range s.entries {
		ps := ProviderState{
			Name:     e.name,
			Position: i,
			Failures: len(e.failures),
		}
		if e.cooldownUntil.After(now) {
			ps.Demoted = true
			until := e.cooldownUntil
			ps.CooldownUntil = &until
		}
		out[i] = ps
	}
	return out
}

// wait sleeps for the backoff step preceding attempt number, respecting
// context cancellation.
func (s *chainState) wait(ctx context.Context, attempt int) error {
	step := backoffSteps[len(backoffSteps)-1]
	if attempt < len(backoffSteps) {
		step = backoffSteps[attempt]
	}
	if step == 0 {
		return nil
	}
	t := time.NewTimer(step)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// attemptOutcome is the chain's decision after a classified provider failure.
type attemptOutcome int

const (
	outcomeAdvance attemptOutcome = iota
	outcomeAdvanceWithDrift
	outcomeFailFast
)

// decide applies the failure-class action table. otherSeen tracks whether an
// unclassified failure has already consumed its single advance.
func decide(err error, otherSeen *bool) attemptOutcome {
	switch core.Classify(err) {
	case core.ClassTimeout, core.ClassUnavailable, core.ClassRateLimited:
		return outcomeAdvance
	case core.ClassModelNotFound:
		return outcomeAdvanceWithDrift
	case core.ClassAuth:
		return outcomeFailFast
	default:
		if *otherSeen {
			return outcomeFailFast
		}
		*otherSeen = true
		return outcomeAdvance
	}
}

// EmbedderChain runs an ordered list of embedding providers as one logical
// provider, advancing past transient failures.
type EmbedderChain struct {
	providers []Embedder
	state     *chainState
	logger    core.Logger
}

// NewEmbedderChain builds a chain over providers in priority order.
func NewEmbedderChain(providers []Embedder, cfg ChainConfig, logger core.Logger) *EmbedderChain {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	return &EmbedderChain{
		providers: providers,
		state:     newChainState("embedding", names, cfg, logger),
		logger:    logger,
	}
}

// Name identifies the chain as a single logical provider.
func (c *EmbedderChain) Name() string { return "embedding-chain" }

// Snapshot exposes per-provider state for health reporting.
func (c *EmbedderChain) Snapshot() []ProviderState { return c.state.Snapshot() }

// Embed tries providers in order until one succeeds. Warnings accumulated
// during fallback (configuration drift) are returned alongside the vector.
func (c *EmbedderChain) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, _, err := c.EmbedWithWarnings(ctx, text)
	return vec, err
}

// EmbedWithWarnings is Embed plus the warnings the fallback path produced.
func (c *EmbedderChain) EmbedWithWarnings(ctx context.Context, text string) ([]float32, []string, error) {
	if len(c.providers) == 0 {
		return nil, nil, core.E("provider.Embed", "provider", core.ErrMissingConfiguration)
	}

	var warnings []string
	var lastErr error
	otherSeen := false

	for attempt, idx := range c.state.order() {
		if err := c.state.wait(ctx, attempt); err != nil {
			return nil, warnings, fmt.Errorf("embedding chain: %w", err)
		}

		p := c.providers[idx]
		vec, err := p.Embed(ctx, text)
		if err == nil {
			c.state.recordSuccess(idx)
			if attempt > 0 {
				c.logger.Info("Embedding served by fallback provider", map[string]interface{}{
					"provider": p.Name(),
					"attempt":  attempt + 1,
				})
			}
			return vec, warnings, nil
		}

		c.state.recordFailure(idx)
		lastErr = err
		c.logger.Warn("Embedding provider failed", map[string]interface{}{
			"provider": p.Name(),
			"class":    string(core.Classify(err)),
			"error":    err.Error(),
		})

		switch decide(err, &otherSeen) {
		case outcomeFailFast:
			return nil, warnings, fmt.Errorf("embedding chain: %w", err)
		case outcomeAdvanceWithDrift:
			warnings = append(warnings, fmt.Sprintf("configuration drift: provider %s reports its model missing", p.Name()))
		}
		if ctx.Err() != nil {
			return nil, warnings, fmt.Errorf("embedding chain: %w", ctx.Err())
		}
	}

	return nil, warnings, fmt.Errorf("embedding chain: all providers failed: %v: %w", lastErr, core.ErrRetryExhausted)
}

// SynthesizerChain runs an ordered list of synthesis providers as one logical
// provider with the same fallback policy as the embedding chain.
type SynthesizerChain struct {
	providers []Synthesizer
	state     *chainState
	logger    core.Logger
}

// NewSynthesizerChain builds a chain over providers in priority order.
func NewSynthesizerChain(providers []Synthesizer, cfg ChainConfig, logger core.Logger) *SynthesizerChain {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	return &SynthesizerChain{
		providers: providers,
		state:     newChainState("synthesis", names, cfg, logger),
		logger:    logger,
	}
}

// Name identifies the chain as a single logical provider.
func (c *SynthesizerChain) Name() string { return "synthesis-chain" }

// Snapshot exposes per-provider state for health reporting.
func (c *SynthesizerChain) Snapshot() []ProviderState { return c.state.Snapshot() }

// Synthesize tries providers in order until one succeeds.
func (c *SynthesizerChain) Synthesize(ctx context.Context, system, user string, opts *SynthesisOptions) (string, error) {
	text, _, err := c.SynthesizeWithWarnings(ctx, system, user, opts)
	return text, err
}

// SynthesizeWithWarnings is Synthesize plus fallback warnings.
func (c *SynthesizerChain) SynthesizeWithWarnings(ctx context.Context, system, user string, opts *SynthesisOptions) (string, []string, error) {
	if len(c.providers) == 0 {
		return "", nil, core.E("provider.Synthesize", "provider", core.ErrMissingConfiguration)
	}
	if opts == nil {
		opts = DefaultSynthesisOptions()
	}

	var warnings []string
	var lastErr error
	otherSeen := false

	for attempt, idx := range c.state.order() {
		if err := c.state.wait(ctx, attempt); err != nil {
			return "", warnings, fmt.Errorf("synthesis chain: %w", err)
		}

		p := c.providers[idx]
		text, err := p.Synthesize(ctx, system, user, opts)
		if err == nil {
			c.state.recordSuccess(idx)
			if attempt > 0 {
				c.logger.Info("Synthesis served by fallback provider", map[string]interface{}{
					"provider": p.Name(),
					"attempt":  attempt + 1,
				})
			}
			return text, warnings, nil
		}

		c.state.recordFailure(idx)
		lastErr = err
		c.logger.Warn("Synthesis provider failed", map[string]interface{}{
			"provider": p.Name(),
			"class":    string(core.Classify(err)),
			"error":    err.Error(),
		})

		switch decide(err, &otherSeen) {
		case outcomeFailFast:
			return "", warnings, fmt.Errorf("synthesis chain: %w", err)
		case outcomeAdvanceWithDrift:
			warnings = append(warnings, fmt.Sprintf("configuration drift: provider %s reports its model missing", p.Name()))
		}
		if ctx.Err() != nil {
			return "", warnings, fmt.Errorf("synthesis chain: %w", ctx.Err())
		}
	}

	return "", warnings, fmt.Errorf("synthesis chain: all providers failed: %v: %w", lastErr, core.ErrRetryExhausted)
}
