// Package recovery evaluates remediation rules against health observations
// and executes bounded recovery actions: restarts, cache clears, reconnect
// probes, and escalation when caps are exhausted.
package recovery

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sync"
	"time"

	"codectx/internal/core"
	"codectx/internal/health"
	"codectx/internal/model"
)

// Trigger is the condition part of a rule. Zero fields do not constrain; at
// least one must be set for the rule to ever fire.
type Trigger struct {
	ConsecutiveFailures int
	LatencyOverMS       int64
	ErrorPattern        string
}

func (t Trigger) matches(h model.ServiceHealth) bool {
	fired := false
	if t.ConsecutiveFailures > 0 {
		if h.ConsecutiveFailures < t.ConsecutiveFailures {
			return false
		}
		fired = true
	}
	if t.LatencyOverMS > 0 {
		if h.LatencyMS < t.LatencyOverMS {
			return false
		}
		fired = true
	}
	if t.ErrorPattern != "" {
		matched, err := regexp.MatchString(t.ErrorPattern, h.LastError)
		if err != nil || !matched {
			return false
		}
		fired = true
	}
	return fired
}

// Rule binds a trigger to an action for services matching a glob pattern.
type Rule struct {
	Name           string
	ServicePattern string
	Trigger        Trigger
	Action         model.RecoveryAction
	MaxAttempts    int // per hour for this rule; 0 means unlimited
}

func (r Rule) appliesTo(service string) bool {
	if ok, err := path.Match(r.ServicePattern, service); err == nil && ok {
		return true
	}
	return r.ServicePattern == service
}

// Actions are the injected effectors. Nil actions make the corresponding
// rule a recorded no-op failure.
type Actions struct {
	Restart    func(ctx context.Context, service string) error
	Reconnect  func(ctx context.Context, service string) error
	ClearCache func(ctx context.Context, service string) error
	Escalate   func(service, reason string)
}

// Config bounds attempt frequency.
type Config struct {
	Cooldown   time.Duration
	MaxPerHour int
}

// DefaultConfig returns the standard recovery guardrails.
func DefaultConfig() Config {
	return Config{Cooldown: time.Minute, MaxPerHour: 5}
}

// Engine evaluates rules against health snapshots. It is the only component
// that issues restart-class commands.
type Engine struct {
	rules   []Rule
	actions Actions
	logger  core.Logger

	mu       sync.Mutex
	cfg      Config
	attempts map[string][]taggedAttempt
	now      func() time.Time
}

// taggedAttempt carries rule attribution for per-rule caps without widening
// the public attempt record.
type taggedAttempt struct {
	model.RecoveryAttempt
	rule string
}

// NewEngine creates an engine with the given rules and effectors.
func NewEngine(rules []Rule, actions Actions, cfg Config, logger core.Logger) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = 5
	}
	return &Engine{
		rules:    rules,
		actions:  actions,
		logger:   logger,
		cfg:      cfg,
		attempts: make(map[string][]taggedAttempt),
		now:      time.Now,
	}
}

// SetGuardrails replaces the cooldown and hourly cap at runtime.
func (e *Engine) SetGuardrails(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Cooldown > 0 {
		e.cfg.Cooldown = cfg.Cooldown
	}
	if cfg.MaxPerHour > 0 {
		e.cfg.MaxPerHour = cfg.MaxPerHour
	}
}

// Run consumes health updates until the channel closes or ctx is done.
func (e *Engine) Run(ctx context.Context, updates <-chan health.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			e.Evaluate(ctx, u.Health)
		}
	}
}

// Evaluate checks every rule against one health observation and executes at
// most one action. It returns the recorded attempt, or nil when nothing
// fired or the service is in cooldown.
func (e *Engine) Evaluate(ctx context.Context, h model.ServiceHealth) *model.RecoveryAttempt {
	for _, rule := range e.rules {
		if !rule.appliesTo(h.Service) || !rule.Trigger.matches(h) {
			continue
		}
		return e.execute(ctx, rule, h.Service)
	}
	return nil
}

// Attempts returns the recorded attempts for a service, oldest first.
func (e *Engine) Attempts(service string) []model.RecoveryAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.RecoveryAttempt, 0, len(e.attempts[service]))
	for _, a := range e.attempts[service] {
		out = append(out, a.RecoveryAttempt)
	}
	return out
}

func (e *Engine) execute(ctx context.Context, rule Rule, service string) *model.RecoveryAttempt {
	e.mu.Lock()
	now := e.now()
	history := e.attempts[service]

	// Attempts within cooldown collapse to the earlier one.
	if len(history) > 0 && now.Sub(history[len(history)-1].Timestamp) < e.cfg.Cooldown {
		e.mu.Unlock()
		return nil
	}

	action := rule.Action
	reason := ""
	if e.countInWindow(service, "", now) >= e.cfg.MaxPerHour {
		action = model.ActionEscalate
		reason = fmt.Sprintf("service %s exceeded %d recovery attempts per hour", service, e.cfg.MaxPerHour)
	} else if rule.MaxAttempts > 0 && e.countInWindow(service, rule.Name, now) >= rule.MaxAttempts {
		action = model.ActionEscalate
		reason = fmt.Sprintf("rule %s exceeded %d attempts per hour for %s", rule.Name, rule.MaxAttempts, service)
	}

	attempt := model.RecoveryAttempt{
		Service:   service,
		Action:    action,
		Timestamp: now,
		Ordinal:   len(history) + 1,
	}
	e.mu.Unlock()

	err := e.perform(ctx, action, service, reason, rule)
	attempt.Success = err == nil
	if err != nil {
		attempt.Error = err.Error()
	}

	e.mu.Lock()
	e.attempts[service] = append(e.attempts[service], taggedAttempt{RecoveryAttempt: attempt, rule: rule.Name})
	e.mu.Unlock()

	e.logger.Info("Recovery attempt", map[string]interface{}{
		"service": service,
		"action":  string(action),
		"rule":    rule.Name,
		"success": attempt.Success,
		"ordinal": attempt.Ordinal,
	})
	return &attempt
}

// countInWindow counts non-escalate attempts in the last hour, optionally
// restricted to one rule. Escalations do not consume the budget.
func (e *Engine) countInWindow(service, ruleName string, now time.Time) int {
	cutoff := now.Add(-time.Hour)
	count := 0
	for _, a := range e.attempts[service] {
		if a.Timestamp.Before(cutoff) || a.Action == model.ActionEscalate {
			continue
		}
		if ruleName != "" && a.rule != ruleName {
			continue
		}
		count++
	}
	return count
}

func (e *Engine) perform(ctx context.Context, action model.RecoveryAction, service, reason string, rule Rule) error {
	switch action {
	case model.ActionRestart:
		if e.actions.Restart == nil {
			return fmt.Errorf("no restart command configured")
		}
		return e.actions.Restart(ctx, service)
	case model.ActionReconnect:
		if e.actions.Reconnect == nil {
			return fmt.Errorf("no reconnect probe configured")
		}
		return e.actions.Reconnect(ctx, service)
	case model.ActionClearCache:
		if e.actions.ClearCache == nil {
			return fmt.Errorf("no cache clearer configured")
		}
		return e.actions.ClearCache(ctx, service)
	case model.ActionEscalate:
		if reason == "" {
			reason = fmt.Sprintf("rule %s escalated for %s", rule.Name, service)
		}
		if e.actions.Escalate != nil {
			e.actions.Escalate(service, reason)
		}
		e.logger.Error("Recovery escalation", map[string]interface{}{
			"service": service,
			"reason":  reason,
		})
		return nil
	default:
		return nil
	}
}
