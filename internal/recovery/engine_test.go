package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codectx/internal/model"
)

func unhealthyGraph(failures int) model.ServiceHealth {
	return model.ServiceHealth{
		Service:             "graph",
		Status:              model.StatusUnhealthy,
		ConsecutiveFailures: failures,
		LastError:           "connection refused",
	}
}

func restartRule(maxAttempts int) Rule {
	return Rule{
		Name:           "graph-restart",
		ServicePattern: "graph",
		Trigger:        Trigger{ConsecutiveFailures: 3},
		Action:         model.ActionRestart,
		MaxAttempts:    maxAttempts,
	}
}

func newTestEngine(rules []Rule, actions Actions) (*Engine, *time.Time) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(rules, actions, Config{Cooldown: time.Minute, MaxPerHour: 5}, nil)
	e.now = func() time.Time { return now }
	return e, &now
}

func TestRestartFiresOnTrigger(t *testing.T) {
	var restarted []string
	e, _ := newTestEngine([]Rule{restartRule(2)}, Actions{
		Restart: func(ctx context.Context, service string) error {
			restarted = append(restarted, service)
			return nil
		},
	})

	attempt := e.Evaluate(context.Background(), unhealthyGraph(3))
	require.NotNil(t, attempt)
	assert.Equal(t, model.ActionRestart, attempt.Action)
	assert.True(t, attempt.Success)
	assert.Equal(t, 1, attempt.Ordinal)
	assert.Equal(t, []string{"graph"}, restarted)
}

func TestNoFireBelowThreshold(t *testing.T) {
	e, _ := newTestEngine([]Rule{restartRule(2)}, Actions{})
	assert.Nil(t, e.Evaluate(context.Background(), unhealthyGraph(2)))
}

func TestCooldownCollapsesRestarts(t *testing.T) {
	count := 0
	e, now := newTestEngine([]Rule{restartRule(5)}, Actions{
		Restart: func(ctx context.Context, service string) error { count++; return nil },
	})

	require.NotNil(t, e.Evaluate(context.Background(), unhealthyGraph(3)))
	assert.Nil(t, e.Evaluate(context.Background(), unhealthyGraph(4)), "within cooldown")
	assert.Equal(t, 1, count)

	*now = now.Add(61 * time.Second)
	require.NotNil(t, e.Evaluate(context.Background(), unhealthyGraph(5)))
	assert.Equal(t, 2, count)
}

func TestRuleCapEscalates(t *testing.T) {
	restarts := 0
	var escalations []string
	e, now := newTestEngine([]Rule{restartRule(2)}, Actions{
		Restart:  func(ctx context.Context, service string) error { restarts++; return nil },
		Escalate: func(service, reason string) { escalations = append(escalations, reason) },
	})

	for i := 0; i < 3; i++ {
		attempt := e.Evaluate(context.Background(), unhealthyGraph(3 + i))
		require.NotNil(t, attempt)
		*now = now.Add(2 * time.Minute)
	}

	assert.Equal(t, 2, restarts, "rule cap allows exactly two restarts")
	require.Len(t, escalations, 1)
	assert.Contains(t, escalations[0], "graph-restart")

	attempts := e.Attempts("graph")
	require.Len(t, attempts, 3)
	assert.Equal(t, model.ActionRestart, attempts[0].Action)
	assert.Equal(t, model.ActionRestart, attempts[1].Action)
	assert.Equal(t, model.ActionEscalate, attempts[2].Action)
}

func TestServiceHourlyCapEscalates(t *testing.T) {
	restarts := 0
	e, now := newTestEngine([]Rule{restartRule(0)}, Actions{
		Restart: func(ctx context.Context, service string) error { restarts++; return nil },
	})
	e.SetGuardrails(Config{MaxPerHour: 2})

	for i := 0; i < 3; i++ {
		require.NotNil(t, e.Evaluate(context.Background(), unhealthyGraph(3)))
		*now = now.Add(2 * time.Minute)
	}
	assert.Equal(t, 2, restarts)
	attempts := e.Attempts("graph")
	assert.Equal(t, model.ActionEscalate, attempts[2].Action)
}

func TestClearCacheAction(t *testing.T) {
	var cleared []string
	rule := Rule{
		Name:           "cache-clear",
		ServicePattern: "redis",
		Trigger:        Trigger{ErrorPattern: "OOM"},
		Action:         model.ActionClearCache,
	}
	e, _ := newTestEngine([]Rule{rule}, Actions{
		ClearCache: func(ctx context.Context, service string) error {
			cleared = append(cleared, service)
			return nil
		},
	})

	h := model.ServiceHealth{Service: "redis", ConsecutiveFailures: 1, LastError: "OOM command not allowed"}
	attempt := e.Evaluate(context.Background(), h)
	require.NotNil(t, attempt)
	assert.Equal(t, []string{"redis"}, cleared)
}

func TestGlobServicePattern(t *testing.T) {
	fired := false
	rule := Rule{
		Name:           "any-latency",
		ServicePattern: "*",
		Trigger:        Trigger{LatencyOverMS: 1000},
		Action:         model.ActionNoop,
	}
	e, _ := newTestEngine([]Rule{rule}, Actions{})

	attempt := e.Evaluate(context.Background(), model.ServiceHealth{Service: "vector", LatencyMS: 1500})
	require.NotNil(t, attempt)
	fired = attempt.Action == model.ActionNoop
	assert.True(t, fired)
}

func TestMissingEffectorRecordsFailure(t *testing.T) {
	e, _ := newTestEngine([]Rule{restartRule(0)}, Actions{})
	attempt := e.Evaluate(context.Background(), unhealthyGraph(3))
	require.NotNil(t, attempt)
	assert.False(t, attempt.Success)
	assert.NotEmpty(t, attempt.Error)
}
