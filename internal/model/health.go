package model

import "time"

// ServiceStatus is the monitored status of one external dependency.
type ServiceStatus string

const (
	StatusHealthy       ServiceStatus = "healthy"
	StatusDegraded      ServiceStatus = "degraded"
	StatusUnhealthy     ServiceStatus = "unhealthy"
	StatusUnknownHealth ServiceStatus = "unknown"
)

// ProbeResult is one health probe observation.
type ProbeResult struct {
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// ServiceHealth is the per-service health snapshot maintained by the monitor.
type ServiceHealth struct {
	Service             string        `json:"service"`
	Status              ServiceStatus `json:"status"`
	LatencyMS           int64         `json:"latency_ms"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastTransition      time.Time     `json:"last_transition"`
	History             []ProbeResult `json:"-"`
}

// RecoveryAction is a remediation the recovery engine may take.
type RecoveryAction string

const (
	ActionRestart    RecoveryAction = "restart"
	ActionClearCache RecoveryAction = "clear_cache"
	ActionReconnect  RecoveryAction = "reconnect"
	ActionEscalate   RecoveryAction = "escalate"
	ActionNoop       RecoveryAction = "noop"
)

// RecoveryAttempt records one remediation attempt.
type RecoveryAttempt struct {
	Service   string         `json:"service"`
	Action    RecoveryAction `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Ordinal   int            `json:"ordinal"`
}
