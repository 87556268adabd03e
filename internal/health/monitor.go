// Package health probes external services on a fixed cadence and derives
// per-service status from the probe history. Status changes feed the circuit
// breakers and the recovery engine through a subscription channel.
package health

import (
	"context"
	"sync"
	"time"

	"codectx/internal/core"
	"codectx/internal/model"
)

// Probe checks one service. Implementations return quickly; the monitor
// applies its own timeout.
type Probe func(ctx context.Context) error

// Config tunes the monitor.
type Config struct {
	Interval        time.Duration
	ProbeTimeout    time.Duration
	LatencyBaseline time.Duration
	LatencyFactor   float64
	HistorySize     int
}

// DefaultConfig returns the standard monitoring parameters.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		LatencyBaseline: 200 * time.Millisecond,
		LatencyFactor:   2,
		HistorySize:     50,
	}
}

// Update is one published status observation.
type Update struct {
	Service string
	Health  model.ServiceHealth
}

type service struct {
	name  string
	probe Probe

	mu      sync.Mutex
	health  model.ServiceHealth
	slowRun int
}

// Monitor owns probe scheduling and status derivation. Probes for the same
// service never overlap; each service runs its own serial loop.
type Monitor struct {
	cfg    Config
	logger core.Logger

	mu       sync.RWMutex
	services map[string]*service
	subs     []chan Update

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewMonitor creates a monitor; call Register then Start.
func NewMonitor(cfg Config, logger core.Logger) *Monitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.LatencyFactor <= 0 {
		cfg.LatencyFactor = 2
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		services: make(map[string]*service),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Register adds a service to probe. Must be called before Start.
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[name] = &service{
		name:  name,
		probe: probe,
		health: model.ServiceHealth{
			Service: name,
			Status:  model.StatusUnknownHealth,
		},
	}
}

// Subscribe returns a channel receiving every status observation. Slow
// consumers drop updates rather than blocking probes.
func (m *Monitor) Subscribe() <-chan Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Update, 16)
	m.subs = append(m.subs, ch)
	return ch
}

// Start launches one probe loop per registered service.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, svc := range m.services {
		m.wg.Add(1)
		go m.loop(ctx, svc)
	}
}

// Stop halts probing and closes subscription channels.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

// Snapshot returns the current health of every service.
func (m *Monitor) Snapshot() map[string]model.ServiceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.ServiceHealth, len(m.services))
	for name, svc := range m.services {
		svc.mu.Lock()
		out[name] = svc.health
		svc.mu.Unlock()
	}
	return out
}

// Overall reduces per-service statuses: any unhealthy → unhealthy, else any
// degraded → degraded, else healthy. No services → unknown.
func (m *Monitor) Overall() model.ServiceStatus {
	snapshot := m.Snapshot()
	if len(snapshot) == 0 {
		return model.StatusUnknownHealth
	}
	overall := model.StatusHealthy
	for _, h := range snapshot {
		switch h.Status {
		case model.StatusUnhealthy:
			return model.StatusUnhealthy
		case model.StatusDegraded, model.StatusUnknownHealth:
			overall = model.StatusDegraded
		}
	}
	return overall
}

// ProbeNow runs one probe cycle for a service immediately. Used at startup
// and by tests; the periodic loop calls the same path.
func (m *Monitor) ProbeNow(ctx context.Context, name string) (model.ServiceHealth, bool) {
	m.mu.RLock()
	svc, ok := m.services[name]
	m.mu.RUnlock()
	if !ok {
		return model.ServiceHealth{}, false
	}
	return m.runProbe(ctx, svc), true
}

func (m *Monitor) loop(ctx context.Context, svc *service) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.runProbe(ctx, svc)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbe(ctx, svc)
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context, svc *service) model.ServiceHealth {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	start := m.now()
	err := svc.probe(probeCtx)
	latency := m.now().Sub(start)
	cancel()

	result := model.ProbeResult{
		Timestamp: start,
		Success:   err == nil,
		Latency:   latency,
	}
	if err != nil {
		result.Error = err.Error()
	}

	health := m.apply(svc, result)
	m.publish(Update{Service: svc.name, Health: health})
	return health
}

// apply folds one probe result into the service's health state.
func (m *Monitor) apply(svc *service, result model.ProbeResult) model.ServiceHealth {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	h := &svc.health
	h.LatencyMS = result.Latency.Milliseconds()
	h.History = append(h.History, result)
	if len(h.History) > m.cfg.HistorySize {
		h.History = h.History[len(h.History)-m.cfg.HistorySize:]
	}

	prev := h.Status
	if result.Success {
		h.ConsecutiveFailures = 0
		h.LastError = ""
		slow := result.Latency > time.Duration(m.cfg.LatencyFactor*float64(m.cfg.LatencyBaseline))
		if slow {
			svc.slowRun++
		} else {
			svc.slowRun = 0
		}
		if svc.slowRun >= 3 {
			h.Status = model.StatusDegraded
		} else {
			h.Status = model.StatusHealthy
		}
	} else {
		h.ConsecutiveFailures++
		h.LastError = result.Error
		svc.slowRun = 0
		if h.ConsecutiveFailures >= 3 {
			h.Status = model.StatusUnhealthy
		}
	}

	if h.Status != prev {
		h.LastTransition = result.Timestamp
		m.logger.Warn("Service status changed", map[string]interface{}{
			"service": svc.name,
			"from":    string(prev),
			"to":      string(h.Status),
			"error":   h.LastError,
		})
	}
	return *h
}

func (m *Monitor) publish(u Update) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
