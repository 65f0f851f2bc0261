package observability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate health: the worst component status wins.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime"`
}

// Alert is emitted when a component changes status.
type Alert struct {
	Level     string    `json:"level"` // info|warn|critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// HealthMonitor runs registered checks periodically or on demand.
type HealthMonitor struct {
	mu           sync.RWMutex
	checks       map[string]HealthCheck
	results      map[string]ComponentHealth
	startTime    time.Time
	interval     time.Duration
	checkTimeout time.Duration
	alertCh      chan Alert
	stopCh       chan struct{}
	stopped      sync.Once
}

// NewHealthMonitor creates a monitor that checks components at interval.
// Each check gets at most half the interval, capped at 5s.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		checks:       make(map[string]HealthCheck),
		results:      make(map[string]ComponentHealth),
		startTime:    time.Now(),
		interval:     interval,
		checkTimeout: timeout,
		alertCh:      make(chan Alert, 64),
		stopCh:       make(chan struct{}),
	}
}

// Register adds a named health check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start runs checks immediately and then every interval. Blocks until ctx is
// cancelled or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Stop ends the periodic loop.
func (m *HealthMonitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

// Check runs every check synchronously and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.snapshot()
}

// Alerts returns the alert channel. Alerts are dropped when it is full.
func (m *HealthMonitor) Alerts() <-chan Alert {
	return m.alertCh
}

// ComponentStatus returns the latest result for a named component.
func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// -----------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	names := sortedKeys(m.checks)
	checks := make([]HealthCheck, len(names))
	for i, name := range names {
		checks[i] = m.checks[name]
	}
	m.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(checks))
	for i, fn := range checks {
		results[names[i]] = m.runOne(ctx, names[i], fn)
	}

	m.mu.Lock()
	prev := m.results
	m.results = results
	m.mu.Unlock()

	for _, name := range names {
		cur := results[name]
		old, existed := prev[name]
		if existed && old.Status == cur.Status {
			continue
		}
		// First healthy result is not a transition worth reporting.
		if !existed && cur.Status == StatusHealthy {
			continue
		}
		m.emitAlert(name, cur)
	}
}

func (m *HealthMonitor) runOne(ctx context.Context, name string, fn HealthCheck) (h ComponentHealth) {
	cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			h = ComponentHealth{Status: StatusUnhealthy, Message: "health check panicked"}
			log.Error().Interface("panic", r).Str("component", name).Msg("health: check panicked")
		}
		h.Name = name
		h.LastChecked = time.Now()
		h.Latency = time.Since(start)
	}()
	return fn(cctx)
}

func (m *HealthMonitor) emitAlert(name string, h ComponentHealth) {
	level, zl := "info", zerolog.InfoLevel
	switch h.Status {
	case StatusUnhealthy:
		level, zl = "critical", zerolog.ErrorLevel
	case StatusDegraded:
		level, zl = "warn", zerolog.WarnLevel
	}

	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}

	log.WithLevel(zl).
		Str("component", name).
		Str("status", string(h.Status)).
		Str("detail", msg).
		Msg("health: status changed")

	select {
	case m.alertCh <- Alert{Level: level, Component: name, Message: msg, Timestamp: time.Now()}:
	default:
	}
}

func (m *HealthMonitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
	}
}

func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}

// Names returns the registered component names, sorted.
func (m *HealthMonitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.checks)
}
