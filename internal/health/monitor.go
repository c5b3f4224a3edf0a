// Package health tracks backend availability for a client session.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vidwatch/pkg/circuitbreaker"
)

const (
	defaultInterval = 15 * time.Second
	defaultCacheTTL = time.Second
)

// Probe is the liveness check. Implemented by *client.Client; all failure
// modes collapse to false.
type Probe interface {
	HealthCheck(ctx context.Context) bool
}

// Config holds monitor settings. Zero values use defaults.
type Config struct {
	Interval time.Duration        // background probe interval (default: 15s)
	Breaker  circuitbreaker.Config // gates probe frequency while the backend is down
}

// Monitor periodically probes the backend and caches the verdict. While
// the backend is down, the breaker widens the effective probe interval so
// a dead service is not hammered.
type Monitor struct {
	probe    Probe
	breaker  *circuitbreaker.Breaker
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	healthy   bool
	known     bool // false until the first probe completes
	lastCheck time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor. No probing happens until Start.
func NewMonitor(probe Probe, cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		probe:    probe,
		breaker:  circuitbreaker.New(cfg.Breaker),
		interval: interval,
		logger:   slog.With("component", "health"),
		stop:     make(chan struct{}),
	}
}

// Start launches the background probe loop. It runs until Stop or the
// context ends.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		// Probe immediately so consumers do not wait a full interval for
		// the first verdict.
		m.probeNow(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if !m.breaker.Allow() {
					continue
				}
				m.probeNow(ctx)
			}
		}
	}()
}

// Check returns the backend verdict, reusing a recent cached result so
// on-demand callers do not stack probes on top of the background loop.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.RLock()
	if m.known && time.Since(m.lastCheck) < defaultCacheTTL {
		cached := m.healthy
		m.mu.RUnlock()
		return cached
	}
	m.mu.RUnlock()

	return m.probeNow(ctx)
}

// probeNow always hits the backend and updates the cached verdict.
func (m *Monitor) probeNow(ctx context.Context) bool {
	healthy := m.probe.HealthCheck(ctx)
	if healthy {
		m.breaker.RecordSuccess()
	} else {
		m.breaker.RecordFailure()
	}

	m.mu.Lock()
	wasHealthy, wasKnown := m.healthy, m.known
	m.healthy = healthy
	m.known = true
	m.lastCheck = time.Now()
	m.mu.Unlock()

	if !wasKnown || wasHealthy != healthy {
		m.logger.Info("Backend availability changed", "healthy", healthy)
	}
	return healthy
}

// Healthy returns the cached verdict. False until the first probe.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// LastCheck returns when the cached verdict was produced.
func (m *Monitor) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

// Stop ends the background loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
