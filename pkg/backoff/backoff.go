// Package backoff provides retry policies and delay calculation.
package backoff

import (
	"math"
	"time"
)

// Policy describes the retry behavior for one kind of remote operation.
// Zero values use defaults.
type Policy struct {
	MaxAttempts       int           // total attempts including the first (default: 3)
	BaseDelay         time.Duration // delay before the first retry (default: 100ms)
	Multiplier        float64       // factor applied to the delay after each retry (default: 2.0)
	MaxDelay          time.Duration // cap on a single delay (default: 5s)
	PerAttemptTimeout time.Duration // timeout applied to each attempt (default: 10s)
}

// WithDefaults fills in zero values with defaults.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.PerAttemptTimeout <= 0 {
		p.PerAttemptTimeout = 10 * time.Second
	}
	return p
}

// Delay returns the wait before retry number `retry` (1-based).
// Retry 1 waits BaseDelay, retry 2 waits BaseDelay*Multiplier, etc.
func (p Policy) Delay(retry int) time.Duration {
	p = p.WithDefaults()
	if retry < 1 {
		return p.BaseDelay
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Linear returns a linearly increasing delay: base + step*(attempt-1),
// capped at max. Used for connection retry scheduling where exponential
// growth would delay recovery too long.
func Linear(attempt int, base, step, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base + step*time.Duration(attempt-1)
	if max > 0 && d > max {
		d = max
	}
	return d
}
