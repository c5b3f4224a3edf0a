// Package config provides configuration loading from environment variables.
package config

import (
	"time"

	"vidwatch/pkg/backoff"
)

// ClientConfig holds configuration for the analysis client session.
type ClientConfig struct {
	BaseURL      string        // HTTP API base URL
	PushURL      string        // WebSocket push endpoint; empty disables push
	PollInterval time.Duration // pull channel tick
	MetricsPort  string        // metrics listen port; empty disables the endpoint

	// Per-operation retry policies. Polling is intentionally single-attempt:
	// the next poll tick is the retry.
	Submit backoff.Policy
	Poll   backoff.Policy
	Fetch  backoff.Policy

	// Push channel reconnect budget.
	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration // delay before the first reconnect
	ReconnectDelayStep   time.Duration // linear increase per failed attempt; 0 = fixed delay
}

// LoadClientConfig loads client configuration from environment variables.
func LoadClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      GetEnv("ANALYSIS_BASE_URL", "http://localhost:8000"),
		PushURL:      GetEnv("ANALYSIS_PUSH_URL", "ws://localhost:8000/ws"),
		PollInterval: GetDurationEnv("ANALYSIS_POLL_INTERVAL", 2*time.Second),
		MetricsPort:  GetEnv("METRICS_PORT", ""),

		Submit: backoff.Policy{
			MaxAttempts:       GetIntEnv("SUBMIT_MAX_ATTEMPTS", 3),
			BaseDelay:         GetDurationEnv("SUBMIT_BASE_DELAY", 2*time.Second),
			Multiplier:        GetFloatEnv("SUBMIT_BACKOFF_MULTIPLIER", 2.0),
			PerAttemptTimeout: GetDurationEnv("SUBMIT_TIMEOUT", 60*time.Second),
		},
		Poll: backoff.Policy{
			MaxAttempts:       1,
			PerAttemptTimeout: GetDurationEnv("POLL_TIMEOUT", 5*time.Second),
		},
		Fetch: backoff.Policy{
			MaxAttempts:       GetIntEnv("FETCH_MAX_ATTEMPTS", 3),
			BaseDelay:         GetDurationEnv("FETCH_BASE_DELAY", 500*time.Millisecond),
			Multiplier:        GetFloatEnv("FETCH_BACKOFF_MULTIPLIER", 2.0),
			PerAttemptTimeout: GetDurationEnv("FETCH_TIMEOUT", 15*time.Second),
		},

		ReconnectMaxAttempts: GetIntEnv("PUSH_RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectDelay:       GetDurationEnv("PUSH_RECONNECT_DELAY", 2*time.Second),
		ReconnectDelayStep:   GetDurationEnv("PUSH_RECONNECT_DELAY_STEP", time.Second),
	}
}
