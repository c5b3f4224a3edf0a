// Package push owns the lifecycle of the push channel: connect, bounded
// reconnect, and teardown.
//
// One Manager serves the whole client session; observers subscribe for
// state changes and job updates and unsubscribe via their Subscription.
// A failed connect attempt is never fatal: it advances the attempt counter
// until the budget is spent, at which point the manager parks in Exhausted
// and callers fall back to pull-only operation.
package push

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vidwatch/pkg/backoff"
)

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = 2 * time.Second
	defaultDialTimeout = 10 * time.Second
	maxRetryDelay      = 30 * time.Second

	stateBuffer  = 8
	updateBuffer = 32
)

// Config holds connection manager settings.
type Config struct {
	URL            string        // WebSocket endpoint
	MaxAttempts    int           // consecutive failed (re)connects before Exhausted (default: 5)
	RetryDelay     time.Duration // delay before the first reconnect (default: 2s)
	RetryDelayStep time.Duration // linear increase per failed attempt; 0 = fixed delay
	DialTimeout    time.Duration // per-dial timeout (default: 10s)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}

// MetricsRecorder is an optional interface for recording push channel metrics.
type MetricsRecorder interface {
	RecordConnectAttempt(ctx context.Context, success bool)
	RecordPushEvent(ctx context.Context)
	RecordPushDropped(ctx context.Context)
}

// Manager owns the single shared push connection for a client session.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	mu       sync.Mutex
	state    State
	attempts int
	conn     *websocket.Conn
	gen      uint64 // connection generation; stale dials and readers check it
	subs     map[*Subscription]struct{}

	dropped atomic.Int64
}

// NewManager creates a manager in Disconnected state. No connection is
// attempted until Connect is called.
func NewManager(cfg Config, metrics MetricsRecorder) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		logger:  slog.With("component", "push"),
		metrics: metrics,
		state:   Disconnected,
		subs:    make(map[*Subscription]struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the channel is currently established.
func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// Attempts returns the current consecutive failed connect count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Dropped returns the number of notifications dropped on full subscriber
// buffers.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

// Connect starts the connection cycle. Idempotent: a no-op while
// connecting or connected. In Exhausted state it does nothing until Reset.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Connecting, Connected:
		return
	case Exhausted:
		m.logger.Warn("Connect ignored, reconnect budget spent; Reset required")
		return
	}

	m.beginConnectLocked()
}

// beginConnectLocked transitions to Connecting and starts an async dial.
func (m *Manager) beginConnectLocked() {
	m.state = Connecting
	m.notifyStateLocked(StateChange{State: Connecting})
	gen := m.gen
	go m.dial(gen)
}

// dial attempts one connection. Runs outside the lock; the generation
// check discards results that arrive after a teardown.
func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if m.metrics != nil {
		m.metrics.RecordConnectAttempt(context.Background(), err == nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != Connecting {
		// Torn down while dialing.
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.attempts++
		if m.attempts >= m.cfg.MaxAttempts {
			m.state = Exhausted
			m.logger.Warn("Push channel exhausted",
				"attempts", m.attempts, "maxAttempts", m.cfg.MaxAttempts)
			m.notifyStateLocked(StateChange{State: Exhausted, Reason: err.Error()})
			return
		}

		delay := backoff.Linear(m.attempts, m.cfg.RetryDelay, m.cfg.RetryDelayStep, maxRetryDelay)
		m.logger.Warn("Push connect failed, retrying",
			"attempt", m.attempts, "maxAttempts", m.cfg.MaxAttempts, "delay", delay, "error", err)
		time.AfterFunc(delay, func() { m.redial(gen) })
		return
	}

	m.conn = conn
	m.state = Connected
	m.attempts = 0
	m.logger.Info("Push channel connected", "url", m.cfg.URL)
	m.notifyStateLocked(StateChange{State: Connected})
	go m.readLoop(conn, gen)
}

// redial fires after a backoff delay. Skipped if the cycle was torn down.
func (m *Manager) redial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.dial(gen)
}

// readLoop consumes frames until the connection drops, then starts a new
// connect cycle.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		var frame envelope
		if err := conn.ReadJSON(&frame); err != nil {
			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			m.gen++
			m.conn = nil
			m.state = Disconnected
			m.logger.Warn("Push channel lost", "error", err)
			m.notifyStateLocked(StateChange{State: Disconnected, Reason: err.Error()})
			// Reconnect with a fresh cycle; the attempt counter was reset
			// when this connection was established.
			m.beginConnectLocked()
			m.mu.Unlock()
			conn.Close()
			return
		}

		if frame.Event != eventAnalysisUpdate {
			continue
		}

		m.mu.Lock()
		// Events can only arrive while connected; drop anything racing a
		// teardown.
		if gen != m.gen || m.state != Connected {
			m.mu.Unlock()
			continue
		}
		if m.metrics != nil {
			m.metrics.RecordPushEvent(context.Background())
		}
		for sub := range m.subs {
			sub.pushUpdate(frame.Data, m)
		}
		m.mu.Unlock()
	}
}

// Disconnect tears down the channel and releases all registered listeners.
// Safe to call from any state, including Exhausted.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = Disconnected
	m.attempts = 0
	m.notifyStateLocked(StateChange{State: Disconnected, Reason: "client disconnect"})

	for sub := range m.subs {
		delete(m.subs, sub)
		sub.closeChannels()
	}
}

// Reset clears the attempt counter and leaves Exhausted, allowing a new
// Connect cycle.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts = 0
	if m.state == Exhausted {
		m.state = Disconnected
		m.notifyStateLocked(StateChange{State: Disconnected, Reason: "reset"})
	}
}

// notifyStateLocked fans a state change out to subscribers. Having no
// subscribers is not an error.
func (m *Manager) notifyStateLocked(change StateChange) {
	for sub := range m.subs {
		sub.pushState(change, m)
	}
}

// Subscription receives state changes and job updates until closed.
// Closing it is the cancellation token for one observer.
type Subscription struct {
	m       *Manager
	states  chan StateChange
	updates chan UpdateEvent
	once    sync.Once
}

// Subscribe registers a new listener.
func (m *Manager) Subscribe() *Subscription {
	sub := &Subscription{
		m:       m,
		states:  make(chan StateChange, stateBuffer),
		updates: make(chan UpdateEvent, updateBuffer),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub
}

// States delivers connection state changes.
func (s *Subscription) States() <-chan StateChange {
	return s.states
}

// Updates delivers analysis_update events.
func (s *Subscription) Updates() <-chan UpdateEvent {
	return s.updates
}

// Close unsubscribes and closes both channels. Idempotent, and safe to
// call after Disconnect already released the subscription.
func (s *Subscription) Close() {
	s.m.mu.Lock()
	delete(s.m.subs, s)
	s.m.mu.Unlock()
	s.closeChannels()
}

func (s *Subscription) closeChannels() {
	s.once.Do(func() {
		close(s.states)
		close(s.updates)
	})
}

// pushUpdate delivers without blocking; slow consumers lose events, the
// poll loop covers the gap.
func (s *Subscription) pushUpdate(ev UpdateEvent, m *Manager) {
	select {
	case s.updates <- ev:
	default:
		m.dropped.Add(1)
		if m.metrics != nil {
			m.metrics.RecordPushDropped(context.Background())
		}
	}
}

func (s *Subscription) pushState(change StateChange, m *Manager) {
	select {
	case s.states <- change:
	default:
		m.dropped.Add(1)
	}
}
