// Package watch reconciles the push and pull channels into one consistent,
// exactly-once view of job state.
//
// Each observation runs a single goroutine that interleaves poll ticks,
// push events, and connection state changes, so reconciliation for a job
// is serialized by construction. The poll loop suspends while the push
// channel is connected and resumes when it drops; both channels feed the
// same reconciliation step, and once a job is terminal every later message
// for it is ignored.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"vidwatch/internal/apperrors"
	"vidwatch/internal/client"
	"vidwatch/internal/push"
)

const (
	defaultPollInterval = 2 * time.Second
	updateBuffer        = 16
)

// Poller is the pull-channel surface the coordinator needs.
// Implemented by *client.Client.
type Poller interface {
	Poll(ctx context.Context, analysisID string) (client.StatusReport, error)
	FetchResult(ctx context.Context, analysisID string) ([]byte, error)
}

// Subscription delivers push notifications until closed.
type Subscription interface {
	States() <-chan push.StateChange
	Updates() <-chan push.UpdateEvent
	Close()
}

// Channel is the push-channel surface the coordinator needs.
type Channel interface {
	Subscribe() Subscription
	Connected() bool
}

// NewChannel adapts a *push.Manager to the Channel interface.
func NewChannel(m *push.Manager) Channel {
	return managerChannel{m}
}

type managerChannel struct {
	m *push.Manager
}

func (c managerChannel) Subscribe() Subscription { return c.m.Subscribe() }
func (c managerChannel) Connected() bool         { return c.m.Connected() }

// MetricsRecorder is an optional interface for recording coordinator metrics.
type MetricsRecorder interface {
	RecordObservationStarted(ctx context.Context)
	RecordObservationEnded(ctx context.Context)
	RecordTransition(ctx context.Context, status string)
	RecordStaleDrop(ctx context.Context)
}

// Config holds coordinator settings.
type Config struct {
	PollInterval time.Duration // pull channel tick (default: 2s)
}

// Coordinator drives job observations for one client session.
type Coordinator struct {
	client   Poller
	channel  Channel
	interval time.Duration
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// New creates a coordinator. The channel is shared session state owned by
// its manager; the coordinator only subscribes and reads.
func New(poller Poller, channel Channel, cfg Config, metrics MetricsRecorder) *Coordinator {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Coordinator{
		client:   poller,
		channel:  channel,
		interval: interval,
		metrics:  metrics,
		logger:   slog.With("component", "watch"),
	}
}

// Live reports whether push updates are currently flowing for the session.
// Consumers use it to switch copy between live updates and polling fallback.
func (c *Coordinator) Live() bool {
	return c.channel.Connected()
}

// Observe starts driving a submitted job until it reaches a terminal state,
// the context ends, or the observation is cancelled.
func (c *Coordinator) Observe(ctx context.Context, handle client.JobHandle) *Observation {
	o := &Observation{
		c:       c,
		id:      handle.AnalysisID,
		logger:  c.logger.With("analysisId", handle.AnalysisID),
		updates: make(chan AnalysisJob, updateBuffer),
		done:    make(chan struct{}),
		cancel:  make(chan struct{}),
		sub:     c.channel.Subscribe(),
		// Submission already succeeded, so the upload phase is behind us.
		job: AnalysisJob{ID: handle.AnalysisID, Status: StatusProcessing},
	}

	if c.metrics != nil {
		c.metrics.RecordObservationStarted(ctx)
	}

	go o.run(ctx, handle.Status)
	return o
}

// Observation is the live view of a single job, driven to a terminal state.
type Observation struct {
	c      *Coordinator
	id     string
	logger *slog.Logger
	sub    Subscription

	mu              sync.Mutex
	job             AnalysisJob
	resultRequested bool // set synchronously before the fetch begins
	fetchErr        error

	updates    chan AnalysisJob
	done       chan struct{}
	cancel     chan struct{}
	cancelOnce sync.Once
}

// ID returns the observed analysis id.
func (o *Observation) ID() string {
	return o.id
}

// Snapshot returns a copy of the current job view.
func (o *Observation) Snapshot() AnalysisJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job
}

// Updates delivers job view snapshots on every state change. Closed when
// the observation ends. Slow consumers lose intermediate snapshots;
// Snapshot always has the latest.
func (o *Observation) Updates() <-chan AnalysisJob {
	return o.updates
}

// Done is closed when the observation ends: terminal state, cancellation,
// or context end.
func (o *Observation) Done() <-chan struct{} {
	return o.done
}

// Err returns the result-fetch failure, if any. Distinct from the job
// erroring: the job succeeded, only result retrieval failed, and the
// caller may retry the fetch independently.
func (o *Observation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetchErr
}

// Cancel tears the observation down: the poll timer stops and the push
// subscription is released synchronously. A no-op after a terminal state.
func (o *Observation) Cancel() {
	o.cancelOnce.Do(func() {
		close(o.cancel)
		o.sub.Close()
	})
}

func (o *Observation) run(ctx context.Context, submitStatus string) {
	defer close(o.done)
	defer close(o.updates)
	defer o.sub.Close()
	if o.c.metrics != nil {
		defer o.c.metrics.RecordObservationEnded(context.Background())
	}

	// Consumers see the starting state before the first channel message.
	o.emit(o.Snapshot())

	// Trivially-fast jobs: the submission response already carried a
	// terminal status.
	if status, ok := ParseStatus(submitStatus); ok && status.Terminal() {
		o.reconcile(ctx, submitStatus, 0, "")
		return
	}

	ticker := time.NewTicker(o.c.interval)
	defer ticker.Stop()

	// Capture once: a released subscription closes these channels and the
	// loop then stops selecting on them.
	updates := o.sub.Updates()
	states := o.sub.States()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.cancel:
			return

		case <-ticker.C:
			// Push delivers while connected; polling resumes automatically
			// on the next tick after the channel drops.
			if o.c.channel.Connected() {
				continue
			}
			if o.pollOnce(ctx) {
				return
			}

		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if ev.AnalysisID != o.id {
				continue
			}
			if o.reconcile(ctx, ev.Status, ev.Progress, ev.Message) {
				return
			}

		case change, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if change.State == push.Exhausted {
				o.logger.Warn("Polling only from here on", "error", apperrors.ErrPushExhausted)
				continue
			}
			o.logger.Debug("Push channel state changed", "state", change.State.String())
		}
	}
}

// pollOnce runs one pull tick. Transient failures skip the tick; the next
// tick is the retry. Returns true when the job reached a terminal state.
func (o *Observation) pollOnce(ctx context.Context) bool {
	report, err := o.c.client.Poll(ctx, o.id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// The job can never progress; surface it as errored.
			return o.reconcile(ctx, string(StatusErrored), 0, "analysis not found")
		}
		o.logger.Debug("Poll tick skipped", "error", err)
		return false
	}
	return o.reconcile(ctx, report.Status, report.Progress, report.Message)
}

// reconcile applies one channel message, whichever channel produced it.
// Returns true once the local state is terminal.
func (o *Observation) reconcile(ctx context.Context, raw string, progress int, message string) bool {
	status, ok := ParseStatus(raw)
	if !ok {
		o.logger.Warn("Ignoring unknown status", "status", raw)
		return false
	}

	o.mu.Lock()

	// Terminal is locked in: stale or out-of-order messages are dropped.
	if o.job.Status.Terminal() {
		o.mu.Unlock()
		if o.c.metrics != nil {
			o.c.metrics.RecordStaleDrop(ctx)
		}
		return true
	}

	changed := status != o.job.Status
	o.job.Status = status
	if status == StatusProcessing && progress != o.job.Progress {
		o.job.Progress = progress
		changed = true
	}
	if status == StatusErrored {
		o.job.ErrorMessage = message
	}

	fetch := status == StatusCompleted && !o.resultRequested
	if fetch {
		// Set before the fetch begins so a concurrent message for the same
		// terminal state can never trigger a second fetch.
		o.resultRequested = true
	}
	o.mu.Unlock()

	if changed && o.c.metrics != nil {
		o.c.metrics.RecordTransition(ctx, raw)
	}

	if fetch {
		o.fetchResult(ctx)
	}

	if changed || status.Terminal() {
		o.emit(o.Snapshot())
	}

	if status.Terminal() {
		o.logger.Info("Observation reached terminal state", "status", raw)
	}
	return status.Terminal()
}

// fetchResult retrieves the result payload exactly once per job.
func (o *Observation) fetchResult(ctx context.Context) {
	result, err := o.c.client.FetchResult(ctx, o.id)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		// The job itself succeeded; only retrieval failed.
		o.fetchErr = apperrors.ResultFetch(o.id, err)
		o.logger.Warn("Result fetch failed", "error", err)
		return
	}
	o.job.Result = result
}

// emit delivers a snapshot without blocking.
func (o *Observation) emit(snapshot AnalysisJob) {
	select {
	case o.updates <- snapshot:
	default:
		// Buffer full; Snapshot still carries the latest state.
	}
}
