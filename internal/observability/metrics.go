package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all client-session metrics:
//   - Traffic: submissions, poll ticks, push events
//   - Errors: poll failures, fetch failures, dropped events
//   - Saturation: active observations, reconnect pressure
type Metrics struct {
	meter metric.Meter

	// RetryingClient
	SubmissionsTotal   metric.Int64Counter
	SubmissionAttempts metric.Int64Histogram
	PollsTotal         metric.Int64Counter
	ResultFetchesTotal metric.Int64Counter

	// ConnectionManager
	ConnectAttemptsTotal metric.Int64Counter
	PushEventsTotal      metric.Int64Counter
	PushDroppedTotal     metric.Int64Counter

	// StatusCoordinator
	ObservationsActive metric.Int64UpDownCounter
	TransitionsTotal   metric.Int64Counter
	StaleDropsTotal    metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("vidwatch")
	m := &Metrics{meter: meter}

	m.SubmissionsTotal, err = meter.Int64Counter(
		"submissions_total",
		metric.WithDescription("Total analysis submissions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmissionAttempts, err = meter.Int64Histogram(
		"submission_attempts",
		metric.WithDescription("HTTP attempts per submission, including retries"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollsTotal, err = meter.Int64Counter(
		"polls_total",
		metric.WithDescription("Total pull channel ticks that reached the network"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ResultFetchesTotal, err = meter.Int64Counter(
		"result_fetches_total",
		metric.WithDescription("Total result payload retrievals"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ConnectAttemptsTotal, err = meter.Int64Counter(
		"push_connect_attempts_total",
		metric.WithDescription("Total push channel connect attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PushEventsTotal, err = meter.Int64Counter(
		"push_events_total",
		metric.WithDescription("Total analysis updates received over the push channel"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PushDroppedTotal, err = meter.Int64Counter(
		"push_dropped_total",
		metric.WithDescription("Total notifications dropped on full subscriber buffers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ObservationsActive, err = meter.Int64UpDownCounter(
		"observations_active",
		metric.WithDescription("Number of jobs currently being observed (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransitionsTotal, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Total applied job state transitions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StaleDropsTotal, err = meter.Int64Counter(
		"stale_drops_total",
		metric.WithDescription("Total channel messages dropped after a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordSubmission records one submission outcome with its attempt count.
func (m *Metrics) RecordSubmission(ctx context.Context, success bool, attempts int) {
	m.SubmissionsTotal.Add(ctx, 1, WithSuccess(success))
	m.SubmissionAttempts.Record(ctx, int64(attempts), WithSuccess(success))
}

// RecordPoll records one pull channel tick.
func (m *Metrics) RecordPoll(ctx context.Context, success bool) {
	m.PollsTotal.Add(ctx, 1, WithSuccess(success))
}

// RecordResultFetch records one result retrieval outcome.
func (m *Metrics) RecordResultFetch(ctx context.Context, success bool) {
	m.ResultFetchesTotal.Add(ctx, 1, WithSuccess(success))
}

// RecordConnectAttempt records one push channel dial.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, success bool) {
	m.ConnectAttemptsTotal.Add(ctx, 1, WithSuccess(success))
}

// RecordPushEvent records one received analysis update.
func (m *Metrics) RecordPushEvent(ctx context.Context) {
	m.PushEventsTotal.Add(ctx, 1)
}

// RecordPushDropped records one dropped notification.
func (m *Metrics) RecordPushDropped(ctx context.Context) {
	m.PushDroppedTotal.Add(ctx, 1)
}

// RecordObservationStarted records a job observation beginning.
func (m *Metrics) RecordObservationStarted(ctx context.Context) {
	m.ObservationsActive.Add(ctx, 1)
}

// RecordObservationEnded records a job observation ending.
func (m *Metrics) RecordObservationEnded(ctx context.Context) {
	m.ObservationsActive.Add(ctx, -1)
}

// RecordTransition records an applied state transition.
func (m *Metrics) RecordTransition(ctx context.Context, status string) {
	m.TransitionsTotal.Add(ctx, 1, WithStatus(status))
}

// RecordStaleDrop records a message ignored after a terminal state.
func (m *Metrics) RecordStaleDrop(ctx context.Context) {
	m.StaleDropsTotal.Add(ctx, 1)
}
