package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service's golden signals:
// - Latency: how long requests and training tasks take
// - Traffic: request and task throughput
// - Errors: failed requests, tasks and webhook deliveries
// - Saturation: tasks in flight and the webhook queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Task metrics
	TaskDuration  metric.Float64Histogram
	TasksCreated  metric.Int64Counter
	TaskOutcomes  metric.Int64Counter
	TasksActive   metric.Int64UpDownCounter
	TasksEvicted  metric.Int64Counter
	LogsTruncated metric.Int64Counter

	// Notifier metrics
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates all instruments on a fresh Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("trainctl")
	m := &Metrics{meter: meter}

	// HTTP metrics
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return nil, nil, err
	}

	// Task metrics
	if m.TaskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Time from task creation to its terminal status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400),
	); err != nil {
		return nil, nil, err
	}
	if m.TasksCreated, err = meter.Int64Counter(
		"tasks_created_total",
		metric.WithDescription("Total number of tasks created"),
	); err != nil {
		return nil, nil, err
	}
	if m.TaskOutcomes, err = meter.Int64Counter(
		"task_outcomes_total",
		metric.WithDescription("Total number of tasks reaching a terminal status"),
	); err != nil {
		return nil, nil, err
	}
	if m.TasksActive, err = meter.Int64UpDownCounter(
		"tasks_active",
		metric.WithDescription("Number of pending or running tasks (saturation)"),
	); err != nil {
		return nil, nil, err
	}
	if m.TasksEvicted, err = meter.Int64Counter(
		"tasks_evicted_total",
		metric.WithDescription("Total number of terminal tasks removed by retention"),
	); err != nil {
		return nil, nil, err
	}
	if m.LogsTruncated, err = meter.Int64Counter(
		"task_logs_truncated_total",
		metric.WithDescription("Total number of task logs that hit the size cap"),
	); err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	if m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, err
	}
	if m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total webhook events delivered"),
	); err != nil {
		return nil, nil, err
	}
	if m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total webhook events failed after retries"),
	); err != nil {
		return nil, nil, err
	}
	if m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total webhook events dropped because the buffer was full"),
	); err != nil {
		return nil, nil, err
	}
	if m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of webhook events waiting for delivery"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordTaskCreated records a new task entering pending.
func (m *Metrics) RecordTaskCreated(ctx context.Context, runner string) {
	attrs := metric.WithAttributes(runnerAttr(runner))
	m.TasksCreated.Add(ctx, 1, attrs)
	m.TasksActive.Add(ctx, 1, attrs)
}

// RecordTaskFinished records a task reaching a terminal status.
func (m *Metrics) RecordTaskFinished(ctx context.Context, runner, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(runnerAttr(runner), outcomeAttr(outcome))
	m.TaskDuration.Record(ctx, durationSeconds, attrs)
	m.TaskOutcomes.Add(ctx, 1, attrs)
	m.TasksActive.Add(ctx, -1, metric.WithAttributes(runnerAttr(runner)))
}

// RecordTasksEvicted records terminal tasks removed by retention.
func (m *Metrics) RecordTasksEvicted(ctx context.Context, count int) {
	m.TasksEvicted.Add(ctx, int64(count))
}

// RecordLogTruncated records a task log hitting its size cap.
func (m *Metrics) RecordLogTruncated(ctx context.Context) {
	m.LogsTruncated.Add(ctx, 1)
}

// RecordNotifyDelivered records a successful webhook delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a webhook event that exhausted its retries.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a webhook event dropped on a full buffer.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current webhook queue depth.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
