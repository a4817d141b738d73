// Package notify delivers task status changes to a webhook as CloudEvents.
// Deliveries are queued in a bounded buffer and sent by a worker pool. Events
// are dropped rather than stalling the caller when the buffer is full or the
// endpoint's breaker is open.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"trainctl/internal/task"
	"trainctl/pkg/backoff"
	"trainctl/pkg/circuitbreaker"
	"trainctl/pkg/cloudevent"
)

// ErrBufferFull is returned by Enqueue when the event was dropped.
var ErrBufferFull = errors.New("notify buffer full, event dropped")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("notifier is closed")

// MetricsRecorder records delivery metrics. Optional.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Stats holds notifier counters.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	Filtered     int64
	RetriesTotal int64
	Breaker      string
}

// Notifier observes task changes and posts them to the callback URL.
type Notifier struct {
	cfg     Config
	queue   chan *cloudevent.CloudEvent
	sender  *cloudevent.Sender
	breaker *circuitbreaker.Breaker
	retry   backoff.Config
	metrics MetricsRecorder
	logger  *slog.Logger

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	filtered     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New starts a notifier. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		cfg:    cfg,
		queue:  make(chan *cloudevent.CloudEvent, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		metrics:  metrics,
		logger:   slog.With("component", "notify", "destination", host(cfg.URL)),
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}
	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "events", cfg.Events)
	return n
}

// EventName maps a task status to its short event name.
func EventName(s task.Status) string {
	switch s {
	case task.StatusPending:
		return "created"
	case task.StatusRunning:
		return "started"
	default:
		return string(s)
	}
}

// EventType returns the CloudEvents type for a task status.
func EventType(s task.Status) string {
	return "trainctl.task." + EventName(s)
}

// TaskChanged implements task.Observer. It never blocks.
func (n *Notifier) TaskChanged(t task.Task) {
	name := EventName(t.Status)
	if len(n.cfg.Events) > 0 && !slices.Contains(n.cfg.Events, name) {
		n.filtered.Add(1)
		return
	}
	event := cloudevent.New(EventType(t.Status), n.cfg.Source, t.ID, t.Summary())
	if err := n.Enqueue(event); err != nil && !errors.Is(err, ErrClosed) {
		n.logger.Warn("Task event not queued", "taskId", t.ID, "type", event.Type, "error", err)
	}
}

// Enqueue queues an event for delivery without blocking.
func (n *Notifier) Enqueue(event *cloudevent.CloudEvent) error {
	if n.closed.Load() {
		return ErrClosed
	}

	select {
	case n.queue <- event:
		n.queued.Add(1)
		return nil
	default:
		n.drop()
		return ErrBufferFull
	}
}

func (n *Notifier) drop() {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDropped(context.Background())
	}
}

// Stats returns current counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Filtered:     n.filtered.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		Breaker:      n.breaker.State().String(),
	}
}

// Close stops accepting events and drains the queue until ctx ends.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(queueReportPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drain()
			return
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(event *cloudevent.CloudEvent) {
	if !n.breaker.Allow() {
		n.drop()
		n.logger.Debug("Event dropped, endpoint breaker open", "taskId", event.Subject, "type", event.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	start := time.Now()
	attempts := 0
	err := backoff.Retry(ctx, defaultMaxRetries+1, &n.retry, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			n.retriesTotal.Add(1)
		}
		err := n.sender.Send(ctx, n.cfg.URL, event, n.cfg.SigningKey)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	// A 4xx means the endpoint is up and answering.
	if err == nil || cloudevent.IsClientError(err) {
		n.breaker.RecordSuccess()
	} else {
		n.breaker.RecordFailure()
	}
	if err != nil {
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "taskId", event.Subject, "type", event.Type, "attempts", attempts, "error", err)
		return
	}

	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
	n.logger.Debug("Event delivered", "taskId", event.Subject, "type", event.Type)
}

// host keeps credentials and paths out of logs.
func host(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ task.Observer = (*Notifier)(nil)
