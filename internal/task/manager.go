// Package task owns training task records and drives their lifecycle.
//
// The Manager is the only component that mutates a record. Runners report
// through a per-task reporter, and every terminal transition goes through
// a single method guarded by the record's lock, so a cancellation and a
// runner finishing at the same moment cannot both win.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"trainctl/internal/apperrors"
	"trainctl/internal/artifact"
	"trainctl/internal/logsink"
	"trainctl/internal/observability"
	"trainctl/internal/runner"

	"github.com/google/uuid"
)

// ErrClosed is returned by CreateTask after Close.
var ErrClosed = errors.New("task manager is closed")

// RunnerFactory builds the runner for a task.
type RunnerFactory interface {
	New(job runner.Job, simulate bool) runner.Runner
}

// Observer is told about every status change. Implementations must not block.
type Observer interface {
	TaskChanged(t Task)
}

// record is the manager-private state of one task.
type record struct {
	mu     sync.RWMutex
	task   Task
	sink   *logsink.Sink
	runner runner.Runner

	// configErr is set when the artifact could not be written; the task fails
	// as soon as its runner starts.
	configErr error
}

func (r *record) snapshot() Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.task
}

// Manager owns the id-to-record mapping.
type Manager struct {
	cfg       Config
	runners   RunnerFactory
	metrics   *observability.Metrics
	observers []Observer
	logger    *slog.Logger

	mu      sync.RWMutex
	records map[string]*record

	// Runners inherit ctx so Close can stop them all.
	ctx     context.Context
	cancel  context.CancelFunc
	watchWg sync.WaitGroup
	closed  atomic.Bool

	stopMaintenance context.CancelFunc
	maintenanceDone chan struct{}

	newID func() string
	now   func() time.Time
}

// NewManager creates a manager. metrics may be nil.
func NewManager(cfg Config, runners RunnerFactory, metrics *observability.Metrics, observers ...Observer) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", cfg.Workspace, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		runners:   runners,
		metrics:   metrics,
		observers: observers,
		logger:    slog.With("component", "task-manager"),
		records:   make(map[string]*record),
		ctx:       ctx,
		cancel:    cancel,
		newID:     uuid.NewString,
		now:       time.Now,
	}

	if cfg.Retention > 0 {
		maintenanceCtx, stop := context.WithCancel(ctx)
		m.stopMaintenance = stop
		m.maintenanceDone = make(chan struct{})
		go m.runMaintenance(maintenanceCtx, cfg.MaintenanceInterval)
	}

	m.logger.Info("Task manager started", "workspace", cfg.Workspace, "retention", cfg.Retention)
	return m, nil
}

// CreateTask validates spec, registers a pending task and launches its runner
// in the background. The returned snapshot is always pending.
func (m *Manager) CreateTask(ctx context.Context, spec Spec) (Task, error) {
	spec.normalize()
	if err := validate(&spec); err != nil {
		return Task{}, err
	}
	if m.closed.Load() {
		return Task{}, apperrors.Internal("task.create", ErrClosed)
	}

	id := m.newID()
	now := m.now().UTC()
	logger := slog.With("taskId", id)

	t := Task{
		ID:          id,
		Name:        spec.Name,
		DatasetPath: spec.DatasetPath,
		OutputPath:  spec.OutputPath,
		Notes:       spec.Notes,
		Parameters:  spec.Parameters,
		Simulate:    spec.Simulate,
		Status:      StatusPending,
		LogPath:     filepath.Join(m.cfg.Workspace, id+".log"),
		ConfigPath:  artifact.Path(m.cfg.Workspace, id),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	sink, err := logsink.New(logsink.Options{Path: t.LogPath, MaxBytes: m.cfg.LogMaxBytes})
	if err != nil {
		logger.Warn("Log mirror unavailable, keeping output in memory", "error", err)
		t.LogPath = ""
		sink, _ = logsink.New(logsink.Options{MaxBytes: m.cfg.LogMaxBytes})
	}

	rec := &record{task: t, sink: sink}

	// A missing artifact surfaces as a failed run, not as a create error.
	if err := artifact.Write(t.ConfigPath, &artifact.TrainingConfig{
		TaskID:      id,
		Name:        t.Name,
		Notes:       t.Notes,
		DatasetPath: t.DatasetPath,
		OutputPath:  t.OutputPath,
		Parameters:  t.Parameters,
		GeneratedAt: now,
	}); err != nil {
		logger.Error("Failed to write training config", "path", t.ConfigPath, "error", err)
		rec.configErr = fmt.Errorf("failed to write training config: %w", err)
	}

	rec.runner = m.runners.New(runner.Job{
		TaskID:     id,
		ConfigPath: t.ConfigPath,
		Sink:       sink,
		Reporter:   &reporter{m: m, rec: rec},
	}, t.Simulate)

	if err := m.register(id, rec); err != nil {
		sink.Close()
		return Task{}, err
	}

	if m.metrics != nil {
		m.metrics.RecordTaskCreated(ctx, t.RunnerKind())
	}
	m.notify(t)
	logger.Info("Task created", "name", t.Name, "runner", t.RunnerKind())

	outcomes := rec.runner.Start(m.ctx)
	go m.watch(rec, outcomes)

	return t, nil
}

// register adds rec under id. The watcher slot is claimed under the same
// lock that Close uses, so no runner starts after shutdown begins.
func (m *Manager) register(id string, rec *record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return apperrors.Internal("task.create", ErrClosed)
	}
	if _, exists := m.records[id]; exists {
		return apperrors.Conflict("task", id, "task already exists")
	}
	m.records[id] = rec
	m.watchWg.Add(1)
	return nil
}

// GetTask returns a snapshot of one task.
func (m *Manager) GetTask(ctx context.Context, id string) (Task, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return Task{}, err
	}
	return rec.snapshot(), nil
}

// ListTasks returns snapshots of every task keyed by id. Each snapshot is
// consistent on its own; the set is not captured atomically.
func (m *Manager) ListTasks(ctx context.Context) map[string]Task {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	out := make(map[string]Task, len(recs))
	for _, rec := range recs {
		t := rec.snapshot()
		out[t.ID] = t
	}
	return out
}

// GetLogs returns everything the task has written so far. A task that has not
// produced output yields an empty string.
func (m *Manager) GetLogs(ctx context.Context, id string) (string, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return rec.sink.String(), nil
}

// TailLogs returns the lines written at or after offset, and the offset for
// the next call.
func (m *Manager) TailLogs(ctx context.Context, id string, offset int) (LogChunk, error) {
	if offset < 0 {
		return LogChunk{}, apperrors.Validation("since", "offset must not be negative")
	}
	rec, err := m.lookup(id)
	if err != nil {
		return LogChunk{}, err
	}
	lines, next := rec.sink.Since(offset)
	if lines == nil {
		lines = []string{}
	}
	return LogChunk{Lines: lines, Next: next}, nil
}

// UpdateNotes replaces a task's notes. Allowed in every status.
func (m *Manager) UpdateNotes(ctx context.Context, id, notes string) (Task, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return Task{}, err
	}
	notes = strings.TrimSpace(notes)
	if err := validateNotes(notes); err != nil {
		return Task{}, err
	}

	rec.mu.Lock()
	rec.task.Notes = notes
	rec.task.UpdatedAt = m.now().UTC()
	t := rec.task
	rec.mu.Unlock()

	slog.Debug("Task notes updated", "taskId", id, "length", len(notes))
	return t, nil
}

// CancelTask asks a task to stop. Pending tasks are cancelled at once; running
// tasks are flagged and become cancelled when their runner acknowledges.
// Repeating the call while cancelling, or after cancellation, is a no-op.
func (m *Manager) CancelTask(ctx context.Context, id string) (CancelAck, error) {
	rec, err := m.lookup(id)
	if err != nil {
		return CancelAck{}, err
	}
	logger := slog.With("taskId", id)

	rec.mu.Lock()
	t := &rec.task
	switch {
	case t.Status == StatusCompleted || t.Status == StatusFailed:
		status := t.Status
		rec.mu.Unlock()
		return CancelAck{}, apperrors.InvalidState("task", id, string(status), "cancel")

	case t.Status == StatusCancelled:
		rec.mu.Unlock()
		return CancelAck{ID: id, Status: StatusCancelled, Message: "task already cancelled"}, nil

	case t.CancelRequested:
		rec.mu.Unlock()
		return CancelAck{ID: id, Status: StatusRunning, Message: "cancellation already in progress"}, nil

	case t.Status == StatusPending:
		now := m.now().UTC()
		t.Status = StatusCancelled
		t.CancelRequested = true
		t.UpdatedAt = now
		snap := *t
		rec.sink.Append(stamp(now, "Task cancelled before start"))
		rec.mu.Unlock()

		rec.runner.RequestCancel()
		logger.Info("Task cancelled before start")
		m.settle(ctx, rec, snap)
		return CancelAck{ID: id, Status: StatusCancelled, Message: "task cancelled before start"}, nil

	default:
		t.CancelRequested = true
		t.UpdatedAt = m.now().UTC()
		rec.mu.Unlock()

		rec.sink.Append(stamp(m.now(), "Cancellation requested"))
		rec.runner.RequestCancel()
		logger.Info("Task cancellation requested")
		return CancelAck{ID: id, Status: StatusRunning, Message: "cancellation requested"}, nil
	}
}

// Close cancels every live runner, stops maintenance and waits for the
// runners to report, bounded by ctx. Records stay readable afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	already := m.closed.Swap(true)
	m.mu.Unlock()
	if already {
		return nil
	}

	if m.stopMaintenance != nil {
		m.stopMaintenance()
		<-m.maintenanceDone
	}

	m.logger.Info("Task manager shutting down, cancelling runners")
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.watchWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Task manager shutdown complete")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Task manager shutdown timed out waiting for runners")
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) (*record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return rec, nil
}

// watch waits for the runner's single outcome.
func (m *Manager) watch(rec *record, outcomes <-chan runner.Outcome) {
	defer m.watchWg.Done()

	out, ok := <-outcomes
	if !ok {
		out = runner.Outcome{Result: runner.Failed, Err: errors.New("runner exited without reporting an outcome")}
	}
	m.finish(rec, out)
}

// finish is the single authoritative terminal transition for a running task.
// Outcomes for records that are already terminal are ignored.
func (m *Manager) finish(rec *record, out runner.Outcome) {
	rec.mu.Lock()
	t := &rec.task
	if t.Status.Terminal() {
		rec.mu.Unlock()
		rec.sink.Close()
		return
	}

	// A runner that fails before announcing itself still passes through running.
	var implicitStart *Task
	if t.Status == StatusPending && out.Result != runner.Cancelled {
		t.Status = StatusRunning
		started := *t
		implicitStart = &started
	}

	var line string
	switch out.Result {
	case runner.Completed:
		t.Status = StatusCompleted
		t.Progress = 1
		line = "Task completed"
	case runner.Cancelled:
		t.Status = StatusCancelled
		line = "Task cancelled"
	default:
		reason := "runner failed"
		if out.Err != nil {
			reason = out.Err.Error()
		}
		if t.CancelRequested {
			// The stop we asked for is what ended the run.
			t.Status = StatusCancelled
			line = "Task cancelled: " + reason
			break
		}
		t.Status = StatusFailed
		t.ErrorMessage = reason
		line = "Task failed: " + reason
	}
	t.UpdatedAt = m.now().UTC()
	snap := *t
	// Readers that see the terminal status also see its log line.
	rec.sink.Append(stamp(m.now(), "%s", line))
	rec.mu.Unlock()

	if implicitStart != nil {
		m.notify(*implicitStart)
	}

	logger := slog.With("taskId", snap.ID, "status", snap.Status)
	if snap.Status == StatusFailed {
		logger.Warn("Task failed", "error", snap.ErrorMessage)
	} else {
		logger.Info("Task finished")
	}
	m.settle(context.Background(), rec, snap)
}

// settle runs the bookkeeping that follows a terminal transition.
func (m *Manager) settle(ctx context.Context, rec *record, snap Task) {
	if m.metrics != nil {
		if rec.sink.Truncated() {
			m.metrics.RecordLogTruncated(ctx)
		}
		m.metrics.RecordTaskFinished(ctx, snap.RunnerKind(), string(snap.Status), snap.UpdatedAt.Sub(snap.CreatedAt).Seconds())
	}
	if err := rec.sink.Close(); err != nil {
		slog.Warn("Failed to close log mirror", "taskId", snap.ID, "error", err)
	}
	m.notify(snap)
}

func (m *Manager) notify(t Task) {
	for _, o := range m.observers {
		o.TaskChanged(t)
	}
}

// reporter adapts runner callbacks into guarded record updates.
type reporter struct {
	m   *Manager
	rec *record
}

// Started moves a pending task to running. Ignored in any other status.
func (r *reporter) Started() {
	r.rec.mu.Lock()
	t := &r.rec.task
	if !canTransition(t.Status, StatusRunning) {
		r.rec.mu.Unlock()
		return
	}
	t.Status = StatusRunning
	t.UpdatedAt = r.m.now().UTC()
	snap := *t
	r.rec.mu.Unlock()

	slog.Debug("Task running", "taskId", snap.ID)
	r.m.notify(snap)

	if r.rec.configErr != nil {
		r.rec.runner.RequestCancel()
		r.m.finish(r.rec, runner.Outcome{Result: runner.Failed, Err: r.rec.configErr})
	}
}

// Progress raises the task's progress. Lower values and reports outside
// running are ignored, so progress never goes backwards.
func (r *reporter) Progress(p float64) {
	p = min(max(p, 0), 1)

	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()

	t := &r.rec.task
	if t.Status != StatusRunning || p <= t.Progress {
		return
	}
	t.Progress = p
	t.UpdatedAt = r.m.now().UTC()
}

// stamp prefixes a lifecycle line with its time.
func stamp(at time.Time, format string, args ...any) string {
	return "[" + at.Format(time.RFC3339) + "] " + fmt.Sprintf(format, args...)
}
