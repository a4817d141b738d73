package task

import (
	"context"
	"log/slog"
	"time"
)

// runMaintenance periodically evicts expired terminal tasks.
func (m *Manager) runMaintenance(ctx context.Context, interval time.Duration) {
	defer close(m.maintenanceDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictExpired(ctx)
		}
	}
}

// evictExpired removes terminal tasks last updated more than the retention
// period ago. Their workspace files are left in place.
func (m *Manager) evictExpired(ctx context.Context) int {
	now := m.now()
	logger := slog.With("component", "maintenance")

	m.mu.Lock()
	var expired []string
	for id, rec := range m.records {
		t := rec.snapshot()
		if t.Status.Terminal() && now.Sub(t.UpdatedAt) > m.cfg.Retention {
			expired = append(expired, id)
			delete(m.records, id)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	for _, id := range expired {
		logger.Debug("Evicted expired task", "taskId", id)
	}
	if m.metrics != nil {
		m.metrics.RecordTasksEvicted(ctx, len(expired))
	}
	logger.Info("Maintenance complete", "evicted", len(expired))
	return len(expired)
}
