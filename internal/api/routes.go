package api

import (
	"net/http"
	"trainctl/internal/health"
	"trainctl/internal/observability"
	"trainctl/internal/task"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Tasks         *task.Manager
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Tasks, cfg.HealthChecker)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	mux.HandleFunc("POST /api/tasks", handler.CreateTask)
	mux.HandleFunc("GET /api/tasks", handler.ListTasks)
	mux.HandleFunc("GET /api/tasks/{taskId}", handler.GetTask)
	mux.HandleFunc("PATCH /api/tasks/{taskId}", handler.UpdateTask)
	mux.HandleFunc("GET /api/tasks/{taskId}/logs", handler.GetLogs)
	mux.HandleFunc("POST /api/tasks/{taskId}/cancel", handler.CancelTask)

	// Outermost first.
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
