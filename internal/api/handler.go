// Package api exposes the task manager over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"trainctl/internal/apperrors"
	"trainctl/internal/health"
	"trainctl/internal/task"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20

// Handler contains HTTP handlers for the tasks API
type Handler struct {
	tasks  *task.Manager
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(tasks *task.Manager, healthChecker *health.Checker) *Handler {
	return &Handler{
		tasks:  tasks,
		health: healthChecker,
	}
}

// ListResponse is the body of GET /api/tasks.
type ListResponse struct {
	Tasks map[string]task.Summary `json:"tasks"`
}

// NotesRequest is the body of PATCH /api/tasks/{taskId}.
type NotesRequest struct {
	Notes *string `json:"notes"`
}

// CreateTask handles POST /api/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	spec := task.NewSpec()
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+decodeMessage(err))
		return
	}

	t, err := h.tasks.CreateTask(r.Context(), spec)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/tasks/"+t.ID)
	h.writeJSON(w, http.StatusCreated, t)
}

// ListTasks handles GET /api/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	all := h.tasks.ListTasks(r.Context())
	resp := ListResponse{Tasks: make(map[string]task.Summary, len(all))}
	for id, t := range all {
		resp.Tasks[id] = t.Summary()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetTask handles GET /api/tasks/{taskId}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.GetTask(r.Context(), r.PathValue("taskId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// UpdateTask handles PATCH /api/tasks/{taskId}. Only notes are editable.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req NotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+decodeMessage(err))
		return
	}
	if req.Notes == nil {
		h.writeError(w, http.StatusBadRequest, "notes is required")
		return
	}

	t, err := h.tasks.UpdateNotes(r.Context(), r.PathValue("taskId"), *req.Notes)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// GetLogs handles GET /api/tasks/{taskId}/logs. Without ?since the whole log
// is returned as text; with ?since=N the lines from offset N come back as JSON.
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("taskId")

	if since := r.URL.Query().Get("since"); since != "" {
		offset, err := strconv.Atoi(since)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		chunk, err := h.tasks.TailLogs(r.Context(), id, offset)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, chunk)
		return
	}

	logs, err := h.tasks.GetLogs(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, logs)
}

// CancelTask handles POST /api/tasks/{taskId}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	ack, err := h.tasks.CancelTask(r.Context(), r.PathValue("taskId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ack)
}

// Livez handles GET /livez. It does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. A degraded executor still serves, since
// simulated tasks keep working; an unwritable workspace does not.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps manager errors onto HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

func decodeMessage(err error) string {
	if errors.Is(err, io.EOF) {
		return "empty body"
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return "body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes"
	}
	return err.Error()
}
