package task

import (
	"time"
	"trainctl/internal/artifact"
)

// Status is a task's position in its lifecycle.
type Status string

// Status constants
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// canTransition encodes the state machine:
// pending -> running -> {completed, failed, cancelled} and pending -> cancelled.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Parameters are the numeric training knobs. They are written verbatim into
// the configuration artifact.
type Parameters = artifact.Parameters

// DefaultParameters returns the values used for omitted parameters.
func DefaultParameters() Parameters {
	return artifact.DefaultParameters()
}

// Spec is the input to CreateTask.
type Spec struct {
	Name        string     `json:"name"`
	DatasetPath string     `json:"dataset_path"`
	OutputPath  string     `json:"output_path"`
	Notes       string     `json:"notes"`
	Simulate    bool       `json:"simulate"`
	Parameters  Parameters `json:"parameters"`
}

// NewSpec returns a Spec with default parameters, ready to be decoded into.
func NewSpec() Spec {
	return Spec{Parameters: DefaultParameters()}
}

// Task is a snapshot of one task record. Values returned by the Manager are
// copies; mutating them has no effect on the record.
type Task struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	DatasetPath     string     `json:"dataset_path"`
	OutputPath      string     `json:"output_path"`
	Notes           string     `json:"notes"`
	Parameters      Parameters `json:"parameters"`
	Simulate        bool       `json:"simulate"`
	Status          Status     `json:"status"`
	Progress        float64    `json:"progress"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	LogPath         string     `json:"log_path"`
	ConfigPath      string     `json:"config_path"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RunnerKind names the runner variant selected by Simulate.
func (t Task) RunnerKind() string {
	if t.Simulate {
		return "simulated"
	}
	return "real"
}

// Summary is the condensed form used in listings.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	Progress     float64   `json:"progress"`
	Simulate     bool      `json:"simulate"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summary condenses t for listings.
func (t Task) Summary() Summary {
	return Summary{
		ID:           t.ID,
		Name:         t.Name,
		Status:       t.Status,
		Progress:     t.Progress,
		Simulate:     t.Simulate,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// CancelAck acknowledges a cancellation request.
type CancelAck struct {
	ID      string `json:"id"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// LogChunk is the result of an incremental log read.
type LogChunk struct {
	Lines []string `json:"lines"`
	Next  int      `json:"next"`
}
