// Package health provides liveness and readiness probes.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Check is a named dependency probe. A failing required check makes the
// service unhealthy; any other failure only degrades it.
type Check struct {
	Name     string
	Required bool
	Probe    func(ctx context.Context) error
}

// Checker runs readiness checks and tracks shutdown.
type Checker struct {
	checks  []Check
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker over the given checks.
func NewChecker(checks ...Check) *Checker {
	return &Checker{
		checks:  checks,
		timeout: 5 * time.Second,
	}
}

// Liveness reports that the process is up. It has no dependencies.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness runs every check, caching the result for a second.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := &Response{
		Status: StatusHealthy,
		Checks: make(map[string]CheckResult, len(c.checks)),
	}
	for _, check := range c.checks {
		result := c.run(ctx, check)
		response.Checks[check.Name] = result
		switch {
		case result.Status == StatusHealthy:
		case check.Required:
			response.Status = StatusUnhealthy
		case response.Status == StatusHealthy:
			response.Status = StatusDegraded
		}
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) run(ctx context.Context, check Check) CheckResult {
	if check.Probe == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "no probe configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := check.Probe(ctx); err != nil {
		status := StatusDegraded
		if check.Required {
			status = StatusUnhealthy
		}
		return CheckResult{Status: status, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsServing reports whether traffic should still be routed here.
func (r *Response) IsServing() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown makes readiness fail immediately so load balancers stop
// routing new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}

// WorkspaceWritable probes that dir accepts new files.
func WorkspaceWritable(dir string) func(context.Context) error {
	return func(context.Context) error {
		f, err := os.CreateTemp(dir, ".readyz-*")
		if err != nil {
			return fmt.Errorf("workspace not writable: %w", err)
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}
}
