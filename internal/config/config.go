// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// WorkspaceEnv names the variable overriding the workspace root.
const WorkspaceEnv = "TRAINER_WORKSPACE"

// ServiceConfig holds configuration for the trainctl service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	Workspace         string        // Root for per-task artifacts and logs
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration // Upper bound for stopping servers and runners
	LogLevel          string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		Workspace:         GetEnv(WorkspaceEnv, "./workspace"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 0),
		ShutdownTimeout:   GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
	}
}


// SlogLevel maps LogLevel to a slog level, falling back to info.
func (c *ServiceConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
