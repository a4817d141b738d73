package task

import (
	"time"
	"trainctl/internal/config"
	"trainctl/internal/logsink"
)

// Config holds task manager settings.
type Config struct {
	Workspace           string        // Root for per-task artifacts and log mirrors
	Retention           time.Duration // How long terminal tasks stay listed (0 keeps them forever)
	MaintenanceInterval time.Duration // How often retention runs
	LogMaxBytes         int           // Per-task in-memory log cap
}

// LoadConfigFromEnv loads task manager configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Workspace:           config.GetEnv(config.WorkspaceEnv, "./workspace"),
		Retention:           config.GetDurationEnv("TASK_RETENTION", 0),
		MaintenanceInterval: config.GetDurationEnv("MAINTENANCE_INTERVAL", time.Minute),
		LogMaxBytes:         config.GetIntEnv("LOG_MAX_BYTES", logsink.DefaultMaxBytes),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Workspace == "" {
		c.Workspace = "./workspace"
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.LogMaxBytes <= 0 {
		c.LogMaxBytes = logsink.DefaultMaxBytes
	}
	return c
}
