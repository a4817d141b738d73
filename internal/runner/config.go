package runner

import (
	"time"
	"trainctl/internal/config"
)

// Executor kinds for the real runner.
const (
	ExecutorProcess = "process"
	ExecutorDocker  = "docker"
)

// Config holds runner settings shared by all tasks.
type Config struct {
	Tool          string        // Training tool executable (default: musubi-tuner)
	Executor      string        // "process" or "docker"
	Image         string        // Container image for the docker executor
	CancelGrace   time.Duration // Time between the stop signal and a forced kill
	RemoveOrphans bool          // Clear runs left by a previous process at startup
	Sim           SimConfig
}

// LoadConfigFromEnv loads runner configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Tool:          config.GetEnv("TRAINER_TOOL", "musubi-tuner"),
		Executor:      config.GetEnv("TRAINER_EXECUTOR", ExecutorProcess),
		Image:         config.GetEnv("TRAINER_IMAGE", ""),
		CancelGrace:   config.GetDurationEnv("CANCEL_GRACE", 10*time.Second),
		RemoveOrphans: config.GetBoolEnv("TRAINER_REMOVE_ORPHANS", true),
		Sim: SimConfig{
			Duration: config.GetDurationEnv("SIM_DURATION", 120*time.Second),
			Steps:    config.GetIntEnv("SIM_STEPS", 0),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Tool == "" {
		c.Tool = "musubi-tuner"
	}
	if c.Executor == "" {
		c.Executor = ExecutorProcess
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.Sim.Duration <= 0 {
		c.Sim.Duration = 120 * time.Second
	}
	return c
}
