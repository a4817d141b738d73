package notify

import (
	"time"
	"trainctl/internal/config"
)

const (
	defaultMaxRetries  = 3
	defaultBufferSize  = 1000
	defaultWorkers     = 4
	defaultHTTPTimeout = 10 * time.Second
	defaultBreakerOpen = 5
	defaultCooldown    = 30 * time.Second
	deliveryTimeout    = 30 * time.Second
	queueReportPeriod  = 5 * time.Second
)

// Config holds webhook notifier settings.
type Config struct {
	URL         string        // callback endpoint; empty disables notifications
	SigningKey  string        // HMAC key, empty = unsigned
	Events      []string      // event names to deliver, empty = all
	Source      string        // CloudEvents source attribute
	BufferSize  int           // pending events (default: 1000)
	Workers     int           // concurrent deliveries (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)

	BreakerThreshold int           // failed deliveries before pausing (default: 5)
	BreakerCooldown  time.Duration // pause before probing again (default: 30s)
}

// Enabled reports whether a callback URL is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URL:         config.GetEnv("CALLBACK_URL", ""),
		SigningKey:  config.GetEnv("CALLBACK_KEY", ""),
		Events:      config.GetListEnv("CALLBACK_EVENTS"),
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", defaultBufferSize),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", defaultWorkers),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", defaultHTTPTimeout),

		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", defaultBreakerOpen),
		BreakerCooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", defaultCooldown),
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = config.GetSecretFile(config.GetEnv("CALLBACK_KEY_FILE", ""))
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "trainctl"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerOpen
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultCooldown
	}
	return c
}
