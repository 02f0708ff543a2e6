package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port       int    `envconfig:"PORT" default:"8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	Version    string `envconfig:"VERSION" default:"dev"`
	BcryptCost int    `envconfig:"BCRYPT_COST" default:"12"`

	// StoreDriver selects the backing store: "postgres", "sqlite" or "memory".
	StoreDriver      string `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL      string `envconfig:"DATABASE_URL" default:""`
	DatabaseMaxConns int32  `envconfig:"DATABASE_MAX_CONNS" default:"10"`
	SQLitePath       string `envconfig:"SQLITE_PATH" default:"pool.db"`

	KeyTypes          []string      `envconfig:"POOL_KEY_TYPES" default:"glm,openai,anthropic,gemini,deepseek"`
	KeyPreviewLength  int           `envconfig:"POOL_KEY_PREVIEW_LENGTH" default:"8"`
	MaxAssignAttempts int           `envconfig:"POOL_MAX_ASSIGN_ATTEMPTS" default:"3"`
	StoreTimeout      time.Duration `envconfig:"POOL_STORE_TIMEOUT" default:"5s"`

	// AuditSink selects where audit events go: "database", "redis" or "log".
	AuditSink       string `envconfig:"AUDIT_SINK" default:"database"`
	RedisURL        string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`
	AuditStream     string `envconfig:"AUDIT_STREAM" default:"audit:events"`
	AuditQueueSize  int    `envconfig:"AUDIT_QUEUE_SIZE" default:"1024"`
	AuditMaxRetries int    `envconfig:"AUDIT_MAX_RETRIES" default:"3"`

	ReconcilerInterval time.Duration `envconfig:"RECONCILER_INTERVAL" default:"1m"`
	ReconcilerRepair   bool          `envconfig:"RECONCILER_REPAIR" default:"false"`
	ReconcilerGrace    time.Duration `envconfig:"RECONCILER_GRACE" default:"5m"`

	// TelemetryExporter is "stdout" (spans and metrics on stderr) or "none".
	TelemetryExporter string        `envconfig:"TELEMETRY_EXPORTER" default:"stdout"`
	TelemetryInterval time.Duration `envconfig:"TELEMETRY_INTERVAL" default:"1m"`
}

// Load reads configuration from environment variables into a Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", c.StoreDriver)
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.AuditSink {
	case "database", "redis", "log":
	default:
		return fmt.Errorf("unsupported AUDIT_SINK %q", c.AuditSink)
	}

	switch c.TelemetryExporter {
	case "stdout", "none":
	default:
		return fmt.Errorf("unsupported TELEMETRY_EXPORTER %q", c.TelemetryExporter)
	}

	if len(c.KeyTypes) == 0 {
		return fmt.Errorf("POOL_KEY_TYPES must name at least one key type")
	}
	if c.KeyPreviewLength < 1 {
		return fmt.Errorf("POOL_KEY_PREVIEW_LENGTH must be positive")
	}
	if c.MaxAssignAttempts < 1 {
		return fmt.Errorf("POOL_MAX_ASSIGN_ATTEMPTS must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("POOL_STORE_TIMEOUT must be positive")
	}
	return nil
}
