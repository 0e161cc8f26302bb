// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	LogLevel          slog.Level
	DBDriver          string
	DBPath            string
	DatabaseURL       string
	AgentRegistryPath string
	APIToken          string
	CORSOrigins       []string
	HelpModeWindow    time.Duration
	Dispatch          DispatchConfig
	Queue             QueueConfig
	Retry             RetryConfig
	Events            EventsConfig
	Timeout           TimeoutConfig
}

// DispatchConfig controls the message generator client.
type DispatchConfig struct {
	Addr     string
	Disabled bool
	Timeout  time.Duration
}

// QueueConfig controls the staleness sweep.
type QueueConfig struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
	Concurrency   int
}

// RetryConfig controls compare-and-set retries on conversation state.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// EventsConfig selects the event sinks. Empty values disable a sink.
type EventsConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	NatsURL      string
	NatsSubject  string
}

// TimeoutConfig holds HTTP-facing timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	Shutdown    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		DBDriver:          strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DBPath:            getEnv("DB_PATH", "./data/arbiter.db"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		AgentRegistryPath: getEnv("AGENT_REGISTRY_PATH", ""),
		APIToken:          getEnv("API_TOKEN", ""),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"*"}),
		HelpModeWindow:    getEnvDuration("HELP_MODE_WINDOW", 4*time.Hour),
		Dispatch: DispatchConfig{
			Addr:     getEnv("DISPATCH_ADDR", ""),
			Disabled: getEnvBool("DISPATCH_DISABLED", false),
			Timeout:  getEnvDuration("DISPATCH_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			SweepInterval: getEnvDuration("QUEUE_SWEEP_INTERVAL", 15*time.Minute),
			StaleAfter:    getEnvDuration("QUEUE_STALE_AFTER", 48*time.Hour),
			Concurrency:   getEnvInt("QUEUE_SWEEP_CONCURRENCY", 8),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Events: EventsConfig{
			KafkaBrokers: getEnvList("EVENTS_KAFKA_BROKERS", nil),
			KafkaTopic:   getEnv("EVENTS_KAFKA_TOPIC", "arbiter.conversation-events"),
			NatsURL:      getEnv("EVENTS_NATS_URL", ""),
			NatsSubject:  getEnv("EVENTS_NATS_SUBJECT", "arbiter.events"),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			Shutdown:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if !c.Dispatch.Disabled && c.Dispatch.Addr == "" {
		return fmt.Errorf("DISPATCH_ADDR is required unless DISPATCH_DISABLED=true")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT must be > 0")
	}
	if c.HelpModeWindow <= 0 {
		return fmt.Errorf("HELP_MODE_WINDOW must be > 0")
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("QUEUE_SWEEP_INTERVAL must be > 0")
	}
	if c.Queue.StaleAfter <= 0 {
		return fmt.Errorf("QUEUE_STALE_AFTER must be > 0")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("QUEUE_SWEEP_CONCURRENCY must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	if c.Retry.DatabaseRetryBaseDelay < 0 {
		return fmt.Errorf("DB_RETRY_BASE_DELAY cannot be negative")
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return fmt.Errorf("EVENTS_KAFKA_TOPIC cannot be empty when brokers are set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
