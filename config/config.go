// Package config loads and validates process configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hupe1980/makermesh/logging"
)

// Config holds all process configuration.
type Config struct {
	// Server settings.
	Port int

	// Logging.
	LogLevel  string
	LogFormat string // json or text

	// Event store: memory, sqlite or postgres.
	EventStore       string
	SQLiteDSN        string
	DatabaseURL      string
	SnapshotInterval int

	// Workflows.
	WorkflowDir     string
	WorkflowTimeout time.Duration
	MaxModelCalls   int // per run, 0 = unlimited

	// Model provider: mock, anthropic or openai.
	ModelProvider   string
	Model           string
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// ConnectorsFile is an optional YAML file declaring http, cli and mcp
	// connectors.
	ConnectorsFile string
	// ConnectorPolicy is an optional path to a rego policy gating connector calls.
	ConnectorPolicy string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:             envInt("MAKERMESH_PORT", 8080),
		LogLevel:         envStr("MAKERMESH_LOG_LEVEL", "info"),
		LogFormat:        envStr("MAKERMESH_LOG_FORMAT", "json"),
		EventStore:       envStr("MAKERMESH_EVENT_STORE", "memory"),
		SQLiteDSN:        envStr("MAKERMESH_SQLITE_DSN", "file:makermesh.db?_busy_timeout=5000"),
		DatabaseURL:      envStr("DATABASE_URL", ""),
		SnapshotInterval: envInt("MAKERMESH_SNAPSHOT_INTERVAL", 100),
		WorkflowDir:      envStr("MAKERMESH_WORKFLOW_DIR", "./workflows"),
		WorkflowTimeout:  envDuration("MAKERMESH_WORKFLOW_TIMEOUT", 5*time.Minute),
		MaxModelCalls:    envInt("MAKERMESH_MAX_MODEL_CALLS", 0),
		ModelProvider:    envStr("MAKERMESH_MODEL_PROVIDER", "mock"),
		Model:            envStr("MAKERMESH_MODEL", ""),
		AnthropicAPIKey:  envStr("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:     envStr("OPENAI_API_KEY", ""),
		ConnectorsFile:   envStr("MAKERMESH_CONNECTORS", "./connectors.yaml"),
		ConnectorPolicy:  envStr("MAKERMESH_CONNECTOR_POLICY", ""),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "makermesh"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: MAKERMESH_PORT must be between 1 and 65535")
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: MAKERMESH_LOG_LEVEL: %w", err)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("config: MAKERMESH_LOG_FORMAT must be json or text")
	}

	switch c.EventStore {
	case "memory":
	case "sqlite":
		if c.SQLiteDSN == "" {
			return fmt.Errorf("config: MAKERMESH_SQLITE_DSN is required for the sqlite event store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres event store")
		}
	default:
		return fmt.Errorf("config: MAKERMESH_EVENT_STORE must be memory, sqlite or postgres")
	}

	if c.WorkflowTimeout <= 0 {
		return fmt.Errorf("config: MAKERMESH_WORKFLOW_TIMEOUT must be positive")
	}

	if c.MaxModelCalls < 0 {
		return fmt.Errorf("config: MAKERMESH_MAX_MODEL_CALLS must not be negative")
	}

	switch c.ModelProvider {
	case "mock":
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("config: ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required for the openai provider")
		}
	default:
		return fmt.Errorf("config: MAKERMESH_MODEL_PROVIDER must be mock, anthropic or openai")
	}

	return nil
}

// Level returns the parsed log level.
func (c Config) Level() logging.LogLevel {
	l, _ := logging.ParseLevel(c.LogLevel)
	return l
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}

	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}

	return defaultVal
}
