package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	DBPath      string `envconfig:"DB_PATH" default:"area.db"`

	// Scheduler
	TickSpec                string        `envconfig:"TICK_SPEC" default:"@every 1m"`
	PollTimeout             time.Duration `envconfig:"POLL_TIMEOUT" default:"30s"`
	ExecuteTimeout          time.Duration `envconfig:"EXECUTE_TIMEOUT" default:"30s"`
	MaxConcurrentRules      int           `envconfig:"MAX_CONCURRENT_RULES" default:"8"`
	StorageRetries          int           `envconfig:"STORAGE_RETRIES" default:"3"`
	DeactivateOnAuthFailure bool          `envconfig:"DEACTIVATE_ON_AUTH_FAILURE" default:"false"`
	RateLimitBackoffBase    time.Duration `envconfig:"RATE_LIMIT_BACKOFF_BASE" default:"1m"`
	RateLimitBackoffMax     time.Duration `envconfig:"RATE_LIMIT_BACKOFF_MAX" default:"30m"`
	DedupeWindow            time.Duration `envconfig:"DEDUPE_WINDOW" default:"24h"`
	DedupeCapacity          int           `envconfig:"DEDUPE_CAPACITY" default:"10000"`

	// Retention
	RetentionSpec      string        `envconfig:"RETENTION_SPEC" default:"@every 1h"`
	HookStateRetention time.Duration `envconfig:"HOOK_STATE_RETENTION" default:"720h"`
	ExecutionRetention time.Duration `envconfig:"EXECUTION_RETENTION" default:"2160h"`

	// Redis (optional: cross-instance rule leases and token storage)
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	LeaseTTL      time.Duration `envconfig:"LEASE_TTL" default:"5m"`

	// Catalog
	CatalogPath  string `envconfig:"CATALOG_PATH"`
	CatalogWatch bool   `envconfig:"CATALOG_WATCH" default:"false"`

	// Connectors
	ConnectorRPS   float64 `envconfig:"CONNECTOR_RPS" default:"5"`
	ConnectorBurst int     `envconfig:"CONNECTOR_BURST" default:"10"`
	GitHubAPIURL   string  `envconfig:"GITHUB_API_URL"`
	SlackAPIURL    string  `envconfig:"SLACK_API_URL"`
	JiraBaseURL    string  `envconfig:"JIRA_BASE_URL"`
	JiraAPIEmail   string  `envconfig:"JIRA_API_EMAIL"` // Basic auth service account (dev)
	JiraAPIToken   string  `envconfig:"JIRA_API_TOKEN"` // Basic auth service account (dev)

	// Kubernetes (optional)
	K8sEnabled           bool   `envconfig:"K8S_ENABLED" default:"false"`
	Kubeconfig           string `envconfig:"KUBECONFIG"`
	K8sAllowedNamespaces string `envconfig:"K8S_ALLOWED_NAMESPACES"` // Comma-separated, empty = all

	// MQTT (optional)
	MQTTBrokerURL string `envconfig:"MQTT_BROKER_URL"`
	MQTTClientID  string `envconfig:"MQTT_CLIENT_ID" default:"area-engine"`
	MQTTUsername  string `envconfig:"MQTT_USERNAME"`
	MQTTPassword  string `envconfig:"MQTT_PASSWORD"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret      string `envconfig:"MGMT_JWT_SECRET"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`

	// Tracing
	OTelEndpoint    string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `envconfig:"OTEL_SERVICE_NAME" default:"area-engine"`
}

// RedisEnabled returns true if a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// MQTTEnabled returns true if an MQTT broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBrokerURL != ""
}

// JiraEnabled returns true if Jira base URL is configured.
func (c *Config) JiraEnabled() bool {
	return c.JiraBaseURL != ""
}

// TracingEnabled returns true if an OTLP endpoint is configured.
func (c *Config) TracingEnabled() bool {
	return c.OTelEndpoint != ""
}

// K8sNamespaces returns the parsed list of namespaces the kubernetes connector may touch.
// Returns nil if not configured (all namespaces allowed).
func (c *Config) K8sNamespaces() []string {
	return splitList(c.K8sAllowedNamespaces)
}

// CORSOrigins returns the parsed list of allowed management API origins.
func (c *Config) CORSOrigins() []string {
	return splitList(c.MgmtCORSOrigins)
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.MaxConcurrentRules < 1 {
		return fmt.Errorf("MAX_CONCURRENT_RULES must be >= 1, got %d", c.MaxConcurrentRules)
	}
	if c.StorageRetries < 1 {
		return fmt.Errorf("STORAGE_RETRIES must be >= 1, got %d", c.StorageRetries)
	}
	if c.PollTimeout <= 0 || c.ExecuteTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT and EXECUTE_TIMEOUT must be positive")
	}
	switch c.MgmtAuthMode {
	case "api-key", "jwt", "none":
	default:
		return fmt.Errorf("unsupported MGMT_AUTH_MODE %q", c.MgmtAuthMode)
	}
	if c.MgmtAuthMode == "jwt" && c.MgmtJWTSecret == "" {
		return fmt.Errorf("MGMT_JWT_SECRET is required when MGMT_AUTH_MODE=jwt")
	}
	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
