package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the complete edge configuration. Values merge from
// three layers: embedded defaults, an optional config file, and
// CWEDGE_-prefixed environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Signing SigningConfig `mapstructure:"signing"`
	Nonce   NonceConfig   `mapstructure:"nonce"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Session SessionConfig `mapstructure:"session"`
	Store   StoreConfig   `mapstructure:"store"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`

	// RateLimits keys are route names (config, messages, events, stream).
	RateLimits map[string]RouteLimit `mapstructure:"rate_limits"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SigningConfig contains the shared-secret settings for request integrity.
type SigningConfig struct {
	// Secret is the HMAC key shared with the widget build pipeline.
	Secret string `mapstructure:"secret"`

	// FingerprintSecret keys the device fingerprint digest. Falls back to
	// Secret when empty.
	FingerprintSecret string `mapstructure:"fingerprint_secret"`

	// TTL bounds how far a signed timestamp may drift from server time.
	TTL time.Duration `mapstructure:"ttl"`
}

// NonceConfig tunes the replay cache.
type NonceConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// RouteLimit is a per-route sliding window policy.
type RouteLimit struct {
	Window time.Duration `mapstructure:"window"`
	Limit  int           `mapstructure:"limit"`

	// BlockDuration is the flat penalty applied once the limit trips.
	// Zero means "same as window".
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

// RelayConfig tunes the upstream stream relay.
type RelayConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// SessionConfig tunes anonymous session stitching.
type SessionConfig struct {
	IdleReuseWindow time.Duration `mapstructure:"idle_reuse_window"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	// Mode is "rest" for the HTTP record API or "local" for libsql.
	Mode string `mapstructure:"mode"`

	REST  RESTStoreConfig  `mapstructure:"rest"`
	Local LocalStoreConfig `mapstructure:"local"`
}

// RESTStoreConfig points at a PostgREST-style record API.
type RESTStoreConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LocalStoreConfig contains libsql/Turso connection settings.
type LocalStoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// AuditConfig controls the audit trail sink.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging configuration.
// Valid levels: trace, debug, info, warn, error.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Validate rejects configurations the edge cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Signing.Secret) == "" {
		return fmt.Errorf("signing.secret is required")
	}
	if c.Signing.TTL <= 0 {
		return fmt.Errorf("signing.ttl must be positive, got %v", c.Signing.TTL)
	}
	if c.Nonce.Capacity <= 0 {
		return fmt.Errorf("nonce.capacity must be positive, got %d", c.Nonce.Capacity)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	for route, rl := range c.RateLimits {
		if rl.Window <= 0 {
			return fmt.Errorf("rate_limits.%s.window must be positive, got %v", route, rl.Window)
		}
		if rl.Limit <= 0 {
			return fmt.Errorf("rate_limits.%s.limit must be positive, got %d", route, rl.Limit)
		}
	}
	switch c.Store.Mode {
	case "rest":
		if strings.TrimSpace(c.Store.REST.BaseURL) == "" {
			return fmt.Errorf("store.rest.base_url is required in rest mode")
		}
	case "local":
		if strings.TrimSpace(c.Store.Local.Path) == "" && strings.TrimSpace(c.Store.Local.URL) == "" {
			return fmt.Errorf("store.local needs a path or url")
		}
	default:
		return fmt.Errorf("store.mode must be rest or local, got %q", c.Store.Mode)
	}
	return nil
}

// RouteLimitOrDefault returns the configured policy for a route, falling
// back to the messages policy so an unconfigured route is never unlimited.
func (c *Config) RouteLimitOrDefault(route string) RouteLimit {
	if rl, ok := c.RateLimits[route]; ok {
		return rl
	}
	if rl, ok := c.RateLimits["messages"]; ok {
		return rl
	}
	return RouteLimit{Window: time.Minute, Limit: 60}
}
