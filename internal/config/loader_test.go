package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// The embedded defaults document must stay a complete map of every section
// the loader binds; a key dropped here silently falls back to zero values.
func TestEmbeddedDefaultsDocument(t *testing.T) {
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(defaultsYAML, &doc))

	for _, section := range []string{
		"server", "signing", "nonce", "relay", "session",
		"store", "audit", "logging", "metrics", "health", "rate_limits",
	} {
		require.Contains(t, doc, section)
	}

	limits, ok := doc["rate_limits"].(map[string]any)
	require.True(t, ok)
	for _, route := range []string{"config", "messages", "events", "stream"} {
		require.Contains(t, limits, route)
	}
}

func TestLoadEmbeddedDefaults(t *testing.T) {
	t.Setenv("CWEDGE_SIGNING_SECRET", "test-secret")
	t.Setenv("CWEDGE_STORE_REST_BASE_URL", "http://records.local")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 60*time.Second, cfg.Signing.TTL)
	require.Equal(t, 50000, cfg.Nonce.Capacity)
	require.Equal(t, time.Second, cfg.Relay.ConnectTimeout)
	require.Equal(t, 6*time.Hour, cfg.Session.IdleReuseWindow)
	require.Equal(t, "rest", cfg.Store.Mode)

	messages := cfg.RouteLimitOrDefault("messages")
	require.Equal(t, time.Minute, messages.Window)
	require.Equal(t, 60, messages.Limit)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CWEDGE_SIGNING_SECRET", "env-secret")
	t.Setenv("CWEDGE_SIGNING_TTL", "90s")
	t.Setenv("CWEDGE_SERVER_PORT", "9999")
	t.Setenv("CWEDGE_STORE_MODE", "local")
	t.Setenv("CWEDGE_STORE_LOCAL_PATH", "/tmp/cwedge.db")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "env-secret", cfg.Signing.Secret)
	require.Equal(t, 90*time.Second, cfg.Signing.TTL)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, "local", cfg.Store.Mode)
	require.Equal(t, "/tmp/cwedge.db", cfg.Store.Local.Path)
}

func TestLoadConfigFileLayer(t *testing.T) {
	t.Setenv("CWEDGE_SIGNING_SECRET", "test-secret")
	t.Setenv("CWEDGE_STORE_REST_BASE_URL", "http://records.local")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("server:\n  port: 8443\nrate_limits:\n  messages:\n    window: 30s\n    limit: 10\n    block_duration: 5m\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8443, cfg.Server.Port)
	messages := cfg.RateLimits["messages"]
	require.Equal(t, 30*time.Second, messages.Window)
	require.Equal(t, 10, messages.Limit)
	require.Equal(t, 5*time.Minute, messages.BlockDuration)

	// Untouched sections keep their embedded defaults.
	require.Equal(t, 120, cfg.RateLimits["config"].Limit)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	t.Setenv("CWEDGE_SIGNING_SECRET", "")
	t.Setenv("CWEDGE_STORE_REST_BASE_URL", "http://records.local")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "signing.secret")
}

func TestLoadRejectsUnknownStoreMode(t *testing.T) {
	t.Setenv("CWEDGE_SIGNING_SECRET", "test-secret")
	t.Setenv("CWEDGE_STORE_MODE", "postgres")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "store.mode")
}

func TestRouteLimitOrDefaultFallsBack(t *testing.T) {
	cfg := &Config{RateLimits: map[string]RouteLimit{
		"messages": {Window: time.Minute, Limit: 42},
	}}

	rl := cfg.RouteLimitOrDefault("not-a-route")
	require.Equal(t, 42, rl.Limit)

	empty := &Config{}
	rl = empty.RouteLimitOrDefault("messages")
	require.Equal(t, 60, rl.Limit)
}
