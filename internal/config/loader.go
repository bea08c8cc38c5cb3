// Package config provides centralized configuration management for the
// cwedge edge. Defaults are embedded in the binary; a config file and
// CWEDGE_-prefixed environment variables layer on top.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// EnvPrefix is the environment variable prefix, e.g. CWEDGE_SERVER_PORT.
const EnvPrefix = "CWEDGE"

var (
	appConfig *Config
	configMu  sync.RWMutex
)

// Load reads configuration from the embedded defaults, an optional config
// file, and the environment. An empty configFile skips the file layer.
//
// This function is safe to call multiple times (e.g. for config reload).
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(defaultsYAML)); err != nil {
		return nil, fmt.Errorf("failed to read embedded defaults: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// bindEnvKeys registers every known key so AutomaticEnv picks up variables
// even when the key is absent from the merged file layers.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.shutdown_timeout",
		"signing.secret",
		"signing.fingerprint_secret",
		"signing.ttl",
		"nonce.capacity",
		"relay.connect_timeout",
		"session.idle_reuse_window",
		"store.mode",
		"store.rest.base_url",
		"store.rest.api_key",
		"store.rest.timeout",
		"store.local.path",
		"store.local.url",
		"store.local.auth_token",
		"audit.enabled",
		"logging.level",
		"logging.environment",
		"metrics.enabled",
		"metrics.port",
		"metrics.namespace",
		"health.enabled",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}
