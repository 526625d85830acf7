// ABOUTME: Tests for configuration loading
// ABOUTME: Defaults, YAML files, environment overrides and validation

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.Store.DefaultSearchCount)
	assert.Equal(t, 1000, cfg.Store.MaxSearchCount)
	assert.False(t, cfg.Events.Enabled)
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  grpc_port: 6000
store:
  default_search_count: 50
events:
  enabled: true
  brokers: [kafka-1:9092, kafka-2:9092]
`))
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.GrpcPort)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 50, cfg.Store.DefaultSearchCount)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Events.Brokers)
	assert.Equal(t, "resource-changes", cfg.Events.Topic)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("server:\n  grpc_prot: 1\n"))
	require.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadAppliesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	t.Setenv("RESOURCESTORE_HTTP_PORT", "8181")
	t.Setenv("RESOURCESTORE_LOG_PRETTY", "true")
	t.Setenv("RESOURCESTORE_KAFKA_BROKERS", "a:1, b:2")
	t.Setenv("RESOURCESTORE_RECAPTCHA_SITE_KEY", "site")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, 8181, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Events.Brokers)
	assert.Equal(t, "site", cfg.Auth.RecaptchaSiteKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.GrpcPort = 0 }},
		{"port too large", func(c *Config) { c.Server.ObservabilityPort = 70000 }},
		{"non-positive count", func(c *Config) { c.Store.DefaultSearchCount = 0 }},
		{"max below default", func(c *Config) { c.Store.MaxSearchCount = 5 }},
		{"events without brokers", func(c *Config) { c.Events.Enabled = true; c.Events.Brokers = nil }},
		{"events without topic", func(c *Config) { c.Events.Enabled = true; c.Events.Topic = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetters(t *testing.T) {
	t.Setenv("RS_TEST_INT", "nope")
	t.Setenv("RS_TEST_BOOL", "1")

	assert.Equal(t, 7, GetInt("RS_TEST_INT", 7))
	assert.True(t, GetBool("RS_TEST_BOOL", false))
	assert.Equal(t, "fallback", GetString("RS_TEST_UNSET", "fallback"))
	assert.Nil(t, GetList("RS_TEST_UNSET"))
}
