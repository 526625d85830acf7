// ABOUTME: Service configuration loaded from YAML with environment overrides
// ABOUTME: Defaults, file loading and validation

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "RESOURCESTORE_"

// Config is the full service configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Store  StoreConfig  `yaml:"store"`
	Schema SchemaConfig `yaml:"schema"`
	Auth   AuthConfig   `yaml:"auth"`
	Events EventsConfig `yaml:"events"`
}

type ServerConfig struct {
	GrpcPort          int    `yaml:"grpc_port"`
	HTTPPort          int    `yaml:"http_port"`
	ObservabilityPort int    `yaml:"observability_port"`
	BaseURL           string `yaml:"base_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type StoreConfig struct {
	DefaultSearchCount int `yaml:"default_search_count"`
	MaxSearchCount     int `yaml:"max_search_count"`
}

// SchemaConfig extends the built-in types. File adds types up front; Dir
// holds one "<Type>.yaml" per type, loaded on first use.
type SchemaConfig struct {
	File string `yaml:"file"`
	Dir  string `yaml:"dir"`
}

type AuthConfig struct {
	RecaptchaSiteKey   string `yaml:"recaptcha_site_key"`
	RecaptchaSecretKey string `yaml:"recaptcha_secret_key"`
	BcryptCost         int    `yaml:"bcrypt_cost"`
}

type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns a configuration that runs locally without any file
func Default() Config {
	return Config{
		Server: ServerConfig{
			GrpcPort:          50051,
			HTTPPort:          8080,
			ObservabilityPort: 9090,
		},
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			DefaultSearchCount: 20,
			MaxSearchCount:     1000,
		},
		Auth: AuthConfig{BcryptCost: 10},
		Events: EventsConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "resource-changes",
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from RESOURCESTORE_* variables
func (c *Config) ApplyEnv() {
	c.Server.GrpcPort = GetInt(EnvPrefix+"GRPC_PORT", c.Server.GrpcPort)
	c.Server.HTTPPort = GetInt(EnvPrefix+"HTTP_PORT", c.Server.HTTPPort)
	c.Server.ObservabilityPort = GetInt(EnvPrefix+"OBSERVABILITY_PORT", c.Server.ObservabilityPort)
	c.Server.BaseURL = GetString(EnvPrefix+"BASE_URL", c.Server.BaseURL)

	c.Log.Level = GetString(EnvPrefix+"LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = GetBool(EnvPrefix+"LOG_PRETTY", c.Log.Pretty)

	c.Store.DefaultSearchCount = GetInt(EnvPrefix+"DEFAULT_SEARCH_COUNT", c.Store.DefaultSearchCount)
	c.Store.MaxSearchCount = GetInt(EnvPrefix+"MAX_SEARCH_COUNT", c.Store.MaxSearchCount)

	c.Schema.File = GetString(EnvPrefix+"SCHEMA_FILE", c.Schema.File)
	c.Schema.Dir = GetString(EnvPrefix+"SCHEMA_DIR", c.Schema.Dir)

	c.Auth.RecaptchaSiteKey = GetString(EnvPrefix+"RECAPTCHA_SITE_KEY", c.Auth.RecaptchaSiteKey)
	c.Auth.RecaptchaSecretKey = GetString(EnvPrefix+"RECAPTCHA_SECRET_KEY", c.Auth.RecaptchaSecretKey)
	c.Auth.BcryptCost = GetInt(EnvPrefix+"BCRYPT_COST", c.Auth.BcryptCost)

	c.Events.Enabled = GetBool(EnvPrefix+"EVENTS_ENABLED", c.Events.Enabled)
	c.Events.Brokers = GetList(EnvPrefix+"KAFKA_BROKERS", c.Events.Brokers)
	c.Events.Topic = GetString(EnvPrefix+"KAFKA_TOPIC", c.Events.Topic)
}

// Validate rejects configurations the service cannot start with
func (c Config) Validate() error {
	ports := map[string]int{
		"server.grpc_port":          c.Server.GrpcPort,
		"server.http_port":          c.Server.HTTPPort,
		"server.observability_port": c.Server.ObservabilityPort,
	}
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
		}
	}

	if c.Store.DefaultSearchCount <= 0 {
		return fmt.Errorf("store.default_search_count must be positive, got %d", c.Store.DefaultSearchCount)
	}
	if c.Store.MaxSearchCount < c.Store.DefaultSearchCount {
		return fmt.Errorf("store.max_search_count (%d) must be at least default_search_count (%d)",
			c.Store.MaxSearchCount, c.Store.DefaultSearchCount)
	}

	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return errors.New("events.brokers is required when events are enabled")
		}
		if c.Events.Topic == "" {
			return errors.New("events.topic is required when events are enabled")
		}
	}
	return nil
}
