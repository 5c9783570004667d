// Package config loads im-gateway's configuration from a YAML file and
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration for the gateway process.
type Config struct {
	BrokerID      string              `mapstructure:"broker_id" validate:"required"`
	WebSocket     WebSocketConfig     `mapstructure:"websocket"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Heartbeat     HeartbeatConfig     `mapstructure:"heartbeat"`
	Handshake     HandshakeConfig     `mapstructure:"handshake"`
	Outbound      OutboundConfig      `mapstructure:"outbound"`
	Consumer      ConsumerConfig      `mapstructure:"consumer"`
	Directory     DirectoryConfig     `mapstructure:"directory"`
	Broker        BrokerConfig        `mapstructure:"broker"`
	Discovery     DiscoveryConfig     `mapstructure:"discovery"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// WebSocketConfig holds the upgrade endpoint configuration.
type WebSocketConfig struct {
	Ports []int  `mapstructure:"ports" validate:"required,min=1"`
	Path  string `mapstructure:"path" validate:"required"`
}

// JWTConfig holds the token verification material.
type JWTConfig struct {
	Secret    string `mapstructure:"secret" validate:"required"`
	Algorithm string `mapstructure:"algorithm" validate:"required"`
}

// HeartbeatConfig bounds the Active state between observed activity.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"required"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"required"`
}

// HandshakeConfig bounds the Pending state.
type HandshakeConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"required"`
}

// OutboundConfig bounds the per-session outbound frame queue.
type OutboundConfig struct {
	QueueCapacity int `mapstructure:"queue_capacity" validate:"required,min=1"`
}

// ConsumerConfig bounds broker consumer concurrency.
type ConsumerConfig struct {
	Prefetch int `mapstructure:"prefetch" validate:"required,min=1"`
}

// DirectoryConfig configures the external routing directory client.
type DirectoryConfig struct {
	TTL         time.Duration    `mapstructure:"ttl" validate:"required"`
	Endpoints   []string         `mapstructure:"endpoint" validate:"required,min=1"`
	Credentials DirectoryCredent `mapstructure:"credentials"`
}

// DirectoryCredent holds optional directory auth.
type DirectoryCredent struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// BrokerConfig configures the message-broker connection.
type BrokerConfig struct {
	Endpoints   []string        `mapstructure:"endpoint" validate:"required,min=1"`
	Credentials BrokerCredent   `mapstructure:"credentials"`
}

// BrokerCredent holds optional broker auth.
type BrokerCredent struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// DiscoveryConfig configures optional discovery-service registration.
type DiscoveryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// RedisConfig configures the dispatch dedup cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ObservabilityConfig configures logging and the metrics endpoint.
type ObservabilityConfig struct {
	Environment string `mapstructure:"environment"`
	MetricsPort int    `mapstructure:"metrics_port" validate:"required,min=1,max=65535"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// Loader wraps viper with validation, mirroring the shared config loader
// used across this service's sibling processes.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate
}

// NewLoader creates a Loader that reads "config.yaml" from the given search
// paths and GATEWAY__-prefixed environment variables.
func NewLoader(configPaths []string) *Loader {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	// viper joins prefix and key with "_", so "GATEWAY_" yields
	// GATEWAY__SECTION__KEY once "." is replaced by "__".
	v.AutomaticEnv()
	v.SetEnvPrefix("GATEWAY_")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__", "-", "_"))

	return &Loader{v: v, validate: validator.New()}
}

// Load reads the optional config file plus environment overrides into a
// Config, applying defaults first and validating the result.
func Load(configPaths ...string) (*Config, error) {
	if len(configPaths) == 0 {
		configPaths = []string{".", "./config"}
	}
	loader := NewLoader(configPaths)
	setDefaults(loader.v)

	if err := loader.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := loader.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if secret := os.Getenv("GATEWAY__JWT__SECRET"); secret != "" && cfg.JWT.Secret == "" {
		cfg.JWT.Secret = secret
	}

	if err := loader.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker_id", "gateway-node-1")

	v.SetDefault("websocket.ports", []int{8080})
	v.SetDefault("websocket.path", "/ws")

	v.SetDefault("jwt.algorithm", "HS256")

	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.timeout", 90*time.Second)

	v.SetDefault("handshake.timeout", 10*time.Second)

	v.SetDefault("outbound.queue_capacity", 256)
	v.SetDefault("consumer.prefetch", 64)

	v.SetDefault("directory.ttl", 270*time.Second)
	v.SetDefault("directory.endpoint", []string{"localhost:2379"})

	v.SetDefault("broker.endpoint", []string{"localhost:9092"})

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.endpoint", "localhost:9096")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_port", 9090)
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
}
