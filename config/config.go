// Package config loads and validates the hub configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dancesWithCycles/anshar/errors"
)

// ServerConfig configures the consumer-facing HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Port int    `yaml:"port" validate:"gte=0,lte=65535"`
	Path string `yaml:"path"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// NATSConfig configures the shared JetStream substrate. Disabled means
// in-memory stores and no cluster coordination.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url" validate:"omitempty,uri"`
	Name          string `yaml:"name"`
	BucketPrefix  string `yaml:"bucketPrefix"`
	MaxReconnects int    `yaml:"maxReconnects"`
}

// ClusterConfig configures singleton route coordination.
type ClusterConfig struct {
	Bypass          bool `yaml:"bypass"`
	AllowStandalone bool `yaml:"allowStandalone"`
	LeaseTTLSeconds int  `yaml:"leaseTTLSeconds" validate:"gte=0"`
}

// StoreConfig configures the entity stores.
type StoreConfig struct {
	Backend              string `yaml:"backend" validate:"omitempty,oneof=memory kv"`
	SweepIntervalSeconds int    `yaml:"sweepIntervalSeconds" validate:"gte=0"`
}

// OutboundConfig configures push dispatch.
type OutboundConfig struct {
	ProducerRef        string `yaml:"producerRef"`
	ChunkSize          int    `yaml:"chunkSize" validate:"gte=0"`
	SendTimeoutSeconds int    `yaml:"sendTimeoutSeconds" validate:"gte=0"`
	Workers            int    `yaml:"workers" validate:"gte=0"`
	QueueSize          int    `yaml:"queueSize" validate:"gte=0"`
}

// SubscriptionConfig configures upstream subscription health and retention.
type SubscriptionConfig struct {
	HealthThresholdSeconds int `yaml:"healthThresholdSeconds" validate:"gte=0"`
	GCIntervalSeconds      int `yaml:"gcIntervalSeconds" validate:"gte=0"`
	RetentionSeconds       int `yaml:"retentionSeconds" validate:"gte=0"`
	IdleCursorSeconds      int `yaml:"idleCursorSeconds" validate:"gte=0"`
}

// Config is the root hub configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server" validate:"required"`
	Metrics       MetricsConfig      `yaml:"metrics"`
	Log           LogConfig          `yaml:"log"`
	NATS          NATSConfig         `yaml:"nats"`
	Cluster       ClusterConfig      `yaml:"cluster"`
	Store         StoreConfig        `yaml:"store"`
	Outbound      OutboundConfig     `yaml:"outbound"`
	Subscriptions SubscriptionConfig `yaml:"subscriptions"`
}

// Load reads, validates and defaults the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrMissingConfig, path),
			"Config", "Load", "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
	}

	cfg.ApplyDefaults()

	v := validator.New()
	if err := v.Struct(&cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Config", "Load", "validate config")
	}

	return &cfg, nil
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8012
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "anshar"
	}
	if c.NATS.BucketPrefix == "" {
		c.NATS.BucketPrefix = "anshar"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.Cluster.LeaseTTLSeconds == 0 {
		c.Cluster.LeaseTTLSeconds = 30
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.SweepIntervalSeconds == 0 {
		c.Store.SweepIntervalSeconds = 30
	}
	if c.Outbound.ProducerRef == "" {
		c.Outbound.ProducerRef = "ANSHAR"
	}
	if c.Outbound.ChunkSize == 0 {
		c.Outbound.ChunkSize = 1000
	}
	if c.Outbound.SendTimeoutSeconds == 0 {
		c.Outbound.SendTimeoutSeconds = 15
	}
	if c.Outbound.Workers == 0 {
		c.Outbound.Workers = 20
	}
	if c.Outbound.QueueSize == 0 {
		c.Outbound.QueueSize = 2000
	}
	if c.Subscriptions.HealthThresholdSeconds == 0 {
		c.Subscriptions.HealthThresholdSeconds = 300
	}
	if c.Subscriptions.GCIntervalSeconds == 0 {
		c.Subscriptions.GCIntervalSeconds = 60
	}
	if c.Subscriptions.RetentionSeconds == 0 {
		c.Subscriptions.RetentionSeconds = 3600
	}
	if c.Subscriptions.IdleCursorSeconds == 0 {
		c.Subscriptions.IdleCursorSeconds = 1800
	}
}

// LeaseTTL returns the cluster lease TTL as a duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Cluster.LeaseTTLSeconds) * time.Second
}

// SweepInterval returns the store sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Store.SweepIntervalSeconds) * time.Second
}

// SendTimeout returns the outbound send timeout as a duration.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Outbound.SendTimeoutSeconds) * time.Second
}

// HealthThreshold returns the subscription health threshold as a duration.
func (c *Config) HealthThreshold() time.Duration {
	return time.Duration(c.Subscriptions.HealthThresholdSeconds) * time.Second
}

// GCInterval returns the subscription GC interval as a duration.
func (c *Config) GCInterval() time.Duration {
	return time.Duration(c.Subscriptions.GCIntervalSeconds) * time.Second
}

// Retention returns the subscription retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Subscriptions.RetentionSeconds) * time.Second
}

// IdleCursor returns the delta cursor idle eviction window as a duration.
func (c *Config) IdleCursor() time.Duration {
	return time.Duration(c.Subscriptions.IdleCursorSeconds) * time.Second
}
