// Package config provides configuration management for the coordinator and the node store.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devrev/shardkv/internal/model"
	"github.com/spf13/viper"
)

// Config holds all configuration for the coordinator.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Gossip      GossipConfig      `mapstructure:"gossip"`

	// Warnings collects adjustments made while loading, for the caller to log.
	Warnings []string `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// RequestTimeout bounds each handler's context. Zero disables it.
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ClusterConfig holds placement and fan-out configuration.
type ClusterConfig struct {
	Mode              string        `mapstructure:"mode"`
	Nodes             []string      `mapstructure:"nodes"`
	ReplicationFactor float64       `mapstructure:"replication_factor"`
	VirtualNodes      int           `mapstructure:"virtual_nodes"`
	QuorumSize        int           `mapstructure:"quorum_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// RingConfig returns the placement policy of the cluster section.
func (c ClusterConfig) RingConfig() model.RingConfig {
	return model.RingConfig{
		ReplicationFactor: c.ReplicationFactor,
		VirtualNodes:      c.VirtualNodes,
	}
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// GossipConfig holds memberlist configuration.
type GossipConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	NodeName      string        `mapstructure:"node_name" yaml:"node_name"`
	BindAddr      string        `mapstructure:"bind_addr" yaml:"bind_addr"`
	BindPort      int           `mapstructure:"bind_port" yaml:"bind_port"`
	SeedNodes     []string      `mapstructure:"seed_nodes" yaml:"seed_nodes"`
	AutoRemove    bool          `mapstructure:"auto_remove" yaml:"auto_remove"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// Environment variables understood without the SHARDKV_ prefix.
const (
	envNodes             = "KVS_NODES"
	envReplicationFactor = "REPLICATION_FACTOR"
	envVirtualNodes      = "VIRTUAL_NODES"
	envRequestTimeout    = "REQUEST_TIMEOUT"
	envQuorumSize        = "QUORUM_SIZE"
	envMode              = "COORDINATOR_MODE"
)

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("coordinator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/shardkv/")
	}

	v.SetEnvPrefix("SHARDKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found, use defaults/env)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyEnvironment(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Cluster defaults
	v.SetDefault("cluster.mode", string(model.ModeRing))
	v.SetDefault("cluster.nodes", []string{})
	v.SetDefault("cluster.replication_factor", 0.5)
	v.SetDefault("cluster.virtual_nodes", 100)
	v.SetDefault("cluster.quorum_size", 0)
	v.SetDefault("cluster.request_timeout", "10s")

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", false)
	v.SetDefault("rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("rate_limiter.burst_size", 100)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Gossip defaults
	v.SetDefault("gossip.enabled", false)
	v.SetDefault("gossip.bind_addr", "0.0.0.0")
	v.SetDefault("gossip.bind_port", 7946)
	v.SetDefault("gossip.auto_remove", false)
	v.SetDefault("gossip.probe_interval", "1s")
	v.SetDefault("gossip.probe_timeout", "500ms")
}

// applyEnvironment applies the plain deployment variables on top of the file.
// Out-of-range ring values are clamped with a warning rather than rejected.
func (c *Config) applyEnvironment(lookup func(string) (string, bool)) error {
	if raw, ok := lookup(envNodes); ok {
		c.Cluster.Nodes = strings.Split(raw, ",")
	}

	if raw, ok := lookup(envMode); ok && raw != "" {
		c.Cluster.Mode = raw
	}

	if raw, ok := lookup(envReplicationFactor); ok && raw != "" {
		rf, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envReplicationFactor, raw, err)
		}
		if math.IsNaN(rf) || rf <= 0 || rf > 1 {
			clamped := clampReplicationFactor(rf)
			c.Warnings = append(c.Warnings,
				fmt.Sprintf("%s must be in (0, 1], got %v; using %v", envReplicationFactor, rf, clamped))
			rf = clamped
		}
		c.Cluster.ReplicationFactor = rf
	}

	if raw, ok := lookup(envVirtualNodes); ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVirtualNodes, raw, err)
		}
		if n < 1 {
			c.Warnings = append(c.Warnings,
				fmt.Sprintf("%s must be at least 1, got %d; using 1", envVirtualNodes, n))
			n = 1
		}
		c.Cluster.VirtualNodes = n
	}

	if raw, ok := lookup(envRequestTimeout); ok && raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid %s %q: expected a positive number of seconds", envRequestTimeout, raw)
		}
		c.Cluster.RequestTimeout = time.Duration(secs * float64(time.Second))
	}

	if raw, ok := lookup(envQuorumSize); ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envQuorumSize, raw, err)
		}
		c.Cluster.QuorumSize = n
	}

	return nil
}

func clampReplicationFactor(rf float64) float64 {
	if math.IsNaN(rf) {
		return 0.5
	}
	return math.Max(0.1, math.Min(1.0, rf))
}

// normalize trims node addresses and drops empty entries.
func (c *Config) normalize() {
	nodes := make([]string, 0, len(c.Cluster.Nodes))
	for _, n := range c.Cluster.Nodes {
		if n = strings.TrimSpace(n); n != "" {
			nodes = append(nodes, n)
		}
	}
	c.Cluster.Nodes = nodes
	c.Cluster.Mode = strings.ToLower(strings.TrimSpace(c.Cluster.Mode))
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if !model.Mode(c.Cluster.Mode).Valid() {
		return fmt.Errorf("invalid cluster mode %q: expected %q or %q", c.Cluster.Mode, model.ModeRing, model.ModeQuorum)
	}

	rf := c.Cluster.ReplicationFactor
	if math.IsNaN(rf) || rf <= 0 || rf > 1 {
		return fmt.Errorf("replication factor must be in (0, 1], got %v", rf)
	}

	if c.Cluster.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be at least 1, got %d", c.Cluster.VirtualNodes)
	}

	if c.Cluster.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	if c.Cluster.QuorumSize < 0 {
		return fmt.Errorf("quorum size must not be negative, got %d", c.Cluster.QuorumSize)
	}
	if c.Cluster.QuorumSize > 0 && len(c.Cluster.Nodes) > 0 && c.Cluster.QuorumSize > len(c.Cluster.Nodes) {
		return fmt.Errorf("quorum size %d exceeds node count %d", c.Cluster.QuorumSize, len(c.Cluster.Nodes))
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	if c.Gossip.Enabled {
		if err := c.Gossip.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks the gossip section.
func (g GossipConfig) Validate() error {
	if g.BindPort <= 0 || g.BindPort > 65535 {
		return fmt.Errorf("invalid gossip bind port: %d", g.BindPort)
	}
	return nil
}
