package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Persistence backends understood by the node store
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// StorageConfig represents the complete configuration for a node store
type StorageConfig struct {
	NodeID        string            `yaml:"node_id"`
	AdvertiseAddr string            `yaml:"advertise_addr"`
	Server        ServerConfig      `yaml:"server"`
	Cache         CacheConfig       `yaml:"cache"`
	Batch         BatchConfig       `yaml:"batch"`
	Persistence   PersistenceConfig `yaml:"persistence"`
	RateLimiter   RateLimiterConfig `yaml:"rate_limiter"`
	Gossip        GossipConfig      `yaml:"gossip"`
	Metrics       MetricsConfig     `yaml:"metrics"`
	Logging       LoggingConfig     `yaml:"logging"`
}

// CacheConfig bounds the in-memory LRU cache
type CacheConfig struct {
	MaxItems     int   `yaml:"max_items"`
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// BatchConfig controls write-back batching
type BatchConfig struct {
	Size          int           `yaml:"size"`
	Interval      time.Duration `yaml:"interval"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// PersistenceConfig selects and configures the durable backend
type PersistenceConfig struct {
	Backend  string         `yaml:"backend"`
	DataDir  string         `yaml:"data_dir"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoadStorageConfig loads configuration from a file. An empty path or a
// missing file yields the defaults.
func LoadStorageConfig(filePath string) (*StorageConfig, error) {
	var cfg StorageConfig

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnvironment(os.LookupEnv); err != nil {
		return nil, err
	}

	// Set defaults if not specified
	setStorageDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *StorageConfig) applyEnvironment(lookup func(string) (string, bool)) error {
	if raw, ok := lookup("STORAGE_PORT"); ok && raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid STORAGE_PORT %q: %w", raw, err)
		}
		c.Server.Port = port
	}
	if raw, ok := lookup("STORAGE_DATA_DIR"); ok && raw != "" {
		c.Persistence.DataDir = raw
	}
	if raw, ok := lookup("STORAGE_BACKEND"); ok && raw != "" {
		c.Persistence.Backend = raw
	}
	if raw, ok := lookup("STORAGE_NODE_ID"); ok && raw != "" {
		c.NodeID = raw
	}
	return nil
}

// setStorageDefaults sets default values for unspecified configuration
func setStorageDefaults(cfg *StorageConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8050
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.NodeID = host
		} else {
			cfg.NodeID = "node"
		}
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = fmt.Sprintf("%s:%d", cfg.NodeID, cfg.Server.Port)
	}

	if cfg.Cache.MaxItems == 0 {
		cfg.Cache.MaxItems = 1000
	}
	if cfg.Cache.MaxSizeBytes == 0 {
		cfg.Cache.MaxSizeBytes = 10 * 1024 * 1024 // 10MB
	}

	if cfg.Batch.Size == 0 {
		cfg.Batch.Size = 10
	}
	if cfg.Batch.Interval == 0 {
		cfg.Batch.Interval = 60 * time.Second
	}
	if cfg.Batch.CheckInterval == 0 {
		cfg.Batch.CheckInterval = time.Second
	}

	if cfg.Persistence.Backend == "" {
		cfg.Persistence.Backend = BackendFile
	}
	if cfg.Persistence.DataDir == "" {
		cfg.Persistence.DataDir = "./data"
	}
	if cfg.Persistence.Postgres.MaxConns == 0 {
		cfg.Persistence.Postgres.MaxConns = 10
	}
	if cfg.Persistence.Redis.Addr == "" {
		cfg.Persistence.Redis.Addr = "localhost:6379"
	}
	if cfg.Persistence.Redis.KeyPrefix == "" {
		cfg.Persistence.Redis.KeyPrefix = "shardkv:" + cfg.NodeID
	}

	if cfg.RateLimiter.RequestsPerSecond == 0 {
		cfg.RateLimiter.RequestsPerSecond = 1000
	}
	if cfg.RateLimiter.BurstSize == 0 {
		cfg.RateLimiter.BurstSize = 100
	}

	if cfg.Gossip.BindAddr == "" {
		cfg.Gossip.BindAddr = "0.0.0.0"
	}
	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.NodeName == "" {
		cfg.Gossip.NodeName = cfg.NodeID
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *StorageConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Cache.MaxItems < 0 {
		return fmt.Errorf("cache max items must not be negative")
	}
	if c.Cache.MaxSizeBytes < 0 {
		return fmt.Errorf("cache max size must not be negative")
	}
	if c.Batch.Size < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.Batch.Interval <= 0 || c.Batch.CheckInterval <= 0 {
		return fmt.Errorf("batch intervals must be positive")
	}

	switch c.Persistence.Backend {
	case BackendFile:
		if c.Persistence.DataDir == "" {
			return fmt.Errorf("data directory is required for the file backend")
		}
	case BackendPostgres:
		if c.Persistence.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Persistence.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown persistence backend %q", c.Persistence.Backend)
	}

	if c.RateLimiter.Enabled && (c.RateLimiter.RequestsPerSecond <= 0 || c.RateLimiter.BurstSize <= 0) {
		return fmt.Errorf("rate limiter rate and burst must be positive")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	if c.Gossip.Enabled {
		if err := c.Gossip.Validate(); err != nil {
			return err
		}
	}

	return nil
}
