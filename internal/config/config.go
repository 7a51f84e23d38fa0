// Package config handles configuration loading and validation for stowage.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stowage/stowage/pkg/bytesize"
)

// StoreConfig selects and configures the object store backend.
type StoreConfig struct {
	Backend         string `yaml:"backend"` // "s3" or "memory" (default: "s3")
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // Optional override for S3-compatible stores
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"` // Required by MinIO and most non-AWS stores
}

// RedisConfig configures the shared Redis used for locks and the cache.
// When disabled, both fall back to in-process backends.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"` // host:port (default: "localhost:6379")
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UploadConfig tunes the multipart upload coordinator.
type UploadConfig struct {
	ChunkSize          bytesize.Size `yaml:"chunk_size"`          // Part size (default: 8MB, min: 5MB)
	MultipartThreshold bytesize.Size `yaml:"multipart_threshold"` // Single PUT at or below (default: 8MB)
	MaxAttempts        int           `yaml:"max_attempts"`        // Per-part attempts (default: 3)
	Parallelism        int           `yaml:"parallelism"`         // Concurrent parts (default: 4)
	InitialBackoff     string        `yaml:"initial_backoff"`     // Duration string, e.g. "100ms"
	PartTimeout        string        `yaml:"part_timeout"`        // Per store call, e.g. "2m"
}

// CacheConfig tunes the metadata cache.
type CacheConfig struct {
	TTL string `yaml:"ttl"` // Entry lifetime (default: "5m")
}

// LockConfig tunes the distributed lock manager.
type LockConfig struct {
	TTL  string `yaml:"ttl"`  // Lock lifetime before expiry steal (default: "30s")
	Wait string `yaml:"wait"` // Max time to wait for a contended lock (default: "10s")
}

// QuotaConfig bounds total storage. Zero means unlimited.
type QuotaConfig struct {
	MaxBytes bytesize.Size `yaml:"max_bytes"`
}

// Config is the full stowage configuration.
type Config struct {
	Store    StoreConfig  `yaml:"store"`
	Redis    RedisConfig  `yaml:"redis"`
	Upload   UploadConfig `yaml:"upload"`
	Cache    CacheConfig  `yaml:"cache"`
	Lock     LockConfig   `yaml:"lock"`
	Quota    QuotaConfig  `yaml:"quota"`
	LogLevel string       `yaml:"log_level"` // zerolog level name (default: "info")
}

// Load reads configuration from a YAML file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable
// for running against a local store without a config file.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	cfg.Store.Backend = "memory"
	return cfg
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Store.Backend == "" {
		c.Store.Backend = "s3"
	}
	if c.Store.Backend != "s3" && c.Store.Backend != "memory" {
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "s3" && c.Store.Bucket == "" {
		return fmt.Errorf("store.bucket is required for the s3 backend")
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Upload.ChunkSize == 0 {
		c.Upload.ChunkSize = bytesize.Size(bytesize.MustParse("8MB"))
	}
	if c.Upload.MultipartThreshold == 0 {
		c.Upload.MultipartThreshold = bytesize.Size(bytesize.MustParse("8MB"))
	}
	if c.Upload.ChunkSize < bytesize.Size(bytesize.MustParse("5MB")) {
		return fmt.Errorf("upload.chunk_size: %s is below the 5MB part minimum", c.Upload.ChunkSize)
	}
	if c.Upload.MaxAttempts <= 0 {
		c.Upload.MaxAttempts = 3
	}
	if c.Upload.Parallelism <= 0 {
		c.Upload.Parallelism = 4
	}
	if c.Upload.InitialBackoff == "" {
		c.Upload.InitialBackoff = "100ms"
	}
	if c.Upload.PartTimeout == "" {
		c.Upload.PartTimeout = "2m"
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = "5m"
	}
	if c.Lock.TTL == "" {
		c.Lock.TTL = "30s"
	}
	if c.Lock.Wait == "" {
		c.Lock.Wait = "10s"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	for name, val := range map[string]string{
		"upload.initial_backoff": c.Upload.InitialBackoff,
		"upload.part_timeout":    c.Upload.PartTimeout,
		"cache.ttl":              c.Cache.TTL,
		"lock.ttl":               c.Lock.TTL,
		"lock.wait":              c.Lock.Wait,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
	}
	return nil
}

// Duration parses a duration string the config has already validated.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
