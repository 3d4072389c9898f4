// Package config loads the service settings: YAML file first, then
// environment overrides for the values that differ per deployment
// (paths, endpoints, secrets).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`

	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	CycleDeadlineSeconds int `yaml:"cycle_deadline_seconds"`
	BatchSize            int `yaml:"batch_size"`
	MaxConcurrency       int `yaml:"max_concurrency"`
	MaxAttempts          int `yaml:"max_attempts"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	RetentionDays            int `yaml:"retention_days"`

	WebhookSecret string `yaml:"webhook_secret"`

	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
}

// StorageConfig configures the snapshot object store.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseTLS    bool   `yaml:"use_tls"`
	Bucket    string `yaml:"bucket"`
}

// RedisConfig configures the camera view cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:                   ":8090",
		DBPath:                   "fleetbeat.db",
		PollIntervalSeconds:      60,
		CycleDeadlineSeconds:     30,
		BatchSize:                25,
		MaxConcurrency:           10,
		MaxAttempts:              10,
		HeartbeatIntervalSeconds: 15,
		RetentionDays:            30,
		Storage: StorageConfig{
			Endpoint: "localhost:9000",
			Bucket:   "camera-snapshots",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates. Missing file with a non-empty
// path is an error; deployments that configure purely via env pass "".
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv overrides deployment-specific values from the environment.
func (c *Config) applyEnv() {
	for _, e := range []struct {
		key string
		dst *string
	}{
		{"FLEETBEAT_LISTEN", &c.Listen},
		{"FLEETBEAT_DB_PATH", &c.DBPath},
		{"FLEETBEAT_WEBHOOK_SECRET", &c.WebhookSecret},
		{"FLEETBEAT_S3_ENDPOINT", &c.Storage.Endpoint},
		{"FLEETBEAT_S3_ACCESS_KEY", &c.Storage.AccessKey},
		{"FLEETBEAT_S3_SECRET_KEY", &c.Storage.SecretKey},
		{"FLEETBEAT_S3_BUCKET", &c.Storage.Bucket},
		{"FLEETBEAT_REDIS_ADDR", &c.Redis.Addr},
		{"FLEETBEAT_REDIS_PASSWORD", &c.Redis.Password},
	} {
		if v := os.Getenv(e.key); v != "" {
			*e.dst = v
		}
	}
	if v := os.Getenv("FLEETBEAT_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("FLEETBEAT_S3_USE_TLS"); v != "" {
		c.Storage.UseTLS = v == "1" || v == "true"
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: poll_interval_seconds must be > 0")
	}
	if c.CycleDeadlineSeconds <= 0 {
		return fmt.Errorf("config: cycle_deadline_seconds must be > 0")
	}
	if c.CycleDeadlineSeconds >= c.PollIntervalSeconds {
		return fmt.Errorf("config: cycle deadline (%ds) must be below the poll interval (%ds)",
			c.CycleDeadlineSeconds, c.PollIntervalSeconds)
	}
	if c.BatchSize <= 0 || c.MaxConcurrency <= 0 {
		return fmt.Errorf("config: batch_size and max_concurrency must be > 0")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("config: storage.bucket is required")
	}
	return nil
}

// PollInterval returns the fleet re-kick period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CycleDeadline returns the per-camera cycle bound.
func (c *Config) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineSeconds) * time.Second
}

// HeartbeatInterval returns the worker liveness write period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
