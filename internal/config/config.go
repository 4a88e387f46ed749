package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Offline    OfflineConfig    `yaml:"offline"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Sync       SyncConfig       `yaml:"sync"`
	Network    NetworkConfig    `yaml:"network"`
	Transport  TransportConfig  `yaml:"transport"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// StorageConfig selects the keyed store engine: memory, sqlite, badger or redis.
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
	// FallbackPath is a sqlite file used while redis is unreachable.
	FallbackPath string       `yaml:"fallback_path"`
	Backup       BackupConfig `yaml:"backup"`
}

// BackupConfig schedules VACUUM INTO snapshots of the sqlite store.
type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	Dir           string        `yaml:"dir"`
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type QueueConfig struct {
	MaxSize       int           `yaml:"max_size"`
	RetryAttempts int           `yaml:"retry_attempts"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type OfflineConfig struct {
	WarnThreshold int `yaml:"warn_threshold"`
}

type RateLimitConfig struct {
	PruneInterval time.Duration          `yaml:"prune_interval"`
	MaxBuckets    int                    `yaml:"max_buckets"`
	Operations    map[string]BucketLimit `yaml:"operations"`
}

// BucketLimit is a token bucket of Capacity tokens refilled over Period.
type BucketLimit struct {
	Capacity int           `yaml:"capacity"`
	Period   time.Duration `yaml:"period"`
}

type ResilienceConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
	Retry       RetryConfig   `yaml:"retry"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type BreakerConfig struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

type SyncConfig struct {
	Debounce time.Duration `yaml:"debounce"`
	Identity string        `yaml:"identity"`
}

type NetworkConfig struct {
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

type TransportConfig struct {
	Kind        string        `yaml:"kind"`
	Endpoint    string        `yaml:"endpoint"`
	NATSURL     string        `yaml:"nats_url"`
	NATSSubject string        `yaml:"nats_subject"`
	Timeout     time.Duration `yaml:"timeout"`
}

type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	Subject      string   `yaml:"subject"`
}

// Enabled reports whether client credentials are configured.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != ""
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Environment variables are expanded before parsing.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite", "badger":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for %s backend", c.Storage.Backend)
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			return errors.New("storage.redis.address is required for redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Transport.Kind {
	case "http":
		if c.Transport.Endpoint == "" {
			return errors.New("transport.endpoint is required for http transport")
		}
	case "nats":
		if c.Transport.NATSURL == "" || c.Transport.NATSSubject == "" {
			return errors.New("transport.nats_url and transport.nats_subject are required for nats transport")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	if c.OAuth.Enabled() && c.OAuth.TokenURL == "" {
		return errors.New("oauth.token_url is required when oauth.client_id is set")
	}

	if c.Queue.MaxSize <= 0 {
		return errors.New("queue.max_size must be positive")
	}
	if c.Queue.RetryAttempts < 0 {
		return errors.New("queue.retry_attempts must not be negative")
	}

	for op, limit := range c.RateLimit.Operations {
		if limit.Capacity <= 0 || limit.Period <= 0 {
			return fmt.Errorf("rate_limit.operations.%s needs positive capacity and period", op)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "highlightsync"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.Path == "" && c.Storage.Backend == "sqlite" {
		c.Storage.Path = "data/highlightsync.db"
	}
	if c.Storage.Backup.Enabled && c.Storage.Backup.Dir == "" {
		c.Storage.Backup.Dir = "data/backups"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "highlightsync"
	}

	// Queue defaults
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = 10000
	}
	if c.Queue.RetryAttempts == 0 {
		c.Queue.RetryAttempts = 3
	}
	if c.Queue.BaseBackoff == 0 {
		c.Queue.BaseBackoff = time.Second
	}
	if c.Queue.MaxBackoff == 0 {
		c.Queue.MaxBackoff = time.Minute
	}

	if c.Offline.WarnThreshold == 0 {
		c.Offline.WarnThreshold = 1000
	}

	if c.RateLimit.PruneInterval == 0 {
		c.RateLimit.PruneInterval = 5 * time.Minute
	}
	if c.RateLimit.MaxBuckets == 0 {
		c.RateLimit.MaxBuckets = 10000
	}

	// Resilience defaults
	if c.Resilience.SendTimeout == 0 {
		c.Resilience.SendTimeout = 5 * time.Second
	}
	if c.Resilience.Retry.MaxRetries == 0 {
		c.Resilience.Retry.MaxRetries = 3
	}
	if c.Resilience.Retry.InitialDelay == 0 {
		c.Resilience.Retry.InitialDelay = 100 * time.Millisecond
	}
	if c.Resilience.Retry.Multiplier == 0 {
		c.Resilience.Retry.Multiplier = 2
	}
	if c.Resilience.Retry.MaxDelay == 0 {
		c.Resilience.Retry.MaxDelay = 2 * time.Second
	}
	if c.Resilience.Breaker.Name == "" {
		c.Resilience.Breaker.Name = "sync-transport"
	}
	if c.Resilience.Breaker.FailureThreshold == 0 {
		c.Resilience.Breaker.FailureThreshold = 5
	}
	if c.Resilience.Breaker.SuccessThreshold == 0 {
		c.Resilience.Breaker.SuccessThreshold = 2
	}
	if c.Resilience.Breaker.ResetTimeout == 0 {
		c.Resilience.Breaker.ResetTimeout = 30 * time.Second
	}

	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = 500 * time.Millisecond
	}
	if c.Sync.Identity == "" {
		c.Sync.Identity = c.OAuth.Subject
	}

	if c.Network.ProbeInterval == 0 {
		c.Network.ProbeInterval = 10 * time.Second
	}
	if c.Network.ProbeTimeout == 0 {
		c.Network.ProbeTimeout = 2 * time.Second
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = "http"
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 10 * time.Second
	}

	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8787"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
