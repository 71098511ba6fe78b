package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"goldrock/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backend    BackendConfig    `yaml:"backend"`
	Sync       SyncConfig       `yaml:"sync"`
	Cache      CacheConfig      `yaml:"cache"`
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

type DatabaseConfig struct {
	Path   string       `yaml:"path"`
	Backup BackupConfig `yaml:"backup"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// BackendConfig describes the REST API that queued actions are delivered to.
type BackendConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	AuthToken        string        `yaml:"auth_token"`
	SessionCookie    string        `yaml:"session_cookie"`
	BillsPath        string        `yaml:"bills_path"`
	BillByIDPath     string        `yaml:"bill_by_id_path"`
	ChatMessagesPath string        `yaml:"chat_messages_path"`
	HealthPath       string        `yaml:"health_path"`
}

type SyncConfig struct {
	Store          string        `yaml:"store"`
	QueueKey       string        `yaml:"queue_key"`
	MaxRetries     *int          `yaml:"max_retries"`
	AssumeOnline   bool          `yaml:"assume_online"`
	NotifyOnDrop   *bool         `yaml:"notify_on_drop"`
	RedrainEnabled bool          `yaml:"redrain_enabled"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// Retries is the retry cap. An explicit 0 drops an action on its first failure.
func (s SyncConfig) Retries() int {
	if s.MaxRetries == nil {
		return models.DefaultMaxRetries
	}
	return *s.MaxRetries
}

// NotifyDrops reports whether terminal failures are published as events.
func (s SyncConfig) NotifyDrops() bool {
	return s.NotifyOnDrop == nil || *s.NotifyOnDrop
}

type CacheConfig struct {
	Backend string `yaml:"backend"`
	Prefix  string `yaml:"prefix"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// Load reads .env (if present) and the YAML file at configPath, expanding ${VARS}.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend base_url is required")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend base_url %q is not an absolute URL", c.Backend.BaseURL)
	}
	if !strings.Contains(c.Backend.BillByIDPath, "{id}") {
		return errors.New("backend bill_by_id_path must contain {id}")
	}

	switch c.Sync.Store {
	case models.StoreSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite store")
		}
	case models.StoreRedis:
		if c.Redis.Address == "" {
			return errors.New("redis address is required for redis store")
		}
	case models.StoreMemory:
	default:
		return fmt.Errorf("unknown sync store %q", c.Sync.Store)
	}

	switch c.Cache.Backend {
	case models.CacheMemory, models.CacheRedis:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.Sync.MaxRetries != nil && *c.Sync.MaxRetries < 0 {
		return errors.New("sync max_retries must not be negative")
	}

	// RedisResourceCache.Clear deletes everything under the cache prefix.
	if c.Sync.Store == models.StoreRedis && c.Cache.Backend == models.CacheRedis &&
		strings.HasPrefix(c.Sync.QueueKey, c.Cache.Prefix) {
		return fmt.Errorf("sync queue_key %q must not start with cache prefix %q", c.Sync.QueueKey, c.Cache.Prefix)
	}

	return ValidateAPIKeys(c.API.Auth)
}

// ValidateAPIKeys rejects empty and duplicate keys when auth is on.
func ValidateAPIKeys(auth APIAuthConfig) error {
	if !auth.Enabled {
		return nil
	}
	seen := make(map[string]bool)
	for _, k := range auth.APIKeys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "goldrock-syncd"
	}

	if c.Database.Backup.Enabled {
		if c.Database.Backup.Interval == 0 {
			c.Database.Backup.Interval = 24 * time.Hour
		}
		if c.Database.Backup.StoragePath == "" {
			c.Database.Backup.StoragePath = "backups"
		}
	}

	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Backend.BillsPath == "" {
		c.Backend.BillsPath = "/api/bills"
	}
	if c.Backend.BillByIDPath == "" {
		c.Backend.BillByIDPath = "/api/bills/{id}"
	}
	if c.Backend.ChatMessagesPath == "" {
		c.Backend.ChatMessagesPath = "/api/chat/messages"
	}
	if c.Backend.HealthPath == "" {
		c.Backend.HealthPath = "/api/health"
	}

	if c.Sync.Store == "" {
		c.Sync.Store = models.StoreSQLite
	}
	if c.Sync.QueueKey == "" {
		c.Sync.QueueKey = models.DefaultQueueKey
	}
	if c.Sync.MaxRetries == nil {
		retries := models.DefaultMaxRetries
		c.Sync.MaxRetries = &retries
	}
	if c.Sync.InitialDelay == 0 {
		c.Sync.InitialDelay = 5 * time.Second
	}
	if c.Sync.MaxDelay == 0 {
		c.Sync.MaxDelay = 2 * time.Minute
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 2
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = models.CacheMemory
		if c.Redis.Address != "" {
			c.Cache.Backend = models.CacheRedis
		}
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = models.DefaultCachePrefix
	}

	if c.API.Port == 0 {
		c.API.Port = 8787
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
