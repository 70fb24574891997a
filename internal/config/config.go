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
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Sync       SyncConfig       `yaml:"sync"`
	Approvals  ApprovalsConfig  `yaml:"approvals"`
	Google     GoogleConfig     `yaml:"google"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
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
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// RateClassConfig bounds one rate limit operation class.
type RateClassConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

type SyncConfig struct {
	PageSize          int             `yaml:"page_size"`
	PollInterval      time.Duration   `yaml:"poll_interval"`
	RecurringInterval time.Duration   `yaml:"recurring_interval"`
	MaxRetries        int             `yaml:"max_retries"`
	RateLimit         RateClassConfig `yaml:"rate_limit"`
}

type ApprovalsConfig struct {
	DefaultTTLMinutes int             `yaml:"default_ttl_minutes"`
	SweepInterval     time.Duration   `yaml:"sweep_interval"`
	RateLimit         RateClassConfig `yaml:"rate_limit"`
}

type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	TokenDir        string `yaml:"token_dir"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; environment wins over the file either way
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Expand ${VAR} references before parsing
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
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Sync.RateLimit.MaxRequests <= 0 || c.Sync.RateLimit.Window <= 0 {
		return errors.New("sync rate limit window and max_requests must be positive")
	}
	if c.Approvals.RateLimit.MaxRequests <= 0 || c.Approvals.RateLimit.Window <= 0 {
		return errors.New("approvals rate limit window and max_requests must be positive")
	}
	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth is enabled but no api keys are configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 100
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 2 * time.Second
	}
	if c.Sync.RecurringInterval == 0 {
		c.Sync.RecurringInterval = 5 * time.Minute
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.RateLimit.Window == 0 {
		c.Sync.RateLimit.Window = time.Minute
	}
	if c.Sync.RateLimit.MaxRequests == 0 {
		c.Sync.RateLimit.MaxRequests = 60
	}

	if c.Approvals.DefaultTTLMinutes == 0 {
		c.Approvals.DefaultTTLMinutes = 24 * 60
	}
	if c.Approvals.SweepInterval == 0 {
		c.Approvals.SweepInterval = time.Minute
	}
	if c.Approvals.RateLimit.Window == 0 {
		c.Approvals.RateLimit.Window = time.Minute
	}
	if c.Approvals.RateLimit.MaxRequests == 0 {
		c.Approvals.RateLimit.MaxRequests = 10
	}

	if c.Google.TokenDir == "" {
		c.Google.TokenDir = "data/tokens"
	}
}
