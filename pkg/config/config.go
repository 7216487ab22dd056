package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Application settings
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Provider   ProviderConfig   `yaml:"provider"`
	Fallback   FallbackConfig   `yaml:"fallback"`
	Storage    StorageConfig    `yaml:"storage"`
	Credential CredentialConfig `yaml:"credential"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
}

// Server settings
type ServerConfig struct {
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type JobsConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	DefaultLimit      int           `yaml:"default_limit"`
	MaxLimit          int           `yaml:"max_limit"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	Retention         time.Duration `yaml:"retention"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// Ad Library API settings
type ProviderConfig struct {
	BaseURL            string        `yaml:"base_url"`
	APIVersion         string        `yaml:"api_version"`
	PageSize           int           `yaml:"page_size"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second"`
}

// Unauthenticated collector settings
type FallbackConfig struct {
	BaseURL            string        `yaml:"base_url"`
	PageSize           int           `yaml:"page_size"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second"`
	Renderer           string        `yaml:"renderer"`
	UserAgent          string        `yaml:"user_agent"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type CredentialConfig struct {
	MinLength int `yaml:"min_length"`
}

type AnalysisConfig struct {
	Policy string `yaml:"policy"`
}

// Logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration before file and env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Jobs: JobsConfig{
			MaxConcurrentJobs: 4,
			DefaultLimit:      100,
			MaxLimit:          5000,
			MaxRetries:        3,
			RetryBackoff:      2 * time.Second,
			MaxBackoff:        30 * time.Second,
			Retention:         24 * time.Hour,
			SweepInterval:     5 * time.Minute,
		},
		Provider: ProviderConfig{
			BaseURL:            "https://graph.facebook.com",
			APIVersion:         "v19.0",
			PageSize:           100,
			RequestTimeout:     30 * time.Second,
			RateLimitPerSecond: 5,
		},
		Fallback: FallbackConfig{
			BaseURL:            "https://www.facebook.com",
			PageSize:           20,
			RequestTimeout:     45 * time.Second,
			RateLimitPerSecond: 0.5,
			Renderer:           "http",
			UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "data/adlens.db",
		},
		Credential: CredentialConfig{
			MinLength: 50,
		},
		Analysis: AnalysisConfig{
			Policy: "midpoint",
		},
	}
}

// Load builds the configuration: defaults, then the optional CONFIG_FILE
// yaml overlay, then environment variables.
func Load() (*Config, error) {
	config := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, config); err != nil {
			return nil, err
		}
	}

	applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.RequestTimeout = getDurationEnv("REQUEST_TIMEOUT", c.Server.RequestTimeout)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)

	c.Jobs.MaxConcurrentJobs = getIntEnv("MAX_CONCURRENT_JOBS", c.Jobs.MaxConcurrentJobs)
	c.Jobs.DefaultLimit = getIntEnv("DEFAULT_JOB_LIMIT", c.Jobs.DefaultLimit)
	c.Jobs.MaxLimit = getIntEnv("MAX_JOB_LIMIT", c.Jobs.MaxLimit)
	c.Jobs.MaxRetries = getIntEnv("MAX_RETRIES", c.Jobs.MaxRetries)
	c.Jobs.RetryBackoff = getDurationEnv("RETRY_BACKOFF", c.Jobs.RetryBackoff)
	c.Jobs.MaxBackoff = getDurationEnv("MAX_BACKOFF", c.Jobs.MaxBackoff)
	c.Jobs.Retention = getDurationEnv("JOB_RETENTION", c.Jobs.Retention)
	c.Jobs.SweepInterval = getDurationEnv("JOB_SWEEP_INTERVAL", c.Jobs.SweepInterval)

	c.Provider.BaseURL = getEnv("PROVIDER_BASE_URL", c.Provider.BaseURL)
	c.Provider.APIVersion = getEnv("PROVIDER_API_VERSION", c.Provider.APIVersion)
	c.Provider.PageSize = getIntEnv("PROVIDER_PAGE_SIZE", c.Provider.PageSize)
	c.Provider.RequestTimeout = getDurationEnv("PROVIDER_REQUEST_TIMEOUT", c.Provider.RequestTimeout)
	c.Provider.RateLimitPerSecond = getFloatEnv("PROVIDER_RATE_LIMIT_PER_SECOND", c.Provider.RateLimitPerSecond)

	c.Fallback.BaseURL = getEnv("FALLBACK_BASE_URL", c.Fallback.BaseURL)
	c.Fallback.PageSize = getIntEnv("FALLBACK_PAGE_SIZE", c.Fallback.PageSize)
	c.Fallback.RequestTimeout = getDurationEnv("FALLBACK_REQUEST_TIMEOUT", c.Fallback.RequestTimeout)
	c.Fallback.RateLimitPerSecond = getFloatEnv("FALLBACK_RATE_LIMIT_PER_SECOND", c.Fallback.RateLimitPerSecond)
	c.Fallback.Renderer = getEnv("FALLBACK_RENDERER", c.Fallback.Renderer)
	c.Fallback.UserAgent = getEnv("FALLBACK_USER_AGENT", c.Fallback.UserAgent)

	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.SQLitePath = getEnv("SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.PostgresDSN = getEnv("POSTGRES_DSN", c.Storage.PostgresDSN)

	c.Credential.MinLength = getIntEnv("CREDENTIAL_MIN_LENGTH", c.Credential.MinLength)

	c.Analysis.Policy = getEnv("AGGREGATION_POLICY", c.Analysis.Policy)
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required for the postgres storage driver")
	}
	switch c.Fallback.Renderer {
	case "http", "chromedp":
	default:
		return fmt.Errorf("unknown fallback renderer %q", c.Fallback.Renderer)
	}
	switch c.Analysis.Policy {
	case "midpoint", "lower_bound":
	default:
		return fmt.Errorf("unknown aggregation policy %q", c.Analysis.Policy)
	}
	if c.Jobs.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be positive")
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
