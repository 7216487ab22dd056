package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %q", cfg.Server.Port)
	}
	if cfg.Credential.MinLength != 50 {
		t.Errorf("expected credential min length 50, got %d", cfg.Credential.MinLength)
	}
	if cfg.Analysis.Policy != "midpoint" {
		t.Errorf("expected midpoint policy, got %q", cfg.Analysis.Policy)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("RETRY_BACKOFF", "250ms")
	t.Setenv("FALLBACK_RATE_LIMIT_PER_SECOND", "0.25")
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %q", cfg.Server.Port)
	}
	if cfg.Jobs.MaxRetries != 7 {
		t.Errorf("expected 7 retries, got %d", cfg.Jobs.MaxRetries)
	}
	if cfg.Jobs.RetryBackoff != 250*time.Millisecond {
		t.Errorf("expected 250ms backoff, got %v", cfg.Jobs.RetryBackoff)
	}
	if cfg.Fallback.RateLimitPerSecond != 0.25 {
		t.Errorf("expected 0.25 rps, got %v", cfg.Fallback.RateLimitPerSecond)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("expected memory driver, got %q", cfg.Storage.Driver)
	}
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MAX_CONCURRENT_JOBS", "many")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jobs.MaxConcurrentJobs != 4 {
		t.Errorf("expected default 4, got %d", cfg.Jobs.MaxConcurrentJobs)
	}
}

func TestLoad_YAMLOverlayThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adlens.yaml")
	content := `
server:
  port: "7070"
jobs:
  max_retries: 5
  retry_backoff: 1s
analysis:
  policy: lower_bound
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_RETRIES", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected yaml port 7070, got %q", cfg.Server.Port)
	}
	if cfg.Jobs.RetryBackoff != time.Second {
		t.Errorf("expected yaml backoff 1s, got %v", cfg.Jobs.RetryBackoff)
	}
	if cfg.Jobs.MaxRetries != 2 {
		t.Errorf("expected env to win with 2 retries, got %d", cfg.Jobs.MaxRetries)
	}
	if cfg.Analysis.Policy != "lower_bound" {
		t.Errorf("expected lower_bound policy, got %q", cfg.Analysis.Policy)
	}
}

func TestValidate_RejectsUnknownValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"storage driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"renderer", func(c *Config) { c.Fallback.Renderer = "rod" }},
		{"policy", func(c *Config) { c.Analysis.Policy = "mean" }},
		{"concurrency", func(c *Config) { c.Jobs.MaxConcurrentJobs = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}
