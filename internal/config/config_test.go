package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Worker.Concurrency != 5 {
		t.Errorf("worker concurrency: got %d, want 5", cfg.Worker.Concurrency)
	}
	if cfg.HTTP.TimeoutMS != 30000 {
		t.Errorf("http timeout: got %d, want 30000", cfg.HTTP.TimeoutMS)
	}
	if cfg.RateLimiting.DefaultRPM != 60 {
		t.Errorf("default rpm: got %d, want 60", cfg.RateLimiting.DefaultRPM)
	}
	if cfg.Timezone.Default != "UTC" {
		t.Errorf("default timezone: got %s, want UTC", cfg.Timezone.Default)
	}
	if cfg.DuplicatePrevention.Enabled == nil || !*cfg.DuplicatePrevention.Enabled {
		t.Error("duplicate prevention should default to enabled")
	}
	if cfg.Database.ExecutionRetentionDays != 30 {
		t.Errorf("execution retention: got %d, want 30", cfg.Database.ExecutionRetentionDays)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
worker:
  concurrency: 8
http:
  timeout_ms: 5000
rate_limiting:
  default_rpm: 10
security:
  blocked_domains: [bad.example]
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("worker concurrency: got %d, want 8", cfg.Worker.Concurrency)
	}
	if cfg.HTTP.TimeoutMS != 5000 {
		t.Errorf("http timeout: got %d, want 5000", cfg.HTTP.TimeoutMS)
	}
	if cfg.RateLimiting.DefaultRPM != 10 {
		t.Errorf("default rpm: got %d, want 10", cfg.RateLimiting.DefaultRPM)
	}
	if len(cfg.Security.BlockedDomains) != 1 || cfg.Security.BlockedDomains[0] != "bad.example" {
		t.Errorf("blocked domains: got %v", cfg.Security.BlockedDomains)
	}
}

func TestValidate_HardMinima(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http timeout below 1000ms", func(c *Config) { c.HTTP.TimeoutMS = 500 }},
		{"zero-below queue attempts", func(c *Config) { c.Queue.Attempts = -1 }},
		{"negative worker concurrency", func(c *Config) { c.Worker.Concurrency = -2 }},
		{"lock renewal above duration", func(c *Config) {
			c.Worker.LockDurationMS = 10000
			c.Worker.LockRenewalMS = 20000
		}},
		{"unknown compression algorithm", func(c *Config) { c.ResponseHandling.Algorithm = "zstd" }},
		{"bad default timezone", func(c *Config) { c.Timezone.Default = "Mars/Olympus" }},
		{"ftp scheme", func(c *Config) { c.Security.AllowedSchemes = []string{"ftp"} }},
		{"sentinel without master", func(c *Config) {
			c.Queue.SentinelAddrs = []string{"127.0.0.1:26379"}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CRONFIRE_WORKER_CONCURRENCY", "3")
	t.Setenv("CRONFIRE_SECURITY_ALLOWED_DOMAINS", "a.example, b.example")
	t.Setenv("CRONFIRE_DUPLICATE_PREVENTION_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Concurrency != 3 {
		t.Errorf("worker concurrency: got %d, want 3", cfg.Worker.Concurrency)
	}
	if len(cfg.Security.AllowedDomains) != 2 || cfg.Security.AllowedDomains[1] != "b.example" {
		t.Errorf("allowed domains: got %v", cfg.Security.AllowedDomains)
	}
	if cfg.DuplicatePrevention.Enabled == nil || *cfg.DuplicatePrevention.Enabled {
		t.Error("duplicate prevention should be disabled via env")
	}
}
