package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the config file at path, applies CRONFIRE_* environment
// overrides, fills defaults and validates. A missing file is not an error;
// the defaults plus environment are used instead.
func Load(path string) (*Config, error) {
	var cfg Config

	path = strings.TrimSpace(path)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays environment variables onto the loaded file values.
// Every numeric limit, host name and feature toggle is overridable.
func (c *Config) applyEnv() {
	envStr("CRONFIRE_LOG_LEVEL", &c.Logging.Level)
	envStr("CRONFIRE_LOG_FORMAT", &c.Logging.Format)
	envStr("CRONFIRE_LOG_OUTPUT", &c.Logging.Output)
	envStr("CRONFIRE_LOG_FILE", &c.Logging.File)

	envStrSlice("CRONFIRE_QUEUE_ADDRS", &c.Queue.Addrs)
	envStrSlice("CRONFIRE_QUEUE_SENTINEL_ADDRS", &c.Queue.SentinelAddrs)
	envStr("CRONFIRE_QUEUE_SENTINEL_MASTER", &c.Queue.SentinelMaster)
	envStr("CRONFIRE_QUEUE_PASSWORD", &c.Queue.Password)
	envInt("CRONFIRE_QUEUE_DB", &c.Queue.DB)
	envStr("CRONFIRE_QUEUE_KEY_PREFIX", &c.Queue.KeyPrefix)
	envInt("CRONFIRE_QUEUE_ATTEMPTS", &c.Queue.Attempts)
	envInt("CRONFIRE_QUEUE_BACKOFF_MS", &c.Queue.BackoffMS)

	envInt("CRONFIRE_WORKER_CONCURRENCY", &c.Worker.Concurrency)
	envInt("CRONFIRE_WORKER_POLL_INTERVAL_MS", &c.Worker.PollIntervalMS)
	envInt("CRONFIRE_WORKER_LOCK_DURATION_MS", &c.Worker.LockDurationMS)
	envInt("CRONFIRE_WORKER_LOCK_RENEWAL_MS", &c.Worker.LockRenewalMS)
	envInt("CRONFIRE_WORKER_SHUTDOWN_TIMEOUT_MS", &c.Worker.ShutdownTimeoutMS)

	envInt("CRONFIRE_HTTP_TIMEOUT_MS", &c.HTTP.TimeoutMS)
	envInt("CRONFIRE_HTTP_MAX_REDIRECTS", &c.HTTP.MaxRedirects)
	envInt64("CRONFIRE_HTTP_MAX_RESPONSE_BYTES", &c.HTTP.MaxResponseBytes)
	envStr("CRONFIRE_HTTP_DEFAULT_MODEL", &c.HTTP.DefaultModel)

	envInt("CRONFIRE_RATELIMIT_DEFAULT_RPM", &c.RateLimiting.DefaultRPM)
	envInt("CRONFIRE_RATELIMIT_MIN_BACKOFF_MS", &c.RateLimiting.MinBackoffMS)
	envInt("CRONFIRE_RATELIMIT_MAX_BACKOFF_MS", &c.RateLimiting.MaxBackoffMS)

	envInt64("CRONFIRE_RESPONSE_COMPRESSION_THRESHOLD", &c.ResponseHandling.CompressionThreshold)
	envStr("CRONFIRE_RESPONSE_ALGORITHM", &c.ResponseHandling.Algorithm)
	envInt64("CRONFIRE_RESPONSE_DEFAULT_MAX_SIZE_BYTES", &c.ResponseHandling.DefaultMaxSizeBytes)
	envStr("CRONFIRE_RESPONSE_STORAGE_PROVIDER", &c.ResponseHandling.StorageProvider)
	envStr("CRONFIRE_RESPONSE_STORAGE_PATH", &c.ResponseHandling.StoragePath)
	envStr("CRONFIRE_RESPONSE_STORAGE_BUCKET", &c.ResponseHandling.StorageBucket)

	envStr("CRONFIRE_TIMEZONE_DEFAULT", &c.Timezone.Default)
	envStrSlice("CRONFIRE_TIMEZONE_ALLOWED", &c.Timezone.Allowed)

	envBoolPtr("CRONFIRE_DUPLICATE_PREVENTION_ENABLED", &c.DuplicatePrevention.Enabled)
	envInt("CRONFIRE_DUPLICATE_WINDOW_MINUTES", &c.DuplicatePrevention.WindowMinutes)

	envInt("CRONFIRE_MONITORING_PROBE_INTERVAL_SEC", &c.Monitoring.ProbeIntervalSec)
	envInt("CRONFIRE_MONITORING_MEMORY_LIMIT_MB", &c.Monitoring.MemoryLimitMB)

	envInt("CRONFIRE_SECURITY_MAX_PROMPT_LENGTH", &c.Security.MaxPromptLength)
	envStrSlice("CRONFIRE_SECURITY_ALLOWED_DOMAINS", &c.Security.AllowedDomains)
	envStrSlice("CRONFIRE_SECURITY_BLOCKED_DOMAINS", &c.Security.BlockedDomains)
	envBoolPtr("CRONFIRE_SECURITY_BLOCK_PRIVATE_HOSTS", &c.Security.BlockPrivateHosts)

	envStr("CRONFIRE_DATABASE_PATH", &c.Database.Path)
	envInt("CRONFIRE_DATABASE_CLEANUP_INTERVAL_MIN", &c.Database.CleanupIntervalMin)
	envInt("CRONFIRE_DATABASE_EXECUTION_RETENTION_DAYS", &c.Database.ExecutionRetentionDays)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envStrSlice(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBoolPtr(key string, dst **bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = &b
		}
	}
}
