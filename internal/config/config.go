package config

type (
	Config struct {
		Logging             LoggingConfig     `yaml:"logging"`
		Queue               QueueConfig       `yaml:"queue"`
		Worker              WorkerConfig      `yaml:"worker"`
		HTTP                HTTPConfig        `yaml:"http"`
		RateLimiting        RateLimitConfig   `yaml:"rate_limiting"`
		ResponseHandling    ResponseConfig    `yaml:"response_handling"`
		Timezone            TimezoneConfig    `yaml:"timezone"`
		DuplicatePrevention DuplicateConfig   `yaml:"duplicate_prevention"`
		Monitoring          MonitoringConfig  `yaml:"monitoring"`
		Security            SecurityConfig    `yaml:"security"`
		Database            DatabaseConfig    `yaml:"database"`
	}

	LoggingConfig struct {
		Level      string `yaml:"level"`  // debug, info, warn, error
		Format     string `yaml:"format"` // json, text
		Output     string `yaml:"output"` // stdout, file, both
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"` // MB
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"` // days
	}

	// QueueConfig configures the distributed KV store backing the work queue.
	QueueConfig struct {
		Addrs             []string `yaml:"addrs"`
		SentinelAddrs     []string `yaml:"sentinel_addrs"`
		SentinelMaster    string   `yaml:"sentinel_master"`
		Password          string   `yaml:"password"`
		DB                int      `yaml:"db"`
		KeyPrefix         string   `yaml:"key_prefix"`
		Attempts          int      `yaml:"attempts"` // delivery attempts per token
		BackoffMS         int      `yaml:"backoff_ms"`
		RequestTimeoutMS  int      `yaml:"request_timeout_ms"`
		KeepCompleted     int      `yaml:"keep_completed"` // retained completed tokens
		KeepFailed        int      `yaml:"keep_failed"`
		OfflineBufferSize int      `yaml:"offline_buffer_size"`
	}

	WorkerConfig struct {
		Concurrency       int `yaml:"concurrency"`
		PollIntervalMS    int `yaml:"poll_interval_ms"`
		StalledIntervalMS int `yaml:"stalled_interval_ms"`
		LockDurationMS    int `yaml:"lock_duration_ms"`
		LockRenewalMS     int `yaml:"lock_renewal_ms"`
		ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
	}

	// HTTPConfig governs outbound calls to job target APIs.
	HTTPConfig struct {
		TimeoutMS        int    `yaml:"timeout_ms"`
		MaxRedirects     int    `yaml:"max_redirects"`
		MaxResponseBytes int64  `yaml:"max_response_bytes"`
		KeepAlive        *bool  `yaml:"keep_alive"`
		RetryAttempts    int    `yaml:"retry_attempts"` // inner retries on network/5xx
		RetryBackoffMS   int    `yaml:"retry_backoff_ms"`
		DefaultModel     string `yaml:"default_model"` // used when job metadata carries none
	}

	RateLimitConfig struct {
		DefaultRPM        int                        `yaml:"default_rpm"`
		BackoffMultiplier float64                    `yaml:"backoff_multiplier"`
		MinBackoffMS      int                        `yaml:"min_backoff_ms"`
		MaxBackoffMS      int                        `yaml:"max_backoff_ms"`
		RemainingHeaders  []string                   `yaml:"remaining_headers"`
		ResetHeaders      []string                   `yaml:"reset_headers"`
		RetryAfterHeaders []string                   `yaml:"retry_after_headers"`
		PerHost           map[string]HostLimitConfig `yaml:"per_host"`
	}

	HostLimitConfig struct {
		RPM int `yaml:"rpm"`
	}

	ResponseConfig struct {
		CompressionThreshold int64  `yaml:"compression_threshold"` // bytes
		Algorithm            string `yaml:"algorithm"`             // gzip, deflate
		Level                int    `yaml:"level"`
		DefaultMaxSizeBytes  int64  `yaml:"default_max_size_bytes"`
		StorageProvider      string `yaml:"storage_provider"` // local, s3, azure
		StoragePath          string `yaml:"storage_path"`
		StorageBucket        string `yaml:"storage_bucket"`
		StorageKeyPrefix     string `yaml:"storage_key_prefix"`
		StorageTTLHours      int    `yaml:"storage_ttl_hours"`
	}

	TimezoneConfig struct {
		Default string   `yaml:"default"`
		Allowed []string `yaml:"allowed"` // empty permits all IANA zones
	}

	DuplicateConfig struct {
		Enabled             *bool `yaml:"enabled"`
		WindowMinutes       int   `yaml:"window_minutes"`
		CheckFingerprint    *bool `yaml:"check_fingerprint"`
		CheckIdempotencyKey *bool `yaml:"check_idempotency_key"`
	}

	MonitoringConfig struct {
		ProbeIntervalSec     int     `yaml:"probe_interval_sec"`
		MemoryLimitMB        int     `yaml:"memory_limit_mb"`
		FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
		QueueDepthThreshold  int64   `yaml:"queue_depth_threshold"`
		MetricsIntervalSec   int     `yaml:"metrics_interval_sec"`
		MetricsRetentionMin  int     `yaml:"metrics_retention_min"`
	}

	SecurityConfig struct {
		MaxPromptLength   int      `yaml:"max_prompt_length"`
		AllowedDomains    []string `yaml:"allowed_domains"` // empty permits all
		BlockedDomains    []string `yaml:"blocked_domains"`
		AllowedSchemes    []string `yaml:"allowed_schemes"`
		BlockPrivateHosts *bool    `yaml:"block_private_hosts"`
	}

	DatabaseConfig struct {
		Path                   string `yaml:"path"`
		JobsBucket             string `yaml:"jobs_bucket"`
		ExecutionsBucket       string `yaml:"executions_bucket"`
		CleanupIntervalMin     int    `yaml:"cleanup_interval_min"`
		ExecutionRetentionDays int    `yaml:"execution_retention_days"`
	}
)
