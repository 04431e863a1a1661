package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Hard minima for tunables that would break the pipeline when set too low.
const (
	minHTTPTimeoutMS   = 1000
	minQueueAttempts   = 1
	minWorkerConcurren = 1
)

// Validate fills defaults and rejects values below hard minima. A zero value
// means "not set" and takes the default; an explicit value below the minimum
// is a startup error.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateHTTP(); err != nil {
		return err
	}
	c.validateRateLimiting()
	if err := c.validateResponseHandling(); err != nil {
		return err
	}
	if err := c.validateTimezone(); err != nil {
		return err
	}
	c.validateDuplicatePrevention()
	c.validateMonitoring()
	if err := c.validateSecurity(); err != nil {
		return err
	}
	c.validateDatabase()
	return nil
}

func (c *Config) validateQueue() error {
	q := &c.Queue
	if len(q.Addrs) == 0 && len(q.SentinelAddrs) == 0 {
		q.Addrs = []string{"127.0.0.1:6379"}
	}
	if len(q.SentinelAddrs) > 0 && strings.TrimSpace(q.SentinelMaster) == "" {
		return errors.New("queue.sentinel_master is required when sentinel_addrs is set")
	}
	if q.KeyPrefix == "" {
		q.KeyPrefix = "cronfire"
	}
	if q.Attempts == 0 {
		q.Attempts = 3
	}
	if q.Attempts < minQueueAttempts {
		return fmt.Errorf("queue.attempts must be >= %d, got %d", minQueueAttempts, q.Attempts)
	}
	if q.BackoffMS <= 0 {
		q.BackoffMS = 5000
	}
	if q.RequestTimeoutMS <= 0 {
		q.RequestTimeoutMS = 5000
	}
	if q.KeepCompleted <= 0 {
		q.KeepCompleted = 100
	}
	if q.KeepFailed <= 0 {
		q.KeepFailed = 500
	}
	if q.OfflineBufferSize <= 0 {
		q.OfflineBufferSize = 1000
	}
	return nil
}

func (c *Config) validateWorker() error {
	w := &c.Worker
	if w.Concurrency == 0 {
		w.Concurrency = 5
	}
	if w.Concurrency < minWorkerConcurren {
		return fmt.Errorf("worker.concurrency must be >= %d, got %d", minWorkerConcurren, w.Concurrency)
	}
	if w.PollIntervalMS <= 0 {
		w.PollIntervalMS = 1000
	}
	if w.StalledIntervalMS <= 0 {
		w.StalledIntervalMS = 30000
	}
	if w.LockDurationMS <= 0 {
		w.LockDurationMS = 30000
	}
	if w.LockRenewalMS <= 0 {
		w.LockRenewalMS = 15000
	}
	if w.LockRenewalMS >= w.LockDurationMS {
		return fmt.Errorf("worker.lock_renewal_ms (%d) must be below lock_duration_ms (%d)",
			w.LockRenewalMS, w.LockDurationMS)
	}
	if w.ShutdownTimeoutMS <= 0 {
		w.ShutdownTimeoutMS = 30000
	}
	return nil
}

func (c *Config) validateHTTP() error {
	h := &c.HTTP
	if h.TimeoutMS == 0 {
		h.TimeoutMS = 30000
	}
	if h.TimeoutMS < minHTTPTimeoutMS {
		return fmt.Errorf("http.timeout_ms must be >= %d, got %d", minHTTPTimeoutMS, h.TimeoutMS)
	}
	if h.MaxRedirects <= 0 {
		h.MaxRedirects = 5
	}
	if h.MaxResponseBytes <= 0 {
		h.MaxResponseBytes = 50 << 20
	}
	if h.KeepAlive == nil {
		keepAlive := true
		h.KeepAlive = &keepAlive
	}
	if h.RetryAttempts < 0 {
		h.RetryAttempts = 0
	} else if h.RetryAttempts == 0 {
		h.RetryAttempts = 2
	}
	if h.RetryBackoffMS <= 0 {
		h.RetryBackoffMS = 1000
	}
	return nil
}

func (c *Config) validateRateLimiting() {
	r := &c.RateLimiting
	if r.DefaultRPM <= 0 {
		r.DefaultRPM = 60
	}
	if r.BackoffMultiplier <= 1 {
		r.BackoffMultiplier = 2
	}
	if r.MinBackoffMS <= 0 {
		r.MinBackoffMS = 1000
	}
	if r.MaxBackoffMS <= r.MinBackoffMS {
		r.MaxBackoffMS = 300000
	}
	if len(r.RemainingHeaders) == 0 {
		r.RemainingHeaders = []string{"x-ratelimit-remaining", "ratelimit-remaining"}
	}
	if len(r.ResetHeaders) == 0 {
		r.ResetHeaders = []string{"x-ratelimit-reset", "ratelimit-reset"}
	}
	if len(r.RetryAfterHeaders) == 0 {
		r.RetryAfterHeaders = []string{"retry-after"}
	}
}

func (c *Config) validateResponseHandling() error {
	r := &c.ResponseHandling
	if r.CompressionThreshold <= 0 {
		r.CompressionThreshold = 1024
	}
	r.Algorithm = strings.ToLower(strings.TrimSpace(r.Algorithm))
	switch r.Algorithm {
	case "":
		r.Algorithm = "gzip"
	case "gzip", "deflate":
	default:
		return fmt.Errorf("response_handling.algorithm must be gzip or deflate, got %q", r.Algorithm)
	}
	if r.Level <= 0 || r.Level > 9 {
		r.Level = 6
	}
	if r.DefaultMaxSizeBytes <= 0 {
		r.DefaultMaxSizeBytes = 10 << 20
	}
	r.StorageProvider = strings.ToLower(strings.TrimSpace(r.StorageProvider))
	switch r.StorageProvider {
	case "":
		r.StorageProvider = "local"
	case "local", "s3", "azure":
	default:
		return fmt.Errorf("response_handling.storage_provider must be local, s3 or azure, got %q",
			r.StorageProvider)
	}
	if r.StorageKeyPrefix == "" {
		r.StorageKeyPrefix = "responses"
	}
	if r.StorageTTLHours <= 0 {
		r.StorageTTLHours = 24 * 30
	}
	return nil
}

func (c *Config) validateTimezone() error {
	t := &c.Timezone
	t.Default = strings.TrimSpace(t.Default)
	if t.Default == "" {
		t.Default = "UTC"
	}
	if _, err := time.LoadLocation(t.Default); err != nil {
		return fmt.Errorf("timezone.default %q is not a valid IANA zone: %w", t.Default, err)
	}
	for _, zone := range t.Allowed {
		if _, err := time.LoadLocation(zone); err != nil {
			return fmt.Errorf("timezone.allowed entry %q is not a valid IANA zone: %w", zone, err)
		}
	}
	return nil
}

func (c *Config) validateDuplicatePrevention() {
	d := &c.DuplicatePrevention
	if d.Enabled == nil {
		enabled := true
		d.Enabled = &enabled
	}
	if d.WindowMinutes <= 0 {
		d.WindowMinutes = 5
	}
	if d.CheckFingerprint == nil {
		check := true
		d.CheckFingerprint = &check
	}
	if d.CheckIdempotencyKey == nil {
		check := true
		d.CheckIdempotencyKey = &check
	}
}

func (c *Config) validateMonitoring() {
	m := &c.Monitoring
	if m.ProbeIntervalSec <= 0 {
		m.ProbeIntervalSec = 60
	}
	if m.MemoryLimitMB <= 0 {
		m.MemoryLimitMB = 1024
	}
	if m.FailureRateThreshold <= 0 || m.FailureRateThreshold > 1 {
		m.FailureRateThreshold = 0.5
	}
	if m.QueueDepthThreshold <= 0 {
		m.QueueDepthThreshold = 1000
	}
	if m.MetricsIntervalSec <= 0 {
		m.MetricsIntervalSec = 15
	}
	if m.MetricsRetentionMin <= 0 {
		m.MetricsRetentionMin = 60
	}
}

func (c *Config) validateSecurity() error {
	s := &c.Security
	if s.MaxPromptLength <= 0 {
		s.MaxPromptLength = 10000
	}
	if len(s.AllowedSchemes) == 0 {
		s.AllowedSchemes = []string{"http", "https"}
	}
	for _, scheme := range s.AllowedSchemes {
		switch strings.ToLower(scheme) {
		case "http", "https":
		default:
			return fmt.Errorf("security.allowed_schemes entry %q is not supported", scheme)
		}
	}
	if s.BlockPrivateHosts == nil {
		block := true
		s.BlockPrivateHosts = &block
	}
	return nil
}

func (c *Config) validateDatabase() {
	d := &c.Database
	if strings.TrimSpace(d.Path) == "" {
		d.Path = "cronfire.db"
	}
	if d.JobsBucket == "" {
		d.JobsBucket = "jobs"
	}
	if d.ExecutionsBucket == "" {
		d.ExecutionsBucket = "executions"
	}
	if d.CleanupIntervalMin <= 0 {
		d.CleanupIntervalMin = 60
	}
	if d.ExecutionRetentionDays <= 0 {
		d.ExecutionRetentionDays = 30
	}
}
