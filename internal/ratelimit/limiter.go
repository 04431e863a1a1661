package ratelimit

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/pkg/logs"
	"github.com/cronfire/cronfire/internal/pkg/metrics"
)

// ErrRateLimited marks a dispatch the limiter deferred.
var ErrRateLimited = errors.New("rate limited")

const (
	window      = 60 * time.Second
	trackerIdle = 10 * time.Minute
	gcInterval  = time.Minute
)

// timeNow is the clock source. Tests may override it.
var timeNow = time.Now

// JobLimits are the per-job rate limit knobs; zero values fall back to the
// limiter's configured defaults.
type JobLimits struct {
	MaxRequestsPerMinute int
	BackoffMultiplier    float64
	MaxBackoff           time.Duration
}

// tracker is the per-target-host sliding window state. Process-local and
// ephemeral; a restart resets limiter memory but not the job's configured RPM.
type tracker struct {
	mu              sync.Mutex
	requests        []time.Time
	currentBackoff  time.Duration
	backoffUntil    time.Time
	consecutiveHits int
	lastSeen        time.Time
}

// Limiter gates outbound requests per target host with a sliding 60 s window
// and exponential backoff honoring rate-limit response headers.
type Limiter struct {
	cfg config.RateLimitConfig

	mu       sync.Mutex
	trackers map[string]*tracker
}

func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:      cfg,
		trackers: make(map[string]*tracker),
	}
}

// Allow reports whether a request to targetURL may proceed right now. A
// denial advances the host's exponential backoff.
func (l *Limiter) Allow(targetURL string, limits JobLimits) bool {
	host := hostOf(targetURL)
	if host == "" {
		return true
	}
	t := l.tracker(host)
	now := timeNow()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = now
	t.prune(now)

	rpm := l.resolveRPM(host, limits)
	if now.Before(t.backoffUntil) || len(t.requests) >= rpm {
		l.advanceBackoffLocked(t, now, limits)
		metrics.RateLimitDenials.WithLabelValues(host).Inc()
		return false
	}
	return true
}

// Observe records a completed request and digests the response's rate-limit
// headers (remaining/reset/retry-after, names configurable).
func (l *Limiter) Observe(targetURL string, headers map[string]string) {
	host := hostOf(targetURL)
	if host == "" {
		return
	}
	t := l.tracker(host)
	now := timeNow()

	info := parseHeaders(headers, l.cfg)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = now
	t.requests = append(t.requests, now)
	t.prune(now)

	if info.Remaining != nil && *info.Remaining > 0 {
		t.consecutiveHits = 0
		t.currentBackoff = time.Duration(l.cfg.MinBackoffMS) * time.Millisecond
		return
	}
	if info.Remaining != nil && *info.Remaining == 0 {
		l.limitHitLocked(t, now, info, JobLimits{})
	}
}

// Observe429 applies the limit-hit branch for an explicit 429 response.
func (l *Limiter) Observe429(targetURL string, retryAfterSec, resetEpoch int64) {
	host := hostOf(targetURL)
	if host == "" {
		return
	}
	t := l.tracker(host)
	now := timeNow()

	info := Info{}
	if retryAfterSec > 0 {
		info.RetryAfterSec = &retryAfterSec
	}
	if resetEpoch > 0 {
		info.ResetEpoch = &resetEpoch
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = now
	l.limitHitLocked(t, now, info, JobLimits{})
}

// BackoffUntil exposes the host's current deny-until instant, zero when none.
func (l *Limiter) BackoffUntil(targetURL string) time.Time {
	host := hostOf(targetURL)
	if host == "" {
		return time.Time{}
	}
	t := l.tracker(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backoffUntil
}

// GC drops trackers idle longer than maxIdle and returns how many were removed.
func (l *Limiter) GC(maxIdle time.Duration) int {
	now := timeNow()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for host, t := range l.trackers {
		t.mu.Lock()
		idle := now.Sub(t.lastSeen) > maxIdle
		t.mu.Unlock()
		if idle {
			delete(l.trackers, host)
			removed++
		}
	}
	return removed
}

// StartGC runs the tracker garbage collector until ctx is canceled.
func (l *Limiter) StartGC(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.GC(trackerIdle); n > 0 {
				logs.CtxDebug(ctx, "[ratelimit] dropped %d idle trackers", n)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// internal
// ---------------------------------------------------------------------------

func (l *Limiter) tracker(host string) *tracker {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trackers[host]
	if !ok {
		t = &tracker{
			currentBackoff: time.Duration(l.cfg.MinBackoffMS) * time.Millisecond,
			lastSeen:       timeNow(),
		}
		l.trackers[host] = t
	}
	return t
}

// resolveRPM picks the per-host override first, then the job knob, then the
// configured default.
func (l *Limiter) resolveRPM(host string, limits JobLimits) int {
	if hc, ok := l.cfg.PerHost[host]; ok && hc.RPM > 0 {
		return hc.RPM
	}
	if limits.MaxRequestsPerMinute > 0 {
		return limits.MaxRequestsPerMinute
	}
	return l.cfg.DefaultRPM
}

func (l *Limiter) limitHitLocked(t *tracker, now time.Time, info Info, limits JobLimits) {
	t.consecutiveHits++
	switch {
	case info.RetryAfterSec != nil:
		t.backoffUntil = now.Add(time.Duration(*info.RetryAfterSec) * time.Second)
	case info.ResetEpoch != nil:
		reset := time.Unix(*info.ResetEpoch, 0)
		if reset.After(now) {
			t.backoffUntil = reset
		} else {
			l.stepBackoffLocked(t, now, limits)
		}
	default:
		l.stepBackoffLocked(t, now, limits)
	}
}

func (l *Limiter) advanceBackoffLocked(t *tracker, now time.Time, limits JobLimits) {
	t.consecutiveHits++
	l.stepBackoffLocked(t, now, limits)
}

func (l *Limiter) stepBackoffLocked(t *tracker, now time.Time, limits JobLimits) {
	multiplier := limits.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = l.cfg.BackoffMultiplier
	}
	maxBackoff := limits.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = time.Duration(l.cfg.MaxBackoffMS) * time.Millisecond
	}
	minBackoff := time.Duration(l.cfg.MinBackoffMS) * time.Millisecond

	next := t.currentBackoff
	if next < minBackoff {
		next = minBackoff
	}
	next = time.Duration(float64(next) * multiplier)
	if next > maxBackoff {
		next = maxBackoff
	}
	t.currentBackoff = next
	t.backoffUntil = now.Add(next)
}

func (t *tracker) prune(now time.Time) {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(t.requests) && !t.requests[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		t.requests = append(t.requests[:0], t.requests[idx:]...)
	}
}

func hostOf(targetURL string) string {
	u, err := url.Parse(targetURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
