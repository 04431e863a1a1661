package ratelimit

import (
	"strconv"
	"strings"
	"time"

	"github.com/cronfire/cronfire/internal/config"
)

// Info is the digest of a response's rate-limit headers. Nil fields mean the
// header was absent or unparseable.
type Info struct {
	Remaining     *int64
	ResetEpoch    *int64 // epoch seconds
	RetryAfterSec *int64
}

// HeaderInfo parses a response's rate-limit headers using the limiter's
// configured name sets.
func (l *Limiter) HeaderInfo(headers map[string]string) Info {
	return parseHeaders(headers, l.cfg)
}

// parseHeaders extracts rate-limit info using the configured header name
// sets. Header name matching is case-insensitive.
func parseHeaders(headers map[string]string, cfg config.RateLimitConfig) Info {
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}

	var info Info
	if raw, ok := firstHeader(lower, cfg.RemainingHeaders); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && n >= 0 {
			info.Remaining = &n
		}
	}
	if raw, ok := firstHeader(lower, cfg.ResetHeaders); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && n > 0 {
			info.ResetEpoch = &n
		}
	}
	if raw, ok := firstHeader(lower, cfg.RetryAfterHeaders); ok {
		if sec, ok := parseRetryAfter(raw); ok {
			info.RetryAfterSec = &sec
		}
	}
	return info
}

func firstHeader(lower map[string]string, names []string) (string, bool) {
	for _, name := range names {
		if v, ok := lower[strings.ToLower(name)]; ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if sec < 0 {
			return 0, false
		}
		return sec, true
	}
	if at, err := time.Parse(time.RFC1123, raw); err == nil {
		delta := time.Until(at)
		if delta < 0 {
			return 0, false
		}
		return int64(delta / time.Second), true
	}
	return 0, false
}
