package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Backend is the narrow KV surface the adapter needs from the distributed
// store: sorted sets for delayed/ready/in-flight tokens, a hash for repeating
// registrations, and volatile keys for per-token locks.
type Backend interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns up to limit members with score <= max, ascending.
	ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error)
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZCard(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key, field string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close()
}

// overridable for tests
var timeNow = time.Now

// memoryBackend is a single-process Backend used by tests and as the staging
// area while the distributed store is unreachable.
type memoryBackend struct {
	mu     sync.Mutex
	zsets  map[string]map[string]float64
	hashes map[string]map[string]string
	keys   map[string]volatileValue
}

type volatileValue struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		zsets:  make(map[string]map[string]float64),
		hashes: make(map[string]map[string]string),
		keys:   make(map[string]volatileValue),
	}
}

func (m *memoryBackend) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *memoryBackend) ZRangeByScore(_ context.Context, key string, max float64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type entry struct {
		member string
		score  float64
	}
	var entries []entry
	for member, score := range m.zsets[key] {
		if score <= max {
			entries = append(entries, entry{member, score})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].member < entries[j].member
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.member
	}
	return out, nil
}

func (m *memoryBackend) ZRem(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return false, nil
	}
	if _, ok := z[member]; !ok {
		return false, nil
	}
	delete(z, member)
	return true, nil
}

func (m *memoryBackend) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *memoryBackend) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *memoryBackend) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *memoryBackend) HDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes[key], field)
	return nil
}

func (m *memoryBackend) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *memoryBackend) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.keys[key]; ok && !m.expired(v) {
		return false, nil
	}
	m.keys[key] = volatileValue{value: value, expiresAt: timeNow().Add(ttl)}
	return true, nil
}

func (m *memoryBackend) PExpire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.keys[key]
	if !ok || m.expired(v) {
		return false, nil
	}
	v.expiresAt = timeNow().Add(ttl)
	m.keys[key] = v
	return true, nil
}

func (m *memoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.keys[key]
	if !ok || m.expired(v) {
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *memoryBackend) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *memoryBackend) Ping(context.Context) error { return nil }

func (m *memoryBackend) Close() {}

func (m *memoryBackend) expired(v volatileValue) bool {
	return !v.expiresAt.IsZero() && timeNow().After(v.expiresAt)
}
