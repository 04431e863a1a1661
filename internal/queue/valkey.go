package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/cronfire/cronfire/internal/config"
)

// valkeyBackend implements Backend on a valkey/redis-compatible server.
type valkeyBackend struct {
	client valkey.Client
}

// NewValkeyBackend connects to the configured store. Sentinel addresses, when
// present, take precedence for HA failover.
func NewValkeyBackend(cfg config.QueueConfig) (Backend, error) {
	opt := valkey.ClientOption{
		InitAddress: cfg.Addrs,
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	}
	if len(cfg.SentinelAddrs) > 0 {
		opt.InitAddress = cfg.SentinelAddrs
		opt.Sentinel = valkey.SentinelOption{MasterSet: cfg.SentinelMaster}
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("connect queue backend: %w", err)
	}
	return &valkeyBackend{client: client}, nil
}

func (b *valkeyBackend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.client.Do(ctx,
		b.client.B().Zadd().Key(key).ScoreMember().ScoreMember(score, member).Build()).Error()
}

func (b *valkeyBackend) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	return b.client.Do(ctx,
		b.client.B().Zrangebyscore().Key(key).
			Min("-inf").Max(strconv.FormatFloat(max, 'f', -1, 64)).
			Limit(0, int64(limit)).Build()).AsStrSlice()
}

func (b *valkeyBackend) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := b.client.Do(ctx,
		b.client.B().Zrem().Key(key).Member(member).Build()).AsInt64()
	return n > 0, err
}

func (b *valkeyBackend) ZCard(ctx context.Context, key string) (int64, error) {
	return b.client.Do(ctx, b.client.B().Zcard().Key(key).Build()).AsInt64()
}

func (b *valkeyBackend) HSet(ctx context.Context, key, field, value string) error {
	return b.client.Do(ctx,
		b.client.B().Hset().Key(key).FieldValue().FieldValue(field, value).Build()).Error()
}

func (b *valkeyBackend) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := b.client.Do(ctx, b.client.B().Hget().Key(key).Field(field).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (b *valkeyBackend) HDel(ctx context.Context, key, field string) error {
	return b.client.Do(ctx, b.client.B().Hdel().Key(key).Field(field).Build()).Error()
}

func (b *valkeyBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.client.Do(ctx, b.client.B().Hgetall().Key(key).Build()).AsStrMap()
}

func (b *valkeyBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	err := b.client.Do(ctx,
		b.client.B().Set().Key(key).Value(value).Nx().Px(ttl).Build()).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil // already held
		}
		return false, err
	}
	return true, nil
}

func (b *valkeyBackend) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	n, err := b.client.Do(ctx,
		b.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build()).AsInt64()
	return n > 0, err
}

func (b *valkeyBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.client.Do(ctx, b.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (b *valkeyBackend) Del(ctx context.Context, key string) error {
	return b.client.Do(ctx, b.client.B().Del().Key(key).Build()).Error()
}

func (b *valkeyBackend) Ping(ctx context.Context) error {
	return b.client.Do(ctx, b.client.B().Ping().Build()).Error()
}

func (b *valkeyBackend) Close() { b.client.Close() }
