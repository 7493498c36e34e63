package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mapsel/spatial-select/internal/geom"
	"github.com/mapsel/spatial-select/internal/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

// indexTTL bounds how long a per-layer key index may outlive its
// entries.
const indexTTL = 24 * time.Hour

// Redis is the shared store variant. Entries are JSON blobs under a
// common prefix; a set per layer indexes the keys so invalidation can
// purge without scanning the keyspace.
type Redis struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time // for tests
}

func NewRedis(ctx context.Context, addr, prefix string, opts ...Option) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	if prefix == "" {
		prefix = "select"
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}, nil
}

func (r *Redis) dataKey(key string) string    { return r.prefix + ":" + key }
func (r *Redis) indexKey(layer string) string { return r.prefix + ":idx:" + layer }

func (r *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	start := time.Now()
	raw, err := r.rdb.Get(ctx, r.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		observability.IncCacheMiss()
		return Entry{}, false, nil
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis GET %q: %w", key, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// a corrupt blob behaves like a miss and gets overwritten
		observability.IncCacheMiss()
		return Entry{}, false, nil
	}
	if r.now().After(e.ExpiresAt) {
		observability.IncCacheExpired()
		return Entry{}, false, nil
	}
	observability.IncCacheHit()
	return e, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	now := r.now()
	e.FetchedAt = now
	e.ExpiresAt = now.Add(ttl)

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	start := time.Now()
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.dataKey(key), raw, ttl)
		for _, layerID := range e.Layers {
			p.SAdd(ctx, r.indexKey(layerID), key)
			p.Expire(ctx, r.indexKey(layerID), indexTTL)
		}
		return nil
	})
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (r *Redis) PurgeLayer(ctx context.Context, layerID string) (int, error) {
	keys, err := r.members(ctx, layerID)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	start := time.Now()
	data := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		data = append(data, r.dataKey(k))
	}
	data = append(data, r.indexKey(layerID))
	err = r.rdb.Del(ctx, data...).Err()
	observability.ObserveCacheOp("purge", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis DEL %d keys: %w", len(data), err)
	}
	return len(keys), nil
}

// PurgeWithin drops only the indexed entries whose cached bounds
// overlap b, leaving the rest of the layer's entries alive.
func (r *Redis) PurgeWithin(ctx context.Context, layerID string, b geom.BBox) (int, error) {
	keys, err := r.members(ctx, layerID)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	data := make([]string, 0, len(keys))
	for _, k := range keys {
		data = append(data, r.dataKey(k))
	}

	start := time.Now()
	vals, err := r.rdb.MGet(ctx, data...).Result()
	observability.ObserveCacheOp("mget", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis MGET %d keys: %w", len(data), err)
	}

	var hit []string
	var gone []any
	for i, v := range vals {
		if v == nil {
			gone = append(gone, keys[i])
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			hit = append(hit, keys[i]) // corrupt blob, drop it
			continue
		}
		if e.Bounds.Intersects(b) {
			hit = append(hit, keys[i])
		}
	}

	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range hit {
			p.Del(ctx, r.dataKey(k))
			p.SRem(ctx, r.indexKey(layerID), k)
		}
		for _, k := range gone {
			p.SRem(ctx, r.indexKey(layerID), k)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis purge pipeline: %w", err)
	}
	return len(hit), nil
}

func (r *Redis) members(ctx context.Context, layerID string) ([]string, error) {
	start := time.Now()
	keys, err := r.rdb.SMembers(ctx, r.indexKey(layerID)).Result()
	observability.ObserveCacheOp("smembers", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %q: %w", layerID, err)
	}
	return keys, nil
}

// Ping verifies the backing connection, for readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	if err := r.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
