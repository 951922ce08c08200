package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "firestarter:index:"
	redisIndexSet  = "firestarter:indexes"
)

// RedisStore is a Registry backed by Redis. Each entry is a JSON string at
// firestarter:index:<namespace>; the sorted set firestarter:indexes orders
// namespaces by creation time in milliseconds.
type RedisStore struct {
	client     *redis.Client
	maxIndexes int
}

// NewRedisStore connects to rawURL (redis:// or rediss://) and verifies the
// connection.
func NewRedisStore(ctx context.Context, rawURL string, maxIndexes int) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}
	return &RedisStore{client: client, maxIndexes: maxIndexes}, nil
}

// Client exposes the underlying connection so other components (the rate
// limiter) can share it.
func (r *RedisStore) Client() *redis.Client { return r.client }

func redisKey(ns string) string { return redisKeyPrefix + ns }

// Put stores meta and evicts the oldest entries beyond the cap.
func (r *RedisStore) Put(ctx context.Context, meta IndexMetadata) ([]string, error) {
	if meta.Namespace == "" {
		return nil, fmt.Errorf("store: put: namespace is required")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("store: put marshal: %w", err)
	}

	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisKey(meta.Namespace), b, 0)
		p.ZAdd(ctx, redisIndexSet, redis.Z{Score: float64(meta.CreatedAt.UnixMilli()), Member: meta.Namespace})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("store: put: %w", err)
	}

	if r.maxIndexes <= 0 {
		return nil, nil
	}
	n, err := r.client.ZCard(ctx, redisIndexSet).Result()
	if err != nil {
		return nil, fmt.Errorf("store: put count: %w", err)
	}
	excess := n - int64(r.maxIndexes)
	if excess <= 0 {
		return nil, nil
	}
	evicted, err := r.client.ZRange(ctx, redisIndexSet, 0, excess-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: put evict: %w", err)
	}
	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, ns := range evicted {
			p.Del(ctx, redisKey(ns))
			p.ZRem(ctx, redisIndexSet, ns)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("store: put evict: %w", err)
	}
	return evicted, nil
}

// Get returns the entry for namespace.
func (r *RedisStore) Get(ctx context.Context, namespace string) (IndexMetadata, error) {
	raw, err := r.client.Get(ctx, redisKey(namespace)).Bytes()
	if errors.Is(err, redis.Nil) {
		return IndexMetadata{}, ErrNotFound
	}
	if err != nil {
		return IndexMetadata{}, fmt.Errorf("store: get: %w", err)
	}
	var m IndexMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return IndexMetadata{}, fmt.Errorf("store: get decode: %w", err)
	}
	return m, nil
}

// List returns every entry, newest first. Set members whose value has
// vanished are skipped.
func (r *RedisStore) List(ctx context.Context) ([]IndexMetadata, error) {
	namespaces, err := r.client.ZRevRange(ctx, redisIndexSet, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	out := []IndexMetadata{}
	if len(namespaces) == 0 {
		return out, nil
	}

	keys := make([]string, len(namespaces))
	for i, ns := range namespaces {
		keys[i] = redisKey(ns)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list values: %w", err)
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m IndexMetadata
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("store: list decode: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes the entry for namespace.
func (r *RedisStore) Delete(ctx context.Context, namespace string) error {
	var del *redis.IntCmd
	if _, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, redisKey(namespace))
		p.ZRem(ctx, redisIndexSet, namespace)
		return nil
	}); err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection pool.
func (r *RedisStore) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// OpenRegistry returns a RedisStore when redisURL is set and a SQLiteStore at
// dbPath (or DefaultDBPath) otherwise.
func OpenRegistry(ctx context.Context, redisURL, dbPath string, maxIndexes int) (Registry, error) {
	if redisURL != "" {
		r, err := NewRedisStore(ctx, redisURL, maxIndexes)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	if dbPath == "" {
		p, err := DefaultDBPath()
		if err != nil {
			return nil, err
		}
		dbPath = p
	}
	s, err := Open(dbPath, maxIndexes)
	if err != nil {
		return nil, err
	}
	return s, nil
}
