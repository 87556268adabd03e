package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient wraps the shared cache connection with key namespacing so
// multiple gateways can share one instance without colliding.
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// NewRedisClient connects to the shared cache at redisURL and verifies the
// connection with a ping.
func NewRedisClient(redisURL, namespace string, logger Logger) (*RedisClient, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("shared cache unreachable: %v: %w", err, ErrUnavailable)
	}

	logger.Info("Connected to shared cache", map[string]interface{}{
		"namespace": namespace,
	})
	return &RedisClient{client: client, namespace: namespace, logger: logger}, nil
}

func (r *RedisClient) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return r.namespace + ":" + k
}

// Get reads a key. Missing keys return ErrNotFound.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cache get %s: %v: %w", key, err, ErrUnavailable)
	}
	return val, nil
}

// Set writes a key with TTL. A zero TTL means no expiry.
func (r *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %v: %w", key, err, ErrUnavailable)
	}
	return nil
}

// Expire refreshes a key's TTL.
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("cache expire %s: %v: %w", key, err, ErrUnavailable)
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (r *RedisClient) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache delete: %v: %w", err, ErrUnavailable)
	}
	return nil
}

// DeleteByPrefix scans and removes all keys under prefix. Safe to call
// repeatedly; a second pass over an emptied prefix is a no-op.
func (r *RedisClient) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	pattern := r.key(prefix) + "*"
	var deleted int
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("cache delete %s: %v: %w", iter.Val(), err, ErrUnavailable)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cache scan %s: %v: %w", pattern, err, ErrUnavailable)
	}
	return deleted, nil
}

// Ping verifies connectivity, used by the health monitor.
func (r *RedisClient) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("shared cache: %v: %w", err, ErrUnavailable)
	}
	return nil
}

// Close releases the connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
