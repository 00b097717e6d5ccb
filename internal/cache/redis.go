package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements domain.Cache using Redis.
// Used as the Pro tier vault store and as L2 in two-phase caching.
// Expiry is enforced server-side with the key TTL.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, namespace string, key string) ([]byte, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}

	val, err := c.client.Get(ctx, redisKey(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	return c.client.Set(ctx, redisKey(namespace, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, namespace string, key string) error {
	if namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	return c.client.Del(ctx, redisKey(namespace, key)).Err()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(namespace, key string) string {
	return "kestrel:" + makeKey(namespace, key)
}
