package livesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage is a Driver backed by Redis, for hosts that share one cache
// across processes. Keys are laid out as {prefix}:{scope}:{key}.
type RedisStorage struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	ttl     time.Duration
}

// RedisOptions configures RedisStorage.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires idle entries; zero keeps them forever.
	TTL time.Duration
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStorageFromClient(client, opts.Prefix, opts.TTL), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStorage {
	if prefix == "" {
		prefix = "livesync"
	}
	return &RedisStorage{client: client, prefix: prefix, timeout: 3 * time.Second, ttl: ttl}
}

// Close closes the Redis connection.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) key(scope, key string) string {
	return r.prefix + ":" + scope + ":" + key
}

func (r *RedisStorage) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *RedisStorage) Get(scope, key string) ([]byte, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	val, err := r.client.Get(ctx, r.key(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (r *RedisStorage) Set(scope, key string, val []byte) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Set(ctx, r.key(scope, key), val, r.ttl).Err()
}

func (r *RedisStorage) Delete(scope, key string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Del(ctx, r.key(scope, key)).Err()
}

// DeleteScope removes every key of scope using SCAN so large scopes do not
// block the server.
func (r *RedisStorage) DeleteScope(scope string) error {
	ctx, cancel := r.ctx()
	defer cancel()

	pattern := r.key(scope, "*")
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete scope %s: %w", scope, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
