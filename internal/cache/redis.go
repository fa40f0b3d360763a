package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisOpTimeout bounds each Redis round-trip so a stalled server degrades
// into a storage error instead of hanging a token acquisition.
const redisOpTimeout = 5 * time.Second

// RedisStorage persists the cache in a Redis hash. Intended for server-side
// deployments where many workers share one credential cache; desktop and
// CLI processes should prefer FileStorage or KeyringStorage.
type RedisStorage struct {
	client *redis.Client
	// hashKey is the Redis key holding the whole cache as one hash, keeping
	// GetAll a single HGETALL.
	hashKey string
}

// NewRedisStorage creates a Redis-backed store. hashKey namespaces the
// cache; distinct applications sharing one Redis must use distinct keys.
func NewRedisStorage(client *redis.Client, hashKey string) *RedisStorage {
	return &RedisStorage{client: client, hashKey: hashKey}
}

func (r *RedisStorage) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

// Get returns the value for key and whether it was present.
func (r *RedisStorage) Get(key string) (string, bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()

	v, err := r.client.HGet(ctx, r.hashKey, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Put stores value under key.
func (r *RedisStorage) Put(key, value string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.HSet(ctx, r.hashKey, key, value).Err()
}

// Remove deletes key.
func (r *RedisStorage) Remove(key string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.HDel(ctx, r.hashKey, key).Err()
}

// GetAll returns a snapshot copy of every entry.
func (r *RedisStorage) GetAll() (map[string]string, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.HGetAll(ctx, r.hashKey).Result()
}
