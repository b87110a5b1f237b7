package agentregistry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chengis/chengis/internal/cherrors"
)

const keyPrefix = "chengis:agents:"

// RedisCache is the Cache backing for a multi-process master deployment
// (distributed.enabled): agent state is write-through'd to a shared
// redis.Client hash-like keyspace so any master replica can Hydrate on
// boot.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache constructs a RedisCache. ttl <= 0 disables expiry.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, agentID string, data []byte) error {
	if err := c.client.Set(ctx, keyPrefix+agentID, data, c.ttl).Err(); err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "write agent cache entry", err).WithContext(map[string]interface{}{"agent_id": agentID})
	}
	return nil
}

// Scan implements Cache, iterating every chengis:agents:* key via
// SCAN (not KEYS, to avoid blocking a shared redis instance).
func (c *RedisCache) Scan(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, cherrors.Wrap(cherrors.CodeInternal, "read agent cache entry", err).WithContext(map[string]interface{}{"key": key})
		}
		out[key[len(keyPrefix):]] = data
	}
	if err := iter.Err(); err != nil {
		return nil, cherrors.Wrap(cherrors.CodeInternal, "scan agent cache keys", err)
	}
	return out, nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, agentID string) error {
	if err := c.client.Del(ctx, keyPrefix+agentID).Err(); err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "delete agent cache entry", err).WithContext(map[string]interface{}{"agent_id": agentID})
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
