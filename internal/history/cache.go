package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const stateKeyPrefix = "txflow:state:"

// StateCache keeps the latest engine state in Redis so a restarted
// process resumes with warm sizing state instead of cold defaults.
type StateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStateCache connects to Redis. A zero ttl keeps entries forever.
func NewStateCache(redisURL string, ttl time.Duration) *StateCache {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisURL,
	})
	return &StateCache{rdb: rdb, ttl: ttl}
}

// Save stores state under the given key as JSON.
func (c *StateCache) Save(ctx context.Context, key string, state interface{}) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := c.rdb.Set(ctx, stateKeyPrefix+key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache state: %w", err)
	}
	return nil
}

// Load reads state into out. The boolean reports whether the key existed.
func (c *StateCache) Load(ctx context.Context, key string, out interface{}) (bool, error) {
	payload, err := c.rdb.Get(ctx, stateKeyPrefix+key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load cached state: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached state: %w", err)
	}
	return true, nil
}

// Delete removes a cached key.
func (c *StateCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, stateKeyPrefix+key).Err()
}

// Close closes the Redis connection.
func (c *StateCache) Close() error {
	return c.rdb.Close()
}
