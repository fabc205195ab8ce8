// Package resultcache keeps enriched (v3) task results in Redis so repeated
// enrichment of the same task does not hit the payer portal again.
package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "eligibility:enriched:"

// Cache stores raw enriched payloads keyed by clinic and task id.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// Open connects to the Redis instance at redisURL and pings it.
func Open(ctx context.Context, redisURL string, ttl time.Duration) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, ttl), nil
}

func New(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func key(clinicID, taskID string) string {
	return keyPrefix + clinicID + ":" + taskID
}

// Get returns the cached payload and whether it was present.
func (c *Cache) Get(ctx context.Context, clinicID, taskID string) (json.RawMessage, bool, error) {
	b, err := c.rdb.Get(ctx, key(clinicID, taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(b), true, nil
}

func (c *Cache) Set(ctx context.Context, clinicID, taskID string, raw json.RawMessage) error {
	return c.rdb.Set(ctx, key(clinicID, taskID), []byte(raw), c.ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, clinicID, taskID string) error {
	return c.rdb.Del(ctx, key(clinicID, taskID)).Err()
}

// Ping is used by the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}
