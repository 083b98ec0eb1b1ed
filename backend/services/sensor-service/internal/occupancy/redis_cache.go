package occupancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "parking:realtime:"

// RedisCache shares snapshots between service instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache returns redis-backed cache. A zero ttl keeps entries until overwritten.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) key(slotID string) string {
	return fmt.Sprintf("%s%s", snapshotKeyPrefix, slotID)
}

// Put caches snapshot.
func (c *RedisCache) Put(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(snap.SlotID), data, c.ttl).Err()
}

// Get returns cached snapshot.
func (c *RedisCache) Get(ctx context.Context, slotID string) (Snapshot, bool, error) {
	result, err := c.client.Get(ctx, c.key(slotID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(result, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// All scans every cached snapshot.
func (c *RedisCache) All(ctx context.Context) ([]Snapshot, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, snapshotKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Snapshot{}, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sortSnapshots(out)
	return out, nil
}
