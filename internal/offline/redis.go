package offline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs a queue with a Redis list (RPUSH tail / LRANGE head),
// for server-side deployments where intents pile up while Postgres is
// unreachable. Keys follow the chms:offline:<name> convention.
type RedisStore struct {
	client *redis.Client
	key    string
}

const redisOpTimeout = 2 * time.Second

// NewRedisStore builds a store over an existing client.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "chms:offline:queue"
	}
	return &RedisStore{client: client, key: key}
}

// Append pushes one item onto the tail.
func (r *RedisStore) Append(item QueuedIntent) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.key, body).Err()
}

// Load reads the whole list in FIFO order.
func (r *RedisStore) Load() ([]QueuedIntent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	raw, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	items := make([]QueuedIntent, 0, len(raw))
	for _, body := range raw {
		var item QueuedIntent
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Remove deletes one stored copy of the item via LREM. Marshaling is
// deterministic for QueuedIntent, so the serialized form matches the list
// element byte for byte. Elements pushed by other processes (the API parks
// intents on this list while the worker drains it) are never touched.
func (r *RedisStore) Remove(item QueuedIntent) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return r.client.LRem(ctx, r.key, 1, body).Err()
}
