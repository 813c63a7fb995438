package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/synapse-iot/synapse/pkg/models"
)

const keyPrefix = "synapse:history:"

// RedisRecorder stores per-device history as capped Redis lists, newest at
// the head. Use it when history should survive process restarts or be
// shared across instances.
type RedisRecorder struct {
	client *redis.Client
	size   int64
}

// NewRedisRecorder connects to Redis and verifies reachability.
func NewRedisRecorder(ctx context.Context, addr string, db, size int) (*RedisRecorder, error) {
	if size <= 0 {
		size = 50
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisRecorder{client: client, size: int64(size)}, nil
}

func (r *RedisRecorder) Append(ctx context.Context, deviceID string, entry models.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	key := keyPrefix + deviceID
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, r.size-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history for %s: %w", deviceID, err)
	}
	return nil
}

func (r *RedisRecorder) Recent(ctx context.Context, deviceID string, n int) ([]models.HistoryEntry, error) {
	raw, err := r.client.LRange(ctx, keyPrefix+deviceID, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", deviceID, err)
	}
	out := make([]models.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var e models.HistoryEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue // skip corrupt entries rather than failing the read
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisRecorder) Close() error { return r.client.Close() }
