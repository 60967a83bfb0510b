package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailscope/backend/internal/models"
)

// SnapshotCache keeps computed analytics snapshots in Redis. The key embeds
// the user's last_sync_at, so a fresh sync naturally invalidates the cached
// snapshot without explicit deletes.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSnapshotCache(rdb *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

func NewRedisClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
}

func key(userID string, lastSyncAt *time.Time) string {
	version := "never"
	if lastSyncAt != nil {
		version = fmt.Sprintf("%d", lastSyncAt.UnixMilli())
	}
	return fmt.Sprintf("analytics:%s:%s", userID, version)
}

// Get returns the cached snapshot for (user, sync version), or nil on miss.
func (c *SnapshotCache) Get(ctx context.Context, userID string, lastSyncAt *time.Time) (*models.AnalyticsSnapshot, error) {
	data, err := c.rdb.Get(ctx, key(userID, lastSyncAt)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot cache: %w", err)
	}

	var snapshot models.AnalyticsSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		// A corrupt entry is a miss, not a failure.
		return nil, nil
	}
	return &snapshot, nil
}

// Set stores a snapshot under (user, sync version).
func (c *SnapshotCache) Set(ctx context.Context, userID string, lastSyncAt *time.Time, snapshot models.AnalyticsSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, key(userID, lastSyncAt), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot cache: %w", err)
	}
	return nil
}
