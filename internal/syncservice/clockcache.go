package syncservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// DefaultClockTTL bounds how long a device clock is remembered.
const DefaultClockTTL = 24 * time.Hour

// RedisClockCache shares device clocks between server instances.
type RedisClockCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisClockCache constructs a cache storing clocks as JSON with ttl.
func NewRedisClockCache(client *redis.Client, ttl time.Duration) *RedisClockCache {
	if ttl <= 0 {
		ttl = DefaultClockTTL
	}
	return &RedisClockCache{client: client, ttl: ttl, prefix: "sync:clock:"}
}

func (c *RedisClockCache) Get(ctx context.Context, scope types.Scope, device types.DeviceID) (types.VectorClock, bool, error) {
	raw, err := c.client.Get(ctx, c.key(scope, device)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: load clock: %v", syncerr.ErrTransientTransport, err)
	}
	var clock types.VectorClock
	if err := json.Unmarshal(raw, &clock); err != nil {
		return nil, false, syncerr.Malformed("cached clock: %v", err)
	}
	return clock, true, nil
}

func (c *RedisClockCache) Set(ctx context.Context, scope types.Scope, device types.DeviceID, clock types.VectorClock) error {
	raw, err := json.Marshal(types.NewVectorClock(clock))
	if err != nil {
		return fmt.Errorf("marshal clock: %w", err)
	}
	if err := c.client.Set(ctx, c.key(scope, device), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: store clock: %v", syncerr.ErrTransientTransport, err)
	}
	return nil
}

func (c *RedisClockCache) key(scope types.Scope, device types.DeviceID) string {
	return c.prefix + scope.Key() + ":" + string(device)
}
