package camcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	viewKeyPrefix     = "camera:view:"
	invalidateChannel = "camera:invalidate"
)

// RedisCache is a Cache on Redis. Views are stored as JSON without TTL;
// invalidations fan out over pub/sub so every service instance holding
// a local copy hears about refreshes.
type RedisCache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(rdb *redis.Client, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{rdb: rdb, logger: logger}
}

func (c *RedisCache) GetView(ctx context.Context, exid string) (*View, error) {
	raw, err := c.rdb.Get(ctx, viewKeyPrefix+exid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v View
	if err := json.Unmarshal(raw, &v); err != nil {
		// A corrupt entry behaves like a miss so the next sync repairs it.
		c.logger.Warn("camcache: corrupt cached view, treating as miss",
			"exid", exid, "error", err)
		return nil, nil
	}
	return &v, nil
}

func (c *RedisCache) SetView(ctx context.Context, view *View) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, viewKeyPrefix+view.Exid, raw, 0).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, exid string) error {
	return c.rdb.Publish(ctx, invalidateChannel, exid).Err()
}

// ListenInvalidations subscribes to the invalidation channel and calls
// handler with each invalidated camera exid. It blocks until ctx is
// cancelled.
func (c *RedisCache) ListenInvalidations(ctx context.Context, handler func(exid string)) error {
	sub := c.rdb.Subscribe(ctx, invalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(msg.Payload)
		}
	}
}
