package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/deemkeen/fedletic/domain"
	"github.com/deemkeen/fedletic/logging"
)

const keyPrefix = "fedletic:actor:"

// Redis stores remote actors in Redis so the cache survives restarts and is shared
// between instances.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedis connects to url. An empty url disables the cache and returns nil, nil.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	if url == "" {
		logging.GetLogger().Info("Redis cache disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.GetLogger().Info("Redis connection established")

	return &Redis{client: client, ttl: ttl, log: logging.WithComponent("cache")}, nil
}

func (c *Redis) namespaceKey(actorURL string) string {
	return keyPrefix + actorURL
}

func (c *Redis) Get(ctx context.Context, actorURL string) (*domain.Actor, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, c.namespaceKey(actorURL)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("Redis get failed", zap.String("actor", actorURL), zap.Error(err))
		}
		return nil, false
	}
	var actor domain.Actor
	if err := json.Unmarshal(raw, &actor); err != nil {
		c.log.Warn("Dropping undecodable cache entry", zap.String("actor", actorURL), zap.Error(err))
		c.Delete(ctx, actorURL)
		return nil, false
	}
	return &actor, true
}

func (c *Redis) Set(ctx context.Context, actorURL string, actor *domain.Actor) {
	if c == nil || c.client == nil || actor == nil {
		return
	}
	cached := *actor
	cached.PrivateKeyPem = ""
	raw, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.namespaceKey(actorURL), raw, c.ttl).Err(); err != nil {
		c.log.Warn("Redis set failed", zap.String("actor", actorURL), zap.Error(err))
	}
}

func (c *Redis) Delete(ctx context.Context, actorURL string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.namespaceKey(actorURL)).Err(); err != nil {
		c.log.Warn("Redis delete failed", zap.String("actor", actorURL), zap.Error(err))
	}
}

// Health checks Redis health
func (c *Redis) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Redis) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
