// Package cache keeps Redis snapshots of follow lists.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/domain"
)

// Invalidator defines a cache invalidation contract.
type Invalidator interface {
	Invalidate(ctx context.Context, viewerID string) error
}

// NoopInvalidator is a no-op implementation.
type NoopInvalidator struct{}

// Invalidate performs no action.
func (NoopInvalidator) Invalidate(context.Context, string) error { return nil }

// Source lists followed profiles from the row store.
type Source interface {
	ListFollowing(ctx context.Context, viewerID string) ([]domain.Profile, error)
}

// Option configures optional behaviour for the FollowingCache.
type Option func(*FollowingCache)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *FollowingCache) {
		c.logger = logger
	}
}

// FollowingCache serves follow lists from Redis and falls back to the source
// on a miss. Redis failures degrade to source reads.
type FollowingCache struct {
	source Source
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewFollowingCache constructs a FollowingCache.
func NewFollowingCache(source Source, client *redis.Client, ttl time.Duration, opts ...Option) *FollowingCache {
	c := &FollowingCache{source: source, client: client, ttl: ttl, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func followingKey(viewerID string) string {
	return fmt.Sprintf("following:%s", viewerID)
}

// ListFollowing returns the profiles viewerID follows in follow order.
func (c *FollowingCache) ListFollowing(ctx context.Context, viewerID string) ([]domain.Profile, error) {
	key := followingKey(viewerID)
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var out []domain.Profile
		if uErr := json.Unmarshal(data, &out); uErr == nil {
			recordLookup("hit")
			return out, nil
		}
		c.logger.Warn("discard corrupt following snapshot", zap.String("viewer", viewerID))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("read following snapshot", zap.String("viewer", viewerID), zap.Error(err))
	}
	recordLookup("miss")

	profiles, err := c.source.ListFollowing(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	for i := range profiles {
		profiles[i].HasStory = false
	}
	if payload, mErr := json.Marshal(profiles); mErr == nil {
		if sErr := c.client.Set(ctx, key, payload, c.ttl).Err(); sErr != nil {
			c.logger.Warn("write following snapshot", zap.String("viewer", viewerID), zap.Error(sErr))
		}
	}
	return profiles, nil
}

// Invalidate drops the cached follow list of viewerID.
func (c *FollowingCache) Invalidate(ctx context.Context, viewerID string) error {
	if err := c.client.Del(ctx, followingKey(viewerID)).Err(); err != nil {
		return fmt.Errorf("invalidate following of %s: %w", viewerID, err)
	}
	recordLookup("invalidate")
	return nil
}
