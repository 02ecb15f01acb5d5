package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-notify/internal/models"
)

// EmailResolver resolves a user id to a delivery address.
type EmailResolver interface {
	EmailFor(ctx context.Context, userID string) (string, error)
}

// UserStore is what the cache wraps: lookups plus contact writes.
type UserStore interface {
	EmailResolver
	UpsertUser(ctx context.Context, user models.User) error
}

// cacheClient is the subset of *redis.Client the cache needs.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedUserDirectory puts a Redis read-through cache in front of another
// store. Redis failures fall back to the wrapped store. Contact writes go
// through it so the cached address is dropped when a user changes.
type CachedUserDirectory struct {
	next   UserStore
	client cacheClient
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedUserDirectory(next UserStore, client cacheClient, ttl time.Duration, logger zerolog.Logger) *CachedUserDirectory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedUserDirectory{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "user_cache").Logger(),
	}
}

func cacheKey(userID string) string {
	return "notify:user:email:" + userID
}

func (c *CachedUserDirectory) EmailFor(ctx context.Context, userID string) (string, error) {
	key := cacheKey(userID)

	email, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil && email != "":
		return email, nil
	case err != nil && !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("user cache read failed")
	}

	email, err = c.next.EmailFor(ctx, userID)
	if err != nil {
		return "", err
	}

	if err := c.client.Set(ctx, key, email, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("user cache write failed")
	}
	return email, nil
}

func (c *CachedUserDirectory) UpsertUser(ctx context.Context, user models.User) error {
	if err := c.next.UpsertUser(ctx, user); err != nil {
		return err
	}
	if err := c.client.Del(ctx, cacheKey(user.ID)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("user_id", user.ID).Msg("user cache invalidation failed")
	}
	return nil
}
