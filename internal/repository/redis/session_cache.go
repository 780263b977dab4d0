package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"portal-auth/internal/client"
	"portal-auth/internal/util"
)

const (
	sessionValidPrefix = "session_valid:"
)

// SessionCache mirrors token validity in Redis so the hot validate path
// avoids a Scylla read. A present key means the jti was valid when last
// checked; absence means unknown, and callers fall through to the
// durable store. Revocation deletes the key immediately.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// MarkValid caches a jti as valid until the token's natural expiry.
func (c *SessionCache) MarkValid(tokenID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ttl <= 0 {
		return nil
	}

	key := sessionValidPrefix + tokenID

	if err := c.client.Set(ctx, key, "1", ttl); err != nil {
		util.Error("Failed to cache session validity",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return fmt.Errorf("failed to cache session validity: %w", err)
	}

	util.Debug("Session validity cached",
		zap.String("token_id", tokenID),
		zap.Duration("ttl", ttl))

	return nil
}

// IsValid reports whether the jti is cached as valid. False only means
// the cache does not know; it is never an authoritative rejection.
func (c *SessionCache) IsValid(tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := sessionValidPrefix + tokenID

	exists, err := c.client.Exists(ctx, key)
	if err != nil {
		util.Error("Failed to check session cache",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return false, fmt.Errorf("failed to check session cache: %w", err)
	}

	return exists, nil
}

// Invalidate drops the validity entry for a jti. Runs before the durable
// revoke is acknowledged so the cache never outlives the truth.
func (c *SessionCache) Invalidate(tokenID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := sessionValidPrefix + tokenID

	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to invalidate session cache entry",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate session cache entry: %w", err)
	}

	util.Debug("Session cache entry invalidated", zap.String("token_id", tokenID))
	return nil
}

// InvalidateAll drops validity entries for a batch of jtis in one
// pipeline round trip.
func (c *SessionCache) InvalidateAll(tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := c.client.Pipeline()
	for _, tokenID := range tokenIDs {
		pipe.Del(ctx, sessionValidPrefix+tokenID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to invalidate session cache entries",
			zap.Int("count", len(tokenIDs)),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate session cache entries: %w", err)
	}

	util.Info("Session cache entries invalidated", zap.Int("count", len(tokenIDs)))
	return nil
}
