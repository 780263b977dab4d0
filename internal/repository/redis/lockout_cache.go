package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"portal-auth/internal/client"
	"portal-auth/internal/util"
)

const (
	failedAttemptsPrefix = "failed_attempts:"
	lockoutPrefix        = "lockout:"
	resetThrottlePrefix  = "reset_requests:"
)

// LockoutCache tracks failed-credential counters and lockout deadlines
// in Redis. Increments are atomic, so concurrent failures never lose a
// count. The identity row mirrors the lockout for durability.
type LockoutCache struct {
	client *client.RedisClient
}

func NewLockoutCache(client *client.RedisClient) *LockoutCache {
	return &LockoutCache{client: client}
}

// IncrementFailures bumps the failed-attempt counter for an email and
// returns the new total. The TTL is armed on the first failure only, so
// the observation window is fixed from the first miss rather than
// sliding with each one.
func (c *LockoutCache) IncrementFailures(email string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := failedAttemptsPrefix + email

	count, err := c.client.IncrWithExpireNX(ctx, key, ttl)
	if err != nil {
		util.Error("Failed to increment failure counter",
			zap.String("email", email),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment failure counter: %w", err)
	}

	util.Debug("Failure counter incremented",
		zap.String("email", email),
		zap.Int64("count", count))

	return int(count), nil
}

func (c *LockoutCache) GetFailures(email string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := failedAttemptsPrefix + email

	countStr, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get failure counter: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		util.Error("Invalid failure counter format",
			zap.String("email", email),
			zap.String("count_str", countStr),
			zap.Error(err))
		return 0, fmt.Errorf("invalid failure counter format: %w", err)
	}

	return count, nil
}

// ClearFailures removes the counter and any lockout for the email.
// Called on successful authentication and on password reset.
func (c *LockoutCache) ClearFailures(email string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys := []string{
		failedAttemptsPrefix + email,
		lockoutPrefix + email,
	}

	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to clear failure counters",
			zap.String("email", email),
			zap.Error(err))
		return fmt.Errorf("failed to clear failure counters: %w", err)
	}

	util.Debug("Failure counters cleared", zap.String("email", email))
	return nil
}

// SetLockout marks the email locked for the given duration.
func (c *LockoutCache) SetLockout(email string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := lockoutPrefix + email

	if err := c.client.Set(ctx, key, "locked", ttl); err != nil {
		util.Error("Failed to set lockout",
			zap.String("email", email),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set lockout: %w", err)
	}

	util.Info("Lockout set",
		zap.String("email", email),
		zap.Duration("ttl", ttl))

	return nil
}

// LockoutRemaining returns whether the email is locked and how long the
// lockout has left. Zero duration means not locked.
func (c *LockoutCache) LockoutRemaining(email string) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := lockoutPrefix + email

	ttl, err := c.client.TTL(ctx, key)
	if err != nil {
		util.Error("Failed to check lockout",
			zap.String("email", email),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to check lockout: %w", err)
	}

	// TTL returns a negative duration when the key is absent or has no expiry
	if ttl <= 0 {
		return false, 0, nil
	}

	return true, ttl, nil
}

// IncrementResetRequests counts password recovery requests per email so
// the mailer cannot be used as a spam cannon.
func (c *LockoutCache) IncrementResetRequests(email string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := resetThrottlePrefix + email

	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to increment reset request counter",
			zap.String("email", email),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment reset request counter: %w", err)
	}

	return int(count), nil
}
