package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter tuning parameters.
type Config struct {
	Prefix              string
	MaxActionsPerWindow int
	ActionWindow        time.Duration
	MaxNotifications    int
	NotificationWindow  time.Duration
}

// Limiter enforces per-IP budgets for dispatcher actions and notification
// posts using Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "tds:rl"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// AllowAction counts one dispatcher call of action from ip. A zero budget
// disables the check.
func (l *Limiter) AllowAction(ctx context.Context, action, ip string) error {
	if l.config.MaxActionsPerWindow <= 0 || ip == "" {
		return nil
	}
	return l.allow(ctx, l.actionKey(action, ip), l.config.MaxActionsPerWindow, l.config.ActionWindow)
}

// AllowNotification counts one notification post from ip.
func (l *Limiter) AllowNotification(ctx context.Context, ip string) error {
	if l.config.MaxNotifications <= 0 || ip == "" {
		return nil
	}
	return l.allow(ctx, l.notificationKey(ip), l.config.MaxNotifications, l.config.NotificationWindow)
}

// ActionCount returns the current window counter for action and ip.
func (l *Limiter) ActionCount(ctx context.Context, action, ip string) (int, error) {
	count, err := l.redis.Get(ctx, l.actionKey(action, ip)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) allow(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.incrementWithTTL(ctx, key, window)
	if err != nil {
		return err
	}
	if count > int64(limit) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func (l *Limiter) actionKey(action, ip string) string {
	return l.config.Prefix + ":a:" + action + ":" + ip
}

func (l *Limiter) notificationKey(ip string) string {
	return l.config.Prefix + ":n:" + ip
}
