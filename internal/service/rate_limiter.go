package service

import (
	"context"
	"fmt"
	"time"

	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
	"qrorder-auth/internal/util"

	"go.uber.org/zap"
)

// Rate limit key builders. Keys are kind + scope + identifier.
func WhatsAppHourKey(phone string) string { return "whatsapp:phone:hour:" + phone }
func WhatsAppDayKey(phone string) string { return "whatsapp:phone:day:" + phone }
func FingerprintHourKey(hash string) string { return "auth:fingerprint:hour:" + hash }

// RateLimiter enforces sliding-window quotas on top of a RateLimitStore.
type RateLimiter struct {
	store repository.RateLimitStore
	clock util.Clock
}

func NewRateLimiter(store repository.RateLimitStore, clock util.Clock) *RateLimiter {
	return &RateLimiter{store: store, clock: clock}
}

// Check reports whether one more request under key would be admitted,
// without counting it.
func (r *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (models.RateLimitResult, error) {
	res, err := r.store.Peek(ctx, r.clock.Now(), models.RateLimitRule{Key: key, Limit: limit, Window: window})
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return res, nil
}

// Allow checks and counts every rule as one atomic step. When any rule is
// exhausted nothing is counted and a *RateLimitError is returned with the
// longest wait among the exhausted rules.
func (r *RateLimiter) Allow(ctx context.Context, rules ...models.RateLimitRule) error {
	now := r.clock.Now()
	results, err := r.store.Hit(ctx, now, rules...)
	if err != nil {
		return fmt.Errorf("failed to apply rate limit: %w", err)
	}

	if len(results) == 0 || results[0].Allowed {
		return nil
	}

	var limited *RateLimitError
	for i, res := range results {
		if res.Count < rules[i].Limit {
			continue
		}
		wait := max(res.ResetAt.Sub(now), 0)
		if limited == nil || wait > limited.RetryAfter {
			limited = &RateLimitError{Key: res.Key, RetryAfter: wait}
		}
	}
	if limited == nil {
		limited = &RateLimitError{Key: results[0].Key, RetryAfter: max(results[0].ResetAt.Sub(now), 0)}
	}
	util.Warn("Rate limit exceeded",
		zap.String("key", limited.Key),
		zap.Duration("retry_after", limited.RetryAfter),
	)
	return limited
}

func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.store.Reset(ctx, key); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
