package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"qrorder-auth/internal/client"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// slidingWindowScript evaluates every window in KEYS and records one event in
// all of them only if each has room. ARGV: now, member, record flag, then a
// limit/window pair per key. Returns {allowed, {{count, oldest}, ...}}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local record = ARGV[3] == '1'
local allowed = 1
local out = {}

for i = 1, #KEYS do
	local limit = tonumber(ARGV[2 + 2 * i])
	local window = tonumber(ARGV[3 + 2 * i])
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - window)
	local count = redis.call('ZCARD', KEYS[i])
	local oldest = now
	local first = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
	if first[2] then
		oldest = tonumber(first[2])
	end
	if count >= limit then
		allowed = 0
	end
	out[i] = {count, oldest}
end

if allowed == 1 and record then
	for i = 1, #KEYS do
		redis.call('ZADD', KEYS[i], now, member)
		redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[3 + 2 * i]))
		out[i][1] = out[i][1] + 1
	end
end

return {allowed, out}
`)

type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) Hit(ctx context.Context, now time.Time, rules ...models.RateLimitRule) ([]models.RateLimitResult, error) {
	return c.run(ctx, now, true, rules)
}

func (c *RateLimitCache) Peek(ctx context.Context, now time.Time, rule models.RateLimitRule) (models.RateLimitResult, error) {
	res, err := c.run(ctx, now, false, []models.RateLimitRule{rule})
	if err != nil {
		return models.RateLimitResult{}, err
	}
	return res[0], nil
}

func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, c.client.Key(rateLimitPrefix+key)); err != nil {
		util.Error("Failed to reset rate limit",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

func (c *RateLimitCache) run(ctx context.Context, now time.Time, record bool, rules []models.RateLimitRule) ([]models.RateLimitResult, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keys := make([]string, len(rules))
	args := []interface{}{now.UnixMilli(), uuid.NewString(), "0"}
	if record {
		args[2] = "1"
	}
	for i, rule := range rules {
		keys[i] = c.client.Key(rateLimitPrefix + rule.Key)
		args = append(args, rule.Limit, rule.Window.Milliseconds())
	}

	res, err := c.client.RunScript(ctx, slidingWindowScript, keys, args...)
	if err != nil {
		util.Error("Failed to evaluate rate limit",
			zap.String("key", rules[0].Key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	allowed, _ := reply[0].(int64)
	windows, _ := reply[1].([]interface{})
	if len(windows) != len(rules) {
		return nil, fmt.Errorf("unexpected rate limit window count: %d", len(windows))
	}

	results := make([]models.RateLimitResult, len(rules))
	for i, rule := range rules {
		pair, _ := windows[i].([]interface{})
		var count, oldest int64
		if len(pair) == 2 {
			count, _ = pair[0].(int64)
			oldest, _ = pair[1].(int64)
		}
		windowStart := now.Add(-rule.Window)
		resetAt := now.Add(rule.Window)
		if count > 0 {
			resetAt = time.UnixMilli(oldest).UTC().Add(rule.Window)
		}
		results[i] = models.RateLimitResult{
			Key:         rule.Key,
			Count:       int(count),
			Remaining:   max(rule.Limit-int(count), 0),
			WindowStart: windowStart,
			ResetAt:     resetAt,
		}
		if record {
			results[i].Allowed = allowed == 1
		} else {
			results[i].Allowed = int(count) < rule.Limit
		}
	}
	return results, nil
}
