package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"qrorder-auth/internal/client"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
	"qrorder-auth/internal/util"
)

const (
	authTokenPrefix = "auth_token:"
	// tokenRetention keeps used/expired tokens around so replays are
	// reported precisely instead of as unknown.
	tokenRetention = time.Hour
)

// markUsedScript returns -1 for a missing token, 0 when it was already used
// and 1 when this call flipped it.
var markUsedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'used', '1', 'used_at', ARGV[1])
return 1
`)

var incrementAttemptsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

type TokenCache struct {
	client *client.RedisClient
}

func NewTokenCache(client *client.RedisClient) *TokenCache {
	return &TokenCache{client: client}
}

func (c *TokenCache) key(lookupKey string) string {
	return c.client.Key(authTokenPrefix + lookupKey)
}

func (c *TokenCache) Save(ctx context.Context, token *models.AuthToken) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := c.key(token.LookupKey)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "data", data, "used", "0", "attempts", 0)
	pipe.Expire(ctx, key, token.ExpiresAt.Sub(token.IssuedAt)+tokenRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to save auth token",
			zap.String("kind", string(token.Kind)),
			zap.String("phone", util.MaskPhone(token.Phone)),
			zap.Error(err))
		return fmt.Errorf("failed to save auth token: %w", err)
	}

	util.Debug("Auth token saved",
		zap.String("kind", string(token.Kind)),
		zap.Time("expires_at", token.ExpiresAt))
	return nil
}

func (c *TokenCache) Get(ctx context.Context, lookupKey string) (*models.AuthToken, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, c.key(lookupKey))
	if err != nil {
		util.Error("Failed to get auth token", zap.Error(err))
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	if len(fields) == 0 || fields["data"] == "" {
		return nil, repository.ErrNotFound
	}

	var token models.AuthToken
	if err := json.Unmarshal([]byte(fields["data"]), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal auth token: %w", err)
	}
	token.Used = fields["used"] == "1"
	if ts := parseMillis(fields["used_at"]); !ts.IsZero() {
		token.UsedAt = &ts
	}
	token.Attempts, _ = strconv.Atoi(fields["attempts"])
	return &token, nil
}

func (c *TokenCache) MarkUsed(ctx context.Context, lookupKey string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := c.client.RunScript(ctx, markUsedScript, []string{c.key(lookupKey)}, now.UnixMilli())
	if err != nil {
		util.Error("Failed to mark auth token used", zap.Error(err))
		return false, fmt.Errorf("failed to mark auth token used: %w", err)
	}
	switch n, _ := res.(int64); n {
	case -1:
		return false, repository.ErrNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (c *TokenCache) IncrementAttempts(ctx context.Context, lookupKey string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := c.client.RunScript(ctx, incrementAttemptsScript, []string{c.key(lookupKey)})
	if err != nil {
		util.Error("Failed to increment token attempts", zap.Error(err))
		return 0, fmt.Errorf("failed to increment token attempts: %w", err)
	}
	n, _ := res.(int64)
	if n < 0 {
		return 0, repository.ErrNotFound
	}
	return int(n), nil
}

func (c *TokenCache) Delete(ctx context.Context, lookupKey string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, c.key(lookupKey)); err != nil {
		util.Error("Failed to delete auth token", zap.Error(err))
		return fmt.Errorf("failed to delete auth token: %w", err)
	}
	return nil
}
