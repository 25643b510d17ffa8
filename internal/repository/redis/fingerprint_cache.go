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
	fingerprintPrefix = "fingerprint:"
	fingerprintTTL    = 30 * 24 * time.Hour
)

// Hash fields. Counters live outside the JSON blob so they can be
// incremented in place.
const (
	fpFieldDevice     = "device"
	fpFieldConfidence = "confidence"
	fpFieldUsage      = "usage"
	fpFieldSuspicious = "suspicious"
	fpFieldBlocked    = "blocked"
	fpFieldFirstSeen  = "first_seen"
	fpFieldLastSeen   = "last_seen"
)

var incrementSuspiciousScript = redis.NewScript(`
local count = redis.call('HINCRBY', KEYS[1], 'suspicious', 1)
redis.call('HSETNX', KEYS[1], 'first_seen', ARGV[2])
redis.call('HSET', KEYS[1], 'last_seen', ARGV[2])
local threshold = tonumber(ARGV[1])
if threshold > 0 and count >= threshold then
	redis.call('HSET', KEYS[1], 'blocked', '1')
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {count, tonumber(redis.call('HGET', KEYS[1], 'blocked') or '0')}
`)

type FingerprintCache struct {
	client *client.RedisClient
}

func NewFingerprintCache(client *client.RedisClient) *FingerprintCache {
	return &FingerprintCache{client: client}
}

func (c *FingerprintCache) key(hash string) string {
	return c.client.Key(fingerprintPrefix + hash)
}

func (c *FingerprintCache) Get(ctx context.Context, hash string) (*models.StoredFingerprint, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, c.key(hash))
	if err != nil {
		util.Error("Failed to get fingerprint",
			zap.String("fingerprint", hash),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}

	fp := &models.StoredFingerprint{Hash: hash}
	if raw := fields[fpFieldDevice]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &fp.DeviceInfo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device info: %w", err)
		}
	}
	fp.Confidence, _ = strconv.ParseFloat(fields[fpFieldConfidence], 64)
	fp.UsageCount, _ = strconv.ParseInt(fields[fpFieldUsage], 10, 64)
	fp.SuspiciousActivity, _ = strconv.Atoi(fields[fpFieldSuspicious])
	fp.IsBlocked = fields[fpFieldBlocked] == "1"
	fp.FirstSeen = parseMillis(fields[fpFieldFirstSeen])
	fp.LastSeen = parseMillis(fields[fpFieldLastSeen])
	return fp, nil
}

func (c *FingerprintCache) Upsert(ctx context.Context, fp *models.StoredFingerprint) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	device, err := json.Marshal(fp.DeviceInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal device info: %w", err)
	}

	key := c.key(fp.Hash)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key,
		fpFieldDevice, device,
		fpFieldConfidence, strconv.FormatFloat(fp.Confidence, 'f', -1, 64),
		fpFieldLastSeen, fp.LastSeen.UnixMilli(),
	)
	pipe.HSetNX(ctx, key, fpFieldFirstSeen, fp.FirstSeen.UnixMilli())
	pipe.Expire(ctx, key, fingerprintTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to upsert fingerprint",
			zap.String("fingerprint", fp.Hash),
			zap.Error(err))
		return fmt.Errorf("failed to upsert fingerprint: %w", err)
	}
	return nil
}

func (c *FingerprintCache) IncrementUsage(ctx context.Context, hash string, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := c.key(hash)
	pipe := c.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, fpFieldUsage, 1)
	pipe.HSetNX(ctx, key, fpFieldFirstSeen, now.UnixMilli())
	pipe.HSet(ctx, key, fpFieldLastSeen, now.UnixMilli())
	pipe.Expire(ctx, key, fingerprintTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to increment fingerprint usage",
			zap.String("fingerprint", hash),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment fingerprint usage: %w", err)
	}
	return incr.Val(), nil
}

func (c *FingerprintCache) IncrementSuspicious(ctx context.Context, hash string, threshold int, now time.Time) (int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := c.client.RunScript(ctx, incrementSuspiciousScript, []string{c.key(hash)},
		threshold, now.UnixMilli(), fingerprintTTL.Milliseconds())
	if err != nil {
		util.Error("Failed to increment suspicious activity",
			zap.String("fingerprint", hash),
			zap.Error(err))
		return 0, false, fmt.Errorf("failed to increment suspicious activity: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, false, fmt.Errorf("unexpected suspicious activity reply: %v", res)
	}
	count, _ := reply[0].(int64)
	blocked, _ := reply[1].(int64)

	util.Debug("Suspicious activity recorded",
		zap.String("fingerprint", hash),
		zap.Int64("count", count),
		zap.Bool("blocked", blocked == 1))
	return int(count), blocked == 1, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
