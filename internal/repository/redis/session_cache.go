package redis

import (
	"context"
	"encoding/json"
	"errors"
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
	sessionDataPrefix        = "session:"
	sessionTuplePrefix       = "session_tuple:"
	fingerprintSessionPrefix = "fingerprint_sessions:"
	tableSessionPrefix       = "table_sessions:"
	sessionExpiryIndex       = "session_expiry"
)

// createOrAttachScript returns {1, json} when a live session already holds
// the tuple, {2, scope, count} when a limit rejects creation and {0, json}
// after storing the candidate. Index scores are expiry times in ms.
var createOrAttachScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local existing = redis.call('GET', KEYS[1])
if existing then
	local score = redis.call('ZSCORE', KEYS[5], existing)
	local data = redis.call('GET', ARGV[7] .. existing)
	if data and score and tonumber(score) > now then
		return {1, data}
	end
end

redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now)
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', now)

local maxTable = tonumber(ARGV[5])
local maxFingerprint = tonumber(ARGV[6])
local perFingerprint = redis.call('ZCARD', KEYS[2])
if maxFingerprint > 0 and perFingerprint >= maxFingerprint then
	return {2, 'fingerprint', perFingerprint}
end
local perTable = redis.call('ZCARD', KEYS[3])
if maxTable > 0 and perTable >= maxTable then
	return {2, 'table', perTable}
end

local expires = tonumber(ARGV[4])
local ttl = expires - now
redis.call('SET', KEYS[4], ARGV[3], 'PX', ttl)
redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
redis.call('ZADD', KEYS[2], expires, ARGV[2])
redis.call('ZADD', KEYS[3], expires, ARGV[2])
redis.call('ZADD', KEYS[5], expires, ARGV[2])
return {0, ARGV[3]}
`)

// updateSessionScript returns 0 when the session is gone and -1 when the
// stored version differs from ARGV[5].
var updateSessionScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
if tonumber(cjson.decode(current).version or 0) ~= tonumber(ARGV[5]) then
	return -1
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
if redis.call('GET', KEYS[2]) == ARGV[3] then
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[3])
redis.call('ZADD', KEYS[5], ARGV[4], ARGV[3])
return 1
`)

var deleteSessionScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
if redis.call('GET', KEYS[2]) == ARGV[1] then
	redis.call('DEL', KEYS[2])
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return redis.call('ZREM', KEYS[5], ARGV[1])
`)

// SessionCache stores sessions as JSON strings with PX expiry, plus sorted-set
// indexes per fingerprint and per table scored by expiry.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) sessionKeys(s *models.ContextualSession) []string {
	return []string{
		c.client.Key(sessionTuplePrefix + s.TupleKey()),
		c.client.Key(fingerprintSessionPrefix + s.Fingerprint),
		c.client.Key(tableSessionPrefix + s.TableKey()),
		c.client.Key(sessionDataPrefix + s.ID),
		c.client.Key(sessionExpiryIndex),
	}
}

func (c *SessionCache) CreateOrAttach(ctx context.Context, candidate *models.ContextualSession, limits repository.SessionLimits, now time.Time) (*models.ContextualSession, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(candidate)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal session: %w", err)
	}

	res, err := c.client.RunScript(ctx, createOrAttachScript, c.sessionKeys(candidate),
		now.UnixMilli(),
		candidate.ID,
		data,
		candidate.ExpiresAt.UnixMilli(),
		limits.MaxPerTable,
		limits.MaxPerFingerprint,
		c.client.Key(sessionDataPrefix),
	)
	if err != nil {
		util.Error("Failed to create session",
			zap.String("session_id", candidate.ID),
			zap.String("store_id", candidate.StoreID),
			zap.Error(err))
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		return nil, false, fmt.Errorf("unexpected create session reply: %v", res)
	}

	switch reply[0].(int64) {
	case 2:
		scope, _ := reply[1].(string)
		count := 0
		if len(reply) > 2 {
			n, _ := reply[2].(int64)
			count = int(n)
		}
		maxAllowed := limits.MaxPerTable
		if scope == "fingerprint" {
			maxAllowed = limits.MaxPerFingerprint
		}
		util.Debug("Session limit reached",
			zap.String("scope", scope),
			zap.Int("count", count))
		return nil, false, &repository.LimitError{Scope: scope, Count: count, Max: maxAllowed}
	case 1:
		sess, err := decodeSession(reply[1])
		if err != nil {
			return nil, false, err
		}
		util.Debug("Session reattached", zap.String("session_id", sess.ID))
		return sess, true, nil
	default:
		sess, err := decodeSession(reply[1])
		if err != nil {
			return nil, false, err
		}
		util.Debug("Session created",
			zap.String("session_id", sess.ID),
			zap.Time("expires_at", sess.ExpiresAt))
		return sess, false, nil
	}
}

func (c *SessionCache) Get(ctx context.Context, id string) (*models.ContextualSession, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, c.client.Key(sessionDataPrefix+id))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get session",
			zap.String("session_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(val)
}

func (c *SessionCache) Update(ctx context.Context, session *models.ContextualSession) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	next := *session
	next.Version++
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ttl := session.ExpiresAt.Sub(session.LastActivity)
	if ttl < time.Second {
		ttl = time.Second
	}

	keys := c.sessionKeys(session)
	res, err := c.client.RunScript(ctx, updateSessionScript,
		[]string{keys[3], keys[0], keys[1], keys[2], keys[4]},
		data,
		ttl.Milliseconds(),
		session.ID,
		session.ExpiresAt.UnixMilli(),
		session.Version,
	)
	if err != nil {
		util.Error("Failed to update session",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return fmt.Errorf("failed to update session: %w", err)
	}
	switch n, _ := res.(int64); n {
	case 0:
		return repository.ErrNotFound
	case -1:
		return repository.ErrConflict
	}
	session.Version = next.Version

	util.Debug("Session updated",
		zap.String("session_id", session.ID),
		zap.Time("expires_at", session.ExpiresAt))
	return nil
}

func (c *SessionCache) Delete(ctx context.Context, id string) error {
	sess, err := c.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return c.removeFromIndex(ctx, id)
	}
	if err != nil {
		return err
	}
	_, err = c.delete(ctx, sess)
	return err
}

func (c *SessionCache) delete(ctx context.Context, sess *models.ContextualSession) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keys := c.sessionKeys(sess)
	res, err := c.client.RunScript(ctx, deleteSessionScript,
		[]string{keys[3], keys[0], keys[1], keys[2], keys[4]},
		sess.ID,
	)
	if err != nil {
		util.Error("Failed to delete session",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, _ := res.(int64)
	return n > 0, nil
}

func (c *SessionCache) removeFromIndex(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Client.ZRem(ctx, c.client.Key(sessionExpiryIndex), id).Err(); err != nil {
		return fmt.Errorf("failed to remove session index entry: %w", err)
	}
	return nil
}

// DeleteExpired walks the expiry index up to now. Sessions Redis has already
// evicted only leave index entries behind; those are removed and counted too.
func (c *SessionCache) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ids, err := c.client.ZRangeByScore(ctx, c.client.Key(sessionExpiryIndex), strconv.FormatInt(now.UnixMilli(), 10))
	if err != nil {
		util.Error("Failed to list expired sessions", zap.Error(err))
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	removed := 0
	for _, id := range ids {
		sess, err := c.Get(ctx, id)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			if err := c.removeFromIndex(ctx, id); err != nil {
				return removed, err
			}
			removed++
		case err != nil:
			return removed, err
		default:
			ok, err := c.delete(ctx, sess)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
			}
		}
	}

	if removed > 0 {
		util.Debug("Expired sessions removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (c *SessionCache) ListByFingerprint(ctx context.Context, hash string) ([]*models.ContextualSession, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ids, err := c.client.ZRange(ctx, c.client.Key(fingerprintSessionPrefix+hash))
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprint sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.client.Key(sessionDataPrefix + id)
	}
	vals, err := c.client.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprint sessions: %w", err)
	}

	out := make([]*models.ContextualSession, 0, len(vals))
	for _, v := range vals {
		if v == nil {
			continue
		}
		sess, err := decodeSession(v)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func decodeSession(v interface{}) (*models.ContextualSession, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected session payload type %T", v)
	}
	var sess models.ContextualSession
	if err := json.Unmarshal([]byte(s), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}
