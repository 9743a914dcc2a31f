package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript runs atomically inside redis, so concurrent callers on one
// key are serialized by the server.
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if used + amount > limit then
	return {0, used}
end
used = redis.call('INCRBY', KEYS[1], amount)
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
return {1, used}
`)

// RedisUsage is a UsageStore backed by redis counters. Counters expire after
// retention so old periods do not accumulate.
type RedisUsage struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisUsage(client *redis.Client, retention time.Duration) *RedisUsage {
	return &RedisUsage{client: client, prefix: "botauth:usage:", retention: retention}
}

// key length-prefixes each component so IDs containing the separator
// cannot alias another counter.
func (r *RedisUsage) key(k UsageKey) string {
	var b strings.Builder
	b.WriteString(r.prefix)
	for i, part := range []string{k.SubjectID, k.TenantID, k.BotID, k.Period} {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte('.')
		b.WriteString(part)
	}
	return b.String()
}

func (r *RedisUsage) ConsumeUsage(ctx context.Context, key UsageKey, amount, limit int64) (bool, int64, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{r.key(key)}, amount, limit, int64(r.retention/time.Second)).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("consume usage: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("consume usage: unexpected script reply %v", res)
	}
	return res[0] == 1, res[1], nil
}

func (r *RedisUsage) GetUsage(ctx context.Context, key UsageKey) (int64, error) {
	used, err := r.client.Get(ctx, r.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return used, nil
}

// CachedRevocations fronts a RevocationStore with redis. A revoked ID is
// cached until the token would have expired anyway; a not-revoked answer is
// cached only for negativeTTL, which bounds how stale a check can be. With
// negativeTTL zero every miss goes to the backing store.
type CachedRevocations struct {
	next        RevocationStore
	client      *redis.Client
	negativeTTL time.Duration
	now         func() time.Time
}

func NewCachedRevocations(next RevocationStore, client *redis.Client, negativeTTL time.Duration) *CachedRevocations {
	return &CachedRevocations{next: next, client: client, negativeTTL: negativeTTL, now: time.Now}
}

func (c *CachedRevocations) key(tokenID string) string { return "botauth:revoked:" + tokenID }

func (c *CachedRevocations) RevokeToken(ctx context.Context, rt RevokedToken) error {
	if err := c.next.RevokeToken(ctx, rt); err != nil {
		return err
	}
	// A zero ttl keeps the key forever; a failed write leaves a stale "0"
	// for at most negativeTTL.
	var ttl time.Duration
	if !rt.ExpiresAt.IsZero() {
		ttl = rt.ExpiresAt.Sub(c.now()) + time.Minute
		if ttl < time.Minute {
			ttl = time.Minute
		}
	}
	c.client.Set(ctx, c.key(rt.TokenID), "1", ttl)
	return nil
}

func (c *CachedRevocations) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	switch v, err := c.client.Get(ctx, c.key(tokenID)).Result(); {
	case err == nil && v == "1":
		return true, nil
	case err == nil && v == "0":
		return false, nil
	}

	revoked, err := c.next.IsTokenRevoked(ctx, tokenID)
	if err != nil {
		return false, err
	}
	if revoked {
		c.client.Set(ctx, c.key(tokenID), "1", 0)
	} else if c.negativeTTL > 0 {
		// SetNX so a concurrent revoke's "1" is never overwritten.
		c.client.SetNX(ctx, c.key(tokenID), "0", c.negativeTTL)
	}
	return revoked, nil
}
