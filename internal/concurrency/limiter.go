// Package concurrency caps how many calls a scope may have in flight
// at once, coordinated through Redis so every worker sees the same
// count.
package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Limiter reserves per-scope placement slots with Redis counters. The
// counter carries a TTL so a crashed worker cannot strand a scope at
// its limit forever.
type Limiter struct {
	client       *redis.Client
	defaultLimit int
	ttl          time.Duration
}

// NewLimiter constructs a scope limiter. defaultLimit <= 0 disables
// limiting for scopes without an explicit limit.
func NewLimiter(client *redis.Client, defaultLimit int, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Limiter{client: client, defaultLimit: defaultLimit, ttl: ttl}
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Acquire attempts to reserve a slot for the scope. An empty scope or a
// non-positive effective limit always succeeds.
func (l *Limiter) Acquire(ctx context.Context, scope string, limit int) (bool, error) {
	if scope == "" {
		return true, nil
	}
	if limit <= 0 {
		limit = l.defaultLimit
	}
	if limit <= 0 {
		return true, nil
	}

	res, err := acquireScript.Run(ctx, l.client, []string{l.key(scope)}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, scope string) error {
	if scope == "" {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(scope)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

func (l *Limiter) key(scope string) string {
	return fmt.Sprintf("callorch:scope:%s:active", scope)
}
