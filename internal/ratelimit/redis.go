package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobqueue/internal/clock"
)

// DefaultKeyPrefix namespaces bucket keys in Redis
const DefaultKeyPrefix = "jobqueue:ratelimit:"

// tokenBucket refills and takes one token atomically.
// KEYS[1] bucket key; ARGV rate (tokens/s), burst, now (ms).
var tokenBucket = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))

local ttl = 60000
if rate > 0 then
  ttl = math.ceil(burst / rate * 1000) + 1000
end
redis.call('PEXPIRE', KEYS[1], ttl)

return allowed
`)

// Redis keeps token buckets in Redis so every process shares one budget per
// resource. Any Redis error denies the acquisition; the job is deferred, not lost.
type Redis struct {
	client redis.Scripter
	clock  clock.Clock
	prefix string
	logger *slog.Logger

	mu     sync.RWMutex
	limits map[string]Limit
}

// NewRedis builds a shared limiter over client
func NewRedis(client redis.Scripter, c clock.Clock, limits map[string]Limit, logger *slog.Logger) *Redis {
	r := &Redis{
		client: client,
		clock:  c,
		prefix: DefaultKeyPrefix,
		logger: logger.With(slog.String("component", "redis_ratelimit")),
		limits: make(map[string]Limit, len(limits)),
	}
	for resource, lim := range limits {
		r.limits[resource] = lim
	}
	return r
}

// WithPrefix overrides the key prefix
func (r *Redis) WithPrefix(prefix string) *Redis {
	r.prefix = prefix
	return r
}

// Set installs or replaces the limit for resource
func (r *Redis) Set(resource string, lim Limit) {
	r.mu.Lock()
	r.limits[resource] = lim
	r.mu.Unlock()
}

func (r *Redis) TryAcquire(ctx context.Context, resource string) bool {
	if resource == "" {
		return true
	}

	r.mu.RLock()
	lim, ok := r.limits[resource]
	r.mu.RUnlock()
	if !ok {
		return true
	}

	now := r.clock.Now().UnixNano() / int64(time.Millisecond)
	allowed, err := tokenBucket.Run(ctx, r.client, []string{r.prefix + resource}, lim.Rate, lim.Burst, now).Int()
	if err != nil {
		r.logger.Warn("Rate limiter unavailable, deferring job",
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
		return false
	}
	return allowed == 1
}
