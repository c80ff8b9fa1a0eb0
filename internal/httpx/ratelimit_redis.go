package httpx

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript performs the same refill-then-consume token bucket as
// the in-memory limiter, atomically in Redis so multiple gateway
// instances share one budget per IP.
//
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens/second)
// ARGV[2] = capacity (burst)
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, float)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisRateLimiter is the multi-instance-safe counterpart to RateLimiter.
type RedisRateLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

func NewRedisRateLimiter(addr, password string, db int, rps int, burst int) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rps:    float64(rps),
		burst:  burst,
	}
}

func (rl *RedisRateLimiter) allow(ctx context.Context, ip string) bool {
	key := fmt.Sprintf("gavel:ratelimit:%s", ip)
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, rl.client, []string{key}, rl.rps, rl.burst, 1, now).Result()
	if err != nil {
		// Fail open on Redis unavailability rather than taking down the
		// gateway over a rate-limiter outage.
		return true
	}
	allowed, _ := res.(int64)
	return allowed == 1
}

func (rl *RedisRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		if !rl.allow(ctx, clientIP(r)) {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}
