package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCachedResponse is the JSON-serializable form of CachedResponse
// stored in Redis, since http.Header isn't directly marshalable the way
// we want key ordering preserved.
type redisCachedResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// RedisIdempotencyStore shares idempotency state across gateway instances.
// Keys expire after ttl via Redis TTL rather than a background sweep.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyStore(addr, password string, db int, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func (s *RedisIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := s.client.Get(ctx, idempotencyRedisKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var cached redisCachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	headers := make(http.Header, len(cached.Headers))
	for k, vals := range cached.Headers {
		headers[k] = vals
	}
	return &CachedResponse{StatusCode: cached.StatusCode, Headers: headers, Body: cached.Body}, true
}

func (s *RedisIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(redisCachedResponse{StatusCode: statusCode, Headers: headers, Body: body})
	if err != nil {
		return
	}
	_ = s.client.Set(ctx, idempotencyRedisKey(key), raw, s.ttl).Err()
}

func idempotencyRedisKey(key string) string {
	return fmt.Sprintf("gavel:idempotency:%s", key)
}
