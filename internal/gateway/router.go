package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gavelhq/gavel/internal/httpx"
)

// RouterConfig wires the middleware stack around a Gateway's handlers.
// RateLimiter and Idempotency are interfaces so the caller can choose the
// in-memory or Redis-backed implementation based on REDIS_URL.
type RouterConfig struct {
	RateLimit   func(http.Handler) http.Handler
	Idempotency httpx.IdempotencyStore
}

// NewRouter builds the chi router for the gateway's five endpoints. Every
// request passes through otelhttp instrumentation, request-id
// propagation, rate limiting, and idempotency-key replay, in that order,
// before reaching a handler.
func (g *Gateway) NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "gavel.gateway")
	})
	r.Use(httpx.RequestIDMiddleware)
	if cfg.RateLimit != nil {
		r.Use(cfg.RateLimit)
	}
	if cfg.Idempotency != nil {
		r.Use(httpx.IdempotencyMiddleware(cfg.Idempotency))
	}

	r.Get("/health", g.HandleHealth)
	r.Post("/propose", g.HandlePropose)
	r.Post("/execute", g.HandleExecute)
	r.Post("/approve", g.HandleApprove)
	r.Post("/deny", g.HandleDeny)

	return r
}

// DefaultTimeoutSweepInterval is how often RunBackgroundSweep checks for
// escalated intents that have aged past the approval TTL.
const DefaultTimeoutSweepInterval = 30 * time.Second
