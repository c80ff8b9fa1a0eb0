package httpx

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// NewRequestID generates a new request identifier.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// RequestIDMiddleware stamps every response with X-Request-ID (reusing an
// inbound one if the caller already set it) and makes it retrievable from
// the request context for logging and RFC 7807 trace_id fields.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id stamped by
// RequestIDMiddleware, or "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WriteJSON writes v as a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes r's body into dst, rejecting unknown fields so typos in
// a caller's payload surface as 400s instead of silently being ignored.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
