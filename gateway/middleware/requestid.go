package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// requestIDContextKey is the context key the gateway stores the per-request
// trace id under, independent of the OTel span id so logs remain
// correlatable even when tracing is disabled.
type requestIDContextKey struct{}

const requestIDHeader = "X-Request-Id"

// RequestID stamps every request with a UUIDv4 correlation id, reusing one
// supplied by an upstream proxy instead of minting a fresh one when present.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)
			ctx := context.WithValue(r.Context(), requestIDContextKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext returns the correlation id stamped by RequestID, or
// "" if the middleware was not applied to this request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}
