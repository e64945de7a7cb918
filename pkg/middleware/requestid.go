package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/observability"
)

// RequestIDHeader carries the request id on responses and inbound requests.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware assigns each request an id, reusing the inbound
// header when present, and exposes it to handlers through the context.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			w.Header().Set(RequestIDHeader, requestID)
			ctx := observability.WithRequestID(r.Context(), requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
