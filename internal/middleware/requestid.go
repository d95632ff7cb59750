package middleware

import (
	"context"
	"net/http"

	"github.com/segmentio/ksuid"
)

// RequestIDHeader is the response header carrying the request ID.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestID assigns each request a time-ordered KSUID, stores it in the
// request context and echoes it in the X-Request-Id response header.
func RequestID() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			id := ksuid.New().String()
			w.Header().Set(RequestIDHeader, id)
			next(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		}
	}
}

// GetRequestID returns the request ID stored by RequestID, or "-" when absent.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return "-"
}
