package middleware

import (
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"medbot/internal/telemetry"
)

// Tracing starts a server span per request, records the response status and
// logs one line per request tagged with the request ID.
func Tracing() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())
			ctx, span := otel.Tracer(telemetry.TracerName).Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.url", r.URL.Path),
					attribute.String("request.id", requestID),
				),
			)
			defer span.End()

			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next(wrapped, r.WithContext(ctx))
			elapsed := time.Since(start)

			span.SetAttributes(
				attribute.Int("http.status_code", wrapped.status),
				attribute.Int64("http.response_time_ms", elapsed.Milliseconds()),
			)
			if wrapped.status >= 400 {
				span.SetStatus(codes.Error, http.StatusText(wrapped.status))
			}
			log.Printf("[%s] %s %s - %d (%dms)", requestID, r.Method, r.URL.Path, wrapped.status, elapsed.Milliseconds())
		}
	}
}

// Recover turns a handler panic into a JSON 500 and records it on the span.
func Recover() Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					span := trace.SpanFromContext(r.Context())
					span.RecordError(fmt.Errorf("panic: %v", p))
					span.SetStatus(codes.Error, "panic recovered")
					log.Printf("[%s] PANIC: %v\n%s", GetRequestID(r.Context()), p, debug.Stack())

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"ok":false,"error":"Internal server error."}`))
				}
			}()
			next(w, r)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
