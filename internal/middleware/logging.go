// Package middleware applies cross-cutting HTTP policies: request logging,
// GraphQL request analysis, metrics, tracing, CORS and rate limiting.
package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"relgraph/internal/logging"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader is the HTTP header name for request IDs
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

// requestID returns the caller's ID when it is short printable ASCII and a
// fresh UUID otherwise, so log lines never carry attacker-shaped values.
func requestID(r *http.Request) string {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > maxRequestIDLength {
		return uuid.NewString()
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return uuid.NewString()
		}
	}
	return id
}

// LoggingMiddleware assigns each request an ID, echoes it in the response,
// puts a request-scoped logger in the context and logs one line when the
// request completes. 4xx responses log at warn and 5xx at error.
func LoggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := requestID(r)
			w.Header().Set(RequestIDHeader, id)

			reqLogger := logger.WithRequestID(id).WithFields(slog.String("component", "http"))
			ctx := logging.WithLogger(r.Context(), reqLogger)
			ctx = logging.WithRequestIDContext(ctx, id)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			}
			duration := time.Since(start)
			reqLogger.Log(ctx, level, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status", wrapped.statusCode),
				slog.Int64("bytes", wrapped.bytes),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)
		})
	}
}

// responseWriter records the status code and body size of a response.
// responseWriter records the status and size of a response. When capture is
// set, the body is copied into it as well.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	bytes       int64
	wroteHeader bool
	capture     *bytes.Buffer
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = statusCode
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	if rw.capture != nil {
		rw.capture.Write(b[:n])
	}
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
