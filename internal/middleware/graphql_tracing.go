package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"relgraph/internal/logging"
	"relgraph/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// GraphQLTracingMiddleware instruments GraphQL execution with an inner span.
func GraphQLTracingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			analysis := analysisFor(r)
			if strings.TrimSpace(analysis.Envelope.Query) == "" {
				next.ServeHTTP(w, r)
				return
			}

			tracer := otel.Tracer("relgraph/graphql")
			ctx, span := tracer.Start(r.Context(), "graphql.execute")
			defer span.End()
			if spanCtx := span.SpanContext(); spanCtx.IsValid() {
				reqLogger := logging.FromContext(ctx).WithFields(
					slog.String("trace_id", spanCtx.TraceID().String()),
					slog.String("span_id", spanCtx.SpanID().String()),
				)
				ctx = logging.WithLogger(ctx, reqLogger)
			}
			if span.IsRecording() {
				span.SetAttributes(observability.GraphQLSpanAttributes(analysis)...)
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", wrapped.statusCode))
			if wrapped.statusCode >= 400 {
				span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
			}
		})
	}
}
