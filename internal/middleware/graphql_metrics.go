package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"relgraph/internal/observability"
)

const unknownOperation = "unknown"

// GraphQLMetricsMiddleware records request count, duration, depth and errors
// for every GraphQL operation. A response counts as failed when its status is
// 4xx/5xx or its body carries a non-empty "errors" array.
func GraphQLMetricsMiddleware(metrics *observability.GraphQLMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isGraphiQLPage(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			metrics.IncrementActiveRequests(ctx)
			defer metrics.DecrementActiveRequests(ctx)

			start := time.Now()
			operation := unknownOperation
			if analysis := analysisFor(r); analysis.Err() == nil && analysis.OperationType != "" {
				operation = analysis.OperationType
				metrics.RecordQueryDepth(ctx, int64(analysis.SelectionDepth), operation)
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK, capture: &bytes.Buffer{}}
			next.ServeHTTP(rw, r)

			failed := rw.statusCode >= http.StatusBadRequest || hasGraphQLErrors(rw.capture.Bytes())
			metrics.RecordRequest(ctx, time.Since(start), failed, operation)
		})
	}
}

// isGraphiQLPage reports a browser GET for the GraphiQL UI.
func isGraphiQLPage(r *http.Request) bool {
	return r.Method == http.MethodGet && r.URL.Query().Get("query") == ""
}

func hasGraphQLErrors(body []byte) bool {
	var payload struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return false
	}
	return len(payload.Errors) > 0
}
