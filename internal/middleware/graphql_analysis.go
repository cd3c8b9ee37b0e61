package middleware

import (
	"net/http"

	"relgraph/internal/gqlrequest"
	"relgraph/internal/logging"
	"relgraph/internal/observability"
)

// GraphQLRequestAnalysisMiddleware decodes and analyzes the GraphQL request once
// and stores the result in the request context for downstream middleware and
// the executor. The request logger gains the operation fields.
func GraphQLRequestAnalysisMiddleware(maxBodyBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			analysis := gqlrequest.AnalyzeRequestLimit(r, maxBodyBytes)
			ctx := gqlrequest.WithAnalysis(r.Context(), analysis)

			if logFields := observability.GraphQLLogFields(ctx, analysis); len(logFields) > 0 {
				ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithFields(logFields...))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func analysisFor(r *http.Request) *gqlrequest.Analysis {
	if analysis := gqlrequest.AnalysisFromContext(r.Context()); analysis != nil {
		return analysis
	}
	return gqlrequest.AnalyzeRequest(r)
}
