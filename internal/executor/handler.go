package executor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"relgraph/internal/gqlrequest"
	"relgraph/internal/loader"
	"relgraph/internal/logging"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
)

// ServeHTTP serves the GraphQL endpoint.
//
// A request that cannot be decoded, parsed or validated, that exceeds the
// depth limit, or whose variables fail to coerce is answered with 400. Once
// the operation has started the answer is 200, even when a failed root fetch
// leaves no data and only the errors explain why.
func (e *Executor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	analysis := gqlrequest.AnalysisFromContext(r.Context())
	if analysis == nil {
		analysis = gqlrequest.AnalyzeRequestLimit(r, e.cfg.MaxBodyBytes)
	}

	if errors.Is(analysis.DecodeError, gqlrequest.ErrMethodNotAllowed) {
		w.Header().Set("Allow", "GET, POST")
		writeErrors(w, http.StatusMethodNotAllowed, analysis.DecodeError)
		return
	}
	if e.wantsGraphiQL(r) {
		e.serveGraphiQL(w, r, analysis)
		return
	}
	if err := analysis.Err(); err != nil {
		writeErrors(w, http.StatusBadRequest, err)
		return
	}
	if err := analysis.CheckDepth(e.cfg.MaxDepth); err != nil {
		writeErrors(w, http.StatusBadRequest, err)
		return
	}

	result, ran := e.execute(r.Context(), Request{
		Query:         analysis.Envelope.Query,
		OperationName: analysis.Envelope.OperationName,
		Variables:     analysis.Envelope.Variables,
	})

	status := http.StatusOK
	if !ran {
		status = http.StatusBadRequest
	}
	if result.HasErrors() {
		logging.FromContext(r.Context()).Debug("graphql request returned errors",
			slog.String("operation", analysis.OperationName),
			slog.String("operation_hash", analysis.OperationHash),
			slog.Int("errors", len(result.Errors)),
			slog.Int("status", status),
		)
	}
	writeJSON(w, status, result)
}

// serveGraphiQL renders the GraphiQL page. The page runs a query passed in
// the URL before rendering, so that query gets the same depth limit and
// timeout as any other request.
func (e *Executor) serveGraphiQL(w http.ResponseWriter, r *http.Request, analysis *gqlrequest.Analysis) {
	if strings.TrimSpace(analysis.Envelope.Query) != "" {
		err := analysis.Err()
		if err == nil {
			err = analysis.CheckDepth(e.cfg.MaxDepth)
		}
		if err != nil {
			writeErrors(w, http.StatusBadRequest, err)
			return
		}
	}

	ctx, cancel := e.withTimeout(r.Context())
	defer cancel()

	cache := e.newCache()
	defer closeCache(ctx, cache)
	e.graphiql.ContextHandler(loader.WithCache(ctx, cache), w, r)
}

func (e *Executor) wantsGraphiQL(r *http.Request) bool {
	if e.graphiql == nil || r.Method != http.MethodGet {
		return false
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}

func writeErrors(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, &graphql.Result{
		Errors: []gqlerrors.FormattedError{gqlerrors.FormatError(err)},
	})
}

func writeJSON(w http.ResponseWriter, status int, result *graphql.Result) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}
