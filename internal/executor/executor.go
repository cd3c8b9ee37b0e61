// Package executor runs GraphQL requests against the generated schema. Each
// request gets its own loader cache so relationship fetches batch within the
// request and never leak across requests.
package executor

import (
	"context"
	"log/slog"
	"time"

	"relgraph/internal/loader"
	"relgraph/internal/logging"
	"relgraph/internal/storage"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
	ghandler "github.com/graphql-go/handler"
)

// Config controls request execution.
type Config struct {
	Store storage.Store

	// MaxConcurrentFlushes bounds parallel store calls per flush.
	MaxConcurrentFlushes int
	// Recorder receives loader flush records (metrics).
	Recorder loader.Recorder

	// Timeout bounds a single request. Zero disables it.
	Timeout time.Duration
	// MaxDepth rejects documents nested deeper than this. Zero disables it.
	MaxDepth int
	// MaxBodyBytes caps POST bodies. Zero uses gqlrequest.DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// GraphiQL serves the GraphiQL page to browsers on GET.
	GraphiQL bool
}

// Request is a decoded GraphQL request.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]interface{}
}

// Executor executes requests with a fresh loader cache per request.
type Executor struct {
	schema   graphql.Schema
	cfg      Config
	graphiql *ghandler.Handler
}

// New creates an executor for schema.
func New(schema graphql.Schema, cfg Config) *Executor {
	e := &Executor{schema: schema, cfg: cfg}
	if cfg.GraphiQL {
		e.graphiql = ghandler.New(&ghandler.Config{
			Schema:   &e.schema,
			Pretty:   true,
			GraphiQL: true,
		})
	}
	return e
}

// Schema returns the executable schema.
func (e *Executor) Schema() graphql.Schema {
	return e.schema
}

func (e *Executor) newCache() *loader.Cache {
	opts := []loader.Option{loader.WithMaxConcurrentFlushes(e.cfg.MaxConcurrentFlushes)}
	if e.cfg.Recorder != nil {
		opts = append(opts, loader.WithRecorder(e.cfg.Recorder))
	}
	return loader.NewCache(e.cfg.Store, opts...)
}

// Execute runs req. The loader cache is closed before Execute returns, so
// nothing from this request can be served to another.
func (e *Executor) Execute(ctx context.Context, req Request) *graphql.Result {
	result, _ := e.execute(ctx, req)
	return result
}

// execute also reports whether the operation started. Documents that fail to
// parse or validate never start, and neither do operations whose variables
// fail to coerce.
func (e *Executor) execute(ctx context.Context, req Request) (*graphql.Result, bool) {
	doc, err := parser.Parse(parser.ParseParams{Source: source.NewSource(&source.Source{
		Body: []byte(req.Query),
		Name: "GraphQL request",
	})})
	if err != nil {
		return &graphql.Result{Errors: gqlerrors.FormatErrors(err)}, false
	}
	if validation := graphql.ValidateDocument(&e.schema, doc, nil); !validation.IsValid {
		return &graphql.Result{Errors: validation.Errors}, false
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	cache := e.newCache()
	defer closeCache(ctx, cache)

	result := graphql.Execute(graphql.ExecuteParams{
		Schema:        e.schema,
		AST:           doc,
		OperationName: req.OperationName,
		Args:          req.Variables,
		Context:       loader.WithCache(ctx, cache),
	})
	return result, started(ctx, result)
}

// started tells a result produced by running the operation apart from a
// variable coercion failure, which leaves no data, no field path and a live
// context behind.
func started(ctx context.Context, result *graphql.Result) bool {
	if result.Data != nil || ctx.Err() != nil {
		return true
	}
	for _, err := range result.Errors {
		if len(err.Path) > 0 {
			return true
		}
	}
	return false
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.Timeout)
}

func closeCache(ctx context.Context, cache *loader.Cache) {
	cache.Close()
	stats := cache.Stats()
	logging.FromContext(ctx).Debug("loader cache closed",
		slog.Int("registrations", stats.Registrations),
		slog.Int("generations", stats.Generations),
		slog.Int("fetches", stats.Fetches),
		slog.Int("rows", stats.Rows),
		slog.Int("failures", stats.Failures),
	)
}
