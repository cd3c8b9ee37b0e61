// Package loader batches relationship fetches within one request. Every
// resolver that needs a relationship for a parent registers the parent with
// the request's Cache; the first resolver that needs a result flushes every
// pending loader, so siblings at one depth share a single store call per
// (entity, relationship, filter).
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relgraph/internal/filter"
	"relgraph/internal/logging"
	"relgraph/internal/registry"
	"relgraph/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrentFlushes bounds the loaders flushed in parallel.
const DefaultMaxConcurrentFlushes = 4

// Key identifies a loader within a request.
type Key struct {
	Entity       string
	Relationship string
	// Filter is the canonical serialization of the relationship filter.
	Filter string
}

// Spec describes the relationship a parent is registered for.
type Spec struct {
	Owner        *registry.Entity
	Relationship *registry.Relationship
	Target       *registry.Entity
	// Association is required when the relationship joins through one.
	Association *registry.Entity
	// Filter is the effective filter (static and argument filters combined);
	// Predicate is its compiled form.
	Filter    filter.Expression
	Predicate filter.Predicate
}

// FlushRecord summarizes one store call.
type FlushRecord struct {
	Entity       string
	Relationship string
	Parents      int
	Rows         int
	Duration     time.Duration
	Outcome      string
}

// Recorder receives a record for every flush.
type Recorder interface {
	RecordLoaderFlush(ctx context.Context, record FlushRecord)
}

// Stats counts loader activity over the life of a cache.
type Stats struct {
	Registrations int
	Generations   int
	Fetches       int
	Rows          int
	Failures      int
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxConcurrentFlushes limits parallel store calls during a flush.
func WithMaxConcurrentFlushes(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithRecorder installs a flush recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		c.recorder = r
	}
}

// Cache owns the loaders of one request. It must not outlive the request.
type Cache struct {
	store         storage.Store
	maxConcurrent int
	recorder      Recorder

	mu      sync.Mutex
	current map[Key]*generation
	pending []*generation
	closed  bool
	stats   Stats
}

// NewCache creates a request-scoped cache reading through store.
func NewCache(store storage.Store, opts ...Option) *Cache {
	c := &Cache{
		store:         store,
		maxConcurrent: DefaultMaxConcurrentFlushes,
		current:       make(map[Key]*generation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generationState int

const (
	statePending generationState = iota
	stateFlushing
	stateDone
)

// generation is one batch of parents for a Key. Once it starts flushing,
// later registrations for the Key open a new generation.
type generation struct {
	key     Key
	spec    Spec
	state   generationState
	parents map[registry.Key]struct{}
	tuples  [][]any
	done    chan struct{}

	results map[registry.Key][]map[string]any
	err     error
}

// Handle is a registered parent's claim on a loader result.
type Handle struct {
	cache  *Cache
	gen    *generation
	parent registry.Key
	many   bool
	err    error
}

// Register adds parent to the current generation of the spec's loader.
// tuple holds the parent's primary-key values in registry order.
func (c *Cache) Register(ctx context.Context, spec Spec, parent registry.Key, tuple []any) *Handle {
	if spec.Owner == nil || spec.Relationship == nil || spec.Target == nil {
		return &Handle{err: fmt.Errorf("loader spec requires owner, relationship and target")}
	}
	many := spec.Relationship.Cardinality == registry.Many
	fingerprint, err := filter.Fingerprint(spec.Filter)
	if err != nil {
		return &Handle{many: many, err: fmt.Errorf("loader key for %s.%s: %w", spec.Owner.Name, spec.Relationship.Name, err)}
	}
	key := Key{Entity: spec.Owner.Name, Relationship: spec.Relationship.Name, Filter: fingerprint}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &Handle{many: many, err: &CancellationError{Err: errCacheClosed}}
	}
	if err := ctx.Err(); err != nil {
		return &Handle{many: many, err: &CancellationError{Err: err}}
	}

	gen, ok := c.current[key]
	if !ok || gen.state != statePending {
		gen = &generation{
			key:     key,
			spec:    spec,
			parents: make(map[registry.Key]struct{}),
			done:    make(chan struct{}),
		}
		c.current[key] = gen
		c.pending = append(c.pending, gen)
		c.stats.Generations++
	}
	if _, dup := gen.parents[parent]; !dup {
		gen.parents[parent] = struct{}{}
		gen.tuples = append(gen.tuples, tuple)
	}
	c.stats.Registrations++

	return &Handle{cache: c, gen: gen, parent: parent, many: many}
}

var errCacheClosed = errors.New("loader cache closed")

// FlushPending performs one store call for every loader with pending
// registrations. Loaders flush concurrently up to the configured limit.
func (c *Cache) FlushPending(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	for _, gen := range batch {
		gen.state = stateFlushing
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(c.maxConcurrent)
	for _, gen := range batch {
		g.Go(func() error {
			c.flush(ctx, gen)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) flush(ctx context.Context, gen *generation) {
	spec := gen.spec
	tracer := otel.Tracer("relgraph/loader")
	ctx, span := tracer.Start(ctx, "loader.flush")
	span.SetAttributes(
		attribute.String("relgraph.loader.entity", gen.key.Entity),
		attribute.String("relgraph.loader.relationship", gen.key.Relationship),
		attribute.Int("relgraph.loader.parents", len(gen.tuples)),
	)
	defer span.End()

	start := time.Now()
	var (
		rows []storage.Row
		err  error
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = &CancellationError{Err: ctxErr}
	} else {
		rows, err = c.fetch(ctx, spec, gen.tuples)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Results of a cancelled batch are discarded.
			rows, err = nil, &CancellationError{Err: ctxErr}
		} else if err != nil {
			err = &FetchError{Key: gen.key, Err: err}
		}
	}
	elapsed := time.Since(start)

	outcome := "success"
	var cancelled *CancellationError
	switch {
	case errors.As(err, &cancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	span.SetAttributes(
		attribute.Int("relgraph.loader.rows", len(rows)),
		attribute.String("relgraph.loader.outcome", outcome),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	logger := logging.FromContext(ctx)
	logger.Debug("loader flushed",
		slog.String("entity", gen.key.Entity),
		slog.String("relationship", gen.key.Relationship),
		slog.Int("parents", len(gen.tuples)),
		slog.Int("rows", len(rows)),
		slog.Duration("duration", elapsed),
		slog.String("outcome", outcome),
	)
	if c.recorder != nil {
		c.recorder.RecordLoaderFlush(ctx, FlushRecord{
			Entity:       gen.key.Entity,
			Relationship: gen.key.Relationship,
			Parents:      len(gen.tuples),
			Rows:         len(rows),
			Duration:     elapsed,
			Outcome:      outcome,
		})
	}

	var results map[registry.Key][]map[string]any
	if err == nil {
		results = groupByParent(spec, gen.parents, rows)
	}

	c.mu.Lock()
	c.stats.Fetches++
	c.stats.Rows += len(rows)
	if err != nil {
		c.stats.Failures++
	}
	if gen.state != stateDone {
		gen.results = results
		gen.err = err
		gen.state = stateDone
		close(gen.done)
	}
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, spec Spec, tuples [][]any) ([]storage.Row, error) {
	req := storage.Request{
		Entity:    spec.Target,
		Predicate: spec.Predicate,
		Via: &storage.Traversal{
			Owner:        spec.Owner,
			Relationship: spec.Relationship,
			Parents:      tuples,
		},
	}
	if spec.Relationship.IsThroughAssociation() {
		return c.store.FetchThroughAssociation(ctx, req, spec.Association)
	}
	return c.store.Fetch(ctx, req)
}

// groupByParent maps each registered parent to its children, de-duplicated
// by target primary key and in storage order.
func groupByParent(spec Spec, parents map[registry.Key]struct{}, rows []storage.Row) map[registry.Key][]map[string]any {
	link := spec.Relationship.LinkName()
	results := make(map[registry.Key][]map[string]any, len(parents))
	seen := make(map[registry.Key]map[registry.Key]struct{}, len(parents))

	for _, row := range rows {
		childKey, _, err := spec.Target.KeyOf(row.Values)
		if err != nil {
			continue
		}
		for _, parent := range row.Link(link) {
			if _, ok := parents[parent]; !ok {
				continue
			}
			children, ok := seen[parent]
			if !ok {
				children = make(map[registry.Key]struct{})
				seen[parent] = children
			}
			if _, dup := children[childKey]; dup {
				continue
			}
			children[childKey] = struct{}{}
			results[parent] = append(results[parent], row.Values)
		}
	}
	return results
}

// Close fails every outstanding handle with a CancellationError. Loaders
// still in flight have their results discarded.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, gen := range c.current {
		if gen.state == stateDone {
			continue
		}
		gen.err = &CancellationError{Err: errCacheClosed}
		gen.results = nil
		gen.state = stateDone
		close(gen.done)
	}
	c.pending = nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Err returns an error the handle already carries, without flushing.
func (h *Handle) Err() error {
	return h.err
}

// Await returns the parent's result: a child row or nil for ONE
// relationships, a non-nil slice of child rows for MANY relationships. It
// flushes pending loaders first if the handle's loader has not fired.
func (h *Handle) Await(ctx context.Context) (any, error) {
	if h.err != nil {
		return nil, h.err
	}
	gen := h.gen

	h.cache.mu.Lock()
	pending := gen.state == statePending
	h.cache.mu.Unlock()
	if pending {
		h.cache.FlushPending(ctx)
	}

	select {
	case <-gen.done:
	case <-ctx.Done():
		return nil, &CancellationError{Err: ctx.Err()}
	}

	if gen.err != nil {
		return nil, gen.err
	}
	children := gen.results[h.parent]
	if h.many {
		out := make([]map[string]any, len(children))
		copy(out, children)
		return out, nil
	}
	if len(children) == 0 {
		return nil, nil
	}
	return children[0], nil
}
