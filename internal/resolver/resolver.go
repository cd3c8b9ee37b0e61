// Package resolver builds the GraphQL surface of the entity registry.
// Every entity becomes an object type with its scalar fields and filterable
// relationship fields, plus two root query fields: a lookup by primary key
// and a filtered list. Relationship fields resolve through the request's
// loader cache so siblings at one depth share a single fetch.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"relgraph/internal/filter"
	"relgraph/internal/naming"
	"relgraph/internal/registry"
	"relgraph/internal/storage"

	"github.com/graphql-go/graphql"
	"go.opentelemetry.io/otel/attribute"
)

// Config tunes the generated surface.
type Config struct {
	// Namer derives root query field names. Defaults to naming.Default().
	Namer *naming.Namer
}

// Resolver builds a graphql-go schema over a registry and store.
// Types are cached so recursive relationships share one object per entity.
type Resolver struct {
	registry *registry.Registry
	store    storage.Store
	compiler *filter.Compiler
	namer    *naming.Namer

	mu            sync.RWMutex
	typeCache     map[string]*graphql.Object
	filterCache   map[string]*graphql.InputObject
	staticFilters map[*registry.Relationship]filter.Expression
}

// New creates a resolver. A nil compiler uses filter.NewCompiler().
func New(reg *registry.Registry, store storage.Store, compiler *filter.Compiler, cfg Config) *Resolver {
	if compiler == nil {
		compiler = filter.NewCompiler()
	}
	namer := cfg.Namer
	if namer == nil {
		namer = naming.Default()
	}
	return &Resolver{
		registry:      reg,
		store:         store,
		compiler:      compiler,
		namer:         namer,
		typeCache:     make(map[string]*graphql.Object),
		filterCache:   make(map[string]*graphql.InputObject),
		staticFilters: make(map[*registry.Relationship]filter.Expression),
	}
}

// BuildGraphQLSchema constructs the executable schema. Static relationship
// filters are parsed and compiled here so a bad model fails at startup.
func (r *Resolver) BuildGraphQLSchema() (graphql.Schema, error) {
	if err := r.prepareStaticFilters(); err != nil {
		return graphql.Schema{}, err
	}

	queryFields := graphql.Fields{}
	for _, entity := range r.registry.All() {
		r.addEntityQueries(queryFields, entity)
	}

	// GraphQL requires at least one query field.
	if len(queryFields) == 0 {
		queryFields["_schema"] = &graphql.Field{
			Type:        graphql.String,
			Description: "Placeholder field when the model has no entities",
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				return "No entities registered", nil
			},
		}
	}

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queryFields,
		}),
	})
}

func (r *Resolver) prepareStaticFilters() error {
	for _, entity := range r.registry.All() {
		for _, rel := range entity.Relationships {
			if len(rel.Filter) == 0 {
				continue
			}
			expr, err := filter.Parse(rel.Filter)
			if err != nil {
				return fmt.Errorf("static filter on %s.%s: %w", entity.Name, rel.Name, err)
			}
			target, err := r.registry.Describe(rel.Target)
			if err != nil {
				return err
			}
			if _, err := r.compiler.Compile(context.Background(), target, expr); err != nil {
				return fmt.Errorf("static filter on %s.%s: %w", entity.Name, rel.Name, err)
			}
			r.staticFilters[rel] = expr
		}
	}
	return nil
}

func (r *Resolver) addEntityQueries(fields graphql.Fields, entity *registry.Entity) {
	objType := r.objectType(entity)

	args := graphql.FieldConfigArgument{}
	for _, field := range entity.PrimaryKeyFields() {
		args[field.Name] = &graphql.ArgumentConfig{
			Type: graphql.NewNonNull(scalarType(field.Kind)),
		}
	}
	fields[r.namer.SingleFieldName(entity.Name)] = &graphql.Field{
		Type:        objType,
		Args:        args,
		Description: fmt.Sprintf("Look up one %s by primary key", entity.Name),
		Resolve:     r.makeLookupResolver(entity),
	}

	fields[r.namer.ListFieldName(entity.Plural)] = &graphql.Field{
		Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(objType))),
		Args: graphql.FieldConfigArgument{
			"filter": &graphql.ArgumentConfig{Type: r.filterInput(entity)},
		},
		Description: fmt.Sprintf("List %s", entity.Plural),
		Resolve:     r.makeListResolver(entity),
	}
}

func (r *Resolver) objectType(entity *registry.Entity) *graphql.Object {
	r.mu.RLock()
	cached, ok := r.typeCache[entity.Name]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	// Fields are built lazily so relationship cycles resolve to the cached type.
	objType := graphql.NewObject(graphql.ObjectConfig{
		Name: entity.Name,
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			return r.buildFields(entity)
		}),
	})

	r.mu.Lock()
	if cached, ok := r.typeCache[entity.Name]; ok {
		r.mu.Unlock()
		return cached
	}
	r.typeCache[entity.Name] = objType
	r.mu.Unlock()
	return objType
}

func (r *Resolver) buildFields(entity *registry.Entity) graphql.Fields {
	fields := graphql.Fields{}
	for _, field := range entity.Fields {
		var fieldType graphql.Output = scalarType(field.Kind)
		if !field.Nullable {
			fieldType = graphql.NewNonNull(fieldType)
		}
		fields[field.Name] = &graphql.Field{Type: fieldType}
	}

	for _, rel := range entity.Relationships {
		target, err := r.registry.Describe(rel.Target)
		if err != nil {
			// Registry construction guarantees targets exist.
			panic(err)
		}
		targetType := r.objectType(target)
		var relType graphql.Output = targetType
		if rel.Cardinality == registry.Many {
			relType = graphql.NewList(graphql.NewNonNull(targetType))
		}
		fields[rel.Name] = &graphql.Field{
			Type: relType,
			Args: graphql.FieldConfigArgument{
				"filter": &graphql.ArgumentConfig{Type: r.filterInput(target)},
			},
			Resolve: r.makeRelationshipResolver(entity, rel, target),
		}
	}
	return fields
}

func (r *Resolver) makeLookupResolver(entity *registry.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		ctx, span := startResolverSpan(p.Context, "graphql.lookup",
			attribute.String("relgraph.entity", entity.Name),
		)

		keyFilters := make([]filter.Expression, 0, len(entity.PrimaryKey))
		for _, name := range entity.PrimaryKey {
			keyFilters = append(keyFilters, filter.FieldPredicate{Field: name, Operator: filter.OpEq, Value: p.Args[name]})
		}
		pred, err := r.compiler.Compile(ctx, entity, filter.AllOf(keyFilters...))
		if err != nil {
			finishResolverSpan(span, err, 0)
			return nil, err
		}

		rows, err := r.store.Fetch(ctx, storage.Request{Entity: entity, Predicate: pred})
		finishResolverSpan(span, err, len(rows))
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return rows[0].Values, nil
	}
}

func (r *Resolver) makeListResolver(entity *registry.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		ctx, span := startResolverSpan(p.Context, "graphql.list",
			attribute.String("relgraph.entity", entity.Name),
		)

		expr, err := filterArg(p.Args)
		if err != nil {
			finishResolverSpan(span, err, 0)
			return nil, err
		}
		pred, err := r.compiler.Compile(ctx, entity, expr)
		if err != nil {
			finishResolverSpan(span, err, 0)
			return nil, err
		}

		rows, err := r.store.Fetch(ctx, storage.Request{Entity: entity, Predicate: pred})
		finishResolverSpan(span, err, len(rows))
		if err != nil {
			return nil, err
		}
		results := make([]map[string]interface{}, len(rows))
		for i, row := range rows {
			results[i] = row.Values
		}
		return results, nil
	}
}

func scalarType(kind registry.ScalarKind) *graphql.Scalar {
	switch kind {
	case registry.KindInt:
		return graphql.Int
	case registry.KindFloat:
		return graphql.Float
	case registry.KindBoolean:
		return graphql.Boolean
	default:
		return graphql.String
	}
}
