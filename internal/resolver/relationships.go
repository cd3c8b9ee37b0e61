package resolver

import (
	"errors"
	"fmt"

	"relgraph/internal/filter"
	"relgraph/internal/loader"
	"relgraph/internal/registry"

	"github.com/graphql-go/graphql"
)

var errNoLoaderCache = errors.New("relationship resolved without a loader cache in the request context")

// makeRelationshipResolver registers the parent with the request's loader
// and returns a thunk. graphql-go completes thunks breadth first, so every
// sibling at a depth is registered before the first thunk forces a flush.
func (r *Resolver) makeRelationshipResolver(owner *registry.Entity, rel *registry.Relationship, target *registry.Entity) graphql.FieldResolveFn {
	var association *registry.Entity
	if rel.IsThroughAssociation() {
		var err error
		association, err = r.registry.Describe(rel.Through.Entity)
		if err != nil {
			panic(err)
		}
	}

	return func(p graphql.ResolveParams) (interface{}, error) {
		source, ok := p.Source.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid source type %T for %s.%s", p.Source, owner.Name, rel.Name)
		}
		cache, ok := loader.FromContext(p.Context)
		if !ok {
			return nil, errNoLoaderCache
		}

		argFilter, err := filterArg(p.Args)
		if err != nil {
			return nil, err
		}
		expr := filter.AllOf(r.staticFilters[rel], argFilter)
		pred, err := r.compiler.Compile(p.Context, target, expr)
		if err != nil {
			return nil, err
		}

		parentKey, tuple, err := owner.KeyOf(source)
		if err != nil {
			return nil, err
		}

		handle := cache.Register(p.Context, loader.Spec{
			Owner:        owner,
			Relationship: rel,
			Target:       target,
			Association:  association,
			Filter:       expr,
			Predicate:    pred,
		}, parentKey, tuple)
		if err := handle.Err(); err != nil {
			return nil, err
		}

		return func() (interface{}, error) {
			return handle.Await(p.Context)
		}, nil
	}
}
