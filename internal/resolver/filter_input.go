package resolver

import (
	"fmt"

	"relgraph/internal/filter"
	"relgraph/internal/registry"

	"github.com/graphql-go/graphql"
)

// filterInput returns the <Entity>Filter input type: the bare field (eq),
// field__op for every applicable operator, then the logical combinators,
// which reference the type itself.
func (r *Resolver) filterInput(entity *registry.Entity) *graphql.InputObject {
	typeName := entity.Name + "Filter"
	r.mu.RLock()
	cached, ok := r.filterCache[typeName]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	var inputObj *graphql.InputObject
	inputObj = graphql.NewInputObject(graphql.InputObjectConfig{
		Name:        typeName,
		Description: fmt.Sprintf("Filter over %s fields", entity.Name),
		Fields: graphql.InputObjectConfigFieldMapThunk(func() graphql.InputObjectConfigFieldMap {
			fields := graphql.InputObjectConfigFieldMap{}
			for _, field := range entity.Fields {
				scalar := scalarType(field.Kind)
				fields[field.Name] = &graphql.InputObjectFieldConfig{Type: scalar}
				for _, op := range filter.OperatorsFor(field.Kind) {
					fields[filter.Key(field.Name, op)] = &graphql.InputObjectFieldConfig{
						Type: operatorInputType(op, scalar),
					}
				}
			}
			list := graphql.NewList(graphql.NewNonNull(inputObj))
			for _, logic := range filter.Combinators {
				if logic == filter.Not {
					fields[string(logic)] = &graphql.InputObjectFieldConfig{Type: inputObj}
					continue
				}
				fields[string(logic)] = &graphql.InputObjectFieldConfig{Type: list}
			}
			return fields
		}),
	})

	r.mu.Lock()
	if cached, ok := r.filterCache[typeName]; ok {
		r.mu.Unlock()
		return cached
	}
	r.filterCache[typeName] = inputObj
	r.mu.Unlock()
	return inputObj
}

func operatorInputType(op filter.Operator, scalar *graphql.Scalar) graphql.Input {
	switch op {
	case filter.OpIn:
		return graphql.NewList(graphql.NewNonNull(scalar))
	case filter.OpLike:
		return graphql.String
	default:
		return scalar
	}
}

// filterArg parses the optional filter argument.
func filterArg(args map[string]interface{}) (filter.Expression, error) {
	raw, ok := args["filter"]
	if !ok || raw == nil {
		return nil, nil
	}
	input, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("filter must be an object, got %T", raw)
	}
	return filter.Parse(input)
}
