package resolver

import (
	"bytes"

	"relgraph/internal/filter"
	"relgraph/internal/naming"
	"relgraph/internal/registry"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

// RenderSDL renders the surface BuildGraphQLSchema produces as SDL text,
// using default root field names. Entities appear in registry order, each
// object followed by its filter input, and the Query type last.
func RenderSDL(reg *registry.Registry) string {
	return renderSDL(reg, naming.Default())
}

// SDL renders the resolver's surface with its configured namer.
func (r *Resolver) SDL() string {
	return renderSDL(r.registry, r.namer)
}

func renderSDL(reg *registry.Registry, namer *naming.Namer) string {
	doc := &ast.SchemaDocument{}
	query := &ast.Definition{Kind: ast.Object, Name: "Query"}

	for _, entity := range reg.All() {
		doc.Definitions = append(doc.Definitions, objectDefinition(entity), filterDefinition(entity))

		lookup := &ast.FieldDefinition{
			Name: namer.SingleFieldName(entity.Name),
			Type: ast.NamedType(entity.Name, nil),
		}
		for _, field := range entity.PrimaryKeyFields() {
			lookup.Arguments = append(lookup.Arguments, &ast.ArgumentDefinition{
				Name: field.Name,
				Type: ast.NonNullNamedType(scalarType(field.Kind).Name(), nil),
			})
		}
		list := &ast.FieldDefinition{
			Name:      namer.ListFieldName(entity.Plural),
			Arguments: filterArgument(entity.Name),
			Type:      ast.NonNullListType(ast.NonNullNamedType(entity.Name, nil), nil),
		}
		query.Fields = append(query.Fields, lookup, list)
	}

	if len(query.Fields) == 0 {
		query.Fields = append(query.Fields, &ast.FieldDefinition{
			Name: "_schema",
			Type: ast.NamedType("String", nil),
		})
	}
	doc.Definitions = append(doc.Definitions, query)

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchemaDocument(doc)
	return buf.String()
}

func objectDefinition(entity *registry.Entity) *ast.Definition {
	def := &ast.Definition{Kind: ast.Object, Name: entity.Name}
	for _, field := range entity.Fields {
		typeName := scalarType(field.Kind).Name()
		fieldType := ast.NonNullNamedType(typeName, nil)
		if field.Nullable {
			fieldType = ast.NamedType(typeName, nil)
		}
		def.Fields = append(def.Fields, &ast.FieldDefinition{Name: field.Name, Type: fieldType})
	}
	for _, rel := range entity.Relationships {
		relType := ast.NamedType(rel.Target, nil)
		if rel.Cardinality == registry.Many {
			relType = ast.ListType(ast.NonNullNamedType(rel.Target, nil), nil)
		}
		def.Fields = append(def.Fields, &ast.FieldDefinition{
			Name:      rel.Name,
			Arguments: filterArgument(rel.Target),
			Type:      relType,
		})
	}
	return def
}

func filterArgument(entityName string) ast.ArgumentDefinitionList {
	return ast.ArgumentDefinitionList{
		{Name: "filter", Type: ast.NamedType(entityName+"Filter", nil)},
	}
}

func filterDefinition(entity *registry.Entity) *ast.Definition {
	name := entity.Name + "Filter"
	def := &ast.Definition{Kind: ast.InputObject, Name: name}
	for _, field := range entity.Fields {
		scalar := scalarType(field.Kind).Name()
		def.Fields = append(def.Fields, &ast.FieldDefinition{Name: field.Name, Type: ast.NamedType(scalar, nil)})
		for _, op := range filter.OperatorsFor(field.Kind) {
			var opType *ast.Type
			switch op {
			case filter.OpIn:
				opType = ast.ListType(ast.NonNullNamedType(scalar, nil), nil)
			case filter.OpLike:
				opType = ast.NamedType("String", nil)
			default:
				opType = ast.NamedType(scalar, nil)
			}
			def.Fields = append(def.Fields, &ast.FieldDefinition{Name: filter.Key(field.Name, op), Type: opType})
		}
	}
	for _, logic := range filter.Combinators {
		logicType := ast.ListType(ast.NonNullNamedType(name, nil), nil)
		if logic == filter.Not {
			logicType = ast.NamedType(name, nil)
		}
		def.Fields = append(def.Fields, &ast.FieldDefinition{Name: string(logic), Type: logicType})
	}
	return def
}
