package registry

import (
	"fmt"
	"strings"

	"relgraph/internal/naming"
)

// ConstructionError lists every problem found while building a registry.
// The process must not start with an invalid model.
type ConstructionError struct {
	Problems []string
}

func (e *ConstructionError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid entity model: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid entity model (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

type buildOptions struct {
	namer *naming.Namer
}

// Option customizes registry construction.
type Option func(*buildOptions)

// WithNamer sets the namer used for default plurals and table names.
func WithNamer(namer *naming.Namer) Option {
	return func(o *buildOptions) {
		if namer != nil {
			o.namer = namer
		}
	}
}

// New validates a model and builds the registry. Any unknown entity reference,
// missing or asymmetric inverse, or unknown join field fails construction.
func New(model Model, opts ...Option) (*Registry, error) {
	options := buildOptions{namer: naming.Default()}
	for _, opt := range opts {
		opt(&options)
	}

	b := &builder{
		namer:    options.namer,
		entities: make(map[string]*Entity, len(model.Entities)),
	}
	if len(model.Entities) == 0 {
		b.problem("model declares no entities")
	}

	for _, em := range model.Entities {
		b.addEntity(em)
	}
	b.checkRootFieldNames()
	for _, em := range model.Entities {
		if entity, ok := b.entities[em.Name]; ok {
			for _, rm := range em.Relationships {
				b.addRelationship(entity, rm)
			}
		}
	}
	for _, entity := range b.ordered {
		for _, rel := range entity.Relationships {
			b.checkInverse(entity, rel)
		}
	}

	if len(b.problems) > 0 {
		return nil, &ConstructionError{Problems: b.problems}
	}

	sortEntities(b.ordered)
	return &Registry{entities: b.entities, ordered: b.ordered}, nil
}

type builder struct {
	namer    *naming.Namer
	entities map[string]*Entity
	ordered  []*Entity
	problems []string
}

func (b *builder) problem(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

func (b *builder) addEntity(em EntityModel) {
	name := strings.TrimSpace(em.Name)
	if name == "" {
		b.problem("entity with empty name")
		return
	}
	if _, exists := b.entities[name]; exists {
		b.problem("entity %q declared more than once", name)
		return
	}
	if naming.IsReserved(name) || naming.IsFilterSuffixed(name) {
		b.problem("entity name %q is reserved", name)
	}

	entity := &Entity{
		Name:       name,
		Table:      em.Table,
		Plural:     em.Plural,
		SoftDelete: em.SoftDelete,
		fieldIndex: make(map[string]int, len(em.Fields)),
		relIndex:   make(map[string]int, len(em.Relationships)),
	}
	if entity.Plural == "" {
		entity.Plural = b.namer.PluralEntityName(name)
	}
	if entity.Table == "" {
		entity.Table = b.namer.TableName(name)
	}

	for _, fm := range em.Fields {
		if fm.Name == "" {
			b.problem("%s: field with empty name", name)
			continue
		}
		if naming.IsFilterSuffixed(fm.Name) || strings.HasPrefix(fm.Name, "__") {
			b.problem("%s.%s: field names may not contain \"__\"", name, fm.Name)
			continue
		}
		if _, exists := entity.fieldIndex[fm.Name]; exists {
			b.problem("%s.%s: field declared more than once", name, fm.Name)
			continue
		}
		kind, err := ParseScalarKind(fm.Kind)
		if err != nil {
			b.problem("%s.%s: %v", name, fm.Name, err)
			continue
		}
		column := fm.Column
		if column == "" {
			column = fm.Name
		}
		entity.fieldIndex[fm.Name] = len(entity.Fields)
		entity.Fields = append(entity.Fields, Field{Name: fm.Name, Column: column, Kind: kind, Nullable: fm.Nullable})
	}
	if len(entity.Fields) == 0 {
		b.problem("%s: entity declares no fields", name)
	}

	if len(em.PrimaryKey) == 0 {
		b.problem("%s: primary key is empty", name)
	}
	seenKey := map[string]bool{}
	for _, keyField := range em.PrimaryKey {
		if _, ok := entity.fieldIndex[keyField]; !ok {
			b.problem("%s: primary key field %q is not a declared field", name, keyField)
			continue
		}
		if seenKey[keyField] {
			b.problem("%s: primary key field %q repeated", name, keyField)
			continue
		}
		seenKey[keyField] = true
		entity.PrimaryKey = append(entity.PrimaryKey, keyField)
	}

	if entity.SoftDelete != "" {
		field, ok := entity.Field(entity.SoftDelete)
		switch {
		case !ok:
			b.problem("%s: soft delete field %q is not a declared field", name, entity.SoftDelete)
		case field.Kind != KindBoolean:
			b.problem("%s: soft delete field %q must be boolean", name, entity.SoftDelete)
		}
	}

	b.entities[name] = entity
	b.ordered = append(b.ordered, entity)
}

func (b *builder) checkRootFieldNames() {
	seen := map[string]string{}
	for _, entity := range b.ordered {
		single := b.namer.SingleFieldName(entity.Name)
		list := b.namer.ListFieldName(entity.Plural)
		if single == list {
			b.problem("%s: plural %q does not differ from the entity name", entity.Name, entity.Plural)
		}
		for _, fieldName := range []string{single, list} {
			if other, exists := seen[fieldName]; exists && other != entity.Name {
				b.problem("%s: query field %q collides with entity %s", entity.Name, fieldName, other)
				continue
			}
			seen[fieldName] = entity.Name
		}
	}
}

func (b *builder) addRelationship(owner *Entity, rm RelationshipModel) {
	where := owner.Name + "." + rm.Name
	if rm.Name == "" {
		b.problem("%s: relationship with empty name", owner.Name)
		return
	}
	if naming.IsFilterSuffixed(rm.Name) {
		b.problem("%s: relationship names may not contain \"__\"", where)
		return
	}
	if _, exists := owner.fieldIndex[rm.Name]; exists {
		b.problem("%s: relationship name collides with a field", where)
		return
	}
	if _, exists := owner.relIndex[rm.Name]; exists {
		b.problem("%s: relationship declared more than once", where)
		return
	}

	target, ok := b.entities[rm.Target]
	if !ok {
		b.problem("%s: unknown target entity %q", where, rm.Target)
		return
	}
	cardinality, err := ParseCardinality(rm.Cardinality)
	if err != nil {
		b.problem("%s: %v", where, err)
		return
	}

	rel := &Relationship{
		Name:        rm.Name,
		Owner:       owner.Name,
		Target:      target.Name,
		Cardinality: cardinality,
		InverseName: rm.Inverse,
		Filter:      rm.Filter,
	}

	switch {
	case rm.Through != nil && rm.Join != nil:
		b.problem("%s: declare either join or through, not both", where)
		return
	case rm.Through != nil:
		assoc, ok := b.entities[rm.Through.Entity]
		if !ok {
			b.problem("%s: unknown association entity %q", where, rm.Through.Entity)
			return
		}
		if rm.Inverse == "" {
			b.problem("%s: relationships through an association require an inverse", where)
		}
		ownerJoin := Join{Local: rm.Through.Owner.Local, Remote: rm.Through.Owner.Remote}
		targetJoin := Join{Local: rm.Through.Target.Local, Remote: rm.Through.Target.Remote}
		b.checkJoin(where+" (owner side)", owner, assoc, ownerJoin)
		b.checkJoin(where+" (target side)", assoc, target, targetJoin)
		rel.Through = &Association{Entity: assoc.Name, Owner: ownerJoin, Target: targetJoin}
	case rm.Join != nil:
		rel.Join = Join{Local: rm.Join.Local, Remote: rm.Join.Remote}
		b.checkJoin(where, owner, target, rel.Join)
	default:
		b.problem("%s: missing join description", where)
		return
	}

	owner.relIndex[rel.Name] = len(owner.Relationships)
	owner.Relationships = append(owner.Relationships, rel)
}

func (b *builder) checkJoin(where string, local, remote *Entity, join Join) {
	if len(join.Local) == 0 || len(join.Local) != len(join.Remote) {
		b.problem("%s: join sides must be non-empty and of equal width", where)
		return
	}
	for _, name := range join.Local {
		if _, ok := local.Field(name); !ok {
			b.problem("%s: join field %q does not exist on %s", where, name, local.Name)
		}
	}
	for _, name := range join.Remote {
		if _, ok := remote.Field(name); !ok {
			b.problem("%s: join field %q does not exist on %s", where, name, remote.Name)
		}
	}
}

func (b *builder) checkInverse(owner *Entity, rel *Relationship) {
	if rel.InverseName == "" {
		return
	}
	target := b.entities[rel.Target]
	inverse, ok := target.Relationship(rel.InverseName)
	if !ok {
		b.problem("%s.%s: inverse relationship %q does not exist on %s", owner.Name, rel.Name, rel.InverseName, target.Name)
		return
	}
	if inverse.Target != owner.Name {
		b.problem("%s.%s: inverse %s.%s targets %s, not %s", owner.Name, rel.Name, target.Name, inverse.Name, inverse.Target, owner.Name)
	}
}
