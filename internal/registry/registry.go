// Package registry holds the immutable description of every entity type the
// graph exposes: scalar fields, primary keys and relationships.
package registry

import (
	"fmt"
	"sort"
	"strings"
)

// ScalarKind is the storage-independent kind of a scalar field.
type ScalarKind string

const (
	KindInt     ScalarKind = "int"
	KindFloat   ScalarKind = "float"
	KindBoolean ScalarKind = "boolean"
	KindString  ScalarKind = "string"
)

// ParseScalarKind maps a model kind (including common SQL spellings) to a ScalarKind.
func ParseScalarKind(kind string) (ScalarKind, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "int", "integer", "bigint", "smallint":
		return KindInt, nil
	case "float", "double", "numeric", "decimal":
		return KindFloat, nil
	case "bool", "boolean":
		return KindBoolean, nil
	case "string", "text", "varchar", "datetime", "date", "timestamp", "time":
		return KindString, nil
	default:
		return "", fmt.Errorf("unknown scalar kind %q", kind)
	}
}

// Cardinality says whether a relationship yields one entity or a list.
type Cardinality string

const (
	One  Cardinality = "ONE"
	Many Cardinality = "MANY"
)

// ParseCardinality accepts "one"/"many" in any case.
func ParseCardinality(value string) (Cardinality, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(One):
		return One, nil
	case string(Many):
		return Many, nil
	default:
		return "", fmt.Errorf("unknown cardinality %q (use one or many)", value)
	}
}

// Field is one scalar field of an entity.
type Field struct {
	Name     string
	Column   string
	Kind     ScalarKind
	Nullable bool
}

// Join pairs fields positionally: Local[i] on one side equals Remote[i] on the other.
type Join struct {
	Local  []string
	Remote []string
}

// Association describes a relationship resolved through an intermediate entity.
type Association struct {
	Entity string
	Owner  Join
	Target Join
}

// Relationship links an entity to a target entity.
type Relationship struct {
	Name        string
	Owner       string
	Target      string
	Cardinality Cardinality
	InverseName string
	Join        Join
	Through     *Association
	Filter      map[string]any
}

// IsThroughAssociation reports whether resolution joins via an association entity.
func (r *Relationship) IsThroughAssociation() bool {
	return r.Through != nil
}

// LinkName is the annotation fetched rows carry to point back at their parents.
// It is the inverse relationship name when one is declared.
func (r *Relationship) LinkName() string {
	if r.InverseName != "" {
		return r.InverseName
	}
	return "^" + r.Owner + "." + r.Name
}

// Entity describes one entity type.
type Entity struct {
	Name          string
	Table         string
	Plural        string
	SoftDelete    string
	Fields        []Field
	PrimaryKey    []string
	Relationships []*Relationship

	fieldIndex map[string]int
	relIndex   map[string]int
}

// Field looks up a scalar field by name.
func (e *Entity) Field(name string) (Field, bool) {
	idx, ok := e.fieldIndex[name]
	if !ok {
		return Field{}, false
	}
	return e.Fields[idx], true
}

// Relationship looks up a relationship by name.
func (e *Entity) Relationship(name string) (*Relationship, bool) {
	idx, ok := e.relIndex[name]
	if !ok {
		return nil, false
	}
	return e.Relationships[idx], true
}

// PrimaryKeyFields returns the primary key fields in key order.
func (e *Entity) PrimaryKeyFields() []Field {
	fields := make([]Field, 0, len(e.PrimaryKey))
	for _, name := range e.PrimaryKey {
		if field, ok := e.Field(name); ok {
			fields = append(fields, field)
		}
	}
	return fields
}

// KeyOf extracts the primary key of a row keyed by field name.
func (e *Entity) KeyOf(row map[string]any) (Key, []any, error) {
	return e.KeyOfFields(row, e.PrimaryKey)
}

// KeyOfFields extracts the values of the named fields and encodes them as a Key.
func (e *Entity) KeyOfFields(row map[string]any, fields []string) (Key, []any, error) {
	tuple := make([]any, len(fields))
	for i, name := range fields {
		value, ok := row[name]
		if !ok {
			return "", nil, fmt.Errorf("%s row is missing key field %q", e.Name, name)
		}
		tuple[i] = value
	}
	return MakeKey(tuple), tuple, nil
}

// Registry is the process-wide, read-only set of entity descriptors.
type Registry struct {
	entities map[string]*Entity
	ordered  []*Entity
}

// Describe returns the descriptor for an entity type.
func (r *Registry) Describe(name string) (*Entity, error) {
	entity, ok := r.entities[name]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return entity, nil
}

// All returns every entity sorted by name.
func (r *Registry) All() []*Entity {
	out := make([]*Entity, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func sortEntities(entities []*Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].Name < entities[j].Name
	})
}
