// Package storage defines the contract the graph engine reads entities
// through, and an in-memory implementation of it.
package storage

import (
	"context"

	"relgraph/internal/filter"
	"relgraph/internal/registry"
)

// Store fetches entity rows. Implementations exclude soft-deleted rows and
// annotate each row with the links the loader groups by, so no further
// trips are needed to map children back to parents.
type Store interface {
	// Fetch returns rows of req.Entity matching req.Predicate. When req.Via
	// is set the rows are restricted to those reachable from the parents
	// through a direct join.
	Fetch(ctx context.Context, req Request) ([]Row, error)
	// FetchThroughAssociation is Fetch for relationships mediated by an
	// association entity.
	FetchThroughAssociation(ctx context.Context, req Request, association *registry.Entity) ([]Row, error)
}

// Request describes one fetch.
type Request struct {
	Entity    *registry.Entity
	Predicate filter.Predicate
	Via       *Traversal
}

// Traversal restricts a fetch to the targets of a relationship from a set of
// parents.
type Traversal struct {
	Owner        *registry.Entity
	Relationship *registry.Relationship
	// Parents are owner primary-key tuples in registry key order.
	Parents [][]any
}

// LinkName is the Row.Links entry the traversal fills.
func (t *Traversal) LinkName() string {
	return t.Relationship.LinkName()
}

// Row is one fetched entity. Values are keyed by field name. Links maps a
// link name to the primary keys of the parents the row was reached from.
type Row struct {
	Values map[string]any
	Links  map[string][]registry.Key
}

// Link returns the parents recorded under name.
func (r Row) Link(name string) []registry.Key {
	if r.Links == nil {
		return nil
	}
	return r.Links[name]
}

// Merger folds rows reached from several parents into one row per target
// primary key, keeping first-seen order.
type Merger struct {
	entity *registry.Entity
	link   string
	index  map[registry.Key]int
	seen   map[registry.Key]map[registry.Key]bool
	rows   []Row
}

// NewMerger creates a merger for rows of entity linked under link.
func NewMerger(entity *registry.Entity, link string) *Merger {
	return &Merger{
		entity: entity,
		link:   link,
		index:  make(map[registry.Key]int),
		seen:   make(map[registry.Key]map[registry.Key]bool),
	}
}

// Add records values reached from parent. An empty link records no parent.
func (m *Merger) Add(values map[string]any, parent registry.Key) error {
	key, _, err := m.entity.KeyOf(values)
	if err != nil {
		return err
	}
	idx, ok := m.index[key]
	if !ok {
		idx = len(m.rows)
		m.index[key] = idx
		row := Row{Values: values}
		if m.link != "" {
			row.Links = map[string][]registry.Key{m.link: {}}
		}
		m.rows = append(m.rows, row)
		m.seen[key] = make(map[registry.Key]bool)
	}
	if m.link == "" || m.seen[key][parent] {
		return nil
	}
	m.seen[key][parent] = true
	m.rows[idx].Links[m.link] = append(m.rows[idx].Links[m.link], parent)
	return nil
}

// Rows returns the merged rows.
func (m *Merger) Rows() []Row {
	return m.rows
}
