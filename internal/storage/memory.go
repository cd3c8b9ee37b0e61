package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"relgraph/internal/registry"

	"gopkg.in/yaml.v3"
)

// MemoryStore keeps entity rows in memory. It backs demos and tests and
// evaluates compiled predicates with Predicate.Match.
type MemoryStore struct {
	registry *registry.Registry

	mu     sync.RWMutex
	tables map[string]*memoryTable
}

type memoryTable struct {
	rows  []map[string]any
	byKey map[registry.Key]int
}

// NewMemoryStore creates an empty store for the registry's entities.
func NewMemoryStore(reg *registry.Registry) *MemoryStore {
	tables := make(map[string]*memoryTable)
	for _, entity := range reg.All() {
		tables[entity.Name] = &memoryTable{byKey: make(map[registry.Key]int)}
	}
	return &MemoryStore{registry: reg, tables: tables}
}

// Insert adds rows to an entity. Rows are keyed by field name; missing
// fields are stored as NULL. Duplicate primary keys are rejected.
func (s *MemoryStore) Insert(entityName string, rows ...map[string]any) error {
	entity, err := s.registry.Describe(entityName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.tables[entity.Name]
	for i, input := range rows {
		row := make(map[string]any, len(entity.Fields))
		for name, value := range input {
			if _, ok := entity.Field(name); !ok {
				return fmt.Errorf("%s row %d: unknown field %q", entity.Name, i, name)
			}
			row[name] = normalizeStored(value)
		}
		for _, field := range entity.Fields {
			if _, ok := row[field.Name]; !ok {
				row[field.Name] = nil
			}
		}
		key, _, err := entity.KeyOf(input)
		if err != nil {
			return fmt.Errorf("%s row %d: %w", entity.Name, i, err)
		}
		if _, exists := table.byKey[key]; exists {
			return fmt.Errorf("%s row %d: duplicate primary key", entity.Name, i)
		}
		table.byKey[key] = len(table.rows)
		table.rows = append(table.rows, row)
	}
	return nil
}

// LoadFixtures reads a YAML document mapping entity names to row lists into
// a new store. Entities are inserted in name order.
func LoadFixtures(reg *registry.Registry, r io.Reader) (*MemoryStore, error) {
	var doc map[string][]map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode fixtures: %w", err)
	}

	store := NewMemoryStore(reg)
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := store.Insert(name, doc[name]...); err != nil {
			return nil, fmt.Errorf("fixtures: %w", err)
		}
	}
	return store, nil
}

// LoadFixturesFile reads fixtures from disk.
func LoadFixturesFile(reg *registry.Registry, path string) (*MemoryStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures file %q: %w", path, err)
	}
	defer f.Close()
	return LoadFixtures(reg, f)
}

// Fetch implements Store.
func (s *MemoryStore) Fetch(ctx context.Context, req Request) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Entity == nil {
		return nil, fmt.Errorf("fetch: request has no entity")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if req.Via == nil {
		merger := NewMerger(req.Entity, "")
		for _, row := range s.visibleRows(req) {
			if err := merger.Add(row, ""); err != nil {
				return nil, err
			}
		}
		return merger.Rows(), nil
	}
	if req.Via.Relationship.IsThroughAssociation() {
		return nil, fmt.Errorf("fetch: %s.%s joins through %s; use FetchThroughAssociation",
			req.Via.Owner.Name, req.Via.Relationship.Name, req.Via.Relationship.Through.Entity)
	}

	rel := req.Via.Relationship
	parentsByJoin, err := s.parentsByOwnerFields(req.Via, rel.Join.Local)
	if err != nil {
		return nil, err
	}
	return s.linkTargets(req, rel.Join.Remote, parentsByJoin)
}

// FetchThroughAssociation implements Store.
func (s *MemoryStore) FetchThroughAssociation(ctx context.Context, req Request, association *registry.Entity) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Via == nil || !req.Via.Relationship.IsThroughAssociation() {
		return nil, fmt.Errorf("fetch through association: request has no association traversal")
	}
	if association == nil || association.Name != req.Via.Relationship.Through.Entity {
		return nil, fmt.Errorf("fetch through association: association entity does not match %s", req.Via.Relationship.Through.Entity)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	through := req.Via.Relationship.Through
	parentsByOwner, err := s.parentsByOwnerFields(req.Via, through.Owner.Local)
	if err != nil {
		return nil, err
	}

	// Walk the association rows to find which targets each parent reaches.
	parentsByTarget := make(map[registry.Key][]registry.Key)
	for _, assocRow := range s.tables[association.Name].rows {
		if softDeleted(association, assocRow) {
			continue
		}
		ownerKey, _, err := association.KeyOfFields(assocRow, through.Owner.Remote)
		if err != nil {
			return nil, err
		}
		parents := parentsByOwner[ownerKey]
		if len(parents) == 0 {
			continue
		}
		targetKey, _, err := association.KeyOfFields(assocRow, through.Target.Local)
		if err != nil {
			return nil, err
		}
		parentsByTarget[targetKey] = append(parentsByTarget[targetKey], parents...)
	}

	return s.linkTargets(req, through.Target.Remote, parentsByTarget)
}

// parentsByOwnerFields maps the values of the owner's join fields to the
// parents carrying them.
func (s *MemoryStore) parentsByOwnerFields(via *Traversal, fields []string) (map[registry.Key][]registry.Key, error) {
	owner := via.Owner
	table := s.tables[owner.Name]
	if table == nil {
		return nil, fmt.Errorf("fetch: unknown owner entity %s", owner.Name)
	}

	out := make(map[registry.Key][]registry.Key, len(via.Parents))
	for _, tuple := range via.Parents {
		parentKey := registry.MakeKey(tuple)
		idx, ok := table.byKey[parentKey]
		if !ok {
			continue
		}
		joinKey, values, err := owner.KeyOfFields(table.rows[idx], fields)
		if err != nil {
			return nil, err
		}
		if hasNull(values) {
			continue
		}
		out[joinKey] = append(out[joinKey], parentKey)
	}
	return out, nil
}

func (s *MemoryStore) linkTargets(req Request, remoteFields []string, parentsByJoin map[registry.Key][]registry.Key) ([]Row, error) {
	merger := NewMerger(req.Entity, req.Via.LinkName())
	for _, row := range s.visibleRows(req) {
		joinKey, values, err := req.Entity.KeyOfFields(row, remoteFields)
		if err != nil {
			return nil, err
		}
		if hasNull(values) {
			continue
		}
		for _, parent := range parentsByJoin[joinKey] {
			if err := merger.Add(row, parent); err != nil {
				return nil, err
			}
		}
	}
	return merger.Rows(), nil
}

// visibleRows returns copies of the rows that are not soft-deleted and
// satisfy the request predicate.
func (s *MemoryStore) visibleRows(req Request) []map[string]any {
	table := s.tables[req.Entity.Name]
	if table == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(table.rows))
	for _, row := range table.rows {
		if softDeleted(req.Entity, row) {
			continue
		}
		if req.Predicate != nil && !req.Predicate.Match(row) {
			continue
		}
		out = append(out, copyRow(row))
	}
	return out
}

func softDeleted(entity *registry.Entity, row map[string]any) bool {
	if entity.SoftDelete == "" {
		return false
	}
	deleted, _ := row[entity.SoftDelete].(bool)
	return deleted
}

func hasNull(values []any) bool {
	for _, v := range values {
		if v == nil {
			return true
		}
	}
	return false
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func normalizeStored(value any) any {
	if t, ok := value.(time.Time); ok {
		return t.UTC().Format(time.RFC3339)
	}
	return value
}
