// Package sqlstore implements storage.Store on MySQL. Relationship
// fetches run one batched statement per chunk of parents and return each
// target with the keys of the parents it was reached from.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"relgraph/internal/dbexec"
	"relgraph/internal/planner"
	"relgraph/internal/registry"
	"relgraph/internal/storage"

	"github.com/go-sql-driver/mysql"
)

// DefaultMaxInClause bounds the parent tuples bound into one statement.
const DefaultMaxInClause = 1000

var errAccessDenied = errors.New("access denied")

const (
	mysqlErrDBAccessDenied     = 1044 // Access denied for user to database
	mysqlErrTableAccessDenied  = 1142 // SELECT command denied to user for table
	mysqlErrColumnAccessDenied = 1143 // SELECT command denied to user for column
)

// Store reads entities through a query executor.
type Store struct {
	executor    dbexec.QueryExecutor
	registry    *registry.Registry
	maxInClause int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxInClause sets the number of parent tuples per statement.
func WithMaxInClause(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxInClause = n
		}
	}
}

// New creates a Store.
func New(executor dbexec.QueryExecutor, reg *registry.Registry, opts ...Option) *Store {
	s := &Store{executor: executor, registry: reg, maxInClause: DefaultMaxInClause}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ storage.Store = (*Store)(nil)

// Fetch implements storage.Store.
func (s *Store) Fetch(ctx context.Context, req storage.Request) ([]storage.Row, error) {
	if req.Entity == nil {
		return nil, fmt.Errorf("fetch: request has no entity")
	}
	if req.Via == nil {
		query, err := planner.PlanFetch(req.Entity, req.Predicate)
		if err != nil {
			return nil, err
		}
		merger := storage.NewMerger(req.Entity, "")
		if err := s.run(ctx, query, req.Entity, nil, merger); err != nil {
			return nil, err
		}
		return merger.Rows(), nil
	}
	if req.Via.Relationship.IsThroughAssociation() {
		return nil, fmt.Errorf("fetch: %s.%s joins through %s; use FetchThroughAssociation",
			req.Via.Owner.Name, req.Via.Relationship.Name, req.Via.Relationship.Through.Entity)
	}
	return s.fetchTraversal(ctx, req, nil)
}

// FetchThroughAssociation implements storage.Store.
func (s *Store) FetchThroughAssociation(ctx context.Context, req storage.Request, association *registry.Entity) ([]storage.Row, error) {
	if req.Via == nil || !req.Via.Relationship.IsThroughAssociation() {
		return nil, fmt.Errorf("fetch through association: request has no association traversal")
	}
	if association == nil {
		return nil, fmt.Errorf("fetch through association: nil association entity")
	}
	return s.fetchTraversal(ctx, req, association)
}

func (s *Store) fetchTraversal(ctx context.Context, req storage.Request, association *registry.Entity) ([]storage.Row, error) {
	via := req.Via
	merger := storage.NewMerger(req.Entity, via.LinkName())
	ownerKeyFields := via.Owner.PrimaryKeyFields()

	for _, chunk := range chunkParents(via.Parents, s.maxInClause) {
		query, err := planner.PlanTraversal(planner.Traversal{
			Owner:        via.Owner,
			Target:       req.Entity,
			Relationship: via.Relationship,
			Association:  association,
			Parents:      chunk,
		}, req.Predicate)
		if err != nil {
			return nil, err
		}
		if err := s.run(ctx, query, req.Entity, ownerKeyFields, merger); err != nil {
			return nil, err
		}
	}
	return merger.Rows(), nil
}

// run executes query and feeds each row to merger. Rows carry the entity's
// fields in order followed by one column per parent key field.
func (s *Store) run(ctx context.Context, query planner.SQLQuery, entity *registry.Entity, parentFields []registry.Field, merger *storage.Merger) error {
	rows, err := s.executor.QueryContext(ctx, query.SQL, query.Args...)
	if err != nil {
		return normalizeQueryError(err)
	}
	defer rows.Close()

	width := len(entity.Fields) + len(parentFields)
	for rows.Next() {
		raw := make([]any, width)
		ptrs := make([]any, width)
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return normalizeQueryError(err)
		}

		values := make(map[string]any, len(entity.Fields))
		for i, field := range entity.Fields {
			v, err := convertValue(raw[i], field.Kind)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", entity.Name, field.Name, err)
			}
			values[field.Name] = v
		}

		var parent registry.Key
		if len(parentFields) > 0 {
			tuple := make([]any, len(parentFields))
			for i, field := range parentFields {
				v, err := convertValue(raw[len(entity.Fields)+i], field.Kind)
				if err != nil {
					return fmt.Errorf("parent key %s: %w", field.Name, err)
				}
				tuple[i] = v
			}
			parent = registry.MakeKey(tuple)
		}

		if err := merger.Add(values, parent); err != nil {
			return err
		}
	}
	return normalizeQueryError(rows.Err())
}

func chunkParents(parents [][]any, size int) [][]planner.ParentTuple {
	if size <= 0 {
		size = DefaultMaxInClause
	}
	chunks := make([][]planner.ParentTuple, 0, (len(parents)+size-1)/size)
	for start := 0; start < len(parents); start += size {
		end := start + size
		if end > len(parents) {
			end = len(parents)
		}
		chunk := make([]planner.ParentTuple, 0, end-start)
		for _, values := range parents[start:end] {
			chunk = append(chunk, planner.ParentTuple{Values: values})
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// convertValue coerces a driver value to the Go type of a scalar kind.
// DECIMAL columns arrive as text, TINYINT(1) booleans as integers, and
// DATETIME either as text or time.Time depending on the DSN.
func convertValue(val any, kind registry.ScalarKind) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch kind {
	case registry.KindInt:
		switch v := val.(type) {
		case int64:
			return v, nil
		case int32:
			return int64(v), nil
		case int:
			return int64(v), nil
		case uint64:
			return int64(v), nil
		case []byte:
			return strconv.ParseInt(string(v), 10, 64)
		case string:
			return strconv.ParseInt(v, 10, 64)
		case float64:
			return int64(v), nil
		}
	case registry.KindFloat:
		switch v := val.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case []byte:
			return strconv.ParseFloat(string(v), 64)
		case string:
			return strconv.ParseFloat(v, 64)
		}
	case registry.KindBoolean:
		switch v := val.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		case []byte:
			return parseBool(string(v))
		case string:
			return parseBool(v)
		}
	case registry.KindString:
		switch v := val.(type) {
		case []byte:
			return string(v), nil
		case string:
			return v, nil
		case time.Time:
			return v.UTC().Format(time.RFC3339), nil
		default:
			return fmt.Sprint(v), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", val, kind)
}

func parseBool(s string) (bool, error) {
	switch s {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func normalizeQueryError(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDBAccessDenied, mysqlErrTableAccessDenied, mysqlErrColumnAccessDenied:
			return errAccessDenied
		}
	}
	return err
}
