// Package introspection discovers table metadata from information_schema and
// derives an entity model from it: one entity per keyed table, one relationship
// pair per foreign key, and association relationships through pure junction tables.
package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Column represents a database column
type Column struct {
	Name            string
	DataType        string
	ColumnType      string
	IsNullable      bool
	IsPrimaryKey    bool
	IsAutoIncrement bool
	Comment         string
}

// ForeignKey represents one column of a foreign key constraint.
type ForeignKey struct {
	ColumnName       string // e.g., "feed_id"
	ReferencedTable  string // e.g., "feeds"
	ReferencedColumn string // e.g., "id"
	ConstraintName   string // e.g., "articles_ibfk_1"
	OrdinalPosition  int    // Column position within the FK constraint
}

// Table represents a database table
type Table struct {
	Name        string
	Comment     string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
}

// Schema represents the introspected database schema
type Schema struct {
	Database string
	Tables   []Table
}

// Table returns the named table.
func (s *Schema) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, bool) {
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// Queryer provides query access for schema introspection.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// IntrospectDatabase reads base tables, columns, primary keys and foreign keys
// of databaseName. Each kind of metadata is fetched for the whole schema in one
// query. Views are skipped: they carry no keys to navigate by.
func IntrospectDatabase(ctx context.Context, db Queryer, databaseName string) (*Schema, error) {
	ctx, span := startSpan(ctx, "introspection.build_schema",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	schema, err := readCatalog(ctx, db, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.table_count", len(schema.Tables)))
	return schema, nil
}

func readCatalog(ctx context.Context, db Queryer, databaseName string) (*Schema, error) {
	tables, err := collect(ctx, db, "tables", tablesQuery(databaseName), func(rows *sql.Rows) (Table, error) {
		var table Table
		var comment sql.NullString
		err := rows.Scan(&table.Name, &comment)
		table.Comment = strings.TrimSpace(comment.String)
		return table, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}

	schema := &Schema{Database: databaseName, Tables: tables}
	byName := make(map[string]*Table, len(tables))
	for i := range schema.Tables {
		byName[schema.Tables[i].Name] = &schema.Tables[i]
	}

	columns, err := collect(ctx, db, "columns", columnsQuery(databaseName), func(rows *sql.Rows) (owned[Column], error) {
		var c owned[Column]
		var comment sql.NullString
		var nullable, extra string
		err := rows.Scan(&c.table, &c.item.Name, &c.item.DataType, &c.item.ColumnType, &comment, &nullable, &extra)
		c.item.Comment = strings.TrimSpace(comment.String)
		c.item.IsNullable = strings.EqualFold(nullable, "YES")
		c.item.IsAutoIncrement = strings.Contains(strings.ToLower(extra), "auto_increment")
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	for _, c := range columns {
		if t := byName[c.table]; t != nil {
			t.Columns = append(t.Columns, c.item)
		}
	}

	keys, err := collect(ctx, db, "primary_keys", primaryKeysQuery(databaseName), func(rows *sql.Rows) (owned[string], error) {
		var k owned[string]
		return k, rows.Scan(&k.table, &k.item)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get primary keys: %w", err)
	}
	for _, k := range keys {
		if t := byName[k.table]; t != nil {
			t.PrimaryKey = append(t.PrimaryKey, k.item)
		}
	}

	fks, err := collect(ctx, db, "foreign_keys", foreignKeysQuery(databaseName), func(rows *sql.Rows) (owned[ForeignKey], error) {
		var fk owned[ForeignKey]
		return fk, rows.Scan(&fk.table, &fk.item.ColumnName, &fk.item.ReferencedTable,
			&fk.item.ReferencedColumn, &fk.item.ConstraintName, &fk.item.OrdinalPosition)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get foreign keys: %w", err)
	}
	for _, fk := range fks {
		if t := byName[fk.table]; t != nil {
			t.ForeignKeys = append(t.ForeignKeys, fk.item)
		}
	}

	for i := range schema.Tables {
		markPrimaryKey(&schema.Tables[i])
	}
	return schema, nil
}

// owned tags a catalog row with the table it belongs to.
type owned[T any] struct {
	table string
	item  T
}

func markPrimaryKey(table *Table) {
	for i := range table.Columns {
		table.Columns[i].IsPrimaryKey = slices.Contains(table.PrimaryKey, table.Columns[i].Name)
	}
}

func tablesQuery(databaseName string) sq.SelectBuilder {
	return sq.Select("TABLE_NAME", "TABLE_COMMENT").
		From("INFORMATION_SCHEMA.TABLES").
		Where(sq.Eq{"TABLE_SCHEMA": databaseName}).
		Where(sq.Eq{"TABLE_TYPE": "BASE TABLE"}).
		OrderBy("TABLE_NAME")
}

func columnsQuery(databaseName string) sq.SelectBuilder {
	return sq.Select("TABLE_NAME", "COLUMN_NAME", "DATA_TYPE", "COLUMN_TYPE", "COLUMN_COMMENT", "IS_NULLABLE", "EXTRA").
		From("INFORMATION_SCHEMA.COLUMNS").
		Where(sq.Eq{"TABLE_SCHEMA": databaseName}).
		OrderBy("TABLE_NAME", "ORDINAL_POSITION")
}

func primaryKeysQuery(databaseName string) sq.SelectBuilder {
	return sq.Select("TABLE_NAME", "COLUMN_NAME").
		From("INFORMATION_SCHEMA.KEY_COLUMN_USAGE").
		Where(sq.Eq{"TABLE_SCHEMA": databaseName}).
		Where(sq.Eq{"CONSTRAINT_NAME": "PRIMARY"}).
		OrderBy("TABLE_NAME", "ORDINAL_POSITION")
}

func foreignKeysQuery(databaseName string) sq.SelectBuilder {
	return sq.Select("TABLE_NAME", "COLUMN_NAME", "REFERENCED_TABLE_NAME", "REFERENCED_COLUMN_NAME", "CONSTRAINT_NAME", "ORDINAL_POSITION").
		From("INFORMATION_SCHEMA.KEY_COLUMN_USAGE").
		Where(sq.Eq{"TABLE_SCHEMA": databaseName}).
		Where(sq.NotEq{"REFERENCED_TABLE_NAME": nil}).
		OrderBy("TABLE_NAME", "CONSTRAINT_NAME", "ORDINAL_POSITION")
}

// collect runs one catalog query under its own span and scans every row.
func collect[T any](ctx context.Context, db Queryer, kind string, query sq.SelectBuilder, scan func(*sql.Rows) (T, error)) ([]T, error) {
	ctx, span := startSpan(ctx, "introspection.get_"+kind)
	defer span.End()

	stmt, args, err := query.ToSql()
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("relgraph/introspection").Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
