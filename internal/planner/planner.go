// Package planner converts store requests into parameterized SQL statements.
// Relationship fetches are batched: one statement loads the targets of many
// parents and returns each parent's key alongside the target columns.
package planner

import (
	"errors"
	"fmt"
	"strings"

	"relgraph/internal/registry"
	"relgraph/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// ErrNoParents indicates a batch plan was requested without parent keys.
var ErrNoParents = errors.New("no parent keys")

const (
	parentAliasPrefix = "__parent_"
	ownerAlias        = "__owner"
	associationAlias  = "__assoc"
)

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// ParentTuple represents an ordered composite parent key used in batch plans.
type ParentTuple struct {
	Values []interface{}
}

// ParentAliases returns the scan aliases batch SQL emits for the parent key
// columns, after the target columns.
func ParentAliases(width int) []string {
	aliases := make([]string, width)
	for i := range aliases {
		aliases[i] = fmt.Sprintf("%s%d", parentAliasPrefix, i)
	}
	return aliases
}

// PlanFetch builds the SQL for an unbatched fetch of entity rows.
func PlanFetch(entity *registry.Entity, pred sq.Sqlizer) (SQLQuery, error) {
	builder := sq.Select(targetColumns(entity)...).
		From(sqlutil.QuoteIdentifier(entity.Table))
	if pred != nil {
		builder = builder.Where(pred)
	}
	builder = whereVisible(builder, entity.Table, entity)
	builder = builder.OrderBy(qualifiedColumns(entity.Table, entity, entity.PrimaryKey)...)

	return toQuery(builder)
}

// Traversal describes a batched relationship fetch.
type Traversal struct {
	Owner        *registry.Entity
	Target       *registry.Entity
	Relationship *registry.Relationship
	// Association is required when the relationship joins through one.
	Association *registry.Entity
	Parents     []ParentTuple
}

// PlanTraversal builds the SQL loading the targets of a relationship for
// every parent in t. Each result row carries the owner primary key in the
// ParentAliases columns; a target reachable from several parents appears
// once per parent.
func PlanTraversal(t Traversal, pred sq.Sqlizer) (SQLQuery, error) {
	if len(t.Parents) == 0 {
		return SQLQuery{}, ErrNoParents
	}
	if t.Owner == nil || t.Target == nil || t.Relationship == nil {
		return SQLQuery{}, fmt.Errorf("traversal requires owner, target and relationship")
	}

	target := t.Target
	quotedTarget := sqlutil.QuoteIdentifier(target.Table)
	builder := sq.Select(targetColumns(target)...).From(quotedTarget)

	var parentColumns []string
	rel := t.Relationship
	if rel.IsThroughAssociation() {
		assoc := t.Association
		if assoc == nil || assoc.Name != rel.Through.Entity {
			return SQLQuery{}, fmt.Errorf("%s.%s requires association entity %s", t.Owner.Name, rel.Name, rel.Through.Entity)
		}
		on, err := joinCondition(associationAlias, assoc, rel.Through.Target.Local, target.Table, target, rel.Through.Target.Remote)
		if err != nil {
			return SQLQuery{}, err
		}
		builder = builder.InnerJoin(fmt.Sprintf("%s AS %s ON %s", sqlutil.QuoteIdentifier(assoc.Table), sqlutil.QuoteIdentifier(associationAlias), on))
		builder = whereVisible(builder, associationAlias, assoc)

		if sameFields(rel.Through.Owner.Local, t.Owner.PrimaryKey) {
			parentColumns, err = columnsFor(associationAlias, assoc, rel.Through.Owner.Remote)
			if err != nil {
				return SQLQuery{}, err
			}
		} else {
			on, err := joinCondition(ownerAlias, t.Owner, rel.Through.Owner.Local, associationAlias, assoc, rel.Through.Owner.Remote)
			if err != nil {
				return SQLQuery{}, err
			}
			builder = builder.InnerJoin(fmt.Sprintf("%s AS %s ON %s", sqlutil.QuoteIdentifier(t.Owner.Table), sqlutil.QuoteIdentifier(ownerAlias), on))
			parentColumns = qualifiedColumns(ownerAlias, t.Owner, t.Owner.PrimaryKey)
		}
	} else {
		var err error
		if sameFields(rel.Join.Local, t.Owner.PrimaryKey) {
			parentColumns, err = columnsFor(target.Table, target, rel.Join.Remote)
			if err != nil {
				return SQLQuery{}, err
			}
		} else {
			on, err := joinCondition(ownerAlias, t.Owner, rel.Join.Local, target.Table, target, rel.Join.Remote)
			if err != nil {
				return SQLQuery{}, err
			}
			builder = builder.InnerJoin(fmt.Sprintf("%s AS %s ON %s", sqlutil.QuoteIdentifier(t.Owner.Table), sqlutil.QuoteIdentifier(ownerAlias), on))
			parentColumns = qualifiedColumns(ownerAlias, t.Owner, t.Owner.PrimaryKey)
		}
	}

	aliases := ParentAliases(len(parentColumns))
	for i, col := range parentColumns {
		builder = builder.Column(fmt.Sprintf("%s AS %s", col, aliases[i]))
	}

	inSQL, inArgs, err := buildTupleInCondition(parentColumns, t.Parents)
	if err != nil {
		return SQLQuery{}, err
	}
	builder = builder.Where(sq.Expr(inSQL, inArgs...))
	if pred != nil {
		builder = builder.Where(pred)
	}
	builder = whereVisible(builder, target.Table, target)

	orderBy := qualifiedColumns(target.Table, target, target.PrimaryKey)
	orderBy = append(orderBy, aliases...)
	builder = builder.OrderBy(orderBy...)

	return toQuery(builder)
}

func toQuery(builder sq.SelectBuilder) (SQLQuery, error) {
	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// whereVisible excludes soft-deleted rows of entity, addressed through alias.
func whereVisible(builder sq.SelectBuilder, alias string, entity *registry.Entity) sq.SelectBuilder {
	if entity.SoftDelete == "" {
		return builder
	}
	field, ok := entity.Field(entity.SoftDelete)
	if !ok {
		return builder
	}
	return builder.Where(sq.Eq{sqlutil.QualifiedColumn(alias, field.Column): false})
}

// targetColumns lists the entity's columns in field order.
func targetColumns(entity *registry.Entity) []string {
	cols := make([]string, len(entity.Fields))
	for i, field := range entity.Fields {
		cols[i] = sqlutil.QualifiedColumn(entity.Table, field.Column)
	}
	return cols
}

func qualifiedColumns(alias string, entity *registry.Entity, fields []string) []string {
	cols, err := columnsFor(alias, entity, fields)
	if err != nil {
		// Registry construction guarantees key fields exist.
		panic(err)
	}
	return cols
}

func columnsFor(alias string, entity *registry.Entity, fields []string) ([]string, error) {
	cols := make([]string, len(fields))
	for i, name := range fields {
		field, ok := entity.Field(name)
		if !ok {
			return nil, fmt.Errorf("%s has no field %q", entity.Name, name)
		}
		cols[i] = sqlutil.QualifiedColumn(alias, field.Column)
	}
	return cols, nil
}

func joinCondition(leftAlias string, left *registry.Entity, leftFields []string, rightAlias string, right *registry.Entity, rightFields []string) (string, error) {
	if len(leftFields) != len(rightFields) || len(leftFields) == 0 {
		return "", fmt.Errorf("join between %s and %s has mismatched widths", left.Name, right.Name)
	}
	leftCols, err := columnsFor(leftAlias, left, leftFields)
	if err != nil {
		return "", err
	}
	rightCols, err := columnsFor(rightAlias, right, rightFields)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(leftCols))
	for i := range leftCols {
		parts[i] = fmt.Sprintf("%s = %s", leftCols[i], rightCols[i])
	}
	return strings.Join(parts, " AND "), nil
}

func sameFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func buildTupleInCondition(quotedColumns []string, tuples []ParentTuple) (string, []interface{}, error) {
	if len(tuples) == 0 {
		return "", nil, ErrNoParents
	}
	width := len(quotedColumns)
	if width == 0 {
		return "", nil, fmt.Errorf("tuple IN requires at least one column")
	}

	if width == 1 {
		placeholders := sq.Placeholders(len(tuples))
		args := make([]interface{}, 0, len(tuples))
		for _, tuple := range tuples {
			if len(tuple.Values) != 1 {
				return "", nil, fmt.Errorf("tuple width mismatch: expected 1 value")
			}
			args = append(args, tuple.Values[0])
		}
		return fmt.Sprintf("%s IN (%s)", quotedColumns[0], placeholders), args, nil
	}

	args := make([]interface{}, 0, len(tuples)*width)
	rowPlaceholders := make([]string, 0, len(tuples))
	valuePlaceholders := "(" + strings.TrimSuffix(strings.Repeat("?,", width), ",") + ")"
	for _, tuple := range tuples {
		if len(tuple.Values) != width {
			return "", nil, fmt.Errorf("tuple width mismatch: expected %d values", width)
		}
		rowPlaceholders = append(rowPlaceholders, valuePlaceholders)
		args = append(args, tuple.Values...)
	}

	return fmt.Sprintf("(%s) IN (%s)", strings.Join(quotedColumns, ", "), strings.Join(rowPlaceholders, ", ")), args, nil
}
