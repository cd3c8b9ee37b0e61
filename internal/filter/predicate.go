package filter

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Predicate is a compiled filter. It renders as a SQL constraint through
// squirrel and evaluates against rows keyed by field name.
//
// Both renditions use two-valued logic: a comparison against a NULL value is
// false, and negation never turns it true.
type Predicate interface {
	sq.Sqlizer
	Match(row map[string]any) bool
}

// True is the predicate every row satisfies.
var True Predicate = constPredicate(true)

// False is the predicate no row satisfies.
var False Predicate = constPredicate(false)

type constPredicate bool

func (p constPredicate) ToSql() (string, []interface{}, error) {
	if p {
		return "(1=1)", []interface{}{}, nil
	}
	return "(1=0)", []interface{}{}, nil
}

func (p constPredicate) Match(map[string]any) bool {
	return bool(p)
}

// comparison tests one field. test only sees non-NULL values; matchNull is
// the result when the row value is NULL or absent.
type comparison struct {
	field     string
	cond      sq.Sqlizer
	test      func(value any) bool
	matchNull bool
}

func (p comparison) ToSql() (string, []interface{}, error) {
	return p.cond.ToSql()
}

func (p comparison) Match(row map[string]any) bool {
	value, ok := row[p.field]
	if !ok || value == nil {
		return p.matchNull
	}
	return p.test(value)
}

type conjunction []Predicate

func (p conjunction) ToSql() (string, []interface{}, error) {
	return sq.And(sqlizers(p)).ToSql()
}

func (p conjunction) Match(row map[string]any) bool {
	for _, child := range p {
		if !child.Match(row) {
			return false
		}
	}
	return true
}

type disjunction []Predicate

func (p disjunction) ToSql() (string, []interface{}, error) {
	return sq.Or(sqlizers(p)).ToSql()
}

func (p disjunction) Match(row map[string]any) bool {
	for _, child := range p {
		if child.Match(row) {
			return true
		}
	}
	return false
}

type negation struct {
	inner Predicate
}

func (p negation) ToSql() (string, []interface{}, error) {
	sql, args, err := p.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	// COALESCE folds NULL to false so NOT stays two-valued.
	return fmt.Sprintf("NOT (COALESCE(%s, FALSE))", sql), args, nil
}

func (p negation) Match(row map[string]any) bool {
	return !p.inner.Match(row)
}

// exactlyOne is satisfied when exactly one child is true: the 0/1 indicators
// of the children sum to 1. With no children the sum is 0.
type exactlyOne []Predicate

func (p exactlyOne) ToSql() (string, []interface{}, error) {
	if len(p) == 0 {
		return False.ToSql()
	}
	parts := make([]string, 0, len(p))
	args := []interface{}{}
	for _, child := range p {
		sql, childArgs, err := child.ToSql()
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, fmt.Sprintf("(CASE WHEN %s THEN 1 ELSE 0 END)", sql))
		args = append(args, childArgs...)
	}
	return fmt.Sprintf("((%s) = 1)", strings.Join(parts, " + ")), args, nil
}

func (p exactlyOne) Match(row map[string]any) bool {
	count := 0
	for _, child := range p {
		if child.Match(row) {
			count++
		}
	}
	return count == 1
}

func sqlizers(preds []Predicate) []sq.Sqlizer {
	out := make([]sq.Sqlizer, len(preds))
	for i, pred := range preds {
		out[i] = pred
	}
	return out
}
