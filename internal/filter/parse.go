package filter

import (
	"fmt"
	"sort"
	"strings"
)

// Separator splits a filter key into field name and operator.
const Separator = "__"

// Parse converts a filter input map into an expression tree.
//
// Keys are either combinators (AND, OR, NAND, NOR, XOR take a list of maps,
// NOT takes one map) or field keys of the form "field__op". A key without an
// operator suffix compares with eq. Several keys in one map combine with AND
// in sorted key order. An empty or nil map parses to nil.
func Parse(input map[string]any) (Expression, error) {
	if len(input) == 0 {
		return nil, nil
	}
	return parseMap(input)
}

func parseMap(input map[string]any) (Expression, error) {
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	children := make([]Expression, 0, len(keys))
	for _, key := range keys {
		expr, err := parseEntry(key, input[key])
		if err != nil {
			return nil, err
		}
		if expr != nil {
			children = append(children, expr)
		}
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return LogicalNode{Op: And, Children: children}, nil
}

func parseEntry(key string, value any) (Expression, error) {
	if logic, ok := parseLogic(key); ok {
		return parseLogical(logic, value)
	}

	field, op := splitKey(key)
	if field == "" {
		return nil, fmt.Errorf("filter key %q has no field name", key)
	}
	return FieldPredicate{Field: field, Operator: op, Value: value}, nil
}

func parseLogical(logic Logic, value any) (Expression, error) {
	if value == nil {
		return nil, nil
	}
	items, err := filterList(logic, value)
	if err != nil {
		return nil, err
	}
	if logic == Not && len(items) != 1 {
		return nil, fmt.Errorf("NOT takes exactly one filter, got %d", len(items))
	}

	children := make([]Expression, 0, len(items))
	for i, item := range items {
		child, err := parseMap(item)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", logic, i, err)
		}
		children = append(children, child)
	}
	return LogicalNode{Op: logic, Children: children}, nil
}

func filterList(logic Logic, value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be an object", logic, i)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be an object or a list of objects", logic)
	}
}

// splitKey splits "field__op" at the last separator. A key without a
// separator is an eq comparison. Unknown operator suffixes are kept so the
// compiler can decide how to treat them.
func splitKey(key string) (string, Operator) {
	idx := strings.LastIndex(key, Separator)
	if idx < 0 {
		return key, OpEq
	}
	return key[:idx], Operator(key[idx+len(Separator):])
}

// Key renders the filter input key for a field and operator.
func Key(field string, op Operator) string {
	return field + Separator + string(op)
}
