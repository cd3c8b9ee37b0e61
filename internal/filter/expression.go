// Package filter compiles nested filter expressions over entity fields into
// predicates. A compiled Predicate renders as a SQL constraint for the SQL
// store and evaluates directly against rows for the in-memory store.
package filter

import (
	"relgraph/internal/registry"
)

// Operator is a field comparison operator.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNe          Operator = "ne"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLike        Operator = "like"
	OpIn          Operator = "in"
	OpILike       Operator = "ilike"
	OpStartsWith  Operator = "startswith"
	OpEndsWith    Operator = "endswith"
	OpIStartsWith Operator = "istartswith"
	OpIEndsWith   Operator = "iendswith"
	OpContains    Operator = "contains"
)

// catalog lists every operator in the order filter inputs expose them.
var catalog = []Operator{
	OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpLike, OpIn,
	OpILike, OpStartsWith, OpEndsWith, OpIStartsWith, OpIEndsWith, OpContains,
}

var stringOnly = map[Operator]bool{
	OpILike:       true,
	OpStartsWith:  true,
	OpEndsWith:    true,
	OpIStartsWith: true,
	OpIEndsWith:   true,
	OpContains:    true,
}

// Known reports whether op is in the operator catalog.
func (op Operator) Known() bool {
	for _, candidate := range catalog {
		if candidate == op {
			return true
		}
	}
	return false
}

// AppliesTo reports whether op may be used on a field of the given kind.
func (op Operator) AppliesTo(kind registry.ScalarKind) bool {
	if !op.Known() {
		return false
	}
	if stringOnly[op] {
		return kind == registry.KindString
	}
	return true
}

// OperatorsFor returns the operators applicable to kind, in catalog order.
func OperatorsFor(kind registry.ScalarKind) []Operator {
	ops := make([]Operator, 0, len(catalog))
	for _, op := range catalog {
		if op.AppliesTo(kind) {
			ops = append(ops, op)
		}
	}
	return ops
}

// Logic is a logical combinator.
type Logic string

const (
	And  Logic = "AND"
	Or   Logic = "OR"
	Nand Logic = "NAND"
	Nor  Logic = "NOR"
	Not  Logic = "NOT"
	Xor  Logic = "XOR"
)

// Combinators lists the logical combinators in the order filter inputs expose them.
var Combinators = []Logic{And, Or, Nand, Nor, Not, Xor}

func parseLogic(key string) (Logic, bool) {
	for _, logic := range Combinators {
		if string(logic) == key {
			return logic, true
		}
	}
	return "", false
}

// Expression is a filter tree node: a FieldPredicate or a LogicalNode.
type Expression interface {
	isExpression()
}

// FieldPredicate compares one field against a value.
type FieldPredicate struct {
	Field    string
	Operator Operator
	Value    any
}

// LogicalNode combines child expressions. NOT has exactly one child.
type LogicalNode struct {
	Op       Logic
	Children []Expression
}

func (FieldPredicate) isExpression() {}
func (LogicalNode) isExpression()    {}

// AllOf combines expressions with AND, dropping nil entries. It returns nil
// when nothing remains and the single expression when only one does.
func AllOf(exprs ...Expression) Expression {
	kept := make([]Expression, 0, len(exprs))
	for _, expr := range exprs {
		if expr != nil {
			kept = append(kept, expr)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return LogicalNode{Op: And, Children: kept}
	}
}
