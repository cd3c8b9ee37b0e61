package filter

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"relgraph/internal/registry"
	"relgraph/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// CompilationError describes a filter the compiler could not honor as
// written. Unknown or type-incompatible operators are reported through the
// fallback hook and compiled as eq unless the compiler is strict.
type CompilationError struct {
	Entity   string
	Field    string
	Operator Operator
	Reason   string
	// Fallback is true when the compiler substituted eq and carried on.
	Fallback bool
}

func (e *CompilationError) Error() string {
	key := e.Field
	if e.Operator != "" {
		key = Key(e.Field, e.Operator)
	}
	return fmt.Sprintf("filter %s.%s: %s", e.Entity, key, e.Reason)
}

// FallbackHook observes operator fallbacks. ctx is the context passed to
// Compile, so a hook can log against the request that carried the filter.
type FallbackHook func(ctx context.Context, err *CompilationError)

// Compiler turns expressions into predicates for a given entity.
type Compiler struct {
	strict     bool
	onFallback FallbackHook
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithStrictOperators rejects unknown and type-incompatible operators instead
// of falling back to eq.
func WithStrictOperators(strict bool) Option {
	return func(c *Compiler) {
		c.strict = strict
	}
}

// WithFallbackHook registers a hook called for every eq fallback.
func WithFallbackHook(hook FallbackHook) Option {
	return func(c *Compiler) {
		c.onFallback = hook
	}
}

// NewCompiler creates a compiler.
func NewCompiler(opts ...Option) *Compiler {
	c := &Compiler{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile builds the predicate for expr against entity. A nil expression
// compiles to True. Columns are qualified by the entity table.
func (c *Compiler) Compile(ctx context.Context, entity *registry.Entity, expr Expression) (Predicate, error) {
	if entity == nil {
		return nil, fmt.Errorf("compile filter: nil entity")
	}
	if expr == nil {
		return True, nil
	}
	return c.compile(ctx, entity, expr)
}

func (c *Compiler) compile(ctx context.Context, entity *registry.Entity, expr Expression) (Predicate, error) {
	switch e := expr.(type) {
	case FieldPredicate:
		return c.compileField(ctx, entity, e)
	case *FieldPredicate:
		return c.compileField(ctx, entity, *e)
	case LogicalNode:
		return c.compileLogical(ctx, entity, e)
	case *LogicalNode:
		return c.compileLogical(ctx, entity, *e)
	default:
		return nil, fmt.Errorf("compile filter: unsupported expression %T", expr)
	}
}

func (c *Compiler) compileLogical(ctx context.Context, entity *registry.Entity, node LogicalNode) (Predicate, error) {
	children := make([]Predicate, 0, len(node.Children))
	for _, child := range node.Children {
		if child == nil {
			children = append(children, True)
			continue
		}
		pred, err := c.compile(ctx, entity, child)
		if err != nil {
			return nil, err
		}
		children = append(children, pred)
	}

	switch node.Op {
	case And:
		return conjunction(children), nil
	case Or:
		return disjunction(children), nil
	case Nand:
		return negation{inner: conjunction(children)}, nil
	case Nor:
		return negation{inner: disjunction(children)}, nil
	case Not:
		if len(children) != 1 {
			return nil, fmt.Errorf("compile filter: NOT takes exactly one filter, got %d", len(children))
		}
		return negation{inner: children[0]}, nil
	case Xor:
		return exactlyOne(children), nil
	default:
		return nil, fmt.Errorf("compile filter: unknown combinator %q", node.Op)
	}
}

func (c *Compiler) compileField(ctx context.Context, entity *registry.Entity, fp FieldPredicate) (Predicate, error) {
	field, ok := entity.Field(fp.Field)
	if !ok {
		return nil, &CompilationError{Entity: entity.Name, Field: fp.Field, Operator: fp.Operator, Reason: "unknown field"}
	}

	op := fp.Operator
	if op == "" {
		op = OpEq
	}
	if !op.AppliesTo(field.Kind) {
		cerr := &CompilationError{Entity: entity.Name, Field: fp.Field, Operator: op}
		if op.Known() {
			cerr.Reason = fmt.Sprintf("operator %q does not apply to %s fields", op, field.Kind)
		} else {
			cerr.Reason = fmt.Sprintf("unknown operator %q", op)
		}
		if c.strict {
			return nil, cerr
		}
		cerr.Fallback = true
		if c.onFallback != nil {
			c.onFallback(ctx, cerr)
		}
		op = OpEq
	}

	if op != OpIn && isCollection(fp.Value) {
		return nil, &CompilationError{Entity: entity.Name, Field: fp.Field, Operator: op, Reason: "value must be a scalar"}
	}

	column := sqlutil.QualifiedColumn(entity.Table, field.Column)
	return buildComparison(fp.Field, column, op, normalizeValue(fp.Value))
}

func buildComparison(field, column string, op Operator, value any) (Predicate, error) {
	p := comparison{field: field}

	switch op {
	case OpEq:
		p.cond = sq.Eq{column: value}
		if value == nil {
			p.matchNull = true
			p.test = func(any) bool { return false }
		} else {
			p.test = func(v any) bool { return compareIs(v, value, func(c int) bool { return c == 0 }) }
		}
	case OpNe:
		p.cond = sq.NotEq{column: value}
		if value == nil {
			p.test = func(any) bool { return true }
		} else {
			p.test = func(v any) bool { return compareIs(v, value, func(c int) bool { return c != 0 }) }
		}
	case OpLt:
		p.cond = sq.Lt{column: value}
		p.test = func(v any) bool { return compareIs(v, value, func(c int) bool { return c < 0 }) }
	case OpLte:
		p.cond = sq.LtOrEq{column: value}
		p.test = func(v any) bool { return compareIs(v, value, func(c int) bool { return c <= 0 }) }
	case OpGt:
		p.cond = sq.Gt{column: value}
		p.test = func(v any) bool { return compareIs(v, value, func(c int) bool { return c > 0 }) }
	case OpGte:
		p.cond = sq.GtOrEq{column: value}
		p.test = func(v any) bool { return compareIs(v, value, func(c int) bool { return c >= 0 }) }
	case OpIn:
		values := toList(value)
		if len(values) == 0 {
			return False, nil
		}
		p.cond = sq.Eq{column: values}
		p.test = func(v any) bool {
			for _, candidate := range values {
				if candidate != nil && compareIs(v, candidate, func(c int) bool { return c == 0 }) {
					return true
				}
			}
			return false
		}
	case OpLike:
		return likeComparison(field, column, fmt.Sprint(value), false)
	case OpILike:
		return likeComparison(field, column, fmt.Sprint(value), true)
	case OpStartsWith:
		return likeComparison(field, column, sqlutil.EscapeLike(fmt.Sprint(value))+"%", false)
	case OpIStartsWith:
		return likeComparison(field, column, sqlutil.EscapeLike(fmt.Sprint(value))+"%", true)
	case OpEndsWith:
		return likeComparison(field, column, "%"+sqlutil.EscapeLike(fmt.Sprint(value)), false)
	case OpIEndsWith:
		return likeComparison(field, column, "%"+sqlutil.EscapeLike(fmt.Sprint(value)), true)
	case OpContains:
		return likeComparison(field, column, "%"+sqlutil.EscapeLike(fmt.Sprint(value))+"%", false)
	default:
		return nil, fmt.Errorf("compile filter: unhandled operator %q", op)
	}
	return p, nil
}

func likeComparison(field, column, pattern string, caseInsensitive bool) (Predicate, error) {
	re, err := likePattern(pattern, caseInsensitive)
	if err != nil {
		return nil, err
	}
	p := comparison{
		field: field,
		test: func(v any) bool {
			return re.MatchString(stringValue(v))
		},
	}
	if caseInsensitive {
		p.cond = sq.Expr(fmt.Sprintf("LOWER(%s) LIKE LOWER(?)", column), pattern)
	} else {
		p.cond = sq.Like{column: pattern}
	}
	return p, nil
}

// likePattern translates a SQL LIKE pattern (backslash escapes, % and _
// wildcards) into an anchored regular expression.
func likePattern(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?is)")
	} else {
		b.WriteString("(?s)")
	}
	b.WriteString("^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		b.WriteString(regexp.QuoteMeta(`\`))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// compareIs compares a row value with a filter value and applies accept to
// the ordering. Values of incomparable kinds never match.
func compareIs(rowValue, filterValue any, accept func(int) bool) bool {
	c, ok := compareValues(normalizeValue(rowValue), filterValue)
	return ok && accept(c)
}

func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		if bb, ok := b.(bool); ok {
			return compareValues(a, boolToFloat(bb))
		}
		return 0, false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		switch bv := b.(type) {
		case bool:
			return compareValues(boolToFloat(av), boolToFloat(bv))
		default:
			if _, ok := toFloat(b); ok {
				return compareValues(boolToFloat(av), b)
			}
		}
	}
	return 0, false
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// normalizeValue folds byte slices and times into strings, matching how the
// SQL store scans them.
func normalizeValue(v any) any {
	switch value := v.(type) {
	case []byte:
		return string(value)
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

func stringValue(v any) string {
	switch value := normalizeValue(v).(type) {
	case string:
		return value
	case bool:
		if value {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(value)
	}
}

func isCollection(v any) bool {
	if v == nil {
		return false
	}
	switch v.(type) {
	case []byte, string:
		return false
	}
	kind := reflect.TypeOf(v).Kind()
	return kind == reflect.Slice || kind == reflect.Array || kind == reflect.Map
}

func toList(v any) []any {
	if v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = normalizeValue(item)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	}
	return []any{normalizeValue(v)}
}
