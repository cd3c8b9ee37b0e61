package filter

import (
	"context"
	"errors"
	"testing"

	"relgraph/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemEntity(t *testing.T) *registry.Entity {
	t.Helper()
	reg, err := registry.New(registry.Model{Entities: []registry.EntityModel{{
		Name:  "Item",
		Table: "items",
		Fields: []registry.FieldModel{
			{Name: "id", Kind: "int"},
			{Name: "status", Kind: "string"},
			{Name: "name", Kind: "string"},
			{Name: "score", Kind: "float", Nullable: true},
			{Name: "active", Kind: "boolean"},
			{Name: "notes", Kind: "text", Column: "item_notes", Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}}})
	require.NoError(t, err)
	entity, err := reg.Describe("Item")
	require.NoError(t, err)
	return entity
}

var items = []map[string]any{
	{"id": 1, "status": "active", "name": "Alpha_1", "score": 0.9, "active": true, "notes": nil},
	{"id": 2, "status": "active", "name": "beta", "score": nil, "active": false, "notes": "100% done"},
	{"id": int64(3), "status": "archived", "name": "Gamma", "score": 0.1, "active": true, "notes": "needs review"},
	{"id": 4, "status": "draft", "name": "alphabet", "score": 0.5, "active": false},
}

func matchingIDs(t *testing.T, pred Predicate) []int {
	t.Helper()
	ids := []int{}
	for _, row := range items {
		if pred.Match(row) {
			switch id := row["id"].(type) {
			case int:
				ids = append(ids, id)
			case int64:
				ids = append(ids, int(id))
			}
		}
	}
	return ids
}

func compileMap(t *testing.T, c *Compiler, input map[string]any) Predicate {
	t.Helper()
	expr, err := Parse(input)
	require.NoError(t, err)
	pred, err := c.Compile(context.Background(), itemEntity(t), expr)
	require.NoError(t, err)
	return pred
}

func TestParse(t *testing.T) {
	expr, err := Parse(map[string]any{"status": "active"})
	require.NoError(t, err)
	assert.Equal(t, FieldPredicate{Field: "status", Operator: OpEq, Value: "active"}, expr)

	expr, err = Parse(map[string]any{"status__ne": "draft", "id__in": []any{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, LogicalNode{Op: And, Children: []Expression{
		FieldPredicate{Field: "id", Operator: OpIn, Value: []any{1, 2}},
		FieldPredicate{Field: "status", Operator: OpNe, Value: "draft"},
	}}, expr)

	expr, err = Parse(map[string]any{"NOT": map[string]any{"active": true}})
	require.NoError(t, err)
	assert.Equal(t, LogicalNode{Op: Not, Children: []Expression{
		FieldPredicate{Field: "active", Operator: OpEq, Value: true},
	}}, expr)

	expr, err = Parse(map[string]any{"OR": []any{map[string]any{}}})
	require.NoError(t, err)
	assert.Equal(t, LogicalNode{Op: Or, Children: []Expression{LogicalNode{Op: And, Children: []Expression{}}}}, expr)

	expr, err = Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, expr)
}

func TestParseKeepsUnknownOperatorSuffix(t *testing.T) {
	expr, err := Parse(map[string]any{"name__fuzzy": "x"})
	require.NoError(t, err)
	assert.Equal(t, FieldPredicate{Field: "name", Operator: Operator("fuzzy"), Value: "x"}, expr)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
	}{
		{"NOT with two filters", map[string]any{"NOT": []any{map[string]any{"id": 1}, map[string]any{"id": 2}}}},
		{"AND with scalar", map[string]any{"AND": 3}},
		{"OR item not an object", map[string]any{"OR": []any{"x"}}},
		{"missing field name", map[string]any{"__eq": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestOperatorsFor(t *testing.T) {
	assert.Equal(t, []Operator{OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpLike, OpIn}, OperatorsFor(registry.KindInt))
	assert.Equal(t, []Operator{
		OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpLike, OpIn,
		OpILike, OpStartsWith, OpEndsWith, OpIStartsWith, OpIEndsWith, OpContains,
	}, OperatorsFor(registry.KindString))
	assert.False(t, OpContains.AppliesTo(registry.KindBoolean))
	assert.False(t, Operator("fuzzy").Known())
}

func TestCompileSQL(t *testing.T) {
	c := NewCompiler()
	tests := []struct {
		name     string
		input    map[string]any
		wantSQL  string
		wantArgs []interface{}
	}{
		{"eq", map[string]any{"status": "active"}, "`items`.`status` = ?", []interface{}{"active"}},
		{"eq null", map[string]any{"score__eq": nil}, "`items`.`score` IS NULL", nil},
		{"ne", map[string]any{"status__ne": "draft"}, "`items`.`status` <> ?", []interface{}{"draft"}},
		{"lt", map[string]any{"score__lt": 0.5}, "`items`.`score` < ?", []interface{}{0.5}},
		{"gte", map[string]any{"id__gte": 2}, "`items`.`id` >= ?", []interface{}{2}},
		{"in", map[string]any{"id__in": []any{1, 2}}, "`items`.`id` IN (?,?)", []interface{}{1, 2}},
		{"in empty", map[string]any{"id__in": []any{}}, "(1=0)", []interface{}{}},
		{"mapped column", map[string]any{"notes__contains": "x"}, "`items`.`item_notes` LIKE ?", []interface{}{"%x%"}},
		{"like", map[string]any{"name__like": "a%"}, "`items`.`name` LIKE ?", []interface{}{"a%"}},
		{"ilike", map[string]any{"name__ilike": "A%"}, "LOWER(`items`.`name`) LIKE LOWER(?)", []interface{}{"A%"}},
		{"startswith escapes", map[string]any{"name__startswith": "a_1"}, "`items`.`name` LIKE ?", []interface{}{`a\_1%`}},
		{"iendswith", map[string]any{"name__iendswith": "ET"}, "LOWER(`items`.`name`) LIKE LOWER(?)", []interface{}{"%ET"}},
		{
			"and",
			map[string]any{"status": "active", "active": true},
			"(`items`.`active` = ? AND `items`.`status` = ?)",
			[]interface{}{true, "active"},
		},
		{
			"not",
			map[string]any{"NOT": map[string]any{"status": "draft"}},
			"NOT (COALESCE(`items`.`status` = ?, FALSE))",
			[]interface{}{"draft"},
		},
		{
			"xor",
			map[string]any{"XOR": []any{map[string]any{"id": 1}, map[string]any{"id": 2}}},
			"(((CASE WHEN `items`.`id` = ? THEN 1 ELSE 0 END) + (CASE WHEN `items`.`id` = ? THEN 1 ELSE 0 END)) = 1)",
			[]interface{}{1, 2},
		},
		{"xor empty", map[string]any{"XOR": []any{}}, "(1=0)", []interface{}{}},
		{"and empty", map[string]any{"AND": []any{}}, "(1=1)", []interface{}{}},
		{"or empty", map[string]any{"OR": []any{}}, "(1=0)", []interface{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := compileMap(t, c, tt.input)
			sql, args, err := pred.ToSql()
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			if len(tt.wantArgs) == 0 {
				assert.Empty(t, args)
			} else {
				assert.Equal(t, tt.wantArgs, args)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	c := NewCompiler()
	tests := []struct {
		name  string
		input map[string]any
		want  []int
	}{
		{"eq", map[string]any{"status": "active"}, []int{1, 2}},
		{"eq int across widths", map[string]any{"id": 3}, []int{3}},
		{"eq null", map[string]any{"score__eq": nil}, []int{2}},
		{"ne skips null", map[string]any{"score__ne": 0.1}, []int{1, 4}},
		{"gt", map[string]any{"score__gt": 0.4}, []int{1, 4}},
		{"lte", map[string]any{"id__lte": 2}, []int{1, 2}},
		{"in", map[string]any{"status__in": []any{"draft", "archived"}}, []int{3, 4}},
		{"in empty", map[string]any{"id__in": []any{}}, []int{}},
		{"like is case sensitive", map[string]any{"name__like": "alpha%"}, []int{4}},
		{"ilike", map[string]any{"name__ilike": "ALPHA%"}, []int{1, 4}},
		{"startswith literal underscore", map[string]any{"name__startswith": "Alpha_"}, []int{1}},
		{"istartswith", map[string]any{"name__istartswith": "g"}, []int{3}},
		{"endswith", map[string]any{"name__endswith": "bet"}, []int{4}},
		{"iendswith", map[string]any{"name__iendswith": "MA"}, []int{3}},
		{"contains literal percent", map[string]any{"notes__contains": "100%"}, []int{2}},
		{"boolean", map[string]any{"active": true}, []int{1, 3}},
		{"or", map[string]any{"OR": []any{map[string]any{"id": 1}, map[string]any{"status": "draft"}}}, []int{1, 4}},
		{"nand", map[string]any{"NAND": []any{map[string]any{"status": "active"}, map[string]any{"active": true}}}, []int{2, 3, 4}},
		{"nor", map[string]any{"NOR": []any{map[string]any{"status": "active"}, map[string]any{"active": true}}}, []int{4}},
		{"not over null comparison", map[string]any{"NOT": map[string]any{"score__gt": 0.4}}, []int{2, 3}},
		{"and empty", map[string]any{"AND": []any{}}, []int{1, 2, 3, 4}},
		{"or empty", map[string]any{"OR": []any{}}, []int{}},
		{"nand empty", map[string]any{"NAND": []any{}}, []int{}},
		{"nor empty", map[string]any{"NOR": []any{}}, []int{1, 2, 3, 4}},
		{"incomparable kinds", map[string]any{"status": 5}, []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := compileMap(t, c, tt.input)
			assert.Equal(t, tt.want, matchingIDs(t, pred))
		})
	}
}

func TestXorIsExactlyOne(t *testing.T) {
	c := NewCompiler()
	entity := itemEntity(t)
	row := items[0]

	isTrue := FieldPredicate{Field: "id", Operator: OpEq, Value: 1}
	isFalse := FieldPredicate{Field: "id", Operator: OpEq, Value: 99}

	tests := []struct {
		name     string
		children []Expression
		want     bool
	}{
		{"true false false", []Expression{isTrue, isFalse, isFalse}, true},
		{"true true false", []Expression{isTrue, isTrue, isFalse}, false},
		{"true true true", []Expression{isTrue, isTrue, isTrue}, false},
		{"false false", []Expression{isFalse, isFalse}, false},
		{"single true", []Expression{isTrue}, true},
		{"empty", []Expression{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := c.Compile(context.Background(), entity, LogicalNode{Op: Xor, Children: tt.children})
			require.NoError(t, err)
			assert.Equal(t, tt.want, pred.Match(row))
		})
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	c := NewCompiler()
	input := map[string]any{
		"status__in": []any{"active", "draft"},
		"OR": []any{
			map[string]any{"score__gte": 0.5},
			map[string]any{"NOT": map[string]any{"name__icontains_typo": "x"}},
			map[string]any{"XOR": []any{map[string]any{"active": true}, map[string]any{"id__lt": 3}}},
		},
	}

	first := compileMap(t, c, input)
	second := compileMap(t, c, input)

	sql1, args1, err := first.ToSql()
	require.NoError(t, err)
	sql2, args2, err := second.ToSql()
	require.NoError(t, err)
	assert.Equal(t, sql1, sql2)
	assert.Equal(t, args1, args2)
	assert.Equal(t, matchingIDs(t, first), matchingIDs(t, second))
}

func TestOperatorFallback(t *testing.T) {
	var reported []*CompilationError
	c := NewCompiler(WithFallbackHook(func(_ context.Context, err *CompilationError) {
		reported = append(reported, err)
	}))

	pred := compileMap(t, c, map[string]any{"active__contains": true})
	sql, args, err := pred.ToSql()
	require.NoError(t, err)
	assert.Equal(t, "`items`.`active` = ?", sql)
	assert.Equal(t, []interface{}{true}, args)
	assert.Equal(t, []int{1, 3}, matchingIDs(t, pred))

	pred = compileMap(t, c, map[string]any{"name__fuzzy": "beta"})
	assert.Equal(t, []int{2}, matchingIDs(t, pred))

	require.Len(t, reported, 2)
	assert.True(t, reported[0].Fallback)
	assert.Equal(t, "Item", reported[0].Entity)
	assert.Equal(t, "active", reported[0].Field)
	assert.Contains(t, reported[0].Error(), "does not apply to boolean fields")
	assert.Contains(t, reported[1].Error(), `unknown operator "fuzzy"`)
}

func TestFallbackHookSeesCompileContext(t *testing.T) {
	type traceKey struct{}
	var seen []any
	c := NewCompiler(WithFallbackHook(func(ctx context.Context, _ *CompilationError) {
		seen = append(seen, ctx.Value(traceKey{}))
	}))

	ctx := context.WithValue(context.Background(), traceKey{}, "req-1")
	expr := AllOf(
		FieldPredicate{Field: "name", Operator: "fuzzy", Value: "beta"},
		LogicalNode{Op: Or, Children: []Expression{FieldPredicate{Field: "active", Operator: OpContains, Value: true}}},
	)
	_, err := c.Compile(ctx, itemEntity(t), expr)
	require.NoError(t, err)
	assert.Equal(t, []any{"req-1", "req-1"}, seen)
}

func TestStrictOperators(t *testing.T) {
	c := NewCompiler(WithStrictOperators(true))
	expr, err := Parse(map[string]any{"score__startswith": "0"})
	require.NoError(t, err)

	_, err = c.Compile(context.Background(), itemEntity(t), expr)
	var cerr *CompilationError
	require.True(t, errors.As(err, &cerr))
	assert.False(t, cerr.Fallback)
	assert.Equal(t, OpStartsWith, cerr.Operator)
}

func TestUnknownFieldIsAnError(t *testing.T) {
	c := NewCompiler()
	expr, err := Parse(map[string]any{"colour": "red"})
	require.NoError(t, err)

	_, err = c.Compile(context.Background(), itemEntity(t), expr)
	var cerr *CompilationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "unknown field", cerr.Reason)
}

func TestScalarOperatorRejectsList(t *testing.T) {
	c := NewCompiler()
	_, err := c.Compile(context.Background(), itemEntity(t), FieldPredicate{Field: "id", Operator: OpEq, Value: []any{1}})
	assert.ErrorContains(t, err, "value must be a scalar")
}

func TestNilExpressionIsTrue(t *testing.T) {
	pred, err := NewCompiler().Compile(context.Background(), itemEntity(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, matchingIDs(t, pred))
}

func TestFingerprint(t *testing.T) {
	a, err := Parse(map[string]any{"status": "active", "id__in": []any{1, 2}})
	require.NoError(t, err)
	b, err := Parse(map[string]any{"id__in": []any{1, 2}, "status__eq": "active"})
	require.NoError(t, err)

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	c, err := Parse(map[string]any{"status": "archived"})
	require.NoError(t, err)
	fc, err := Fingerprint(c)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)

	empty, err := Fingerprint(nil)
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}

func TestAllOf(t *testing.T) {
	fp := FieldPredicate{Field: "id", Operator: OpEq, Value: 1}
	assert.Nil(t, AllOf(nil, nil))
	assert.Equal(t, fp, AllOf(nil, fp))
	assert.Equal(t, LogicalNode{Op: And, Children: []Expression{fp, fp}}, AllOf(fp, nil, fp))
}
