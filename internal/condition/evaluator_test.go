package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(field, op string, value any) Node {
	return Node{Rule: &Rule{Field: field, Operator: op, Value: value}}
}

func TestEvaluateEmptyGroupMatches(t *testing.T) {
	assert.True(t, Evaluate(nil, map[string]any{"a": 1}))
	assert.True(t, Evaluate(&Group{Operator: OpAnd}, nil))
}

func TestEvaluateAndOr(t *testing.T) {
	ctx := map[string]any{"amount": 500.0, "dept": "finance"}

	and := &Group{Operator: OpAnd, Conditions: []Node{
		rule("amount", ">", 100),
		rule("dept", "=", "finance"),
	}}
	assert.True(t, Evaluate(and, ctx))

	and.Conditions[1] = rule("dept", "=", "hr")
	assert.False(t, Evaluate(and, ctx))

	or := &Group{Operator: OpOr, Conditions: []Node{
		rule("amount", "<", 100),
		rule("dept", "=", "finance"),
	}}
	assert.True(t, Evaluate(or, ctx))
}

func TestEvaluateNestedGroups(t *testing.T) {
	ctx := map[string]any{"amount": 50.0, "vendor": "acme"}
	g := &Group{Operator: OpOr, Conditions: []Node{
		rule("amount", ">=", 1000),
		{Group: &Group{Operator: OpAnd, Conditions: []Node{
			rule("amount", "<", 100),
			rule("vendor", "=", "acme"),
		}}},
	}}
	assert.True(t, Evaluate(g, ctx))
}

func TestEvaluateDotPath(t *testing.T) {
	ctx := map[string]any{
		"request": map[string]any{
			"line": map[string]any{"amount": 42.0},
		},
	}
	g := &Group{Operator: OpAnd, Conditions: []Node{
		rule("request.line.amount", "=", 42),
	}}
	assert.True(t, Evaluate(g, ctx))

	g.Conditions[0] = rule("request.line.missing", "=", 42)
	assert.False(t, Evaluate(g, ctx))
}

func TestEvaluateMissingFieldIsNonMatchNotError(t *testing.T) {
	g := &Group{Operator: OpAnd, Conditions: []Node{
		rule("nope", ">", 10),
	}}
	assert.False(t, Evaluate(g, map[string]any{}))
	assert.False(t, Evaluate(g, nil))
}

func TestEvaluateOperators(t *testing.T) {
	ctx := map[string]any{
		"n":    10.0,
		"s":    "hello world",
		"tags": []any{"red", "blue"},
	}

	cases := []struct {
		node Node
		want bool
	}{
		{rule("n", "!=", 11), true},
		{rule("n", ">=", 10), true},
		{rule("n", "<=", 9), false},
		{rule("n", "in", []any{9.0, 10.0}), true},
		{rule("n", "not_in", []any{1.0, 2.0}), true},
		{rule("s", "contains", "world"), true},
		{rule("s", "starts_with", "hello"), true},
		{rule("s", "starts_with", "world"), false},
		{rule("tags", "contains", "red"), true},
		{rule("tags", "contains", "green"), false},
		{rule("n", "exists", nil), true},
		{rule("missing", "exists", nil), false},
		{rule("n", "bogus_op", 10), false},
	}
	for _, tc := range cases {
		g := &Group{Operator: OpAnd, Conditions: []Node{tc.node}}
		assert.Equal(t, tc.want, Evaluate(g, ctx), "rule %+v", tc.node.Rule)
	}
}

func TestEvaluateMismatchedTypesNeverOrdered(t *testing.T) {
	ctx := map[string]any{"name": "abc", "tags": []any{"a"}}

	for _, op := range []string{">", ">=", "<", "<="} {
		g := &Group{Operator: OpAnd, Conditions: []Node{rule("name", op, 5)}}
		assert.False(t, Evaluate(g, ctx), "string %s number must be non-match", op)

		g = &Group{Operator: OpAnd, Conditions: []Node{rule("tags", op, 5)}}
		assert.False(t, Evaluate(g, ctx), "slice %s number must be non-match", op)
	}
}

func TestEvaluateSliceEqualityDoesNotPanic(t *testing.T) {
	ctx := map[string]any{"tags": []any{"a"}, "meta": map[string]any{"k": "v"}}

	cases := []struct {
		node Node
		want bool
	}{
		{rule("tags", "=", []any{"a"}), true},
		{rule("tags", "=", []any{"b"}), false},
		{rule("tags", "!=", []any{"b"}), true},
		{rule("meta", "=", map[string]any{"k": "v"}), true},
		{rule("tags", "=", "a"), false},
	}
	for _, tc := range cases {
		g := &Group{Operator: OpAnd, Conditions: []Node{tc.node}}
		assert.NotPanics(t, func() {
			assert.Equal(t, tc.want, Evaluate(g, ctx), "rule %+v", tc.node.Rule)
		})
	}
}

func TestGroupJSONRoundTrip(t *testing.T) {
	raw := `{
		"operator": "AND",
		"conditions": [
			{"field": "amount", "operator": ">", "value": 100},
			{"operator": "OR", "conditions": [
				{"field": "dept", "operator": "=", "value": "finance"},
				{"field": "dept", "operator": "=", "value": "ops"}
			]}
		]
	}`
	var g Group
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	require.Len(t, g.Conditions, 2)
	require.NotNil(t, g.Conditions[0].Rule)
	require.NotNil(t, g.Conditions[1].Group)
	assert.Equal(t, "amount", g.Conditions[0].Rule.Field)
	assert.Len(t, g.Conditions[1].Group.Conditions, 2)

	assert.True(t, Evaluate(&g, map[string]any{"amount": 500.0, "dept": "ops"}))
	assert.False(t, Evaluate(&g, map[string]any{"amount": 500.0, "dept": "hr"}))
}
