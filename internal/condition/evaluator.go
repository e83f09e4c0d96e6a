package condition

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Evaluate walks a condition tree against a context document and returns
// whether it matches. It is pure and total: missing fields, nil values and
// type mismatches evaluate to non-match, never to an error.
//
// An empty group returns true under AND semantics (vacuous truth). Callers
// that need to distinguish "no filter configured" from "filter matched" must
// check Group.IsEmpty before calling.
func Evaluate(group *Group, ctx map[string]any) bool {
	if group.IsEmpty() {
		return true
	}

	or := group.Operator == OpOr
	for _, node := range group.Conditions {
		var matched bool
		switch {
		case node.Group != nil:
			matched = Evaluate(node.Group, ctx)
		case node.Rule != nil:
			matched = evalRule(node.Rule, ctx)
		default:
			matched = false
		}

		if or && matched {
			return true
		}
		if !or && !matched {
			return false
		}
	}
	return !or
}

func evalRule(rule *Rule, ctx map[string]any) bool {
	actual, found := lookup(ctx, rule.Field)

	switch rule.Operator {
	case "exists":
		return found
	case "not_exists":
		return !found
	}
	if !found {
		return false
	}

	switch rule.Operator {
	case "=", "==", "eq":
		return equal(actual, rule.Value)
	case "!=", "ne":
		return !equal(actual, rule.Value)
	case ">", "gt":
		c, ok := compare(actual, rule.Value)
		return ok && c > 0
	case ">=", "gte":
		c, ok := compare(actual, rule.Value)
		return ok && c >= 0
	case "<", "lt":
		c, ok := compare(actual, rule.Value)
		return ok && c < 0
	case "<=", "lte":
		c, ok := compare(actual, rule.Value)
		return ok && c <= 0
	case "in":
		return contains(rule.Value, actual)
	case "not_in":
		return !contains(rule.Value, actual)
	case "contains":
		return contains(actual, rule.Value)
	case "starts_with":
		as, aok := actual.(string)
		vs, vok := rule.Value.(string)
		return aok && vok && strings.HasPrefix(as, vs)
	}
	return false
}

// lookup resolves a dot-path against nested maps.
func lookup(ctx map[string]any, path string) (any, bool) {
	if ctx == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equal compares values, normalizing numeric types so that a JSON-decoded
// float64 matches an int literal. Non-scalar operands (slices, maps) go
// through reflect.DeepEqual so that decoded JSON arrays never trip the
// runtime's uncomparable-type panic.
func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

// compare returns the usual -1/0/1 ordering plus an ok flag. Operands of
// mismatched or unordered types report false, which callers must treat as
// non-match.
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// contains reports whether haystack (a slice or string) contains needle.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
	case []string:
		ns, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == ns {
				return true
			}
		}
	case string:
		ns, ok := needle.(string)
		return ok && strings.Contains(h, ns)
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
