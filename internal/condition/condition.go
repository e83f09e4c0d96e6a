package condition

import "encoding/json"

// Operator joins the members of a Group.
type Operator string

const (
	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
)

// Rule is a leaf comparison of a context field against a literal.
type Rule struct {
	Field    string `json:"field"`    // dot-path into the context, e.g. "request.amount"
	Operator string `json:"operator"` // = != > >= < <= in not_in contains starts_with exists
	Value    any    `json:"value"`
}

// Group is a boolean tree of rules and nested groups.
type Group struct {
	Operator   Operator `json:"operator"`
	Conditions []Node   `json:"conditions"`
}

// Node is either a Rule or a nested Group. Exactly one side is set.
type Node struct {
	Rule  *Rule  `json:"-"`
	Group *Group `json:"-"`
}

// IsEmpty reports whether the group carries no conditions at all. Callers
// treat an empty group as "match unconditionally" and must not conflate that
// with an evaluated match.
func (g *Group) IsEmpty() bool {
	return g == nil || len(g.Conditions) == 0
}

// UnmarshalJSON distinguishes nested groups (objects with "conditions") from
// leaf rules (objects with "field").
func (n *Node) UnmarshalJSON(data []byte) error {
	var probe struct {
		Conditions json.RawMessage `json:"conditions"`
		Field      *string         `json:"field"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Field != nil {
		n.Rule = &Rule{}
		return json.Unmarshal(data, n.Rule)
	}
	n.Group = &Group{}
	return json.Unmarshal(data, n.Group)
}

// MarshalJSON writes whichever side of the node is populated.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Rule != nil {
		return json.Marshal(n.Rule)
	}
	if n.Group != nil {
		return json.Marshal(n.Group)
	}
	return []byte("null"), nil
}
