package repository

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/condition"
)

// Rule rows store conditions and assignment as JSONB; this mirrors the
// decode the template loader performs per row.
func TestTemplateRuleColumnsDecode(t *testing.T) {
	condJSON := []byte(`{
		"operator": "AND",
		"conditions": [{"field": "amount", "operator": ">", "value": 1000}]
	}`)
	assignJSON := []byte(`{"strategy": "role", "role": "cfo", "org_unit_id": "hq"}`)

	rule := &TemplateRule{}
	rule.Conditions = &condition.Group{}
	require.NoError(t, json.Unmarshal(condJSON, rule.Conditions))
	require.NoError(t, json.Unmarshal(assignJSON, &rule.AssignTo))

	assert.Equal(t, StrategyRole, rule.AssignTo.Strategy)
	assert.Equal(t, "cfo", rule.AssignTo.Role)
	assert.True(t, condition.Evaluate(rule.Conditions, map[string]any{"amount": 5000.0}))
	assert.False(t, condition.Evaluate(rule.Conditions, map[string]any{"amount": 10.0}))
}
