package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/condition"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Compiled is the immutable, hash-addressed snapshot of one template version.
type Compiled struct {
	TemplateID string          `json:"template_id"`
	Code       string          `json:"code"`
	Version    int             `json:"version"`
	Stages     []CompiledStage `json:"stages"`
	Rules      []CompiledRule  `json:"rules"`
	Hash       string          `json:"compiled_hash"`
	CompiledAt time.Time       `json:"compiled_at"`
}

// CompiledStage carries only the semantically relevant stage fields.
type CompiledStage struct {
	StageNo    int                `json:"stage_no"`
	Mode       string             `json:"mode"`
	Quorum     *repository.Quorum `json:"quorum,omitempty"`
	SLAMinutes *int               `json:"sla_minutes,omitempty"`
}

// CompiledRule carries only the semantically relevant rule fields.
type CompiledRule struct {
	Priority   int                         `json:"priority"`
	Conditions *condition.Group            `json:"conditions,omitempty"`
	AssignTo   repository.AssignmentTarget `json:"assign_to"`
}

// compile freezes a template version. The hash covers code, version, stages
// and rules in stable order; identifiers, names, and timestamps stay out so
// recompiling an unchanged version reproduces the identical hash.
func compile(tpl *repository.ApprovalTemplate, now time.Time) (*Compiled, error) {
	c := &Compiled{
		TemplateID: tpl.ID,
		Code:       tpl.Code,
		Version:    tpl.VersionNo,
		CompiledAt: now,
	}

	stages := make([]CompiledStage, 0, len(tpl.Stages))
	for _, s := range tpl.Stages {
		stages = append(stages, CompiledStage{
			StageNo:    s.StageNo,
			Mode:       s.Mode,
			Quorum:     s.Quorum,
			SLAMinutes: s.SLAMinutes,
		})
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].StageNo < stages[j].StageNo })
	c.Stages = stages

	rules := make([]CompiledRule, 0, len(tpl.Rules))
	for _, r := range tpl.Rules {
		rules = append(rules, CompiledRule{
			Priority:   r.Priority,
			Conditions: r.Conditions,
			AssignTo:   r.AssignTo,
		})
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	c.Rules = rules

	hash, err := contentHash(c)
	if err != nil {
		return nil, err
	}
	c.Hash = hash
	return c, nil
}

// contentHash computes the deterministic content hash of a compiled
// template. encoding/json writes struct fields in declaration order and map
// keys sorted, so the serialization is stable for identical content.
func contentHash(c *Compiled) (string, error) {
	subject := struct {
		Code    string          `json:"code"`
		Version int             `json:"version"`
		Stages  []CompiledStage `json:"stages"`
		Rules   []CompiledRule  `json:"rules"`
	}{c.Code, c.Version, c.Stages, c.Rules}

	data, err := json.Marshal(subject)
	if err != nil {
		return "", fmt.Errorf("serialize compile subject: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
