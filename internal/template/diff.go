package template

import (
	"encoding/json"
	"fmt"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// DiffEntry is one observed difference between two template versions.
type DiffEntry struct {
	Path string `json:"path"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Diff summarizes the changes between two versions of a template code.
type Diff struct {
	Code        string      `json:"code"`
	FromVersion int         `json:"from_version"`
	ToVersion   int         `json:"to_version"`
	Entries     []DiffEntry `json:"entries"`
}

// diffTemplates compares two versions stage-by-stage (matched on stage
// number) and rule-by-rule (matched on priority-sorted position; rule rows
// get fresh identifiers each version, so position is the only stable handle).
func diffTemplates(from, to *repository.ApprovalTemplate) *Diff {
	d := &Diff{Code: to.Code, FromVersion: from.VersionNo, ToVersion: to.VersionNo}

	if from.Name != to.Name {
		d.Entries = append(d.Entries, DiffEntry{Path: "name", From: from.Name, To: to.Name})
	}

	fromStages := map[int]*repository.TemplateStage{}
	for _, s := range from.Stages {
		fromStages[s.StageNo] = s
	}
	toStages := map[int]*repository.TemplateStage{}
	for _, s := range to.Stages {
		toStages[s.StageNo] = s
	}

	maxStage := 0
	for no := range fromStages {
		if no > maxStage {
			maxStage = no
		}
	}
	for no := range toStages {
		if no > maxStage {
			maxStage = no
		}
	}

	for no := 1; no <= maxStage; no++ {
		path := fmt.Sprintf("stages[%d]", no)
		f, inFrom := fromStages[no]
		t, inTo := toStages[no]
		switch {
		case inFrom && !inTo:
			d.Entries = append(d.Entries, DiffEntry{Path: path, From: stageFingerprint(f)})
		case !inFrom && inTo:
			d.Entries = append(d.Entries, DiffEntry{Path: path, To: stageFingerprint(t)})
		case inFrom && inTo:
			ff, tf := stageFingerprint(f), stageFingerprint(t)
			if ff != tf {
				d.Entries = append(d.Entries, DiffEntry{Path: path, From: ff, To: tf})
			}
		}
	}

	fromRules := from.Rules
	toRules := to.Rules
	n := len(fromRules)
	if len(toRules) > n {
		n = len(toRules)
	}
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("rules[%d]", i)
		switch {
		case i >= len(toRules):
			d.Entries = append(d.Entries, DiffEntry{Path: path, From: ruleFingerprint(fromRules[i])})
		case i >= len(fromRules):
			d.Entries = append(d.Entries, DiffEntry{Path: path, To: ruleFingerprint(toRules[i])})
		default:
			ff, tf := ruleFingerprint(fromRules[i]), ruleFingerprint(toRules[i])
			if ff != tf {
				d.Entries = append(d.Entries, DiffEntry{Path: path, From: ff, To: tf})
			}
		}
	}

	return d
}

func stageFingerprint(s *repository.TemplateStage) string {
	data, _ := json.Marshal(CompiledStage{
		StageNo:    s.StageNo,
		Mode:       s.Mode,
		Quorum:     s.Quorum,
		SLAMinutes: s.SLAMinutes,
	})
	return string(data)
}

func ruleFingerprint(r *repository.TemplateRule) string {
	data, _ := json.Marshal(CompiledRule{
		Priority:   r.Priority,
		Conditions: r.Conditions,
		AssignTo:   r.AssignTo,
	})
	return string(data)
}
