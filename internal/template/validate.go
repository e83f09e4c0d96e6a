package template

import (
	"fmt"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Issue is one structural validation finding.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

var knownStrategies = map[string]bool{
	repository.StrategyDirect:      true,
	repository.StrategyRole:        true,
	repository.StrategyGroup:       true,
	repository.StrategyHierarchy:   true,
	repository.StrategyDepartment:  true,
	repository.StrategyCustomField: true,
}

// Validate checks a template definition structurally. It returns findings
// instead of an error; an empty slice means valid. Deep semantic checks
// (condition field types, principal existence) are deliberately out of scope.
func Validate(tpl *repository.ApprovalTemplate) []Issue {
	var issues []Issue

	if len(tpl.Stages) == 0 {
		issues = append(issues, Issue{Path: "stages", Message: "template must define at least one stage"})
	}

	// Stage numbers must be contiguous starting at 1.
	seen := map[int]bool{}
	for i, stage := range tpl.Stages {
		path := fmt.Sprintf("stages[%d]", i)
		if stage.Mode != repository.ModeSerial && stage.Mode != repository.ModeParallel {
			issues = append(issues, Issue{
				Path:    path + ".mode",
				Message: fmt.Sprintf("mode must be %q or %q, got %q", repository.ModeSerial, repository.ModeParallel, stage.Mode),
			})
		}
		if seen[stage.StageNo] {
			issues = append(issues, Issue{
				Path:    path + ".stageNo",
				Message: fmt.Sprintf("duplicate stage number %d", stage.StageNo),
			})
		}
		seen[stage.StageNo] = true

		if stage.Quorum != nil {
			if stage.Quorum.Type != repository.QuorumCount && stage.Quorum.Type != repository.QuorumPercentage {
				issues = append(issues, Issue{
					Path:    path + ".quorum.type",
					Message: fmt.Sprintf("quorum type must be %q or %q, got %q", repository.QuorumCount, repository.QuorumPercentage, stage.Quorum.Type),
				})
			}
			if stage.Quorum.Value <= 0 {
				issues = append(issues, Issue{
					Path:    path + ".quorum.value",
					Message: "quorum value must be positive",
				})
			}
		}
	}
	for n := 1; n <= len(tpl.Stages); n++ {
		if len(tpl.Stages) > 0 && !seen[n] {
			issues = append(issues, Issue{
				Path:    "stages",
				Message: fmt.Sprintf("stage numbers must be contiguous from 1; missing stage %d", n),
			})
		}
	}

	if len(tpl.Rules) == 0 {
		issues = append(issues, Issue{Path: "rules", Message: "template must define at least one routing rule"})
	}
	for i, rule := range tpl.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if !knownStrategies[rule.AssignTo.Strategy] {
			issues = append(issues, Issue{
				Path:    path + ".assignTo.strategy",
				Message: fmt.Sprintf("unknown assignment strategy %q", rule.AssignTo.Strategy),
			})
		}
	}

	return issues
}
