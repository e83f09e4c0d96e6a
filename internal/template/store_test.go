package template

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/condition"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// memRepo is an in-memory Repository for store tests.
type memRepo struct {
	seq       int
	templates []*repository.ApprovalTemplate
}

func (m *memRepo) key(tenantID, code string) string { return tenantID + "/" + code }

func (m *memRepo) CreateVersion(_ context.Context, tpl *repository.ApprovalTemplate) error {
	maxVersion := 0
	for _, t := range m.templates {
		if t.TenantID == tpl.TenantID && t.Code == tpl.Code {
			t.IsActive = false
			if t.VersionNo > maxVersion {
				maxVersion = t.VersionNo
			}
		}
	}
	m.seq++
	tpl.ID = fmt.Sprintf("tpl-%d", m.seq)
	tpl.VersionNo = maxVersion + 1
	tpl.IsActive = true
	for _, s := range tpl.Stages {
		m.seq++
		s.ID = fmt.Sprintf("stg-%d", m.seq)
		s.TemplateID = tpl.ID
	}
	for _, r := range tpl.Rules {
		m.seq++
		r.ID = fmt.Sprintf("rul-%d", m.seq)
		r.TemplateID = tpl.ID
	}
	m.templates = append(m.templates, tpl)
	return nil
}

func (m *memRepo) GetByID(_ context.Context, tenantID, id string) (*repository.ApprovalTemplate, error) {
	for _, t := range m.templates {
		if t.TenantID == tenantID && t.ID == id {
			return t, nil
		}
	}
	return nil, apperrors.NotFound("approval_template", id)
}

func (m *memRepo) GetActiveByCode(_ context.Context, tenantID, code string) (*repository.ApprovalTemplate, error) {
	for _, t := range m.templates {
		if t.TenantID == tenantID && t.Code == code && t.IsActive {
			return t, nil
		}
	}
	return nil, apperrors.NotFound("approval_template", code)
}

func (m *memRepo) GetVersion(_ context.Context, tenantID, code string, versionNo int) (*repository.ApprovalTemplate, error) {
	for _, t := range m.templates {
		if t.TenantID == tenantID && t.Code == code && t.VersionNo == versionNo {
			return t, nil
		}
	}
	return nil, apperrors.NotFound("approval_template", code)
}

func (m *memRepo) ListActive(_ context.Context, tenantID string, limit, offset int) ([]*repository.ApprovalTemplate, int, error) {
	var active []*repository.ApprovalTemplate
	for _, t := range m.templates {
		if t.TenantID == tenantID && t.IsActive {
			active = append(active, t)
		}
	}
	total := len(active)
	if offset >= len(active) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(active) {
		end = len(active)
	}
	return active[offset:end], total, nil
}

func (m *memRepo) ListVersions(_ context.Context, tenantID, code string) ([]*repository.ApprovalTemplate, error) {
	var versions []*repository.ApprovalTemplate
	for i := len(m.templates) - 1; i >= 0; i-- {
		t := m.templates[i]
		if t.TenantID == tenantID && t.Code == code {
			versions = append(versions, t)
		}
	}
	return versions, nil
}

func (m *memRepo) DeleteAllVersions(_ context.Context, tenantID, code string) (int64, error) {
	var kept []*repository.ApprovalTemplate
	var removed int64
	for _, t := range m.templates {
		if t.TenantID == tenantID && t.Code == code {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	m.templates = kept
	return removed, nil
}

func (m *memRepo) SaveCompiled(_ context.Context, tenantID, id, hash string, artifact []byte) error {
	for _, t := range m.templates {
		if t.TenantID == tenantID && t.ID == id {
			t.CompiledHash = &hash
			t.CompiledArtifact = artifact
			return nil
		}
	}
	return apperrors.NotFound("approval_template", id)
}

func (m *memRepo) TransitionsReferencing(_ context.Context, tenantID, code string) ([]*repository.LifecycleTransition, error) {
	if code == "expense-approval" {
		return []*repository.LifecycleTransition{
			{ID: "tr1", TenantID: tenantID, EntityName: "expense", OperationCode: "submit", TemplateCode: code},
		}, nil
	}
	return nil, nil
}

func validInput() CreateInput {
	return CreateInput{
		TenantID:  "t1",
		Code:      "expense-approval",
		Name:      "Expense approval",
		CreatedBy: "admin",
		Stages: []*repository.TemplateStage{
			{StageNo: 1, Name: "Manager", Mode: repository.ModeSerial},
			{StageNo: 2, Name: "Finance", Mode: repository.ModeParallel, Quorum: &repository.Quorum{Type: repository.QuorumCount, Value: 2}},
		},
		Rules: []*repository.TemplateRule{
			{Priority: 10, AssignTo: repository.AssignmentTarget{Strategy: repository.StrategyDirect, Assignees: []string{"p1"}}},
		},
	}
}

func newTestStore() (*Store, *memRepo) {
	repo := &memRepo{}
	return NewStore(repo, logger.Nop()), repo
}

func TestCreateAndGetByCode(t *testing.T) {
	store, _ := newTestStore()
	tpl, issues, err := store.Create(context.Background(), validInput())
	require.NoError(t, err)
	require.Empty(t, issues)
	assert.Equal(t, 1, tpl.VersionNo)
	assert.True(t, tpl.IsActive)

	// Get by ID and by code both resolve.
	byID, err := store.Get(context.Background(), "t1", tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, byID.ID)

	byCode, err := store.Get(context.Background(), "t1", "expense-approval")
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, byCode.ID)
}

func TestCreateRejectsStageGap(t *testing.T) {
	store, _ := newTestStore()
	in := validInput()
	in.Stages = []*repository.TemplateStage{
		{StageNo: 1, Mode: repository.ModeSerial},
		{StageNo: 2, Mode: repository.ModeSerial},
		{StageNo: 4, Mode: repository.ModeSerial},
	}
	tpl, issues, err := store.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, tpl)
	require.NotEmpty(t, issues)

	found := false
	for _, issue := range issues {
		if strings.Contains(issue.Path, "stages") && strings.Contains(issue.Message, "missing stage 3") {
			found = true
		}
	}
	assert.True(t, found, "expected a stages issue naming the gap, got %+v", issues)
}

func TestValidateCatalog(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateInput)
		path   string
	}{
		{"no stages", func(in *CreateInput) { in.Stages = nil }, "stages"},
		{"bad mode", func(in *CreateInput) { in.Stages[0].Mode = "sequential" }, "stages[0].mode"},
		{"no rules", func(in *CreateInput) { in.Rules = nil }, "rules"},
		{"unknown strategy", func(in *CreateInput) { in.Rules[0].AssignTo.Strategy = "astrology" }, "rules[0].assignTo.strategy"},
		{"bad quorum type", func(in *CreateInput) { in.Stages[1].Quorum.Type = "ratio" }, "stages[1].quorum.type"},
		{"non-positive quorum", func(in *CreateInput) { in.Stages[1].Quorum.Value = 0 }, "stages[1].quorum.value"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, _ := newTestStore()
			in := validInput()
			tc.mutate(&in)
			tpl, issues, err := store.Create(context.Background(), in)
			require.NoError(t, err)
			assert.Nil(t, tpl)
			require.NotEmpty(t, issues)
			found := false
			for _, issue := range issues {
				if issue.Path == tc.path {
					found = true
				}
			}
			assert.True(t, found, "expected issue at %s, got %+v", tc.path, issues)
		})
	}
}

func TestCompileIsIdempotent(t *testing.T) {
	store, _ := newTestStore()
	_, issues, err := store.Create(context.Background(), validInput())
	require.NoError(t, err)
	require.Empty(t, issues)

	first, err := store.Compile(context.Background(), "t1", "expense-approval")
	require.NoError(t, err)
	second, err := store.Compile(context.Background(), "t1", "expense-approval")
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash, "recompiling an unchanged template must reproduce the hash")
	assert.NotEmpty(t, first.Hash)
}

func TestCompileHashTracksContent(t *testing.T) {
	store, _ := newTestStore()
	_, _, err := store.Create(context.Background(), validInput())
	require.NoError(t, err)
	v1, err := store.Compile(context.Background(), "t1", "expense-approval")
	require.NoError(t, err)

	// A new version with a different quorum compiles to a different hash.
	_, issues, err := store.Update(context.Background(), "t1", "expense-approval", UpdateInput{
		Stages: []*repository.TemplateStage{
			{StageNo: 1, Name: "Manager", Mode: repository.ModeSerial},
			{StageNo: 2, Name: "Finance", Mode: repository.ModeParallel, Quorum: &repository.Quorum{Type: repository.QuorumPercentage, Value: 50}},
		},
		UpdatedBy: "admin",
	})
	require.NoError(t, err)
	require.Empty(t, issues)

	v2, err := store.Compile(context.Background(), "t1", "expense-approval")
	require.NoError(t, err)
	assert.NotEqual(t, v1.Hash, v2.Hash)
	assert.Equal(t, 2, v2.Version)
}

func TestUpdateCreatesNewVersionAndInheritsDefinition(t *testing.T) {
	store, repo := newTestStore()
	_, _, err := store.Create(context.Background(), validInput())
	require.NoError(t, err)

	name := "Expense approval v2"
	next, issues, err := store.Update(context.Background(), "t1", "expense-approval", UpdateInput{
		Name: &name, UpdatedBy: "admin",
	})
	require.NoError(t, err)
	require.Empty(t, issues)

	assert.Equal(t, 2, next.VersionNo)
	assert.Equal(t, name, next.Name)
	// Stages and rules carried over from v1.
	assert.Len(t, next.Stages, 2)
	assert.Len(t, next.Rules, 1)

	// Exactly one active version remains.
	active := 0
	for _, tpl := range repo.templates {
		if tpl.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestRollbackPreservesVersionMonotonicity(t *testing.T) {
	store, _ := newTestStore()
	_, _, err := store.Create(context.Background(), validInput())
	require.NoError(t, err)
	name := "v2"
	_, _, err = store.Update(context.Background(), "t1", "expense-approval", UpdateInput{Name: &name, UpdatedBy: "admin"})
	require.NoError(t, err)

	rolled, err := store.Rollback(context.Background(), "t1", "expense-approval", 1, "admin")
	require.NoError(t, err)
	assert.Equal(t, 3, rolled.VersionNo, "rollback appends a version, never reactivates the old row")
	assert.Equal(t, "Expense approval", rolled.Name)

	versions, err := store.ListVersions(context.Background(), "t1", "expense-approval")
	require.NoError(t, err)
	assert.Len(t, versions, 3)
}

func TestDeleteRemovesAllVersions(t *testing.T) {
	store, repo := newTestStore()
	_, _, err := store.Create(context.Background(), validInput())
	require.NoError(t, err)
	name := "v2"
	_, _, err = store.Update(context.Background(), "t1", "expense-approval", UpdateInput{Name: &name, UpdatedBy: "admin"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), "t1", "expense-approval"))
	assert.Empty(t, repo.templates)

	err = store.Delete(context.Background(), "t1", "expense-approval")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestDiffReportsStageAndRuleChanges(t *testing.T) {
	store, _ := newTestStore()
	_, _, err := store.Create(context.Background(), validInput())
	require.NoError(t, err)

	_, issues, err := store.Update(context.Background(), "t1", "expense-approval", UpdateInput{
		Stages: []*repository.TemplateStage{
			{StageNo: 1, Name: "Manager", Mode: repository.ModeParallel}, // mode changed
		},
		Rules: []*repository.TemplateRule{
			{Priority: 10, AssignTo: repository.AssignmentTarget{Strategy: repository.StrategyDirect, Assignees: []string{"p1"}}},
			{Priority: 20, Conditions: &condition.Group{Operator: condition.OpAnd}, AssignTo: repository.AssignmentTarget{Strategy: repository.StrategyRole, Role: "cfo"}}, // added
		},
		UpdatedBy: "admin",
	})
	require.NoError(t, err)
	require.Empty(t, issues)

	diff, err := store.Diff(context.Background(), "t1", "expense-approval", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, diff.FromVersion)
	assert.Equal(t, 2, diff.ToVersion)

	paths := map[string]bool{}
	for _, e := range diff.Entries {
		paths[e.Path] = true
	}
	assert.True(t, paths["stages[1]"], "changed stage 1 should appear")
	assert.True(t, paths["stages[2]"], "removed stage 2 should appear")
	assert.True(t, paths["rules[1]"], "added rule should appear")
}

func TestImpactAnalysis(t *testing.T) {
	store, _ := newTestStore()
	_, _, err := store.Create(context.Background(), validInput())
	require.NoError(t, err)

	transitions, err := store.ImpactAnalysis(context.Background(), "t1", "expense-approval")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "submit", transitions[0].OperationCode)
}
