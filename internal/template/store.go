package template

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Repository is the persistence contract the store depends on. Implemented
// by repository.TemplateRepository.
type Repository interface {
	CreateVersion(ctx context.Context, tpl *repository.ApprovalTemplate) error
	GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalTemplate, error)
	GetActiveByCode(ctx context.Context, tenantID, code string) (*repository.ApprovalTemplate, error)
	GetVersion(ctx context.Context, tenantID, code string, versionNo int) (*repository.ApprovalTemplate, error)
	ListActive(ctx context.Context, tenantID string, limit, offset int) ([]*repository.ApprovalTemplate, int, error)
	ListVersions(ctx context.Context, tenantID, code string) ([]*repository.ApprovalTemplate, error)
	DeleteAllVersions(ctx context.Context, tenantID, code string) (int64, error)
	SaveCompiled(ctx context.Context, tenantID, id, hash string, artifact []byte) error
	TransitionsReferencing(ctx context.Context, tenantID, code string) ([]*repository.LifecycleTransition, error)
}

// Store implements template CRUD, versioning, validation and compilation.
// Templates are never updated in place: every change appends a version and
// deactivates the prior one.
type Store struct {
	repo Repository
	log  *logger.Logger
	now  func() time.Time
}

// NewStore creates a template Store.
func NewStore(repo Repository, log *logger.Logger) *Store {
	return &Store{repo: repo, log: log, now: time.Now}
}

// CreateInput is a new template definition.
type CreateInput struct {
	TenantID    string
	Code        string
	Name        string
	Description *string
	CreatedBy   string
	Stages      []*repository.TemplateStage
	Rules       []*repository.TemplateRule
}

// Create validates and persists version 1 of a new template code. A non-nil
// issue list means validation failed and nothing was persisted.
func (s *Store) Create(ctx context.Context, in CreateInput) (*repository.ApprovalTemplate, []Issue, error) {
	if in.Code == "" {
		return nil, nil, apperrors.InvalidInput("code", "template code is required")
	}

	tpl := &repository.ApprovalTemplate{
		TenantID:    in.TenantID,
		Code:        in.Code,
		Name:        in.Name,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		Stages:      in.Stages,
		Rules:       in.Rules,
	}
	applyDefaults(tpl)

	if issues := Validate(tpl); len(issues) > 0 {
		return nil, issues, nil
	}

	if err := s.repo.CreateVersion(ctx, tpl); err != nil {
		return nil, nil, err
	}

	s.log.Info().
		Str("tenant_id", tpl.TenantID).
		Str("code", tpl.Code).
		Int("version", tpl.VersionNo).
		Msg("Approval template created")
	return tpl, nil, nil
}

// Get loads a template by ID, falling back to active-by-code when the ID
// does not resolve.
func (s *Store) Get(ctx context.Context, tenantID, idOrCode string) (*repository.ApprovalTemplate, error) {
	tpl, err := s.repo.GetByID(ctx, tenantID, idOrCode)
	if err == nil {
		return tpl, nil
	}
	if !apperrors.Is(err, apperrors.CodeNotFound) {
		return nil, err
	}
	return s.repo.GetActiveByCode(ctx, tenantID, idOrCode)
}

// List returns active template versions, paginated.
func (s *Store) List(ctx context.Context, tenantID string, limit, offset int) ([]*repository.ApprovalTemplate, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListActive(ctx, tenantID, limit, offset)
}

// UpdateInput carries overrides for a new version. Nil fields inherit from
// the current active version.
type UpdateInput struct {
	Name        *string
	Description *string
	Stages      []*repository.TemplateStage
	Rules       []*repository.TemplateRule
	UpdatedBy   string
}

// Update creates a new version of a template code: the current active
// version is copied, overrides applied, and the result validated and
// persisted as versionNo+1 with the prior version deactivated.
func (s *Store) Update(ctx context.Context, tenantID, code string, in UpdateInput) (*repository.ApprovalTemplate, []Issue, error) {
	current, err := s.repo.GetActiveByCode(ctx, tenantID, code)
	if err != nil {
		return nil, nil, err
	}

	next := cloneDefinition(current)
	next.CreatedBy = in.UpdatedBy
	if in.Name != nil {
		next.Name = *in.Name
	}
	if in.Description != nil {
		next.Description = in.Description
	}
	if in.Stages != nil {
		next.Stages = in.Stages
	}
	if in.Rules != nil {
		next.Rules = in.Rules
	}
	applyDefaults(next)

	if issues := Validate(next); len(issues) > 0 {
		return nil, issues, nil
	}

	if err := s.repo.CreateVersion(ctx, next); err != nil {
		return nil, nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("code", code).
		Int("version", next.VersionNo).
		Msg("Approval template updated (new version)")
	return next, nil, nil
}

// Delete removes every version of a template code. Destructive and
// irreversible.
func (s *Store) Delete(ctx context.Context, tenantID, code string) error {
	removed, err := s.repo.DeleteAllVersions(ctx, tenantID, code)
	if err != nil {
		return err
	}
	if removed == 0 {
		return apperrors.NotFound("approval_template", code)
	}
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("code", code).
		Int64("versions_removed", removed).
		Msg("Approval template deleted")
	return nil
}

// Validate loads a template and returns its structural findings without
// persisting anything.
func (s *Store) Validate(ctx context.Context, tenantID, idOrCode string) ([]Issue, error) {
	tpl, err := s.Get(ctx, tenantID, idOrCode)
	if err != nil {
		return nil, err
	}
	issues := Validate(tpl)
	if issues == nil {
		issues = []Issue{}
	}
	return issues, nil
}

// Compile freezes a template version into its hash-addressed artifact and
// persists it. Compiling an unchanged version reproduces the identical hash.
func (s *Store) Compile(ctx context.Context, tenantID, idOrCode string) (*Compiled, error) {
	tpl, err := s.Get(ctx, tenantID, idOrCode)
	if err != nil {
		return nil, err
	}
	if issues := Validate(tpl); len(issues) > 0 {
		return nil, apperrors.Newf(apperrors.CodeValidationFailed,
			"template %s has %d validation issues and cannot be compiled", tpl.Code, len(issues))
	}

	compiled, err := compile(tpl, s.now())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to compile template")
	}

	artifact, err := json.Marshal(compiled)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to serialize compiled artifact")
	}
	if err := s.repo.SaveCompiled(ctx, tenantID, tpl.ID, compiled.Hash, artifact); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("code", tpl.Code).
		Int("version", tpl.VersionNo).
		Str("hash", compiled.Hash).
		Msg("Approval template compiled")
	return compiled, nil
}

// ListVersions returns every version of a code, newest first.
func (s *Store) ListVersions(ctx context.Context, tenantID, code string) ([]*repository.ApprovalTemplate, error) {
	versions, err := s.repo.ListVersions(ctx, tenantID, code)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, apperrors.NotFound("approval_template", code)
	}
	return versions, nil
}

// Rollback creates a new version cloned from an older one. It never
// reactivates the old row, preserving version monotonicity.
func (s *Store) Rollback(ctx context.Context, tenantID, code string, targetVersion int, actor string) (*repository.ApprovalTemplate, error) {
	target, err := s.repo.GetVersion(ctx, tenantID, code, targetVersion)
	if err != nil {
		return nil, err
	}

	next := cloneDefinition(target)
	next.CreatedBy = actor
	if err := s.repo.CreateVersion(ctx, next); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("code", code).
		Int("from_version", targetVersion).
		Int("new_version", next.VersionNo).
		Msg("Approval template rolled back")
	return next, nil
}

// Diff compares two versions of a template code.
func (s *Store) Diff(ctx context.Context, tenantID, code string, fromVersion, toVersion int) (*Diff, error) {
	from, err := s.repo.GetVersion(ctx, tenantID, code, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := s.repo.GetVersion(ctx, tenantID, code, toVersion)
	if err != nil {
		return nil, err
	}
	return diffTemplates(from, to), nil
}

// ImpactAnalysis returns the lifecycle transitions that pause on this
// template code.
func (s *Store) ImpactAnalysis(ctx context.Context, tenantID, code string) ([]*repository.LifecycleTransition, error) {
	return s.repo.TransitionsReferencing(ctx, tenantID, code)
}

// applyDefaults normalizes a definition before validation: unset rule
// priorities default to 100.
func applyDefaults(tpl *repository.ApprovalTemplate) {
	for _, rule := range tpl.Rules {
		if rule.Priority <= 0 {
			rule.Priority = 100
		}
	}
}

// cloneDefinition copies the definitional fields of a version (stages and
// rules without their row identifiers) for use as the next version.
func cloneDefinition(src *repository.ApprovalTemplate) *repository.ApprovalTemplate {
	dst := &repository.ApprovalTemplate{
		TenantID:    src.TenantID,
		Code:        src.Code,
		Name:        src.Name,
		Description: src.Description,
	}
	for _, s := range src.Stages {
		dst.Stages = append(dst.Stages, &repository.TemplateStage{
			StageNo:    s.StageNo,
			Name:       s.Name,
			Mode:       s.Mode,
			Quorum:     s.Quorum,
			SLAMinutes: s.SLAMinutes,
		})
	}
	for _, r := range src.Rules {
		dst.Rules = append(dst.Rules, &repository.TemplateRule{
			Priority:   r.Priority,
			Conditions: r.Conditions,
			AssignTo:   r.AssignTo,
		})
	}
	return dst
}
