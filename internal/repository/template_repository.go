package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/condition"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// TemplateRepository persists approval template versions with their stages
// and routing rules. Versions are append-only: a template row is never
// updated in place except for the is_active flag and the compiled artifact.
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// CreateVersion inserts a new template version with its stages and rules in
// one transaction, deactivating the prior active version of the same code.
// The version number is assigned inside the transaction (max + 1) and written
// back to tpl.
func (r *TemplateRepository) CreateVersion(ctx context.Context, tpl *ApprovalTemplate) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// Deactivate the current active version, if any.
		_, err := tx.Exec(ctx, `
			UPDATE approval_templates
			SET is_active = FALSE, updated_at = NOW()
			WHERE tenant_id = $1 AND code = $2 AND is_active = TRUE
		`, tpl.TenantID, tpl.Code)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to deactivate prior template version")
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO approval_templates
			    (tenant_id, code, name, description, version_no, is_active, created_by)
			SELECT $1, $2, $3, $4,
			       COALESCE(MAX(version_no), 0) + 1, TRUE, $5
			FROM approval_templates
			WHERE tenant_id = $1 AND code = $2
			RETURNING id, version_no, created_at, updated_at
		`, tpl.TenantID, tpl.Code, tpl.Name, tpl.Description, tpl.CreatedBy,
		).Scan(&tpl.ID, &tpl.VersionNo, &tpl.CreatedAt, &tpl.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert template version")
		}
		tpl.IsActive = true

		for _, stage := range tpl.Stages {
			stage.TemplateID = tpl.ID
			var quorumJSON []byte
			if stage.Quorum != nil {
				quorumJSON, err = json.Marshal(stage.Quorum)
				if err != nil {
					return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal stage quorum")
				}
			}
			err = tx.QueryRow(ctx, `
				INSERT INTO approval_template_stages
				    (template_id, stage_no, name, mode, quorum, sla_minutes)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id
			`, tpl.ID, stage.StageNo, stage.Name, stage.Mode, quorumJSON, stage.SLAMinutes,
			).Scan(&stage.ID)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert template stage")
			}
		}

		for _, rule := range tpl.Rules {
			rule.TemplateID = tpl.ID
			var condJSON []byte
			if rule.Conditions != nil {
				condJSON, err = json.Marshal(rule.Conditions)
				if err != nil {
					return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal rule conditions")
				}
			}
			assignJSON, err := json.Marshal(rule.AssignTo)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal rule assignment")
			}
			err = tx.QueryRow(ctx, `
				INSERT INTO approval_template_rules
				    (template_id, priority, conditions, assign_to)
				VALUES ($1, $2, $3, $4)
				RETURNING id
			`, tpl.ID, rule.Priority, condJSON, assignJSON,
			).Scan(&rule.ID)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to insert template rule")
			}
		}

		return nil
	})
}

const templateColumns = `
	id, tenant_id, code, name, description, version_no, is_active,
	compiled_hash, compiled_artifact, created_by, created_at, updated_at
`

// GetByID loads one template version with stages and rules.
func (r *TemplateRepository) GetByID(ctx context.Context, tenantID, id string) (*ApprovalTemplate, error) {
	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM approval_templates
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_template", id)
	}
	if err != nil {
		return nil, err
	}
	return tpl, r.loadChildren(ctx, tpl)
}

// GetActiveByCode loads the active version of a template code.
func (r *TemplateRepository) GetActiveByCode(ctx context.Context, tenantID, code string) (*ApprovalTemplate, error) {
	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM approval_templates
		WHERE tenant_id = $1 AND code = $2 AND is_active = TRUE
	`, tenantID, code))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_template", code)
	}
	if err != nil {
		return nil, err
	}
	return tpl, r.loadChildren(ctx, tpl)
}

// GetVersion loads a specific version of a template code.
func (r *TemplateRepository) GetVersion(ctx context.Context, tenantID, code string, versionNo int) (*ApprovalTemplate, error) {
	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM approval_templates
		WHERE tenant_id = $1 AND code = $2 AND version_no = $3
	`, tenantID, code, versionNo))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_template", code)
	}
	if err != nil {
		return nil, err
	}
	return tpl, r.loadChildren(ctx, tpl)
}

// ListActive returns active template versions for a tenant, newest first,
// with the total count for pagination. Stages and rules are not loaded.
func (r *TemplateRepository) ListActive(ctx context.Context, tenantID string, limit, offset int) ([]*ApprovalTemplate, int, error) {
	var total int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM approval_templates
		WHERE tenant_id = $1 AND is_active = TRUE
	`, tenantID).Scan(&total)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to count templates")
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+templateColumns+`
		FROM approval_templates
		WHERE tenant_id = $1 AND is_active = TRUE
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list templates")
	}
	defer rows.Close()

	templates, err := r.scanTemplates(rows)
	return templates, total, err
}

// ListVersions returns every version of a code, newest first, without
// children.
func (r *TemplateRepository) ListVersions(ctx context.Context, tenantID, code string) ([]*ApprovalTemplate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+templateColumns+`
		FROM approval_templates
		WHERE tenant_id = $1 AND code = $2
		ORDER BY version_no DESC
	`, tenantID, code)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list template versions")
	}
	defer rows.Close()

	return r.scanTemplates(rows)
}

// DeleteAllVersions removes every version of a code. Stages and rules cascade
// at the schema level. Returns the number of versions removed.
func (r *TemplateRepository) DeleteAllVersions(ctx context.Context, tenantID, code string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM approval_templates
		WHERE tenant_id = $1 AND code = $2
	`, tenantID, code)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInternal, "failed to delete template versions")
	}
	return tag.RowsAffected(), nil
}

// SaveCompiled persists the compiled artifact and hash for a template version.
func (r *TemplateRepository) SaveCompiled(ctx context.Context, tenantID, id, hash string, artifact []byte) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_templates
		SET compiled_hash = $3, compiled_artifact = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, hash, artifact)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to save compiled template")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_template", id)
	}
	return nil
}

// TransitionsReferencing returns the lifecycle transitions configured to pause
// on a template code. Read-only projection used by impact analysis.
func (r *TemplateRepository) TransitionsReferencing(ctx context.Context, tenantID, code string) ([]*LifecycleTransition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, entity_name, operation_code, approval_template_code
		FROM lifecycle_transitions
		WHERE tenant_id = $1 AND approval_template_code = $2
		ORDER BY entity_name, operation_code
	`, tenantID, code)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query lifecycle transitions")
	}
	defer rows.Close()

	var out []*LifecycleTransition
	for rows.Next() {
		t := &LifecycleTransition{}
		if err := rows.Scan(&t.ID, &t.TenantID, &t.EntityName, &t.OperationCode, &t.TemplateCode); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan lifecycle transition")
		}
		out = append(out, t)
	}
	return out, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *TemplateRepository) scanTemplate(row rowScanner) (*ApprovalTemplate, error) {
	tpl := &ApprovalTemplate{}
	err := row.Scan(
		&tpl.ID,
		&tpl.TenantID,
		&tpl.Code,
		&tpl.Name,
		&tpl.Description,
		&tpl.VersionNo,
		&tpl.IsActive,
		&tpl.CompiledHash,
		&tpl.CompiledArtifact,
		&tpl.CreatedBy,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

func (r *TemplateRepository) scanTemplates(rows pgx.Rows) ([]*ApprovalTemplate, error) {
	var templates []*ApprovalTemplate
	for rows.Next() {
		tpl, err := r.scanTemplate(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan template")
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}

// loadChildren populates stages (by stage_no) and rules (by priority, id).
func (r *TemplateRepository) loadChildren(ctx context.Context, tpl *ApprovalTemplate) error {
	stageRows, err := r.db.Query(ctx, `
		SELECT id, template_id, stage_no, name, mode, quorum, sla_minutes
		FROM approval_template_stages
		WHERE template_id = $1
		ORDER BY stage_no ASC
	`, tpl.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to load template stages")
	}
	defer stageRows.Close()

	for stageRows.Next() {
		stage := &TemplateStage{}
		var quorumJSON []byte
		if err := stageRows.Scan(&stage.ID, &stage.TemplateID, &stage.StageNo, &stage.Name, &stage.Mode, &quorumJSON, &stage.SLAMinutes); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan template stage")
		}
		if len(quorumJSON) > 0 {
			stage.Quorum = &Quorum{}
			if err := json.Unmarshal(quorumJSON, stage.Quorum); err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal stage quorum")
			}
		}
		tpl.Stages = append(tpl.Stages, stage)
	}

	// Deterministic rule order: priority, then id, so ties resolve stably.
	ruleRows, err := r.db.Query(ctx, `
		SELECT id, template_id, priority, conditions, assign_to
		FROM approval_template_rules
		WHERE template_id = $1
		ORDER BY priority ASC, id ASC
	`, tpl.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to load template rules")
	}
	defer ruleRows.Close()

	for ruleRows.Next() {
		rule := &TemplateRule{}
		var condJSON, assignJSON []byte
		if err := ruleRows.Scan(&rule.ID, &rule.TemplateID, &rule.Priority, &condJSON, &assignJSON); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan template rule")
		}
		if len(condJSON) > 0 {
			rule.Conditions = &condition.Group{}
			if err := json.Unmarshal(condJSON, rule.Conditions); err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal rule conditions")
			}
		}
		if err := json.Unmarshal(assignJSON, &rule.AssignTo); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal rule assignment")
		}
		tpl.Rules = append(tpl.Rules, rule)
	}

	return nil
}
