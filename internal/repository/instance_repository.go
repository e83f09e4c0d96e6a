package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// InstanceRepository manages approval instances and their stages. Instance
// mutations are guarded by the version counter: every update carries the
// version the caller read, and a mismatch surfaces as CONCURRENCY_CONFLICT.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create inserts an instance and its stage rows in one transaction. The
// unique partial index on (tenant_id, entity_name, entity_id) WHERE open
// rejects a second open instance for the same entity.
func (r *InstanceRepository) Create(ctx context.Context, inst *ApprovalInstance, stages []*ApprovalStage) error {
	ctxJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal instance context")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO approval_instances
			    (tenant_id, entity_name, entity_id, transition_id, template_id,
			     status, current_stage, requested_by, context, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
			RETURNING id, version, created_at, updated_at
		`, inst.TenantID, inst.EntityName, inst.EntityID, inst.TransitionID, inst.TemplateID,
			inst.Status, inst.CurrentStage, inst.RequestedBy, ctxJSON,
		).Scan(&inst.ID, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create approval instance")
		}

		for _, stage := range stages {
			stage.InstanceID = inst.ID
			stage.TenantID = inst.TenantID
			var quorumJSON []byte
			if stage.Quorum != nil {
				quorumJSON, err = json.Marshal(stage.Quorum)
				if err != nil {
					return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal stage quorum")
				}
			}
			err = tx.QueryRow(ctx, `
				INSERT INTO approval_stages
				    (instance_id, tenant_id, stage_no, name, mode, quorum, sla_minutes, status, activated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING id
			`, stage.InstanceID, stage.TenantID, stage.StageNo, stage.Name, stage.Mode,
				quorumJSON, stage.SLAMinutes, stage.Status, stage.ActivatedAt,
			).Scan(&stage.ID)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create approval stage")
			}
		}
		return nil
	})
}

const instanceColumns = `
	id, tenant_id, entity_name, entity_id, transition_id, template_id,
	status, cancel_reason, on_hold, current_stage, requested_by, context,
	version, created_at, updated_at, completed_at
`

// GetByID loads one instance.
func (r *InstanceRepository) GetByID(ctx context.Context, tenantID, id string) (*ApprovalInstance, error) {
	inst, err := r.scanInstance(r.db.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM approval_instances
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_instance", id)
	}
	return inst, err
}

// GetOpenByEntity returns the open instance for a business entity, or nil.
func (r *InstanceRepository) GetOpenByEntity(ctx context.Context, tenantID, entityName, entityID string) (*ApprovalInstance, error) {
	inst, err := r.scanInstance(r.db.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM approval_instances
		WHERE tenant_id = $1 AND entity_name = $2 AND entity_id = $3 AND status = 'open'
	`, tenantID, entityName, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// UpdateStatus moves an instance out of (or within) the open state with an
// optimistic version check. completed/canceled set completed_at.
func (r *InstanceRepository) UpdateStatus(ctx context.Context, inst *ApprovalInstance, status string, cancelReason *string) error {
	var completedAt *time.Time
	if status == InstanceCompleted || status == InstanceCanceled {
		now := time.Now()
		completedAt = &now
	}

	err := r.db.QueryRow(ctx, `
		UPDATE approval_instances
		SET status = $3, cancel_reason = $4, completed_at = $5,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, inst.ID, inst.Version, status, cancelReason, completedAt,
	).Scan(&inst.Version, &inst.UpdatedAt)
	if err == pgx.ErrNoRows {
		return r.versionConflict(ctx, inst.TenantID, inst.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update instance status")
	}
	inst.Status = status
	inst.CancelReason = cancelReason
	inst.CompletedAt = completedAt
	return nil
}

// SetCurrentStage advances the instance's active stage pointer.
func (r *InstanceRepository) SetCurrentStage(ctx context.Context, inst *ApprovalInstance, stageNo int) error {
	err := r.db.QueryRow(ctx, `
		UPDATE approval_instances
		SET current_stage = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, inst.ID, inst.Version, stageNo,
	).Scan(&inst.Version, &inst.UpdatedAt)
	if err == pgx.ErrNoRows {
		return r.versionConflict(ctx, inst.TenantID, inst.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to advance instance stage")
	}
	inst.CurrentStage = stageNo
	return nil
}

// SetHold toggles the instance's hold flag.
func (r *InstanceRepository) SetHold(ctx context.Context, inst *ApprovalInstance, onHold bool) error {
	err := r.db.QueryRow(ctx, `
		UPDATE approval_instances
		SET on_hold = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`, inst.ID, inst.Version, onHold,
	).Scan(&inst.Version, &inst.UpdatedAt)
	if err == pgx.ErrNoRows {
		return r.versionConflict(ctx, inst.TenantID, inst.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to update instance hold flag")
	}
	inst.OnHold = onHold
	return nil
}

// versionConflict distinguishes a stale version from a missing row.
func (r *InstanceRepository) versionConflict(ctx context.Context, tenantID, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM approval_instances WHERE tenant_id = $1 AND id = $2)
	`, tenantID, id).Scan(&exists)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to check instance existence")
	}
	if !exists {
		return apperrors.NotFound("approval_instance", id)
	}
	return apperrors.Newf(apperrors.CodeConcurrencyConflict,
		"approval instance %s was modified concurrently", id)
}

// ── Stages ───────────────────────────────────────────────────────────────────

const stageColumns = `
	id, instance_id, tenant_id, stage_no, name, mode, quorum, sla_minutes,
	status, activated_at, completed_at
`

// GetStages returns all stages of an instance ordered by stage number.
func (r *InstanceRepository) GetStages(ctx context.Context, instanceID string) ([]*ApprovalStage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+stageColumns+`
		FROM approval_stages
		WHERE instance_id = $1
		ORDER BY stage_no ASC
	`, instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load stages")
	}
	defer rows.Close()

	var stages []*ApprovalStage
	for rows.Next() {
		stage, err := r.scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// GetStage returns the stage at stageNo within an instance.
func (r *InstanceRepository) GetStage(ctx context.Context, instanceID string, stageNo int) (*ApprovalStage, error) {
	stage, err := r.scanStage(r.db.QueryRow(ctx, `
		SELECT `+stageColumns+`
		FROM approval_stages
		WHERE instance_id = $1 AND stage_no = $2
	`, instanceID, stageNo))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_stage", instanceID)
	}
	return stage, err
}

// ActivateStage moves a pending stage to open.
func (r *InstanceRepository) ActivateStage(ctx context.Context, stageID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_stages
		SET status = 'open', activated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, stageID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to activate stage")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Newf(apperrors.CodeConflict, "stage %s is not pending", stageID)
	}
	return nil
}

// FinishStage moves an open stage to a terminal status (completed/canceled).
func (r *InstanceRepository) FinishStage(ctx context.Context, stageID, status string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_stages
		SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'open'
	`, stageID, status)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to finish stage")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Newf(apperrors.CodeConflict, "stage %s is not open", stageID)
	}
	return nil
}

// SkipPendingStages marks every not-yet-activated stage of an instance as
// skipped. Used when the instance reaches a terminal state early.
func (r *InstanceRepository) SkipPendingStages(ctx context.Context, instanceID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE approval_stages
		SET status = 'skipped', completed_at = NOW()
		WHERE instance_id = $1 AND status = 'pending'
	`, instanceID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to skip pending stages")
	}
	return nil
}

func (r *InstanceRepository) scanStage(row rowScanner) (*ApprovalStage, error) {
	stage := &ApprovalStage{}
	var quorumJSON []byte
	err := row.Scan(
		&stage.ID,
		&stage.InstanceID,
		&stage.TenantID,
		&stage.StageNo,
		&stage.Name,
		&stage.Mode,
		&quorumJSON,
		&stage.SLAMinutes,
		&stage.Status,
		&stage.ActivatedAt,
		&stage.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(quorumJSON) > 0 {
		stage.Quorum = &Quorum{}
		if err := json.Unmarshal(quorumJSON, stage.Quorum); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal stage quorum")
		}
	}
	return stage, nil
}

func (r *InstanceRepository) scanInstance(row rowScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	var ctxJSON []byte
	err := row.Scan(
		&inst.ID,
		&inst.TenantID,
		&inst.EntityName,
		&inst.EntityID,
		&inst.TransitionID,
		&inst.TemplateID,
		&inst.Status,
		&inst.CancelReason,
		&inst.OnHold,
		&inst.CurrentStage,
		&inst.RequestedBy,
		&ctxJSON,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &inst.Context); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal instance context")
		}
	}
	return inst, nil
}
