package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// TaskRepository manages approval tasks and their assignment snapshots.
// Tasks and snapshots for a stage are always created together in one
// transaction; a decided task is terminal and only its timer bookkeeping may
// change afterwards.
type TaskRepository struct {
	db *database.DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *database.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// CreateBatch inserts tasks with their snapshots (aligned by index) in one
// transaction.
func (r *TaskRepository) CreateBatch(ctx context.Context, tasks []*ApprovalTask, snapshots []*AssignmentSnapshot) error {
	if len(snapshots) != 0 && len(snapshots) != len(tasks) {
		return apperrors.New(apperrors.CodeInternal, "snapshot count does not match task count")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for i, task := range tasks {
			err := tx.QueryRow(ctx, `
				INSERT INTO approval_tasks
				    (instance_id, stage_id, tenant_id, stage_no,
				     approver_id, approver_type, status, due_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING id, created_at, updated_at
			`, task.InstanceID, task.StageID, task.TenantID, task.StageNo,
				task.ApproverID, task.ApproverType, task.Status, task.DueAt,
			).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create approval task")
			}

			if len(snapshots) == 0 {
				continue
			}
			snap := snapshots[i]
			snap.TaskID = task.ID
			snap.TenantID = task.TenantID
			assignJSON, err := json.Marshal(snap.ResolvedAssignment)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal assignment snapshot")
			}
			err = tx.QueryRow(ctx, `
				INSERT INTO approval_assignment_snapshots
				    (task_id, tenant_id, resolved_assignment, resolved_strategy,
				     resolved_approver_id, resolved_from_rule_id)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id, created_at
			`, snap.TaskID, snap.TenantID, assignJSON, snap.ResolvedStrategy,
				snap.ResolvedApproverID, snap.ResolvedFromRuleID,
			).Scan(&snap.ID, &snap.CreatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create assignment snapshot")
			}
		}
		return nil
	})
}

const taskColumns = `
	id, instance_id, stage_id, tenant_id, stage_no,
	approver_id, approver_type, status,
	decided_at, decided_by, decision_note, bypassed,
	due_at, timers_canceled_at, created_at, updated_at
`

// taskColumnsPrefixed qualifies the task column list for joined queries.
func taskColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.instance_id, ` + alias + `.stage_id, ` + alias + `.tenant_id, ` + alias + `.stage_no,
	` + alias + `.approver_id, ` + alias + `.approver_type, ` + alias + `.status,
	` + alias + `.decided_at, ` + alias + `.decided_by, ` + alias + `.decision_note, ` + alias + `.bypassed,
	` + alias + `.due_at, ` + alias + `.timers_canceled_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

// GetByID loads one task.
func (r *TaskRepository) GetByID(ctx context.Context, tenantID, id string) (*ApprovalTask, error) {
	task, err := r.scanTask(r.db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM approval_tasks
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_task", id)
	}
	return task, err
}

// GetByStage returns all tasks of one stage. Quorum evaluation must only ever
// see this set.
func (r *TaskRepository) GetByStage(ctx context.Context, stageID string) ([]*ApprovalTask, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM approval_tasks
		WHERE stage_id = $1
		ORDER BY created_at ASC, id ASC
	`, stageID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load stage tasks")
	}
	defer rows.Close()
	return r.scanTasks(rows)
}

// Decide moves a pending task to approved/rejected. Guarded by status in the
// WHERE clause so a second decision on the same task fails with
// TASK_NOT_PENDING rather than silently overwriting.
func (r *TaskRepository) Decide(ctx context.Context, task *ApprovalTask, status, decidedBy string, note *string, bypassed bool) error {
	err := r.db.QueryRow(ctx, `
		UPDATE approval_tasks
		SET status = $2, decided_at = NOW(), decided_by = $3,
		    decision_note = $4, bypassed = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING decided_at, updated_at
	`, task.ID, status, decidedBy, note, bypassed,
	).Scan(&task.DecidedAt, &task.UpdatedAt)
	if err == pgx.ErrNoRows {
		return r.notPending(ctx, task.TenantID, task.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to record task decision")
	}
	task.Status = status
	task.DecidedBy = &decidedBy
	task.DecisionNote = note
	task.Bypassed = bypassed
	return nil
}

// Reassign changes the approver of a pending task.
func (r *TaskRepository) Reassign(ctx context.Context, task *ApprovalTask, approverID, approverType string) error {
	err := r.db.QueryRow(ctx, `
		UPDATE approval_tasks
		SET approver_id = $2, approver_type = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING updated_at
	`, task.ID, approverID, approverType,
	).Scan(&task.UpdatedAt)
	if err == pgx.ErrNoRows {
		return r.notPending(ctx, task.TenantID, task.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to reassign task")
	}
	task.ApproverID = approverID
	task.ApproverType = approverType
	return nil
}

// CancelPendingInStage marks every still-pending task of a stage canceled.
// Happens when the stage reaches its outcome without needing them.
func (r *TaskRepository) CancelPendingInStage(ctx context.Context, stageID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE approval_tasks
		SET status = 'canceled', updated_at = NOW()
		WHERE stage_id = $1 AND status = 'pending'
	`, stageID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to cancel pending stage tasks")
	}
	return nil
}

// CancelPendingInInstance marks every still-pending task of an instance
// canceled. Used on instance-level terminal transitions.
func (r *TaskRepository) CancelPendingInInstance(ctx context.Context, instanceID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE approval_tasks
		SET status = 'canceled', updated_at = NOW()
		WHERE instance_id = $1 AND status = 'pending'
	`, instanceID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to cancel pending instance tasks")
	}
	return nil
}

// MarkTimersCanceled records timer-cancellation intent on a task. Queued
// timer jobs are not revoked; their handlers no-op on non-pending tasks.
func (r *TaskRepository) MarkTimersCanceled(ctx context.Context, taskID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE approval_tasks
		SET timers_canceled_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, taskID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to mark timers canceled")
	}
	return nil
}

// ListPendingForApprover returns pending tasks assigned to a principal across
// open, not-held instances, soonest due first.
func (r *TaskRepository) ListPendingForApprover(ctx context.Context, tenantID, approverID string) ([]*ApprovalTask, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumnsPrefixed("t")+`
		FROM approval_tasks t
		JOIN approval_instances i ON i.id = t.instance_id
		WHERE t.tenant_id = $1
		  AND t.approver_id = $2
		  AND t.status = 'pending'
		  AND i.status = 'open'
		  AND i.on_hold = FALSE
		ORDER BY t.due_at ASC NULLS LAST, t.created_at ASC
	`, tenantID, approverID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()
	return r.scanTasks(rows)
}

// ListPendingWithFutureDue returns pending tasks with a due date still ahead.
// Empty tenantID scans every tenant; timer rehydration uses that after a
// restart.
func (r *TaskRepository) ListPendingWithFutureDue(ctx context.Context, tenantID string) ([]*ApprovalTask, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM approval_tasks
		WHERE ($1 = '' OR tenant_id = $1)
		  AND status = 'pending'
		  AND due_at IS NOT NULL
		  AND due_at > NOW()
		ORDER BY due_at ASC
	`, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan pending timers")
	}
	defer rows.Close()
	return r.scanTasks(rows)
}

// GetSnapshotByTask returns the write-once assignment snapshot for a task.
func (r *TaskRepository) GetSnapshotByTask(ctx context.Context, tenantID, taskID string) (*AssignmentSnapshot, error) {
	snap := &AssignmentSnapshot{}
	var assignJSON []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, task_id, tenant_id, resolved_assignment, resolved_strategy,
		       resolved_approver_id, resolved_from_rule_id, created_at
		FROM approval_assignment_snapshots
		WHERE tenant_id = $1 AND task_id = $2
	`, tenantID, taskID).Scan(
		&snap.ID, &snap.TaskID, &snap.TenantID, &assignJSON,
		&snap.ResolvedStrategy, &snap.ResolvedApproverID, &snap.ResolvedFromRuleID, &snap.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("assignment_snapshot", taskID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load assignment snapshot")
	}
	if err := json.Unmarshal(assignJSON, &snap.ResolvedAssignment); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal assignment snapshot")
	}
	return snap, nil
}

// notPending distinguishes an already-decided task from a missing one.
func (r *TaskRepository) notPending(ctx context.Context, tenantID, id string) error {
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT status FROM approval_tasks WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_task", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to check task status")
	}
	return apperrors.Newf(apperrors.CodeTaskNotPending, "task %s is not pending (status: %s)", id, status)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *TaskRepository) scanTask(row rowScanner) (*ApprovalTask, error) {
	t := &ApprovalTask{}
	err := row.Scan(
		&t.ID,
		&t.InstanceID,
		&t.StageID,
		&t.TenantID,
		&t.StageNo,
		&t.ApproverID,
		&t.ApproverType,
		&t.Status,
		&t.DecidedAt,
		&t.DecidedBy,
		&t.DecisionNote,
		&t.Bypassed,
		&t.DueAt,
		&t.TimersCanceledAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TaskRepository) scanTasks(rows pgx.Rows) ([]*ApprovalTask, error) {
	var tasks []*ApprovalTask
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan approval task")
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
