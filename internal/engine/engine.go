package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/resolver"
)

// InstanceStore is the instance/stage persistence contract. Implemented by
// repository.InstanceRepository.
type InstanceStore interface {
	Create(ctx context.Context, inst *repository.ApprovalInstance, stages []*repository.ApprovalStage) error
	GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalInstance, error)
	GetOpenByEntity(ctx context.Context, tenantID, entityName, entityID string) (*repository.ApprovalInstance, error)
	UpdateStatus(ctx context.Context, inst *repository.ApprovalInstance, status string, cancelReason *string) error
	SetCurrentStage(ctx context.Context, inst *repository.ApprovalInstance, stageNo int) error
	SetHold(ctx context.Context, inst *repository.ApprovalInstance, onHold bool) error
	GetStages(ctx context.Context, instanceID string) ([]*repository.ApprovalStage, error)
	GetStage(ctx context.Context, instanceID string, stageNo int) (*repository.ApprovalStage, error)
	ActivateStage(ctx context.Context, stageID string) error
	FinishStage(ctx context.Context, stageID, status string) error
	SkipPendingStages(ctx context.Context, instanceID string) error
	AcquireInstanceLock(ctx context.Context, instanceID string, timeout time.Duration) (func(), error)
}

// TaskStore is the task/snapshot persistence contract. Implemented by
// repository.TaskRepository.
type TaskStore interface {
	CreateBatch(ctx context.Context, tasks []*repository.ApprovalTask, snapshots []*repository.AssignmentSnapshot) error
	GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalTask, error)
	GetByStage(ctx context.Context, stageID string) ([]*repository.ApprovalTask, error)
	Decide(ctx context.Context, task *repository.ApprovalTask, status, decidedBy string, note *string, bypassed bool) error
	Reassign(ctx context.Context, task *repository.ApprovalTask, approverID, approverType string) error
	CancelPendingInStage(ctx context.Context, stageID string) error
	CancelPendingInInstance(ctx context.Context, instanceID string) error
	MarkTimersCanceled(ctx context.Context, taskID string) error
	ListPendingForApprover(ctx context.Context, tenantID, approverID string) ([]*repository.ApprovalTask, error)
	GetSnapshotByTask(ctx context.Context, tenantID, taskID string) (*repository.AssignmentSnapshot, error)
}

// EventLog is the append-only audit contract. Implemented by
// repository.EventRepository.
type EventLog interface {
	Append(ctx context.Context, event *repository.ApprovalEvent) error
	ListByInstance(ctx context.Context, tenantID, instanceID string) ([]*repository.ApprovalEvent, error)
	AppendEscalation(ctx context.Context, esc *repository.ApprovalEscalation) error
}

// TemplateSource loads templates for instance creation. Implemented by
// template.Store.
type TemplateSource interface {
	Get(ctx context.Context, tenantID, idOrCode string) (*repository.ApprovalTemplate, error)
}

// Rules resolves routing rules into approvers. Implemented by
// resolver.Resolver.
type Rules interface {
	Resolve(ctx context.Context, tenantID string, rules []*repository.TemplateRule, evalCtx map[string]any, requesterID string) (*resolver.Resolution, error)
}

// Timers schedules and cancels SLA timers for tasks. Implemented by
// sla.Service. Both calls are best-effort from the engine's perspective.
type Timers interface {
	ScheduleForTask(ctx context.Context, task *repository.ApprovalTask)
	CancelForTask(ctx context.Context, task *repository.ApprovalTask)
}

// Lifecycle resumes the paused downstream transition when an instance
// completes. Failure is logged as an event, never propagated.
type Lifecycle interface {
	Transition(ctx context.Context, tenantID, entityName, entityID, operationCode string, ctxData map[string]any) error
}

// Notifier publishes approval events to the notification platform.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType, tenantID, instanceID, actorID string, payload map[string]any)
}

// Engine orchestrates approval instances: creation with lazy stage
// activation, decision processing, quorum evaluation and terminal cascades.
type Engine struct {
	instances InstanceStore
	tasks     TaskStore
	templates TemplateSource
	rules     Rules
	timers    Timers
	lifecycle Lifecycle
	emitter   *emitter
	log       *logger.Logger

	lockTimeout time.Duration
}

// Config wires an Engine.
type Config struct {
	Instances   InstanceStore
	Tasks       TaskStore
	Templates   TemplateSource
	Rules       Rules
	Timers      Timers
	Lifecycle   Lifecycle
	Events      EventLog
	Notifier    Notifier
	Logger      *logger.Logger
	LockTimeout time.Duration
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	return &Engine{
		instances: cfg.Instances,
		tasks:     cfg.Tasks,
		templates: cfg.Templates,
		rules:     cfg.Rules,
		timers:    cfg.Timers,
		lifecycle: cfg.Lifecycle,
		emitter: &emitter{
			events:   cfg.Events,
			notifier: cfg.Notifier,
			log:      cfg.Logger,
		},
		log:         cfg.Logger,
		lockTimeout: cfg.LockTimeout,
	}
}

// Subscribe registers an in-process workflow event handler.
func (e *Engine) Subscribe(h EventHandler) {
	e.emitter.subscribe(h)
}

// ── Instance creation ────────────────────────────────────────────────────────

// CreateRequest asks for a new approval instance.
type CreateRequest struct {
	TenantID     string         `json:"tenant_id"`
	EntityName   string         `json:"entity_name"`
	EntityID     string         `json:"entity_id"`
	TransitionID *string        `json:"transition_id,omitempty"`
	Template     string         `json:"template"` // template ID or code
	RequestedBy  string         `json:"requested_by"`
	Context      map[string]any `json:"context"`
}

// CreateResult is the structured outcome of instance creation. Expected
// failures (missing template, no approvers, duplicate open instance) land
// here with Success=false; nothing is thrown across the service boundary.
type CreateResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	StageCount int    `json:"stage_count,omitempty"`
	TaskCount  int    `json:"task_count,omitempty"`
}

func createFailure(code apperrors.Code, msg string) *CreateResult {
	return &CreateResult{Success: false, Error: msg, ErrorCode: string(code)}
}

// CreateInstance materializes an approval instance from a template. Stage
// rows for every template stage are created up front, but tasks only for
// stage 1; stage N+1 activates lazily when stage N completes, which is what
// lets a stage with no resolvable approvers be skipped instead of blocking.
func (e *Engine) CreateInstance(ctx context.Context, req CreateRequest) *CreateResult {
	if existing, err := e.instances.GetOpenByEntity(ctx, req.TenantID, req.EntityName, req.EntityID); err != nil {
		return createFailure(apperrors.GetCode(err), err.Error())
	} else if existing != nil {
		return createFailure(apperrors.CodeConflict,
			fmt.Sprintf("entity %s/%s already has an open approval instance (%s)", req.EntityName, req.EntityID, existing.ID))
	}

	tpl, err := e.templates.Get(ctx, req.TenantID, req.Template)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return createFailure(apperrors.CodeNotFound, fmt.Sprintf("template %q not found", req.Template))
		}
		return createFailure(apperrors.GetCode(err), err.Error())
	}
	if len(tpl.Stages) == 0 {
		return createFailure(apperrors.CodeValidationFailed, fmt.Sprintf("template %q has no stages", req.Template))
	}

	inst := &repository.ApprovalInstance{
		TenantID:     req.TenantID,
		EntityName:   req.EntityName,
		EntityID:     req.EntityID,
		TransitionID: req.TransitionID,
		TemplateID:   tpl.ID,
		Status:       repository.InstanceOpen,
		CurrentStage: 1,
		RequestedBy:  req.RequestedBy,
		Context:      req.Context,
	}

	now := time.Now()
	stages := make([]*repository.ApprovalStage, 0, len(tpl.Stages))
	for _, def := range tpl.Stages {
		stage := &repository.ApprovalStage{
			StageNo:    def.StageNo,
			Name:       def.Name,
			Mode:       def.Mode,
			Quorum:     def.Quorum,
			SLAMinutes: def.SLAMinutes,
			Status:     repository.StagePending,
		}
		if def.StageNo == 1 {
			stage.Status = repository.StageOpen
			stage.ActivatedAt = &now
		}
		stages = append(stages, stage)
	}

	if err := e.instances.Create(ctx, inst, stages); err != nil {
		return createFailure(apperrors.GetCode(err), err.Error())
	}

	taskCount, err := e.populateStage(ctx, inst, tpl.Rules, stages[0])
	if err != nil {
		return createFailure(apperrors.GetCode(err), err.Error())
	}
	if taskCount == 0 {
		// Stage 1 with no approvers cannot start the workflow; fail creation
		// so the caller does not end up with an unactionable instance.
		reason := "no approvers could be resolved for stage 1"
		e.cancelInstance(ctx, inst, repository.ReasonCanceled, "system", map[string]any{"detail": reason})
		return createFailure(apperrors.CodeValidationFailed, reason)
	}

	e.emitter.emit(ctx, Event{
		Type:       EventInstanceCreated,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Actor:      req.RequestedBy,
		Payload: map[string]any{
			"entity_name": req.EntityName,
			"entity_id":   req.EntityID,
			"template_id": tpl.ID,
			"stage_count": len(stages),
		},
	})

	e.log.Info().
		Str("tenant_id", inst.TenantID).
		Str("instance_id", inst.ID).
		Int("stage_count", len(stages)).
		Int("task_count", taskCount).
		Msg("Approval instance created")

	return &CreateResult{
		Success:    true,
		InstanceID: inst.ID,
		StageCount: len(stages),
		TaskCount:  taskCount,
	}
}

// populateStage resolves approvers for one stage and creates its tasks with
// assignment snapshots and SLA timers. Returns the number of tasks created;
// zero means no rule produced an assignee.
func (e *Engine) populateStage(ctx context.Context, inst *repository.ApprovalInstance, rules []*repository.TemplateRule, stage *repository.ApprovalStage) (int, error) {
	resolution, err := e.rules.Resolve(ctx, inst.TenantID, rules, inst.Context, inst.RequestedBy)
	if err != nil {
		return 0, err
	}
	if resolution == nil || len(resolution.Assignees) == 0 {
		return 0, nil
	}

	var dueAt *time.Time
	if stage.SLAMinutes != nil {
		due := time.Now().Add(time.Duration(*stage.SLAMinutes) * time.Minute)
		dueAt = &due
	}

	var ruleID *string
	if resolution.RuleID != "" {
		ruleID = &resolution.RuleID
	}

	tasks := make([]*repository.ApprovalTask, 0, len(resolution.Assignees))
	snapshots := make([]*repository.AssignmentSnapshot, 0, len(resolution.Assignees))
	for _, assignee := range resolution.Assignees {
		tasks = append(tasks, &repository.ApprovalTask{
			InstanceID:   inst.ID,
			StageID:      stage.ID,
			TenantID:     inst.TenantID,
			StageNo:      stage.StageNo,
			ApproverID:   assignee.ID,
			ApproverType: assignee.Type,
			Status:       repository.TaskPending,
			DueAt:        dueAt,
		})
		snapshots = append(snapshots, &repository.AssignmentSnapshot{
			ResolvedAssignment: resolution.AssignTo,
			ResolvedStrategy:   resolution.Strategy,
			ResolvedApproverID: assignee.ID,
			ResolvedFromRuleID: ruleID,
		})
	}

	if err := e.tasks.CreateBatch(ctx, tasks, snapshots); err != nil {
		return 0, err
	}

	for _, task := range tasks {
		e.timers.ScheduleForTask(ctx, task)
		tid := task.ID
		e.emitter.emit(ctx, Event{
			Type:       EventTaskAssigned,
			TenantID:   inst.TenantID,
			InstanceID: inst.ID,
			TaskID:     &tid,
			Actor:      "system",
			Payload: map[string]any{
				"approver_id": task.ApproverID,
				"stage_no":    task.StageNo,
				"strategy":    resolution.Strategy,
			},
		})
	}

	return len(tasks), nil
}

// ── Decision processing ──────────────────────────────────────────────────────

// DecisionRequest records one approver's decision on a task.
type DecisionRequest struct {
	TenantID  string
	TaskID    string
	Approve   bool
	DecidedBy string
	Note      *string
}

// DecisionResult reports where the decision left the stage and instance.
type DecisionResult struct {
	TaskStatus        string `json:"task_status"`
	StageStatus       string `json:"stage_status"`
	InstanceStatus    string `json:"instance_status"`
	StageCompleted    bool   `json:"stage_completed"`
	InstanceCompleted bool   `json:"instance_completed"`
}

// MakeDecision applies a decision under the per-instance lock. Most callers
// go through ExecuteAction; this is the direct decision entrypoint.
func (e *Engine) MakeDecision(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	task, err := e.tasks.GetByID(ctx, req.TenantID, req.TaskID)
	if err != nil {
		return nil, err
	}

	release, err := e.instances.AcquireInstanceLock(ctx, task.InstanceID, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.instances.GetByID(ctx, req.TenantID, task.InstanceID)
	if err != nil {
		return nil, err
	}
	return e.decideLocked(ctx, inst, task, req.Approve, req.DecidedBy, req.Note, false)
}

// decideLocked is the decision core. Caller holds the instance lock.
func (e *Engine) decideLocked(ctx context.Context, inst *repository.ApprovalInstance, task *repository.ApprovalTask, approve bool, decidedBy string, note *string, bypassed bool) (*DecisionResult, error) {
	if inst.Status != repository.InstanceOpen {
		return nil, apperrors.Newf(apperrors.CodeActionNotAllowed,
			"instance %s is not open (status: %s)", inst.ID, inst.Status)
	}
	if inst.OnHold {
		return nil, apperrors.Newf(apperrors.CodeActionNotAllowed,
			"instance %s is on hold", inst.ID)
	}

	status := repository.TaskRejected
	eventType := EventTaskRejected
	if approve {
		status = repository.TaskApproved
		eventType = EventTaskApproved
	}

	// The status guard in Decide is the stale-decision barrier: a second
	// decision on the same task fails with TASK_NOT_PENDING before any
	// stage evaluation happens.
	if err := e.tasks.Decide(ctx, task, status, decidedBy, note, bypassed); err != nil {
		return nil, err
	}
	e.cancelTaskTimers(ctx, task)

	tid := task.ID
	e.emitter.emit(ctx, Event{
		Type:       eventType,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TaskID:     &tid,
		Actor:      decidedBy,
		Payload:    map[string]any{"stage_no": task.StageNo, "bypassed": bypassed},
	})

	return e.evaluateStage(ctx, inst, task)
}

// evaluateStage recomputes the task's stage after a decision and cascades.
func (e *Engine) evaluateStage(ctx context.Context, inst *repository.ApprovalInstance, task *repository.ApprovalTask) (*DecisionResult, error) {
	stage, err := e.instances.GetStage(ctx, inst.ID, task.StageNo)
	if err != nil {
		return nil, err
	}
	stageTasks, err := e.tasks.GetByStage(ctx, stage.ID)
	if err != nil {
		return nil, err
	}

	outcome := stageOutcome(stage, stageTasks)
	result := &DecisionResult{
		TaskStatus:     task.Status,
		StageStatus:    stage.Status,
		InstanceStatus: inst.Status,
	}

	switch outcome {
	case stageRejected:
		if err := e.finishStage(ctx, inst, stage, repository.StageCanceled, EventStageCanceled); err != nil {
			return nil, err
		}
		actor := "system"
		if task.DecidedBy != nil {
			actor = *task.DecidedBy
		}
		if err := e.cancelInstance(ctx, inst, repository.ReasonRejected, actor, nil); err != nil {
			return nil, err
		}
		result.StageStatus = repository.StageCanceled
		result.InstanceStatus = repository.InstanceCanceled
		return result, nil

	case stageComplete:
		if err := e.finishStage(ctx, inst, stage, repository.StageCompleted, EventStageCompleted); err != nil {
			return nil, err
		}
		result.StageCompleted = true
		result.StageStatus = repository.StageCompleted

		completed, err := e.advance(ctx, inst, stage.StageNo)
		if err != nil {
			return nil, err
		}
		result.InstanceCompleted = completed
		if completed {
			result.InstanceStatus = repository.InstanceCompleted
		}
		return result, nil
	}

	return result, nil
}

// finishStage terminates an open stage, cancels its leftover pending tasks
// and their timers.
func (e *Engine) finishStage(ctx context.Context, inst *repository.ApprovalInstance, stage *repository.ApprovalStage, status, eventType string) error {
	if err := e.instances.FinishStage(ctx, stage.ID, status); err != nil {
		return err
	}

	// Quorum can complete a stage with siblings still pending; they are
	// canceled so their timers no-op and worklists stay clean.
	remaining, err := e.tasks.GetByStage(ctx, stage.ID)
	if err == nil {
		for _, t := range remaining {
			if t.Status == repository.TaskPending {
				e.cancelTaskTimers(ctx, t)
			}
		}
	}
	if err := e.tasks.CancelPendingInStage(ctx, stage.ID); err != nil {
		return err
	}

	e.emitter.emit(ctx, Event{
		Type:       eventType,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Actor:      "system",
		Payload:    map[string]any{"stage_no": stage.StageNo, "status": status},
	})
	return nil
}

// advance activates the next stage after completedStageNo, skipping stages
// that resolve to no approvers, and completes the instance when no stage
// remains. Returns whether the instance completed.
func (e *Engine) advance(ctx context.Context, inst *repository.ApprovalInstance, completedStageNo int) (bool, error) {
	stages, err := e.instances.GetStages(ctx, inst.ID)
	if err != nil {
		return false, err
	}

	var tpl *repository.ApprovalTemplate
	for _, next := range stages {
		if next.StageNo <= completedStageNo || next.Status != repository.StagePending {
			continue
		}

		if tpl == nil {
			tpl, err = e.templates.Get(ctx, inst.TenantID, inst.TemplateID)
			if err != nil {
				return false, err
			}
		}

		if err := e.instances.ActivateStage(ctx, next.ID); err != nil {
			return false, err
		}
		if err := e.instances.SetCurrentStage(ctx, inst, next.StageNo); err != nil {
			return false, err
		}

		taskCount, err := e.populateStage(ctx, inst, tpl.Rules, next)
		if err != nil {
			return false, err
		}
		if taskCount > 0 {
			e.emitter.emit(ctx, Event{
				Type:       EventStageActivated,
				TenantID:   inst.TenantID,
				InstanceID: inst.ID,
				Actor:      "system",
				Payload:    map[string]any{"stage_no": next.StageNo, "task_count": taskCount},
			})
			return false, nil
		}

		// No approvers resolvable for this stage: skip it and keep walking.
		if err := e.instances.FinishStage(ctx, next.ID, repository.StageSkipped); err != nil {
			return false, err
		}
		e.emitter.emit(ctx, Event{
			Type:       EventStageSkipped,
			TenantID:   inst.TenantID,
			InstanceID: inst.ID,
			Actor:      "system",
			Payload:    map[string]any{"stage_no": next.StageNo, "detail": "no approvers resolved"},
		})
	}

	return true, e.completeInstance(ctx, inst)
}

// completeInstance moves an open instance to completed and resumes the
// paused downstream lifecycle transition. Completion is idempotent: a second
// call on a non-open instance is a no-op.
func (e *Engine) completeInstance(ctx context.Context, inst *repository.ApprovalInstance) error {
	if inst.Status != repository.InstanceOpen {
		return nil
	}
	if err := e.instances.UpdateStatus(ctx, inst, repository.InstanceCompleted, nil); err != nil {
		return err
	}

	e.emitter.emit(ctx, Event{
		Type:       EventInstanceCompleted,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Actor:      "system",
		Payload:    map[string]any{"entity_name": inst.EntityName, "entity_id": inst.EntityID},
	})

	e.resumeLifecycle(ctx, inst)
	return nil
}

// resumeLifecycle notifies the lifecycle manager that the approval gate
// opened. Failure is recorded as an event and never fails the decision.
func (e *Engine) resumeLifecycle(ctx context.Context, inst *repository.ApprovalInstance) {
	if e.lifecycle == nil || inst.TransitionID == nil {
		return
	}
	err := e.lifecycle.Transition(ctx, inst.TenantID, inst.EntityName, inst.EntityID, *inst.TransitionID, inst.Context)
	if err == nil {
		return
	}
	e.log.Warn().Err(err).
		Str("instance_id", inst.ID).
		Str("transition_id", *inst.TransitionID).
		Msg("Failed to resume downstream lifecycle transition")
	e.emitter.emit(ctx, Event{
		Type:       EventLifecycleResumeFailed,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Actor:      "system",
		Payload:    map[string]any{"transition_id": *inst.TransitionID, "error": err.Error()},
	})
}

// cancelInstance moves an open instance to canceled with a reason, skips the
// not-yet-activated stages and cancels all pending tasks.
func (e *Engine) cancelInstance(ctx context.Context, inst *repository.ApprovalInstance, reason, actor string, payload map[string]any) error {
	if inst.Status != repository.InstanceOpen {
		return nil
	}
	if err := e.instances.UpdateStatus(ctx, inst, repository.InstanceCanceled, &reason); err != nil {
		return err
	}
	if err := e.instances.SkipPendingStages(ctx, inst.ID); err != nil {
		return err
	}
	if err := e.tasks.CancelPendingInInstance(ctx, inst.ID); err != nil {
		return err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["reason"] = reason
	e.emitter.emit(ctx, Event{
		Type:       EventInstanceCanceled,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Actor:      actor,
		Payload:    payload,
	})
	return nil
}

// cancelTaskTimers records cancellation intent and tells the timer service.
// Best-effort: queued jobs cannot be revoked, the pending-status guard in
// the timer handlers is what makes stale fires harmless.
func (e *Engine) cancelTaskTimers(ctx context.Context, task *repository.ApprovalTask) {
	if err := e.tasks.MarkTimersCanceled(ctx, task.ID); err != nil {
		e.log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to mark task timers canceled")
	}
	e.timers.CancelForTask(ctx, task)
}

// ── Quorum evaluation ────────────────────────────────────────────────────────

type outcome int

const (
	stageIncomplete outcome = iota
	stageComplete
	stageRejected
)

// stageOutcome computes a stage's state from its own tasks only.
//
// Any rejection is terminal for the stage regardless of mode or quorum.
// Serial completes when no task is pending; ordering within the stage is
// deliberately not enforced (all-must-respond, any order). Parallel honors a
// count or percentage quorum, and is unanimous when no quorum is configured.
func stageOutcome(stage *repository.ApprovalStage, tasks []*repository.ApprovalTask) outcome {
	pending, approved := 0, 0
	for _, t := range tasks {
		switch t.Status {
		case repository.TaskRejected:
			return stageRejected
		case repository.TaskPending:
			pending++
		case repository.TaskApproved:
			approved++
		}
	}

	if stage.Mode == repository.ModeParallel && stage.Quorum != nil {
		required := stage.Quorum.Value
		if stage.Quorum.Type == repository.QuorumPercentage {
			required = int(math.Ceil(float64(stage.Quorum.Value) / 100 * float64(len(tasks))))
		}
		// A count quorum above the resolved task count would stall the stage
		// with every task decided and nothing left to vote.
		if required > len(tasks) {
			required = len(tasks)
		}
		if approved >= required {
			return stageComplete
		}
		return stageIncomplete
	}

	// Serial, and parallel without quorum (unanimous): every task terminal.
	if pending == 0 {
		return stageComplete
	}
	return stageIncomplete
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetInstance loads an instance with its stages.
func (e *Engine) GetInstance(ctx context.Context, tenantID, instanceID string) (*repository.ApprovalInstance, []*repository.ApprovalStage, error) {
	inst, err := e.instances.GetByID(ctx, tenantID, instanceID)
	if err != nil {
		return nil, nil, err
	}
	stages, err := e.instances.GetStages(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	return inst, stages, nil
}

// PendingApprovals returns the open tasks awaiting a principal.
func (e *Engine) PendingApprovals(ctx context.Context, tenantID, approverID string) ([]*repository.ApprovalTask, error) {
	return e.tasks.ListPendingForApprover(ctx, tenantID, approverID)
}

// History returns the full event trail for an instance.
func (e *Engine) History(ctx context.Context, tenantID, instanceID string) ([]*repository.ApprovalEvent, error) {
	return e.emitter.events.ListByInstance(ctx, tenantID, instanceID)
}
