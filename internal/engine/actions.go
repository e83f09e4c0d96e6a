package engine

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Actions an actor can take on an instance or one of its tasks.
const (
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionRequestChanges = "request_changes"
	ActionDelegate       = "delegate"
	ActionEscalate       = "escalate"
	ActionHold           = "hold"
	ActionResume         = "resume"
	ActionRecall         = "recall"
	ActionWithdraw       = "withdraw"
	ActionBypass         = "bypass"
	ActionReassign       = "reassign"
	ActionComment        = "comment"
	ActionRelease        = "release"
)

// ActionRequest is one actor action against an instance. TaskID is required
// for task-scoped actions (approve, reject, delegate, bypass, reassign,
// release, escalate). ExpectedVersion, when non-zero, is checked against the
// instance version after the lock is acquired, so a caller acting on a stale
// read fails with CONCURRENCY_CONFLICT instead of acting on state it never
// saw.
type ActionRequest struct {
	TenantID        string  `json:"tenant_id"`
	InstanceID      string  `json:"instance_id"`
	TaskID          string  `json:"task_id,omitempty"`
	Action          string  `json:"action"`
	ActorID         string  `json:"actor_id"`
	Reason          *string `json:"reason,omitempty"`
	Note            *string `json:"note,omitempty"`
	TargetID        string  `json:"target_id,omitempty"`       // delegate/reassign/escalate target
	BypassDecision  string  `json:"bypass_decision,omitempty"` // approved | rejected
	ExpectedVersion int     `json:"expected_version,omitempty"`
}

// ActionResult reports the post-action state.
type ActionResult struct {
	Action         string          `json:"action"`
	InstanceStatus string          `json:"instance_status"`
	OnHold         bool            `json:"on_hold"`
	Decision       *DecisionResult `json:"decision,omitempty"`
}

// ExecuteAction validates and applies one action under the per-instance
// advisory lock. Validation failures (unknown action, missing fields,
// permission, state) come back as coded errors before anything mutates.
func (e *Engine) ExecuteAction(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if err := validateAction(req); err != nil {
		return nil, err
	}

	release, err := e.instances.AcquireInstanceLock(ctx, req.InstanceID, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.instances.GetByID(ctx, req.TenantID, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion > 0 && inst.Version != req.ExpectedVersion {
		return nil, apperrors.Newf(apperrors.CodeConcurrencyConflict,
			"instance %s is at version %d, expected %d", inst.ID, inst.Version, req.ExpectedVersion)
	}

	var task *repository.ApprovalTask
	if req.TaskID != "" {
		task, err = e.tasks.GetByID(ctx, req.TenantID, req.TaskID)
		if err != nil {
			return nil, err
		}
		if task.InstanceID != inst.ID {
			return nil, apperrors.Newf(apperrors.CodeInvalidInput,
				"task %s does not belong to instance %s", task.ID, inst.ID)
		}
	}

	if err := e.checkPermission(req, inst, task); err != nil {
		return nil, err
	}

	result := &ActionResult{Action: req.Action}

	switch req.Action {
	case ActionApprove, ActionReject:
		note := req.Note
		if note == nil {
			note = req.Reason
		}
		decision, err := e.decideLocked(ctx, inst, task, req.Action == ActionApprove, req.ActorID, note, false)
		if err != nil {
			return nil, err
		}
		result.Decision = decision
		inst.Status = decision.InstanceStatus

	case ActionRequestChanges:
		err = e.requestChanges(ctx, inst, task, req)

	case ActionDelegate:
		err = e.delegate(ctx, inst, task, req)

	case ActionEscalate:
		err = e.escalate(ctx, inst, task, req)

	case ActionHold:
		err = e.setHold(ctx, inst, true, req.ActorID, req.Reason)

	case ActionResume:
		err = e.setHold(ctx, inst, false, req.ActorID, req.Reason)

	case ActionRecall:
		err = e.terminate(ctx, inst, repository.ReasonRecalled, req)

	case ActionWithdraw:
		err = e.terminate(ctx, inst, repository.ReasonWithdrawn, req)

	case ActionBypass:
		decision, derr := e.bypass(ctx, inst, task, req)
		if derr != nil {
			return nil, derr
		}
		result.Decision = decision
		inst.Status = decision.InstanceStatus

	case ActionReassign:
		err = e.reassign(ctx, inst, task, req)

	case ActionComment:
		e.comment(ctx, inst, task, req)

	case ActionRelease:
		err = e.releaseTask(ctx, inst, task, req)
	}
	if err != nil {
		return nil, err
	}

	result.InstanceStatus = inst.Status
	result.OnHold = inst.OnHold
	return result, nil
}

var taskScopedActions = map[string]bool{
	ActionApprove:  true,
	ActionReject:   true,
	ActionDelegate: true,
	ActionEscalate: true,
	ActionBypass:   true,
	ActionReassign: true,
	ActionRelease:  true,
}

// validateAction checks the request shape before any state is touched.
func validateAction(req ActionRequest) error {
	switch req.Action {
	case ActionApprove, ActionReject, ActionRequestChanges, ActionDelegate,
		ActionEscalate, ActionHold, ActionResume, ActionRecall, ActionWithdraw,
		ActionBypass, ActionReassign, ActionComment, ActionRelease:
	default:
		return apperrors.Newf(apperrors.CodeUnknownAction, "unknown action %q", req.Action)
	}

	if req.ActorID == "" {
		return apperrors.New(apperrors.CodeInvalidInput, "actor_id is required")
	}
	if taskScopedActions[req.Action] && req.TaskID == "" {
		return apperrors.Newf(apperrors.CodeInvalidInput, "action %q requires a task_id", req.Action)
	}

	switch req.Action {
	case ActionReject:
		if req.Reason == nil || *req.Reason == "" {
			return apperrors.New(apperrors.CodeInvalidInput, "reject requires a reason")
		}
	case ActionDelegate, ActionReassign:
		if req.TargetID == "" {
			return apperrors.Newf(apperrors.CodeInvalidInput, "%s requires a target_id", req.Action)
		}
	case ActionBypass:
		if req.Reason == nil || *req.Reason == "" {
			return apperrors.New(apperrors.CodeInvalidInput, "bypass requires a reason")
		}
		if req.BypassDecision != repository.TaskApproved && req.BypassDecision != repository.TaskRejected {
			return apperrors.New(apperrors.CodeInvalidInput, "bypass_decision must be approved or rejected")
		}
	case ActionComment:
		if req.Note == nil || *req.Note == "" {
			return apperrors.New(apperrors.CodeInvalidInput, "comment requires a note")
		}
	}
	return nil
}

// checkPermission enforces who may act. Approve/reject/delegate/release and
// request_changes belong to the task's assigned approver; recall and
// withdraw to the requester. Bypass, reassign, escalate, hold, resume and
// comment are administrative and gated at the boundary, not here.
func (e *Engine) checkPermission(req ActionRequest, inst *repository.ApprovalInstance, task *repository.ApprovalTask) error {
	switch req.Action {
	case ActionApprove, ActionReject, ActionDelegate, ActionRelease:
		if task.ApproverID != req.ActorID {
			return apperrors.Newf(apperrors.CodeUnauthorized,
				"actor %s is not the assigned approver for task %s", req.ActorID, task.ID)
		}
	case ActionRequestChanges:
		if task != nil && task.ApproverID != req.ActorID {
			return apperrors.Newf(apperrors.CodeUnauthorized,
				"actor %s is not the assigned approver for task %s", req.ActorID, task.ID)
		}
	case ActionRecall, ActionWithdraw:
		if inst.RequestedBy != req.ActorID {
			return apperrors.Newf(apperrors.CodeUnauthorized,
				"actor %s did not request instance %s", req.ActorID, inst.ID)
		}
	}
	return nil
}

// requestChanges records the change request and puts the instance on hold so
// the requester can amend the entity before approvals resume.
func (e *Engine) requestChanges(ctx context.Context, inst *repository.ApprovalInstance, task *repository.ApprovalTask, req ActionRequest) error {
	if inst.Status != repository.InstanceOpen {
		return apperrors.Newf(apperrors.CodeActionNotAllowed,
			"instance %s is not open (status: %s)", inst.ID, inst.Status)
	}
	if err := e.instances.SetHold(ctx, inst, true); err != nil {
		return err
	}

	var taskID *string
	if task != nil {
		taskID = &task.ID
	}
	e.emitter.emit(ctx, Event{
		Type:       EventChangesRequested,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TaskID:     taskID,
		Actor:      req.ActorID,
		Payload:    map[string]any{"note": deref(req.Note)},
	})
	return nil
}

// delegate hands a pending task to another principal. The assignment
// snapshot keeps the originally resolved approver so release can restore it.
func (e *Engine) delegate(ctx context.Context, inst *repository.ApprovalInstance, task *repository.ApprovalTask, req ActionRequest) error {
	if err := e.requireActionable(inst); err != nil {
		return err
	}
	from := task.ApproverID
	if err := e.tasks.Reassign(ctx, task, req.TargetID, repository.ApproverPrincipal); err != nil {
		return err
	}
	tid := task.ID
	e.emitter.emit(ctx, Event{
		Type:       EventTaskDelegated,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TaskID:     &tid,
		Actor:      req.ActorID,
		Payload:    map[string]any{"from": from, "to": req.TargetID, "note": deref(req.Note)},
	})
	return nil
}

// escalate records an escalation row and event; with a target it also
// reassigns the task to the escalation target.
func (e *Engine) escalate(ctx context.Context, inst *repository.ApprovalInstance, task *repository.ApprovalTask, req ActionRequest) error {
	if err := e.requireActionable(inst); err != nil {
		return err
	}

	var escalatedTo *string
	if req.TargetID != "" {
		if err := e.tasks.Reassign(ctx, task, req.TargetID, repository.ApproverPrincipal); err != nil {
			return err
		}
		escalatedTo = &req.TargetID
	}

	reason := deref(req.Reason)
	if reason == "" {
		reason = "manual"
	}
	esc := &repository.ApprovalEscalation{
		InstanceID:  inst.ID,
		TaskID:      task.ID,
		TenantID:    inst.TenantID,
		EscalatedTo: escalatedTo,
		Reason:      reason,
		Payload:     map[string]any{"actor": req.ActorID},
	}
	if err := e.emitter.events.AppendEscalation(ctx, esc); err != nil {
		e.log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to record escalation")
	}

	tid := task.ID
	e.emitter.emit(ctx, Event{
		Type:       EventEscalated,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TaskID:     &tid,
		Actor:      req.ActorID,
		Payload:    map[string]any{"reason": reason, "escalated_to": deref(escalatedTo)},
	})
	return nil
}

// setHold pauses or resumes an open instance. Decisions on a held instance
// fail with ACTION_NOT_ALLOWED until it is resumed.
func (e *Engine) setHold(ctx context.Context, inst *repository.ApprovalInstance, hold bool, actor string, reason *string) error {
	if inst.Status != repository.InstanceOpen {
		return apperrors.Newf(apperrors.CodeActionNotAllowed,
			"instance %s is not open (status: %s)", inst.ID, inst.Status)
	}
	if inst.OnHold == hold {
		return nil
	}
	if err := e.instances.SetHold(ctx, inst, hold); err != nil {
		return err
	}

	eventType := EventInstanceHeld
	if !hold {
		eventType = EventInstanceResumed
	}
	e.emitter.emit(ctx, Event{
		Type:       eventType,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Actor:      actor,
		Payload:    map[string]any{"reason": deref(reason)},
	})
	return nil
}

// terminate cancels an open instance on behalf of its requester (recall and
// withdraw). The downstream lifecycle transition is never resumed.
func (e *Engine) terminate(ctx context.Context, inst *repository.ApprovalInstance, reason string, req ActionRequest) error {
	if inst.Status != repository.InstanceOpen {
		return apperrors.Newf(apperrors.CodeActionNotAllowed,
			"instance %s is not open (status: %s)", inst.ID, inst.Status)
	}
	return e.cancelInstance(ctx, inst, reason, req.ActorID, map[string]any{"note": deref(req.Note)})
}

// bypass decides a task on behalf of its approver, administratively. Marked
// on the task and audited with the mandatory reason; quorum evaluation runs
// exactly as for a regular decision.
func (e *Engine) bypass(ctx context.Context, inst *repository.ApprovalInstance, task *repository.ApprovalTask, req ActionRequest) (*DecisionResult, error) {
	approve := req.BypassDecision == repository.TaskApproved
	decision, err := e.decideLocked(ctx, inst, task, approve, req.ActorID, req.Reason, true)
	if err != nil {
		return nil, err
	}

	tid := task.ID
	e.emitter.emit(ctx, Event{
		Type:       EventTaskBypassed,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TaskID:     &tid,
		Actor:      req.ActorID,
		Payload:    map[string]any{"decision": req.BypassDecision, "reason": deref(req.Reason)},
	})
	return decision, nil
}

// reassign administratively moves a pending task to another principal.
func (e *Engine) reassign(ctx context.Context, inst *repository.ApprovalInstance, task *repository.ApprovalTask, req ActionRequest) error {
	if err := e.requireActionable(inst); err != nil {
		return err
	}
	from := task.ApproverID
	if err := e.tasks.Reassign(ctx, task, req.TargetID, repository.ApproverPrincipal); err != nil {
		return err
	}
	tid := task.ID
	e.emitter.emit(ctx, Event{
		Type:       EventTaskReassigned,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TaskID:     &tid,
		Actor:      req.ActorID,
		Payload:    map[string]any{"from": from, "to": req.TargetID, "reason": deref(req.Reason)},
	})
	return nil
}

// comment appends a note to the event trail. Allowed in any instance state.
func (e *Engine) comment(ctx context.Context, inst *repository.ApprovalInstance, task *repository.ApprovalTask, req ActionRequest) {
	var taskID *string
	if task != nil {
		taskID = &task.ID
	}
	e.emitter.emit(ctx, Event{
		Type:       EventCommentAdded,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TaskID:     taskID,
		Actor:      req.ActorID,
		Payload:    map[string]any{"note": deref(req.Note)},
	})
}

// releaseTask returns a delegated task to the approver originally resolved
// for it, read back from the assignment snapshot.
func (e *Engine) releaseTask(ctx context.Context, inst *repository.ApprovalInstance, task *repository.ApprovalTask, req ActionRequest) error {
	if err := e.requireActionable(inst); err != nil {
		return err
	}

	snapshot, err := e.tasks.GetSnapshotByTask(ctx, inst.TenantID, task.ID)
	if err != nil {
		return err
	}
	if snapshot.ResolvedApproverID == task.ApproverID {
		return apperrors.Newf(apperrors.CodeActionNotAllowed,
			"task %s is not delegated", task.ID)
	}

	to := snapshot.ResolvedApproverID
	from := task.ApproverID
	if err := e.tasks.Reassign(ctx, task, to, repository.ApproverPrincipal); err != nil {
		return err
	}
	tid := task.ID
	e.emitter.emit(ctx, Event{
		Type:       EventTaskReleased,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TaskID:     &tid,
		Actor:      req.ActorID,
		Payload:    map[string]any{"from": from, "to": to},
	})
	return nil
}

func (e *Engine) requireActionable(inst *repository.ApprovalInstance) error {
	if inst.Status != repository.InstanceOpen {
		return apperrors.Newf(apperrors.CodeActionNotAllowed,
			"instance %s is not open (status: %s)", inst.ID, inst.Status)
	}
	if inst.OnHold {
		return apperrors.Newf(apperrors.CodeActionNotAllowed,
			"instance %s is on hold", inst.ID)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
