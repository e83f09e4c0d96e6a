package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/resolver"
)

// memStore is an in-memory InstanceStore + TaskStore + EventLog backing the
// engine tests. Single mutex, no tenancy shortcuts: lookups check tenant IDs
// the way the SQL does.
type memStore struct {
	mu        sync.Mutex
	instances map[string]*repository.ApprovalInstance
	stages    map[string]*repository.ApprovalStage
	tasks     map[string]*repository.ApprovalTask
	snapshots map[string]*repository.AssignmentSnapshot // keyed by task ID
	events    []*repository.ApprovalEvent
	escs      []*repository.ApprovalEscalation

	lockErr     error
	lockHolds   int
	activeLocks map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		instances:   map[string]*repository.ApprovalInstance{},
		stages:      map[string]*repository.ApprovalStage{},
		tasks:       map[string]*repository.ApprovalTask{},
		snapshots:   map[string]*repository.AssignmentSnapshot{},
		activeLocks: map[string]bool{},
	}
}

func (m *memStore) Create(ctx context.Context, inst *repository.ApprovalInstance, stages []*repository.ApprovalStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.instances {
		if other.TenantID == inst.TenantID && other.EntityName == inst.EntityName &&
			other.EntityID == inst.EntityID && other.Status == repository.InstanceOpen {
			return apperrors.Newf(apperrors.CodeConflict, "open instance exists for %s/%s", inst.EntityName, inst.EntityID)
		}
	}
	inst.ID = uuid.NewString()
	inst.Version = 1
	inst.CreatedAt = time.Now()
	m.instances[inst.ID] = inst
	for _, stage := range stages {
		stage.ID = uuid.NewString()
		stage.InstanceID = inst.ID
		stage.TenantID = inst.TenantID
		m.stages[stage.ID] = stage
	}
	return nil
}

func (m *memStore) GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok || inst.TenantID != tenantID {
		return nil, apperrors.NotFound("approval_instance", id)
	}
	return inst, nil
}

func (m *memStore) GetOpenByEntity(ctx context.Context, tenantID, entityName, entityID string) (*repository.ApprovalInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.TenantID == tenantID && inst.EntityName == entityName &&
			inst.EntityID == entityID && inst.Status == repository.InstanceOpen {
			return inst, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, inst *repository.ApprovalInstance, status string, cancelReason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.instances[inst.ID]
	if stored == nil || stored.Version != inst.Version {
		return apperrors.Newf(apperrors.CodeConcurrencyConflict, "instance %s version conflict", inst.ID)
	}
	stored.Status = status
	stored.CancelReason = cancelReason
	stored.Version++
	inst.Status = status
	inst.CancelReason = cancelReason
	inst.Version = stored.Version
	return nil
}

func (m *memStore) SetCurrentStage(ctx context.Context, inst *repository.ApprovalInstance, stageNo int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.instances[inst.ID]
	if stored == nil || stored.Version != inst.Version {
		return apperrors.Newf(apperrors.CodeConcurrencyConflict, "instance %s version conflict", inst.ID)
	}
	stored.CurrentStage = stageNo
	stored.Version++
	inst.CurrentStage = stageNo
	inst.Version = stored.Version
	return nil
}

func (m *memStore) SetHold(ctx context.Context, inst *repository.ApprovalInstance, onHold bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.instances[inst.ID]
	if stored == nil || stored.Version != inst.Version {
		return apperrors.Newf(apperrors.CodeConcurrencyConflict, "instance %s version conflict", inst.ID)
	}
	stored.OnHold = onHold
	stored.Version++
	inst.OnHold = onHold
	inst.Version = stored.Version
	return nil
}

func (m *memStore) GetStages(ctx context.Context, instanceID string) ([]*repository.ApprovalStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalStage
	for _, stage := range m.stages {
		if stage.InstanceID == instanceID {
			out = append(out, stage)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].StageNo < out[i].StageNo {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memStore) GetStage(ctx context.Context, instanceID string, stageNo int) (*repository.ApprovalStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stage := range m.stages {
		if stage.InstanceID == instanceID && stage.StageNo == stageNo {
			return stage, nil
		}
	}
	return nil, apperrors.NotFound("approval_stage", fmt.Sprintf("%s/%d", instanceID, stageNo))
}

func (m *memStore) ActivateStage(ctx context.Context, stageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stage := m.stages[stageID]
	if stage == nil || stage.Status != repository.StagePending {
		return apperrors.Newf(apperrors.CodeConflict, "stage %s is not pending", stageID)
	}
	now := time.Now()
	stage.Status = repository.StageOpen
	stage.ActivatedAt = &now
	return nil
}

func (m *memStore) FinishStage(ctx context.Context, stageID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stage := m.stages[stageID]
	if stage == nil {
		return apperrors.NotFound("approval_stage", stageID)
	}
	now := time.Now()
	stage.Status = status
	stage.CompletedAt = &now
	return nil
}

func (m *memStore) SkipPendingStages(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stage := range m.stages {
		if stage.InstanceID == instanceID && stage.Status == repository.StagePending {
			stage.Status = repository.StageSkipped
		}
	}
	return nil
}

func (m *memStore) AcquireInstanceLock(ctx context.Context, instanceID string, timeout time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	if m.activeLocks[instanceID] {
		return nil, apperrors.Newf(apperrors.CodeLockUnavailable, "instance %s is locked", instanceID)
	}
	m.activeLocks[instanceID] = true
	m.lockHolds++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.activeLocks, instanceID)
	}, nil
}

func (m *memStore) CreateBatch(ctx context.Context, tasks []*repository.ApprovalTask, snapshots []*repository.AssignmentSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, task := range tasks {
		task.ID = uuid.NewString()
		task.CreatedAt = time.Now()
		m.tasks[task.ID] = task
		snap := snapshots[i]
		snap.ID = uuid.NewString()
		snap.TaskID = task.ID
		snap.TenantID = task.TenantID
		m.snapshots[task.ID] = snap
	}
	return nil
}

func (m *memStore) GetTaskByID(ctx context.Context, tenantID, id string) (*repository.ApprovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok || task.TenantID != tenantID {
		return nil, apperrors.NotFound("approval_task", id)
	}
	return task, nil
}

func (m *memStore) GetByStage(ctx context.Context, stageID string) ([]*repository.ApprovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalTask
	for _, task := range m.tasks {
		if task.StageID == stageID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memStore) Decide(ctx context.Context, task *repository.ApprovalTask, status, decidedBy string, note *string, bypassed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.tasks[task.ID]
	if stored == nil {
		return apperrors.NotFound("approval_task", task.ID)
	}
	if stored.Status != repository.TaskPending {
		return apperrors.Newf(apperrors.CodeTaskNotPending,
			"task %s is not pending (status: %s)", task.ID, stored.Status)
	}
	now := time.Now()
	stored.Status = status
	stored.DecidedAt = &now
	stored.DecidedBy = &decidedBy
	stored.DecisionNote = note
	stored.Bypassed = bypassed
	task.Status = status
	task.DecidedBy = &decidedBy
	task.DecisionNote = note
	task.Bypassed = bypassed
	return nil
}

func (m *memStore) Reassign(ctx context.Context, task *repository.ApprovalTask, approverID, approverType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.tasks[task.ID]
	if stored == nil {
		return apperrors.NotFound("approval_task", task.ID)
	}
	if stored.Status != repository.TaskPending {
		return apperrors.Newf(apperrors.CodeTaskNotPending,
			"task %s is not pending (status: %s)", task.ID, stored.Status)
	}
	stored.ApproverID = approverID
	stored.ApproverType = approverType
	task.ApproverID = approverID
	task.ApproverType = approverType
	return nil
}

func (m *memStore) CancelPendingInStage(ctx context.Context, stageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.StageID == stageID && task.Status == repository.TaskPending {
			task.Status = repository.TaskCanceled
		}
	}
	return nil
}

func (m *memStore) CancelPendingInInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.InstanceID == instanceID && task.Status == repository.TaskPending {
			task.Status = repository.TaskCanceled
		}
	}
	return nil
}

func (m *memStore) MarkTimersCanceled(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[taskID]; ok {
		now := time.Now()
		task.TimersCanceledAt = &now
	}
	return nil
}

func (m *memStore) ListPendingForApprover(ctx context.Context, tenantID, approverID string) ([]*repository.ApprovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalTask
	for _, task := range m.tasks {
		if task.TenantID != tenantID || task.ApproverID != approverID || task.Status != repository.TaskPending {
			continue
		}
		inst := m.instances[task.InstanceID]
		if inst != nil && inst.Status == repository.InstanceOpen && !inst.OnHold {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memStore) GetSnapshotByTask(ctx context.Context, tenantID, taskID string) (*repository.AssignmentSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[taskID]
	if !ok || snap.TenantID != tenantID {
		return nil, apperrors.NotFound("assignment_snapshot", taskID)
	}
	return snap, nil
}

func (m *memStore) Append(ctx context.Context, event *repository.ApprovalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = uuid.NewString()
	event.OccurredAt = time.Now()
	m.events = append(m.events, event)
	return nil
}

func (m *memStore) ListByInstance(ctx context.Context, tenantID, instanceID string) ([]*repository.ApprovalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalEvent
	for _, ev := range m.events {
		if ev.TenantID == tenantID && ev.InstanceID == instanceID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) AppendEscalation(ctx context.Context, esc *repository.ApprovalEscalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc.ID = uuid.NewString()
	m.escs = append(m.escs, esc)
	return nil
}

func (m *memStore) eventsOfType(eventType string) []*repository.ApprovalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalEvent
	for _, ev := range m.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memStore) tasksForStageNo(instanceID string, stageNo int) []*repository.ApprovalTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalTask
	for _, task := range m.tasks {
		if task.InstanceID == instanceID && task.StageNo == stageNo {
			out = append(out, task)
		}
	}
	return out
}

// taskStoreAdapter maps memStore onto the TaskStore interface, whose GetByID
// collides with the instance-side GetByID.
type taskStoreAdapter struct{ *memStore }

func (a taskStoreAdapter) GetByID(ctx context.Context, tenantID, id string) (*repository.ApprovalTask, error) {
	return a.memStore.GetTaskByID(ctx, tenantID, id)
}

// fakeTemplates serves templates by ID or code from a map.
type fakeTemplates struct {
	byKey map[string]*repository.ApprovalTemplate
}

func (f *fakeTemplates) Get(ctx context.Context, tenantID, idOrCode string) (*repository.ApprovalTemplate, error) {
	tpl, ok := f.byKey[idOrCode]
	if !ok {
		return nil, apperrors.NotFound("approval_template", idOrCode)
	}
	return tpl, nil
}

// fakeRules returns a canned per-stage assignment. Keyed by nothing: the
// engine passes the full rule list, the fake answers from its queue so a
// test can script stage 1 and stage 2 differently.
type fakeRules struct {
	mu      sync.Mutex
	queue   []*resolver.Resolution
	static  *resolver.Resolution
	callCnt int
}

func (f *fakeRules) Resolve(ctx context.Context, tenantID string, rules []*repository.TemplateRule, evalCtx map[string]any, requesterID string) (*resolver.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCnt++
	if len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		return next, nil
	}
	return f.static, nil
}

func principals(ids ...string) *resolver.Resolution {
	res := &resolver.Resolution{RuleID: "rule-1", Strategy: repository.StrategyDirect}
	for _, id := range ids {
		res.Assignees = append(res.Assignees, resolver.Assignee{ID: id, Type: repository.ApproverPrincipal})
	}
	return res
}

// fakeTimers records scheduling calls.
type fakeTimers struct {
	mu        sync.Mutex
	scheduled []string
	canceled  []string
}

func (f *fakeTimers) ScheduleForTask(ctx context.Context, task *repository.ApprovalTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, task.ID)
}

func (f *fakeTimers) CancelForTask(ctx context.Context, task *repository.ApprovalTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, task.ID)
}

// fakeLifecycle records resume calls and can be set to fail.
type fakeLifecycle struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeLifecycle) Transition(ctx context.Context, tenantID, entityName, entityID, operationCode string, ctxData map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entityName+"/"+entityID+":"+operationCode)
	return f.err
}

type fixture struct {
	engine    *Engine
	store     *memStore
	rules     *fakeRules
	timers    *fakeTimers
	lifecycle *fakeLifecycle
	templates *fakeTemplates
}

func newFixture(tpl *repository.ApprovalTemplate) *fixture {
	store := newMemStore()
	rules := &fakeRules{}
	timers := &fakeTimers{}
	lifecycle := &fakeLifecycle{}
	templates := &fakeTemplates{byKey: map[string]*repository.ApprovalTemplate{}}
	if tpl != nil {
		templates.byKey[tpl.ID] = tpl
		templates.byKey[tpl.Code] = tpl
	}

	log := logger.Nop()
	eng := New(Config{
		Instances: store,
		Tasks:     taskStoreAdapter{store},
		Templates: templates,
		Rules:     rules,
		Timers:    timers,
		Lifecycle: lifecycle,
		Events:    store,
		Notifier:  nil,
		Logger:    log,
	})
	return &fixture{engine: eng, store: store, rules: rules, timers: timers, lifecycle: lifecycle, templates: templates}
}

func intPtr(v int) *int       { return &v }
func strPtr(s string) *string { return &s }

func twoStageTemplate() *repository.ApprovalTemplate {
	return &repository.ApprovalTemplate{
		ID:       "tpl-two-stage",
		TenantID: "t1",
		Code:     "expense-two-stage",
		Stages: []*repository.TemplateStage{
			{StageNo: 1, Name: "Manager", Mode: repository.ModeSerial, SLAMinutes: intPtr(60)},
			{StageNo: 2, Name: "Finance", Mode: repository.ModeSerial},
		},
		Rules: []*repository.TemplateRule{
			{ID: "rule-1", Priority: 100, AssignTo: repository.AssignmentTarget{Strategy: repository.StrategyDirect, Assignees: []string{"alice"}}},
		},
	}
}
