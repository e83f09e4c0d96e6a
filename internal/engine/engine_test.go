package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/resolver"
)

func createOpenInstance(t *testing.T, f *fixture, tpl *repository.ApprovalTemplate) string {
	t.Helper()
	result := f.engine.CreateInstance(context.Background(), CreateRequest{
		TenantID:    "t1",
		EntityName:  "expense",
		EntityID:    "exp-1",
		Template:    tpl.ID,
		RequestedBy: "bob",
		Context:     map[string]any{"amount": 5000},
	})
	require.True(t, result.Success, "instance creation failed: %s", result.Error)
	return result.InstanceID
}

func TestCreateInstanceMaterializesOnlyFirstStage(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.static = principals("alice")

	instID := createOpenInstance(t, f, tpl)

	stages, err := f.store.GetStages(context.Background(), instID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, repository.StageOpen, stages[0].Status)
	assert.Equal(t, repository.StagePending, stages[1].Status)

	assert.Len(t, f.store.tasksForStageNo(instID, 1), 1)
	assert.Empty(t, f.store.tasksForStageNo(instID, 2), "stage 2 tasks must not exist before activation")
	assert.Len(t, f.timers.scheduled, 1)
}

func TestCreateInstanceTaskDueFromStageSLA(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.static = principals("alice")

	instID := createOpenInstance(t, f, tpl)

	tasks := f.store.tasksForStageNo(instID, 1)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].DueAt, "stage 1 has an SLA, task must carry a due time")
}

func TestCreateInstanceTemplateNotFound(t *testing.T) {
	f := newFixture(nil)

	result := f.engine.CreateInstance(context.Background(), CreateRequest{
		TenantID: "t1", EntityName: "expense", EntityID: "exp-1",
		Template: "missing", RequestedBy: "bob",
	})
	require.False(t, result.Success)
	assert.Equal(t, string(apperrors.CodeNotFound), result.ErrorCode)
}

func TestCreateInstanceRejectsDuplicateOpen(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.static = principals("alice")

	createOpenInstance(t, f, tpl)
	dup := f.engine.CreateInstance(context.Background(), CreateRequest{
		TenantID: "t1", EntityName: "expense", EntityID: "exp-1",
		Template: tpl.ID, RequestedBy: "bob",
	})
	require.False(t, dup.Success)
	assert.Equal(t, string(apperrors.CodeConflict), dup.ErrorCode)
}

func TestCreateInstanceFailsWhenStageOneUnresolvable(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.static = nil

	result := f.engine.CreateInstance(context.Background(), CreateRequest{
		TenantID: "t1", EntityName: "expense", EntityID: "exp-1",
		Template: tpl.ID, RequestedBy: "bob",
	})
	require.False(t, result.Success)
	assert.Equal(t, string(apperrors.CodeValidationFailed), result.ErrorCode)
}

func TestSerialStageCompletionActivatesNext(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.queue = []*resolver.Resolution{principals("alice"), principals("carol")}

	instID := createOpenInstance(t, f, tpl)
	task := f.store.tasksForStageNo(instID, 1)[0]

	result, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: task.ID, Approve: true, DecidedBy: "alice",
	})
	require.NoError(t, err)
	assert.True(t, result.StageCompleted)
	assert.False(t, result.InstanceCompleted)

	stage2Tasks := f.store.tasksForStageNo(instID, 2)
	require.Len(t, stage2Tasks, 1)
	assert.Equal(t, "carol", stage2Tasks[0].ApproverID)

	inst, err := f.store.GetByID(context.Background(), "t1", instID)
	require.NoError(t, err)
	assert.Equal(t, 2, inst.CurrentStage)
	assert.Equal(t, repository.InstanceOpen, inst.Status)
}

func TestLastStageApprovalCompletesInstanceAndResumesLifecycle(t *testing.T) {
	tpl := &repository.ApprovalTemplate{
		ID: "tpl-one", TenantID: "t1", Code: "one-stage",
		Stages: []*repository.TemplateStage{{StageNo: 1, Name: "Only", Mode: repository.ModeSerial}},
		Rules:  []*repository.TemplateRule{{ID: "r1", Priority: 100}},
	}
	f := newFixture(tpl)
	f.rules.static = principals("alice")

	result := f.engine.CreateInstance(context.Background(), CreateRequest{
		TenantID: "t1", EntityName: "expense", EntityID: "exp-1",
		TransitionID: strPtr("submit-to-approved"),
		Template:     tpl.ID, RequestedBy: "bob",
	})
	require.True(t, result.Success)

	task := f.store.tasksForStageNo(result.InstanceID, 1)[0]
	decision, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: task.ID, Approve: true, DecidedBy: "alice",
	})
	require.NoError(t, err)
	assert.True(t, decision.InstanceCompleted)
	assert.Equal(t, repository.InstanceCompleted, decision.InstanceStatus)

	require.Len(t, f.lifecycle.calls, 1)
	assert.Equal(t, "expense/exp-1:submit-to-approved", f.lifecycle.calls[0])
}

func TestLifecycleResumeFailureIsRecordedNotPropagated(t *testing.T) {
	tpl := &repository.ApprovalTemplate{
		ID: "tpl-one", TenantID: "t1", Code: "one-stage",
		Stages: []*repository.TemplateStage{{StageNo: 1, Name: "Only", Mode: repository.ModeSerial}},
		Rules:  []*repository.TemplateRule{{ID: "r1", Priority: 100}},
	}
	f := newFixture(tpl)
	f.rules.static = principals("alice")
	f.lifecycle.err = apperrors.New(apperrors.CodeInternal, "lifecycle service unavailable")

	result := f.engine.CreateInstance(context.Background(), CreateRequest{
		TenantID: "t1", EntityName: "expense", EntityID: "exp-1",
		TransitionID: strPtr("submit-to-approved"),
		Template:     tpl.ID, RequestedBy: "bob",
	})
	require.True(t, result.Success)

	task := f.store.tasksForStageNo(result.InstanceID, 1)[0]
	decision, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: task.ID, Approve: true, DecidedBy: "alice",
	})
	require.NoError(t, err)
	assert.True(t, decision.InstanceCompleted)
	assert.Len(t, f.store.eventsOfType(EventLifecycleResumeFailed), 1)
}

func TestRejectionCancelsStageAndInstance(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.static = principals("alice", "dave")

	instID := createOpenInstance(t, f, tpl)
	tasks := f.store.tasksForStageNo(instID, 1)
	require.Len(t, tasks, 2)

	result, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: tasks[0].ID, Approve: false, DecidedBy: tasks[0].ApproverID,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StageCanceled, result.StageStatus)
	assert.Equal(t, repository.InstanceCanceled, result.InstanceStatus)

	inst, err := f.store.GetByID(context.Background(), "t1", instID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceCanceled, inst.Status)
	require.NotNil(t, inst.CancelReason)
	assert.Equal(t, repository.ReasonRejected, *inst.CancelReason)

	// Sibling pending task and the not-yet-activated stage are swept.
	for _, task := range f.store.tasksForStageNo(instID, 1) {
		assert.NotEqual(t, repository.TaskPending, task.Status)
	}
	stage2, err := f.store.GetStage(context.Background(), instID, 2)
	require.NoError(t, err)
	assert.Equal(t, repository.StageSkipped, stage2.Status)
	assert.Empty(t, f.lifecycle.calls, "rejection must not resume the lifecycle")
}

func TestSecondDecisionOnSameTaskFails(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.queue = []*resolver.Resolution{principals("alice"), principals("carol")}

	instID := createOpenInstance(t, f, tpl)
	task := f.store.tasksForStageNo(instID, 1)[0]

	_, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: task.ID, Approve: true, DecidedBy: "alice",
	})
	require.NoError(t, err)

	_, err = f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: task.ID, Approve: false, DecidedBy: "alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeTaskNotPending))
}

func TestDecisionBlockedWhileOnHold(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.static = principals("alice")

	instID := createOpenInstance(t, f, tpl)
	inst, err := f.store.GetByID(context.Background(), "t1", instID)
	require.NoError(t, err)
	require.NoError(t, f.store.SetHold(context.Background(), inst, true))

	task := f.store.tasksForStageNo(instID, 1)[0]
	_, err = f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: task.ID, Approve: true, DecidedBy: "alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeActionNotAllowed))
}

func TestDecisionFailsWhenLockHeld(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.static = principals("alice")

	instID := createOpenInstance(t, f, tpl)
	release, err := f.store.AcquireInstanceLock(context.Background(), instID, 0)
	require.NoError(t, err)
	defer release()

	task := f.store.tasksForStageNo(instID, 1)[0]
	_, err = f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: task.ID, Approve: true, DecidedBy: "alice",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeLockUnavailable))
}

func TestParallelCountQuorum(t *testing.T) {
	tpl := &repository.ApprovalTemplate{
		ID: "tpl-q", TenantID: "t1", Code: "quorum-count",
		Stages: []*repository.TemplateStage{{
			StageNo: 1, Name: "Board", Mode: repository.ModeParallel,
			Quorum: &repository.Quorum{Type: repository.QuorumCount, Value: 2},
		}},
		Rules: []*repository.TemplateRule{{ID: "r1", Priority: 100}},
	}
	f := newFixture(tpl)
	f.rules.static = principals("a1", "a2", "a3")

	instID := createOpenInstance(t, f, tpl)
	tasks := f.store.tasksForStageNo(instID, 1)
	require.Len(t, tasks, 3)

	first, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: tasks[0].ID, Approve: true, DecidedBy: tasks[0].ApproverID,
	})
	require.NoError(t, err)
	assert.False(t, first.StageCompleted, "1 of 2 required approvals")

	second, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: tasks[1].ID, Approve: true, DecidedBy: tasks[1].ApproverID,
	})
	require.NoError(t, err)
	assert.True(t, second.StageCompleted)
	assert.True(t, second.InstanceCompleted)

	// Third task is canceled, not left pending.
	third := f.store.tasksForStageNo(instID, 1)
	pending := 0
	for _, task := range third {
		if task.Status == repository.TaskPending {
			pending++
		}
	}
	assert.Zero(t, pending)
}

func TestParallelPercentageQuorumRoundsUp(t *testing.T) {
	tpl := &repository.ApprovalTemplate{
		ID: "tpl-pct", TenantID: "t1", Code: "quorum-pct",
		Stages: []*repository.TemplateStage{{
			StageNo: 1, Name: "Board", Mode: repository.ModeParallel,
			Quorum: &repository.Quorum{Type: repository.QuorumPercentage, Value: 50},
		}},
		Rules: []*repository.TemplateRule{{ID: "r1", Priority: 100}},
	}
	f := newFixture(tpl)
	f.rules.static = principals("a1", "a2", "a3")

	// ceil(50% of 3) = 2.
	instID := createOpenInstance(t, f, tpl)
	tasks := f.store.tasksForStageNo(instID, 1)

	first, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: tasks[0].ID, Approve: true, DecidedBy: tasks[0].ApproverID,
	})
	require.NoError(t, err)
	assert.False(t, first.StageCompleted)

	second, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: tasks[1].ID, Approve: true, DecidedBy: tasks[1].ApproverID,
	})
	require.NoError(t, err)
	assert.True(t, second.StageCompleted)
}

func TestParallelWithoutQuorumIsUnanimous(t *testing.T) {
	tpl := &repository.ApprovalTemplate{
		ID: "tpl-unanimous", TenantID: "t1", Code: "unanimous",
		Stages: []*repository.TemplateStage{{StageNo: 1, Name: "All", Mode: repository.ModeParallel}},
		Rules:  []*repository.TemplateRule{{ID: "r1", Priority: 100}},
	}
	f := newFixture(tpl)
	f.rules.static = principals("a1", "a2")

	instID := createOpenInstance(t, f, tpl)
	tasks := f.store.tasksForStageNo(instID, 1)

	first, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: tasks[0].ID, Approve: true, DecidedBy: tasks[0].ApproverID,
	})
	require.NoError(t, err)
	assert.False(t, first.StageCompleted)

	second, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: tasks[1].ID, Approve: true, DecidedBy: tasks[1].ApproverID,
	})
	require.NoError(t, err)
	assert.True(t, second.StageCompleted)
	assert.True(t, second.InstanceCompleted)
}

func TestUnresolvableMiddleStageIsSkipped(t *testing.T) {
	tpl := &repository.ApprovalTemplate{
		ID: "tpl-three", TenantID: "t1", Code: "three-stage",
		Stages: []*repository.TemplateStage{
			{StageNo: 1, Name: "First", Mode: repository.ModeSerial},
			{StageNo: 2, Name: "Second", Mode: repository.ModeSerial},
			{StageNo: 3, Name: "Third", Mode: repository.ModeSerial},
		},
		Rules: []*repository.TemplateRule{{ID: "r1", Priority: 100}},
	}
	f := newFixture(tpl)
	f.rules.queue = []*resolver.Resolution{principals("alice"), nil, principals("carol")}

	instID := createOpenInstance(t, f, tpl)
	task := f.store.tasksForStageNo(instID, 1)[0]

	result, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: task.ID, Approve: true, DecidedBy: "alice",
	})
	require.NoError(t, err)
	assert.False(t, result.InstanceCompleted)

	stage2, err := f.store.GetStage(context.Background(), instID, 2)
	require.NoError(t, err)
	assert.Equal(t, repository.StageSkipped, stage2.Status)
	assert.Empty(t, f.store.tasksForStageNo(instID, 2))

	require.Len(t, f.store.tasksForStageNo(instID, 3), 1)
	assert.Len(t, f.store.eventsOfType(EventStageSkipped), 1)
}

func TestPendingApprovalsExcludesHeldInstances(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.static = principals("alice")

	instID := createOpenInstance(t, f, tpl)

	pending, err := f.engine.PendingApprovals(context.Background(), "t1", "alice")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	inst, err := f.store.GetByID(context.Background(), "t1", instID)
	require.NoError(t, err)
	require.NoError(t, f.store.SetHold(context.Background(), inst, true))

	pending, err = f.engine.PendingApprovals(context.Background(), "t1", "alice")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHistoryRecordsTrail(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.queue = []*resolver.Resolution{principals("alice"), principals("carol")}

	instID := createOpenInstance(t, f, tpl)
	task := f.store.tasksForStageNo(instID, 1)[0]
	_, err := f.engine.MakeDecision(context.Background(), DecisionRequest{
		TenantID: "t1", TaskID: task.ID, Approve: true, DecidedBy: "alice",
	})
	require.NoError(t, err)

	events, err := f.engine.History(context.Background(), "t1", instID)
	require.NoError(t, err)

	types := map[string]bool{}
	for _, ev := range events {
		types[ev.EventType] = true
	}
	for _, want := range []string{EventInstanceCreated, EventTaskAssigned, EventTaskApproved, EventStageCompleted, EventStageActivated} {
		assert.True(t, types[want], "missing event %s", want)
	}
}

func TestSubscribersReceiveEventsAndPanicsAreContained(t *testing.T) {
	tpl := twoStageTemplate()
	f := newFixture(tpl)
	f.rules.static = principals("alice")

	var seen []string
	f.engine.Subscribe(func(ev Event) { panic("boom") })
	f.engine.Subscribe(func(ev Event) { seen = append(seen, ev.Type) })

	createOpenInstance(t, f, tpl)
	assert.Contains(t, seen, EventInstanceCreated)
	assert.Contains(t, seen, EventTaskAssigned)
}

func TestStageOutcomeTable(t *testing.T) {
	mk := func(statuses ...string) []*repository.ApprovalTask {
		out := make([]*repository.ApprovalTask, len(statuses))
		for i, s := range statuses {
			out[i] = &repository.ApprovalTask{Status: s}
		}
		return out
	}
	serial := &repository.ApprovalStage{Mode: repository.ModeSerial}
	count2 := &repository.ApprovalStage{Mode: repository.ModeParallel, Quorum: &repository.Quorum{Type: repository.QuorumCount, Value: 2}}
	pct75 := &repository.ApprovalStage{Mode: repository.ModeParallel, Quorum: &repository.Quorum{Type: repository.QuorumPercentage, Value: 75}}

	tests := []struct {
		name  string
		stage *repository.ApprovalStage
		tasks []*repository.ApprovalTask
		want  outcome
	}{
		{"serial all approved", serial, mk("approved", "approved"), stageComplete},
		{"serial one pending", serial, mk("approved", "pending"), stageIncomplete},
		{"serial any rejection", serial, mk("approved", "rejected"), stageRejected},
		{"count quorum met with pending left", count2, mk("approved", "approved", "pending"), stageComplete},
		{"count quorum unmet", count2, mk("approved", "pending", "pending"), stageIncomplete},
		{"rejection beats quorum", count2, mk("approved", "approved", "rejected"), stageRejected},
		{"pct 75 of 4 needs 3", pct75, mk("approved", "approved", "pending", "pending"), stageIncomplete},
		{"pct 75 of 4 met", pct75, mk("approved", "approved", "approved", "pending"), stageComplete},
		{"canceled siblings ignored", serial, mk("approved", "canceled"), stageComplete},
		{"count quorum clamped to task count", count2, mk("approved"), stageComplete},
		{"clamped quorum still waits on pending", count2, mk("pending"), stageIncomplete},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stageOutcome(tc.stage, tc.tasks))
		})
	}
}
