package repository

import (
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/condition"
)

// ── Template definitions ─────────────────────────────────────────────────────

// Stage modes.
const (
	ModeSerial   = "serial"
	ModeParallel = "parallel"
)

// Quorum types.
const (
	QuorumCount      = "count"
	QuorumPercentage = "percentage"
)

// Quorum is the completion threshold for a parallel stage. Absent quorum
// means unanimous.
type Quorum struct {
	Type  string `json:"type"` // count | percentage
	Value int    `json:"value"`
}

// ApprovalTemplate is one version of a template definition. Exactly one
// version per (tenant_id, code) is active; updates append versions.
type ApprovalTemplate struct {
	ID               string
	TenantID         string
	Code             string
	Name             string
	Description      *string
	VersionNo        int
	IsActive         bool
	CompiledHash     *string
	CompiledArtifact []byte // JSONB compiled snapshot, set by compile
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Stages []*TemplateStage `json:"stages,omitempty"`
	Rules  []*TemplateRule  `json:"rules,omitempty"`
}

// TemplateStage is a stage definition within a template version.
type TemplateStage struct {
	ID         string
	TemplateID string
	StageNo    int
	Name       string
	Mode       string // serial | parallel
	Quorum     *Quorum
	SLAMinutes *int // due window for tasks in this stage; nil = no SLA
}

// TemplateRule is an ordered routing rule. Lower priority evaluates first.
type TemplateRule struct {
	ID         string
	TemplateID string
	Priority   int // default 100 when unset
	Conditions *condition.Group
	AssignTo   AssignmentTarget
}

// Assignment strategies.
const (
	StrategyDirect      = "direct"
	StrategyRole        = "role"
	StrategyGroup       = "group"
	StrategyHierarchy   = "hierarchy"
	StrategyDepartment  = "department"
	StrategyCustomField = "custom_field"
)

// AssignmentTarget describes how a rule's assignees are resolved. Only the
// fields relevant to the strategy are set. PrincipalID is the legacy
// single-assignee form of the direct strategy.
type AssignmentTarget struct {
	Strategy    string   `json:"strategy"`
	Assignees   []string `json:"assignees,omitempty"`
	PrincipalID string   `json:"principal_id,omitempty"`
	Role        string   `json:"role,omitempty"`
	GroupID     string   `json:"group_id,omitempty"`
	OrgUnitID   string   `json:"org_unit_id,omitempty"` // role subtree filter / department unit
	SkipLevels  int      `json:"skip_levels,omitempty"`
	FieldKey    string   `json:"field_key,omitempty"`
	FieldValue  any      `json:"field_value,omitempty"`
}

// ── Instance state ───────────────────────────────────────────────────────────

// Instance statuses.
const (
	InstanceOpen      = "open"
	InstanceCompleted = "completed"
	InstanceCanceled  = "canceled"
)

// Cancel reasons recorded when an instance leaves open for the canceled state.
const (
	ReasonRejected  = "rejected"
	ReasonCanceled  = "canceled"
	ReasonWithdrawn = "withdrawn"
	ReasonRecalled  = "recalled"
)

// ApprovalInstance is one approval run for a business entity. Version is the
// optimistic-concurrency counter, incremented on every mutation.
type ApprovalInstance struct {
	ID           string
	TenantID     string
	EntityName   string
	EntityID     string
	TransitionID *string
	TemplateID   string
	Status       string // open | completed | canceled
	CancelReason *string
	OnHold       bool
	CurrentStage int
	RequestedBy  string
	Context      map[string]any // evaluation context, kept for lazy stage activation
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Stage statuses. Stages are materialized as rows at instance creation but
// only the active stage has tasks; later stages sit in pending until the
// prior stage completes.
const (
	StagePending   = "pending"
	StageOpen      = "open"
	StageCompleted = "completed"
	StageCanceled  = "canceled"
	StageSkipped   = "skipped"
)

// ApprovalStage is an instance-scoped stage.
type ApprovalStage struct {
	ID          string
	InstanceID  string
	TenantID    string
	StageNo     int
	Name        string
	Mode        string
	Quorum      *Quorum
	SLAMinutes  *int
	Status      string
	ActivatedAt *time.Time
	CompletedAt *time.Time
}

// Task statuses. Tasks are terminal once decided; canceled marks pending
// siblings in a stage that reached a terminal outcome without them.
const (
	TaskPending  = "pending"
	TaskApproved = "approved"
	TaskRejected = "rejected"
	TaskCanceled = "canceled"
)

// Approver types.
const (
	ApproverPrincipal = "principal"
	ApproverGroup     = "group"
)

// ApprovalTask is one approver's pending decision within a stage.
type ApprovalTask struct {
	ID           string
	InstanceID   string
	StageID      string
	TenantID     string
	StageNo      int
	ApproverID   string
	ApproverType string // principal | group
	Status       string
	DecidedAt    *time.Time
	DecidedBy    *string
	DecisionNote *string
	Bypassed     bool
	DueAt        *time.Time
	// TimersCanceledAt records intent only: queued jobs cannot be revoked,
	// correctness rests on the pending-status guard in the timer handlers.
	TimersCanceledAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AssignmentSnapshot is the write-once record of how a task's assignee was
// resolved, kept for audit replay.
type AssignmentSnapshot struct {
	ID                 string
	TaskID             string
	TenantID           string
	ResolvedAssignment AssignmentTarget
	ResolvedStrategy   string
	ResolvedApproverID string
	ResolvedFromRuleID *string
	CreatedAt          time.Time
}

// ── Audit trail ──────────────────────────────────────────────────────────────

// ApprovalEvent is one append-only entry in an instance's event log.
type ApprovalEvent struct {
	ID         string
	InstanceID string
	TenantID   string
	TaskID     *string
	EventType  string
	Actor      *string
	Payload    map[string]any
	OccurredAt time.Time
}

// ApprovalEscalation records a fired SLA escalation.
type ApprovalEscalation struct {
	ID          string
	InstanceID  string
	TaskID      string
	TenantID    string
	EscalatedTo *string
	Reason      string
	Payload     map[string]any
	CreatedAt   time.Time
}

// ── Principal directory ──────────────────────────────────────────────────────

// Principal is a user or service identity within a tenant.
type Principal struct {
	ID          string
	TenantID    string
	DisplayName string
	OrgUnitID   *string
	Metadata    map[string]any
	IsActive    bool
}

// OrgUnit is a node in the organizational tree, parent-pointer form. The
// schema does not guarantee acyclicity; walkers must guard against cycles.
type OrgUnit struct {
	ID       string
	TenantID string
	Name     string
	ParentID *string
}

// LifecycleTransition is a read-only projection of the lifecycle service's
// transition config, used for template impact analysis.
type LifecycleTransition struct {
	ID            string
	TenantID      string
	EntityName    string
	OperationCode string
	TemplateCode  string
}
