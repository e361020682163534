package repository

import "time"

// ── Enumerations ─────────────────────────────────────────────────────────────

// EntityType identifies the kind of business record under approval control.
type EntityType string

const (
	EntityRAB           EntityType = "rab"
	EntityPurchaseOrder EntityType = "purchase_order"
	EntityBeritaAcara   EntityType = "berita_acara"
	EntityPayment       EntityType = "payment"
)

// EntityTypes lists every governed entity type.
var EntityTypes = []EntityType{EntityRAB, EntityPurchaseOrder, EntityBeritaAcara, EntityPayment}

// Valid reports whether t is a governed entity type.
func (t EntityType) Valid() bool {
	for _, et := range EntityTypes {
		if t == et {
			return true
		}
	}
	return false
}

// InstanceStatus is the overall status of an approval instance.
type InstanceStatus string

const (
	InstancePending  InstanceStatus = "pending"
	InstanceApproved InstanceStatus = "approved"
	InstanceRejected InstanceStatus = "rejected"
)

// Terminal reports whether no further action is possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceApproved || s == InstanceRejected
}

// StepStatus is the status of a single approval step.
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepApproved      StepStatus = "approved"
	StepRejected      StepStatus = "rejected"
	StepInfoRequested StepStatus = "info_requested"
)

// Priority of a submission.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AuditAction is the verb recorded in the audit log.
type AuditAction string

const (
	AuditSubmitted     AuditAction = "submitted"
	AuditApproved      AuditAction = "approved"
	AuditRejected      AuditAction = "rejected"
	AuditInfoRequested AuditAction = "info_requested"
	AuditResubmitted   AuditAction = "resubmitted"
)

// SideEffectHook names the adapter call that failed.
type SideEffectHook string

const (
	HookApplyStatus SideEffectHook = "apply_status"
	HookOnApproved  SideEffectHook = "on_approved"
)

// ── Workflow definitions ─────────────────────────────────────────────────────

// AttributeCondition is a predicate over one snapshot attribute addressed by a
// gjson path.
type AttributeCondition struct {
	Path  string `json:"path" yaml:"path"`
	Op    string `json:"op" yaml:"op"` // eq | neq | gt | gte | lt | lte | exists | in
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// StepConditions decide whether a step template is materialized for a given
// entity. All populated criteria must match.
type StepConditions struct {
	MinAmount  *int64               `json:"min_amount,omitempty" yaml:"min_amount,omitempty"` // inclusive
	MaxAmount  *int64               `json:"max_amount,omitempty" yaml:"max_amount,omitempty"` // inclusive
	Attributes []AttributeCondition `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// StepTemplate is one entry in a definition's step_templates JSONB array.
type StepTemplate struct {
	Order        int             `json:"order" yaml:"order"`
	Name         string          `json:"name" yaml:"name"`
	RequiredRole string          `json:"required_role" yaml:"required_role"`
	SLAHours     int             `json:"sla_hours,omitempty" yaml:"sla_hours,omitempty"`
	Conditions   *StepConditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// WorkflowDefinition is an immutable, versioned template of approval steps.
type WorkflowDefinition struct {
	ID          string
	Name        string
	EntityType  EntityType
	Version     int
	Description string
	Steps       []StepTemplate
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ── Instances ────────────────────────────────────────────────────────────────

// ApprovalInstance is one approval process bound to one entity.
type ApprovalInstance struct {
	ID                   string
	WorkflowDefinitionID string
	WorkflowName         string
	EntityType           EntityType
	EntityID             string
	EntityRef            *string
	Amount               int64
	OverallStatus        InstanceStatus
	CurrentStep          int
	TotalSteps           int
	RequestedBy          string
	RequesterRole        string
	Priority             Priority
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time

	Steps []*ApprovalStep
}

// StepAt returns the step with the given order, or nil.
func (i *ApprovalInstance) StepAt(order int) *ApprovalStep {
	for _, s := range i.Steps {
		if s.StepOrder == order {
			return s
		}
	}
	return nil
}

// ApprovalStep is a single step within an instance. All steps are created up
// front; only the one at the instance's current step is actionable.
type ApprovalStep struct {
	ID                 string
	ApprovalInstanceID string
	StepOrder          int
	StepName           string
	Role               string
	Status             StepStatus
	ApprovedBy         *string
	ApprovedAt         *time.Time
	Comments           *string
	DueAt              *time.Time
	OverdueFlaggedAt   *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID            string
	InstanceID    string
	StepID        *string
	Action        AuditAction
	PerformedBy   string
	PerformerRole string
	StatusBefore  *string
	StatusAfter   *string
	Comments      *string
	Metadata      map[string]any
	PerformedAt   time.Time
}

// SideEffectFailure records an adapter call that kept failing after the
// decision was committed.
type SideEffectFailure struct {
	ID            string
	InstanceID    string
	EntityType    EntityType
	EntityID      string
	Hook          SideEffectHook
	TargetStatus  string
	Error         string
	Attempts      int
	LastAttemptAt time.Time
	ResolvedAt    *time.Time
	CreatedAt     time.Time
}

// OverdueStep is a pending, actionable step past its due time.
type OverdueStep struct {
	StepID     string
	InstanceID string
	EntityType EntityType
	EntityID   string
	StepOrder  int
	StepName   string
	Role       string
	DueAt      time.Time
}

// Stats counts instances created since a point in time.
type Stats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Total    int `json:"total"`
}
