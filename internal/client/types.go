package client

import "time"

// FinanceTransaction is the dependent record created when a payment is approved.
type FinanceTransaction struct {
	ProjectID       string `json:"project_id,omitempty"`
	SourceType      string `json:"source_type"`
	SourceID        string `json:"source_id"`
	TransactionType string `json:"transaction_type"`
	Amount          int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
}

// Event type names published on approval activity.
const (
	EventSubmitted        = "approval_submitted"
	EventRequired         = "approval_required"
	EventInfoRequested    = "approval_info_requested"
	EventApproved         = "approval_approved"
	EventRejected         = "approval_rejected"
	EventOverdue          = "approval_overdue"
	EventSideEffectFailed = "approval_side_effect_failed"
)

// Event is the JSON schema published to NATS or Redis.
type Event struct {
	EventType      string         `json:"event_type"`
	InstanceID     string         `json:"instance_id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	EntityRef      string         `json:"entity_ref,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	RecipientRoles []string       `json:"recipient_roles,omitempty"`
	StepOrder      int            `json:"step_order,omitempty"`
	Status         string         `json:"status,omitempty"`
	IsActionable   bool           `json:"is_actionable,omitempty"`
	Severity       string         `json:"severity,omitempty"`
	Category       string         `json:"category,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload,omitempty"`
}
