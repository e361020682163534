package handler

import (
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

// JSON shapes shared by the HTTP and gRPC transports.

type stepView struct {
	ID               string     `json:"id"`
	StepOrder        int        `json:"step_order"`
	StepName         string     `json:"step_name"`
	Role             string     `json:"role"`
	Status           string     `json:"status"`
	ApprovedBy       *string    `json:"approved_by"`
	ApprovedAt       *time.Time `json:"approved_at"`
	Comments         *string    `json:"comments"`
	DueAt            *time.Time `json:"due_at,omitempty"`
	OverdueFlaggedAt *time.Time `json:"overdue_flagged_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type instanceView struct {
	ID                   string     `json:"id"`
	WorkflowDefinitionID string     `json:"workflow_definition_id"`
	WorkflowName         string     `json:"workflow_name"`
	EntityType           string     `json:"entity_type"`
	EntityID             string     `json:"entity_id"`
	EntityRef            *string    `json:"entity_ref"`
	Amount               int64      `json:"amount"`
	OverallStatus        string     `json:"overall_status"`
	CurrentStep          int        `json:"current_step"`
	TotalSteps           int        `json:"total_steps"`
	RequestedBy          string     `json:"requested_by"`
	RequesterRole        string     `json:"requester_role"`
	Priority             string     `json:"priority"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletedAt          *time.Time `json:"completed_at"`
	Steps                []stepView `json:"steps"`
}

type resultView struct {
	Instance *instanceView     `json:"instance"`
	Warnings []service.Warning `json:"warnings"`
}

type auditView struct {
	ID            string         `json:"id"`
	InstanceID    string         `json:"approval_instance_id"`
	StepID        *string        `json:"step_id"`
	Action        string         `json:"action"`
	PerformedBy   string         `json:"performed_by"`
	PerformerRole string         `json:"performer_role"`
	StatusBefore  *string        `json:"status_before"`
	StatusAfter   *string        `json:"status_after"`
	Comments      *string        `json:"comments"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	PerformedAt   time.Time      `json:"performed_at"`
}

type definitionView struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	EntityType  string                    `json:"entity_type"`
	Version     int                       `json:"version"`
	Description string                    `json:"description"`
	Steps       []repository.StepTemplate `json:"steps"`
	IsActive    bool                      `json:"is_active"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

func toInstanceView(i *repository.ApprovalInstance) *instanceView {
	if i == nil {
		return nil
	}
	v := &instanceView{
		ID:                   i.ID,
		WorkflowDefinitionID: i.WorkflowDefinitionID,
		WorkflowName:         i.WorkflowName,
		EntityType:           string(i.EntityType),
		EntityID:             i.EntityID,
		EntityRef:            i.EntityRef,
		Amount:               i.Amount,
		OverallStatus:        string(i.OverallStatus),
		CurrentStep:          i.CurrentStep,
		TotalSteps:           i.TotalSteps,
		RequestedBy:          i.RequestedBy,
		RequesterRole:        i.RequesterRole,
		Priority:             string(i.Priority),
		CreatedAt:            i.CreatedAt,
		UpdatedAt:            i.UpdatedAt,
		CompletedAt:          i.CompletedAt,
		Steps:                make([]stepView, 0, len(i.Steps)),
	}
	for _, s := range i.Steps {
		v.Steps = append(v.Steps, stepView{
			ID:               s.ID,
			StepOrder:        s.StepOrder,
			StepName:         s.StepName,
			Role:             s.Role,
			Status:           string(s.Status),
			ApprovedBy:       s.ApprovedBy,
			ApprovedAt:       s.ApprovedAt,
			Comments:         s.Comments,
			DueAt:            s.DueAt,
			OverdueFlaggedAt: s.OverdueFlaggedAt,
			CreatedAt:        s.CreatedAt,
			UpdatedAt:        s.UpdatedAt,
		})
	}
	return v
}

func toInstanceViews(list []*repository.ApprovalInstance) []*instanceView {
	out := make([]*instanceView, 0, len(list))
	for _, i := range list {
		out = append(out, toInstanceView(i))
	}
	return out
}

func toResultView(r *service.Result) *resultView {
	w := r.Warnings
	if w == nil {
		w = []service.Warning{}
	}
	return &resultView{Instance: toInstanceView(r.Instance), Warnings: w}
}

func toAuditViews(entries []*repository.AuditEntry) []auditView {
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			ID:            e.ID,
			InstanceID:    e.InstanceID,
			StepID:        e.StepID,
			Action:        string(e.Action),
			PerformedBy:   e.PerformedBy,
			PerformerRole: e.PerformerRole,
			StatusBefore:  e.StatusBefore,
			StatusAfter:   e.StatusAfter,
			Comments:      e.Comments,
			Metadata:      e.Metadata,
			PerformedAt:   e.PerformedAt,
		})
	}
	return out
}

func toDefinitionView(d *repository.WorkflowDefinition) definitionView {
	return definitionView{
		ID:          d.ID,
		Name:        d.Name,
		EntityType:  string(d.EntityType),
		Version:     d.Version,
		Description: d.Description,
		Steps:       d.Steps,
		IsActive:    d.IsActive,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
