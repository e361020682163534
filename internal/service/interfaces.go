package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// DefinitionStore persists versioned workflow definitions.
type DefinitionStore interface {
	CreateVersion(ctx context.Context, def *repository.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowDefinition, error)
	GetActive(ctx context.Context, entityType repository.EntityType, name string) (*repository.WorkflowDefinition, error)
	List(ctx context.Context, entityType repository.EntityType, activeOnly bool) ([]*repository.WorkflowDefinition, error)
}

// InstanceStore persists approval instances, steps and audit entries. It is
// the only writer of instance and step rows.
type InstanceStore interface {
	Create(ctx context.Context, inst *repository.ApprovalInstance, audit *repository.AuditEntry) error
	Transition(ctx context.Context, instanceID string, decide repository.TransitionFunc) (*repository.ApprovalInstance, error)

	GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error)
	GetLatestByEntity(ctx context.Context, entityType repository.EntityType, entityID string) (*repository.ApprovalInstance, error)
	FindPendingByEntity(ctx context.Context, entityType repository.EntityType, entityID string) (*repository.ApprovalInstance, error)
	ListPendingForRole(ctx context.Context, role string, limit int) ([]*repository.ApprovalInstance, error)
	ListHistory(ctx context.Context, limit int) ([]*repository.ApprovalInstance, error)
	ListByRequester(ctx context.Context, requestedBy string, limit int) ([]*repository.ApprovalInstance, error)
	ListByEntity(ctx context.Context, entityType repository.EntityType, entityID string, limit int) ([]*repository.ApprovalInstance, error)
	Stats(ctx context.Context, since time.Time) (*repository.Stats, error)
	ListAudit(ctx context.Context, instanceID string) ([]*repository.AuditEntry, error)

	ListOverdueSteps(ctx context.Context, now time.Time, limit int) ([]*repository.OverdueStep, error)
	MarkStepOverdue(ctx context.Context, stepID string, at time.Time) (bool, error)
}

// FailureStore records side effects that failed after a decision committed.
type FailureStore interface {
	Record(ctx context.Context, f *repository.SideEffectFailure) error
	ListOpen(ctx context.Context, maxAttempts, limit int) ([]*repository.SideEffectFailure, error)
	MarkResolved(ctx context.Context, id string, at time.Time) error
	MarkAttempt(ctx context.Context, id, lastErr string, at time.Time) error
}

var (
	_ DefinitionStore = (*repository.WorkflowDefinitionRepository)(nil)
	_ DefinitionStore = (*repository.MemoryDefinitions)(nil)
	_ InstanceStore   = (*repository.ApprovalInstanceRepository)(nil)
	_ InstanceStore   = (*repository.MemoryInstances)(nil)
	_ FailureStore    = (*repository.SideEffectFailureRepository)(nil)
	_ FailureStore    = (*repository.MemoryFailures)(nil)
)
