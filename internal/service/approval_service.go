package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-erp-approvals/internal/adapter"
	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// Action is a decision an approver takes on the current step.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionRequestInfo Action = "request_info"
)

// Result is an instance plus any non-fatal warnings raised after commit.
type Result struct {
	Instance *repository.ApprovalInstance `json:"instance"`
	Warnings []Warning                    `json:"warnings"`
}

// ApprovalService creates approval instances, applies step transitions and
// serves the read APIs. All state changes go through InstanceStore so that
// checks and writes share one transaction.
type ApprovalService struct {
	instances   InstanceStore
	definitions *DefinitionService
	adapters    *adapter.Registry
	sync        *StatusSync
	publisher   client.EventPublisher
	clk         clock.Clock
	metrics     *Metrics
	tracer      trace.Tracer
	log         *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	instances InstanceStore,
	definitions *DefinitionService,
	adapters *adapter.Registry,
	sync *StatusSync,
	publisher client.EventPublisher,
	clk clock.Clock,
	metrics *Metrics,
	tracer trace.Tracer,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		instances:   instances,
		definitions: definitions,
		adapters:    adapters,
		sync:        sync,
		publisher:   publisher,
		clk:         clk,
		metrics:     metrics,
		tracer:      tracer,
		log:         log,
	}
}

// ── Submission ────────────────────────────────────────────────────────────────

// SubmitRequest asks for an entity to enter a workflow.
type SubmitRequest struct {
	EntityType   repository.EntityType
	EntityID     string
	WorkflowName string
	Priority     repository.Priority
	Actor        auth.Actor
}

// Submit creates a pending instance at step 1 with every applicable step
// pre-created as pending. Steps whose conditions exclude the entity are not
// materialized; the rest are numbered 1..K in template order.
func (s *ApprovalService) Submit(ctx context.Context, req SubmitRequest) (_ *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalService.Submit", trace.WithAttributes(
		attribute.String("entity_type", string(req.EntityType)),
		attribute.String("entity_id", req.EntityID),
		attribute.String("workflow", req.WorkflowName),
	))
	defer func() { endSpan(span, err) }()

	if err := validateSubmit(&req); err != nil {
		return nil, err
	}

	ad, err := s.adapters.Get(req.EntityType)
	if err != nil {
		return nil, err
	}

	existing, err := s.instances.FindPendingByEntity(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Newf(errors.ErrCodeDuplicateSubmission,
			"%s %s already has a pending approval (%s)", req.EntityType, req.EntityID, existing.ID)
	}

	def, err := s.definitions.Resolve(ctx, req.EntityType, req.WorkflowName)
	if err != nil {
		return nil, err
	}

	snap, err := ad.Fetch(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}

	templates := SelectSteps(def.Steps, snap)
	if len(templates) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoApplicableSteps,
			"workflow %q has no steps applicable to %s %s", def.Name, req.EntityType, req.EntityID)
	}

	now := s.clk.Now()
	inst := &repository.ApprovalInstance{
		WorkflowDefinitionID: def.ID,
		WorkflowName:         def.Name,
		EntityType:           req.EntityType,
		EntityID:             req.EntityID,
		Amount:               snap.Amount,
		OverallStatus:        repository.InstancePending,
		CurrentStep:          1,
		TotalSteps:           len(templates),
		RequestedBy:          req.Actor.ID,
		RequesterRole:        req.Actor.Role,
		Priority:             req.Priority,
		Steps:                buildSteps(templates, now),
	}
	if snap.Reference != "" {
		inst.EntityRef = &snap.Reference
	}

	after := string(repository.InstancePending)
	audit := &repository.AuditEntry{
		Action:        repository.AuditSubmitted,
		PerformedBy:   req.Actor.ID,
		PerformerRole: req.Actor.Role,
		StatusAfter:   &after,
		Metadata: map[string]any{
			"workflow_definition_id": def.ID,
			"workflow_version":       def.Version,
			"priority":               string(req.Priority),
			"total_steps":            len(templates),
			"skipped_steps":          len(def.Steps) - len(templates),
		},
	}

	if err := s.instances.Create(ctx, inst, audit); err != nil {
		return nil, err
	}
	s.metrics.Submissions.WithLabelValues(string(inst.EntityType)).Inc()

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("entity_type", string(inst.EntityType)).
		Str("entity_id", inst.EntityID).
		Str("workflow", def.Name).
		Int("total_steps", inst.TotalSteps).
		Msg("Approval instance created")

	warnings := s.sync.ApplySubmitted(ctx, inst)
	s.publish(ctx, newEvent(client.EventSubmitted, inst, req.Actor.ID, []string{inst.RequesterRole}))
	s.publishRequired(ctx, inst, req.Actor.ID)

	return &Result{Instance: inst, Warnings: nonNil(warnings)}, nil
}

func validateSubmit(req *SubmitRequest) error {
	if !req.Actor.Valid() {
		return errors.New(errors.ErrCodeUnauthenticated, "caller identity and role are required")
	}
	if !req.EntityType.Valid() {
		return errors.InvalidInput("entity_type", fmt.Sprintf("unsupported entity type %q", req.EntityType))
	}
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.EntityID == "" {
		return errors.InvalidInput("entity_id", "entity_id is required")
	}
	req.WorkflowName = strings.TrimSpace(req.WorkflowName)
	if req.WorkflowName == "" {
		return errors.InvalidInput("workflow_name", "workflow_name is required")
	}
	if req.Priority == "" {
		req.Priority = repository.PriorityNormal
	}
	if !req.Priority.Valid() {
		return errors.InvalidInput("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}
	return nil
}

// buildSteps turns the selected templates into pending steps numbered 1..K.
func buildSteps(templates []repository.StepTemplate, now time.Time) []*repository.ApprovalStep {
	steps := make([]*repository.ApprovalStep, 0, len(templates))
	for i, t := range templates {
		step := &repository.ApprovalStep{
			StepOrder: i + 1,
			StepName:  t.Name,
			Role:      t.RequiredRole,
			Status:    repository.StepPending,
		}
		if t.SLAHours > 0 {
			due := now.Add(time.Duration(t.SLAHours) * time.Hour)
			step.DueAt = &due
		}
		steps = append(steps, step)
	}
	return steps
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetStatus returns the entity's most recent instance, terminal or not.
func (s *ApprovalService) GetStatus(ctx context.Context, entityType repository.EntityType, entityID string) (*repository.ApprovalInstance, error) {
	if err := validateEntityRef(entityType, entityID); err != nil {
		return nil, err
	}
	return s.instances.GetLatestByEntity(ctx, entityType, entityID)
}

// EntityHistory lists every instance opened for an entity, newest first,
// so rejected rounds stay visible after a resubmission.
func (s *ApprovalService) EntityHistory(ctx context.Context, entityType repository.EntityType, entityID string, limit int) ([]*repository.ApprovalInstance, error) {
	if err := validateEntityRef(entityType, entityID); err != nil {
		return nil, err
	}
	return s.instances.ListByEntity(ctx, entityType, entityID, limit)
}

func validateEntityRef(entityType repository.EntityType, entityID string) error {
	if !entityType.Valid() {
		return errors.InvalidInput("entity_type", fmt.Sprintf("unsupported entity type %q", entityType))
	}
	if strings.TrimSpace(entityID) == "" {
		return errors.InvalidInput("entity_id", "entity_id is required")
	}
	return nil
}

// GetInstance returns an instance with its steps.
func (s *ApprovalService) GetInstance(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	return s.instances.GetByID(ctx, id)
}

// PendingForRole lists instances waiting on role, oldest first.
func (s *ApprovalService) PendingForRole(ctx context.Context, role string, limit int) ([]*repository.ApprovalInstance, error) {
	if strings.TrimSpace(role) == "" {
		return nil, errors.InvalidInput("role", "role is required")
	}
	return s.instances.ListPendingForRole(ctx, role, limit)
}

// History lists terminal instances, most recently updated first.
func (s *ApprovalService) History(ctx context.Context, limit int) ([]*repository.ApprovalInstance, error) {
	return s.instances.ListHistory(ctx, limit)
}

// SubmissionsBy lists an actor's submissions, newest first.
func (s *ApprovalService) SubmissionsBy(ctx context.Context, actorID string, limit int) ([]*repository.ApprovalInstance, error) {
	return s.instances.ListByRequester(ctx, actorID, limit)
}

// Stats counts instances created in the last days days (default 30).
func (s *ApprovalService) Stats(ctx context.Context, days int) (*repository.Stats, error) {
	if days <= 0 {
		days = 30
	}
	return s.instances.Stats(ctx, s.clk.Now().AddDate(0, 0, -days))
}

// AuditTrail returns an instance's audit entries, oldest first.
func (s *ApprovalService) AuditTrail(ctx context.Context, instanceID string) ([]*repository.AuditEntry, error) {
	if _, err := s.instances.GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.instances.ListAudit(ctx, instanceID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *ApprovalService) publish(ctx context.Context, ev *client.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, ev)
	}
}

// publishRequired notifies the role holding the now-actionable step.
func (s *ApprovalService) publishRequired(ctx context.Context, inst *repository.ApprovalInstance, actorID string) {
	step := inst.StepAt(inst.CurrentStep)
	if step == nil {
		return
	}
	ev := newEvent(client.EventRequired, inst, actorID, []string{step.Role})
	ev.IsActionable = true
	ev.Payload = map[string]any{"step_name": step.StepName, "priority": string(inst.Priority)}
	s.publish(ctx, ev)
}

func nonNil(w []Warning) []Warning {
	if w == nil {
		return []Warning{}
	}
	return w
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.CodeOf(err)))
	}
	span.End()
}
