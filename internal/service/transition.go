package service

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// ActRequest is one approver decision.
type ActRequest struct {
	InstanceID string
	Action     Action
	Actor      auth.Actor
	Comments   string
	// StepOrder is the step the caller was looking at. A repeated request
	// carries the same order and fails once the instance has moved on.
	StepOrder int
}

// Act applies approve, reject or request_info to the instance's current step.
// All preconditions are re-checked under the instance row lock, so of two
// identical concurrent requests exactly one succeeds and the other gets
// NO_ACTIONABLE_STEP.
func (s *ApprovalService) Act(ctx context.Context, req ActRequest) (_ *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalService.Act", trace.WithAttributes(
		attribute.String("instance_id", req.InstanceID),
		attribute.String("action", string(req.Action)),
	))
	defer func() {
		if err != nil {
			s.metrics.Rejections.WithLabelValues(string(errors.CodeOf(err))).Inc()
		}
		endSpan(span, err)
	}()

	if !req.Actor.Valid() {
		return nil, errors.New(errors.ErrCodeUnauthenticated, "caller identity and role are required")
	}
	switch req.Action {
	case ActionApprove, ActionReject, ActionRequestInfo:
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", req.Action))
	}
	if req.StepOrder <= 0 {
		return nil, errors.InvalidInput("step_order", "step_order of the step being acted on is required")
	}
	expected := req.StepOrder

	inst, err := s.instances.Transition(ctx, req.InstanceID, func(inst *repository.ApprovalInstance, step *repository.ApprovalStep) (*repository.AuditEntry, error) {
		if inst.OverallStatus.Terminal() {
			return nil, errors.Newf(errors.ErrCodeInstanceAlreadyFinalized,
				"approval instance is already %s", inst.OverallStatus)
		}
		if inst.CurrentStep != expected {
			return nil, errors.Newf(errors.ErrCodeNoActionableStep,
				"step %d is not actionable; current step is %d", expected, inst.CurrentStep)
		}
		if step.Status != repository.StepPending {
			return nil, errors.Newf(errors.ErrCodeNoActionableStep,
				"step %d is %s, not pending", step.StepOrder, step.Status)
		}
		if req.Actor.Role != step.Role {
			return nil, errors.Newf(errors.ErrCodeUnauthorizedRole,
				"step %d (%s) requires role %s", step.StepOrder, step.StepName, step.Role)
		}
		comments := strings.TrimSpace(req.Comments)
		if req.Action == ActionReject && comments == "" {
			err := errors.New(errors.ErrCodeMissingReason, "rejection reason is required")
			err.Field = "comments"
			return nil, err
		}

		return s.applyAction(inst, step, req.Action, req.Actor, comments), nil
	})
	if err != nil {
		s.log.Debug().Err(err).
			Str("instance_id", req.InstanceID).
			Str("action", string(req.Action)).
			Str("actor_id", req.Actor.ID).
			Msg("Approval action refused")
		return nil, err
	}
	s.metrics.Transitions.WithLabelValues(string(inst.EntityType), string(req.Action)).Inc()

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("action", string(req.Action)).
		Str("actor_id", req.Actor.ID).
		Int("step", expected).
		Str("status", string(inst.OverallStatus)).
		Msg("Approval action applied")

	var warnings []Warning
	switch {
	case inst.OverallStatus.Terminal():
		warnings = s.sync.OnInstanceFinalized(ctx, inst, req.Actor)
	case req.Action == ActionApprove:
		s.publishRequired(ctx, inst, req.Actor.ID)
	case req.Action == ActionRequestInfo:
		ev := newEvent(client.EventInfoRequested, inst, req.Actor.ID, []string{inst.RequesterRole})
		ev.IsActionable = true
		ev.Payload = map[string]any{"comments": req.Comments}
		s.publish(ctx, ev)
	}

	return &Result{Instance: inst, Warnings: nonNil(warnings)}, nil
}

// applyAction mutates the locked instance and step and returns the audit entry.
func (s *ApprovalService) applyAction(
	inst *repository.ApprovalInstance,
	step *repository.ApprovalStep,
	action Action,
	actor auth.Actor,
	comments string,
) *repository.AuditEntry {
	now := s.clk.Now()
	before := string(inst.OverallStatus)

	var auditAction repository.AuditAction
	switch action {
	case ActionApprove:
		auditAction = repository.AuditApproved
		step.Status = repository.StepApproved
		step.ApprovedBy = &actor.ID
		step.ApprovedAt = &now
		step.Comments = optional(comments)
		if step.StepOrder >= inst.TotalSteps {
			inst.OverallStatus = repository.InstanceApproved
			inst.CompletedAt = &now
		} else {
			inst.CurrentStep++
		}

	case ActionReject:
		auditAction = repository.AuditRejected
		step.Status = repository.StepRejected
		step.ApprovedBy = &actor.ID
		step.ApprovedAt = &now
		step.Comments = &comments
		inst.OverallStatus = repository.InstanceRejected
		inst.CompletedAt = &now

	case ActionRequestInfo:
		auditAction = repository.AuditInfoRequested
		step.Status = repository.StepInfoRequested
		step.Comments = optional(comments)
	}
	inst.UpdatedAt = now

	after := string(inst.OverallStatus)
	return &repository.AuditEntry{
		StepID:        &step.ID,
		Action:        auditAction,
		PerformedBy:   actor.ID,
		PerformerRole: actor.Role,
		StatusBefore:  &before,
		StatusAfter:   &after,
		Comments:      optional(comments),
		Metadata: map[string]any{
			"step_order": step.StepOrder,
			"step_name":  step.StepName,
		},
	}
}

// ResubmitRequest answers an info request on the current step.
type ResubmitRequest struct {
	InstanceID string
	Actor      auth.Actor
	Comments   string
}

// ResubmitStep returns an info_requested step to pending. Only a caller
// holding the requester's role may do so.
func (s *ApprovalService) ResubmitStep(ctx context.Context, req ResubmitRequest) (_ *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalService.ResubmitStep", trace.WithAttributes(
		attribute.String("instance_id", req.InstanceID),
	))
	defer func() {
		if err != nil {
			s.metrics.Rejections.WithLabelValues(string(errors.CodeOf(err))).Inc()
		}
		endSpan(span, err)
	}()

	if !req.Actor.Valid() {
		return nil, errors.New(errors.ErrCodeUnauthenticated, "caller identity and role are required")
	}

	inst, err := s.instances.Transition(ctx, req.InstanceID, func(inst *repository.ApprovalInstance, step *repository.ApprovalStep) (*repository.AuditEntry, error) {
		if inst.OverallStatus.Terminal() {
			return nil, errors.Newf(errors.ErrCodeInstanceAlreadyFinalized,
				"approval instance is already %s", inst.OverallStatus)
		}
		if step.Status != repository.StepInfoRequested {
			return nil, errors.Newf(errors.ErrCodeNoActionableStep,
				"step %d is %s; only info_requested steps can be resubmitted", step.StepOrder, step.Status)
		}
		if req.Actor.Role != inst.RequesterRole {
			return nil, errors.Newf(errors.ErrCodeUnauthorizedRole,
				"only the requester role %s can resubmit", inst.RequesterRole)
		}

		comments := strings.TrimSpace(req.Comments)
		step.Status = repository.StepPending
		step.ApprovedBy = nil
		step.ApprovedAt = nil
		step.Comments = optional(comments)
		inst.UpdatedAt = s.clk.Now()

		status := string(inst.OverallStatus)
		return &repository.AuditEntry{
			StepID:        &step.ID,
			Action:        repository.AuditResubmitted,
			PerformedBy:   req.Actor.ID,
			PerformerRole: req.Actor.Role,
			StatusBefore:  &status,
			StatusAfter:   &status,
			Comments:      optional(comments),
			Metadata: map[string]any{
				"step_order": step.StepOrder,
				"step_name":  step.StepName,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Transitions.WithLabelValues(string(inst.EntityType), "resubmit").Inc()

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("actor_id", req.Actor.ID).
		Int("step", inst.CurrentStep).
		Msg("Approval step resubmitted")

	s.publishRequired(ctx, inst, req.Actor.ID)
	return &Result{Instance: inst, Warnings: []Warning{}}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
