package service

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/benbjohnson/clock"

	"github.com/pesio-ai/be-erp-approvals/internal/adapter"
	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// Warning is a non-fatal problem reported next to a successful result.
type Warning struct {
	Code    errors.Code `json:"code"`
	Hook    string      `json:"hook,omitempty"`
	Message string      `json:"message"`
}

// SyncOptions tune adapter retries and failure replay.
type SyncOptions struct {
	Attempts        uint
	Delay           time.Duration
	MaxReplayTries  int
	ReplayBatchSize int
}

// StatusSync propagates instance status to the owning entity and runs the
// approval side effects. Failures never undo a committed decision: they are
// logged, counted, recorded for replay and returned as warnings.
type StatusSync struct {
	adapters  *adapter.Registry
	instances InstanceStore
	failures  FailureStore
	publisher client.EventPublisher
	clk       clock.Clock
	metrics   *Metrics
	opts      SyncOptions
	log       *logger.Logger
}

// NewStatusSync creates a new StatusSync.
func NewStatusSync(
	adapters *adapter.Registry,
	instances InstanceStore,
	failures FailureStore,
	publisher client.EventPublisher,
	clk clock.Clock,
	metrics *Metrics,
	opts SyncOptions,
	log *logger.Logger,
) *StatusSync {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.MaxReplayTries <= 0 {
		opts.MaxReplayTries = 10
	}
	return &StatusSync{
		adapters:  adapters,
		instances: instances,
		failures:  failures,
		publisher: publisher,
		clk:       clk,
		metrics:   metrics,
		opts:      opts,
		log:       log,
	}
}

// ApplySubmitted mirrors the pending status of a freshly created instance.
func (s *StatusSync) ApplySubmitted(ctx context.Context, inst *repository.ApprovalInstance) []Warning {
	var warnings []Warning
	s.run(ctx, inst, repository.HookApplyStatus, func(a adapter.Adapter) error {
		return a.ApplyStatus(ctx, inst.EntityID, repository.InstancePending)
	}, &warnings)
	return warnings
}

// OnInstanceFinalized runs once, right after the transition that made inst
// terminal committed. Only the call that performed that transition may invoke
// it, which is what keeps OnApproved to a single call per instance.
func (s *StatusSync) OnInstanceFinalized(ctx context.Context, inst *repository.ApprovalInstance, actor auth.Actor) []Warning {
	var warnings []Warning

	s.run(ctx, inst, repository.HookApplyStatus, func(a adapter.Adapter) error {
		return a.ApplyStatus(ctx, inst.EntityID, inst.OverallStatus)
	}, &warnings)

	if inst.OverallStatus == repository.InstanceApproved {
		s.run(ctx, inst, repository.HookOnApproved, func(a adapter.Adapter) error {
			return a.OnApproved(ctx, inst.EntityID)
		}, &warnings)
	}

	eventType := client.EventApproved
	if inst.OverallStatus == repository.InstanceRejected {
		eventType = client.EventRejected
	}
	s.publish(ctx, newEvent(eventType, inst, actor.ID, []string{inst.RequesterRole}))

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("entity_type", string(inst.EntityType)).
		Str("entity_id", inst.EntityID).
		Str("status", string(inst.OverallStatus)).
		Int("warnings", len(warnings)).
		Msg("Approval instance finalized")

	return warnings
}

func (s *StatusSync) run(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	hook repository.SideEffectHook,
	call func(adapter.Adapter) error,
	warnings *[]Warning,
) {
	a, err := s.adapters.Get(inst.EntityType)
	if err == nil {
		err = s.withRetry(ctx, func() error { return call(a) })
	}
	if err == nil {
		return
	}

	target := string(inst.OverallStatus)
	s.metrics.SideEffectFailure.WithLabelValues(string(inst.EntityType), string(hook)).Inc()
	s.log.Error().Err(err).
		Str("instance_id", inst.ID).
		Str("entity_type", string(inst.EntityType)).
		Str("entity_id", inst.EntityID).
		Str("hook", string(hook)).
		Str("target_status", target).
		Msg("Side effect failed after approval decision (recorded for replay)")

	// Record with a fresh context: the request may already be cancelled, and
	// the failure must not be lost with it.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if recErr := s.failures.Record(recordCtx, &repository.SideEffectFailure{
		InstanceID:    inst.ID,
		EntityType:    inst.EntityType,
		EntityID:      inst.EntityID,
		Hook:          hook,
		TargetStatus:  target,
		Error:         err.Error(),
		Attempts:      1,
		LastAttemptAt: s.clk.Now(),
	}); recErr != nil {
		s.log.Error().Err(recErr).Str("instance_id", inst.ID).Msg("Failed to record side-effect failure")
	}

	ev := newEvent(client.EventSideEffectFailed, inst, "", nil)
	ev.Severity = "error"
	ev.Payload = map[string]any{"hook": string(hook), "error": err.Error()}
	s.publish(ctx, ev)

	*warnings = append(*warnings, Warning{
		Code:    errors.ErrCodeSideEffectFailed,
		Hook:    string(hook),
		Message: err.Error(),
	})
}

func (s *StatusSync) withRetry(ctx context.Context, fn func() error) error {
	var last error
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.opts.Attempts),
		retry.Delay(s.opts.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return !errors.HasCode(err, errors.ErrCodeEntityNotFound)
		}),
	).Do(func() error {
		last = fn()
		return last
	})
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}

// ReplayReport summarises one RetrySideEffects run.
type ReplayReport struct {
	Attempted  int `json:"attempted"`
	Resolved   int `json:"resolved"`
	Superseded int `json:"superseded"`
	Failed     int `json:"failed"`
}

// RetrySideEffects replays unresolved failures once each. A status write
// whose instance is no longer the entity's latest, or whose status moved on,
// is closed as superseded rather than replayed.
func (s *StatusSync) RetrySideEffects(ctx context.Context) (*ReplayReport, error) {
	open, err := s.failures.ListOpen(ctx, s.opts.MaxReplayTries, s.opts.ReplayBatchSize)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{}
	for _, f := range open {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++

		superseded, err := s.replay(ctx, f)
		now := s.clk.Now()
		switch {
		case err != nil:
			report.Failed++
			s.metrics.SideEffectReplay.WithLabelValues("failed").Inc()
			s.log.Warn().Err(err).
				Str("failure_id", f.ID).
				Str("instance_id", f.InstanceID).
				Str("hook", string(f.Hook)).
				Int("attempts", f.Attempts+1).
				Msg("Side-effect replay failed")
			if mErr := s.failures.MarkAttempt(ctx, f.ID, err.Error(), now); mErr != nil {
				return report, mErr
			}
		default:
			outcome := "resolved"
			if superseded {
				outcome = "superseded"
				report.Superseded++
			} else {
				report.Resolved++
			}
			s.metrics.SideEffectReplay.WithLabelValues(outcome).Inc()
			if mErr := s.failures.MarkResolved(ctx, f.ID, now); mErr != nil {
				return report, mErr
			}
		}
	}

	if report.Attempted > 0 {
		s.log.Info().
			Int("attempted", report.Attempted).
			Int("resolved", report.Resolved).
			Int("superseded", report.Superseded).
			Int("failed", report.Failed).
			Msg("Side-effect replay finished")
	}
	return report, nil
}

func (s *StatusSync) replay(ctx context.Context, f *repository.SideEffectFailure) (superseded bool, err error) {
	a, err := s.adapters.Get(f.EntityType)
	if err != nil {
		return false, err
	}

	switch f.Hook {
	case repository.HookApplyStatus:
		latest, err := s.instances.GetLatestByEntity(ctx, f.EntityType, f.EntityID)
		if err != nil {
			return false, err
		}
		if latest.ID != f.InstanceID || string(latest.OverallStatus) != f.TargetStatus {
			return true, nil
		}
		return false, a.ApplyStatus(ctx, f.EntityID, repository.InstanceStatus(f.TargetStatus))
	case repository.HookOnApproved:
		return false, a.OnApproved(ctx, f.EntityID)
	}
	return true, nil
}

func (s *StatusSync) publish(ctx context.Context, ev *client.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, ev)
}

func newEvent(eventType string, inst *repository.ApprovalInstance, actorID string, roles []string) *client.Event {
	ev := &client.Event{
		EventType:      eventType,
		InstanceID:     inst.ID,
		EntityType:     string(inst.EntityType),
		EntityID:       inst.EntityID,
		ActorID:        actorID,
		RecipientRoles: roles,
		StepOrder:      inst.CurrentStep,
		Status:         string(inst.OverallStatus),
		Severity:       "info",
		Category:       "approval",
		OccurredAt:     inst.UpdatedAt,
	}
	if inst.EntityRef != nil {
		ev.EntityRef = *inst.EntityRef
	}
	return ev
}
