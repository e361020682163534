package service

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
)

// Scheduler runs maintenance jobs next to the request path. It flags overdue
// steps and replays side-effect failures; it never changes instance or step
// status.
type Scheduler struct {
	cron      *cron.Cron
	instances InstanceStore
	sync      *StatusSync
	publisher client.EventPublisher
	clk       clock.Clock
	metrics   *Metrics
	batchSize int
	log       *logger.Logger
}

// NewScheduler creates a scheduler; jobs are added with Register.
func NewScheduler(
	instances InstanceStore,
	sync *StatusSync,
	publisher client.EventPublisher,
	clk clock.Clock,
	metrics *Metrics,
	batchSize int,
	log *logger.Logger,
) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		instances: instances,
		sync:      sync,
		publisher: publisher,
		clk:       clk,
		metrics:   metrics,
		batchSize: batchSize,
		log:       log,
	}
}

// Register schedules the overdue sweep and the side-effect replay.
func (s *Scheduler) Register(overdueSpec, sideEffectsSpec string) error {
	if _, err := s.cron.AddFunc(overdueSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.FlagOverdue(ctx); err != nil {
			s.log.Error().Err(err).Msg("Overdue sweep failed")
		}
	}); err != nil {
		return err
	}

	_, err := s.cron.AddFunc(sideEffectsSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.sync.RetrySideEffects(ctx); err != nil {
			s.log.Error().Err(err).Msg("Side-effect replay failed")
		}
	})
	return err
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running jobs or ctx, whichever is first.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// FlagOverdue stamps every actionable step past its due time once and emits
// an approval_overdue event for it. Returns the number of steps flagged.
func (s *Scheduler) FlagOverdue(ctx context.Context) (int, error) {
	now := s.clk.Now()
	overdue, err := s.instances.ListOverdueSteps(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, o := range overdue {
		ok, err := s.instances.MarkStepOverdue(ctx, o.StepID, now)
		if err != nil {
			return flagged, err
		}
		if !ok {
			continue
		}
		flagged++
		s.metrics.OverdueFlagged.WithLabelValues(string(o.EntityType), o.Role).Inc()

		if s.publisher != nil {
			s.publisher.Publish(ctx, &client.Event{
				EventType:      client.EventOverdue,
				InstanceID:     o.InstanceID,
				EntityType:     string(o.EntityType),
				EntityID:       o.EntityID,
				RecipientRoles: []string{o.Role},
				StepOrder:      o.StepOrder,
				IsActionable:   true,
				Severity:       "warning",
				Category:       "approval",
				OccurredAt:     now,
				Payload: map[string]any{
					"step_name":     o.StepName,
					"due_at":        o.DueAt,
					"overdue_hours": now.Sub(o.DueAt).Hours(),
				},
			})
		}
	}

	if flagged > 0 {
		s.log.Info().Int("flagged", flagged).Msg("Overdue approval steps flagged")
	}
	return flagged, nil
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
