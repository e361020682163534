package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

func TestSideEffectFailureDoesNotUndoDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")
	_, err := f.act(inst.ID, ActionApprove, siteEngineer, "")
	require.NoError(t, err)
	_, err = f.act(inst.ID, ActionApprove, pm, "")
	require.NoError(t, err)

	f.set.RAB.FailOnApproved(errors.New(errors.ErrCodeUnavailable, "procurement lock table unavailable"))
	res, err := f.act(inst.ID, ActionApprove, finance, "")
	require.NoError(t, err)

	assert.Equal(t, repository.InstanceApproved, res.Instance.OverallStatus)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, errors.ErrCodeSideEffectFailed, res.Warnings[0].Code)
	assert.Equal(t, string(repository.HookOnApproved), res.Warnings[0].Hook)
	assert.Equal(t, repository.InstanceApproved, f.set.RAB.Status("RAB-001"), "status write still succeeded")
	assert.Len(t, f.pub.ofType(client.EventSideEffectFailed), 1)

	failures := f.failures.All()
	require.Len(t, failures, 1)
	assert.Equal(t, inst.ID, failures[0].InstanceID)
	assert.Equal(t, repository.HookOnApproved, failures[0].Hook)
	assert.Equal(t, "approved", failures[0].TargetStatus)
	assert.Nil(t, failures[0].ResolvedAt)

	stored, err := f.svc.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, stored.OverallStatus)

	f.set.RAB.FailOnApproved(nil)
	report, err := f.sync.RetrySideEffects(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Attempted: 1, Resolved: 1}, *report)
	assert.Equal(t, 1, f.set.RAB.ApprovedCalls("RAB-001"))

	report, err = f.sync.RetrySideEffects(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestReplaySupersededByLaterStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.set.PurchaseOrder.FailApplyStatus(errors.New(errors.ErrCodeUnavailable, "connection reset"))
	res, err := f.svc.Submit(ctx, SubmitRequest{
		EntityType:   repository.EntityPurchaseOrder,
		EntityID:     "PO-2024-001",
		WorkflowName: "PO Standard",
		Actor:        requester,
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, string(repository.HookApplyStatus), res.Warnings[0].Hook)

	f.set.PurchaseOrder.FailApplyStatus(nil)
	_, err = f.act(res.Instance.ID, ActionReject, pm, "Budget exceeded")
	require.NoError(t, err)
	require.Equal(t, repository.InstanceRejected, f.set.PurchaseOrder.Status("PO-2024-001"))

	report, err := f.sync.RetrySideEffects(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Attempted: 1, Superseded: 1}, *report)
	assert.Equal(t, repository.InstanceRejected, f.set.PurchaseOrder.Status("PO-2024-001"), "stale pending must not overwrite rejected")
}

func TestReplayGivesUpAfterMaxTries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.set.BeritaAcara.FailApplyStatus(errors.New(errors.ErrCodeUnavailable, "table locked"))
	f.submit(t, repository.EntityBeritaAcara, "BA-1", "BA Sign-off")

	for i := 0; i < 2; i++ {
		report, err := f.sync.RetrySideEffects(ctx)
		require.NoError(t, err)
		assert.Equal(t, ReplayReport{Attempted: 1, Failed: 1}, *report)
	}

	failures := f.failures.All()
	require.Len(t, failures, 1)
	assert.Equal(t, 3, failures[0].Attempts)

	report, err := f.sync.RetrySideEffects(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestApplySubmittedOnMissingEntity(t *testing.T) {
	f := newFixture(t)
	inst := &repository.ApprovalInstance{
		ID:            "i-1",
		EntityType:    repository.EntityRAB,
		EntityID:      "RAB-GONE",
		OverallStatus: repository.InstancePending,
	}

	warnings := f.sync.ApplySubmitted(context.Background(), inst)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "RAB-GONE")

	failures := f.failures.All()
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Attempts)
}
