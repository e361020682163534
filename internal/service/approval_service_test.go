package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

func TestSubmitCreatesPendingInstanceWithAllSteps(t *testing.T) {
	f := newFixture(t)

	inst := f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")

	assert.Equal(t, repository.InstancePending, inst.OverallStatus)
	assert.Equal(t, 1, inst.CurrentStep)
	assert.Equal(t, 3, inst.TotalSteps)
	assert.Equal(t, int64(12_500_000), inst.Amount)
	assert.Equal(t, repository.PriorityNormal, inst.Priority)
	require.Len(t, inst.Steps, 3)
	for i, s := range inst.Steps {
		assert.Equal(t, i+1, s.StepOrder)
		assert.Equal(t, repository.StepPending, s.Status)
		require.NotNil(t, s.DueAt)
	}
	assert.Equal(t, "site_engineer", inst.Steps[0].Role)
	assert.Equal(t, f.clk.Now().Add(24*time.Hour), *inst.Steps[0].DueAt)

	assert.Equal(t, repository.InstancePending, f.set.RAB.Status("RAB-001"))
	require.Len(t, f.pub.ofType(client.EventSubmitted), 1)
	required := f.pub.ofType(client.EventRequired)
	require.Len(t, required, 1)
	assert.Equal(t, []string{"site_engineer"}, required[0].RecipientRoles)
	assert.True(t, required[0].IsActionable)

	audit, err := f.svc.AuditTrail(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, repository.AuditSubmitted, audit[0].Action)
	assert.Equal(t, requester.ID, audit[0].PerformedBy)
}

func TestSubmitDuplicateWhilePending(t *testing.T) {
	f := newFixture(t)
	f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")

	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		EntityType:   repository.EntityRAB,
		EntityID:     "RAB-001",
		WorkflowName: "RAB Construction Standard",
		Actor:        requester,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeDuplicateSubmission))
}

func TestSubmitAfterTerminalCreatesNewInstance(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, repository.EntityPurchaseOrder, "PO-2024-001", "PO Standard")
	_, err := f.act(first.ID, ActionReject, pm, "Budget exceeded")
	require.NoError(t, err)

	second := f.submit(t, repository.EntityPurchaseOrder, "PO-2024-001", "PO Standard")
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := f.svc.GetStatus(context.Background(), repository.EntityPurchaseOrder, "PO-2024-001")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	old, err := f.svc.GetInstance(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRejected, old.OverallStatus)
}

func TestEntityHistoryKeepsEveryRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.submit(t, repository.EntityPurchaseOrder, "PO-2024-001", "PO Standard")
	_, err := f.act(first.ID, ActionReject, pm, "Budget exceeded")
	require.NoError(t, err)
	f.clk.Add(time.Minute)
	second := f.submit(t, repository.EntityPurchaseOrder, "PO-2024-001", "PO Standard")
	f.submit(t, repository.EntityPurchaseOrder, "PO-BIG", "PO Standard")

	rounds, err := f.svc.EntityHistory(ctx, repository.EntityPurchaseOrder, "PO-2024-001", 0)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, second.ID, rounds[0].ID, "newest first")
	assert.Equal(t, repository.InstancePending, rounds[0].OverallStatus)
	assert.Equal(t, first.ID, rounds[1].ID)
	assert.Equal(t, repository.InstanceRejected, rounds[1].OverallStatus)
	require.Len(t, rounds[1].Steps, 2)
	assert.Equal(t, repository.StepRejected, rounds[1].Steps[0].Status)

	limited, err := f.svc.EntityHistory(ctx, repository.EntityPurchaseOrder, "PO-2024-001", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second.ID, limited[0].ID)

	none, err := f.svc.EntityHistory(ctx, repository.EntityPurchaseOrder, "PO-404", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.svc.EntityHistory(ctx, "invoice", "X", 0)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	_, err = f.svc.EntityHistory(ctx, repository.EntityPurchaseOrder, " ", 0)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		code errors.Code
	}{
		{"missing actor", SubmitRequest{EntityType: repository.EntityRAB, EntityID: "RAB-001", WorkflowName: "RAB Construction Standard"}, errors.ErrCodeUnauthenticated},
		{"unknown entity type", SubmitRequest{EntityType: "invoice", EntityID: "X", WorkflowName: "W", Actor: requester}, errors.ErrCodeInvalidInput},
		{"blank entity id", SubmitRequest{EntityType: repository.EntityRAB, EntityID: "  ", WorkflowName: "W", Actor: requester}, errors.ErrCodeInvalidInput},
		{"bad priority", SubmitRequest{EntityType: repository.EntityRAB, EntityID: "RAB-001", WorkflowName: "RAB Construction Standard", Priority: "asap", Actor: requester}, errors.ErrCodeInvalidInput},
		{"unknown workflow", SubmitRequest{EntityType: repository.EntityRAB, EntityID: "RAB-001", WorkflowName: "Nope", Actor: requester}, errors.ErrCodeWorkflowNotFound},
		{"workflow of another entity type", SubmitRequest{EntityType: repository.EntityRAB, EntityID: "RAB-001", WorkflowName: "PO Standard", Actor: requester}, errors.ErrCodeWorkflowNotFound},
		{"missing entity", SubmitRequest{EntityType: repository.EntityRAB, EntityID: "RAB-404", WorkflowName: "RAB Construction Standard", Actor: requester}, errors.ErrCodeEntityNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}

	_, err := f.svc.GetStatus(ctx, repository.EntityRAB, "RAB-001")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound), "failed submissions must not create instances")
}

func TestSubmitConditionalStepsAreRenumbered(t *testing.T) {
	f := newFixture(t)

	// 50M material: director step excluded, procurement check kept.
	small := f.submit(t, repository.EntityPurchaseOrder, "PO-2024-001", "PO Tiered")
	require.Len(t, small.Steps, 2)
	assert.Equal(t, 2, small.TotalSteps)
	assert.Equal(t, "project_manager", small.Steps[0].Role)
	assert.Equal(t, "procurement", small.Steps[1].Role)
	assert.Equal(t, 2, small.Steps[1].StepOrder)

	// 250M service: director step kept, procurement check excluded.
	big := f.submit(t, repository.EntityPurchaseOrder, "PO-BIG", "PO Tiered")
	require.Len(t, big.Steps, 2)
	assert.Equal(t, "director", big.Steps[1].Role)
	assert.Equal(t, 2, big.Steps[1].StepOrder)
}

func TestSubmitNoApplicableSteps(t *testing.T) {
	f := newFixture(t)
	threshold := int64(1_000_000_000)
	_, err := f.defs.CreateVersion(context.Background(), &repository.WorkflowDefinition{
		Name:       "Mega Projects",
		EntityType: repository.EntityRAB,
		Steps: []repository.StepTemplate{
			{Order: 1, Name: "Board", RequiredRole: "board", Conditions: &repository.StepConditions{MinAmount: &threshold}},
		},
	})
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), SubmitRequest{
		EntityType:   repository.EntityRAB,
		EntityID:     "RAB-001",
		WorkflowName: "Mega Projects",
		Actor:        requester,
	})
	assert.Equal(t, errors.ErrCodeNoApplicableSteps, errors.CodeOf(err))
}

func TestReadsOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rab := f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")
	f.clk.Add(time.Minute)
	po := f.submit(t, repository.EntityPurchaseOrder, "PO-2024-001", "PO Standard")
	f.clk.Add(time.Minute)
	pay := f.submit(t, repository.EntityPayment, "PAY-1", "Payment Standard")

	pending, err := f.svc.PendingForRole(ctx, "project_manager", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, po.ID, pending[0].ID, "oldest first")
	assert.Equal(t, pay.ID, pending[1].ID)

	_, err = f.act(rab.ID, ActionApprove, siteEngineer, "")
	require.NoError(t, err)
	pending, err = f.svc.PendingForRole(ctx, "project_manager", 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, rab.ID, pending[0].ID)

	_, err = f.act(pay.ID, ActionReject, pm, "Wrong retention")
	require.NoError(t, err)
	f.clk.Add(time.Minute)
	_, err = f.act(po.ID, ActionReject, pm, "Supplier not registered")
	require.NoError(t, err)

	history, err := f.svc.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, po.ID, history[0].ID, "most recently updated first")
	assert.Equal(t, pay.ID, history[1].ID)

	mine, err := f.svc.SubmissionsBy(ctx, requester.ID, 2)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, pay.ID, mine[0].ID, "newest first")
	assert.Equal(t, po.ID, mine[1].ID)

	stats, err := f.svc.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, repository.Stats{Pending: 1, Approved: 0, Rejected: 2, Total: 3}, *stats)

	_, err = f.svc.PendingForRole(ctx, " ", 0)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestAuditTrailUnknownInstance(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AuditTrail(context.Background(), "missing")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestConcurrentSubmitsCreateOneInstance(t *testing.T) {
	f := newFixture(t)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), SubmitRequest{
				EntityType:   repository.EntityBeritaAcara,
				EntityID:     "BA-1",
				WorkflowName: "BA Sign-off",
				Actor:        auth.Actor{ID: "u-sup", Role: "supervisor"},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.HasCode(err, errors.ErrCodeDuplicateSubmission):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, dupes)
}
