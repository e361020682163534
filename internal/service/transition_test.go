package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

func TestRABApprovedThroughAllSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")

	res, err := f.act(inst.ID, ActionApprove, siteEngineer, "Quantities checked")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Instance.CurrentStep)
	assert.Equal(t, repository.InstancePending, res.Instance.OverallStatus)
	assert.Empty(t, res.Warnings)

	res, err = f.act(inst.ID, ActionApprove, pm, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Instance.CurrentStep)

	res, err = f.act(inst.ID, ActionApprove, finance, "Budget available")
	require.NoError(t, err)
	final := res.Instance
	assert.Equal(t, repository.InstanceApproved, final.OverallStatus)
	assert.Equal(t, 3, final.CurrentStep)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, 3, countStatus(final, repository.StepApproved))
	assert.Equal(t, finance.ID, *final.Steps[2].ApprovedBy)
	assert.Equal(t, "Budget available", *final.Steps[2].Comments)
	assert.Nil(t, final.Steps[1].Comments)

	assert.Equal(t, repository.InstanceApproved, f.set.RAB.Status("RAB-001"))
	assert.Equal(t, 1, f.set.RAB.ApprovedCalls("RAB-001"))
	require.Len(t, f.pub.ofType(client.EventApproved), 1)
	assert.Len(t, f.pub.ofType(client.EventRequired), 3)

	_, err = f.act(inst.ID, ActionApprove, finance, "")
	assert.Equal(t, errors.ErrCodeInstanceAlreadyFinalized, errors.CodeOf(err))
	assert.Equal(t, 1, f.set.RAB.ApprovedCalls("RAB-001"))

	audit, err := f.svc.AuditTrail(ctx, inst.ID)
	require.NoError(t, err)
	actions := make([]repository.AuditAction, 0, len(audit))
	for _, a := range audit {
		actions = append(actions, a.Action)
	}
	assert.Equal(t, []repository.AuditAction{
		repository.AuditSubmitted, repository.AuditApproved, repository.AuditApproved, repository.AuditApproved,
	}, actions)
	assert.Equal(t, "pending", *audit[3].StatusBefore)
	assert.Equal(t, "approved", *audit[3].StatusAfter)
}

func TestPurchaseOrderRejectedAtFirstStep(t *testing.T) {
	f := newFixture(t)
	inst := f.submit(t, repository.EntityPurchaseOrder, "PO-2024-001", "PO Standard")

	res, err := f.act(inst.ID, ActionReject, pm, "Budget exceeded")
	require.NoError(t, err)

	assert.Equal(t, repository.InstanceRejected, res.Instance.OverallStatus)
	assert.Equal(t, 1, res.Instance.CurrentStep)
	require.NotNil(t, res.Instance.CompletedAt)
	assert.Equal(t, repository.StepRejected, res.Instance.Steps[0].Status)
	assert.Equal(t, "Budget exceeded", *res.Instance.Steps[0].Comments)
	assert.Equal(t, repository.StepPending, res.Instance.Steps[1].Status, "later steps stay pending")

	assert.Equal(t, repository.InstanceRejected, f.set.PurchaseOrder.Status("PO-2024-001"))
	assert.Zero(t, f.set.PurchaseOrder.ApprovedCalls("PO-2024-001"))
	assert.Empty(t, f.finance.Transactions())
	assert.Len(t, f.pub.ofType(client.EventRejected), 1)
}

func TestRejectAtMiddleStepLeavesLaterStepsPending(t *testing.T) {
	f := newFixture(t)
	inst := f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")
	_, err := f.act(inst.ID, ActionApprove, siteEngineer, "")
	require.NoError(t, err)

	res, err := f.act(inst.ID, ActionReject, pm, "Unit prices above reference")
	require.NoError(t, err)

	steps := res.Instance.Steps
	assert.Equal(t, repository.StepApproved, steps[0].Status)
	assert.Equal(t, repository.StepRejected, steps[1].Status)
	assert.Equal(t, repository.StepPending, steps[2].Status)
	assert.Equal(t, 2, res.Instance.CurrentStep)
}

func TestPaymentApprovalBooksFinanceTransactionOnce(t *testing.T) {
	f := newFixture(t)
	inst := f.submit(t, repository.EntityPayment, "PAY-1", "Payment Standard")

	_, err := f.act(inst.ID, ActionApprove, pm, "")
	require.NoError(t, err)
	assert.Empty(t, f.finance.Transactions())

	_, err = f.act(inst.ID, ActionApprove, finance, "")
	require.NoError(t, err)

	txs := f.finance.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, "progress_payment", txs[0].SourceType)
	assert.Equal(t, "PAY-1", txs[0].SourceID)
	assert.Equal(t, int64(75_000_000), txs[0].Amount)
}

func TestActRefusals(t *testing.T) {
	f := newFixture(t)
	inst := f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")

	tests := []struct {
		name string
		req  ActRequest
		code errors.Code
	}{
		{"wrong role", ActRequest{InstanceID: inst.ID, Action: ActionApprove, Actor: finance, StepOrder: 1}, errors.ErrCodeUnauthorizedRole},
		{"reject without reason", ActRequest{InstanceID: inst.ID, Action: ActionReject, Actor: siteEngineer, Comments: "   ", StepOrder: 1}, errors.ErrCodeMissingReason},
		{"unknown action", ActRequest{InstanceID: inst.ID, Action: "escalate", Actor: siteEngineer, StepOrder: 1}, errors.ErrCodeInvalidInput},
		{"missing step order", ActRequest{InstanceID: inst.ID, Action: ActionApprove, Actor: siteEngineer}, errors.ErrCodeInvalidInput},
		{"stale step", ActRequest{InstanceID: inst.ID, Action: ActionApprove, Actor: siteEngineer, StepOrder: 2}, errors.ErrCodeNoActionableStep},
		{"no identity", ActRequest{InstanceID: inst.ID, Action: ActionApprove, StepOrder: 1}, errors.ErrCodeUnauthenticated},
		{"unknown instance", ActRequest{InstanceID: "missing", Action: ActionApprove, Actor: siteEngineer, StepOrder: 1}, errors.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Act(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}

	var missing *errors.Error
	_, err := f.act(inst.ID, ActionReject, siteEngineer, "")
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "comments", missing.Field)

	after, err := f.svc.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CurrentStep)
	assert.Equal(t, 3, countStatus(after, repository.StepPending))

	audit, err := f.svc.AuditTrail(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1, "refused actions leave no audit entry")
}

func TestConcurrentApprovalsOfSameStep(t *testing.T) {
	f := newFixture(t)
	inst := f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Act(context.Background(), ActRequest{
				InstanceID: inst.ID,
				Action:     ActionApprove,
				Actor:      siteEngineer,
				StepOrder:  1,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.HasCode(err, errors.ErrCodeNoActionableStep):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)

	after, err := f.svc.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.CurrentStep)
	assert.Equal(t, 1, countStatus(after, repository.StepApproved))
}

func TestRepeatedApproveDoesNotAdvanceTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.defs.CreateVersion(ctx, &repository.WorkflowDefinition{
		Name:       "PO Dual PM",
		EntityType: repository.EntityPurchaseOrder,
		Steps: []repository.StepTemplate{
			{Order: 1, Name: "PM Review", RequiredRole: "project_manager"},
			{Order: 2, Name: "PM Confirmation", RequiredRole: "project_manager"},
			{Order: 3, Name: "Finance Approval", RequiredRole: "finance"},
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		entityID string
		workflow string
		actor    auth.Actor
	}{
		{"same role on next step", "PO-2024-001", "PO Dual PM", pm},
		{"different role on next step", "PO-BIG", "PO Standard", pm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := f.submit(t, repository.EntityPurchaseOrder, tt.entityID, tt.workflow)
			click := ActRequest{InstanceID: inst.ID, Action: ActionApprove, Actor: tt.actor, StepOrder: inst.CurrentStep}

			_, err := f.svc.Act(ctx, click)
			require.NoError(t, err)
			_, err = f.svc.Act(ctx, click)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeNoActionableStep, errors.CodeOf(err))

			after, err := f.svc.GetInstance(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, after.CurrentStep)
			assert.Equal(t, 1, countStatus(after, repository.StepApproved))
		})
	}
}

func TestConcurrentFinalApprovalRunsSideEffectsOnce(t *testing.T) {
	f := newFixture(t)
	inst := f.submit(t, repository.EntityPayment, "PAY-1", "Payment Standard")
	_, err := f.act(inst.ID, ActionApprove, pm, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Act(context.Background(), ActRequest{
				InstanceID: inst.ID,
				Action:     ActionApprove,
				Actor:      auth.Actor{ID: "u-fin-2", Role: "finance"},
				StepOrder:  2,
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.set.Payment.ApprovedCalls("PAY-1"))
	assert.Len(t, f.finance.Transactions(), 1)
	assert.Len(t, f.pub.ofType(client.EventApproved), 1)
}

func TestRequestInfoAndResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")

	res, err := f.act(inst.ID, ActionRequestInfo, siteEngineer, "Attach soil test")
	require.NoError(t, err)
	assert.Equal(t, repository.StepInfoRequested, res.Instance.Steps[0].Status)
	assert.Equal(t, repository.InstancePending, res.Instance.OverallStatus)
	assert.Equal(t, 1, res.Instance.CurrentStep)

	info := f.pub.ofType(client.EventInfoRequested)
	require.Len(t, info, 1)
	assert.Equal(t, []string{requester.Role}, info[0].RecipientRoles)

	_, err = f.act(inst.ID, ActionApprove, siteEngineer, "")
	assert.Equal(t, errors.ErrCodeNoActionableStep, errors.CodeOf(err), "info_requested step is not actionable")

	pending, err := f.svc.PendingForRole(ctx, "site_engineer", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.svc.ResubmitStep(ctx, ResubmitRequest{InstanceID: inst.ID, Actor: pm, Comments: "done"})
	assert.Equal(t, errors.ErrCodeUnauthorizedRole, errors.CodeOf(err))

	res, err = f.svc.ResubmitStep(ctx, ResubmitRequest{InstanceID: inst.ID, Actor: requester, Comments: "Soil test attached"})
	require.NoError(t, err)
	assert.Equal(t, repository.StepPending, res.Instance.Steps[0].Status)
	assert.Equal(t, "Soil test attached", *res.Instance.Steps[0].Comments)

	_, err = f.svc.ResubmitStep(ctx, ResubmitRequest{InstanceID: inst.ID, Actor: requester})
	assert.Equal(t, errors.ErrCodeNoActionableStep, errors.CodeOf(err))

	res, err = f.act(inst.ID, ActionApprove, siteEngineer, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Instance.CurrentStep)

	audit, err := f.svc.AuditTrail(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, audit, 4)
	assert.Equal(t, repository.AuditInfoRequested, audit[1].Action)
	assert.Equal(t, repository.AuditResubmitted, audit[2].Action)
}

func TestCurrentStepNeverDecreases(t *testing.T) {
	f := newFixture(t)
	inst := f.submit(t, repository.EntityRAB, "RAB-001", "RAB Construction Standard")

	seen := []int{inst.CurrentStep}
	steps := []struct {
		action Action
		actor  auth.Actor
	}{
		{ActionRequestInfo, siteEngineer},
		{ActionApprove, pm},
		{ActionApprove, siteEngineer},
		{ActionApprove, siteEngineer},
		{ActionApprove, pm},
		{ActionReject, finance},
	}
	for _, s := range steps {
		if s.action == ActionApprove && s.actor == pm && seen[len(seen)-1] == 1 {
			_, err := f.svc.ResubmitStep(context.Background(), ResubmitRequest{InstanceID: inst.ID, Actor: requester})
			require.NoError(t, err)
		}
		_, _ = f.act(inst.ID, s.action, s.actor, "reason")
		cur, err := f.svc.GetInstance(context.Background(), inst.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, cur.CurrentStep, seen[len(seen)-1])
		seen = append(seen, cur.CurrentStep)
	}
	assert.Equal(t, 3, seen[len(seen)-1])
}
