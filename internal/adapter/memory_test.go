package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

func TestMemoryAdapterFetchMissing(t *testing.T) {
	a := NewMemoryAdapter(repository.EntityRAB)

	_, err := a.Fetch(context.Background(), "nope")
	assert.True(t, errors.HasCode(err, errors.ErrCodeEntityNotFound))
}

func TestMemorySetPaymentBooksFinanceOnce(t *testing.T) {
	ctx := context.Background()
	finance := NewMemoryFinance()
	set := NewMemorySet(finance)
	set.Payment.Put(EntitySnapshot{EntityID: "PAY-7", Reference: "PP-7", Amount: 1_500_000, ProjectID: "P1"})

	require.NoError(t, set.Payment.OnApproved(ctx, "PAY-7"))
	require.NoError(t, set.Payment.OnApproved(ctx, "PAY-7"))

	txs := finance.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, "progress_payment", txs[0].SourceType)
	assert.Equal(t, "PAY-7", txs[0].SourceID)
	assert.Equal(t, int64(1_500_000), txs[0].Amount)
	assert.Equal(t, "Progress payment PP-7", txs[0].Description)
	assert.Equal(t, 2, set.Payment.ApprovedCalls("PAY-7"))
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewMemorySet(NewMemoryFinance()).Registry()

	a, err := reg.Get(repository.EntityBeritaAcara)
	require.NoError(t, err)
	assert.Equal(t, repository.EntityBeritaAcara, a.EntityType())

	_, err = reg.Get("inventory")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestMemoryAdapterFailureInjection(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter(repository.EntityPurchaseOrder)
	a.Put(EntitySnapshot{EntityID: "PO-1"})

	boom := assert.AnError
	a.FailApplyStatus(boom)
	assert.ErrorIs(t, a.ApplyStatus(ctx, "PO-1", repository.InstanceApproved), boom)
	assert.Empty(t, a.Status("PO-1"))

	a.FailApplyStatus(nil)
	require.NoError(t, a.ApplyStatus(ctx, "PO-1", repository.InstanceApproved))
	assert.Equal(t, repository.InstanceApproved, a.Status("PO-1"))
}

func TestMemorySetLoadEntities(t *testing.T) {
	set := NewMemorySet(NewMemoryFinance())
	n, err := set.LoadEntities([]byte(`
entities:
  - entity_type: purchase_order
    entity_id: PO-1
    reference: PO-2024-001
    amount: 50000000
    attributes:
      category: material
  - entity_type: rab
    entity_id: RAB-1
    amount: 1000
`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := set.PurchaseOrder.Fetch(context.Background(), "PO-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), snap.Amount)
	assert.JSONEq(t, `{"category":"material"}`, string(snap.Attributes))

	_, err = set.LoadEntities([]byte("entities:\n  - entity_type: invoice\n    entity_id: X\n"))
	assert.Error(t, err)
}
