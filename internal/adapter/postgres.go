package adapter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-erp-approvals/internal/client"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

// tableSpec describes where an entity type lives. Table and column names are
// compile-time constants, never user input.
type tableSpec struct {
	entityType repository.EntityType
	table      string
	refColumn  string
	amountExpr string
}

var (
	rabTable = tableSpec{
		entityType: repository.EntityRAB,
		table:      "rab_items",
		refColumn:  "reference",
		amountExpr: "total_price",
	}
	purchaseOrderTable = tableSpec{
		entityType: repository.EntityPurchaseOrder,
		table:      "purchase_orders",
		refColumn:  "po_number",
		amountExpr: "total_amount",
	}
	beritaAcaraTable = tableSpec{
		entityType: repository.EntityBeritaAcara,
		table:      "berita_acara",
		refColumn:  "ba_number",
		amountExpr: "0",
	}
	paymentTable = tableSpec{
		entityType: repository.EntityPayment,
		table:      "progress_payments",
		refColumn:  "payment_number",
		amountExpr: "net_amount",
	}
)

// tableAdapter implements Fetch and ApplyStatus for any governed table.
type tableAdapter struct {
	db   *database.DB
	spec tableSpec
}

func (a *tableAdapter) EntityType() repository.EntityType { return a.spec.entityType }

func (a *tableAdapter) Fetch(ctx context.Context, entityID string) (*EntitySnapshot, error) {
	query := fmt.Sprintf(`
		SELECT t.id, COALESCE(t.project_id, ''), COALESCE(t.%s, ''), %s, to_jsonb(t)
		FROM %s t
		WHERE t.id = $1
	`, a.spec.refColumn, a.spec.amountExpr, a.spec.table)

	snap := &EntitySnapshot{EntityType: a.spec.entityType}
	var attrs []byte
	err := a.db.QueryRow(ctx, query, entityID).Scan(
		&snap.EntityID, &snap.ProjectID, &snap.Reference, &snap.Amount, &attrs)
	if err == pgx.ErrNoRows {
		return nil, entityNotFound(a.spec.entityType, entityID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to fetch "+a.spec.table)
	}
	snap.Attributes = attrs
	return snap, nil
}

func (a *tableAdapter) ApplyStatus(ctx context.Context, entityID string, status repository.InstanceStatus) error {
	query := fmt.Sprintf(`UPDATE %s SET approval_status = $2 WHERE id = $1`, a.spec.table)

	tag, err := a.db.Exec(ctx, query, entityID, status)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update "+a.spec.table+" approval status")
	}
	if tag.RowsAffected() == 0 {
		return entityNotFound(a.spec.entityType, entityID)
	}
	return nil
}

// ── per-type adapters ────────────────────────────────────────────────────────

// RABAdapter unlocks procurement against an approved RAB item.
type RABAdapter struct{ tableAdapter }

func NewRABAdapter(db *database.DB) *RABAdapter {
	return &RABAdapter{tableAdapter{db: db, spec: rabTable}}
}

func (a *RABAdapter) OnApproved(ctx context.Context, entityID string) error {
	_, err := a.db.Exec(ctx, `
		UPDATE rab_items SET procurement_unlocked = TRUE
		WHERE id = $1 AND NOT procurement_unlocked
	`, entityID)
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to unlock procurement")
}

// PurchaseOrderAdapter has no dependent records.
type PurchaseOrderAdapter struct{ tableAdapter }

func NewPurchaseOrderAdapter(db *database.DB) *PurchaseOrderAdapter {
	return &PurchaseOrderAdapter{tableAdapter{db: db, spec: purchaseOrderTable}}
}

func (a *PurchaseOrderAdapter) OnApproved(context.Context, string) error { return nil }

// BeritaAcaraAdapter releases the progress payments that wait on a BA.
type BeritaAcaraAdapter struct{ tableAdapter }

func NewBeritaAcaraAdapter(db *database.DB) *BeritaAcaraAdapter {
	return &BeritaAcaraAdapter{tableAdapter{db: db, spec: beritaAcaraTable}}
}

func (a *BeritaAcaraAdapter) OnApproved(ctx context.Context, entityID string) error {
	_, err := a.db.Exec(ctx, `
		UPDATE progress_payments SET ba_approved = TRUE
		WHERE berita_acara_id = $1 AND NOT ba_approved
	`, entityID)
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to release linked progress payments")
}

// PaymentAdapter books a finance transaction for an approved progress payment.
type PaymentAdapter struct {
	tableAdapter
	finance client.FinanceRecorder
}

func NewPaymentAdapter(db *database.DB, finance client.FinanceRecorder) *PaymentAdapter {
	return &PaymentAdapter{tableAdapter: tableAdapter{db: db, spec: paymentTable}, finance: finance}
}

func (a *PaymentAdapter) OnApproved(ctx context.Context, entityID string) error {
	snap, err := a.Fetch(ctx, entityID)
	if err != nil {
		return err
	}
	return a.finance.RecordTransaction(ctx, PaymentTransaction(snap))
}

// PaymentTransaction derives the finance transaction for an approved payment.
func PaymentTransaction(snap *EntitySnapshot) *client.FinanceTransaction {
	desc := "Progress payment"
	if snap.Reference != "" {
		desc += " " + snap.Reference
	}
	return &client.FinanceTransaction{
		ProjectID:       snap.ProjectID,
		SourceType:      "progress_payment",
		SourceID:        snap.EntityID,
		TransactionType: "expense",
		Amount:          snap.Amount,
		Description:     desc,
	}
}

// NewPostgresRegistry wires the adapters for all governed entity types.
func NewPostgresRegistry(db *database.DB, finance client.FinanceRecorder) *Registry {
	return NewRegistry(
		NewRABAdapter(db),
		NewPurchaseOrderAdapter(db),
		NewBeritaAcaraAdapter(db),
		NewPaymentAdapter(db, finance),
	)
}

// LocalFinanceRecorder books finance transactions in the shared database
// when no finance service is configured.
type LocalFinanceRecorder struct {
	db *database.DB
}

func NewLocalFinanceRecorder(db *database.DB) *LocalFinanceRecorder {
	return &LocalFinanceRecorder{db: db}
}

func (r *LocalFinanceRecorder) RecordTransaction(ctx context.Context, tx *client.FinanceTransaction) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO finance_transactions
		    (project_id, source_type, source_id, transaction_type, amount, description)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6)
		ON CONFLICT (source_type, source_id) DO NOTHING
	`, tx.ProjectID, tx.SourceType, tx.SourceID, tx.TransactionType, tx.Amount, tx.Description)
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to record finance transaction")
}
